// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines the
// worker side of the Pub/Sub task queue.
//
// Logic Flow:
//  1. The message body `{"task_id": "..."}` is parsed.
//  2. services.RunTask moves the task from queued to running, executes the
//     stage and records done or failed. Revoked and already started tasks are
//     skipped, which makes redelivered messages harmless.
//  3. A stage failure is part of the task record, not a command error, so the
//     message is acknowledged. Malformed messages and unknown tasks are
//     acknowledged and dropped. Only failures to read or record the task
//     state leave the message unacknowledged for redelivery.
package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// TaskMessageRunner executes the task referenced by a Pub/Sub message.
type TaskMessageRunner struct {
	cor.BaseCommand
	store    *services.TaskStore
	executor services.TaskExecutor
}

// NewTaskMessageRunner is the constructor for TaskMessageRunner.
//
// Inputs:
//   - name: A string name for this command instance.
//   - store: The task state store.
//   - executor: Runs the task's stage.
//
// Outputs:
//   - *TaskMessageRunner: The command.
func NewTaskMessageRunner(name string, store *services.TaskStore, executor services.TaskExecutor) *TaskMessageRunner {
	return &TaskMessageRunner{BaseCommand: *cor.NewBaseCommand(name), store: store, executor: executor}
}

func (c *TaskMessageRunner) Execute(context cor.Context) {
	in, _ := context.Get(c.GetInputParam()).(string)

	var msg services.TaskMessage
	if err := json.Unmarshal([]byte(in), &msg); err != nil || msg.TaskID == "" {
		// Redelivery cannot fix a malformed message.
		c.GetErrorCounter().Add(context.GetContext(), 1)
		slog.WarnContext(context.GetContext(), "dropping malformed task message", "body", in)
		return
	}
	context.Add(TaskIDParam, msg.TaskID)

	err := services.RunTask(context.GetContext(), c.store, c.executor, msg.TaskID)
	if model.IsPermanent(err) {
		c.GetErrorCounter().Add(context.GetContext(), 1)
		slog.WarnContext(context.GetContext(), "dropping task message", "task_id", msg.TaskID, "error", err)
		return
	}
	if err != nil {
		c.Fail(context, fmt.Errorf("task %s: %w", msg.TaskID, err))
		return
	}
	c.Succeed(context, msg.TaskID)
}
