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

package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// FilmIDMetadataKey is the object metadata key naming the frame's film.
const FilmIDMetadataKey = "film_id"

// FrameImport creates a pending frame for an uploaded object. Redelivered
// notifications for an object that was already imported produce no output,
// so the rest of the chain is skipped without an error.
type FrameImport struct {
	cor.BaseCommand
	store *services.FrameStore
}

// NewFrameImport is the constructor for FrameImport.
func NewFrameImport(name string, store *services.FrameStore) *FrameImport {
	return &FrameImport{BaseCommand: *cor.NewBaseCommand(name), store: store}
}

func (c *FrameImport) Execute(context cor.Context) {
	obj, ok := context.Get(c.GetInputParam()).(*cloud.GCSObject)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: expected a storage object", model.ErrInvalidConfiguration))
		return
	}

	uri := obj.URI()
	frame := &model.Frame{StorageURI: &uri, Status: model.StatusPending}
	if raw := obj.Metadata[FilmIDMetadataKey]; raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.Fail(context, fmt.Errorf("%w: film_id %q: %v", model.ErrInvalidConfiguration, raw, err))
			return
		}
		filmID := uint(id)
		frame.FilmID = &filmID
	}

	err := c.store.CreateFrame(context.GetContext(), frame)
	if errors.Is(err, model.ErrDuplicateFrame) {
		slog.InfoContext(context.GetContext(), "frame already imported", "storage_uri", uri)
		c.Succeed(context, nil)
		return
	}
	if err != nil {
		c.Fail(context, err)
		return
	}
	context.Add(FrameParam, frame)
	c.Succeed(context, frame)
}

// TaskEnqueue queues a stage task for the frame found at the input parameter.
type TaskEnqueue struct {
	cor.BaseCommand
	queue services.TaskQueue
	stage string
}

// NewTaskEnqueue is the constructor for TaskEnqueue.
func NewTaskEnqueue(name string, queue services.TaskQueue, stage string) *TaskEnqueue {
	return &TaskEnqueue{BaseCommand: *cor.NewBaseCommand(name), queue: queue, stage: stage}
}

func (c *TaskEnqueue) Execute(context cor.Context) {
	frame, ok := context.Get(c.GetInputParam()).(*model.Frame)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: expected a frame", model.ErrInvalidConfiguration))
		return
	}
	task, err := c.queue.Enqueue(context.GetContext(), c.stage, services.TaskArgs{FrameIDs: []uint{frame.ID}})
	if err != nil {
		c.Fail(context, err)
		return
	}
	context.Add(TaskIDParam, task.ID)
	c.Succeed(context, task)
}
