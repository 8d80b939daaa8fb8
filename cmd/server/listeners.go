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

// Package main contains the logic for setting up and starting the Pub/Sub message listeners.
// These listeners start backend work in response to events.
//
// Functions:
//   - SetupListeners: Attaches the frame upload workflow to the upload subscription and,
//     when tasks travel over Pub/Sub, the task runner to the task subscription.
package main

import (
	"context"
	"log/slog"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/app"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/workflow"
)

// UploadSubscription is the topic_subscriptions key carrying GCS
// notifications for new frame images.
const UploadSubscription = "FrameUploads"

// SetupListeners configures and starts the background Pub/Sub listeners.
// Listeners whose subscription is not configured are skipped.
//
// Inputs:
//   - ctx: The application's root context, used to manage the lifecycle of the listeners.
//   - state: The shared application state.
func SetupListeners(ctx context.Context, state *app.StateManager) {
	listeners := state.Cloud.PubSubListeners

	if listener, ok := listeners[UploadSubscription]; ok {
		listener.SetCommand(workflow.NewFrameUploadWorkflow(state.Components, state.Queue))
		listener.Listen(ctx)
		slog.InfoContext(ctx, "frame upload listener started", "subscription", UploadSubscription)
	}

	if state.Config.TaskQueue.Mode != cloud.QueueModePubSub {
		return
	}
	key := state.Config.TaskQueue.Subscription
	listener, ok := listeners[key]
	if !ok {
		slog.WarnContext(ctx, "task queue subscription is not configured; tasks will stay queued", "subscription", key)
		return
	}
	listener.SetCommand(commands.NewTaskMessageRunner("task-runner", state.Tasks, state.Dispatcher))
	listener.Listen(ctx)
	slog.InfoContext(ctx, "task listener started", "subscription", key)
}
