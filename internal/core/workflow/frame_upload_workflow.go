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

// Package workflow defines the high-level orchestrations that combine the
// frame commands into the analysis pipeline. This file defines how frames
// enter the system.
//
// Logic Flow:
// Frames arrive three ways:
//  1. ImportFrame, for the CLI and the API. Raw bytes are uploaded to the
//     object store under storage.upload_prefix first; a local path or an
//     existing object URI is recorded as is.
//  2. FrameUploadWorkflow, for Cloud Storage notifications delivered over
//     Pub/Sub. The notification becomes a pending frame and an ingest task.
//  3. The pending-frame sweeper, which re-enqueues frames nobody picked up.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// ImportRequest describes one frame to register.
type ImportRequest struct {
	FilmID      *uint
	FilePath    string
	StorageURI  string
	Data        []byte
	ContentType string
	CapturedAt  *time.Time
}

// ImportFrame stores a new pending frame.
//
// Inputs:
//   - ctx: The context for the request.
//   - components: The shared services; ObjectStore is required when Data is set.
//   - req: The frame location or content.
//
// Outputs:
//   - *model.Frame: The stored frame in status pending.
//   - error: model.ErrInvalidConfiguration when the request names no content,
//     model.ErrDuplicateFrame when the object was already imported.
func ImportFrame(ctx context.Context, components *Components, req ImportRequest) (*model.Frame, error) {
	frame := &model.Frame{
		FilmID:     req.FilmID,
		FilePath:   req.FilePath,
		Status:     model.StatusPending,
		CapturedAt: req.CapturedAt,
	}

	uri := req.StorageURI
	if len(req.Data) > 0 {
		if components.ObjectStore == nil {
			return nil, fmt.Errorf("%w: no object store configured for uploads", model.ErrInvalidConfiguration)
		}
		kind, err := filetype.Match(req.Data)
		if err != nil || !filetype.IsImage(req.Data) {
			return nil, fmt.Errorf("%w: uploaded content is not an image", model.ErrInvalidConfiguration)
		}
		contentType := req.ContentType
		if contentType == "" {
			contentType = kind.MIME.Value
		}
		key := path.Join(components.Config.Storage.UploadPrefix, uuid.NewString()+"."+kind.Extension)
		uri, err = components.ObjectStore.Upload(ctx, req.Data, key, contentType)
		if err != nil {
			return nil, err
		}
	}
	if uri != "" {
		frame.StorageURI = &uri
	}
	if frame.FilePath == "" && frame.StorageURI == nil {
		return nil, fmt.Errorf("%w: a frame needs a file path, a storage uri or content", model.ErrInvalidConfiguration)
	}

	if err := components.Store.CreateFrame(ctx, frame); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "frame imported", "frame_id", frame.ID, "storage_uri", uri, "file_path", frame.FilePath)
	return frame, nil
}

// FrameUploadWorkflow turns a Cloud Storage notification into a pending frame
// and an ingest task.
type FrameUploadWorkflow struct {
	cor.BaseCommand
	chain cor.Chain
}

// NewFrameUploadWorkflow is the constructor for FrameUploadWorkflow.
//
// Inputs:
//   - components: The shared services.
//   - queue: Receives the ingest task of every new frame.
//
// Outputs:
//   - *FrameUploadWorkflow: The workflow.
func NewFrameUploadWorkflow(components *Components, queue services.TaskQueue) *FrameUploadWorkflow {
	out := &FrameUploadWorkflow{BaseCommand: *cor.NewBaseCommand("frame-upload-workflow")}
	chain := cor.NewBaseChain(out.GetName())
	chain.AddCommand(commands.NewFrameTriggerToGCSObject("gcs-notification-reader"))
	chain.AddCommand(commands.NewFrameImport("import-frame", components.Store))
	chain.AddCommand(commands.NewTaskEnqueue("enqueue-ingest", queue, services.StageIngest))
	out.chain = chain
	return out
}

// Execute runs the chain on the notification body found at cor.CtxIn.
func (w *FrameUploadWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
}
