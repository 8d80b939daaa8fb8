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
// frame commands into the analysis pipeline. This file routes queued tasks to
// the workflow that runs their stage.
//
// Logic Flow:
//   - ingest: FrameIngestWorkflow.Ingest for each frame id, in order.
//   - embed, match, tag, scene_attributes, actors, enrich: StageRunner.Run for
//     each frame id, in order.
//   - analyze_batch: BatchAnalysis.AnalyzeFrames over all frame ids.
//   - metadata: MetadataIngestWorkflow.Ingest with params external_id and
//     film_id.
//
// Per-frame stages keep going after a frame fails. The task then fails with
// the joined frame errors and its result still lists every stage result.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// Task parameter names of the metadata stage.
const (
	ParamExternalID = "external_id"
	ParamFilmID     = "film_id"
)

// StageDispatcher implements services.TaskExecutor over the workflows.
type StageDispatcher struct {
	Ingest   *FrameIngestWorkflow
	Stages   *StageRunner
	Batch    *BatchAnalysis
	Metadata *MetadataIngestWorkflow
}

// NewStageDispatcher builds every workflow from the shared components.
//
// Inputs:
//   - components: The shared services.
//
// Outputs:
//   - *StageDispatcher: The dispatcher.
//   - error: model.ErrInvalidConfiguration when a workflow cannot be built.
func NewStageDispatcher(components *Components) (*StageDispatcher, error) {
	stages, err := NewStageRunner(components)
	if err != nil {
		return nil, err
	}
	return &StageDispatcher{
		Ingest:   NewFrameIngestWorkflow(components),
		Stages:   stages,
		Batch:    NewBatchAnalysis(components),
		Metadata: NewMetadataIngestWorkflow(components),
	}, nil
}

// ExecuteTask runs the stage a task names.
//
// Inputs:
//   - ctx: The context of the task run.
//   - stage: One of services.KnownStages.
//   - args: The task arguments.
//   - progress: Receives (processed, total) as frames complete.
//
// Outputs:
//   - any: The JSON-serializable task result.
//   - error: The stage error; for per-frame stages every failed frame is joined.
func (d *StageDispatcher) ExecuteTask(ctx context.Context, stage string, args services.TaskArgs, progress services.ProgressFunc) (any, error) {
	switch stage {
	case services.StageIngest:
		return d.eachFrame(ctx, args.FrameIDs, progress, d.Ingest.Ingest)

	case services.StageEmbed, services.StageMatch, services.StageTag,
		services.StageSceneAttributes, services.StageActors, services.StageEnrich:
		return d.eachFrame(ctx, args.FrameIDs, progress, func(ctx context.Context, id uint) (*model.StageResult, error) {
			return d.Stages.Run(ctx, stage, id)
		})

	case services.StageAnalyzeBatch:
		if len(args.FrameIDs) == 0 {
			return nil, fmt.Errorf("%w: analyze_batch needs frame ids", model.ErrInvalidConfiguration)
		}
		return d.Batch.AnalyzeFrames(ctx, args.FrameIDs, progress)

	case services.StageMetadata:
		var filmID uint
		if raw := args.Params[ParamFilmID]; raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: film_id %q: %v", model.ErrInvalidConfiguration, raw, err)
			}
			filmID = uint(id)
		}
		result, err := d.Metadata.Ingest(ctx, args.Params[ParamExternalID], filmID)
		if progress != nil && err == nil {
			progress(1, 1)
		}
		return result, err
	}
	return nil, fmt.Errorf("%w: unknown stage %q", model.ErrInvalidConfiguration, stage)
}

func (d *StageDispatcher) eachFrame(
	ctx context.Context,
	frameIDs []uint,
	progress services.ProgressFunc,
	run func(context.Context, uint) (*model.StageResult, error),
) ([]*model.StageResult, error) {
	if len(frameIDs) == 0 {
		return nil, fmt.Errorf("%w: no frame ids given", model.ErrInvalidConfiguration)
	}
	results := make([]*model.StageResult, 0, len(frameIDs))
	var errs []error
	for i, id := range frameIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result, err := run(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("frame %d: %w", id, err))
		} else if result != nil {
			results = append(results, result)
		}
		if progress != nil {
			progress(i+1, len(frameIDs))
		}
	}
	return results, errors.Join(errs...)
}
