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
// frame commands into the analysis pipeline. This file implements the batch
// vision analysis.
//
// Logic Flow:
// Every frame of the batch runs the same chain (load, materialize, scene
// attributes, actors, analyzed, analytics export) in its own cor context on a
// worker pool bounded by application.thread_pool_size. A frame that fails is
// marked failed and listed in the result; the remaining frames carry on.
// Progress is reported after each frame.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// BatchAnalysis runs scene classification and face resolution over many frames.
type BatchAnalysis struct {
	components *Components
	workers    int
	chain      cor.Chain
}

// NewBatchAnalysis is the constructor for BatchAnalysis.
func NewBatchAnalysis(components *Components) *BatchAnalysis {
	c := components
	store := c.Store
	chain := cor.NewBaseChain("batch-analysis")
	chain.AddCommand(commands.NewFrameLoader("load-frame", store))
	chain.AddCommand(commands.NewFrameMaterialize("materialize-frame", store, c.Materializer))
	chain.AddCommand(commands.NewSceneAnnotate("annotate-scene", store, c.Classifier, ""))
	chain.AddCommand(commands.NewActorDetect("detect-actors", store, c.Faces))
	chain.AddCommand(commands.NewFrameStatusSetter("mark-analyzed", store, model.StatusAnalyzed))
	chain.AddCommand(commands.NewAnalysisPersistToBigQuery("write-to-bigquery", store, c.Analytics, c.Pipelines.PrimaryID()))

	return &BatchAnalysis{
		components: c,
		workers:    max(c.Config.Application.ThreadPoolSize, 1),
		chain:      chain,
	}
}

// AnalyzeFrames runs the analysis over every frame id.
//
// Inputs:
//   - ctx: The context for the batch. Cancelling it stops frames that have not started.
//   - frameIDs: The frames to analyze.
//   - progress: Called with (processed, total) after each frame; may be nil.
//
// Outputs:
//   - *model.BatchResult: The batch summary with one entry per failed frame.
//   - error: Only the cancellation of ctx; frame failures are in the result.
func (b *BatchAnalysis) AnalyzeFrames(ctx context.Context, frameIDs []uint, progress services.ProgressFunc) (*model.BatchResult, error) {
	result := &model.BatchResult{Total: len(frameIDs), Errors: []model.FrameError{}}
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.workers)
	for _, id := range frameIDs {
		frameID := id
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return egCtx.Err()
			}
			err := b.analyze(egCtx, frameID)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			if err != nil {
				result.Errors = append(result.Errors, model.FrameError{FrameID: frameID, Error: err.Error()})
			}
			if progress != nil {
				progress(result.Processed, result.Total)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return result, err
	}

	result.Status = model.BatchDone
	if len(result.Errors) > 0 {
		result.Status = model.BatchDoneWithErrors
	}
	slog.InfoContext(ctx, "batch analysis finished", "total", result.Total, "failed", len(result.Errors))
	return result, nil
}

func (b *BatchAnalysis) analyze(ctx context.Context, frameID uint) error {
	chainCtx := cor.NewBaseContextWith(ctx)
	defer chainCtx.Close()
	chainCtx.Add(cor.CtxIn, frameID)
	b.chain.Execute(chainCtx)

	err := chainCtx.Err()
	if err == nil {
		return nil
	}
	slog.WarnContext(ctx, "frame analysis failed", "frame_id", frameID, "error", err)
	if commands.FrameFrom(chainCtx) != nil {
		reason := fmt.Sprintf("Vision analysis failed: %v", err)
		if markErr := b.components.Store.MarkFailed(context.WithoutCancel(ctx), frameID, reason); markErr != nil {
			slog.ErrorContext(ctx, "failed to record frame failure", "frame_id", frameID, "error", markErr)
		}
	}
	return err
}
