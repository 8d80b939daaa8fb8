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
// frame commands into the analysis pipeline. This file implements the
// end-to-end ingest of one frame.
//
// Logic Flow:
// The ingest chain walks the frame status machine:
//
//	pending -> new -> embedding -> embedded -> matched | unmatched        (film unknown)
//	                               embedded -> tagged -> scene_annotated
//	                                        -> actors_detected -> analyzed (film known)
//
// The branch is chosen by each command's condition on the loaded frame, so
// one chain serves both. The whole chain is retried with exponential backoff
// up to ingest.max_attempts. Errors that retrying cannot fix (missing frame or
// film, unavailable content, invalid input) stop the retries at once. The
// final failure is written to the frame as status=failed with a readable
// failure_reason and is not retried again.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// FrameIngestWorkflow runs the full pipeline for one frame.
type FrameIngestWorkflow struct {
	cor.BaseCommand
	components      *Components
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
	chain           cor.Chain
}

// NewFrameIngestWorkflow is the constructor for FrameIngestWorkflow.
//
// Inputs:
//   - components: The shared services; the retry policy comes from Config.Ingest.
//
// Outputs:
//   - *FrameIngestWorkflow: The workflow with its chain built.
func NewFrameIngestWorkflow(components *Components) *FrameIngestWorkflow {
	cfg := components.Config.Ingest
	w := &FrameIngestWorkflow{
		BaseCommand:     *cor.NewBaseCommand("frame-ingest-workflow"),
		components:      components,
		maxAttempts:     uint(max(cfg.MaxAttempts, 1)),
		initialInterval: time.Duration(cfg.InitialIntervalMillis) * time.Millisecond,
		maxInterval:     time.Duration(cfg.MaxIntervalMillis) * time.Millisecond,
	}
	w.initializeChain()
	return w
}

func (w *FrameIngestWorkflow) initializeChain() {
	c := w.components
	store := c.Store
	out := cor.NewBaseChain(w.GetName())

	// Step 1: Load the frame and start it over at `new`.
	out.AddCommand(commands.NewFrameLoader("load-frame", store))
	out.AddCommand(commands.NewFrameStatusSetter("mark-new", store, model.StatusNew))

	// Step 2: Resolve the pixels; a temp copy is released by the context.
	out.AddCommand(commands.NewFrameMaterialize("materialize-frame", store, c.Materializer))

	// Step 3: Embed with every enabled pipeline.
	out.AddCommand(commands.NewFrameEmbed("embed-frame", store, c.Pipelines))

	// Step 4a: Film unknown, predict it from the embedded corpus.
	match := commands.NewFilmMatch("match-film", store, c.Matcher)
	match.Condition = commands.FilmUnknown
	out.AddCommand(match)

	// Step 4b: Film known, tag, classify and resolve faces.
	tag := commands.NewFrameTag("tag-frame", store, c.Tagger)
	tag.Condition = commands.FilmKnown
	out.AddCommand(tag)

	scene := commands.NewSceneAnnotate("annotate-scene", store, c.Classifier, "")
	scene.Condition = commands.FilmKnown
	out.AddCommand(scene)

	actors := commands.NewActorDetect("detect-actors", store, c.Faces)
	actors.Condition = commands.FilmKnown
	out.AddCommand(actors)

	analyzed := commands.NewFrameStatusSetter("mark-analyzed", store, model.StatusAnalyzed)
	analyzed.Condition = commands.FilmKnown
	out.AddCommand(analyzed)

	// Step 5: Optional analytics export.
	export := commands.NewAnalysisPersistToBigQuery("write-to-bigquery", store, c.Analytics, c.Pipelines.PrimaryID())
	export.Condition = commands.FilmKnown
	out.AddCommand(export)

	w.chain = out
}

// Execute runs one attempt of the chain. The frame id is read from cor.CtxIn.
func (w *FrameIngestWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
}

func (w *FrameIngestWorkflow) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if w.initialInterval > 0 {
		b.InitialInterval = w.initialInterval
	}
	if w.maxInterval > 0 {
		b.MaxInterval = w.maxInterval
	}
	return b
}

// Ingest runs the chain with retries and records a terminal failure.
//
// Inputs:
//   - ctx: The context for the request. When it runs under a task, the task id
//     is recorded on the frame.
//   - frameID: The frame to ingest.
//
// Outputs:
//   - *model.StageResult: The result of the last stage that ran.
//   - error: The final error; the frame is then in status failed.
func (w *FrameIngestWorkflow) Ingest(ctx context.Context, frameID uint) (*model.StageResult, error) {
	if taskID := services.TaskIDFromContext(ctx); taskID != "" {
		if err := w.components.Store.MarkIngested(ctx, frameID, taskID); err != nil && !errors.Is(err, model.ErrNotFound) {
			slog.WarnContext(ctx, "failed to record ingest task", "frame_id", frameID, "error", err)
		}
	}

	attempts := 0
	operation := func() (*model.StageResult, error) {
		attempts++
		chainCtx := cor.NewBaseContextWith(ctx)
		defer chainCtx.Close()
		chainCtx.Add(cor.CtxIn, frameID)

		w.Execute(chainCtx)
		if err := chainCtx.Err(); err != nil {
			if model.IsPermanent(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return commands.StageResultFrom(chainCtx), nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(w.newBackOff()),
		backoff.WithMaxTries(w.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.WarnContext(ctx, "frame ingest attempt failed, retrying", "frame_id", frameID, "retry_in", next, "error", err)
		}))
	if err != nil {
		w.GetErrorCounter().Add(ctx, 1)
		reason := fmt.Sprintf("Ingest failed after %d attempt(s): %v", attempts, err)
		if markErr := w.components.Store.MarkFailed(context.WithoutCancel(ctx), frameID, reason); markErr != nil {
			slog.ErrorContext(ctx, "failed to record frame failure", "frame_id", frameID, "error", markErr)
		}
		return nil, err
	}
	w.GetSuccessCounter().Add(ctx, 1)
	slog.InfoContext(ctx, "frame ingested", "frame_id", frameID, "status", result.Status, "attempts", attempts)
	return result, nil
}
