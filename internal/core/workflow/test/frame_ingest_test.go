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

package workflow_test

import (
	"context"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/workflow"
	test "github.com/jaycherian/gcp-go-frame-analysis/internal/testutil"
)

// TestIngestFilmKnownReachesAnalyzed runs the full film-known branch.
func TestIngestFilmKnownReachesAnalyzed(t *testing.T) {
	traceCtx, span := tracer.Start(ctx, "frame-ingest-known-film")
	defer span.End()

	h := newHarness(t)
	film := h.film(t, "Blade Runner")
	frame := h.frame(t, film, "gs://frames/br-0001.png", test.GradientImage(64, 36, 11))

	result, err := workflow.NewFrameIngestWorkflow(h.components).Ingest(traceCtx, frame.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.StatusAnalyzed, result.Status)

	stored := h.reload(t, frame.ID)
	assert.Equal(t, model.StatusAnalyzed, stored.Status)
	assert.Nil(t, stored.FailureReason)
	assert.NotEmpty(t, stored.EmbeddingModel)
	vector, err := model.DecodeVector(stored.Embedding)
	require.NoError(t, err)
	assert.NotEmpty(t, vector)

	attributes, err := h.components.Store.SceneAttributes(traceCtx, frame.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, attributes)

	detections, err := h.components.Store.ActorDetections(traceCtx, frame.ID)
	require.NoError(t, err)
	assert.Empty(t, detections, "no face detector is configured")
	span.SetStatus(codes.Ok, "passed - frame ingest known film")
}

// TestIngestFilmUnknownPredictsFilm ingests a reference frame, then a filmless
// copy of it, which must be matched to the reference film.
func TestIngestFilmUnknownPredictsFilm(t *testing.T) {
	h := newHarness(t)
	ingest := workflow.NewFrameIngestWorkflow(h.components)
	img := test.GradientImage(64, 36, 42)

	film := h.film(t, "Alien")
	reference := h.frame(t, film, "gs://frames/alien-ref.png", img)
	_, err := ingest.Ingest(ctx, reference.ID)
	require.NoError(t, err)

	unknown := h.frame(t, nil, "gs://frames/unknown.png", img)
	result, err := ingest.Ingest(ctx, unknown.ID)
	require.NoError(t, err)
	assert.Equal(t, services.StageMatch, result.Stage)
	assert.Equal(t, model.StatusMatched, result.Status)

	stored := h.reload(t, unknown.ID)
	assert.Equal(t, model.StatusMatched, stored.Status)
	require.NotNil(t, stored.PredictedFilmID)
	assert.Equal(t, film.ID, *stored.PredictedFilmID)
	require.NotNil(t, stored.MatchConfidence)
	assert.GreaterOrEqual(t, *stored.MatchConfidence, h.components.Config.Matcher.MinConfidence)
	assert.Nil(t, stored.FilmID, "matching only predicts the film")

	attributes, err := h.components.Store.SceneAttributes(ctx, unknown.ID)
	require.NoError(t, err)
	assert.Empty(t, attributes, "the film-unknown branch stops after matching")
}

func TestIngestFilmUnknownWithoutCorpusIsUnmatched(t *testing.T) {
	h := newHarness(t)
	frame := h.frame(t, nil, "gs://frames/lonely.png", test.GradientImage(32, 32, 7))

	result, err := workflow.NewFrameIngestWorkflow(h.components).Ingest(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnmatched, result.Status)

	stored := h.reload(t, frame.ID)
	assert.Equal(t, model.StatusUnmatched, stored.Status)
	assert.Nil(t, stored.PredictedFilmID)
}

// TestIngestUnresolvableFrameFails checks that content that cannot be
// materialized fails once, without retries and without partial results.
func TestIngestUnresolvableFrameFails(t *testing.T) {
	h := newHarness(t)
	film := h.film(t, "Heat")
	frame := h.frame(t, film, "gs://frames/missing.png", nil)

	_, err := workflow.NewFrameIngestWorkflow(h.components).Ingest(ctx, frame.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrContentUnavailable)

	stored := h.reload(t, frame.ID)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "after 1 attempt(s)")

	attributes, err := h.components.Store.SceneAttributes(ctx, frame.ID)
	require.NoError(t, err)
	assert.Empty(t, attributes)
	detections, err := h.components.Store.ActorDetections(ctx, frame.ID)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestIngestMissingFrame(t *testing.T) {
	h := newHarness(t)
	_, err := workflow.NewFrameIngestWorkflow(h.components).Ingest(ctx, 4242)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestIngestRecoversFailedFrame(t *testing.T) {
	h := newHarness(t)
	film := h.film(t, "Ran")
	uri := "gs://frames/ran.png"
	frame := h.frame(t, film, uri, nil)
	ingest := workflow.NewFrameIngestWorkflow(h.components)

	_, err := ingest.Ingest(ctx, frame.ID)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, h.reload(t, frame.ID).Status)

	h.objects.Put(uri, test.EncodePNG(t, test.GradientImage(48, 27, 5)))
	_, err = ingest.Ingest(ctx, frame.ID)
	require.NoError(t, err)
	stored := h.reload(t, frame.ID)
	assert.Equal(t, model.StatusAnalyzed, stored.Status)
	assert.Nil(t, stored.FailureReason)
}

// flakyDetector fails with a transient backend error for the first failures
// calls and finds no faces afterwards.
type flakyDetector struct {
	failures int
	calls    int
}

func (d *flakyDetector) Name() string { return "flaky" }

func (d *flakyDetector) Detect(_ context.Context, _ image.Image) ([]model.FaceDetection, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, fmt.Errorf("%w: boom %d", model.ErrTransientBackend, d.calls)
	}
	return nil, nil
}

func (h *harness) useDetector(detector vision.FaceDetector) {
	h.components.Faces = services.NewFaceResolver(h.components.Store, detector, nil, h.components.Config.Vision, nil)
}

func TestIngestRetriesTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.components.Config.Ingest.MaxAttempts = 3
	detector := &flakyDetector{failures: 1}
	h.useDetector(detector)

	film := h.film(t, "Stalker")
	frame := h.frame(t, film, "gs://frames/stalker.png", test.GradientImage(40, 30, 3))

	result, err := workflow.NewFrameIngestWorkflow(h.components).Ingest(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnalyzed, result.Status)
	assert.Equal(t, 2, detector.calls)

	stored := h.reload(t, frame.ID)
	assert.Equal(t, model.StatusAnalyzed, stored.Status)
	assert.Nil(t, stored.FailureReason)
}

func TestIngestGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.components.Config.Ingest.MaxAttempts = 3
	detector := &flakyDetector{failures: 100}
	h.useDetector(detector)

	film := h.film(t, "Solaris")
	frame := h.frame(t, film, "gs://frames/solaris.png", test.GradientImage(40, 30, 4))

	_, err := workflow.NewFrameIngestWorkflow(h.components).Ingest(ctx, frame.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransientBackend)
	assert.Equal(t, 3, detector.calls)

	stored := h.reload(t, frame.ID)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "after 3 attempt(s)")
	assert.Contains(t, *stored.FailureReason, "boom 3")
}
