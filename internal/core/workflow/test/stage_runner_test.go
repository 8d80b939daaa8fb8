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
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/workflow"
	test "github.com/jaycherian/gcp-go-frame-analysis/internal/testutil"
)

func TestStageRunnerRunsStagesIndependently(t *testing.T) {
	h := newHarness(t)
	runner, err := workflow.NewStageRunner(h.components)
	require.NoError(t, err)
	film := h.film(t, "Stalker")
	frame := h.frame(t, film, "gs://frames/stalker.png", test.GradientImage(40, 30, 9))

	embedded, err := runner.Run(ctx, services.StageEmbed, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEmbedded, embedded.Status)
	assert.Equal(t, frame.ID, embedded.FrameID)

	tagged, err := runner.Run(ctx, services.StageTag, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTagged, tagged.Status)
	tags, err := h.components.Store.FrameTags(ctx, frame.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, tags)

	scene, err := runner.Run(ctx, services.StageSceneAttributes, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSceneAnnotated, scene.Status)
	assert.Contains(t, scene.Fields, "attributes")

	actors, err := runner.Run(ctx, services.StageActors, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActorsDetected, actors.Status)
}

func TestStageRunnerMatchWithoutEmbeddingFails(t *testing.T) {
	h := newHarness(t)
	runner, err := workflow.NewStageRunner(h.components)
	require.NoError(t, err)
	frame := h.frame(t, nil, "gs://frames/raw.png", test.GradientImage(16, 16, 1))

	_, err = runner.Run(ctx, services.StageMatch, frame.ID)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)

	stored := h.reload(t, frame.ID)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Contains(t, *stored.FailureReason, "Stage match failed")
}

func TestStageRunnerRejectsUnknownStagesAndMissingModel(t *testing.T) {
	h := newHarness(t)
	runner, err := workflow.NewStageRunner(h.components)
	require.NoError(t, err)
	frame := h.frame(t, nil, "gs://frames/any.png", test.GradientImage(16, 16, 2))

	_, err = runner.Run(ctx, services.StageIngest, frame.ID)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)

	_, err = runner.Run(ctx, services.StageEnrich, frame.ID)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)

	assert.Equal(t, model.StatusPending, h.reload(t, frame.ID).Status, "configuration errors leave the frame alone")
}

func TestBatchAnalysisIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	film := h.film(t, "Brazil")
	good := []*model.Frame{
		h.frame(t, film, "gs://frames/brazil-1.png", test.GradientImage(32, 18, 1)),
		h.frame(t, film, "gs://frames/brazil-2.png", test.GradientImage(32, 18, 2)),
		h.frame(t, nil, "gs://frames/filmless.png", test.GradientImage(32, 18, 3)),
	}
	bad := h.frame(t, film, "gs://frames/brazil-missing.png", nil)
	ids := []uint{good[0].ID, bad.ID, good[1].ID, good[2].ID}

	var mu sync.Mutex
	var reports [][2]int
	result, err := workflow.NewBatchAnalysis(h.components).AnalyzeFrames(ctx, ids, func(processed, total int) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, [2]int{processed, total})
	})
	require.NoError(t, err)
	assert.Equal(t, model.BatchDoneWithErrors, result.Status)
	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 4, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, bad.ID, result.Errors[0].FrameID)

	require.Len(t, reports, 4)
	assert.Equal(t, [2]int{4, 4}, reports[3])

	for _, f := range good {
		assert.Equal(t, model.StatusAnalyzed, h.reload(t, f.ID).Status)
	}
	failed := h.reload(t, bad.ID)
	assert.Equal(t, model.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "Vision analysis failed")
}

func TestBatchAnalysisAllSucceed(t *testing.T) {
	h := newHarness(t)
	film := h.film(t, "Solaris")
	frame := h.frame(t, film, "gs://frames/solaris.png", test.SolidImage(20, 20, color.RGBA{R: 90, G: 60, B: 30, A: 255}))

	result, err := workflow.NewBatchAnalysis(h.components).AnalyzeFrames(ctx, []uint{frame.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.BatchDone, result.Status)
	assert.Empty(t, result.Errors)
}
