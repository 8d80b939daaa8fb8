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
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/workflow"
	test "github.com/jaycherian/gcp-go-frame-analysis/internal/testutil"
)

// fakeProvider serves one canned title.
type fakeProvider struct {
	meta *model.FilmMetadata
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Fetch(_ context.Context, externalID string) (*model.FilmMetadata, error) {
	if externalID != p.meta.ExternalID {
		return nil, fmt.Errorf("title %s: %w", externalID, model.ErrNotFound)
	}
	return p.meta, nil
}

func waitForTask(t *testing.T, store *services.TaskStore, id string, states ...model.TaskState) *model.Task {
	var task *model.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		for _, s := range states {
			if task.State == s {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
	return task
}

func TestDispatcherRunsIngestOnLocalQueue(t *testing.T) {
	h := newHarness(t)
	tasks := services.NewTaskStore(h.components.Store.DB)
	dispatcher, err := workflow.NewStageDispatcher(h.components)
	require.NoError(t, err)

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	queue := services.NewLocalTaskQueue(tasks, dispatcher, 2, 8)
	queue.Start(ctx)
	defer queue.Close()

	film := h.film(t, "Metropolis")
	frame := h.frame(t, film, "gs://frames/metropolis.png", test.GradientImage(48, 32, 4))
	task, err := queue.Enqueue(ctx, services.StageIngest, services.TaskArgs{FrameIDs: []uint{frame.ID}})
	require.NoError(t, err)

	done := waitForTask(t, tasks, task.ID, model.TaskDone, model.TaskFailed)
	require.Equal(t, model.TaskDone, done.State, done.Error)
	assert.Equal(t, 1, done.Processed)

	var results []model.StageResult
	require.NoError(t, json.Unmarshal(done.Result, &results))
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusAnalyzed, results[0].Status)

	stored := h.reload(t, frame.ID)
	assert.Equal(t, task.ID, stored.IngestTaskID)
	assert.NotNil(t, stored.IngestedAt)
}

func TestDispatcherJoinsFrameErrors(t *testing.T) {
	h := newHarness(t)
	dispatcher, err := workflow.NewStageDispatcher(h.components)
	require.NoError(t, err)

	film := h.film(t, "Playtime")
	ok := h.frame(t, film, "gs://frames/playtime.png", test.GradientImage(24, 24, 6))
	missing := h.frame(t, film, "gs://frames/playtime-missing.png", nil)

	var last [2]int
	result, err := dispatcher.ExecuteTask(ctx, services.StageEmbed,
		services.TaskArgs{FrameIDs: []uint{ok.ID, missing.ID}},
		func(processed, total int) { last = [2]int{processed, total} })
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrContentUnavailable)
	assert.Contains(t, err.Error(), fmt.Sprintf("frame %d", missing.ID))
	assert.Equal(t, [2]int{2, 2}, last)

	results, isList := result.([]*model.StageResult)
	require.True(t, isList)
	require.Len(t, results, 1)
	assert.Equal(t, ok.ID, results[0].FrameID)
}

func TestDispatcherValidatesArguments(t *testing.T) {
	h := newHarness(t)
	dispatcher, err := workflow.NewStageDispatcher(h.components)
	require.NoError(t, err)

	_, err = dispatcher.ExecuteTask(ctx, services.StageTag, services.TaskArgs{}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
	_, err = dispatcher.ExecuteTask(ctx, services.StageAnalyzeBatch, services.TaskArgs{}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
	_, err = dispatcher.ExecuteTask(ctx, "rewind", services.TaskArgs{FrameIDs: []uint{1}}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
	_, err = dispatcher.ExecuteTask(ctx, services.StageMetadata,
		services.TaskArgs{Params: map[string]string{workflow.ParamExternalID: "tt0083658"}}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration, "no provider has credentials")
}

func TestDispatcherIngestsMetadata(t *testing.T) {
	h := newHarness(t)
	year := 1982
	h.components.Metadata = &fakeProvider{meta: &model.FilmMetadata{
		Source:      "fake",
		ExternalID:  "tt0083658",
		Title:       "Blade Runner",
		ReleaseYear: &year,
		Cast:        []model.CastCredit{{ExternalID: "harrison-ford", Name: "Harrison Ford", Character: "Deckard"}},
	}}
	dispatcher, err := workflow.NewStageDispatcher(h.components)
	require.NoError(t, err)

	out, err := dispatcher.ExecuteTask(ctx, services.StageMetadata,
		services.TaskArgs{Params: map[string]string{workflow.ParamExternalID: "tt0083658"}}, nil)
	require.NoError(t, err)
	result, isResult := out.(*model.MetadataIngestResult)
	require.True(t, isResult)
	assert.Equal(t, 1, result.CastCount)

	film, err := h.components.Store.GetFilm(ctx, result.FilmID)
	require.NoError(t, err)
	assert.Equal(t, "Blade Runner", film.Title)

	_, err = dispatcher.ExecuteTask(ctx, services.StageMetadata,
		services.TaskArgs{Params: map[string]string{workflow.ParamExternalID: "tt0000000"}}, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// TestFrameUploadChain runs the Pub/Sub upload workflow on a Cloud Storage
// notification and checks that redelivery is harmless.
func TestFrameUploadChain(t *testing.T) {
	traceCtx, span := tracer.Start(ctx, "frame-upload-test")
	defer span.End()

	h := newHarness(t)
	h.film(t, "Blade Runner")
	tasks := services.NewTaskStore(h.components.Store.DB)
	queue := services.NewPubSubTaskQueue(tasks, &recordingPublisher{})
	upload := workflow.NewFrameUploadWorkflow(h.components, queue)

	chainCtx := cor.NewBaseContextWith(traceCtx)
	chainCtx.Add(cor.CtxIn, test.GetTestFrameUploadMessageText())
	upload.Execute(chainCtx)
	require.NoError(t, chainCtx.Err())

	frame := commands.FrameFrom(chainCtx)
	require.NotNil(t, frame)
	require.NotNil(t, frame.StorageURI)
	assert.Equal(t, "gs://film-frames/uploads/blade_runner_1982_0042.png", *frame.StorageURI)
	require.NotNil(t, frame.FilmID)
	assert.Equal(t, uint(1), *frame.FilmID)
	assert.Equal(t, model.StatusPending, frame.Status)

	taskID, _ := chainCtx.Get(commands.TaskIDParam).(string)
	require.NotEmpty(t, taskID)
	task, err := tasks.Get(traceCtx, taskID)
	require.NoError(t, err)
	assert.Equal(t, services.StageIngest, task.Stage)

	again := cor.NewBaseContextWith(traceCtx)
	again.Add(cor.CtxIn, test.GetTestFrameUploadMessageText())
	upload.Execute(again)
	require.NoError(t, again.Err())
	assert.Nil(t, again.Get(commands.TaskIDParam), "a redelivered notification enqueues nothing")
}

func TestImportFrame(t *testing.T) {
	h := newHarness(t)
	film := h.film(t, "Chinatown")

	frame, err := workflow.ImportFrame(ctx, h.components, workflow.ImportRequest{
		FilmID: &film.ID,
		Data:   test.EncodePNG(t, test.GradientImage(16, 9, 2)),
	})
	require.NoError(t, err)
	require.NotNil(t, frame.StorageURI)
	assert.Contains(t, *frame.StorageURI, "gs://test-frames/uploads/")
	assert.Equal(t, model.StatusPending, frame.Status)
	assert.Equal(t, 1, h.objects.Uploads)

	_, err = workflow.ImportFrame(ctx, h.components, workflow.ImportRequest{Data: []byte("not an image")})
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
	_, err = workflow.ImportFrame(ctx, h.components, workflow.ImportRequest{})
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)

	_, err = workflow.ImportFrame(ctx, h.components, workflow.ImportRequest{StorageURI: *frame.StorageURI})
	assert.ErrorIs(t, err, model.ErrDuplicateFrame)
}

func TestSweeperEnqueuesPendingFramesOnce(t *testing.T) {
	h := newHarness(t)
	tasks := services.NewTaskStore(h.components.Store.DB)
	publisher := &recordingPublisher{}
	queue := services.NewPubSubTaskQueue(tasks, publisher)
	sweeper := workflow.NewPendingFrameSweeper(h.components.Store, tasks, queue, 0)

	first := h.frame(t, nil, "gs://frames/pending-1.png", nil)
	second := h.frame(t, nil, "gs://frames/pending-2.png", nil)
	require.NoError(t, h.components.Store.SetStatus(ctx, second.ID, model.StatusAnalyzed))

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the queued task is still in flight")

	inFlight, err := tasks.InFlightFrames(ctx, services.StageIngest)
	require.NoError(t, err)
	require.Contains(t, inFlight, first.ID)
	_, err = tasks.Revoke(ctx, inFlight[first.ID])
	require.NoError(t, err)

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a revoked task no longer blocks the frame")
	assert.Len(t, publisher.messages, 2)
}

// recordingPublisher stands in for the Pub/Sub topic.
type recordingPublisher struct {
	messages [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, data []byte, _ map[string]string) (string, error) {
	p.messages = append(p.messages, data)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}
