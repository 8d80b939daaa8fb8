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

package services_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	test "github.com/jaycherian/gcp-go-frame-analysis/internal/testutil"
)

func TestCreateFrameValidatesFilmAndDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	film := seedFilm(t, store, "Ran", 1985)
	uri := "gs://frames/ran_0001.png"

	frame := &model.Frame{FilmID: &film.ID, StorageURI: &uri}
	require.NoError(t, store.CreateFrame(ctx, frame))
	assert.Equal(t, model.StatusPending, frame.Status)

	err := store.CreateFrame(ctx, &model.Frame{FilmID: &film.ID, StorageURI: &uri})
	assert.ErrorIs(t, err, model.ErrDuplicateFrame)

	missing := uint(404)
	err = store.CreateFrame(ctx, &model.Frame{FilmID: &missing})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.True(t, model.IsPermanent(err))
}

func TestStatusTransitionsClearFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	frame := seedFrame(t, store, nil, nil)

	require.NoError(t, store.MarkFailed(ctx, frame.ID, "Vision analysis failed: boom"))
	got, err := store.GetFrame(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)

	require.NoError(t, store.SetStatus(ctx, frame.ID, model.StatusNew))
	got, err = store.GetFrame(ctx, frame.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, got.Status)
	assert.Nil(t, got.FailureReason)

	assert.ErrorIs(t, store.SetStatus(ctx, 9999, model.StatusNew), model.ErrNotFound)
}

func TestSaveEmbeddingsUpsertsPerPipeline(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	frame := seedFrame(t, store, nil, nil)
	results := []*model.EmbeddingResult{
		{PipelineID: cloud.PipelineStandard, Vector: []float32{1, 0}, ModelID: "ViT-B-32"},
		{PipelineID: cloud.PipelineEnhanced, Vector: []float32{0, 1, 0}, ModelID: "ViT-L-14"},
	}
	require.NoError(t, store.SaveEmbeddings(ctx, frame.ID, results, cloud.PipelineStandard))
	results[0].Vector = []float32{0, 1}
	require.NoError(t, store.SaveEmbeddings(ctx, frame.ID, results, cloud.PipelineStandard))

	var count int64
	require.NoError(t, store.DB.Model(&model.FrameEmbedding{}).Where("frame_id = ?", frame.ID).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	got, err := store.GetFrame(ctx, frame.ID)
	require.NoError(t, err)
	primary, err := model.DecodeVector(got.Embedding)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, primary)
	assert.Equal(t, "ViT-B-32", got.EmbeddingModel)

	enhanced, err := store.PipelineEmbedding(ctx, frame.ID, cloud.PipelineEnhanced)
	require.NoError(t, err)
	assert.Len(t, enhanced, 3)
}

func TestTaggerDerivesTags(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	film := seedFilm(t, store, "Blade Runner", 1982)
	frame := &model.Frame{FilmID: &film.ID, FilePath: "frames/deckard_rooftop-rain.png", Embedding: model.EncodeVector([]float32{0.5, 1, 0})}
	require.NoError(t, store.CreateFrame(ctx, frame))

	tags, err := services.NewFrameTagger(store).Tag(ctx, frame)
	require.NoError(t, err)
	require.Len(t, tags, 3)
	assert.Equal(t, "deckard", tags[0].Name)
	assert.Equal(t, "rooftop", tags[1].Name)
	assert.Equal(t, "rain", tags[2].Name)
	assert.Equal(t, 0.7, tags[0].Confidence)
	assert.Equal(t, 1.0, tags[1].Confidence)
	assert.Equal(t, 0.4, tags[2].Confidence)

	// Tagging again keeps one link per tag.
	_, err = services.NewFrameTagger(store).Tag(ctx, frame)
	require.NoError(t, err)
	stored, err := store.FrameTags(ctx, frame.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	_, err = services.NewFrameTagger(store).Tag(ctx, seedFrame(t, store, nil, nil))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCandidateTagsFallbacks(t *testing.T) {
	year := 1968
	film := &model.Film{Title: "2001", ReleaseYear: &year}
	assert.Equal(t, []string{"2001", "1968"}, services.CandidateTags(&model.Frame{}, film))
	assert.Equal(t, []string{"untagged"}, services.CandidateTags(&model.Frame{}, &model.Film{}))

	uri := "gs://frames/uploads/Space_Odyssey.jpg"
	assert.Equal(t, []string{"space", "odyssey", "2001"}, services.CandidateTags(&model.Frame{StorageURI: &uri}, film))

	for _, c := range services.TagConfidences([]float32{-3, 4}, 3) {
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 1.0)
	}
	assert.Equal(t, []float64{0.7, 0.7}, services.TagConfidences(nil, 2))
}

func TestMaterializerSources(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	img := test.GradientImage(24, 16, 8)
	test.WriteImageFile(t, dir, "local.png", img)

	objects := test.NewFakeObjectStore()
	objects.Put("gs://frames/stored.png", test.EncodePNG(t, img))
	objects.PresignTo = "http://signed.test"

	client := mockClient(t)
	httpmock.RegisterResponder(http.MethodGet, "http://signed.test/frames/signed.png",
		httpmock.NewBytesResponder(http.StatusOK, test.EncodePNG(t, img)))

	m := services.NewFrameMaterializer(objects, cloud.Storage{LocalRoot: dir}, client)

	local, err := m.Materialize(ctx, &model.Frame{FilePath: "local.png"})
	require.NoError(t, err)
	assert.Equal(t, services.SourceLocal, local.Source)
	assert.False(t, local.Temporary)
	assert.Equal(t, "image/png", local.MIMEType)

	stored := "gs://frames/stored.png"
	fromStore, err := m.Materialize(ctx, &model.Frame{FilePath: "gone.png", StorageURI: &stored})
	require.NoError(t, err)
	assert.Equal(t, services.SourceObjectStore, fromStore.Source)
	assert.True(t, fromStore.Temporary)
	_, err = os.Stat(fromStore.Path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(fromStore.Path))

	signed := "gs://frames/signed.png"
	fromURL, err := m.Materialize(ctx, &model.Frame{StorageURI: &signed})
	require.NoError(t, err)
	assert.Equal(t, services.SourcePresignedURL, fromURL.Source)
	assert.Equal(t, 16, fromURL.Image.Bounds().Dy())
	require.NoError(t, os.Remove(fromURL.Path))
}

func TestMaterializerUnresolvable(t *testing.T) {
	m := services.NewFrameMaterializer(test.NewFakeObjectStore(), cloud.Storage{}, nil)
	missing := "gs://frames/missing.png"
	_, err := m.Materialize(context.Background(), &model.Frame{ID: 3, StorageURI: &missing})
	assert.ErrorIs(t, err, model.ErrContentUnavailable)

	bogus := filepath.Join(t.TempDir(), "not-an-image.png")
	require.NoError(t, os.WriteFile(bogus, []byte("plain text"), 0o644))
	_, err = m.Materialize(context.Background(), &model.Frame{FilePath: bogus})
	assert.ErrorIs(t, err, model.ErrContentUnavailable)

	_, err = m.Materialize(context.Background(), &model.Frame{})
	assert.ErrorIs(t, err, model.ErrContentUnavailable)
}

func TestLocalAttributeDistribution(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	film := seedFilm(t, store, "Heat", 1995)
	other := seedFilm(t, store, "Ronin", 1998)
	a := seedFrame(t, store, film, nil)
	b := seedFrame(t, store, film, nil)
	c := seedFrame(t, store, other, nil)
	night := model.AttributeScore{Attribute: "time_of_day", Value: "night", Confidence: 0.8}
	require.NoError(t, store.ReplaceSceneAttributes(ctx, a.ID, []model.AttributeScore{night}, nil))
	night.Confidence = 0.6
	require.NoError(t, store.ReplaceSceneAttributes(ctx, b.ID, []model.AttributeScore{night, {Attribute: "lighting", Value: "neon", Confidence: 0.5}}, nil))
	require.NoError(t, store.ReplaceSceneAttributes(ctx, c.ID, []model.AttributeScore{night}, nil))

	analytics := services.NewAnalyticsService(nil, cloud.BigQueryDataSource{}, store.DB)
	assert.False(t, analytics.Enabled())
	exported, err := analytics.Export(ctx, &model.FrameAnalysisRow{FrameID: int64(a.ID)})
	require.NoError(t, err)
	assert.False(t, exported)

	dist, err := analytics.AttributeDistribution(ctx, film.ID)
	require.NoError(t, err)
	require.Len(t, dist, 2)
	assert.Equal(t, "lighting", dist[0].Attribute)
	assert.Equal(t, "time_of_day", dist[1].Attribute)
	assert.Equal(t, int64(2), dist[1].Frames)
	assert.InDelta(t, 0.7, dist[1].AvgConfidence, 1e-9)

	row, err := store.AnalysisRow(ctx, b.ID, cloud.PipelineStandard)
	require.NoError(t, err)
	assert.True(t, row.FilmID.Valid)
	assert.Len(t, row.Attributes, 2)
}
