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
	"image"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
	test "github.com/jaycherian/gcp-go-frame-analysis/internal/testutil"
)

// fakeDetector returns the same faces for every image.
type fakeDetector struct {
	faces []model.FaceDetection
	calls int
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) Detect(_ context.Context, _ image.Image) ([]model.FaceDetection, error) {
	d.calls++
	out := make([]model.FaceDetection, len(d.faces))
	copy(out, d.faces)
	return out, nil
}

func face(confidence float64, vector []float32) model.FaceDetection {
	return model.FaceDetection{BBox: [4]float64{10, 10, 40, 50}, Confidence: confidence, Embedding: vector}
}

func visionConfig() cloud.Vision {
	return cloud.Vision{
		ProfileImageBaseURL:  "http://profiles.test",
		FaceMinConfidence:    0.9,
		RecognitionThreshold: 0.55,
		ClusterThreshold:     0.58,
	}
}

func TestIdentityResolverClustering(t *testing.T) {
	first := services.NewIdentityResolver(nil, nil, 0.55, 0.58)
	id := first.Resolve([]float32{1, 0})
	assert.Equal(t, model.TrackNew, id.Status)
	require.NotNil(t, id.ClusterLabel)
	assert.Equal(t, "unknown-1", *id.ClusterLabel)
	assert.Nil(t, id.Similarity)

	clusters := services.BuildClusters([]services.ClusterSample{{FrameID: 1, Label: "unknown-1", Vector: []float32{1, 0}}})
	second := services.NewIdentityResolver(nil, clusters, 0.55, 0.58)

	tracked := second.Resolve(unitAt(0.60))
	assert.Equal(t, model.TrackTracked, tracked.Status)
	assert.Equal(t, "unknown-1", *tracked.ClusterLabel)
	assert.InDelta(t, 0.60, *tracked.Similarity, 1e-4)

	minted := second.Resolve(unitAt(0.50))
	assert.Equal(t, model.TrackNew, minted.Status)
	assert.Equal(t, "unknown-2", *minted.ClusterLabel)

	// Faces resolved in the same run never join each other.
	again := second.Resolve(unitAt(0.50))
	assert.Equal(t, "unknown-3", *again.ClusterLabel)
}

func TestIdentityResolverRecognizesCast(t *testing.T) {
	refs := []services.CastReference{{CastMemberID: 7, Name: "Lead", Vector: []float32{0, 1}}}
	r := services.NewIdentityResolver(refs, nil, 0.55, 0.58)
	id := r.Resolve([]float32{0, 1})
	assert.Equal(t, model.TrackIdentified, id.Status)
	require.NotNil(t, id.CastMemberID)
	assert.Equal(t, uint(7), *id.CastMemberID)

	assert.Equal(t, model.TrackUntracked, r.Resolve(nil).Status)
}

func TestCombinedConfidence(t *testing.T) {
	sim := 0.8
	assert.Equal(t, 0.76, services.CombinedConfidence(0.95, &sim))
	assert.Equal(t, 0.475, services.CombinedConfidence(0.95, nil))
	over := 3.0
	assert.Equal(t, 1.0, services.CombinedConfidence(0.9, &over))
	under := -0.5
	assert.Equal(t, 0.0, services.CombinedConfidence(0.9, &under))
}

func TestFaceResolverTracksUnknownFacesAcrossFrames(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	film := seedFilm(t, store, "Alien", 1979)
	img := test.GradientImage(80, 60, 2)
	detector := &fakeDetector{}
	resolver := services.NewFaceResolver(store, detector, nil, visionConfig(), &http.Client{})

	detector.faces = []model.FaceDetection{face(0.95, []float32{1, 0}), face(0.5, []float32{0, 1})}
	dets, err := resolver.Resolve(ctx, seedFrame(t, store, film, nil), img)
	require.NoError(t, err)
	require.Len(t, dets, 1, "low confidence faces are dropped")
	assert.Equal(t, model.TrackNew, dets[0].TrackStatus)
	assert.Equal(t, "unknown-1", *dets[0].ClusterLabel)
	assert.Equal(t, 0.475, dets[0].Confidence)
	assert.NotEmpty(t, dets[0].Emotion)
	assert.NotNil(t, dets[0].PoseYaw)

	detector.faces = []model.FaceDetection{face(0.95, unitAt(0.60))}
	dets, err = resolver.Resolve(ctx, seedFrame(t, store, film, nil), img)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, model.TrackTracked, dets[0].TrackStatus)
	assert.Equal(t, "unknown-1", *dets[0].ClusterLabel)
	assert.Equal(t, 0.57, dets[0].Confidence)

	detector.faces = []model.FaceDetection{face(0.95, []float32{0, -1})}
	third := seedFrame(t, store, film, nil)
	dets, err = resolver.Resolve(ctx, third, img)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, model.TrackNew, dets[0].TrackStatus)
	assert.Equal(t, "unknown-2", *dets[0].ClusterLabel)

	// Re-running a frame replaces its detections and ignores its own faces.
	dets, err = resolver.Resolve(ctx, third, img)
	require.NoError(t, err)
	assert.Equal(t, "unknown-2", *dets[0].ClusterLabel)
	stored, err := store.ActorDetections(ctx, third.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestFaceResolverIdentifiesCachedCastReference(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	film := seedFilm(t, store, "Alien", 1979)
	member := model.CastMember{ExternalID: "10205", Name: "Sigourney Weaver", FaceEmbedding: model.EncodeVector([]float32{0, 1})}
	require.NoError(t, store.DB.Create(&member).Error)
	require.NoError(t, store.DB.Create(&model.FilmCast{FilmID: film.ID, CastMemberID: member.ID}).Error)

	detector := &fakeDetector{faces: []model.FaceDetection{face(0.99, []float32{0, 1})}}
	resolver := services.NewFaceResolver(store, detector, nil, visionConfig(), &http.Client{})
	dets, err := resolver.Resolve(ctx, seedFrame(t, store, film, nil), test.GradientImage(40, 40, 1))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, model.TrackIdentified, dets[0].TrackStatus)
	assert.Equal(t, member.ID, *dets[0].CastMemberID)
	assert.Nil(t, dets[0].ClusterLabel)
	assert.Equal(t, 0.99, dets[0].Confidence)
}

func TestFaceResolverComputesReferenceFromProfile(t *testing.T) {
	ctx := context.Background()
	client := mockClient(t)
	httpmock.RegisterResponder(http.MethodGet, "http://profiles.test/weaver.png",
		httpmock.NewBytesResponder(http.StatusOK, test.EncodePNG(t, test.GradientImage(48, 64, 4))))

	store := newStore(t)
	film := seedFilm(t, store, "Alien", 1979)
	member := model.CastMember{ExternalID: "10205", Name: "Sigourney Weaver", ProfilePath: "/weaver.png"}
	require.NoError(t, store.DB.Create(&member).Error)
	require.NoError(t, store.DB.Create(&model.FilmCast{FilmID: film.ID, CastMemberID: member.ID}).Error)

	resolver := services.NewFaceResolver(store, &fakeDetector{}, vision.NewFaceEmbedder("", client), visionConfig(), client)
	dets, err := resolver.Resolve(ctx, seedFrame(t, store, film, nil), test.GradientImage(40, 40, 1))
	require.NoError(t, err)
	assert.Empty(t, dets, "no faces means no reference lookup")

	resolver = services.NewFaceResolver(store, &fakeDetector{faces: []model.FaceDetection{face(0.95, []float32{1, 0, 0})}},
		vision.NewFaceEmbedder("", client), visionConfig(), client)
	_, err = resolver.Resolve(ctx, seedFrame(t, store, film, nil), test.GradientImage(40, 40, 1))
	require.NoError(t, err)

	var cached model.CastMember
	require.NoError(t, store.DB.First(&cached, member.ID).Error)
	vector, err := model.DecodeVector(cached.FaceEmbedding)
	require.NoError(t, err)
	assert.NotEmpty(t, vector)
	assert.Equal(t, services.FaceEmbeddingModel, cached.FaceEmbeddingModel)
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["GET http://profiles.test/weaver.png"])
}

func TestFaceResolverFilmlessAndMissingDetector(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	frame := seedFrame(t, store, nil, nil)

	dets, err := services.NewFaceResolver(store, nil, nil, visionConfig(), nil).Resolve(ctx, frame, test.GradientImage(20, 20, 1))
	require.NoError(t, err)
	assert.Empty(t, dets)

	detector := &fakeDetector{faces: []model.FaceDetection{face(0.97, []float32{1, 0})}}
	dets, err = services.NewFaceResolver(store, detector, nil, visionConfig(), nil).Resolve(ctx, frame, test.GradientImage(20, 20, 1))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, model.TrackUntracked, dets[0].TrackStatus)
	assert.Nil(t, dets[0].ClusterLabel)
}
