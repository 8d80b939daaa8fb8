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
	"math"
	"testing"

	"github.com/zeebo/assert"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

func TestBestFilmMatchSkipsMismatchedDimensions(t *testing.T) {
	candidates := []services.MatchCandidate{
		{FrameID: 1, FilmID: 1, Vector: []float32{1, 0, 0}},
		{FrameID: 2, FilmID: 2, Vector: []float32{0.6, 0.8}},
	}
	prediction := services.BestFilmMatch([]float32{1, 0}, candidates, 0)
	assert.NotNil(t, prediction)
	assert.Equal(t, uint(2), prediction.FilmID)
	assert.That(t, math.Abs(prediction.Confidence-0.8) < 1e-4)

	assert.That(t, services.BestFilmMatch([]float32{1, 0}, candidates[:1], 0) == nil)
}

func TestBestFilmMatchTieGoesToLowestFilm(t *testing.T) {
	candidates := []services.MatchCandidate{
		{FrameID: 7, FilmID: 9, Vector: []float32{1, 0}},
		{FrameID: 8, FilmID: 3, Vector: []float32{1, 0}},
	}
	prediction := services.BestFilmMatch([]float32{1, 0}, candidates, 0)
	assert.NotNil(t, prediction)
	assert.Equal(t, uint(3), prediction.FilmID)
	assert.Equal(t, "8", prediction.ShotID)
	assert.Equal(t, 1.0, prediction.Confidence)
}

func TestBestFilmMatchBelowMinimum(t *testing.T) {
	candidates := []services.MatchCandidate{{FrameID: 1, FilmID: 1, Vector: []float32{0, 1}}}
	assert.That(t, services.BestFilmMatch([]float32{1, 0}, candidates, 0.6) == nil)
}

func TestSimilarityConfidenceIsBounded(t *testing.T) {
	for _, sim := range []float64{-3, -1, -0.2, 0, 0.5, 1, 2} {
		c := services.SimilarityConfidence(sim)
		assert.That(t, c >= 0 && c <= 1)
	}
}
