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
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

func TestMatcherConsolidatesPerFilm(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	filmA := seedFilm(t, store, "Film A", 1999)
	filmB := seedFilm(t, store, "Film B", 2001)
	seedFrame(t, store, filmA, unitAt(0.90))
	bestB := seedFrame(t, store, filmB, unitAt(0.95))
	seedFrame(t, store, filmB, unitAt(0.80))
	target := seedFrame(t, store, nil, []float32{1, 0})

	prediction, status, err := services.NewFilmMatcher(store, 0.2).Match(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, prediction)
	assert.Equal(t, model.StatusMatched, status)
	assert.Equal(t, filmB.ID, prediction.FilmID)
	assert.InDelta(t, 0.975, prediction.Confidence, 1e-4)
	assert.Equal(t, strconv.FormatUint(uint64(bestB.ID), 10), prediction.ShotID)

	stored, err := store.GetFrame(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMatched, stored.Status)
	require.NotNil(t, stored.PredictedFilmID)
	assert.Equal(t, filmB.ID, *stored.PredictedFilmID)
}

func TestMatcherBelowThresholdClearsPrediction(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	film := seedFilm(t, store, "Film A", 1999)
	seedFrame(t, store, film, []float32{-1, 0})
	target := seedFrame(t, store, nil, []float32{1, 0})
	previous := film.ID
	conf := 0.9
	target.PredictedFilmID, target.MatchConfidence = &previous, &conf
	require.NoError(t, store.DB.Save(target).Error)

	prediction, status, err := services.NewFilmMatcher(store, 0.2).Match(ctx, target)
	require.NoError(t, err)
	assert.Nil(t, prediction)
	assert.Equal(t, model.StatusUnmatched, status)

	stored, err := store.GetFrame(ctx, target.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PredictedFilmID)
	assert.Nil(t, stored.MatchConfidence)
}

func TestMatcherRequiresEmbedding(t *testing.T) {
	store := newStore(t)
	target := seedFrame(t, store, nil, nil)
	_, _, err := services.NewFilmMatcher(store, 0.2).Match(context.Background(), target)
	assert.True(t, errors.Is(err, model.ErrInvalidConfiguration))
}
