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
	"math"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	test "github.com/jaycherian/gcp-go-frame-analysis/internal/testutil"
)

func newStore(t *testing.T) *services.FrameStore {
	return services.NewFrameStore(test.NewTestDatabase(t))
}

func mockClient(t *testing.T) *http.Client {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func seedFilm(t *testing.T, store *services.FrameStore, title string, year int) *model.Film {
	film := &model.Film{Title: title, ReleaseYear: &year}
	require.NoError(t, store.CreateFilm(context.Background(), film))
	return film
}

// seedFrame stores a frame, optionally attached to a film, with a primary
// embedding when vector is not nil.
func seedFrame(t *testing.T, store *services.FrameStore, film *model.Film, vector []float32) *model.Frame {
	frame := &model.Frame{Status: model.StatusEmbedded, Embedding: model.EncodeVector(vector)}
	if film != nil {
		frame.FilmID = &film.ID
	}
	require.NoError(t, store.CreateFrame(context.Background(), frame))
	return frame
}

// unitAt returns a 2-d unit vector whose cosine similarity with (1, 0) is sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}
