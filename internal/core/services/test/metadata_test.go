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
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

const (
	tmdbURL = "http://tmdb.test/3"
	omdbURL = "http://omdb.test"
)

func tmdbMovie() map[string]any {
	return map[string]any{
		"id":             78,
		"title":          "",
		"original_title": "Blade Runner",
		"overview":       "A blade runner must pursue four replicants.",
		"release_date":   "1982-06-25",
		"credits": map[string]any{"cast": []map[string]any{
			{"id": 3, "name": "Harrison Ford", "character": "Rick Deckard", "profile_path": "/ford.jpg", "order": 0},
			{"id": 585, "name": "Rutger Hauer", "character": "Roy Batty", "profile_path": "/hauer.jpg", "order": 1},
		}},
		"images": map[string]any{
			"posters":   []map[string]any{{"file_path": "/poster.jpg", "width": 2000, "height": 3000, "iso_639_1": "en"}},
			"backdrops": []map[string]any{{"file_path": "/backdrop.jpg", "width": 3840, "height": 2160}, {"file_path": ""}},
		},
	}
}

func metadataConfig() cloud.Metadata {
	return cloud.Metadata{
		Providers: []string{cloud.ProviderTMDb, cloud.ProviderOMDb},
		TMDb:      cloud.ProviderEndpoint{BearerToken: "token", BaseURL: tmdbURL},
		OMDb:      cloud.ProviderEndpoint{APIKey: "key", BaseURL: omdbURL},
	}
}

func TestProviderSelectionFollowsCredentials(t *testing.T) {
	config := metadataConfig()
	p, err := services.NewMetadataProvider(config, nil)
	require.NoError(t, err)
	assert.Equal(t, cloud.ProviderTMDb, p.Name())

	config.TMDb = cloud.ProviderEndpoint{BaseURL: tmdbURL}
	p, err = services.NewMetadataProvider(config, nil)
	require.NoError(t, err)
	assert.Equal(t, cloud.ProviderOMDb, p.Name())

	config.OMDb.APIKey = ""
	_, err = services.NewMetadataProvider(config, nil)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}

func TestTMDbFetch(t *testing.T) {
	client := mockClient(t)
	httpmock.RegisterResponder(http.MethodGet, tmdbURL+"/movie/78",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer token", req.Header.Get("Authorization"))
			assert.Equal(t, "credits,images", req.URL.Query().Get("append_to_response"))
			return httpmock.NewJsonResponse(http.StatusOK, tmdbMovie())
		})

	p := services.NewTMDbProvider(metadataConfig().TMDb, client)
	meta, err := p.Fetch(context.Background(), "78")
	require.NoError(t, err)
	assert.Equal(t, "Blade Runner", meta.Title)
	assert.Equal(t, "78", meta.ExternalID)
	require.NotNil(t, meta.ReleaseYear)
	assert.Equal(t, 1982, *meta.ReleaseYear)
	require.Len(t, meta.Cast, 2)
	assert.Equal(t, "Rutger Hauer", meta.Cast[1].Name)
	assert.Equal(t, 1, *meta.Cast[1].Order)
	require.Len(t, meta.Artwork, 2)
	assert.Equal(t, model.ArtworkPoster, meta.Artwork[0].Kind)
	assert.Equal(t, model.ArtworkBackdrop, meta.Artwork[1].Kind)
}

func TestTMDbErrors(t *testing.T) {
	client := mockClient(t)
	httpmock.RegisterResponder(http.MethodGet, tmdbURL+"/movie/1", httpmock.NewStringResponder(http.StatusNotFound, `{}`))
	httpmock.RegisterResponder(http.MethodGet, tmdbURL+"/movie/2", httpmock.NewStringResponder(http.StatusUnauthorized, `{}`))
	httpmock.RegisterResponder(http.MethodGet, tmdbURL+"/movie/3", httpmock.NewStringResponder(http.StatusServiceUnavailable, `busy`))
	p := services.NewTMDbProvider(cloud.ProviderEndpoint{APIKey: "k", BaseURL: tmdbURL + "/"}, client)
	ctx := context.Background()

	_, err := p.Fetch(ctx, "tt0083658")
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
	_, err = p.Fetch(ctx, "1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = p.Fetch(ctx, "2")
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
	_, err = p.Fetch(ctx, "3")
	assert.ErrorIs(t, err, model.ErrTransientBackend)
	assert.False(t, model.IsPermanent(err))
}

func TestOMDbFetch(t *testing.T) {
	client := mockClient(t)
	httpmock.RegisterResponder(http.MethodGet, omdbURL+"/",
		func(req *http.Request) (*http.Response, error) {
			if req.URL.Query().Get("i") != "tt0083658" {
				return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"Response": "False", "Error": "Incorrect IMDb ID."})
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"Response": "True",
				"Title":    "Blade Runner",
				"Year":     "1982",
				"Plot":     "N/A",
				"Actors":   "Harrison Ford, Rutger Hauer, Sean Young",
				"Poster":   "https://img.test/poster.jpg",
				"imdbID":   "tt0083658",
			})
		})

	p := services.NewOMDbProvider(metadataConfig().OMDb, client)
	meta, err := p.Fetch(context.Background(), "tt0083658")
	require.NoError(t, err)
	assert.Equal(t, "Blade Runner", meta.Title)
	assert.Empty(t, meta.Description)
	require.Len(t, meta.Cast, 3)
	assert.Equal(t, "omdb:harrison-ford", meta.Cast[0].ExternalID)
	assert.Equal(t, 2, *meta.Cast[2].Order)
	require.Len(t, meta.Artwork, 1)

	_, err = p.Fetch(context.Background(), "tt0000000")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpsertFilmMetadataIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	year := 1982
	order := 0
	meta := &model.FilmMetadata{
		Source: cloud.ProviderTMDb, ExternalID: "78", Title: "Blade Runner", ReleaseYear: &year,
		Cast:    []model.CastCredit{{ExternalID: "3", Name: "Harrison Ford", Character: "Rick Deckard", Order: &order}},
		Artwork: []model.ArtworkMetadata{{Kind: model.ArtworkPoster, FilePath: "/poster.jpg", Width: 2000, Height: 3000}},
	}

	first, err := store.UpsertFilmMetadata(ctx, 0, meta)
	require.NoError(t, err)
	second, err := store.UpsertFilmMetadata(ctx, 0, meta)
	require.NoError(t, err)
	assert.Equal(t, first.FilmID, second.FilmID)
	assert.Equal(t, 1, second.CastCount)

	var artworks []model.Artwork
	require.NoError(t, store.DB.Where("film_id = ?", first.FilmID).Find(&artworks).Error)
	require.Len(t, artworks, 1)
	assert.Equal(t, 0.667, *artworks[0].AspectRatio)

	cast, err := store.CastForFilm(ctx, first.FilmID)
	require.NoError(t, err)
	require.Len(t, cast, 1)
	assert.Equal(t, "Harrison Ford", cast[0].Name)

	_, err = store.UpsertFilmMetadata(ctx, 999, meta)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
