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

// Package services contains the business logic for interacting with data sources.
// This file, `metadata.go`, fetches film metadata (title, year, cast and
// artwork) from public movie databases. Two providers are supported:
//   - tmdb: The Movie Database v3 API, authenticated with a bearer token or an api_key.
//   - omdb: The Open Movie Database, looked up by IMDb id.
//
// The provider is selected once at startup from the configured preference
// order, skipping providers without credentials.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// MetadataProvider fetches film metadata by the provider's identifier.
type MetadataProvider interface {
	Name() string
	Fetch(ctx context.Context, externalID string) (*model.FilmMetadata, error)
}

// NewMetadataProvider returns the first provider in preference order that has
// credentials.
//
// Inputs:
//   - config: The metadata configuration.
//   - client: The HTTP client; nil creates one with the configured timeout.
//
// Outputs:
//   - MetadataProvider: The selected provider.
//   - error: Wraps model.ErrInvalidConfiguration when no provider is usable.
func NewMetadataProvider(config cloud.Metadata, client *http.Client) (MetadataProvider, error) {
	if client == nil {
		timeout := time.Duration(config.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	for _, name := range config.Providers {
		switch name {
		case cloud.ProviderTMDb:
			if config.TMDb.APIKey != "" || config.TMDb.BearerToken != "" {
				return NewTMDbProvider(config.TMDb, client), nil
			}
		case cloud.ProviderOMDb:
			if config.OMDb.APIKey != "" {
				return NewOMDbProvider(config.OMDb, client), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no metadata provider has credentials", model.ErrInvalidConfiguration)
}

// getJSON performs a GET and decodes the JSON answer. 404 maps to
// model.ErrNotFound, other failures to model.ErrTransientBackend.
func getJSON(ctx context.Context, client *http.Client, endpoint string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransientBackend, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", model.ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: provider rejected credentials (%s)", model.ErrInvalidConfiguration, resp.Status)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: %s", model.ErrTransientBackend, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", model.ErrTransientBackend, err)
	}
	return nil
}

// TMDbProvider reads The Movie Database v3 API.
type TMDbProvider struct {
	config cloud.ProviderEndpoint
	client *http.Client
}

// NewTMDbProvider creates the provider.
func NewTMDbProvider(config cloud.ProviderEndpoint, client *http.Client) *TMDbProvider {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &TMDbProvider{config: config, client: client}
}

// Name implements MetadataProvider.
func (p *TMDbProvider) Name() string { return cloud.ProviderTMDb }

type tmdbImage struct {
	FilePath string `json:"file_path"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Language string `json:"iso_639_1"`
}

type tmdbMovie struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	OriginalTitle string `json:"original_title"`
	Overview      string `json:"overview"`
	ReleaseDate   string `json:"release_date"`
	Credits       struct {
		Cast []struct {
			ID          int    `json:"id"`
			Name        string `json:"name"`
			Character   string `json:"character"`
			ProfilePath string `json:"profile_path"`
			Order       *int   `json:"order"`
		} `json:"cast"`
	} `json:"credits"`
	Images struct {
		Posters   []tmdbImage `json:"posters"`
		Backdrops []tmdbImage `json:"backdrops"`
	} `json:"images"`
}

// Fetch implements MetadataProvider.
func (p *TMDbProvider) Fetch(ctx context.Context, externalID string) (*model.FilmMetadata, error) {
	if _, err := strconv.Atoi(externalID); err != nil {
		return nil, fmt.Errorf("%w: tmdb id must be numeric, got %q", model.ErrInvalidConfiguration, externalID)
	}
	query := url.Values{"append_to_response": {"credits,images"}}
	header := http.Header{}
	if p.config.BearerToken != "" {
		header.Set("Authorization", "Bearer "+p.config.BearerToken)
	} else {
		query.Set("api_key", p.config.APIKey)
	}
	endpoint := fmt.Sprintf("%s/movie/%s?%s", p.config.BaseURL, externalID, query.Encode())

	var payload tmdbMovie
	if err := getJSON(ctx, p.client, endpoint, header, &payload); err != nil {
		return nil, err
	}

	meta := &model.FilmMetadata{
		Source:      cloud.ProviderTMDb,
		ExternalID:  strconv.Itoa(payload.ID),
		Title:       payload.Title,
		Description: payload.Overview,
		ReleaseYear: parseYear(payload.ReleaseDate),
	}
	if meta.Title == "" {
		meta.Title = payload.OriginalTitle
	}
	if meta.Title == "" {
		meta.Title = "Untitled"
	}
	for _, c := range payload.Credits.Cast {
		meta.Cast = append(meta.Cast, model.CastCredit{
			ExternalID:  strconv.Itoa(c.ID),
			Name:        c.Name,
			Character:   c.Character,
			ProfilePath: c.ProfilePath,
			Order:       c.Order,
		})
	}
	for _, group := range []struct {
		kind   model.ArtworkKind
		images []tmdbImage
	}{
		{model.ArtworkPoster, payload.Images.Posters},
		{model.ArtworkBackdrop, payload.Images.Backdrops},
	} {
		kind := group.kind
		for _, img := range group.images {
			if img.FilePath == "" {
				continue
			}
			meta.Artwork = append(meta.Artwork, model.ArtworkMetadata{
				Kind: kind, FilePath: img.FilePath, Width: img.Width, Height: img.Height, Language: img.Language,
			})
		}
	}
	return meta, nil
}

// parseYear reads the leading year of a "YYYY-MM-DD" or "YYYY" string.
func parseYear(date string) *int {
	head, _, _ := strings.Cut(strings.TrimSpace(date), "-")
	if len(head) < 4 {
		return nil
	}
	year, err := strconv.Atoi(head[:4])
	if err != nil {
		return nil
	}
	return &year
}

// OMDbProvider reads the Open Movie Database by IMDb id.
type OMDbProvider struct {
	config cloud.ProviderEndpoint
	client *http.Client
}

// NewOMDbProvider creates the provider.
func NewOMDbProvider(config cloud.ProviderEndpoint, client *http.Client) *OMDbProvider {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &OMDbProvider{config: config, client: client}
}

// Name implements MetadataProvider.
func (p *OMDbProvider) Name() string { return cloud.ProviderOMDb }

// Fetch implements MetadataProvider. OMDb has no cast ids, so cast members are
// keyed by a slug of their name.
func (p *OMDbProvider) Fetch(ctx context.Context, externalID string) (*model.FilmMetadata, error) {
	query := url.Values{"i": {externalID}, "apikey": {p.config.APIKey}, "plot": {"short"}}
	var payload struct {
		Response string `json:"Response"`
		Error    string `json:"Error"`
		Title    string `json:"Title"`
		Year     string `json:"Year"`
		Plot     string `json:"Plot"`
		Actors   string `json:"Actors"`
		Poster   string `json:"Poster"`
		IMDbID   string `json:"imdbID"`
	}
	if err := getJSON(ctx, p.client, p.config.BaseURL+"/?"+query.Encode(), nil, &payload); err != nil {
		return nil, err
	}
	if !strings.EqualFold(payload.Response, "true") {
		return nil, fmt.Errorf("%w: omdb %s: %s", model.ErrNotFound, externalID, payload.Error)
	}

	meta := &model.FilmMetadata{
		Source:      cloud.ProviderOMDb,
		ExternalID:  payload.IMDbID,
		Title:       payload.Title,
		Description: notAvailable(payload.Plot),
		ReleaseYear: parseYear(payload.Year),
	}
	if meta.ExternalID == "" {
		meta.ExternalID = externalID
	}
	order := 0
	for _, name := range strings.Split(notAvailable(payload.Actors), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		o := order
		meta.Cast = append(meta.Cast, model.CastCredit{
			ExternalID: "omdb:" + strings.Join(tokenize(name), "-"),
			Name:       name,
			Order:      &o,
		})
		order++
	}
	if poster := notAvailable(payload.Poster); poster != "" {
		meta.Artwork = append(meta.Artwork, model.ArtworkMetadata{Kind: model.ArtworkPoster, FilePath: poster})
	}
	return meta, nil
}

func notAvailable(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), "N/A") {
		return ""
	}
	return v
}
