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

package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// MetadataIngestWorkflow fetches film metadata from the configured provider
// and writes the film, its cast and artwork.
type MetadataIngestWorkflow struct {
	components *Components
}

// NewMetadataIngestWorkflow is the constructor for MetadataIngestWorkflow.
func NewMetadataIngestWorkflow(components *Components) *MetadataIngestWorkflow {
	return &MetadataIngestWorkflow{components: components}
}

// Ingest fetches one title and stores it.
//
// Inputs:
//   - ctx: The context for the request.
//   - externalID: The provider's identifier of the film.
//   - filmID: An existing film to attach the metadata to, or zero to look it
//     up or create it by external id.
//
// Outputs:
//   - *model.MetadataIngestResult: What was written.
//   - error: model.ErrInvalidConfiguration when no provider is configured, or
//     the provider's typed error.
func (w *MetadataIngestWorkflow) Ingest(ctx context.Context, externalID string, filmID uint) (*model.MetadataIngestResult, error) {
	provider := w.components.Metadata
	if provider == nil {
		return nil, fmt.Errorf("%w: no metadata provider has credentials", model.ErrInvalidConfiguration)
	}
	if externalID == "" {
		return nil, fmt.Errorf("%w: an external id is required", model.ErrInvalidConfiguration)
	}

	meta, err := provider.Fetch(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", provider.Name(), externalID, err)
	}
	result, err := w.components.Store.UpsertFilmMetadata(ctx, filmID, meta)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "film metadata ingested", "provider", provider.Name(), "external_id", externalID, "film_id", result.FilmID)
	return result, nil
}
