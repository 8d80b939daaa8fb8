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

package services

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"gorm.io/gorm"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// AnalyticsService streams analyzed frames into BigQuery and reads attribute
// statistics back. Without a BigQuery client or dataset the export is skipped
// and statistics come from the relational store.
type AnalyticsService struct {
	BigqueryClient *bigquery.Client
	DatasetName    string
	AnalysisTable  string
	DB             *gorm.DB
}

// NewAnalyticsService creates the service.
func NewAnalyticsService(client *bigquery.Client, config cloud.BigQueryDataSource, db *gorm.DB) *AnalyticsService {
	return &AnalyticsService{
		BigqueryClient: client,
		DatasetName:    config.DatasetName,
		AnalysisTable:  config.AnalysisTable,
		DB:             db,
	}
}

// Enabled reports whether rows are exported to BigQuery.
func (s *AnalyticsService) Enabled() bool {
	return s != nil && s.BigqueryClient != nil && s.DatasetName != "" && s.AnalysisTable != ""
}

// GetFQN returns the fully qualified analysis table name usable in SQL.
func (s *AnalyticsService) GetFQN() string {
	return strings.Replace(s.BigqueryClient.Dataset(s.DatasetName).Table(s.AnalysisTable).FullyQualifiedName(), ":", ".", -1)
}

// Export streams rows into the analysis table. It is a no-op when the export
// is disabled.
//
// Inputs:
//   - ctx: The context for the request.
//   - rows: The rows to insert.
//
// Outputs:
//   - bool: True when the rows were sent to BigQuery.
//   - error: Wraps model.ErrTransientBackend when the insert fails.
func (s *AnalyticsService) Export(ctx context.Context, rows ...*model.FrameAnalysisRow) (bool, error) {
	if !s.Enabled() || len(rows) == 0 {
		return false, nil
	}
	inserter := s.BigqueryClient.Dataset(s.DatasetName).Table(s.AnalysisTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return false, fmt.Errorf("%w: bigquery insert failed: %v", model.ErrTransientBackend, err)
	}
	return true, nil
}

// AttributeDistribution counts how often each scene attribute value appears
// across the frames of a film.
//
// Inputs:
//   - ctx: The context for the request.
//   - filmID: The film to summarize.
//
// Outputs:
//   - []*model.AttributeDistribution: One entry per attribute value.
//   - error: An error if the query fails.
func (s *AnalyticsService) AttributeDistribution(ctx context.Context, filmID uint) ([]*model.AttributeDistribution, error) {
	out := make([]*model.AttributeDistribution, 0)
	if !s.Enabled() {
		if s.DB == nil {
			return out, fmt.Errorf("%w: no analytics backend", model.ErrInvalidConfiguration)
		}
		err := s.DB.WithContext(ctx).Raw(QryLocalAttributeDistribution, filmID).Scan(&out).Error
		return out, err
	}

	q := s.BigqueryClient.Query(fmt.Sprintf(QryAttributeDistribution, s.GetFQN()))
	q.Parameters = []bigquery.QueryParameter{{Name: "film_id", Value: int64(filmID)}}
	itr, err := q.Read(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to read from BigQuery: %w", err)
	}
	for {
		r := &model.AttributeDistribution{}
		err := itr.Next(r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to iterate results: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
