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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines the
// command that streams an analyzed frame into BigQuery.
//
// Logic Flow:
// The command only runs when the analytics dataset is configured. It builds
// one FrameAnalysisRow from the relational store (attributes and actor
// counts) and streams it with the table inserter. The relational store stays
// the system of record, so a failed export is logged and counted as an error
// metric but never fails the frame.
package commands

import (
	"log/slog"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// AnalysisPersistToBigQuery exports the frame's analysis row.
type AnalysisPersistToBigQuery struct {
	FrameStage
	analytics  *services.AnalyticsService
	pipelineID string
}

// NewAnalysisPersistToBigQuery is the constructor for AnalysisPersistToBigQuery.
//
// Inputs:
//   - name: A string name for this command instance.
//   - store: The relational frame store the row is assembled from.
//   - analytics: The BigQuery exporter.
//   - pipelineID: The pipeline recorded on the row.
//
// Outputs:
//   - *AnalysisPersistToBigQuery: The command.
func NewAnalysisPersistToBigQuery(name string, store *services.FrameStore, analytics *services.AnalyticsService, pipelineID string) *AnalysisPersistToBigQuery {
	return &AnalysisPersistToBigQuery{FrameStage: newFrameStage(name, store, false), analytics: analytics, pipelineID: pipelineID}
}

// IsExecutable skips the export when no dataset is configured.
func (c *AnalysisPersistToBigQuery) IsExecutable(context cor.Context) bool {
	return c.analytics != nil && c.analytics.Enabled() && c.FrameStage.IsExecutable(context)
}

func (c *AnalysisPersistToBigQuery) Execute(context cor.Context) {
	ctx := context.GetContext()
	frame := FrameFrom(context)

	row, err := c.Store.AnalysisRow(ctx, frame.ID, c.pipelineID)
	if err == nil {
		_, err = c.analytics.Export(ctx, row)
	}
	if err != nil {
		c.GetErrorCounter().Add(ctx, 1)
		slog.WarnContext(ctx, "analysis export failed", "frame_id", frame.ID, "table", c.analytics.GetFQN(), "error", err)
		return
	}
	c.GetSuccessCounter().Add(ctx, 1)
}
