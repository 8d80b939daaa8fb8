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

// Package model defines the core data structures for the application.
// This file, `transient.go`, contains struct definitions for data that lives
// in memory while a stage runs. These objects are handed between commands in a
// chain and later folded into the persistent entities by the frame store.
package model

import (
	"time"

	"cloud.google.com/go/bigquery"
)

// EmbeddingResult is the output of a single embedding pipeline for one image.
type EmbeddingResult struct {
	PipelineID   string        `json:"pipeline_id"`
	Vector       []float32     `json:"-"`
	ModelID      string        `json:"model_id"`
	ModelVersion string        `json:"model_version"`
	Device       string        `json:"device"`
	Degraded     bool          `json:"degraded"`
	ComputeTime  time.Duration `json:"-"`
}

// Dimension returns the length of the embedding vector.
func (e *EmbeddingResult) Dimension() int {
	if e == nil {
		return 0
	}
	return len(e.Vector)
}

// AttributeScore is a classified scene attribute before it is persisted.
type AttributeScore struct {
	Attribute  string         `json:"attribute"`
	Value      string         `json:"value"`
	Confidence float64        `json:"confidence"`
	DebugInfo  map[string]any `json:"debug_info,omitempty"`
}

// FaceDetection is a single face reported by a detector. BBox is [x1, y1, x2, y2]
// in pixel coordinates of the analyzed image.
type FaceDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	Embedding  []float32  `json:"embedding,omitempty"`
	Emotion    string     `json:"emotion,omitempty"`
	PoseYaw    *float64   `json:"pose_yaw,omitempty"`
	PosePitch  *float64   `json:"pose_pitch,omitempty"`
	PoseRoll   *float64   `json:"pose_roll,omitempty"`
}

// Width returns the bounding box width.
func (f *FaceDetection) Width() float64 { return f.BBox[2] - f.BBox[0] }

// Height returns the bounding box height.
func (f *FaceDetection) Height() float64 { return f.BBox[3] - f.BBox[1] }

// MatchPrediction is the Film Matcher's answer for a frame whose film is unknown.
type MatchPrediction struct {
	FilmID         uint    `json:"film_id"`
	Confidence     float64 `json:"confidence"`
	Timestamp      string  `json:"timestamp,omitempty"`
	ShotID         string  `json:"shot_id"`
	MatchedFrameID uint    `json:"matched_frame_id"`
}

// StageResult is the structured outcome of running one pipeline stage for one frame.
type StageResult struct {
	Stage   string         `json:"stage"`
	FrameID uint           `json:"frame_id"`
	Status  FrameStatus    `json:"status"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// FrameError records why a frame failed inside a batch.
type FrameError struct {
	FrameID uint   `json:"frame_id"`
	Error   string `json:"error"`
}

// BatchResult summarizes a batch analysis run.
type BatchResult struct {
	Status    string       `json:"status"`
	Processed int          `json:"processed"`
	Total     int          `json:"total"`
	Errors    []FrameError `json:"errors"`
}

// Batch status values.
const (
	BatchDone           = "done"
	BatchDoneWithErrors = "done_with_errors"
)

// CastCredit is a cast entry returned by a metadata provider.
type CastCredit struct {
	ExternalID  string `json:"external_id"`
	Name        string `json:"name"`
	Character   string `json:"character,omitempty"`
	ProfilePath string `json:"profile_path,omitempty"`
	Order       *int   `json:"order,omitempty"`
}

// ArtworkMetadata is an image reference returned by a metadata provider.
type ArtworkMetadata struct {
	Kind     ArtworkKind `json:"kind"`
	FilePath string      `json:"file_path"`
	Width    int         `json:"width"`
	Height   int         `json:"height"`
	Language string      `json:"language,omitempty"`
}

// FilmMetadata is the provider-neutral description of a film.
type FilmMetadata struct {
	Source      string            `json:"source"`
	ExternalID  string            `json:"external_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	ReleaseYear *int              `json:"release_year,omitempty"`
	Cast        []CastCredit      `json:"cast,omitempty"`
	Artwork     []ArtworkMetadata `json:"artwork,omitempty"`
}

// MetadataIngestResult reports what a metadata ingest persisted.
type MetadataIngestResult struct {
	FilmID       uint   `json:"film_id"`
	ExternalID   string `json:"external_id"`
	Source       string `json:"source"`
	CastCount    int    `json:"cast_count"`
	ArtworkCount int    `json:"artwork_count"`
}

// SceneSummary is the structured answer the generative model returns when
// describing a frame.
type SceneSummary struct {
	Summary       string `json:"summary"`
	ShotTimestamp string `json:"shot_timestamp,omitempty"`
}

// AttributeRow is a nested BigQuery record of one scene attribute.
type AttributeRow struct {
	Attribute  string  `bigquery:"attribute"`
	Value      string  `bigquery:"value"`
	Confidence float64 `bigquery:"confidence"`
}

// FrameAnalysisRow is the analytics export of a fully analyzed frame.
type FrameAnalysisRow struct {
	FrameID         int64              `bigquery:"frame_id"`
	FilmID          bigquery.NullInt64 `bigquery:"film_id"`
	Status          string             `bigquery:"status"`
	PipelineID      string             `bigquery:"pipeline_id"`
	ModelID         string             `bigquery:"model_id"`
	Attributes      []AttributeRow     `bigquery:"attributes"`
	ActorCount      int64              `bigquery:"actor_count"`
	IdentifiedCount int64              `bigquery:"identified_count"`
	AnalyzedAt      time.Time          `bigquery:"analyzed_at"`
}

// AttributeDistribution is one row of the per-film attribute histogram.
type AttributeDistribution struct {
	Attribute     string  `bigquery:"attribute" json:"attribute"`
	Value         string  `bigquery:"value" json:"value"`
	Frames        int64   `bigquery:"frames" json:"frames"`
	AvgConfidence float64 `bigquery:"avg_confidence" json:"avg_confidence"`
}
