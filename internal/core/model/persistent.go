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

// Package model defines the core data structures of the frame analysis service.
// This file holds the persistent entities stored in the relational database
// through GORM. Every entity is registered in AllModels so the store can
// auto-migrate the schema at startup.
//
// Embeddings are stored as JSON encoded float32 arrays. An empty vector is
// written as SQL NULL so "has an embedding" is a plain IS NOT NULL predicate.
package model

import (
	"time"

	"gorm.io/datatypes"
)

// FrameStatus is the lifecycle state of a Frame as it moves through the pipeline.
type FrameStatus string

const (
	StatusPending        FrameStatus = "pending"
	StatusNew            FrameStatus = "new"
	StatusEmbedding      FrameStatus = "embedding"
	StatusEmbedded       FrameStatus = "embedded"
	StatusMatched        FrameStatus = "matched"
	StatusUnmatched      FrameStatus = "unmatched"
	StatusTagged         FrameStatus = "tagged"
	StatusSceneAnnotated FrameStatus = "scene_annotated"
	StatusActorsDetected FrameStatus = "actors_detected"
	StatusAnalyzed       FrameStatus = "analyzed"
	StatusFailed         FrameStatus = "failed"
)

// TrackStatus describes how a detected face was resolved to an identity.
type TrackStatus string

const (
	TrackIdentified TrackStatus = "identified" // matched a known cast member
	TrackTracked    TrackStatus = "tracked"    // joined an existing unknown-N cluster
	TrackNew        TrackStatus = "new_track"  // minted a new unknown-N cluster
	TrackUntracked  TrackStatus = "untracked"  // no usable embedding
)

// ArtworkKind is the kind of an image attached to a film.
type ArtworkKind string

const (
	ArtworkPoster   ArtworkKind = "poster"
	ArtworkBackdrop ArtworkKind = "backdrop"
)

// Film is a motion picture known to the catalog.
type Film struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	ExternalID     *string `gorm:"uniqueIndex;size:64" json:"external_id,omitempty"`
	Title          string  `gorm:"size:512;not null" json:"title"`
	Description    string  `json:"description,omitempty"`
	ReleaseYear    *int    `json:"release_year,omitempty"`
	MetadataSource string  `gorm:"size:32" json:"metadata_source,omitempty"`

	Cast     []FilmCast `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Artworks []Artwork  `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Frame is a single still image captured from a film.
type Frame struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	FilmID     *uint   `gorm:"index" json:"film_id,omitempty"`
	Film       *Film   `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	FilePath   string  `json:"file_path,omitempty"`
	StorageURI *string `gorm:"uniqueIndex" json:"storage_uri,omitempty"`
	SignedURL  string  `json:"-"`

	Status        FrameStatus `gorm:"size:32;index;not null;default:pending" json:"status"`
	FailureReason *string     `json:"failure_reason,omitempty"`

	Embedding             datatypes.JSON `json:"-"`
	EmbeddingModel        string         `gorm:"size:128" json:"embedding_model,omitempty"`
	EmbeddingModelVersion string         `gorm:"size:128" json:"embedding_model_version,omitempty"`

	PredictedFilmID    *uint    `gorm:"index" json:"predicted_film_id,omitempty"`
	MatchConfidence    *float64 `json:"match_confidence,omitempty"`
	PredictedTimestamp string   `gorm:"size:64" json:"predicted_timestamp,omitempty"`
	PredictedShotID    string   `gorm:"size:64" json:"predicted_shot_id,omitempty"`

	ShotTimestamp  string `gorm:"size:64" json:"shot_timestamp,omitempty"`
	SceneSummary   string `json:"scene_summary,omitempty"`
	MetadataSource string `gorm:"size:32" json:"metadata_source,omitempty"`

	CapturedAt   *time.Time     `json:"captured_at,omitempty"`
	IngestedAt   *time.Time     `json:"ingested_at,omitempty"`
	AnalysisLog  datatypes.JSON `json:"analysis_log,omitempty"`
	IngestTaskID string         `gorm:"size:64" json:"ingest_task_id,omitempty"`

	SceneAttributes []SceneAttribute `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ActorDetections []ActorDetection `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Embeddings      []FrameEmbedding `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Tags            []FrameTag       `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasFilm reports whether the frame's source film is already known.
func (f *Frame) HasFilm() bool {
	return f != nil && f.FilmID != nil
}

// FrameEmbedding holds the embedding a single pipeline produced for a frame.
type FrameEmbedding struct {
	ID           uint           `gorm:"primaryKey"`
	FrameID      uint           `gorm:"uniqueIndex:idx_frame_pipeline;not null"`
	PipelineID   string         `gorm:"uniqueIndex:idx_frame_pipeline;size:64;not null"`
	Embedding    datatypes.JSON `gorm:"not null"`
	Dimension    int
	ModelID      string `gorm:"size:128"`
	ModelVersion string `gorm:"size:128"`
	Degraded     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SceneAttribute is one classified (attribute, value) pair for a frame.
type SceneAttribute struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	FrameID    uint           `gorm:"index;not null" json:"frame_id"`
	Attribute  string         `gorm:"size:64;index;not null" json:"attribute"`
	Value      string         `gorm:"size:128;not null" json:"value"`
	Confidence float64        `json:"confidence"`
	IsVerified bool           `gorm:"index" json:"is_verified"`
	DebugInfo  datatypes.JSON `json:"debug_info,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ActorDetection is a face found in a frame together with its resolved identity.
type ActorDetection struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	FrameID      uint           `gorm:"index;not null" json:"frame_id"`
	CastMemberID *uint          `gorm:"index" json:"cast_member_id,omitempty"`
	FaceIndex    int            `json:"face_index"`
	Confidence   float64        `json:"confidence"`
	BBox         datatypes.JSON `json:"bbox,omitempty"`
	Embedding    datatypes.JSON `json:"-"`
	ClusterLabel *string        `gorm:"size:64;index" json:"cluster_label,omitempty"`
	TrackStatus  TrackStatus    `gorm:"size:32" json:"track_status"`
	Emotion      string         `gorm:"size:32" json:"emotion,omitempty"`
	PoseYaw      *float64       `json:"pose_yaw,omitempty"`
	PosePitch    *float64       `json:"pose_pitch,omitempty"`
	PoseRoll     *float64       `json:"pose_roll,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// CastMember is a person credited on at least one film.
type CastMember struct {
	ID                 uint           `gorm:"primaryKey"`
	ExternalID         string         `gorm:"uniqueIndex;size:64;not null"`
	Name               string         `gorm:"size:256;not null"`
	ProfilePath        string         `gorm:"size:512"`
	FaceEmbedding      datatypes.JSON // cached reference embedding, NULL until first computed
	FaceEmbeddingModel string         `gorm:"size:128"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// FilmCast links a cast member to a film.
type FilmCast struct {
	ID           uint `gorm:"primaryKey"`
	FilmID       uint `gorm:"uniqueIndex:idx_film_cast;not null"`
	CastMemberID uint `gorm:"uniqueIndex:idx_film_cast;not null"`
	CastMember   CastMember
	Character    string `gorm:"size:256"`
	CastOrder    *int
}

// Artwork is a poster or backdrop attached to a film.
type Artwork struct {
	ID          uint        `gorm:"primaryKey"`
	FilmID      uint        `gorm:"uniqueIndex:idx_film_artwork;not null"`
	Kind        ArtworkKind `gorm:"uniqueIndex:idx_film_artwork;size:16;not null"`
	FilePath    string      `gorm:"uniqueIndex:idx_film_artwork;size:512;not null"`
	Width       int
	Height      int
	AspectRatio *float64
	Language    string `gorm:"size:16"`
}

// Tag is a free-text label that can be attached to frames.
type Tag struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;size:128;not null"`
}

// FrameTag attaches a Tag to a Frame with a confidence.
type FrameTag struct {
	ID         uint `gorm:"primaryKey"`
	FrameID    uint `gorm:"uniqueIndex:idx_frame_tag;not null"`
	TagID      uint `gorm:"uniqueIndex:idx_frame_tag;not null"`
	Tag        Tag
	Confidence float64
}

// TaskState is the lifecycle state of a queued unit of work.
type TaskState string

const (
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
	TaskRevoked TaskState = "revoked"
)

// Task is the durable record of a unit of work submitted to the task queue.
type Task struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Stage     string         `gorm:"size:32;index;not null" json:"stage"`
	Args      datatypes.JSON `json:"args,omitempty"`
	State     TaskState      `gorm:"size:16;index;not null" json:"state"`
	Processed int            `json:"processed"`
	Total     int            `json:"total"`
	Result    datatypes.JSON `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AllModels lists every persistent entity in dependency order for auto-migration.
func AllModels() []any {
	return []any{
		&Film{},
		&CastMember{},
		&FilmCast{},
		&Artwork{},
		&Frame{},
		&FrameEmbedding{},
		&SceneAttribute{},
		&ActorDetection{},
		&Tag{},
		&FrameTag{},
		&Task{},
	}
}
