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

// Package cloud defines the data structures for application configuration,
// loaded from TOML files, and the clients used to reach external services.
//
// This file centralizes every configuration struct of the frame analysis
// service:
//   - Storage: object storage bucket, local root and pre-signing settings.
//   - Database: relational store driver and DSN.
//   - Redis: optional mirror for model status.
//   - Pipelines: the embedding pipeline definitions and the primary pipeline.
//   - Vision: scene and face service endpoints plus the face thresholds.
//   - Matcher, Ingest: film matching and retry policy.
//   - Metadata: film metadata providers.
//   - TaskQueue: how stage tasks are delivered to workers.
//   - BigQueryDataSource, PromptTemplates, AgentModels: analytics and enrichment.
package cloud

import (
	"fmt"
	"slices"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"google.golang.org/genai"
)

// DefaultSafetySettings defines the content safety thresholds for the
// enrichment model. Film stills routinely show violence, so nothing is blocked.
var DefaultSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
}

// Known pipeline identifiers. The set is fixed at build time.
const (
	PipelineStandard = "clip_vitb32"
	PipelineEnhanced = "openclip_vitl14"
)

// Known metadata provider names.
const (
	ProviderTMDb = "tmdb"
	ProviderOMDb = "omdb"
)

// Task queue delivery modes.
const (
	QueueModeLocal  = "local"
	QueueModePubSub = "pubsub"
)

// BigQueryDataSource represents the configuration for the analytics export.
type BigQueryDataSource struct {
	DatasetName   string `toml:"dataset"`        // The BigQuery dataset; empty disables the export.
	AnalysisTable string `toml:"analysis_table"` // The table frame analysis rows are streamed into.
}

// PromptTemplates holds the templates for prompts sent to the generative model.
type PromptTemplates struct {
	SceneSummaryPrompt string `toml:"scene_summary"`
}

// VertexAiLLMModel represents the configuration for a Vertex AI large language model (LLM).
type VertexAiLLMModel struct {
	Model              string  `toml:"model"`
	SystemInstructions string  `toml:"system_instructions"`
	Temperature        float32 `toml:"temperature"`
	TopP               float32 `toml:"top_p"`
	TopK               float32 `toml:"top_k"`
	MaxTokens          int32   `toml:"max_tokens"`
	OutputFormat       string  `toml:"output_format"`
	RateLimit          int     `toml:"rate_limit"` // Requests per second.
}

// TopicSubscription represents the configuration for a Pub/Sub topic subscription.
type TopicSubscription struct {
	Name             string `toml:"name"`
	DeadLetterTopic  string `toml:"dead_letter_topic"`
	TimeoutInSeconds int    `toml:"timeout_in_seconds"`
}

// Storage represents the configuration for frame object storage.
type Storage struct {
	FramesBucket           string `toml:"frames_bucket"`            // Default bucket for bare object keys.
	LocalRoot              string `toml:"local_root"`               // Base directory for relative frame paths.
	UploadPrefix           string `toml:"upload_prefix"`            // Key prefix for uploaded frames.
	PresignTTLSeconds      int    `toml:"presign_ttl_seconds"`      // Lifetime of pre-signed URLs.
	DownloadTimeoutSeconds int    `toml:"download_timeout_seconds"` // Timeout for fetching pre-signed URLs.
}

// Database represents the relational store configuration.
type Database struct {
	Driver       string `toml:"driver"` // "postgres" or "sqlite"
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	LogLevel     string `toml:"log_level"` // silent, error, warn, info
}

// Redis represents the optional model status mirror.
type Redis struct {
	Address    string `toml:"address"` // Empty disables the mirror.
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	KeyPrefix  string `toml:"key_prefix"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// PipelineDefinition describes one embedding pipeline variant.
type PipelineDefinition struct {
	Name            string `toml:"name"`
	Model           string `toml:"model"`
	Pretrained      string `toml:"pretrained"`
	InputResolution int    `toml:"input_resolution"`
	Endpoint        string `toml:"endpoint"` // Base URL of the encoder service; empty uses the signature fallback only.
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

// Pipelines represents the embedding engine configuration.
type Pipelines struct {
	Primary          string                        `toml:"primary"`
	Enabled          []string                      `toml:"enabled"`
	Definitions      map[string]PipelineDefinition `toml:"definitions"`
	LoadRetrySeconds int                           `toml:"load_retry_seconds"` // Cooldown after a failed model load.
}

// Vision represents the scene and face analysis configuration.
type Vision struct {
	SceneServiceURL      string  `toml:"scene_service_url"`
	FaceServiceURL       string  `toml:"face_service_url"`
	FaceEmbeddingURL     string  `toml:"face_embedding_url"`
	UseCloudVision       bool    `toml:"use_cloud_vision"`
	ProfileImageBaseURL  string  `toml:"profile_image_base_url"`
	TimeoutSeconds       int     `toml:"timeout_seconds"`
	FaceMinConfidence    float64 `toml:"face_min_confidence"`
	RecognitionThreshold float64 `toml:"recognition_threshold"`
	ClusterThreshold     float64 `toml:"cluster_threshold"`
}

// Matcher represents the film matcher configuration.
type Matcher struct {
	MinConfidence float64 `toml:"min_confidence"`
}

// Ingest represents the retry policy of the end-to-end ingest workflow.
type Ingest struct {
	MaxAttempts           int `toml:"max_attempts"`
	InitialIntervalMillis int `toml:"initial_interval_ms"`
	MaxIntervalMillis     int `toml:"max_interval_ms"`
	SweepIntervalSeconds  int `toml:"sweep_interval_seconds"` // 0 disables the pending-frame sweeper.
}

// ProviderEndpoint is the configuration of one metadata provider.
type ProviderEndpoint struct {
	APIKey      string `toml:"api_key"`
	BearerToken string `toml:"bearer_token"`
	BaseURL     string `toml:"base_url"`
}

// Metadata represents the film metadata provider configuration.
type Metadata struct {
	Providers      []string         `toml:"providers"` // Preference order.
	TMDb           ProviderEndpoint `toml:"tmdb"`
	OMDb           ProviderEndpoint `toml:"omdb"`
	TimeoutSeconds int              `toml:"timeout_seconds"`
}

// TaskQueue represents how stage tasks are delivered to workers.
type TaskQueue struct {
	Mode         string `toml:"mode"`         // "local" or "pubsub"
	Topic        string `toml:"topic"`        // Pub/Sub topic for QueueModePubSub.
	Subscription string `toml:"subscription"` // Key into TopicSubscriptions the workers listen on.
	Workers      int    `toml:"workers"`      // Worker count for QueueModeLocal.
	BufferSize   int    `toml:"buffer_size"`
}

// Config represents the overall configuration for the application, loaded from TOML files.
type Config struct {
	Application struct {
		Name                      string `toml:"name"`
		GoogleProjectId           string `toml:"google_project_id"`
		GoogleLocation            string `toml:"location"`
		ThreadPoolSize            int    `toml:"thread_pool_size"`
		SignerServiceAccountEmail string `toml:"signer_service_account_email"`
		HTTPAddress               string `toml:"http_address"`
		LogLevel                  string `toml:"log_level"`
		LogFile                   string `toml:"log_file"`
		TelemetryExporter         string `toml:"telemetry_exporter"` // gcp, stdout, otlp or none
		OTLPEndpoint              string `toml:"otlp_endpoint"`
	} `toml:"application"`
	Storage            Storage                      `toml:"storage"`
	Database           Database                     `toml:"database"`
	Redis              Redis                        `toml:"redis"`
	Pipelines          Pipelines                    `toml:"pipelines"`
	Vision             Vision                       `toml:"vision"`
	Matcher            Matcher                      `toml:"matcher"`
	Ingest             Ingest                       `toml:"ingest"`
	Metadata           Metadata                     `toml:"metadata"`
	TaskQueue          TaskQueue                    `toml:"task_queue"`
	BigQueryDataSource BigQueryDataSource           `toml:"big_query_data_source"`
	PromptTemplates    PromptTemplates              `toml:"prompt_templates"`
	TopicSubscriptions map[string]TopicSubscription `toml:"topic_subscriptions"`
	AgentModels        map[string]VertexAiLLMModel  `toml:"agent_models"`
}

// NewConfig is a constructor function that creates a Config populated with
// the defaults every deployment starts from. TOML files loaded afterwards
// overwrite individual values.
//
// Outputs:
//   - *Config: A pointer to a new Config struct.
func NewConfig() *Config {
	c := &Config{
		TopicSubscriptions: make(map[string]TopicSubscription),
		AgentModels:        make(map[string]VertexAiLLMModel),
	}
	c.Application.Name = "frame-analysis"
	c.Application.GoogleLocation = "us-central1"
	c.Application.ThreadPoolSize = 4
	c.Application.HTTPAddress = ":8080"
	c.Application.LogLevel = "info"
	c.Application.LogFile = "app.log"
	c.Application.TelemetryExporter = "none"

	c.Storage = Storage{
		FramesBucket:           "frames",
		UploadPrefix:           "uploads",
		PresignTTLSeconds:      3600,
		DownloadTimeoutSeconds: 30,
	}
	c.Database = Database{Driver: "sqlite", DSN: "frames.db", MaxOpenConns: 10, LogLevel: "warn"}
	c.Redis = Redis{KeyPrefix: "frame-analysis:models", TTLSeconds: 3600}
	c.Pipelines = Pipelines{
		Primary: PipelineStandard,
		Enabled: []string{PipelineStandard, PipelineEnhanced},
		Definitions: map[string]PipelineDefinition{
			PipelineStandard: {
				Name:            "CLIP ViT-B/32 (Standard)",
				Model:           "ViT-B-32",
				Pretrained:      "openai",
				InputResolution: 224,
				TimeoutSeconds:  20,
			},
			PipelineEnhanced: {
				Name:            "OpenCLIP ViT-L/14 (Enhanced)",
				Model:           "ViT-L-14",
				Pretrained:      "laion2b_s32b_b82k",
				InputResolution: 224,
				TimeoutSeconds:  30,
			},
		},
		LoadRetrySeconds: 30,
	}
	c.Vision = Vision{
		ProfileImageBaseURL:  "https://image.tmdb.org/t/p/w185",
		TimeoutSeconds:       20,
		FaceMinConfidence:    0.9,
		RecognitionThreshold: 0.55,
		ClusterThreshold:     0.58,
	}
	c.Matcher = Matcher{MinConfidence: 0.2}
	c.Ingest = Ingest{MaxAttempts: 3, InitialIntervalMillis: 500, MaxIntervalMillis: 10000}
	c.Metadata = Metadata{
		Providers:      []string{ProviderTMDb, ProviderOMDb},
		TMDb:           ProviderEndpoint{BaseURL: "https://api.themoviedb.org/3"},
		OMDb:           ProviderEndpoint{BaseURL: "https://www.omdbapi.com"},
		TimeoutSeconds: 10,
	}
	c.TaskQueue = TaskQueue{Mode: QueueModeLocal, Subscription: "FrameTasks", Workers: 2, BufferSize: 64}
	c.BigQueryDataSource = BigQueryDataSource{AnalysisTable: "frame_analysis"}
	return c
}

// Validate checks the configuration for values the pipeline cannot run with
// and fills in zero-valued pipeline settings. Every returned error wraps
// model.ErrInvalidConfiguration.
//
// Outputs:
//   - error: nil when the configuration is usable.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", model.ErrInvalidConfiguration, fmt.Sprintf(format, args...))
	}

	for name, v := range map[string]float64{
		"vision.face_min_confidence":   c.Vision.FaceMinConfidence,
		"vision.recognition_threshold": c.Vision.RecognitionThreshold,
		"vision.cluster_threshold":     c.Vision.ClusterThreshold,
		"matcher.min_confidence":       c.Matcher.MinConfidence,
	} {
		if v < 0 || v > 1 {
			return invalid("%s must be within [0,1], got %v", name, v)
		}
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return invalid("unsupported database driver %q", c.Database.Driver)
	}

	switch c.TaskQueue.Mode {
	case QueueModeLocal, QueueModePubSub:
	default:
		return invalid("unsupported task queue mode %q", c.TaskQueue.Mode)
	}
	if c.TaskQueue.Mode == QueueModePubSub && c.TaskQueue.Topic == "" {
		return invalid("task_queue.topic is required in pubsub mode")
	}

	for _, p := range c.Metadata.Providers {
		if p != ProviderTMDb && p != ProviderOMDb {
			return invalid("unknown metadata provider %q", p)
		}
	}

	if len(c.Pipelines.Enabled) == 0 {
		return invalid("at least one pipeline must be enabled")
	}
	if !slices.Contains(c.Pipelines.Enabled, c.Pipelines.Primary) {
		return invalid("primary pipeline %q is not enabled", c.Pipelines.Primary)
	}
	for _, id := range c.Pipelines.Enabled {
		def, ok := c.Pipelines.Definitions[id]
		if !ok {
			return invalid("pipeline %q has no definition", id)
		}
		if def.InputResolution <= 0 {
			def.InputResolution = 224
		}
		if def.TimeoutSeconds <= 0 {
			def.TimeoutSeconds = 20
		}
		if def.Name == "" {
			def.Name = id
		}
		c.Pipelines.Definitions[id] = def
	}

	if c.Application.ThreadPoolSize <= 0 {
		c.Application.ThreadPoolSize = 1
	}
	if c.Ingest.MaxAttempts <= 0 {
		c.Ingest.MaxAttempts = 1
	}
	return nil
}
