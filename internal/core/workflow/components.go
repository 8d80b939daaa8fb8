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

// Package workflow defines the high-level orchestrations that combine the
// frame commands into the analysis pipeline. This file assembles the services
// every workflow shares.
//
// Logic Flow:
// NewComponents is called once at startup. It selects the variants that are
// configured (embedding pipelines, face detectors, metadata provider, scene
// summary model) and builds one instance of each service. The workflows only
// ever receive the finished Components, so no variant is looked up at call
// time.
package workflow

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
)

// SummaryAgentModel is the agent_models entry used for scene summaries.
const SummaryAgentModel = "scene-summary"

// Components holds the services the workflows are built from.
type Components struct {
	Config       *cloud.Config
	Store        *services.FrameStore
	Pipelines    *vision.PipelineSet
	Materializer *services.FrameMaterializer
	Matcher      *services.FilmMatcher
	Tagger       *services.FrameTagger
	Classifier   *services.SceneClassifier
	Faces        *services.FaceResolver
	Analytics    *services.AnalyticsService
	Metadata     services.MetadataProvider // nil when no provider has credentials.
	SummaryModel *cloud.QuotaAwareGenerativeAIModel
	ObjectStore  cloud.ObjectStore
}

// NewComponents builds the shared services.
//
// Inputs:
//   - config: The validated application configuration.
//   - db: The relational store.
//   - clients: The cloud clients; their nil members disable the matching variants.
//   - cache: The model cache shared by every pipeline and detector.
//
// Outputs:
//   - *Components: The services.
//   - error: model.ErrInvalidConfiguration when the pipeline configuration is invalid.
func NewComponents(config *cloud.Config, db *gorm.DB, clients *cloud.ServiceClients, cache *vision.ModelCache) (*Components, error) {
	if clients == nil {
		clients = &cloud.ServiceClients{}
	}
	visionTimeout := time.Duration(config.Vision.TimeoutSeconds) * time.Second
	if visionTimeout <= 0 {
		visionTimeout = 20 * time.Second
	}
	visionClient := &http.Client{Timeout: visionTimeout}

	pipelines, err := vision.NewPipelineSet(config.Pipelines, cache, nil)
	if err != nil {
		return nil, err
	}

	store := services.NewFrameStore(db)
	out := &Components{
		Config:       config,
		Store:        store,
		Pipelines:    pipelines,
		Materializer: services.NewFrameMaterializer(clients.ObjectStore, config.Storage, nil),
		Matcher:      services.NewFilmMatcher(store, config.Matcher.MinConfidence),
		Tagger:       services.NewFrameTagger(store),
		Classifier:   services.NewSceneClassifier(pipelines, store, config.Vision.SceneServiceURL, visionClient),
		Analytics:    services.NewAnalyticsService(clients.BigQueryClient, config.BigQueryDataSource, db),
		SummaryModel: clients.AgentModels[SummaryAgentModel],
		ObjectStore:  clients.ObjectStore,
	}

	var detectors []vision.FaceDetector
	if config.Vision.FaceServiceURL != "" {
		detectors = append(detectors, vision.NewRemoteFaceDetector(config.Vision.FaceServiceURL, visionClient))
	}
	if clients.VisionClient != nil {
		detectors = append(detectors, vision.NewCloudVisionFaceDetector(clients.VisionClient, 0))
	}
	var detector vision.FaceDetector
	if len(detectors) > 0 {
		detector = vision.NewFallbackFaceDetector(config.Vision.FaceMinConfidence, detectors...)
	} else {
		slog.Warn("no face detector configured, actor detection will find no faces")
	}
	embedder := vision.NewFaceEmbedder(config.Vision.FaceEmbeddingURL, visionClient)
	out.Faces = services.NewFaceResolver(store, detector, embedder, config.Vision, visionClient)

	provider, err := services.NewMetadataProvider(config.Metadata, nil)
	switch {
	case err == nil:
		out.Metadata = provider
	case errors.Is(err, model.ErrInvalidConfiguration):
		slog.Warn("no metadata provider available", "error", err)
	default:
		return nil, err
	}

	return out, nil
}
