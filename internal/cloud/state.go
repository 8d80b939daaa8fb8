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

// Package cloud provides components for interacting with Google Cloud services.
// This file builds and holds every client used to reach external services. It
// acts as a dependency injection container: one `ServiceClients` value is
// created at startup and handed to workflows, services and API handlers.
//
// Logic Flow:
//  1. `NewCloudServiceClients` is called at startup with the loaded Config.
//  2. Google Cloud clients are only created when a project id is configured, so
//     the service also runs locally against SQLite with the fallback pipelines.
//  3. Optional clients (IAM signer, Cloud Vision, Redis, generative models) are
//     created only when their configuration asks for them.
//  4. Pub/Sub listeners are created for every configured subscription; their
//     commands are attached later, once the workflows exist.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/bigquery"
	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	vision "cloud.google.com/go/vision/v2/apiv1"
	"github.com/redis/go-redis/v9"
	"google.golang.org/genai"
)

// ServiceClients is the container for all clients that talk to external services.
// Any field may be nil when the matching service is not configured.
type ServiceClients struct {
	StorageClient   *storage.Client
	PubsubClient    *pubsub.Client
	GenAIClient     *genai.Client
	BigQueryClient  *bigquery.Client
	IAMClient       *credentials.IamCredentialsClient
	VisionClient    *vision.ImageAnnotatorClient
	RedisClient     *redis.Client
	ObjectStore     ObjectStore
	PubSubListeners map[string]*PubSubListener
	AgentModels     map[string]*QuotaAwareGenerativeAIModel
}

// Close shuts down every client that was created.
//
// Outputs:
//   - error: All close errors joined together.
func (c *ServiceClients) Close() error {
	var err error
	if c.StorageClient != nil {
		err = errors.Join(err, c.StorageClient.Close())
	}
	if c.PubsubClient != nil {
		err = errors.Join(err, c.PubsubClient.Close())
	}
	if c.BigQueryClient != nil {
		err = errors.Join(err, c.BigQueryClient.Close())
	}
	if c.IAMClient != nil {
		err = errors.Join(err, c.IAMClient.Close())
	}
	if c.VisionClient != nil {
		err = errors.Join(err, c.VisionClient.Close())
	}
	if c.RedisClient != nil {
		err = errors.Join(err, c.RedisClient.Close())
	}
	return err
}

// NewCloudServiceClients initializes the clients required by the configuration.
//
// Inputs:
//   - ctx: The root context for the application.
//   - config: The loaded application configuration.
//
// Outputs:
//   - *ServiceClients: The initialized clients.
//   - error: An error if any configured client fails to initialize.
func NewCloudServiceClients(ctx context.Context, config *Config) (cloud *ServiceClients, err error) {
	cloud = &ServiceClients{
		PubSubListeners: make(map[string]*PubSubListener),
		AgentModels:     make(map[string]*QuotaAwareGenerativeAIModel),
	}
	defer func() {
		if err != nil {
			_ = cloud.Close()
			cloud = nil
		}
	}()

	projectID := config.Application.GoogleProjectId
	if projectID != "" {
		if cloud.StorageClient, err = storage.NewClient(ctx); err != nil {
			return cloud, fmt.Errorf("storage client: %w", err)
		}
		if cloud.PubsubClient, err = pubsub.NewClient(ctx, projectID); err != nil {
			return cloud, fmt.Errorf("pubsub client: %w", err)
		}
		if cloud.BigQueryClient, err = bigquery.NewClient(ctx, projectID); err != nil {
			return cloud, fmt.Errorf("bigquery client: %w", err)
		}
		if config.Application.SignerServiceAccountEmail != "" {
			if cloud.IAMClient, err = credentials.NewIamCredentialsClient(ctx); err != nil {
				return cloud, fmt.Errorf("iam credentials client: %w", err)
			}
		}
		if config.Vision.UseCloudVision {
			if cloud.VisionClient, err = vision.NewImageAnnotatorClient(ctx); err != nil {
				return cloud, fmt.Errorf("vision client: %w", err)
			}
		}
		if len(config.AgentModels) > 0 {
			cloud.GenAIClient, err = genai.NewClient(ctx, &genai.ClientConfig{
				Project:  projectID,
				Location: config.Application.GoogleLocation,
				Backend:  genai.BackendVertexAI,
			})
			if err != nil {
				return cloud, fmt.Errorf("genai client: %w", err)
			}
		}
	} else {
		slog.Warn("no google project configured, cloud clients disabled")
	}

	if config.Redis.Address != "" {
		cloud.RedisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Address,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
	}

	cloud.ObjectStore = NewGCSObjectStore(cloud.StorageClient, config.Storage, config.Application.SignerServiceAccountEmail, cloud.IAMClient)

	if cloud.PubsubClient != nil {
		for subKey, values := range config.TopicSubscriptions {
			listener, err := NewPubSubListener(cloud.PubsubClient, values.Name, nil)
			if err != nil {
				return cloud, err
			}
			cloud.PubSubListeners[subKey] = listener
		}
	}

	if cloud.GenAIClient != nil {
		for amKey, values := range config.AgentModels {
			generation := &genai.GenerateContentConfig{
				Temperature:       genai.Ptr[float32](values.Temperature),
				TopP:              genai.Ptr[float32](values.TopP),
				TopK:              genai.Ptr[float32](values.TopK),
				MaxOutputTokens:   values.MaxTokens,
				SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: values.SystemInstructions}}},
				SafetySettings:    DefaultSafetySettings,
				ResponseMIMEType:  values.OutputFormat,
			}
			cloud.AgentModels[amKey] = NewQuotaAwareModel(generation, values.Model, cloud.GenAIClient.Models, values.RateLimit)
		}
	}

	return cloud, nil
}
