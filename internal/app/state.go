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

// Package app wires the configuration, cloud clients, relational store and
// workflows into the state shared by the server and the framectl CLI.
//
// Logic Flow:
//  1. GetConfig loads configs/.env.toml and configs/.env.<runtime>.toml over
//     the defaults and validates the result.
//  2. InitState opens the database, creates the cloud clients, the model
//     cache (mirrored to Redis when configured), the shared components, the
//     stage dispatcher and the task queue of the configured mode.
//  3. Close releases everything in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/workflow"
)

// StateManager holds the shared dependencies of a process.
type StateManager struct {
	Config     *cloud.Config
	Cloud      *cloud.ServiceClients
	DB         *gorm.DB
	Cache      *vision.ModelCache
	Components *workflow.Components
	Tasks      *services.TaskStore
	Dispatcher *workflow.StageDispatcher
	Queue      services.TaskQueue

	localQueue *services.LocalTaskQueue
}

// SetupOS points the configuration loader at configDir for the given runtime
// unless the environment already names them.
func SetupOS(configDir, runtime string) error {
	if os.Getenv(cloud.EnvConfigFilePrefix) == "" {
		if err := os.Setenv(cloud.EnvConfigFilePrefix, configDir); err != nil {
			return err
		}
	}
	if os.Getenv(cloud.EnvConfigRuntime) == "" {
		if err := os.Setenv(cloud.EnvConfigRuntime, runtime); err != nil {
			return err
		}
	}
	return nil
}

// GetConfig loads and validates the configuration.
//
// Inputs:
//   - runtime: The runtime used when GCP_RUNTIME is not set, e.g. "local".
//
// Outputs:
//   - *cloud.Config: The configuration.
//   - error: A decode error or a model.ErrInvalidConfiguration.
func GetConfig(runtime string) (*cloud.Config, error) {
	if err := SetupOS("configs", runtime); err != nil {
		return nil, fmt.Errorf("failed to setup environment: %w", err)
	}
	config := cloud.NewConfig()
	if err := cloud.LoadConfig(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// InitState builds every shared dependency.
//
// Inputs:
//   - ctx: The root context; the local task queue workers stop with it.
//   - config: The validated configuration.
//   - startWorkers: Starts the local task queue workers. The CLI runs stages
//     in-process and leaves them off.
//
// Outputs:
//   - *StateManager: The state; call Close when done.
//   - error: The first initialization failure; everything created so far is released.
func InitState(ctx context.Context, config *cloud.Config, startWorkers bool) (state *StateManager, err error) {
	state = &StateManager{Config: config}
	defer func() {
		if err != nil {
			_ = state.Close()
			state = nil
		}
	}()

	if state.DB, err = services.OpenDatabase(config.Database); err != nil {
		return state, err
	}
	if state.Cloud, err = cloud.NewCloudServiceClients(ctx, config); err != nil {
		return state, err
	}

	var mirror vision.StatusMirror
	if state.Cloud.RedisClient != nil {
		mirror = vision.NewRedisStatusMirror(state.Cloud.RedisClient, config.Redis.KeyPrefix,
			time.Duration(config.Redis.TTLSeconds)*time.Second)
	}
	state.Cache = vision.NewModelCache(time.Duration(config.Pipelines.LoadRetrySeconds)*time.Second, mirror)

	if state.Components, err = workflow.NewComponents(config, state.DB, state.Cloud, state.Cache); err != nil {
		return state, err
	}
	if state.Dispatcher, err = workflow.NewStageDispatcher(state.Components); err != nil {
		return state, err
	}
	state.Tasks = services.NewTaskStore(state.DB)

	switch config.TaskQueue.Mode {
	case cloud.QueueModePubSub:
		if state.Cloud.PubsubClient == nil || config.TaskQueue.Topic == "" {
			return state, fmt.Errorf("%w: the pubsub task queue needs a project and a topic", errInvalidQueue)
		}
		topic := services.PubSubTopic{Topic: state.Cloud.PubsubClient.Topic(config.TaskQueue.Topic)}
		state.Queue = services.NewPubSubTaskQueue(state.Tasks, topic)
	default:
		state.localQueue = services.NewLocalTaskQueue(state.Tasks, state.Dispatcher, config.TaskQueue.Workers, config.TaskQueue.BufferSize)
		if startWorkers {
			state.localQueue.Start(ctx)
		}
		state.Queue = state.localQueue
	}

	slog.InfoContext(ctx, "state initialized",
		"database", config.Database.Driver,
		"queue", config.TaskQueue.Mode,
		"pipelines", state.Components.Pipelines.IDs(),
		"metadata_provider", state.Components.Metadata != nil,
		"analytics", state.Components.Analytics.Enabled())
	return state, nil
}

var errInvalidQueue = errors.New("invalid task queue configuration")

// Close stops the workers and releases the clients, the cache and the database.
func (s *StateManager) Close() error {
	var errs error
	if s.localQueue != nil {
		s.localQueue.Close()
	}
	if s.Cache != nil {
		errs = errors.Join(errs, s.Cache.Close())
	}
	if s.Cloud != nil {
		errs = errors.Join(errs, s.Cloud.Close())
	}
	errs = errors.Join(errs, services.CloseDatabase(s.DB))
	return errs
}
