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

package main

import (
	"context"
	"log"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/app"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
)

// GetConfig loads the configuration for the "local" runtime unless
// GCP_RUNTIME names another one. The process exits when it is invalid.
func GetConfig() *cloud.Config {
	config, err := app.GetConfig("local")
	if err != nil {
		log.Fatalf("failed to load configuration: %v\n", err)
	}
	return config
}

// InitState builds the shared state, starts the local task workers and
// attaches the Pub/Sub listeners.
func InitState(ctx context.Context, config *cloud.Config) *app.StateManager {
	state, err := app.InitState(ctx, config, true)
	if err != nil {
		log.Fatalf("failed to initialize state: %v\n", err)
	}
	SetupListeners(ctx, state)
	return state
}
