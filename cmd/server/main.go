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
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/api"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/workflow"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := GetConfig()

	if err := telemetry.SetupLogging(config.Application.LogLevel, config.Application.LogFile); err != nil {
		log.Fatal(err)
	}
	slog.Info("Logging initialized", "level", config.Application.LogLevel)

	shutdownTelemetry, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		slog.Error("Failed to setup OpenTelemetry", "error", err)
		log.Fatal(err)
	}
	slog.Info("Tracing initialized", "exporter", config.Application.TelemetryExporter)

	state := InitState(ctx, config)
	slog.Info("Initialized State")

	go func() {
		if err := state.Cache.Warmup(ctx); err != nil {
			slog.Warn("model warmup incomplete, pipelines will use the signature fallback until the backends load", "error", err)
		}
	}()

	if config.Ingest.SweepIntervalSeconds > 0 {
		sweeper := workflow.NewPendingFrameSweeper(state.Components.Store, state.Tasks, state.Queue,
			time.Duration(config.Ingest.SweepIntervalSeconds)*time.Second)
		sweeper.Start(ctx)
	}

	r := api.NewRouter(config.Application.Name, &api.Server{
		Components: state.Components,
		Queue:      state.Queue,
		Cache:      state.Cache,
	})

	srv := &http.Server{
		Addr:    config.Application.HTTPAddress,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to listen", "error", err)
		}
	}()
	slog.Info("Server ready", "address", config.Application.HTTPAddress)

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutdown Server ...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server Shutdown Failed", "error", err)
	}
	cancel()
	if err := state.Close(); err != nil {
		slog.Error("failed to release state", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("failed to flush telemetry", "error", err)
	}

	log.Println("Server exiting")
}
