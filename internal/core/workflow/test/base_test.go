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

// Package workflow_test contains integration tests for the frame analysis
// workflows. This file provides the shared setup: TestMain loads the test
// configuration and telemetry once, and newHarness builds a private set of
// components per test on an in-memory SQLite database, an in-memory object
// store and the pixel-signature embedding fallback, so no test needs a
// network connection.
package workflow_test

import (
	"context"
	"image"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/workflow"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/telemetry"
	test "github.com/jaycherian/gcp-go-frame-analysis/internal/testutil"
)

var (
	ctx    context.Context
	config *cloud.Config
)

const tName = "cloud.google.com/frames/tests/workflow"

var (
	tracer = otel.Tracer(tName)
	logger = otelslog.NewLogger(tName)
)

// TestMain sets up logging and telemetry for the whole package.
func TestMain(m *testing.M) {
	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	config = test.GetConfig()
	if err := telemetry.SetupLogging("warn", ""); err != nil {
		panic(err)
	}
	shutdown, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		panic(err)
	}
	logger.Info("completed test setup")

	exitCode := m.Run()

	if err := shutdown(ctx); err != nil {
		logger.Error("failed to shutdown telemetry", "error", err)
	}
	os.Exit(exitCode)
}

// harness bundles the components of one test.
type harness struct {
	components *workflow.Components
	objects    *test.FakeObjectStore
}

// newHarness builds components with fast retries and only the standard pipeline.
func newHarness(t *testing.T) *harness {
	cfg := test.GetConfig()
	cfg.Ingest.InitialIntervalMillis = 1
	cfg.Ingest.MaxIntervalMillis = 5
	cfg.Pipelines.Enabled = []string{cloud.PipelineStandard}
	cfg.Pipelines.Primary = cloud.PipelineStandard
	cfg.Vision.FaceServiceURL = ""
	cfg.Vision.SceneServiceURL = ""
	cfg.Metadata.TMDb.APIKey = ""
	cfg.Metadata.TMDb.BearerToken = ""
	cfg.Metadata.OMDb.APIKey = ""

	objects := test.NewFakeObjectStore()
	components, err := workflow.NewComponents(cfg, test.NewTestDatabase(t),
		&cloud.ServiceClients{ObjectStore: objects}, vision.NewModelCache(time.Minute, nil))
	require.NoError(t, err)
	return &harness{components: components, objects: objects}
}

func (h *harness) film(t *testing.T, title string) *model.Film {
	year := 1982
	film := &model.Film{Title: title, ReleaseYear: &year}
	require.NoError(t, h.components.Store.CreateFilm(context.Background(), film))
	return film
}

// frame stores img in the object store and registers a pending frame for it.
func (h *harness) frame(t *testing.T, film *model.Film, uri string, img image.Image) *model.Frame {
	if img != nil {
		h.objects.Put(uri, test.EncodePNG(t, img))
	}
	frame := &model.Frame{StorageURI: &uri, Status: model.StatusPending}
	if film != nil {
		frame.FilmID = &film.ID
	}
	require.NoError(t, h.components.Store.CreateFrame(context.Background(), frame))
	return frame
}

func (h *harness) reload(t *testing.T, id uint) *model.Frame {
	frame, err := h.components.Store.GetFrame(context.Background(), id)
	require.NoError(t, err)
	return frame
}
