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

// Package test provides utility functions and mock data to support the application's
// test suite. It loads the test configuration once, opens throw-away SQLite
// databases, generates synthetic frames and offers in-memory fakes of the
// object store.
package test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// StateManager caches the configuration for the test run.
type StateManager struct {
	config *cloud.Config
}

var state = &StateManager{}

// HandleErr fails the test when err is not nil.
//
// Inputs:
//   - err: The error to check.
//   - t: The *testing.T object from the current test.
func HandleErr(err error, t *testing.T) {
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// GetTestFrameUploadMessageText returns the Pub/Sub notification Cloud Storage
// sends when a frame image is finalized in the frames bucket.
func GetTestFrameUploadMessageText() string {
	return `{
  "kind": "storage#object",
  "id": "film-frames/uploads/blade_runner_1982_0042.png/1728615848664286",
  "selfLink": "https://www.googleapis.com/storage/v1/b/film-frames/o/uploads%2Fblade_runner_1982_0042.png",
  "name": "uploads/blade_runner_1982_0042.png",
  "bucket": "film-frames",
  "generation": "1728615848664286",
  "metageneration": "1",
  "contentType": "image/png",
  "timeCreated": "2024-10-11T03:04:08.672Z",
  "updated": "2024-10-11T03:04:08.672Z",
  "storageClass": "STANDARD",
  "size": "48213",
  "md5Hash": "67c1rAU+1RYZzK5zp8iBkA==",
  "metadata": { "film_id": "1" },
  "crc32c": "IYeSTw==",
  "etag": "CN658+yrhYkDEAE="
}`
}

// SetupOS points the configuration loader at the test configuration.
func SetupOS() (err error) {
	err = os.Setenv(cloud.EnvConfigFilePrefix, "configs")
	if err != nil {
		return err
	}
	err = os.Setenv(cloud.EnvConfigRuntime, "test")
	return err
}

// GetConfig returns the cached test configuration, loading it on first use.
// Every call returns a copy so tests may tweak values freely.
func GetConfig() *cloud.Config {
	if state.config == nil {
		if err := SetupOS(); err != nil {
			log.Fatalf("failed to setup environment for test: %v\n", err)
		}
		config := cloud.NewConfig()
		if err := cloud.LoadConfig(config); err != nil {
			log.Fatalf("failed to load test configuration: %v\n", err)
		}
		if err := config.Validate(); err != nil {
			log.Fatalf("invalid test configuration: %v\n", err)
		}
		state.config = config
	}
	clone := *state.config
	clone.Pipelines.Definitions = make(map[string]cloud.PipelineDefinition, len(state.config.Pipelines.Definitions))
	for k, v := range state.config.Pipelines.Definitions {
		clone.Pipelines.Definitions[k] = v
	}
	clone.Pipelines.Enabled = append([]string(nil), state.config.Pipelines.Enabled...)
	return &clone
}

var dbCounter struct {
	sync.Mutex
	n int
}

// NewTestDatabase opens a private in-memory SQLite database with the full
// schema migrated. The database is closed when the test ends.
func NewTestDatabase(t testing.TB) *gorm.DB {
	t.Helper()
	dbCounter.Lock()
	dbCounter.n++
	name := fmt.Sprintf("%s_%d", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()), dbCounter.n)
	dbCounter.Unlock()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access test database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// SolidImage returns a w x h image filled with c.
func SolidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// GradientImage returns a w x h image whose colors vary along both axes.
// Different seeds give visibly different images.
func GradientImage(w, h int, seed uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x*255/max(1, w-1)) + seed,
				G: uint8(y*255/max(1, h-1)) ^ seed,
				B: uint8((x+y)*127/max(1, w+h-2)) + seed*3,
				A: 255,
			})
		}
	}
	return img
}

// EncodePNG encodes img or fails the test.
func EncodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// WriteImageFile writes img as PNG into dir and returns its path.
func WriteImageFile(t testing.TB, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, EncodePNG(t, img), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// FakeObjectStore is an in-memory cloud.ObjectStore keyed by URI.
type FakeObjectStore struct {
	mu        sync.Mutex
	Objects   map[string][]byte
	PresignTo string // Base URL of presigned links; empty makes Presign fail.
	Uploads   int
}

// NewFakeObjectStore creates an empty store.
func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{Objects: make(map[string][]byte)}
}

// Put stores data under uri.
func (s *FakeObjectStore) Put(uri string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Objects[uri] = data
}

// Download implements cloud.ObjectStore.
func (s *FakeObjectStore) Download(_ context.Context, uri string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.Objects[uri]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", uri, model.ErrNotFound)
	}
	return data, nil
}

// Upload implements cloud.ObjectStore.
func (s *FakeObjectStore) Upload(_ context.Context, data []byte, key string, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Uploads++
	if key == "" {
		key = fmt.Sprintf("uploads/%d", s.Uploads)
	}
	uri := "gs://test-frames/" + strings.TrimPrefix(key, "/")
	s.Objects[uri] = data
	return uri, nil
}

// Presign implements cloud.ObjectStore.
func (s *FakeObjectStore) Presign(_ context.Context, uri string, ttl time.Duration) (string, error) {
	if s.PresignTo == "" {
		return "", model.ErrStorageNotConfigured
	}
	return fmt.Sprintf("%s/%s?ttl=%d", strings.TrimRight(s.PresignTo, "/"), strings.TrimPrefix(uri, "gs://"), int(ttl.Seconds())), nil
}
