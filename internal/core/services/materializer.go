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

// Package services contains the business logic for interacting with data sources.
// This file, `materializer.go`, turns a frame record into image bytes on local
// disk, whichever of the three places the frame actually lives in.
//
// Logic Flow:
//  1. A local file_path (absolute, or relative to storage.local_root).
//  2. An object storage download of storage_uri into a temp file.
//  3. An HTTP GET of the frame's signed_url, or of a freshly pre-signed URL.
//
// The first source that yields bytes which sniff and decode as an image wins.
// When none does the error wraps model.ErrContentUnavailable.
package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
)

// Materialized frame sources.
const (
	SourceLocal        = "local"
	SourceObjectStore  = "object_storage"
	SourcePresignedURL = "presigned_url"
)

// maxFrameBytes bounds a single frame download.
const maxFrameBytes = 64 << 20

// MaterializedFrame is a frame whose bytes are available on local disk.
type MaterializedFrame struct {
	Path      string      // Local path of the image.
	Data      []byte      // The encoded image.
	MIMEType  string      // The sniffed MIME type.
	Source    string      // Which source produced the bytes.
	Temporary bool        // Path is a temp file owned by the caller.
	Image     image.Image // The decoded image.
}

// FrameMaterializer resolves frames to local image bytes.
type FrameMaterializer struct {
	store      cloud.ObjectStore
	localRoot  string
	presignTTL time.Duration
	client     *http.Client
}

// NewFrameMaterializer creates a materializer.
//
// Inputs:
//   - store: The object store, may be nil when only local frames are used.
//   - config: The storage configuration (local root, presign TTL, download timeout).
//   - client: The HTTP client for pre-signed URLs; nil creates one with the configured timeout.
//
// Outputs:
//   - *FrameMaterializer: The materializer.
func NewFrameMaterializer(store cloud.ObjectStore, config cloud.Storage, client *http.Client) *FrameMaterializer {
	timeout := time.Duration(config.DownloadTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ttl := time.Duration(config.PresignTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FrameMaterializer{store: store, localRoot: config.LocalRoot, presignTTL: ttl, client: client}
}

// Materialize makes the frame's image available locally.
//
// Inputs:
//   - ctx: The context for the request.
//   - frame: The frame to materialize.
//
// Outputs:
//   - *MaterializedFrame: The bytes, decoded image and where they came from.
//     When Temporary is set the caller must remove Path.
//   - error: Wraps model.ErrContentUnavailable when no source produced an image.
func (m *FrameMaterializer) Materialize(ctx context.Context, frame *model.Frame) (*MaterializedFrame, error) {
	var errs []error

	if frame.FilePath != "" {
		out, err := m.fromLocal(frame.FilePath)
		if err == nil {
			return out, nil
		}
		errs = append(errs, fmt.Errorf("local: %w", err))
	}

	if frame.StorageURI != nil && *frame.StorageURI != "" && m.store != nil {
		data, err := m.store.Download(ctx, *frame.StorageURI)
		if err == nil {
			out, err := m.toTempFile(data, SourceObjectStore)
			if err == nil {
				return out, nil
			}
			errs = append(errs, fmt.Errorf("object storage: %w", err))
		} else {
			errs = append(errs, fmt.Errorf("object storage: %w", err))
		}
	}

	url := frame.SignedURL
	if url == "" && frame.StorageURI != nil && *frame.StorageURI != "" && m.store != nil {
		signed, err := m.store.Presign(ctx, *frame.StorageURI, m.presignTTL)
		if err != nil {
			errs = append(errs, fmt.Errorf("presign: %w", err))
		}
		url = signed
	}
	if url != "" {
		data, err := m.fetch(ctx, url)
		if err == nil {
			out, err := m.toTempFile(data, SourcePresignedURL)
			if err == nil {
				return out, nil
			}
			errs = append(errs, fmt.Errorf("presigned url: %w", err))
		} else {
			errs = append(errs, fmt.Errorf("presigned url: %w", err))
		}
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("frame has no file path, storage uri or signed url"))
	}
	slog.WarnContext(ctx, "frame content unavailable", "frame_id", frame.ID, "error", errors.Join(errs...))
	return nil, fmt.Errorf("%w: frame %d: %v", model.ErrContentUnavailable, frame.ID, errors.Join(errs...))
}

func (m *FrameMaterializer) fromLocal(path string) (*MaterializedFrame, error) {
	if !filepath.IsAbs(path) && m.localRoot != "" {
		path = filepath.Join(m.localRoot, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, mime, err := vision.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return &MaterializedFrame{Path: path, Data: data, MIMEType: mime, Source: SourceLocal, Image: img}, nil
}

func (m *FrameMaterializer) toTempFile(data []byte, source string) (*MaterializedFrame, error) {
	img, mime, err := vision.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	file, err := os.CreateTemp("", "frame-*")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		_ = os.Remove(file.Name())
		return nil, err
	}
	return &MaterializedFrame{Path: file.Name(), Data: data, MIMEType: mime, Source: source, Temporary: true, Image: img}, nil
}

func (m *FrameMaterializer) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
}
