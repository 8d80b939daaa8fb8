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

// Package vision holds the image side of frame analysis.
// This file is the HTTP client of the CLIP inference backend. The backend
// exposes three routes:
//
//	GET  /health                          -> {"status", "device", "version"}
//	POST /embed/image?model=&pretrained=  multipart "file" -> {"embedding": [...]}
//	POST /embed/text                      {"model", "pretrained", "texts"} -> {"embeddings": [[...]]}
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// Encoder is an image and text embedding backend.
type Encoder interface {
	Health(ctx context.Context) (LoadInfo, error)
	EmbedImage(ctx context.Context, png []byte) ([]float32, error)
	EmbedText(ctx context.Context, texts []string) ([][]float32, error)
}

// RemoteEncoder calls a CLIP inference server over HTTP.
type RemoteEncoder struct {
	baseURL    string
	model      string
	pretrained string
	client     *http.Client
}

// NewRemoteEncoder creates an encoder for one pipeline definition.
//
// Inputs:
//   - def: The pipeline definition carrying the endpoint, model and timeout.
//   - client: The HTTP client; nil creates one bounded by def.TimeoutSeconds.
//
// Outputs:
//   - *RemoteEncoder: The encoder.
func NewRemoteEncoder(def cloud.PipelineDefinition, client *http.Client) *RemoteEncoder {
	if client == nil {
		timeout := time.Duration(def.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteEncoder{
		baseURL:    strings.TrimRight(def.Endpoint, "/"),
		model:      def.Model,
		pretrained: def.Pretrained,
		client:     client,
	}
}

func (e *RemoteEncoder) do(req *http.Request, out any) error {
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", model.ErrTransientBackend, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned %d: %s", model.ErrTransientBackend, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", model.ErrTransientBackend, req.URL.Path, err)
	}
	return nil
}

// Health probes the backend.
func (e *RemoteEncoder) Health(ctx context.Context) (LoadInfo, error) {
	if e.baseURL == "" {
		return LoadInfo{}, fmt.Errorf("%w: no encoder endpoint configured", model.ErrTransientBackend)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return LoadInfo{}, err
	}
	var out struct {
		Status  string `json:"status"`
		Device  string `json:"device"`
		Version string `json:"version"`
	}
	if err := e.do(req, &out); err != nil {
		return LoadInfo{}, err
	}
	if out.Status != "" && out.Status != "ok" {
		return LoadInfo{}, fmt.Errorf("%w: encoder reports status %q", model.ErrTransientBackend, out.Status)
	}
	return LoadInfo{Device: out.Device, Version: out.Version}, nil
}

// EmbedImage sends a PNG to the backend and returns the raw embedding.
func (e *RemoteEncoder) EmbedImage(ctx context.Context, png []byte) ([]float32, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "frame.png")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(png); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("model", e.model)
	q.Set("pretrained", e.pretrained)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed/image?"+q.Encode(), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := e.do(req, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: encoder returned an empty embedding", model.ErrTransientBackend)
	}
	return out.Embedding, nil
}

// EmbedText embeds prompts; the result is aligned with texts.
func (e *RemoteEncoder) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model":      e.model,
		"pretrained": e.pretrained,
		"texts":      texts,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed/text", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.do(req, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: encoder returned %d text embeddings for %d prompts", model.ErrTransientBackend, len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}
