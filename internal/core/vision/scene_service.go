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

package vision

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// RemoteSceneService posts frames to an external scene attribute classifier
// answering {"attributes": [{"attribute", "value", "confidence"}]}.
type RemoteSceneService struct {
	endpoint string
	client   *http.Client
}

// NewRemoteSceneService creates a client for endpoint.
func NewRemoteSceneService(endpoint string, client *http.Client) *RemoteSceneService {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &RemoteSceneService{endpoint: endpoint, client: client}
}

// Classify returns the service's attributes. Entries without an attribute or
// value are dropped and confidences are clamped to [0, 1]. An empty answer is
// reported as a transient failure so callers fall through to heuristics.
func (s *RemoteSceneService) Classify(ctx context.Context, img image.Image) ([]model.AttributeScore, error) {
	var payload struct {
		Attributes []struct {
			Attribute  string  `json:"attribute"`
			Value      string  `json:"value"`
			Confidence float64 `json:"confidence"`
		} `json:"attributes"`
	}
	if err := postImage(ctx, s.client, s.endpoint, img, &payload); err != nil {
		return nil, err
	}
	out := make([]model.AttributeScore, 0, len(payload.Attributes))
	for _, a := range payload.Attributes {
		if a.Attribute == "" || a.Value == "" {
			continue
		}
		out = append(out, model.AttributeScore{
			Attribute:  a.Attribute,
			Value:      a.Value,
			Confidence: Round(Clamp01(a.Confidence), 3),
			DebugInfo:  map[string]any{"source": "scene_service"},
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: scene service returned no attributes", model.ErrTransientBackend)
	}
	return out, nil
}
