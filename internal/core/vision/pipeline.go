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
// This file defines the embedding pipelines and the PipelineSet that owns them.
//
// The set of pipeline variants is fixed at compile time (see `knownPipelines`);
// configuration only chooses which of them are enabled and which one is the
// primary. Each pipeline encodes through its Encoder, whose handle is loaded
// lazily into the shared ModelCache by a health probe. While the backend is
// unreachable the pipeline answers with the pixel signature and marks the
// result as degraded.
package vision

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// knownPipelines is the closed set of pipeline variants.
var knownPipelines = []string{cloud.PipelineStandard, cloud.PipelineEnhanced}

// KnownPipelines returns the ids of every pipeline variant.
func KnownPipelines() []string {
	return slices.Clone(knownPipelines)
}

// PipelineMetadata describes one pipeline.
type PipelineMetadata struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ModelID         string `json:"model_id"`
	Pretrained      string `json:"pretrained"`
	InputResolution int    `json:"input_resolution"`
	Device          string `json:"device"`
	Dtype           string `json:"dtype"`
	Version         string `json:"version,omitempty"`
	Loaded          bool   `json:"loaded"`
	Primary         bool   `json:"primary"`
}

// PipelineStatus is the runtime state of a pipeline.
type PipelineStatus struct {
	Loaded   bool   `json:"loaded"`
	Device   string `json:"device"`
	Degraded bool   `json:"degraded"`
	Error    string `json:"error,omitempty"`
}

// Pipeline is the embedding capability every variant provides.
type Pipeline interface {
	Metadata() PipelineMetadata
	EmbedImage(ctx context.Context, img image.Image) (*model.EmbeddingResult, error)
	EmbedText(ctx context.Context, texts []string) ([][]float32, error)
	Status() PipelineStatus
}

// EncoderPipeline is a Pipeline backed by an Encoder with the signature fallback.
type EncoderPipeline struct {
	id        string
	def       cloud.PipelineDefinition
	primary   bool
	encoder   Encoder
	cache     *ModelCache
	signature *SignatureEncoder
}

// NewEncoderPipeline creates a pipeline and registers its encoder with the cache.
//
// Inputs:
//   - id: The pipeline id.
//   - def: The pipeline definition.
//   - primary: Whether this pipeline mirrors into Frame.embedding.
//   - encoder: The backend encoder.
//   - cache: The shared model cache.
//
// Outputs:
//   - *EncoderPipeline: The pipeline.
func NewEncoderPipeline(id string, def cloud.PipelineDefinition, primary bool, encoder Encoder, cache *ModelCache) *EncoderPipeline {
	p := &EncoderPipeline{
		id:        id,
		def:       def,
		primary:   primary,
		encoder:   encoder,
		cache:     cache,
		signature: NewSignatureEncoder(),
	}
	cache.Register(p.key(), p.load)
	return p
}

func (p *EncoderPipeline) key() ModelKey {
	return ModelKey{Kind: KindEncoder, Name: p.def.Model, Variant: p.def.Pretrained}
}

func (p *EncoderPipeline) load(ctx context.Context) (any, LoadInfo, error) {
	info, err := p.encoder.Health(ctx)
	if err != nil {
		return nil, LoadInfo{}, err
	}
	return p.encoder, info, nil
}

func (p *EncoderPipeline) backend(ctx context.Context) (Encoder, error) {
	handle, err := p.cache.Load(ctx, p.key(), p.load)
	if err != nil {
		return nil, err
	}
	return handle.(Encoder), nil
}

// Metadata implements Pipeline.
func (p *EncoderPipeline) Metadata() PipelineMetadata {
	status := p.Status()
	meta := PipelineMetadata{
		ID:              p.id,
		Name:            p.def.Name,
		ModelID:         p.def.Model,
		Pretrained:      p.def.Pretrained,
		InputResolution: p.def.InputResolution,
		Device:          status.Device,
		Dtype:           "float32",
		Loaded:          status.Loaded,
		Primary:         p.primary,
	}
	if s, ok := p.cache.Lookup(p.key()); ok {
		meta.Version = s.Version
	}
	return meta
}

// Status implements Pipeline.
func (p *EncoderPipeline) Status() PipelineStatus {
	s, ok := p.cache.Lookup(p.key())
	if !ok || !s.Loaded {
		out := PipelineStatus{Device: "cpu", Degraded: true}
		if ok {
			out.Error = s.Error
		}
		return out
	}
	return PipelineStatus{Loaded: true, Device: s.Device}
}

// EmbedImage implements Pipeline. Backend failures fall back to the signature.
func (p *EncoderPipeline) EmbedImage(ctx context.Context, img image.Image) (*model.EmbeddingResult, error) {
	start := time.Now()
	if encoder, err := p.backend(ctx); err == nil {
		vector, err := p.embedRemote(ctx, encoder, img)
		if err == nil {
			meta := p.Metadata()
			return &model.EmbeddingResult{
				PipelineID:   p.id,
				Vector:       vector,
				ModelID:      p.def.Model,
				ModelVersion: meta.Version,
				Device:       meta.Device,
				ComputeTime:  time.Since(start),
			}, nil
		}
		slog.WarnContext(ctx, "encoder call failed, using pixel signature", "pipeline", p.id, "error", err)
	}

	return &model.EmbeddingResult{
		PipelineID:   p.id,
		Vector:       p.signature.Embed(img),
		ModelID:      SignatureModelID,
		ModelVersion: SignatureModelVersion,
		Device:       "cpu",
		Degraded:     true,
		ComputeTime:  time.Since(start),
	}, nil
}

func (p *EncoderPipeline) embedRemote(ctx context.Context, encoder Encoder, img image.Image) ([]float32, error) {
	res := p.def.InputResolution
	if res <= 0 {
		res = 224
	}
	png, err := EncodePNG(Resize(img, res, res))
	if err != nil {
		return nil, err
	}
	vector, err := encoder.EmbedImage(ctx, png)
	if err != nil {
		return nil, err
	}
	return Normalize(vector), nil
}

// EmbedText implements Pipeline. There is no local fallback for text; callers
// switch to heuristics when this returns model.ErrTransientBackend.
func (p *EncoderPipeline) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	encoder, err := p.backend(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := encoder.EmbedText(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(raw))
	for i, v := range raw {
		out[i] = Normalize(v)
	}
	return out, nil
}

// PipelineSet holds the enabled pipelines. It is built once at startup.
type PipelineSet struct {
	primary   string
	pipelines map[string]Pipeline
	cache     *ModelCache
}

// NewPipelineSet builds the enabled pipelines from configuration.
//
// Inputs:
//   - config: The pipelines configuration.
//   - cache: The shared model cache.
//   - client: Optional HTTP client for the encoders; nil uses per-pipeline timeouts.
//
// Outputs:
//   - *PipelineSet: The set.
//   - error: Wraps model.ErrInvalidConfiguration for unknown or undefined pipeline ids.
func NewPipelineSet(config cloud.Pipelines, cache *ModelCache, client *http.Client) (*PipelineSet, error) {
	set := &PipelineSet{primary: config.Primary, pipelines: make(map[string]Pipeline), cache: cache}
	for _, id := range config.Enabled {
		if !slices.Contains(knownPipelines, id) {
			return nil, fmt.Errorf("%w: unknown pipeline %q", model.ErrInvalidConfiguration, id)
		}
		def, ok := config.Definitions[id]
		if !ok {
			return nil, fmt.Errorf("%w: pipeline %q has no definition", model.ErrInvalidConfiguration, id)
		}
		set.pipelines[id] = NewEncoderPipeline(id, def, id == config.Primary, NewRemoteEncoder(def, client), cache)
	}
	if _, ok := set.pipelines[config.Primary]; !ok {
		return nil, fmt.Errorf("%w: primary pipeline %q is not enabled", model.ErrInvalidConfiguration, config.Primary)
	}
	return set, nil
}

// NewPipelineSetFrom assembles a set from ready-made pipelines.
func NewPipelineSetFrom(primary string, cache *ModelCache, pipelines map[string]Pipeline) (*PipelineSet, error) {
	if _, ok := pipelines[primary]; !ok {
		return nil, fmt.Errorf("%w: primary pipeline %q is not enabled", model.ErrInvalidConfiguration, primary)
	}
	return &PipelineSet{primary: primary, pipelines: pipelines, cache: cache}, nil
}

// Get returns a pipeline by id.
func (s *PipelineSet) Get(id string) (Pipeline, error) {
	p, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", id, model.ErrNotFound)
	}
	return p, nil
}

// PrimaryID returns the id of the primary pipeline.
func (s *PipelineSet) PrimaryID() string {
	return s.primary
}

// Primary returns the primary pipeline.
func (s *PipelineSet) Primary() Pipeline {
	return s.pipelines[s.primary]
}

// IDs returns the enabled ids with the primary first.
func (s *PipelineSet) IDs() []string {
	ids := make([]string, 0, len(s.pipelines))
	for id := range s.pipelines {
		if id != s.primary {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return append([]string{s.primary}, ids...)
}

// All returns the enabled pipelines in IDs order.
func (s *PipelineSet) All() []Pipeline {
	out := make([]Pipeline, 0, len(s.pipelines))
	for _, id := range s.IDs() {
		out = append(out, s.pipelines[id])
	}
	return out
}

// Cache returns the model cache shared by the pipelines.
func (s *PipelineSet) Cache() *ModelCache {
	return s.cache
}
