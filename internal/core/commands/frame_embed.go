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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines the
// embedding stage.
//
// Logic Flow:
//  1. The frame moves to `embedding`.
//  2. Every enabled pipeline embeds the materialized image. A pipeline whose
//     backend is unavailable answers with the degraded pixel signature, so the
//     stage itself only fails when persisting fails.
//  3. All results are written in one transaction, one FrameEmbedding row per
//     pipeline, and the primary pipeline's vector is mirrored onto the frame.
//  4. The frame moves to `embedded` and the in-context frame is refreshed so
//     the matcher and tagger see the new vector.
package commands

import (
	"fmt"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
)

// FrameEmbed computes and stores the frame's embeddings.
type FrameEmbed struct {
	FrameStage
	pipelines *vision.PipelineSet
}

// NewFrameEmbed is the constructor for FrameEmbed.
//
// Inputs:
//   - name: A string name for this command instance.
//   - store: The relational frame store.
//   - pipelines: The static set of enabled embedding pipelines.
//
// Outputs:
//   - *FrameEmbed: The command.
func NewFrameEmbed(name string, store *services.FrameStore, pipelines *vision.PipelineSet) *FrameEmbed {
	return &FrameEmbed{FrameStage: newFrameStage(name, store, true), pipelines: pipelines}
}

func (c *FrameEmbed) Execute(context cor.Context) {
	ctx := context.GetContext()
	frame := FrameFrom(context)
	img := MaterializedFrom(context).Image

	if err := c.Store.SetStatus(ctx, frame.ID, model.StatusEmbedding); err != nil {
		c.Fail(context, err)
		return
	}

	results := make([]*model.EmbeddingResult, 0, len(c.pipelines.IDs()))
	summary := make(map[string]any)
	for _, p := range c.pipelines.All() {
		result, err := p.EmbedImage(ctx, img)
		if err != nil {
			c.Fail(context, fmt.Errorf("pipeline %s failed to embed frame %d: %w", p.Metadata().ID, frame.ID, err))
			return
		}
		results = append(results, result)
		summary[result.PipelineID] = map[string]any{
			"model_id":  result.ModelID,
			"dimension": result.Dimension(),
			"degraded":  result.Degraded,
		}
	}

	primaryID := c.pipelines.PrimaryID()
	if err := c.Store.SaveEmbeddings(ctx, frame.ID, results, primaryID); err != nil {
		c.Fail(context, err)
		return
	}
	for _, r := range results {
		if r.PipelineID == primaryID {
			frame.Embedding = model.EncodeVector(r.Vector)
			frame.EmbeddingModel = r.ModelID
			frame.EmbeddingModelVersion = r.ModelVersion
		}
	}

	c.advance(context, frame, model.StatusEmbedded, "embed", map[string]any{
		"pipelines":       summary,
		"primary":         primaryID,
		"embedding_model": frame.EmbeddingModel,
	})
}
