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

package commands

import (
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// SceneAnnotate classifies the scene attributes of the materialized frame,
// replaces the stored attributes and moves the frame to `scene_annotated`.
type SceneAnnotate struct {
	FrameStage
	classifier *services.SceneClassifier
	pipelineID string
}

// NewSceneAnnotate is the constructor for SceneAnnotate.
//
// Inputs:
//   - name: A string name for this command instance.
//   - store: The relational frame store.
//   - classifier: The scene attribute classifier.
//   - pipelineID: The pipeline to classify with; empty uses the primary pipeline.
//
// Outputs:
//   - *SceneAnnotate: The command.
func NewSceneAnnotate(name string, store *services.FrameStore, classifier *services.SceneClassifier, pipelineID string) *SceneAnnotate {
	return &SceneAnnotate{FrameStage: newFrameStage(name, store, true), classifier: classifier, pipelineID: pipelineID}
}

func (c *SceneAnnotate) Execute(context cor.Context) {
	frame := FrameFrom(context)
	result, err := c.classifier.Annotate(context.GetContext(), frame, MaterializedFrom(context).Image, c.pipelineID)
	if err != nil {
		c.Fail(context, err)
		return
	}
	c.advance(context, frame, model.StatusSceneAnnotated, "scene_attributes", map[string]any{
		"pipeline_id": result.PipelineID,
		"source":      result.Source,
		"attributes":  len(result.Scores),
		"degraded":    result.Embedding.Degraded,
	})
}
