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

// Package workflow defines the high-level orchestrations that combine the
// frame commands into the analysis pipeline. This file implements the
// independent invocation of a single stage.
//
// Logic Flow:
// Every stage has its own short chain built once by NewStageRunner:
// load-frame, then materialize when the stage needs pixels, then the stage
// command. Run executes the chain in a fresh cor context whose Close releases
// any temporary file. Stages never retry on their own. A failure is recorded
// on the frame as status=failed with a readable reason and returned to the
// caller unchanged, so typed errors survive.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// RunnableStages are the stages StageRunner can invoke on one frame.
var RunnableStages = []string{
	services.StageEmbed,
	services.StageMatch,
	services.StageTag,
	services.StageSceneAttributes,
	services.StageActors,
	services.StageEnrich,
}

// StageRunner invokes single stages on single frames.
type StageRunner struct {
	components *Components
	chains     map[string]cor.Chain
}

// NewStageRunner builds one chain per runnable stage.
//
// Inputs:
//   - components: The shared services.
//
// Outputs:
//   - *StageRunner: The runner.
//   - error: model.ErrInvalidConfiguration when the summary prompt template does not parse.
func NewStageRunner(components *Components) (*StageRunner, error) {
	summaryTemplate, err := parseSummaryTemplate(components)
	if err != nil {
		return nil, err
	}
	c := components
	store := c.Store
	r := &StageRunner{components: c, chains: make(map[string]cor.Chain)}

	stages := map[string]cor.Command{
		services.StageEmbed:           commands.NewFrameEmbed("embed-frame", store, c.Pipelines),
		services.StageMatch:           commands.NewFilmMatch("match-film", store, c.Matcher),
		services.StageTag:             commands.NewFrameTag("tag-frame", store, c.Tagger),
		services.StageSceneAttributes: commands.NewSceneAnnotate("annotate-scene", store, c.Classifier, ""),
		services.StageActors:          commands.NewActorDetect("detect-actors", store, c.Faces),
		services.StageEnrich:          commands.NewSceneSummaryCreator("enrich-frame", store, c.SummaryModel, summaryTemplate),
	}
	for stage, command := range stages {
		chain := cor.NewBaseChain(fmt.Sprintf("stage-%s", stage))
		chain.AddCommand(commands.NewFrameLoader("load-frame", store))
		if stage != services.StageMatch && stage != services.StageTag {
			chain.AddCommand(commands.NewFrameMaterialize("materialize-frame", store, c.Materializer))
		}
		chain.AddCommand(command)
		r.chains[stage] = chain
	}
	return r, nil
}

func parseSummaryTemplate(c *Components) (*template.Template, error) {
	text := c.Config.PromptTemplates.SceneSummaryPrompt
	if text == "" {
		text = commands.DefaultSceneSummaryPrompt
	}
	t, err := template.New("scene-summary").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: scene summary template: %v", model.ErrInvalidConfiguration, err)
	}
	return t, nil
}

// Run executes one stage on one frame.
//
// Inputs:
//   - ctx: The context for the request.
//   - stage: One of RunnableStages.
//   - frameID: The frame to process.
//
// Outputs:
//   - *model.StageResult: `{stage, frame_id, status, fields}` of the stage.
//   - error: The typed stage error; the frame is marked failed when it exists.
func (r *StageRunner) Run(ctx context.Context, stage string, frameID uint) (*model.StageResult, error) {
	chain, ok := r.chains[stage]
	if !ok {
		return nil, fmt.Errorf("%w: stage %q cannot run on a single frame (known: %v)",
			model.ErrInvalidConfiguration, stage, RunnableStages)
	}
	if stage == services.StageEnrich && r.components.SummaryModel == nil {
		return nil, fmt.Errorf("%w: agent model %q is not configured", model.ErrInvalidConfiguration, SummaryAgentModel)
	}

	chainCtx := cor.NewBaseContextWith(ctx)
	defer chainCtx.Close()
	chainCtx.Add(cor.CtxIn, frameID)
	chain.Execute(chainCtx)

	if err := chainCtx.Err(); err != nil {
		if commands.FrameFrom(chainCtx) != nil {
			r.markFailed(ctx, frameID, fmt.Sprintf("Stage %s failed: %v", stage, err))
		}
		return nil, err
	}
	return commands.StageResultFrom(chainCtx), nil
}

func (r *StageRunner) markFailed(ctx context.Context, frameID uint, reason string) {
	if err := r.components.Store.MarkFailed(context.WithoutCancel(ctx), frameID, reason); err != nil {
		slog.ErrorContext(ctx, "failed to record frame failure", "frame_id", frameID, "error", err)
	}
}
