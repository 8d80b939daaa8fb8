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
// optional enrichment stage that describes a frame with a generative model.
//
// Logic Flow:
//  1. The prompt template is rendered with the film title and the attributes
//     already stored for the frame.
//  2. The materialized image is sent inline with the prompt to the rate
//     limited Gemini model.
//  3. The JSON answer `{summary, shot_timestamp}` is parsed and stored on the
//     frame with metadata_source `gemini`. The frame status is unchanged.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// SummarySource is the metadata_source recorded for generated summaries.
const SummarySource = "gemini"

// DefaultSceneSummaryPrompt is used when the configuration has no template.
const DefaultSceneSummaryPrompt = `You are a film archivist. Describe the attached still frame{{if .FILM}} from "{{.FILM}}"{{end}} in two sentences.
{{if .ATTRIBUTES}}Known attributes: {{.ATTRIBUTES}}.
{{end}}If you recognise the moment, estimate its timestamp in the film as HH:MM:SS, otherwise leave it empty.
Answer only with JSON of the form {"summary": "...", "shot_timestamp": "..."}.`

// SceneSummaryCreator asks a generative model for a short description of the frame.
type SceneSummaryCreator struct {
	FrameStage
	generativeAIModel        *cloud.QuotaAwareGenerativeAIModel
	template                 *template.Template
	geminiInputTokenCounter  metric.Int64Counter
	geminiOutputTokenCounter metric.Int64Counter
	geminiRetryCounter       metric.Int64Counter
}

// NewSceneSummaryCreator is the constructor for SceneSummaryCreator.
//
// Inputs:
//   - name: A string name for this command instance.
//   - store: The relational frame store.
//   - generativeAIModel: The rate-limited model; nil makes Execute fail with
//     model.ErrInvalidConfiguration.
//   - template: The parsed prompt template.
//
// Outputs:
//   - *SceneSummaryCreator: The command, with its token counters initialized.
func NewSceneSummaryCreator(
	name string,
	store *services.FrameStore,
	generativeAIModel *cloud.QuotaAwareGenerativeAIModel,
	template *template.Template) *SceneSummaryCreator {

	out := &SceneSummaryCreator{
		FrameStage:        newFrameStage(name, store, true),
		generativeAIModel: generativeAIModel,
		template:          template,
	}
	out.geminiInputTokenCounter, _ = out.GetMeter().Int64Counter(fmt.Sprintf("%s.gemini.token.input", out.GetName()))
	out.geminiOutputTokenCounter, _ = out.GetMeter().Int64Counter(fmt.Sprintf("%s.gemini.token.output", out.GetName()))
	out.geminiRetryCounter, _ = out.GetMeter().Int64Counter(fmt.Sprintf("%s.gemini.token.retry", out.GetName()))
	return out
}

// GenerateParams builds the template data for a frame.
func (t *SceneSummaryCreator) GenerateParams(context cor.Context, frame *model.Frame) map[string]interface{} {
	ctx := context.GetContext()
	params := map[string]interface{}{"FILM": "", "ATTRIBUTES": ""}
	if frame.HasFilm() {
		if film, err := t.Store.GetFilm(ctx, *frame.FilmID); err == nil {
			params["FILM"] = film.Title
		}
	}
	if attrs, err := t.Store.SceneAttributes(ctx, frame.ID); err == nil && len(attrs) > 0 {
		parts := make([]string, 0, len(attrs))
		for _, a := range attrs {
			parts = append(parts, a.Attribute+"="+a.Value)
		}
		params["ATTRIBUTES"] = strings.Join(parts, ", ")
	}
	return params
}

func (t *SceneSummaryCreator) Execute(context cor.Context) {
	if t.generativeAIModel == nil {
		t.Fail(context, fmt.Errorf("%w: no generative model configured for enrichment", model.ErrInvalidConfiguration))
		return
	}
	frame := FrameFrom(context)
	materialized := MaterializedFrom(context)

	var buffer bytes.Buffer
	if err := t.template.Execute(&buffer, t.GenerateParams(context, frame)); err != nil {
		t.Fail(context, fmt.Errorf("failed to execute prompt template: %w", err))
		return
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: buffer.String()},
			cloud.NewInlineImagePart(materialized.Data, materialized.MIMEType),
		},
	}}
	out, err := cloud.GenerateMultiModalResponse(context.GetContext(), t.geminiInputTokenCounter,
		t.geminiOutputTokenCounter, t.geminiRetryCounter, t.generativeAIModel, contents)
	if err != nil {
		t.Fail(context, fmt.Errorf("%w: gemini request failed: %v", model.ErrTransientBackend, err))
		return
	}

	summary := &model.SceneSummary{}
	if err := json.Unmarshal([]byte(out), summary); err != nil {
		t.Fail(context, fmt.Errorf("failed to parse scene summary: %w", err))
		return
	}
	if err := t.Store.SaveSceneSummary(context.GetContext(), frame.ID, summary, SummarySource); err != nil {
		t.Fail(context, err)
		return
	}
	frame.SceneSummary = summary.Summary
	frame.MetadataSource = SummarySource
	if summary.ShotTimestamp != "" {
		frame.ShotTimestamp = summary.ShotTimestamp
	}
	t.record(context, frame, "enrich", map[string]any{
		"summary":        summary.Summary,
		"shot_timestamp": summary.ShotTimestamp,
		"source":         SummarySource,
	})
}
