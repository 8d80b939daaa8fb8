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
// This file, `scene_classifier.go`, assigns scene attributes to a frame.
//
// Logic Flow:
//  1. Embed the frame with the requested pipeline.
//  2. Score every prompt of every category by cosine similarity. Prompt
//     embeddings are computed once per pipeline and kept in the model cache.
//  3. Blend in the similarity to the centroid of verified examples, when any exist.
//  4. Pick the argmax per category; lighting keeps every label near the best.
//  5. Add the dominant colors from a pixel histogram.
//
// When the pipeline cannot embed text the classifier asks the remote scene
// service, and failing that derives attributes from pixel statistics.
package services

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
)

const (
	textWeight      = 0.6
	prototypeWeight = 0.4

	multiLabelFloor = 0.2
	multiLabelRatio = 0.85

	// promptSetVersion identifies the prompt tables in the model cache.
	promptSetVersion = "scene-v1"

	dominantColorSize  = 64
	dominantColorCount = 3
)

// SceneClassification is the outcome of classifying one frame.
type SceneClassification struct {
	PipelineID  string
	Scores      []model.AttributeScore
	Embedding   *model.EmbeddingResult
	Source      string // "zero_shot", "scene_service" or "heuristic"
	ComputeTime time.Duration
}

// SceneClassifier classifies scene attributes with the embedding pipelines.
type SceneClassifier struct {
	pipelines *vision.PipelineSet
	store     *FrameStore
	service   *vision.RemoteSceneService
}

// NewSceneClassifier creates a classifier.
//
// Inputs:
//   - pipelines: The enabled embedding pipelines.
//   - store: The frame store, used for stored embeddings and verified examples.
//   - serviceURL: The optional remote scene classifier; empty disables it.
//   - client: The HTTP client for the remote classifier.
//
// Outputs:
//   - *SceneClassifier: The classifier.
func NewSceneClassifier(pipelines *vision.PipelineSet, store *FrameStore, serviceURL string, client *http.Client) *SceneClassifier {
	c := &SceneClassifier{pipelines: pipelines, store: store}
	if serviceURL != "" {
		c.service = vision.NewRemoteSceneService(serviceURL, client)
	}
	return c
}

// promptEmbeddings returns the embeddings of every prompt text for a pipeline.
func (c *SceneClassifier) promptEmbeddings(ctx context.Context, pipelineID string, p vision.Pipeline) ([][]float32, error) {
	key := vision.ModelKey{Kind: vision.KindPrompts, Name: pipelineID, Variant: promptSetVersion}
	handle, err := c.pipelines.Cache().Load(ctx, key, func(ctx context.Context) (any, vision.LoadInfo, error) {
		texts, _ := vision.AllPromptTexts()
		vectors, err := p.EmbedText(ctx, texts)
		if err != nil {
			return nil, vision.LoadInfo{}, err
		}
		if len(vectors) != len(texts) {
			return nil, vision.LoadInfo{}, fmt.Errorf("%w: %d prompt embeddings for %d prompts", model.ErrTransientBackend, len(vectors), len(texts))
		}
		return vectors, vision.LoadInfo{Device: p.Metadata().Device, Version: promptSetVersion}, nil
	})
	if err != nil {
		return nil, err
	}
	return handle.([][]float32), nil
}

// Classify scores every scene attribute of a frame.
//
// Inputs:
//   - ctx: The context for the request.
//   - img: The decoded frame image.
//   - pipelineID: The pipeline to classify with; empty uses the primary pipeline.
//
// Outputs:
//   - *SceneClassification: The scores and how they were produced.
//   - error: model.ErrNotFound for an unknown pipeline.
func (c *SceneClassifier) Classify(ctx context.Context, img image.Image, pipelineID string) (*SceneClassification, error) {
	if pipelineID == "" {
		pipelineID = c.pipelines.PrimaryID()
	}
	p, err := c.pipelines.Get(pipelineID)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	embedding, err := p.EmbedImage(ctx, img)
	if err != nil {
		return nil, err
	}
	out := &SceneClassification{PipelineID: pipelineID, Embedding: embedding}

	var prompts [][]float32
	if !embedding.Degraded {
		prompts, err = c.promptEmbeddings(ctx, pipelineID, p)
		if err != nil {
			slog.WarnContext(ctx, "prompt embeddings unavailable", "pipeline", pipelineID, "error", err)
		}
	}

	switch {
	case prompts != nil:
		examples, err := c.store.VerifiedExamples(ctx, pipelineID)
		if err != nil {
			return nil, fmt.Errorf("failed to load verified examples: %w", err)
		}
		_, offsets := vision.AllPromptTexts()
		for _, cat := range vision.SceneCategories {
			off := offsets[cat.Attribute]
			scores := ScoreCategory(ctx, cat, embedding.Vector, prompts[off:off+len(cat.Prompts)], examples[cat.Attribute])
			out.Scores = append(out.Scores, scores...)
		}
		out.Source = "zero_shot"
	case c.service != nil:
		scores, err := c.service.Classify(ctx, img)
		if err == nil {
			out.Scores = scores
			out.Source = "scene_service"
			break
		}
		slog.WarnContext(ctx, "scene service failed, using heuristics", "error", err)
		fallthrough
	default:
		out.Scores = HeuristicAttributes(img)
		out.Source = "heuristic"
	}

	if out.Source != "heuristic" {
		out.Scores = append(out.Scores, DominantColors(img, dominantColorCount)...)
	}
	out.ComputeTime = time.Since(start)
	return out, nil
}

// Annotate classifies a frame and replaces its stored attributes. The frame's
// analysis log records the pipeline, timings and every score.
func (c *SceneClassifier) Annotate(ctx context.Context, frame *model.Frame, img image.Image, pipelineID string) (*SceneClassification, error) {
	result, err := c.Classify(ctx, img, pipelineID)
	if err != nil {
		return nil, err
	}
	p, _ := c.pipelines.Get(result.PipelineID)
	if err := c.store.ReplaceSceneAttributes(ctx, frame.ID, result.Scores, AnalysisLog(p.Metadata(), result)); err != nil {
		return nil, fmt.Errorf("failed to store scene attributes: %w", err)
	}
	return result, nil
}

// AnalysisLog renders the audit record stored on the frame.
func AnalysisLog(meta vision.PipelineMetadata, result *SceneClassification) map[string]any {
	scores := make([]map[string]any, 0, len(result.Scores))
	for _, s := range result.Scores {
		scores = append(scores, map[string]any{
			"attribute":  s.Attribute,
			"value":      s.Value,
			"confidence": s.Confidence,
			"debug_info": s.DebugInfo,
		})
	}
	embedTime := 0.0
	embedding := map[string]any{}
	if result.Embedding != nil {
		embedTime = result.Embedding.ComputeTime.Seconds()
		embedding["dimension"] = result.Embedding.Dimension()
		embedding["model_version"] = result.Embedding.ModelVersion
		embedding["degraded"] = result.Embedding.Degraded
	}
	embedding["compute_time_sec"] = embedTime
	return map[string]any{
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		"pipeline_id":   result.PipelineID,
		"pipeline_name": meta.Name,
		"model_id":      meta.ModelID,
		"device":        meta.Device,
		"source":        result.Source,
		"embedding":     embedding,
		"attributes": map[string]any{
			"compute_time_sec": math.Max(0, result.ComputeTime.Seconds()-embedTime),
			"scores":           scores,
		},
	}
}

// SelectLabels returns the indices of the chosen labels in descending score
// order. Single-label categories take the argmax; multi-label categories keep
// every label scoring at least max(0.2, best*0.85).
func SelectLabels(finals []float64, multiLabel bool) []int {
	if len(finals) == 0 {
		return nil
	}
	order := make([]int, len(finals))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return finals[order[a]] > finals[order[b]] })
	if !multiLabel {
		return order[:1]
	}
	threshold := math.Max(multiLabelFloor, finals[order[0]]*multiLabelRatio)
	var out []int
	for _, i := range order {
		if finals[i] >= threshold {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		out = order[:1]
	}
	return out
}

// ScoreCategory scores one prompt table against an image embedding.
//
// Inputs:
//   - ctx: The context, used for logging.
//   - cat: The category and its prompts.
//   - image: The normalized image embedding.
//   - prompts: The prompt embeddings, in table order.
//   - examples: Verified example embeddings per label; may be nil.
//
// Outputs:
//   - []model.AttributeScore: The selected labels with their debug info.
func ScoreCategory(ctx context.Context, cat vision.Category, image []float32, prompts [][]float32, examples map[string][][]float32) []model.AttributeScore {
	finals := make([]float64, len(cat.Prompts))
	candidates := make([]map[string]any, len(cat.Prompts))
	for i, p := range cat.Prompts {
		text := 0.0
		if i < len(prompts) {
			if sim, ok := vision.Cosine(image, prompts[i]); ok {
				text = sim
			}
		}
		final := text
		var protoScore any
		count := len(examples[p.Label])
		if count > 0 {
			proto := vision.Centroid(examples[p.Label])
			if sim, ok := vision.Cosine(image, proto); ok {
				protoScore = vision.Round(sim, 4)
				final = textWeight*text + prototypeWeight*sim
			} else {
				slog.WarnContext(ctx, "prototype dimension mismatch, skipping blend",
					"attribute", cat.Attribute, "label", p.Label, "image_dim", len(image), "prototype_dim", len(proto))
			}
		}
		finals[i] = final
		candidates[i] = map[string]any{
			"label":           p.Label,
			"clip_score":      vision.Round(text, 4),
			"prototype_score": protoScore,
			"prototype_count": count,
			"final_score":     vision.Round(final, 4),
		}
	}

	selected := SelectLabels(finals, vision.MultiLabelCategories[cat.Attribute])
	out := make([]model.AttributeScore, 0, len(selected))
	for _, i := range selected {
		label := cat.Prompts[i].Label
		out = append(out, model.AttributeScore{
			Attribute:  cat.Attribute,
			Value:      label,
			Confidence: vision.Round(vision.Clamp01(finals[i]), 3),
			DebugInfo: map[string]any{
				"selected":   label,
				"candidates": candidates,
			},
		})
	}
	return out
}

// DominantColors returns the k most frequent colors of the image after
// downscaling it to 64x64. Values are "#rrggbb:rank".
func DominantColors(img image.Image, k int) []model.AttributeScore {
	small := vision.Resize(img, dominantColorSize, dominantColorSize)
	counts := make(map[color.RGBA]int)
	b := small.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := small.RGBAAt(x, y)
			c.A = 255
			counts[c]++
		}
	}
	type bucket struct {
		c     color.RGBA
		count int
	}
	buckets := make([]bucket, 0, len(counts))
	for c, n := range counts {
		buckets = append(buckets, bucket{c, n})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].count != buckets[j].count {
			return buckets[i].count > buckets[j].count
		}
		return hexColor(buckets[i].c) < hexColor(buckets[j].c)
	})
	total := float64(b.Dx() * b.Dy())
	out := make([]model.AttributeScore, 0, k)
	for rank := 0; rank < k && rank < len(buckets); rank++ {
		out = append(out, model.AttributeScore{
			Attribute:  vision.AttrDominantColor,
			Value:      fmt.Sprintf("%s:%d", hexColor(buckets[rank].c), rank),
			Confidence: vision.Round(float64(buckets[rank].count)/total, 3),
			DebugInfo:  map[string]any{"source": "histogram", "pixels": buckets[rank].count},
		})
	}
	return out
}

func hexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// HeuristicAttributes derives scene attributes from global pixel statistics.
// It is used when no embedding backend can score prompts.
func HeuristicAttributes(img image.Image) []model.AttributeScore {
	st := vision.ComputeStats(img)
	b, s, aspect := st.Brightness, st.Saturation, st.AspectRatio()
	score := func(center float64) float64 {
		return math.Max(0.05, 1-math.Abs(b-center)/0.25)
	}
	pick := func(cond bool, yes, no string) string {
		if cond {
			return yes
		}
		return no
	}

	timeOfDay := pick(b < 0.42, "night", "day")
	lighting := pick(b < 0.35, "low_key", "high_key")
	environment := pick(s < 0.18, "interior", "exterior")
	if b < 0.3 && s < 0.12 {
		environment = "underwater"
	}
	location := pick(s > 0.25, "urban", "natural")
	if environment == "interior" {
		location = "interior"
	}
	composition := "balanced_frame"
	switch {
	case aspect > 2.1:
		composition = "panoramic"
	case aspect < 0.8:
		composition = "portrait_frame"
	}

	debug := map[string]any{
		"source":       "heuristic",
		"brightness":   vision.Round(b, 4),
		"saturation":   vision.Round(s, 4),
		"aspect_ratio": vision.Round(aspect, 4),
	}
	attr := func(name, value string, confidence float64) model.AttributeScore {
		return model.AttributeScore{Attribute: name, Value: value, Confidence: vision.Round(vision.Clamp01(confidence), 3), DebugInfo: debug}
	}

	out := []model.AttributeScore{
		attr(vision.AttrTimeOfDay, timeOfDay, score(0.55)),
		attr(vision.AttrLighting, lighting, score(0.5)),
		attr(vision.AttrEnvironment, environment, 0.6+0.4*s),
		attr("location_type", location, 0.55+0.35*s),
		attr(vision.AttrComposition, composition, 0.62),
		attr(vision.AttrComposition, pick(s > 0.1, "rule_of_thirds", "centered"), 0.58),
		attr(vision.AttrEmotion, pick(st.MeanB >= st.MeanR, "calm", "intense"), 0.5+0.4*b),
		attr("vehicle_presence", pick(st.MeanG > 0.4 && aspect > 1.2, "vehicle", "no_vehicle"), 0.45+0.45*s),
		attr(vision.AttrColorTemperature, pick(st.MeanR >= st.MeanB, "warm", "cool"), math.Abs(st.MeanR-st.MeanB)+0.5),
		attr("saturation_level", pick(s > 0.25, "rich", "muted"), 0.5+0.5*s),
		attr("lighting_style", pick(b < 0.35 && s > 0.25, "backlit", lighting), 0.55+0.35*math.Abs(0.5-b)),
	}
	for _, dc := range DominantColors(img, dominantColorCount) {
		dc.DebugInfo = map[string]any{"source": "heuristic", "pixels": dc.DebugInfo["pixels"]}
		out = append(out, dc)
	}
	return out
}
