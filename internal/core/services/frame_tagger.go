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

package services

import (
	"context"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
)

const (
	maxCandidateTags = 3
	untaggedTag      = "untagged"
)

var tagSeparators = regexp.MustCompile(`[\s_\-]+`)

func tokenize(text string) []string {
	var out []string
	for _, t := range tagSeparators.Split(text, -1) {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// CandidateTags derives up to three tags from the frame's file name, then the
// film title, then the release year. A frame with none gets "untagged".
func CandidateTags(frame *model.Frame, film *model.Film) []string {
	name := frame.FilePath
	if name == "" && frame.StorageURI != nil {
		name = *frame.StorageURI
	}
	stem := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if name == "" {
		stem = ""
	}

	var combined []string
	seen := make(map[string]bool)
	add := func(token string) {
		if token != "" && !seen[token] {
			seen[token] = true
			combined = append(combined, token)
		}
	}
	for _, t := range tokenize(stem) {
		add(t)
	}
	if film != nil {
		for _, t := range tokenize(film.Title) {
			add(t)
		}
		if film.ReleaseYear != nil {
			add(strconv.Itoa(*film.ReleaseYear))
		}
	}
	if len(combined) == 0 {
		return []string{untaggedTag}
	}
	if len(combined) > maxCandidateTags {
		combined = combined[:maxCandidateTags]
	}
	return combined
}

// TagConfidences spreads the embedding's components over the tags. Without an
// embedding every tag gets 0.5.
func TagConfidences(embedding []float32, count int) []float64 {
	out := make([]float64, count)
	for i := range out {
		base := 0.5
		if len(embedding) > 0 {
			base = float64(embedding[i%len(embedding)])
		}
		out[i] = vision.Round(vision.Clamp01(0.4+0.6*base), 4)
	}
	return out
}

// FrameTagger assigns the derived tags to frames.
type FrameTagger struct {
	store *FrameStore
}

// NewFrameTagger creates a tagger.
func NewFrameTagger(store *FrameStore) *FrameTagger {
	return &FrameTagger{store: store}
}

// Tag replaces the tags of a frame. The frame's film must exist.
//
// Inputs:
//   - ctx: The context for the request.
//   - frame: The frame to tag.
//
// Outputs:
//   - []TagScore: The applied tags.
//   - error: model.ErrNotFound when the frame has no film.
func (t *FrameTagger) Tag(ctx context.Context, frame *model.Frame) ([]TagScore, error) {
	if !frame.HasFilm() {
		return nil, notFound("film of frame", frame.ID)
	}
	film, err := t.store.GetFilm(ctx, *frame.FilmID)
	if err != nil {
		return nil, err
	}
	embedding, err := model.DecodeVector(frame.Embedding)
	if err != nil {
		return nil, err
	}
	names := CandidateTags(frame, film)
	confidences := TagConfidences(embedding, len(names))
	tags := make([]TagScore, len(names))
	for i, n := range names {
		tags[i] = TagScore{Name: n, Confidence: confidences[i]}
	}
	if err := t.store.ReplaceFrameTags(ctx, frame.ID, tags); err != nil {
		return nil, err
	}
	return tags, nil
}
