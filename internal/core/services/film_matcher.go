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
// This file, `film_matcher.go`, predicts which film a frame of unknown origin
// was captured from by comparing its embedding with every embedded frame of a
// known film.
//
// Logic Flow:
//  1. Load the candidate frames (known film, embedding present, not the target).
//  2. Score each candidate by cosine similarity, skipping dimension mismatches.
//  3. Keep the best candidate per film, then the best film overall.
//  4. Map the similarity to a confidence and accept it above the threshold.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
)

// SimilarityConfidence maps a cosine similarity in [-1, 1] to a confidence in [0, 1].
func SimilarityConfidence(similarity float64) float64 {
	return vision.Round(vision.Clamp01((similarity+1)/2), 4)
}

// BestFilmMatch scans the candidates and returns the best prediction, or nil
// when no candidate is comparable or the best confidence is below minConfidence.
//
// Inputs:
//   - target: The embedding of the frame being matched.
//   - candidates: Embedded frames of known films.
//   - minConfidence: The acceptance threshold.
//
// Outputs:
//   - *model.MatchPrediction: The accepted prediction, or nil.
func BestFilmMatch(target []float32, candidates []MatchCandidate, minConfidence float64) *model.MatchPrediction {
	type best struct {
		similarity float64
		candidate  MatchCandidate
	}
	perFilm := make(map[uint]best)
	for _, c := range candidates {
		sim, ok := vision.Cosine(target, c.Vector)
		if !ok {
			continue
		}
		if prev, seen := perFilm[c.FilmID]; !seen || sim > prev.similarity {
			perFilm[c.FilmID] = best{similarity: sim, candidate: c}
		}
	}
	if len(perFilm) == 0 {
		return nil
	}

	films := make([]uint, 0, len(perFilm))
	for id := range perFilm {
		films = append(films, id)
	}
	// Ties go to the lowest film id.
	sort.Slice(films, func(i, j int) bool { return films[i] < films[j] })
	winner := perFilm[films[0]]
	for _, id := range films[1:] {
		if perFilm[id].similarity > winner.similarity {
			winner = perFilm[id]
		}
	}

	confidence := SimilarityConfidence(winner.similarity)
	if confidence < minConfidence {
		return nil
	}
	return &model.MatchPrediction{
		FilmID:         winner.candidate.FilmID,
		Confidence:     confidence,
		Timestamp:      winner.candidate.Timestamp,
		ShotID:         strconv.FormatUint(uint64(winner.candidate.FrameID), 10),
		MatchedFrameID: winner.candidate.FrameID,
	}
}

// FilmMatcher predicts and persists the source film of unmatched frames.
type FilmMatcher struct {
	store         *FrameStore
	minConfidence float64
}

// NewFilmMatcher creates a matcher.
func NewFilmMatcher(store *FrameStore, minConfidence float64) *FilmMatcher {
	return &FilmMatcher{store: store, minConfidence: minConfidence}
}

// Match predicts the film of a frame and stores the outcome. The frame moves
// to matched when a prediction is accepted, otherwise to unmatched with any
// earlier prediction cleared.
//
// Inputs:
//   - ctx: The context for the request.
//   - frame: The frame to match; it must carry a primary embedding.
//
// Outputs:
//   - *model.MatchPrediction: The accepted prediction, or nil.
//   - model.FrameStatus: The frame's new status.
//   - error: Wraps model.ErrInvalidConfiguration when the frame has no embedding.
func (m *FilmMatcher) Match(ctx context.Context, frame *model.Frame) (*model.MatchPrediction, model.FrameStatus, error) {
	target, err := model.DecodeVector(frame.Embedding)
	if err != nil {
		return nil, "", err
	}
	if len(target) == 0 {
		return nil, "", fmt.Errorf("%w: frame %d has no embedding", model.ErrInvalidConfiguration, frame.ID)
	}

	candidates, err := m.store.MatchCandidates(ctx, frame.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load match candidates: %w", err)
	}
	prediction := BestFilmMatch(target, candidates, m.minConfidence)
	status, err := m.store.ApplyMatch(ctx, frame.ID, prediction)
	if err != nil {
		return nil, "", err
	}
	slog.InfoContext(ctx, "film match", "frame_id", frame.ID, "candidates", len(candidates), "status", status)
	return prediction, status, nil
}
