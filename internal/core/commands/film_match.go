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
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// FilmMatch predicts the film of a frame from the embedded corpus. The
// matcher itself stores the prediction and the matched/unmatched status.
type FilmMatch struct {
	FrameStage
	matcher *services.FilmMatcher
}

// NewFilmMatch is the constructor for FilmMatch.
func NewFilmMatch(name string, store *services.FrameStore, matcher *services.FilmMatcher) *FilmMatch {
	return &FilmMatch{FrameStage: newFrameStage(name, store, false), matcher: matcher}
}

func (c *FilmMatch) Execute(context cor.Context) {
	frame := FrameFrom(context)
	prediction, status, err := c.matcher.Match(context.GetContext(), frame)
	if err != nil {
		c.Fail(context, err)
		return
	}
	frame.Status = status

	fields := map[string]any{"matched": prediction != nil}
	if prediction != nil {
		fields["predicted_film_id"] = prediction.FilmID
		fields["match_confidence"] = prediction.Confidence
		fields["predicted_shot_id"] = prediction.ShotID
		fields["predicted_timestamp"] = prediction.Timestamp
	}
	c.record(context, frame, "match", fields)
}
