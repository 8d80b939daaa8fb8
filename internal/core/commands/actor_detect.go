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

// ActorDetect detects and resolves the faces of the materialized frame and
// moves the frame to `actors_detected`.
type ActorDetect struct {
	FrameStage
	resolver *services.FaceResolver
}

// NewActorDetect is the constructor for ActorDetect.
func NewActorDetect(name string, store *services.FrameStore, resolver *services.FaceResolver) *ActorDetect {
	return &ActorDetect{FrameStage: newFrameStage(name, store, true), resolver: resolver}
}

func (c *ActorDetect) Execute(context cor.Context) {
	frame := FrameFrom(context)
	detections, err := c.resolver.Resolve(context.GetContext(), frame, MaterializedFrom(context).Image)
	if err != nil {
		c.Fail(context, err)
		return
	}

	counts := make(map[model.TrackStatus]int)
	for _, d := range detections {
		counts[d.TrackStatus]++
	}
	c.advance(context, frame, model.StatusActorsDetected, "actors", map[string]any{
		"faces":      len(detections),
		"identified": counts[model.TrackIdentified],
		"tracked":    counts[model.TrackTracked],
		"new_tracks": counts[model.TrackNew],
		"untracked":  counts[model.TrackUntracked],
	})
}
