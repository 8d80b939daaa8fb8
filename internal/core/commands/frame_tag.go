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

// FrameTag links the frame to tags derived from its name and film and moves
// it to `tagged`.
type FrameTag struct {
	FrameStage
	tagger *services.FrameTagger
}

// NewFrameTag is the constructor for FrameTag.
func NewFrameTag(name string, store *services.FrameStore, tagger *services.FrameTagger) *FrameTag {
	return &FrameTag{FrameStage: newFrameStage(name, store, false), tagger: tagger}
}

func (c *FrameTag) Execute(context cor.Context) {
	frame := FrameFrom(context)
	tags, err := c.tagger.Tag(context.GetContext(), frame)
	if err != nil {
		c.Fail(context, err)
		return
	}
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Name)
	}
	c.advance(context, frame, model.StatusTagged, "tag", map[string]any{"tags": names})
}
