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

// FrameStatusSetter moves the frame to a fixed status, for example `new` at
// the start of ingest or `analyzed` at the end of the film-known branch.
type FrameStatusSetter struct {
	FrameStage
	status model.FrameStatus
}

// NewFrameStatusSetter is the constructor for FrameStatusSetter.
func NewFrameStatusSetter(name string, store *services.FrameStore, status model.FrameStatus) *FrameStatusSetter {
	return &FrameStatusSetter{FrameStage: newFrameStage(name, store, false), status: status}
}

func (c *FrameStatusSetter) Execute(context cor.Context) {
	frame := FrameFrom(context)
	c.advance(context, frame, c.status, string(c.status), nil)
}
