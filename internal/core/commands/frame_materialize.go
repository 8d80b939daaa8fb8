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
	"log/slog"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// FrameMaterialize resolves the frame's image into MaterializedParam. A
// temporary copy is registered on the context so Close removes it on every
// exit path.
type FrameMaterialize struct {
	FrameStage
	materializer *services.FrameMaterializer
}

// NewFrameMaterialize is the constructor for FrameMaterialize.
//
// Inputs:
//   - name: A string name for this command instance.
//   - store: The relational frame store.
//   - materializer: Resolves local, object storage and pre-signed sources.
//
// Outputs:
//   - *FrameMaterialize: The command.
func NewFrameMaterialize(name string, store *services.FrameStore, materializer *services.FrameMaterializer) *FrameMaterialize {
	return &FrameMaterialize{FrameStage: newFrameStage(name, store, false), materializer: materializer}
}

func (c *FrameMaterialize) Execute(context cor.Context) {
	frame := FrameFrom(context)
	materialized, err := c.materializer.Materialize(context.GetContext(), frame)
	if err != nil {
		c.Fail(context, err)
		return
	}
	if materialized.Temporary {
		context.AddTempFile(materialized.Path)
	}
	slog.DebugContext(context.GetContext(), "frame materialized",
		"frame_id", frame.ID, "source", materialized.Source, "temporary", materialized.Temporary)
	context.Add(MaterializedParam, materialized)
	c.Succeed(context, nil)
}
