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
	"fmt"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

// FrameLoader reads the frame id from the input parameter and loads the frame
// into FrameParam. A missing frame is recorded as model.ErrNotFound.
type FrameLoader struct {
	cor.BaseCommand
	store *services.FrameStore
}

// NewFrameLoader is the constructor for FrameLoader.
//
// Inputs:
//   - name: A string name for this command instance.
//   - store: The relational frame store.
//
// Outputs:
//   - *FrameLoader: The command.
func NewFrameLoader(name string, store *services.FrameStore) *FrameLoader {
	return &FrameLoader{BaseCommand: *cor.NewBaseCommand(name), store: store}
}

func (c *FrameLoader) Execute(context cor.Context) {
	var id uint
	switch in := context.Get(c.GetInputParam()).(type) {
	case uint:
		id = in
	case *model.Frame:
		id = in.ID
	default:
		c.Fail(context, fmt.Errorf("%w: unsupported frame reference %T", model.ErrInvalidConfiguration, in))
		return
	}

	frame, err := c.store.GetFrame(context.GetContext(), id)
	if err != nil {
		c.Fail(context, err)
		return
	}
	context.Add(FrameParam, frame)
	c.Succeed(context, frame)
}
