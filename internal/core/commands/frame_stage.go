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
// Responsibility (COR) pattern's Command interface for the frame analysis
// pipeline. This file defines the context keys the frame commands share and
// the FrameStage base every per-frame stage embeds.
//
// Logic Flow:
// A frame chain starts with FrameLoader, which puts the *model.Frame under
// FrameParam. FrameMaterialize then resolves the image bytes into
// MaterializedParam. Every later stage reads those two keys, writes its rows
// through the FrameStore, advances the frame status and leaves a
// *model.StageResult under StageResultParam for the caller.
package commands

import (
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/services"
)

const (
	// FrameParam holds the *model.Frame being processed.
	FrameParam = "__frame__"
	// MaterializedParam holds the *services.MaterializedFrame of the frame.
	MaterializedParam = "__materialized_frame__"
	// StageResultParam holds the *model.StageResult of the last completed stage.
	StageResultParam = "__stage_result__"
	// TaskIDParam optionally holds the id of the task driving the chain.
	TaskIDParam = "__task_id__"
)

// FilmKnown selects the branch for frames whose film is already assigned.
func FilmKnown(frame *model.Frame) bool { return frame.HasFilm() }

// FilmUnknown selects the matching branch.
func FilmUnknown(frame *model.Frame) bool { return !frame.HasFilm() }

// FrameStage is the shared base of the per-frame stage commands.
type FrameStage struct {
	cor.BaseCommand
	Store *services.FrameStore
	// Condition restricts the stage to one branch of the state machine. A nil
	// condition runs the stage for every frame.
	Condition func(frame *model.Frame) bool
	// NeedsImage makes the stage wait for a materialized frame.
	NeedsImage bool
}

func newFrameStage(name string, store *services.FrameStore, needsImage bool) FrameStage {
	return FrameStage{BaseCommand: *cor.NewBaseCommand(name), Store: store, NeedsImage: needsImage}
}

// IsExecutable requires a loaded frame, a materialized image when the stage
// needs one, and a satisfied branch condition.
func (s *FrameStage) IsExecutable(context cor.Context) bool {
	if context == nil || context.GetContext() == nil {
		return false
	}
	frame := FrameFrom(context)
	if frame == nil {
		return false
	}
	if s.NeedsImage && MaterializedFrom(context) == nil {
		return false
	}
	return s.Condition == nil || s.Condition(frame)
}

// advance moves the frame to status, records the stage result and counts a success.
func (s *FrameStage) advance(context cor.Context, frame *model.Frame, status model.FrameStatus, stage string, fields map[string]any) bool {
	if err := s.Store.SetStatus(context.GetContext(), frame.ID, status); err != nil {
		s.Fail(context, err)
		return false
	}
	frame.Status = status
	frame.FailureReason = nil
	s.record(context, frame, stage, fields)
	return true
}

func (s *FrameStage) record(context cor.Context, frame *model.Frame, stage string, fields map[string]any) {
	context.Add(StageResultParam, &model.StageResult{
		Stage:   stage,
		FrameID: frame.ID,
		Status:  frame.Status,
		Fields:  fields,
	})
	s.Succeed(context, nil)
}

// FrameFrom returns the frame held by the context, or nil.
func FrameFrom(context cor.Context) *model.Frame {
	frame, _ := context.Get(FrameParam).(*model.Frame)
	return frame
}

// MaterializedFrom returns the materialized frame held by the context, or nil.
func MaterializedFrom(context cor.Context) *services.MaterializedFrame {
	m, _ := context.Get(MaterializedParam).(*services.MaterializedFrame)
	return m
}

// StageResultFrom returns the last stage result held by the context, or nil.
func StageResultFrom(context cor.Context) *model.StageResult {
	r, _ := context.Get(StageResultParam).(*model.StageResult)
	return r
}
