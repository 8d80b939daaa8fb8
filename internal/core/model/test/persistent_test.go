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

// Package model_test contains unit tests for the data models defined in the
// model package. This file covers the vector column codec and the error
// classification used by the ingest retry policy.
package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/stretchr/testify/assert"
)

// TestVectorRoundTrip verifies that a vector survives the JSON column encoding
// and that an empty vector is stored as NULL.
func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.6, 0.8, 0}
	raw := model.EncodeVector(in)
	assert.NotNil(t, raw)

	out, err := model.DecodeVector(raw)
	assert.NoError(t, err)
	assert.Equal(t, in, out)

	assert.Nil(t, model.EncodeVector(nil))
	empty, err := model.DecodeVector(nil)
	assert.NoError(t, err)
	assert.Nil(t, empty)

	_, err = model.DecodeVector([]byte(`{"not":"a vector"}`))
	assert.Error(t, err)
}

// TestIsPermanent checks that only errors that can never succeed on retry are
// classified as permanent, including when they are wrapped.
func TestIsPermanent(t *testing.T) {
	assert.True(t, model.IsPermanent(fmt.Errorf("frame 7: %w", model.ErrNotFound)))
	assert.True(t, model.IsPermanent(fmt.Errorf("materialize: %w", model.ErrContentUnavailable)))
	assert.True(t, model.IsPermanent(model.ErrInvalidConfiguration))
	assert.False(t, model.IsPermanent(fmt.Errorf("embed: %w", model.ErrTransientBackend)))
	assert.False(t, model.IsPermanent(errors.New("connection reset")))
}

// TestFrameHasFilm checks the branch predicate used to route frames to the
// matcher or the annotation stages.
func TestFrameHasFilm(t *testing.T) {
	var nilFrame *model.Frame
	assert.False(t, nilFrame.HasFilm())

	f := &model.Frame{}
	assert.False(t, f.HasFilm())

	id := uint(3)
	f.FilmID = &id
	assert.True(t, f.HasFilm())
}
