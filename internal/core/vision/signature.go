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

// Package vision holds the image side of frame analysis.
// This file defines the deterministic content signature used whenever a
// model backend cannot be reached. The same image always yields the same
// vector, so degraded embeddings remain comparable with each other.
package vision

import (
	"image"
	"image/color"
)

const (
	// SignatureModelID is recorded as the model of every degraded embedding.
	SignatureModelID = "pixel-signature"
	// SignatureModelVersion changes whenever the signature layout changes.
	SignatureModelVersion = "1"
	// SignatureGrid is the side of the downsampled pixel grid.
	SignatureGrid = 8
	// SignatureDimension is 3 means + 3 standard deviations + an 8x8 RGB grid.
	SignatureDimension = 6 + SignatureGrid*SignatureGrid*3
)

// SignatureEncoder computes the pixel signature of an image.
type SignatureEncoder struct {
	grid int
}

// NewSignatureEncoder creates an encoder with the default grid size.
func NewSignatureEncoder() *SignatureEncoder {
	return &SignatureEncoder{grid: SignatureGrid}
}

// Embed returns the L2-normalized signature of img. Grid values are centered
// around zero so that uniformly bright and uniformly dark frames point in
// different directions.
func (s *SignatureEncoder) Embed(img image.Image) []float32 {
	stats := ComputeStats(img)
	out := make([]float32, 0, 6+s.grid*s.grid*3)
	out = append(out,
		float32(stats.MeanR), float32(stats.MeanG), float32(stats.MeanB),
		float32(stats.StdR), float32(stats.StdG), float32(stats.StdB),
	)

	small := Resize(img, s.grid, s.grid)
	for y := 0; y < s.grid; y++ {
		for x := 0; x < s.grid; x++ {
			c := small.At(x, y).(color.RGBA)
			out = append(out,
				float32(c.R)/255-0.5,
				float32(c.G)/255-0.5,
				float32(c.B)/255-0.5,
			)
		}
	}
	return Normalize(out)
}
