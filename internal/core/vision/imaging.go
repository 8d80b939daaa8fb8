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
// This file decodes frame bytes into images and provides the resize, crop and
// statistics helpers used by the fallback encoders and the heuristics.
package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	"github.com/h2non/filetype"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// DecodeImage sniffs and decodes frame bytes.
//
// Inputs:
//   - data: The encoded image.
//
// Outputs:
//   - image.Image: The decoded image.
//   - string: The sniffed MIME type.
//   - error: Wraps model.ErrContentUnavailable when the bytes are not a decodable image.
func DecodeImage(data []byte) (image.Image, string, error) {
	kind, err := filetype.Match(data)
	if err != nil || !filetype.IsImage(data) {
		return nil, "", fmt.Errorf("%w: content is not an image", model.ErrContentUnavailable)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode %s: %v", model.ErrContentUnavailable, kind.MIME.Value, err)
	}
	return img, kind.MIME.Value, nil
}

// Resize scales img to w x h.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Crop copies the part of img inside the [x1, y1, x2, y2] box. The box is
// clipped to the image bounds; an empty intersection returns the whole image.
func Crop(img image.Image, box [4]float64) *image.RGBA {
	b := img.Bounds()
	rect := image.Rect(
		b.Min.X+int(math.Floor(box[0])), b.Min.Y+int(math.Floor(box[1])),
		b.Min.X+int(math.Ceil(box[2])), b.Min.Y+int(math.Ceil(box[3])),
	).Intersect(b)
	if rect.Empty() {
		rect = b
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ImageStats are global pixel statistics in [0, 1].
type ImageStats struct {
	Width      int
	Height     int
	MeanR      float64
	MeanG      float64
	MeanB      float64
	StdR       float64
	StdG       float64
	StdB       float64
	Brightness float64 // Mean over all channels.
	Saturation float64 // Standard deviation over all channel values.
}

// AspectRatio returns width / height.
func (s ImageStats) AspectRatio() float64 {
	return float64(s.Width) / math.Max(1, float64(s.Height))
}

// ComputeStats walks every pixel of img once.
func ComputeStats(img image.Image) ImageStats {
	b := img.Bounds()
	stats := ImageStats{Width: b.Dx(), Height: b.Dy()}
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return stats
	}
	var sum, sumSq [3]float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			for i, v := range [3]float64{float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255} {
				sum[i] += v
				sumSq[i] += v * v
			}
		}
	}
	var mean, std [3]float64
	var total, totalSq float64
	for i := range sum {
		mean[i] = sum[i] / n
		std[i] = math.Sqrt(math.Max(0, sumSq[i]/n-mean[i]*mean[i]))
		total += sum[i]
		totalSq += sumSq[i]
	}
	all := total / (3 * n)
	stats.MeanR, stats.MeanG, stats.MeanB = mean[0], mean[1], mean[2]
	stats.StdR, stats.StdG, stats.StdB = std[0], std[1], std[2]
	stats.Brightness = all
	stats.Saturation = math.Sqrt(math.Max(0, totalSq/(3*n)-all*all))
	return stats
}
