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
// This file defines face detection and face embedding.
//
// Detectors:
//   - RemoteFaceDetector: an HTTP face analytics service returning boxes,
//     confidences, embeddings, emotion and pose.
//   - CloudVisionFaceDetector: the Cloud Vision FACE_DETECTION feature.
//   - FallbackFaceDetector: tries the above in order.
//
// Embedders:
//   - FallbackFaceEmbedder: the remote embed endpoint when configured, else a
//     pixel signature of the 160x160 face crop.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strings"

	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/googleapis/gax-go/v2"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// FaceCropSize is the side of the square face crop that is embedded.
const FaceCropSize = 160

// FaceDetector finds faces in an image.
type FaceDetector interface {
	Name() string
	Detect(ctx context.Context, img image.Image) ([]model.FaceDetection, error)
}

// FaceEmbedder embeds a cropped face.
type FaceEmbedder interface {
	Embed(ctx context.Context, face image.Image) ([]float32, error)
}

// postImage uploads img as a multipart PNG and decodes the JSON answer.
func postImage(ctx context.Context, client *http.Client, endpoint string, img image.Image, out any) error {
	data, err := EncodePNG(img)
	if err != nil {
		return err
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "frame.png")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", model.ErrTransientBackend, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: POST %s returned %d: %s", model.ErrTransientBackend, endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", model.ErrTransientBackend, endpoint, err)
	}
	return nil
}

// RemoteFaceDetector calls the face analytics service.
type RemoteFaceDetector struct {
	endpoint string
	client   *http.Client
}

// NewRemoteFaceDetector creates a detector posting frames to endpoint.
func NewRemoteFaceDetector(endpoint string, client *http.Client) *RemoteFaceDetector {
	return &RemoteFaceDetector{endpoint: endpoint, client: client}
}

// Name implements FaceDetector.
func (d *RemoteFaceDetector) Name() string { return "remote" }

// Detect implements FaceDetector. Malformed faces in the answer are skipped.
func (d *RemoteFaceDetector) Detect(ctx context.Context, img image.Image) ([]model.FaceDetection, error) {
	var payload struct {
		Faces []struct {
			BBox       []float64 `json:"bbox"`
			Confidence float64   `json:"confidence"`
			Embedding  []float32 `json:"embedding"`
			Emotion    string    `json:"emotion"`
			PoseYaw    *float64  `json:"pose_yaw"`
			PosePitch  *float64  `json:"pose_pitch"`
			PoseRoll   *float64  `json:"pose_roll"`
		} `json:"faces"`
	}
	if err := postImage(ctx, d.client, d.endpoint, img, &payload); err != nil {
		return nil, err
	}
	out := make([]model.FaceDetection, 0, len(payload.Faces))
	for _, f := range payload.Faces {
		if len(f.BBox) != 4 {
			continue
		}
		out = append(out, model.FaceDetection{
			BBox:       [4]float64{f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3]},
			Confidence: f.Confidence,
			Embedding:  f.Embedding,
			Emotion:    f.Emotion,
			PoseYaw:    f.PoseYaw,
			PosePitch:  f.PosePitch,
			PoseRoll:   f.PoseRoll,
		})
	}
	return out, nil
}

// ImageAnnotator is the part of the Cloud Vision client the detector needs.
type ImageAnnotator interface {
	BatchAnnotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest, opts ...gax.CallOption) (*visionpb.BatchAnnotateImagesResponse, error)
}

// CloudVisionFaceDetector uses the Cloud Vision FACE_DETECTION feature.
type CloudVisionFaceDetector struct {
	annotator  ImageAnnotator
	maxResults int32
}

// NewCloudVisionFaceDetector creates a detector; annotator is normally *vision.ImageAnnotatorClient.
func NewCloudVisionFaceDetector(annotator ImageAnnotator, maxResults int32) *CloudVisionFaceDetector {
	if maxResults <= 0 {
		maxResults = 20
	}
	return &CloudVisionFaceDetector{annotator: annotator, maxResults: maxResults}
}

// Name implements FaceDetector.
func (d *CloudVisionFaceDetector) Name() string { return "cloud_vision" }

// Detect implements FaceDetector. Cloud Vision returns no embeddings.
func (d *CloudVisionFaceDetector) Detect(ctx context.Context, img image.Image) ([]model.FaceDetection, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return nil, err
	}
	resp, err := d.annotator.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: data},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_FACE_DETECTION, MaxResults: d.maxResults}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: vision BatchAnnotateImages: %v", model.ErrTransientBackend, err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return nil, nil
	}
	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return nil, fmt.Errorf("%w: vision annotate error: %s", model.ErrTransientBackend, r0.Error.Message)
	}

	out := make([]model.FaceDetection, 0, len(r0.FaceAnnotations))
	for _, fa := range r0.FaceAnnotations {
		poly := fa.FdBoundingPoly
		if poly == nil || len(poly.Vertices) == 0 {
			poly = fa.BoundingPoly
		}
		box, ok := polyBox(poly)
		if !ok {
			continue
		}
		yaw, pitch, roll := float64(fa.PanAngle), float64(fa.TiltAngle), float64(fa.RollAngle)
		out = append(out, model.FaceDetection{
			BBox:       box,
			Confidence: float64(fa.DetectionConfidence),
			Emotion:    likelihoodEmotion(fa),
			PoseYaw:    &yaw,
			PosePitch:  &pitch,
			PoseRoll:   &roll,
		})
	}
	return out, nil
}

func polyBox(poly *visionpb.BoundingPoly) ([4]float64, bool) {
	if poly == nil || len(poly.Vertices) == 0 {
		return [4]float64{}, false
	}
	x1, y1 := math.Inf(1), math.Inf(1)
	x2, y2 := math.Inf(-1), math.Inf(-1)
	for _, v := range poly.Vertices {
		x, y := float64(v.X), float64(v.Y)
		x1, y1 = math.Min(x1, x), math.Min(y1, y)
		x2, y2 = math.Max(x2, x), math.Max(y2, y)
	}
	if x2 <= x1 || y2 <= y1 {
		return [4]float64{}, false
	}
	return [4]float64{x1, y1, x2, y2}, true
}

// likelihoodEmotion picks the strongest emotion reported at least LIKELY.
func likelihoodEmotion(fa *visionpb.FaceAnnotation) string {
	best, label := visionpb.Likelihood_POSSIBLE, ""
	for _, c := range []struct {
		l     visionpb.Likelihood
		label string
	}{
		{fa.JoyLikelihood, "joyful"},
		{fa.SorrowLikelihood, "melancholic"},
		{fa.AngerLikelihood, "angry"},
		{fa.SurpriseLikelihood, "surprised"},
	} {
		if c.l > best {
			best, label = c.l, c.label
		}
	}
	return label
}

// FallbackFaceDetector tries detectors in order. A detector that fails, or
// whose faces are all below minConfidence, hands over to the next one.
type FallbackFaceDetector struct {
	detectors     []FaceDetector
	minConfidence float64
}

// NewFallbackFaceDetector creates the detector chain.
func NewFallbackFaceDetector(minConfidence float64, detectors ...FaceDetector) *FallbackFaceDetector {
	return &FallbackFaceDetector{detectors: detectors, minConfidence: minConfidence}
}

// Name implements FaceDetector.
func (d *FallbackFaceDetector) Name() string { return "fallback" }

// Detect implements FaceDetector.
//
// Outputs:
//   - []model.FaceDetection: The faces at or above minConfidence from the first detector that found any.
//   - error: Wraps model.ErrTransientBackend when every detector failed.
func (d *FallbackFaceDetector) Detect(ctx context.Context, img image.Image) ([]model.FaceDetection, error) {
	if len(d.detectors) == 0 {
		slog.DebugContext(ctx, "no face detector configured")
		return nil, nil
	}
	var errs error
	failures := 0
	for _, det := range d.detectors {
		faces, err := det.Detect(ctx, img)
		if err != nil {
			slog.WarnContext(ctx, "face detector failed, trying next", "detector", det.Name(), "error", err)
			errs = errors.Join(errs, fmt.Errorf("%s: %w", det.Name(), err))
			failures++
			continue
		}
		kept := make([]model.FaceDetection, 0, len(faces))
		for _, f := range faces {
			if f.Confidence >= d.minConfidence {
				kept = append(kept, f)
			}
		}
		if len(kept) > 0 {
			return kept, nil
		}
	}
	if failures == len(d.detectors) {
		return nil, fmt.Errorf("%w: all face detectors failed: %v", model.ErrTransientBackend, errs)
	}
	return nil, nil
}

// FallbackFaceEmbedder embeds faces remotely when possible, else with the pixel signature.
type FallbackFaceEmbedder struct {
	endpoint  string
	client    *http.Client
	signature *SignatureEncoder
}

// NewFaceEmbedder creates an embedder; an empty endpoint uses the signature only.
func NewFaceEmbedder(endpoint string, client *http.Client) *FallbackFaceEmbedder {
	return &FallbackFaceEmbedder{endpoint: endpoint, client: client, signature: NewSignatureEncoder()}
}

// Embed implements FaceEmbedder. The result has unit norm.
func (e *FallbackFaceEmbedder) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	crop := Resize(face, FaceCropSize, FaceCropSize)
	if e.endpoint != "" {
		var out struct {
			Embedding []float32 `json:"embedding"`
		}
		err := postImage(ctx, e.client, e.endpoint, crop, &out)
		if err == nil && len(out.Embedding) > 0 {
			return Normalize(out.Embedding), nil
		}
		slog.WarnContext(ctx, "face embedding service failed, using pixel signature", "error", err)
	}
	return e.signature.Embed(crop), nil
}

// EstimatePose derives yaw, pitch and roll in degrees from where the box sits
// in the frame and how wide it is.
func EstimatePose(box [4]float64, width, height int) (yaw, pitch, roll float64) {
	w, h := math.Max(1, float64(width)), math.Max(1, float64(height))
	cx := (box[0] + box[2]) / 2
	cy := (box[1] + box[3]) / 2
	yaw = (cx/w - 0.5) * 45
	pitch = (cy/h - 0.5) * 30
	roll = (box[2]-box[0])/w*10 - 5
	return Round(yaw, 3), Round(pitch, 3), Round(roll, 3)
}

// EstimateEmotion maps the vertical share of the face to engaged, focused or neutral.
func EstimateEmotion(box [4]float64, height int) string {
	span := (box[3] - box[1]) / math.Max(1, float64(height))
	switch {
	case span > 0.35:
		return "engaged"
	case span > 0.25:
		return "focused"
	default:
		return "neutral"
	}
}
