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

package vision_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"testing"
	"time"

	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
	test "github.com/jaycherian/gcp-go-frame-analysis/internal/testutil"
)

const encoderURL = "http://encoder.test"

func mockClient(t *testing.T) *http.Client {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestSignatureIsDeterministicUnitVector(t *testing.T) {
	enc := vision.NewSignatureEncoder()
	img := test.GradientImage(64, 48, 7)

	a := enc.Embed(img)
	b := enc.Embed(img)
	assert.Len(t, a, vision.SignatureDimension)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, vision.Norm(a), 1e-5)

	dark := enc.Embed(test.SolidImage(32, 32, color.Black))
	assert.InDelta(t, 1.0, vision.Norm(dark), 1e-5)
	sim, ok := vision.Cosine(a, dark)
	assert.True(t, ok)
	assert.Less(t, sim, 0.999)
}

func TestCosineSkipsDimensionMismatch(t *testing.T) {
	_, ok := vision.Cosine([]float32{1, 0}, []float32{1, 0, 0})
	assert.False(t, ok)
	sim, ok := vision.Cosine([]float32{1, 0}, []float32{2, 0})
	assert.True(t, ok)
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestCentroidIsNormalized(t *testing.T) {
	c := vision.Centroid([][]float32{{1, 0}, {0, 1}, {1, 2, 3}})
	require.Len(t, c, 2)
	assert.InDelta(t, math.Sqrt2/2, c[0], 1e-6)
	assert.InDelta(t, math.Sqrt2/2, c[1], 1e-6)
	assert.Nil(t, vision.Centroid(nil))
}

func TestPipelineFallsBackToSignature(t *testing.T) {
	cache := vision.NewModelCache(time.Minute, nil)
	def := cloud.PipelineDefinition{Name: "std", Model: "ViT-B-32", Pretrained: "openai", InputResolution: 224}
	p := vision.NewEncoderPipeline(cloud.PipelineStandard, def, true, vision.NewRemoteEncoder(def, nil), cache)

	res, err := p.EmbedImage(context.Background(), test.GradientImage(40, 30, 1))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, vision.SignatureModelID, res.ModelID)
	assert.Equal(t, cloud.PipelineStandard, res.PipelineID)
	assert.InDelta(t, 1.0, vision.Norm(res.Vector), 1e-5)

	_, err = p.EmbedText(context.Background(), []string{"a film still"})
	assert.ErrorIs(t, err, model.ErrTransientBackend)

	status := p.Status()
	assert.False(t, status.Loaded)
	assert.True(t, status.Degraded)
	assert.NotEmpty(t, status.Error)
}

func TestPipelineUsesRemoteEncoder(t *testing.T) {
	client := mockClient(t)
	httpmock.RegisterResponder("GET", encoderURL+"/health",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"status": "ok", "device": "cuda", "version": "2.24.0"}))
	httpmock.RegisterResponder("POST", encoderURL+"/embed/image",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"embedding": []float32{3, 4}}))
	httpmock.RegisterResponder("POST", encoderURL+"/embed/text",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"embeddings": [][]float32{{0, 2}, {5, 0}}}))

	cache := vision.NewModelCache(time.Minute, nil)
	def := cloud.PipelineDefinition{Name: "std", Model: "ViT-B-32", Pretrained: "openai", InputResolution: 32, Endpoint: encoderURL}
	p := vision.NewEncoderPipeline(cloud.PipelineStandard, def, true, vision.NewRemoteEncoder(def, client), cache)

	res, err := p.EmbedImage(context.Background(), test.GradientImage(40, 30, 1))
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, "ViT-B-32", res.ModelID)
	assert.Equal(t, "2.24.0", res.ModelVersion)
	assert.InDelta(t, 0.6, res.Vector[0], 1e-6)
	assert.InDelta(t, 0.8, res.Vector[1], 1e-6)
	assert.InDelta(t, 1.0, vision.Norm(res.Vector), 1e-6)

	texts, err := p.EmbedText(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 0}}, texts)

	meta := p.Metadata()
	assert.True(t, meta.Loaded)
	assert.True(t, meta.Primary)
	assert.Equal(t, "cuda", meta.Device)
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["GET "+encoderURL+"/health"])
}

func TestPipelineFallsBackWhenCallFails(t *testing.T) {
	client := mockClient(t)
	httpmock.RegisterResponder("GET", encoderURL+"/health",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"status": "ok"}))
	httpmock.RegisterResponder("POST", encoderURL+"/embed/image", httpmock.NewStringResponder(503, "busy"))

	cache := vision.NewModelCache(time.Minute, nil)
	def := cloud.PipelineDefinition{Model: "ViT-L-14", Pretrained: "laion2b_s32b_b82k", InputResolution: 16, Endpoint: encoderURL}
	p := vision.NewEncoderPipeline(cloud.PipelineEnhanced, def, false, vision.NewRemoteEncoder(def, client), cache)

	res, err := p.EmbedImage(context.Background(), test.GradientImage(20, 20, 3))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Len(t, res.Vector, vision.SignatureDimension)
}

func TestPipelineSetValidation(t *testing.T) {
	config := cloud.NewConfig().Pipelines
	cache := vision.NewModelCache(time.Minute, nil)

	set, err := vision.NewPipelineSet(config, cache, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{cloud.PipelineStandard, cloud.PipelineEnhanced}, set.IDs())
	assert.Equal(t, cloud.PipelineStandard, set.Primary().Metadata().ID)
	assert.Len(t, set.All(), 2)

	_, err = set.Get("resnet50")
	assert.ErrorIs(t, err, model.ErrNotFound)

	config.Enabled = append(config.Enabled, "resnet50")
	_, err = vision.NewPipelineSet(config, cache, nil)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}

type recordingMirror struct {
	published []vision.ModelStatus
}

func (m *recordingMirror) Publish(_ context.Context, status vision.ModelStatus) error {
	m.published = append(m.published, status)
	return nil
}

func TestModelCacheCooldownAndWarmup(t *testing.T) {
	mirror := &recordingMirror{}
	cache := vision.NewModelCache(time.Hour, mirror)
	key := vision.ModelKey{Kind: vision.KindFace, Name: "detector", Variant: "remote"}

	calls := 0
	fail := true
	loader := func(context.Context) (any, vision.LoadInfo, error) {
		calls++
		if fail {
			return nil, vision.LoadInfo{}, errors.New("connection refused")
		}
		return "handle", vision.LoadInfo{Device: "cpu", Version: "1"}, nil
	}

	_, err := cache.Load(context.Background(), key, loader)
	assert.ErrorIs(t, err, model.ErrTransientBackend)
	_, err = cache.Load(context.Background(), key, loader)
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "cooldown must suppress the second load")

	fail = false
	require.NoError(t, cache.Warmup(context.Background()))
	assert.Equal(t, 2, calls)

	handle, err := cache.Load(context.Background(), key, nil)
	require.NoError(t, err)
	assert.Equal(t, "handle", handle)

	status := cache.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Loaded)
	assert.Equal(t, "face/detector/remote", status[0].ID)
	assert.NotNil(t, status[0].LastLoadedAt)
	assert.Len(t, mirror.published, 2)

	require.NoError(t, cache.Close())
	assert.Empty(t, cache.Status())
}

type stubDetector struct {
	name  string
	faces []model.FaceDetection
	err   error
}

func (d *stubDetector) Name() string { return d.name }

func (d *stubDetector) Detect(context.Context, image.Image) ([]model.FaceDetection, error) {
	return d.faces, d.err
}

func TestFallbackFaceDetector(t *testing.T) {
	img := test.SolidImage(100, 100, color.White)
	weak := &stubDetector{name: "weak", faces: []model.FaceDetection{{BBox: [4]float64{0, 0, 10, 10}, Confidence: 0.5}}}
	broken := &stubDetector{name: "broken", err: errors.New("timeout")}
	good := &stubDetector{name: "good", faces: []model.FaceDetection{
		{BBox: [4]float64{0, 0, 10, 10}, Confidence: 0.95},
		{BBox: [4]float64{20, 20, 30, 30}, Confidence: 0.4},
	}}

	faces, err := vision.NewFallbackFaceDetector(0.9, weak, broken, good).Detect(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, 0.95, faces[0].Confidence)

	_, err = vision.NewFallbackFaceDetector(0.9, broken, broken).Detect(context.Background(), img)
	assert.ErrorIs(t, err, model.ErrTransientBackend)

	faces, err = vision.NewFallbackFaceDetector(0.9, weak).Detect(context.Background(), img)
	require.NoError(t, err)
	assert.Empty(t, faces)
}

type fakeAnnotator struct {
	resp *visionpb.BatchAnnotateImagesResponse
}

func (f *fakeAnnotator) BatchAnnotateImages(_ context.Context, req *visionpb.BatchAnnotateImagesRequest, _ ...gax.CallOption) (*visionpb.BatchAnnotateImagesResponse, error) {
	if len(req.Requests) != 1 || req.Requests[0].Features[0].Type != visionpb.Feature_FACE_DETECTION {
		return nil, errors.New("unexpected request")
	}
	return f.resp, nil
}

func TestCloudVisionFaceDetector(t *testing.T) {
	annotator := &fakeAnnotator{resp: &visionpb.BatchAnnotateImagesResponse{
		Responses: []*visionpb.AnnotateImageResponse{{
			FaceAnnotations: []*visionpb.FaceAnnotation{{
				FdBoundingPoly: &visionpb.BoundingPoly{Vertices: []*visionpb.Vertex{
					{X: 10, Y: 20}, {X: 50, Y: 20}, {X: 50, Y: 70}, {X: 10, Y: 70},
				}},
				DetectionConfidence: 0.97,
				PanAngle:            12,
				TiltAngle:           -3,
				RollAngle:           1.5,
				JoyLikelihood:       visionpb.Likelihood_VERY_LIKELY,
				SorrowLikelihood:    visionpb.Likelihood_UNLIKELY,
			}},
		}},
	}}

	faces, err := vision.NewCloudVisionFaceDetector(annotator, 0).Detect(context.Background(), test.SolidImage(80, 80, color.Gray{Y: 128}))
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, [4]float64{10, 20, 50, 70}, faces[0].BBox)
	assert.InDelta(t, 0.97, faces[0].Confidence, 1e-6)
	assert.Equal(t, "joyful", faces[0].Emotion)
	assert.Equal(t, 12.0, *faces[0].PoseYaw)
	assert.Nil(t, faces[0].Embedding)
}

func TestRemoteFaceDetectorSkipsMalformedFaces(t *testing.T) {
	client := mockClient(t)
	httpmock.RegisterResponder("POST", "http://faces.test/analyze",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"faces": []map[string]any{
			{"bbox": []float64{1, 2, 30, 40}, "confidence": 0.99, "embedding": []float32{1, 0}, "emotion": "calm", "pose_yaw": 4.5},
			{"bbox": []float64{1, 2}, "confidence": 0.99},
		}}))

	faces, err := vision.NewRemoteFaceDetector("http://faces.test/analyze", client).Detect(context.Background(), test.SolidImage(50, 50, color.White))
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, "calm", faces[0].Emotion)
	assert.Equal(t, 4.5, *faces[0].PoseYaw)
	assert.Nil(t, faces[0].PoseRoll)
}

func TestFaceEmbedderSignatureFallback(t *testing.T) {
	emb, err := vision.NewFaceEmbedder("", nil).Embed(context.Background(), test.GradientImage(30, 40, 9))
	require.NoError(t, err)
	assert.Len(t, emb, vision.SignatureDimension)
	assert.InDelta(t, 1.0, vision.Norm(emb), 1e-5)
}

func TestPoseAndEmotionHeuristics(t *testing.T) {
	yaw, pitch, roll := vision.EstimatePose([4]float64{0, 0, 100, 100}, 200, 100)
	assert.InDelta(t, -11.25, yaw, 1e-9)
	assert.InDelta(t, 0, pitch, 1e-9)
	assert.InDelta(t, 0, roll, 1e-9)

	assert.Equal(t, "engaged", vision.EstimateEmotion([4]float64{0, 0, 10, 40}, 100))
	assert.Equal(t, "focused", vision.EstimateEmotion([4]float64{0, 0, 10, 30}, 100))
	assert.Equal(t, "neutral", vision.EstimateEmotion([4]float64{0, 0, 10, 20}, 100))
}

func TestDecodeImageRejectsNonImages(t *testing.T) {
	_, _, err := vision.DecodeImage([]byte("definitely not an image"))
	assert.ErrorIs(t, err, model.ErrContentUnavailable)

	img, mime, err := vision.DecodeImage(test.EncodePNG(t, test.GradientImage(8, 8, 0)))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, 8, img.Bounds().Dx())
}
