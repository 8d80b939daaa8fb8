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

// Package services contains the business logic for interacting with data sources.
// This file, `face_resolver.go`, finds the faces in a frame and decides who
// each one is.
//
// Logic Flow:
//  1. Detect faces and drop those below the minimum detection confidence.
//  2. Embed every face that the detector did not already embed.
//  3. Compare each face with the reference embeddings of the film's cast.
//     References are computed lazily from profile images and cached on the
//     cast member.
//  4. A face no cast member matches joins the closest unknown-N cluster of
//     the film, or starts a new one.
//  5. Replace the frame's detections in one transaction.
package services

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/vision"
)

const (
	// UnknownLabelPrefix prefixes the labels of unidentified face clusters.
	UnknownLabelPrefix = "unknown-"

	// FaceEmbeddingModel is recorded on cast members whose reference was computed here.
	FaceEmbeddingModel = "face-embedder"

	// noSimilarityWeight stands in for the similarity of a face without identity or track.
	noSimilarityWeight = 0.5
)

// CastReference is the reference face embedding of a cast member.
type CastReference struct {
	CastMemberID uint
	Name         string
	Vector       []float32
}

// Cluster is the centroid of the prior unknown faces sharing a label.
type Cluster struct {
	Label    string
	Centroid []float32
}

// Identity is how one face was resolved.
type Identity struct {
	CastMemberID *uint
	ClusterLabel *string
	Status       model.TrackStatus
	Similarity   *float64
}

// IdentityResolver assigns identities to the faces of one frame. It holds the
// unknown-N counter so several faces of a frame get distinct new labels.
type IdentityResolver struct {
	References           []CastReference
	Clusters             []Cluster
	RecognitionThreshold float64
	ClusterThreshold     float64
	nextUnknown          int
}

// NewIdentityResolver creates a resolver. Labels minted by it continue after
// the highest unknown-N among the clusters and the extra labels given.
func NewIdentityResolver(refs []CastReference, clusters []Cluster, recognition, cluster float64, knownLabels ...string) *IdentityResolver {
	maxN := 0
	for _, c := range clusters {
		maxN = max(maxN, unknownNumber(c.Label))
	}
	for _, l := range knownLabels {
		maxN = max(maxN, unknownNumber(l))
	}
	return &IdentityResolver{
		References:           refs,
		Clusters:             clusters,
		RecognitionThreshold: recognition,
		ClusterThreshold:     cluster,
		nextUnknown:          maxN + 1,
	}
}

func unknownNumber(label string) int {
	if !strings.HasPrefix(label, UnknownLabelPrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(label, UnknownLabelPrefix))
	if err != nil {
		return 0
	}
	return n
}

// Resolve decides the identity of one face embedding. Clusters are not
// updated, so faces resolved in the same run never see each other.
func (r *IdentityResolver) Resolve(vector []float32) Identity {
	if len(vector) == 0 {
		return Identity{Status: model.TrackUntracked}
	}

	bestSim, bestIdx := -2.0, -1
	for i, ref := range r.References {
		if sim, ok := vision.Cosine(vector, ref.Vector); ok && sim > bestSim {
			bestSim, bestIdx = sim, i
		}
	}
	if bestIdx >= 0 && bestSim >= r.RecognitionThreshold {
		id := r.References[bestIdx].CastMemberID
		sim := bestSim
		return Identity{CastMemberID: &id, Status: model.TrackIdentified, Similarity: &sim}
	}

	bestSim, bestIdx = -2.0, -1
	for i, c := range r.Clusters {
		if sim, ok := vision.Cosine(vector, c.Centroid); ok && sim > bestSim {
			bestSim, bestIdx = sim, i
		}
	}
	if bestIdx >= 0 && bestSim >= r.ClusterThreshold {
		label := r.Clusters[bestIdx].Label
		sim := bestSim
		return Identity{ClusterLabel: &label, Status: model.TrackTracked, Similarity: &sim}
	}

	label := fmt.Sprintf("%s%d", UnknownLabelPrefix, r.nextUnknown)
	r.nextUnknown++
	return Identity{ClusterLabel: &label, Status: model.TrackNew}
}

// CombinedConfidence weights the detection confidence by the identity
// similarity, or by 0.5 when there is none.
func CombinedConfidence(detection float64, similarity *float64) float64 {
	weight := noSimilarityWeight
	if similarity != nil {
		weight = *similarity
	}
	return vision.Round(vision.Clamp01(detection*weight), 3)
}

// BuildClusters groups unknown face samples by label into normalized centroids.
// Samples without a vector are ignored; the result is sorted by label.
func BuildClusters(samples []ClusterSample) []Cluster {
	byLabel := make(map[string][][]float32)
	for _, s := range samples {
		if len(s.Vector) > 0 {
			byLabel[s.Label] = append(byLabel[s.Label], s.Vector)
		}
	}
	out := make([]Cluster, 0, len(byLabel))
	for label, vectors := range byLabel {
		if centroid := vision.Centroid(vectors); len(centroid) > 0 {
			out = append(out, Cluster{Label: label, Centroid: centroid})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// FaceResolver detects and identifies the faces of frames.
type FaceResolver struct {
	store          *FrameStore
	detector       vision.FaceDetector
	embedder       vision.FaceEmbedder
	client         *http.Client
	profileBaseURL string
	minConfidence  float64
	recognition    float64
	cluster        float64
}

// NewFaceResolver creates a resolver.
//
// Inputs:
//   - store: The frame store.
//   - detector: The face detector; nil means no faces are ever found.
//   - embedder: Embeds faces the detector did not embed.
//   - config: The vision configuration (thresholds, profile image base URL).
//   - client: The HTTP client used to fetch cast profile images.
//
// Outputs:
//   - *FaceResolver: The resolver.
func NewFaceResolver(store *FrameStore, detector vision.FaceDetector, embedder vision.FaceEmbedder, config cloud.Vision, client *http.Client) *FaceResolver {
	return &FaceResolver{
		store:          store,
		detector:       detector,
		embedder:       embedder,
		client:         client,
		profileBaseURL: strings.TrimRight(config.ProfileImageBaseURL, "/"),
		minConfidence:  config.FaceMinConfidence,
		recognition:    config.RecognitionThreshold,
		cluster:        config.ClusterThreshold,
	}
}

// Resolve detects the faces of a frame, identifies them and replaces the
// frame's stored detections.
//
// Inputs:
//   - ctx: The context for the request.
//   - frame: The frame being analyzed.
//   - img: The decoded frame image.
//
// Outputs:
//   - []model.ActorDetection: The stored detections, in face order.
//   - error: Wraps model.ErrTransientBackend when detection failed.
func (r *FaceResolver) Resolve(ctx context.Context, frame *model.Frame, img image.Image) ([]model.ActorDetection, error) {
	faces, err := r.detect(ctx, img)
	if err != nil {
		return nil, err
	}

	var refs []CastReference
	var clusters []Cluster
	var labels []string
	if frame.HasFilm() && len(faces) > 0 {
		refs, err = r.castReferences(ctx, *frame.FilmID)
		if err != nil {
			return nil, err
		}
		samples, err := r.store.UnknownFaces(ctx, *frame.FilmID, frame.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load unknown faces: %w", err)
		}
		clusters = BuildClusters(samples)
		for _, s := range samples {
			labels = append(labels, s.Label)
		}
	}
	resolver := NewIdentityResolver(refs, clusters, r.recognition, r.cluster, labels...)

	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	detections := make([]model.ActorDetection, 0, len(faces))
	for i, face := range faces {
		vector := face.Embedding
		if len(vector) == 0 && r.embedder != nil {
			vector, err = r.embedder.Embed(ctx, vision.Crop(img, face.BBox))
			if err != nil {
				slog.WarnContext(ctx, "face embedding failed", "frame_id", frame.ID, "face", i, "error", err)
				vector = nil
			}
		}
		vector = vision.Normalize(vector)

		identity := Identity{Status: model.TrackUntracked}
		if frame.HasFilm() {
			identity = resolver.Resolve(vector)
		}

		det := model.ActorDetection{
			FrameID:      frame.ID,
			CastMemberID: identity.CastMemberID,
			FaceIndex:    i,
			Confidence:   CombinedConfidence(face.Confidence, identity.Similarity),
			BBox:         model.EncodeJSON(face.BBox),
			Embedding:    model.EncodeVector(vector),
			ClusterLabel: identity.ClusterLabel,
			TrackStatus:  identity.Status,
			Emotion:      face.Emotion,
			PoseYaw:      face.PoseYaw,
			PosePitch:    face.PosePitch,
			PoseRoll:     face.PoseRoll,
		}
		if identity.CastMemberID != nil {
			det.ClusterLabel = nil
		}
		if det.PoseYaw == nil && det.PosePitch == nil && det.PoseRoll == nil {
			yaw, pitch, roll := vision.EstimatePose(face.BBox, width, height)
			det.PoseYaw, det.PosePitch, det.PoseRoll = &yaw, &pitch, &roll
		}
		if det.Emotion == "" {
			det.Emotion = vision.EstimateEmotion(face.BBox, height)
		}
		detections = append(detections, det)
	}

	if err := r.store.ReplaceActorDetections(ctx, frame.ID, detections); err != nil {
		return nil, fmt.Errorf("failed to store actor detections: %w", err)
	}
	slog.InfoContext(ctx, "faces resolved", "frame_id", frame.ID, "faces", len(detections))
	return detections, nil
}

func (r *FaceResolver) detect(ctx context.Context, img image.Image) ([]model.FaceDetection, error) {
	if r.detector == nil {
		return nil, nil
	}
	faces, err := r.detector.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	kept := faces[:0]
	for _, f := range faces {
		if f.Confidence >= r.minConfidence {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

// castReferences returns the reference embeddings of a film's cast, computing
// and caching those that are missing. Cast members whose reference cannot be
// computed are skipped.
func (r *FaceResolver) castReferences(ctx context.Context, filmID uint) ([]CastReference, error) {
	cast, err := r.store.CastForFilm(ctx, filmID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cast: %w", err)
	}
	refs := make([]CastReference, 0, len(cast))
	for _, member := range cast {
		vector, err := model.DecodeVector(member.FaceEmbedding)
		if err != nil || len(vector) == 0 {
			vector, err = r.computeReference(ctx, member)
			if err != nil {
				slog.DebugContext(ctx, "no reference face for cast member", "cast_member_id", member.ID, "error", err)
				continue
			}
			if err := r.store.SaveCastFaceEmbedding(ctx, member.ID, vector, FaceEmbeddingModel); err != nil {
				slog.WarnContext(ctx, "failed to cache reference face", "cast_member_id", member.ID, "error", err)
			}
		}
		refs = append(refs, CastReference{CastMemberID: member.ID, Name: member.Name, Vector: vector})
	}
	return refs, nil
}

// computeReference embeds the largest face of a cast member's profile image,
// or the whole image when no face is detected.
func (r *FaceResolver) computeReference(ctx context.Context, member model.CastMember) ([]float32, error) {
	if member.ProfilePath == "" || r.profileBaseURL == "" || r.embedder == nil {
		return nil, fmt.Errorf("%w: no profile image", model.ErrNotFound)
	}
	url := member.ProfilePath
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = r.profileBaseURL + "/" + strings.TrimLeft(url, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransientBackend, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: profile image returned %s", model.ErrTransientBackend, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, err
	}
	img, _, err := vision.DecodeImage(data)
	if err != nil {
		return nil, err
	}

	face := image.Image(img)
	if faces, err := r.detect(ctx, img); err == nil && len(faces) > 0 {
		largest := faces[0]
		for _, f := range faces[1:] {
			if f.Width()*f.Height() > largest.Width()*largest.Height() {
				largest = f
			}
		}
		if len(largest.Embedding) > 0 {
			return vision.Normalize(largest.Embedding), nil
		}
		face = vision.Crop(img, largest.BBox)
	}
	vector, err := r.embedder.Embed(ctx, face)
	if err != nil {
		return nil, err
	}
	return vision.Normalize(vector), nil
}
