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
// This file, `frame_store.go`, defines the FrameStore, the data access layer for
// frames and everything the analysis stages attach to them. Each write a stage
// performs happens inside a single transaction so a failed stage leaves the
// frame exactly as it found it.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jaycherian/gcp-go-frame-analysis/internal/core/model"
)

// FrameStore encapsulates the relational store used by every pipeline stage.
type FrameStore struct {
	DB *gorm.DB
}

// NewFrameStore creates a store over an open database.
func NewFrameStore(db *gorm.DB) *FrameStore {
	return &FrameStore{DB: db}
}

// MatchCandidate is a previously embedded frame of a known film.
type MatchCandidate struct {
	FrameID   uint
	FilmID    uint
	Vector    []float32
	Timestamp string
}

// ClusterSample is a prior unknown face of a film.
type ClusterSample struct {
	FrameID uint
	Label   string
	Vector  []float32
}

// TagScore is a tag name proposed for a frame.
type TagScore struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

func notFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, model.ErrNotFound)
}

// CreateFrame inserts a new frame. The referenced film must exist and the
// storage URI must not have been ingested before.
//
// Inputs:
//   - ctx: The context for the request.
//   - frame: The frame to insert; its ID is populated on success.
//
// Outputs:
//   - error: model.ErrNotFound for an unknown film, model.ErrDuplicateFrame for a
//     storage URI that already exists.
func (s *FrameStore) CreateFrame(ctx context.Context, frame *model.Frame) error {
	db := s.DB.WithContext(ctx)
	if frame.FilmID != nil {
		var count int64
		if err := db.Model(&model.Film{}).Where("id = ?", *frame.FilmID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return notFound("film", *frame.FilmID)
		}
	}
	if frame.Status == "" {
		frame.Status = model.StatusPending
	}
	err := db.Create(frame).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		uri := ""
		if frame.StorageURI != nil {
			uri = *frame.StorageURI
		}
		return fmt.Errorf("storage uri %q: %w", uri, model.ErrDuplicateFrame)
	}
	return err
}

// GetFrame loads a frame by id.
func (s *FrameStore) GetFrame(ctx context.Context, id uint) (*model.Frame, error) {
	frame := &model.Frame{}
	err := s.DB.WithContext(ctx).First(frame, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("frame", id)
	}
	return frame, err
}

// GetFilm loads a film by id.
func (s *FrameStore) GetFilm(ctx context.Context, id uint) (*model.Film, error) {
	film := &model.Film{}
	err := s.DB.WithContext(ctx).First(film, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("film", id)
	}
	return film, err
}

// CreateFilm inserts a film.
func (s *FrameStore) CreateFilm(ctx context.Context, film *model.Film) error {
	return s.DB.WithContext(ctx).Create(film).Error
}

func (s *FrameStore) updateFrame(tx *gorm.DB, id uint, fields map[string]any) error {
	res := tx.Model(&model.Frame{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("frame", id)
	}
	return nil
}

// SetStatus moves a frame to a non-failed status and clears any failure reason.
func (s *FrameStore) SetStatus(ctx context.Context, id uint, status model.FrameStatus) error {
	return s.updateFrame(s.DB.WithContext(ctx), id, map[string]any{
		"status":         status,
		"failure_reason": nil,
	})
}

// MarkFailed moves a frame to failed with a readable reason.
func (s *FrameStore) MarkFailed(ctx context.Context, id uint, reason string) error {
	return s.updateFrame(s.DB.WithContext(ctx), id, map[string]any{
		"status":         model.StatusFailed,
		"failure_reason": reason,
	})
}

// MarkIngested records the task that ingested the frame and when it started.
func (s *FrameStore) MarkIngested(ctx context.Context, id uint, taskID string) error {
	now := time.Now().UTC()
	return s.updateFrame(s.DB.WithContext(ctx), id, map[string]any{
		"ingested_at":    &now,
		"ingest_task_id": taskID,
	})
}

// SaveEmbeddings upserts one FrameEmbedding row per pipeline result and mirrors
// the primary pipeline's vector onto the frame itself.
//
// Inputs:
//   - ctx: The context for the request.
//   - frameID: The frame the embeddings belong to.
//   - results: One result per enabled pipeline.
//   - primaryID: The pipeline whose vector is mirrored onto the frame.
//
// Outputs:
//   - error: An error if any write fails; nothing is committed in that case.
func (s *FrameStore) SaveEmbeddings(ctx context.Context, frameID uint, results []*model.EmbeddingResult, primaryID string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range results {
			row := &model.FrameEmbedding{
				FrameID:      frameID,
				PipelineID:   r.PipelineID,
				Embedding:    model.EncodeVector(r.Vector),
				Dimension:    r.Dimension(),
				ModelID:      r.ModelID,
				ModelVersion: r.ModelVersion,
				Degraded:     r.Degraded,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "frame_id"}, {Name: "pipeline_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"embedding", "dimension", "model_id", "model_version", "degraded", "updated_at"}),
			}).Create(row).Error
			if err != nil {
				return fmt.Errorf("failed to save %s embedding: %w", r.PipelineID, err)
			}
			if r.PipelineID == primaryID {
				if err := s.updateFrame(tx, frameID, map[string]any{
					"embedding":               model.EncodeVector(r.Vector),
					"embedding_model":         r.ModelID,
					"embedding_model_version": r.ModelVersion,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// PipelineEmbedding returns the vector a pipeline stored for a frame, or nil
// when the pipeline has not embedded it yet.
func (s *FrameStore) PipelineEmbedding(ctx context.Context, frameID uint, pipelineID string) ([]float32, error) {
	var row model.FrameEmbedding
	err := s.DB.WithContext(ctx).Where("frame_id = ? AND pipeline_id = ?", frameID, pipelineID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.DecodeVector(row.Embedding)
}

// MatchCandidates returns every frame with both a film and an embedding,
// excluding the target frame.
func (s *FrameStore) MatchCandidates(ctx context.Context, excludeID uint) ([]MatchCandidate, error) {
	var frames []model.Frame
	err := s.DB.WithContext(ctx).
		Select("id", "film_id", "embedding", "captured_at", "shot_timestamp").
		Where("film_id IS NOT NULL AND embedding IS NOT NULL AND id <> ?", excludeID).
		Order("id").
		Find(&frames).Error
	if err != nil {
		return nil, err
	}
	out := make([]MatchCandidate, 0, len(frames))
	for _, f := range frames {
		vec, err := model.DecodeVector(f.Embedding)
		if err != nil || len(vec) == 0 {
			continue
		}
		ts := f.ShotTimestamp
		if f.CapturedAt != nil {
			ts = f.CapturedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, MatchCandidate{FrameID: f.ID, FilmID: *f.FilmID, Vector: vec, Timestamp: ts})
	}
	return out, nil
}

// ApplyMatch stores the matcher's prediction and moves the frame to matched.
// A nil prediction clears any previous prediction and moves it to unmatched.
func (s *FrameStore) ApplyMatch(ctx context.Context, frameID uint, prediction *model.MatchPrediction) (model.FrameStatus, error) {
	fields := map[string]any{
		"predicted_film_id":   nil,
		"match_confidence":    nil,
		"predicted_timestamp": "",
		"predicted_shot_id":   "",
		"status":              model.StatusUnmatched,
		"failure_reason":      nil,
	}
	if prediction != nil {
		fields["predicted_film_id"] = prediction.FilmID
		fields["match_confidence"] = prediction.Confidence
		fields["predicted_timestamp"] = prediction.Timestamp
		fields["predicted_shot_id"] = prediction.ShotID
		fields["status"] = model.StatusMatched
	}
	if err := s.updateFrame(s.DB.WithContext(ctx), frameID, fields); err != nil {
		return "", err
	}
	return fields["status"].(model.FrameStatus), nil
}

// ReplaceSceneAttributes deletes every attribute of the frame and inserts the
// new set, together with the analysis log, in one transaction.
func (s *FrameStore) ReplaceSceneAttributes(ctx context.Context, frameID uint, scores []model.AttributeScore, analysisLog map[string]any) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("frame_id = ?", frameID).Delete(&model.SceneAttribute{}).Error; err != nil {
			return err
		}
		rows := make([]model.SceneAttribute, 0, len(scores))
		for _, sc := range scores {
			rows = append(rows, model.SceneAttribute{
				FrameID:    frameID,
				Attribute:  sc.Attribute,
				Value:      sc.Value,
				Confidence: sc.Confidence,
				DebugInfo:  model.EncodeJSON(sc.DebugInfo),
			})
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("failed to insert scene attributes: %w", err)
			}
		}
		return s.updateFrame(tx, frameID, map[string]any{"analysis_log": model.EncodeJSON(analysisLog)})
	})
}

// SceneAttributes lists the attributes of a frame ordered by attribute and confidence.
func (s *FrameStore) SceneAttributes(ctx context.Context, frameID uint) ([]model.SceneAttribute, error) {
	var rows []model.SceneAttribute
	err := s.DB.WithContext(ctx).Where("frame_id = ?", frameID).
		Order("attribute, confidence DESC, id").Find(&rows).Error
	return rows, err
}

// VerifyAttribute flags an attribute row as human-verified, making it a
// prototype example for later classifications.
func (s *FrameStore) VerifyAttribute(ctx context.Context, attributeID uint) error {
	res := s.DB.WithContext(ctx).Model(&model.SceneAttribute{}).Where("id = ?", attributeID).Update("is_verified", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("scene attribute", attributeID)
	}
	return nil
}

// VerifiedExamples returns, per attribute and value, the embeddings the given
// pipeline produced for frames whose attribute was verified.
func (s *FrameStore) VerifiedExamples(ctx context.Context, pipelineID string) (map[string]map[string][][]float32, error) {
	type row struct {
		Attribute string
		Value     string
		Embedding []byte
	}
	var rows []row
	err := s.DB.WithContext(ctx).
		Table("scene_attributes AS sa").
		Select("sa.attribute, sa.value, fe.embedding").
		Joins("JOIN frame_embeddings AS fe ON fe.frame_id = sa.frame_id AND fe.pipeline_id = ?", pipelineID).
		Where("sa.is_verified = ?", true).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string][][]float32)
	for _, r := range rows {
		vec, err := model.DecodeVector(r.Embedding)
		if err != nil || len(vec) == 0 {
			continue
		}
		if out[r.Attribute] == nil {
			out[r.Attribute] = make(map[string][][]float32)
		}
		out[r.Attribute][r.Value] = append(out[r.Attribute][r.Value], vec)
	}
	return out, nil
}

// ReplaceActorDetections deletes every detection of the frame and inserts the
// new set in one transaction.
func (s *FrameStore) ReplaceActorDetections(ctx context.Context, frameID uint, detections []model.ActorDetection) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("frame_id = ?", frameID).Delete(&model.ActorDetection{}).Error; err != nil {
			return err
		}
		for i := range detections {
			detections[i].ID = 0
			detections[i].FrameID = frameID
		}
		if len(detections) == 0 {
			return nil
		}
		return tx.Create(&detections).Error
	})
}

// ActorDetections lists the detections of a frame in face order.
func (s *FrameStore) ActorDetections(ctx context.Context, frameID uint) ([]model.ActorDetection, error) {
	var rows []model.ActorDetection
	err := s.DB.WithContext(ctx).Where("frame_id = ?", frameID).Order("face_index").Find(&rows).Error
	return rows, err
}

// UnknownFaces returns the clustered unknown detections of a film, excluding
// one frame. Samples without a stored embedding carry a nil Vector but still
// count towards the highest unknown-N label.
func (s *FrameStore) UnknownFaces(ctx context.Context, filmID uint, excludeFrameID uint) ([]ClusterSample, error) {
	var rows []model.ActorDetection
	err := s.DB.WithContext(ctx).
		Table("actor_detections").
		Select("actor_detections.*").
		Joins("JOIN frames ON frames.id = actor_detections.frame_id").
		Where("frames.film_id = ? AND actor_detections.frame_id <> ?", filmID, excludeFrameID).
		Where("actor_detections.cast_member_id IS NULL AND actor_detections.cluster_label IS NOT NULL").
		Order("actor_detections.id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ClusterSample, 0, len(rows))
	for _, r := range rows {
		vec, _ := model.DecodeVector(r.Embedding)
		out = append(out, ClusterSample{FrameID: r.FrameID, Label: *r.ClusterLabel, Vector: vec})
	}
	return out, nil
}

// CastForFilm lists the cast members credited on a film in billing order.
func (s *FrameStore) CastForFilm(ctx context.Context, filmID uint) ([]model.CastMember, error) {
	var links []model.FilmCast
	err := s.DB.WithContext(ctx).Preload("CastMember").
		Where("film_id = ?", filmID).
		Order("cast_order IS NULL, cast_order, id").
		Find(&links).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.CastMember, 0, len(links))
	for _, l := range links {
		out = append(out, l.CastMember)
	}
	return out, nil
}

// SaveCastFaceEmbedding caches a cast member's reference face embedding.
func (s *FrameStore) SaveCastFaceEmbedding(ctx context.Context, castMemberID uint, vector []float32, modelID string) error {
	return s.DB.WithContext(ctx).Model(&model.CastMember{}).Where("id = ?", castMemberID).
		Updates(map[string]any{
			"face_embedding":       model.EncodeVector(vector),
			"face_embedding_model": modelID,
		}).Error
}

// ReplaceFrameTags upserts tags by name and sets them as the frame's tags.
func (s *FrameStore) ReplaceFrameTags(ctx context.Context, frameID uint, tags []TagScore) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("frame_id = ?", frameID).Delete(&model.FrameTag{}).Error; err != nil {
			return err
		}
		for _, ts := range tags {
			tag := model.Tag{}
			if err := tx.Where(model.Tag{Name: ts.Name}).FirstOrCreate(&tag).Error; err != nil {
				return fmt.Errorf("failed to upsert tag %q: %w", ts.Name, err)
			}
			link := model.FrameTag{FrameID: frameID, TagID: tag.ID, Confidence: ts.Confidence}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "frame_id"}, {Name: "tag_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"confidence"}),
			}).Create(&link).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// FrameTags lists the tag names of a frame with their confidences.
func (s *FrameStore) FrameTags(ctx context.Context, frameID uint) ([]TagScore, error) {
	var links []model.FrameTag
	if err := s.DB.WithContext(ctx).Preload("Tag").Where("frame_id = ?", frameID).Order("id").Find(&links).Error; err != nil {
		return nil, err
	}
	out := make([]TagScore, 0, len(links))
	for _, l := range links {
		out = append(out, TagScore{Name: l.Tag.Name, Confidence: l.Confidence})
	}
	return out, nil
}

// SaveSceneSummary stores the generative model's description of a frame.
func (s *FrameStore) SaveSceneSummary(ctx context.Context, frameID uint, summary *model.SceneSummary, source string) error {
	fields := map[string]any{
		"scene_summary":   summary.Summary,
		"metadata_source": source,
	}
	if summary.ShotTimestamp != "" {
		fields["shot_timestamp"] = summary.ShotTimestamp
	}
	return s.updateFrame(s.DB.WithContext(ctx), frameID, fields)
}

// FramesByStatus lists up to limit frame ids with the given status, oldest first.
func (s *FrameStore) FramesByStatus(ctx context.Context, status model.FrameStatus, limit int) ([]uint, error) {
	var ids []uint
	q := s.DB.WithContext(ctx).Model(&model.Frame{}).Where("status = ?", status).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("id", &ids).Error
	return ids, err
}

// UpsertFilmMetadata writes provider metadata. When filmID is zero the film is
// looked up, or created, by its external id; otherwise that film is updated.
//
// Inputs:
//   - ctx: The context for the request.
//   - filmID: An existing film to attach the metadata to, or zero.
//   - meta: The provider-neutral metadata.
//
// Outputs:
//   - *model.MetadataIngestResult: What was written.
//   - error: model.ErrNotFound when filmID does not exist.
func (s *FrameStore) UpsertFilmMetadata(ctx context.Context, filmID uint, meta *model.FilmMetadata) (*model.MetadataIngestResult, error) {
	result := &model.MetadataIngestResult{ExternalID: meta.ExternalID, Source: meta.Source}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		film := model.Film{}
		fields := map[string]any{
			"title":           meta.Title,
			"description":     meta.Description,
			"release_year":    meta.ReleaseYear,
			"metadata_source": meta.Source,
			"external_id":     meta.ExternalID,
		}
		if filmID != 0 {
			if err := tx.First(&film, filmID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return notFound("film", filmID)
				}
				return err
			}
			if err := tx.Model(&film).Updates(fields).Error; err != nil {
				return err
			}
		} else {
			externalID := meta.ExternalID
			err := tx.Where("external_id = ?", externalID).
				Attrs(model.Film{ExternalID: &externalID, Title: meta.Title}).
				Assign(fields).
				FirstOrCreate(&film).Error
			if err != nil {
				return err
			}
		}
		result.FilmID = film.ID

		for _, credit := range meta.Cast {
			member := model.CastMember{}
			err := tx.Where(model.CastMember{ExternalID: credit.ExternalID}).
				Assign(map[string]any{"name": credit.Name, "profile_path": credit.ProfilePath}).
				FirstOrCreate(&member).Error
			if err != nil {
				return fmt.Errorf("failed to upsert cast member %s: %w", credit.ExternalID, err)
			}
			link := model.FilmCast{}
			err = tx.Where(model.FilmCast{FilmID: film.ID, CastMemberID: member.ID}).
				Assign(map[string]any{"character": credit.Character, "cast_order": credit.Order}).
				FirstOrCreate(&link).Error
			if err != nil {
				return err
			}
			result.CastCount++
		}

		for _, art := range meta.Artwork {
			var aspect *float64
			if art.Width > 0 && art.Height > 0 {
				v := float64(int(float64(art.Width)/float64(art.Height)*1000+0.5)) / 1000
				aspect = &v
			}
			row := model.Artwork{}
			err := tx.Where(model.Artwork{FilmID: film.ID, Kind: art.Kind, FilePath: art.FilePath}).
				Assign(map[string]any{"width": art.Width, "height": art.Height, "aspect_ratio": aspect, "language": art.Language}).
				FirstOrCreate(&row).Error
			if err != nil {
				return err
			}
			result.ArtworkCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AnalysisRow assembles the analytics export of a frame.
func (s *FrameStore) AnalysisRow(ctx context.Context, frameID uint, pipelineID string) (*model.FrameAnalysisRow, error) {
	frame, err := s.GetFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	attrs, err := s.SceneAttributes(ctx, frameID)
	if err != nil {
		return nil, err
	}
	dets, err := s.ActorDetections(ctx, frameID)
	if err != nil {
		return nil, err
	}

	row := &model.FrameAnalysisRow{
		FrameID:    int64(frame.ID),
		Status:     string(frame.Status),
		PipelineID: pipelineID,
		ModelID:    frame.EmbeddingModel,
		ActorCount: int64(len(dets)),
		AnalyzedAt: time.Now().UTC(),
	}
	if frame.FilmID != nil {
		row.FilmID.Int64 = int64(*frame.FilmID)
		row.FilmID.Valid = true
	}
	sort.SliceStable(attrs, func(i, j int) bool { return strings.Compare(attrs[i].Attribute, attrs[j].Attribute) < 0 })
	for _, a := range attrs {
		row.Attributes = append(row.Attributes, model.AttributeRow{Attribute: a.Attribute, Value: a.Value, Confidence: a.Confidence})
	}
	for _, d := range dets {
		if d.CastMemberID != nil {
			row.IdentifiedCount++
		}
	}
	return row, nil
}
