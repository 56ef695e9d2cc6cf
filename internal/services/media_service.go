package services

import (
	"context"

	"github.com/google/uuid"

	"fibreel-media/internal/domain/media"
	"fibreel-media/internal/metrics"
	"fibreel-media/internal/repository"
	"fibreel-media/internal/storage"
	"fibreel-media/pkg/logger"
)

// MediaService answers playback queries: segment metadata for the guessing
// UI and the merged video bytes themselves. Any authenticated player may
// fetch these; the game is watching someone else's statements.
type MediaService struct {
	artifacts repository.ArtifactRepository
	objects   storage.ObjectStore
	log       *logger.Logger
	metrics   *metrics.Metrics
}

func NewMediaService(artifacts repository.ArtifactRepository, objects storage.ObjectStore, log *logger.Logger, m *metrics.Metrics) *MediaService {
	return &MediaService{
		artifacts: artifacts,
		objects:   objects,
		log:       log,
		metrics:   m,
	}
}

// Segments returns the merged artifact metadata for a challenge: total
// duration and the per-statement timecode map.
func (s *MediaService) Segments(ctx context.Context, challengeID uuid.UUID) (media.Artifact, error) {
	return s.artifacts.GetByChallengeID(ctx, challengeID)
}

// Artifact returns the metadata record for one artifact id.
func (s *MediaService) Artifact(ctx context.Context, artifactID uuid.UUID) (media.Artifact, error) {
	return s.artifacts.GetByID(ctx, artifactID)
}

// OpenArtifact opens the stored video for streaming. httpRange is the raw
// Range header value, empty for a whole-object read; the storage driver
// answers with the matching slice and Content-Range.
func (s *MediaService) OpenArtifact(ctx context.Context, artifactID uuid.UUID, httpRange string) (media.Artifact, *storage.Object, error) {
	artifact, err := s.artifacts.GetByID(ctx, artifactID)
	if err != nil {
		return media.Artifact{}, nil, err
	}
	obj, err := s.objects.Open(ctx, artifact.ObjectKey, httpRange)
	if err != nil {
		return media.Artifact{}, nil, err
	}
	if s.metrics != nil {
		s.metrics.MediaBytesServed.Add(float64(obj.ContentLength))
	}
	return artifact, obj, nil
}
