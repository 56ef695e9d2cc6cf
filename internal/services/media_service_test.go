package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fibreel-media/internal/domain/media"
	"fibreel-media/internal/metrics"
	"fibreel-media/internal/storage"
	apperrors "fibreel-media/pkg/errors"
	"fibreel-media/pkg/logger"
)

func newTestMediaService(t *testing.T) (*MediaService, *memArtifactRepo, *storage.FSStore) {
	t.Helper()
	artifacts := newMemArtifactRepo()
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	svc := NewMediaService(artifacts, store, logger.NewNop(), metrics.New(prometheus.NewRegistry()))
	return svc, artifacts, store
}

func seedArtifact(t *testing.T, artifacts *memArtifactRepo, store *storage.FSStore, payload []byte) media.Artifact {
	t.Helper()
	id := uuid.New()
	key := storage.ArtifactKey(id)
	require.NoError(t, store.Put(context.Background(), key, bytes.NewReader(payload), int64(len(payload)), "video/mp4"))
	a := media.Artifact{
		ID:               id,
		ChallengeID:      uuid.New(),
		OwnerID:          uuid.New(),
		ObjectKey:        key,
		MimeType:         "video/mp4",
		SizeBytes:        int64(len(payload)),
		TotalDuration:    15.9,
		OriginalDuration: 15.9,
		Segments: media.BuildSegments(
			[3]uuid.UUID{uuid.New(), uuid.New(), uuid.New()},
			[3]string{"truth", "truth", "lie"},
			[3]float64{5.0, 4.7, 6.2},
		),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, artifacts.Create(context.Background(), &a))
	return a
}

func TestSegmentsByChallenge(t *testing.T) {
	svc, artifacts, store := newTestMediaService(t)
	ctx := context.Background()

	a := seedArtifact(t, artifacts, store, videoBytes(128))

	got, err := svc.Segments(ctx, a.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	require.Len(t, got.Segments, 3)
	assert.InDelta(t, 9.7, got.Segments[2].StartTime, 1e-9)

	_, err = svc.Segments(ctx, uuid.New())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestOpenArtifactWholeObject(t *testing.T) {
	svc, artifacts, store := newTestMediaService(t)
	ctx := context.Background()

	payload := videoBytes(256)
	a := seedArtifact(t, artifacts, store, payload)

	got, obj, err := svc.OpenArtifact(ctx, a.ID, "")
	require.NoError(t, err)
	defer obj.Body.Close()

	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, int64(len(payload)), obj.ContentLength)
	assert.Empty(t, obj.ContentRange)

	body, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestOpenArtifactRange(t *testing.T) {
	svc, artifacts, store := newTestMediaService(t)
	ctx := context.Background()

	payload := videoBytes(256)
	a := seedArtifact(t, artifacts, store, payload)

	_, obj, err := svc.OpenArtifact(ctx, a.ID, "bytes=10-19")
	require.NoError(t, err)
	defer obj.Body.Close()

	assert.Equal(t, int64(10), obj.ContentLength)
	assert.Equal(t, "bytes 10-19/256", obj.ContentRange)
	body, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, payload[10:20], body)
}

func TestOpenArtifactUnsatisfiableRange(t *testing.T) {
	svc, artifacts, store := newTestMediaService(t)
	ctx := context.Background()

	a := seedArtifact(t, artifacts, store, videoBytes(64))

	_, _, err := svc.OpenArtifact(ctx, a.ID, "bytes=100-200")
	assert.True(t, errors.Is(err, storage.ErrInvalidRange))

	_, _, err = svc.OpenArtifact(ctx, uuid.New(), "")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
