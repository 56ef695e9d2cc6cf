package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fibreel-media/config"
	"fibreel-media/internal/domain/upload"
	"fibreel-media/internal/metrics"
	"fibreel-media/internal/storage"
	apperrors "fibreel-media/pkg/errors"
	"fibreel-media/pkg/logger"
)

func newTestUploadService(t *testing.T) (*UploadService, *memUploadRepo, *storage.FSStore, *recordingDispatcher) {
	t.Helper()
	repo := newMemUploadRepo()
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	dispatcher := &recordingDispatcher{}
	cfg := config.UploadConfig{
		MaxSize:      1 << 20,
		MaxChunkSize: 256 << 10,
		SessionTTL:   time.Hour,
		AllowedTypes: []string{"video/mp4", "video/quicktime", "video/webm"},
	}
	svc := NewUploadService(repo, store, store, dispatcher, cfg, logger.NewNop(), metrics.New(prometheus.NewRegistry()))
	return svc, repo, store, dispatcher
}

// videoBytes builds a payload that sniffs as video/mp4: a standard ftyp box
// followed by deterministic filler.
func videoBytes(n int) []byte {
	header := []byte{
		0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
		'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
		'i', 's', 'o', 'm', 'i', 's', 'o', '2',
	}
	if n <= len(header) {
		return header[:n]
	}
	out := make([]byte, n)
	copy(out, header)
	for i := len(header); i < n; i++ {
		out[i] = byte(i % 251)
	}
	return out
}

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func mustInitiate(t *testing.T, svc *UploadService, owner uuid.UUID, index int, size int64) upload.UploadSession {
	t.Helper()
	session, err := svc.Initiate(context.Background(), InitiateUploadInput{
		OwnerID:        owner,
		StatementIndex: index,
		DeclaredSize:   size,
		MimeType:       "video/mp4",
	})
	require.NoError(t, err)
	return session
}

func TestUploadLifecycle(t *testing.T) {
	svc, repo, store, dispatcher := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	payload := videoBytes(300)
	session := mustInitiate(t, svc, owner, 0, int64(len(payload)))
	assert.Equal(t, upload.StatusInitiated, session.Status)

	// chunks arrive out of order
	received, err := svc.IngestChunk(ctx, owner, session.ID, 100, 100, bytes.NewReader(payload[100:200]))
	require.NoError(t, err)
	assert.Equal(t, int64(100), received)

	// resume info mid-upload
	_, missing, err := svc.Status(ctx, owner, session.ID)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, upload.ByteRange{Offset: 0, Length: 100}, missing[0])
	assert.Equal(t, upload.ByteRange{Offset: 200, Length: 100}, missing[1])

	received, err = svc.IngestChunk(ctx, owner, session.ID, 0, 100, bytes.NewReader(payload[:100]))
	require.NoError(t, err)
	assert.Equal(t, int64(200), received)
	received, err = svc.IngestChunk(ctx, owner, session.ID, 200, 100, bytes.NewReader(payload[200:]))
	require.NoError(t, err)
	assert.Equal(t, int64(300), received)

	completed, err := svc.Complete(ctx, owner, session.ID, hashOf(payload))
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, completed.Status)
	assert.NotEmpty(t, completed.ObjectKey)
	require.NotNil(t, completed.CompletedAt)

	// the assembled object holds the original bytes
	obj, err := store.Open(ctx, completed.ObjectKey, "")
	require.NoError(t, err)
	assembled, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	obj.Body.Close()
	assert.Equal(t, payload, assembled)

	// chunk rows and blobs are released
	chunks, err := repo.ListChunks(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	// the merge dispatcher heard about it exactly once
	assert.Equal(t, []uuid.UUID{session.ID}, dispatcher.offered())

	// completing again returns the stored result without redoing anything
	again, err := svc.Complete(ctx, owner, session.ID, hashOf(payload))
	require.NoError(t, err)
	assert.Equal(t, completed.ObjectKey, again.ObjectKey)
	assert.Equal(t, completed.CompletedAt.Unix(), again.CompletedAt.Unix())
	assert.Equal(t, []uuid.UUID{session.ID}, dispatcher.offered(), "idempotent complete must not re-dispatch")
}

func TestInitiateValidation(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	tests := []struct {
		name  string
		input InitiateUploadInput
		kind  apperrors.Kind
	}{
		{
			name:  "statement index out of range",
			input: InitiateUploadInput{OwnerID: owner, StatementIndex: 3, DeclaredSize: 100, MimeType: "video/mp4"},
			kind:  apperrors.KindValidation,
		},
		{
			name:  "negative statement index",
			input: InitiateUploadInput{OwnerID: owner, StatementIndex: -1, DeclaredSize: 100, MimeType: "video/mp4"},
			kind:  apperrors.KindValidation,
		},
		{
			name:  "zero size",
			input: InitiateUploadInput{OwnerID: owner, StatementIndex: 0, DeclaredSize: 0, MimeType: "video/mp4"},
			kind:  apperrors.KindValidation,
		},
		{
			name:  "size above limit",
			input: InitiateUploadInput{OwnerID: owner, StatementIndex: 0, DeclaredSize: 2 << 20, MimeType: "video/mp4"},
			kind:  apperrors.KindFileTooLarge,
		},
		{
			name:  "mime type not allowed",
			input: InitiateUploadInput{OwnerID: owner, StatementIndex: 0, DeclaredSize: 100, MimeType: "image/gif"},
			kind:  apperrors.KindUnsupportedFormat,
		},
		{
			name:  "malformed hash",
			input: InitiateUploadInput{OwnerID: owner, StatementIndex: 0, DeclaredSize: 100, MimeType: "video/mp4", DeclaredHash: "zz"},
			kind:  apperrors.KindValidation,
		},
		{
			name:  "negative duration",
			input: InitiateUploadInput{OwnerID: owner, StatementIndex: 0, DeclaredSize: 100, MimeType: "video/mp4", DeclaredDuration: -1},
			kind:  apperrors.KindValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Initiate(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestIngestChunkDuplicateAndOverlap(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	payload := videoBytes(300)
	session := mustInitiate(t, svc, owner, 0, 300)

	received, err := svc.IngestChunk(ctx, owner, session.ID, 0, 100, bytes.NewReader(payload[:100]))
	require.NoError(t, err)
	assert.Equal(t, int64(100), received)

	// the identical chunk again is a no-op, not a conflict
	received, err = svc.IngestChunk(ctx, owner, session.ID, 0, 100, bytes.NewReader(payload[:100]))
	require.NoError(t, err)
	assert.Equal(t, int64(100), received, "duplicate must not double-count")

	// a different range touching stored bytes is rejected
	_, err = svc.IngestChunk(ctx, owner, session.ID, 50, 100, bytes.NewReader(payload[50:150]))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindRangeConflict), "got %v", err)

	// adjacent is fine
	_, err = svc.IngestChunk(ctx, owner, session.ID, 100, 100, bytes.NewReader(payload[100:200]))
	require.NoError(t, err)
}

func TestIngestChunkQuota(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	// declared 10 units; anything crossing that boundary is rejected on the
	// call that crosses it, not earlier
	session := mustInitiate(t, svc, owner, 0, 10)

	_, err := svc.IngestChunk(ctx, owner, session.ID, 0, 8, bytes.NewReader(videoBytes(8)))
	require.NoError(t, err)

	_, err = svc.IngestChunk(ctx, owner, session.ID, 8, 3, bytes.NewReader(make([]byte, 3)))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindQuotaExceeded), "got %v", err)

	// landing exactly on the declared size is allowed
	_, err = svc.IngestChunk(ctx, owner, session.ID, 8, 2, bytes.NewReader(make([]byte, 2)))
	require.NoError(t, err)
}

func TestIngestChunkBodyShorterThanDeclared(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	session := mustInitiate(t, svc, owner, 0, 100)
	_, err := svc.IngestChunk(ctx, owner, session.ID, 0, 50, bytes.NewReader(make([]byte, 20)))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation), "got %v", err)
}

func TestIngestChunkOwnership(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	session := mustInitiate(t, svc, owner, 0, 100)
	_, err := svc.IngestChunk(ctx, uuid.New(), session.ID, 0, 10, bytes.NewReader(make([]byte, 10)))
	assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))

	_, _, err = svc.Status(ctx, uuid.New(), session.ID)
	assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))

	_, err = svc.Complete(ctx, uuid.New(), session.ID, hashOf(nil))
	assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))
}

func TestIngestChunkSessionExpiry(t *testing.T) {
	svc, repo, _, _ := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	session := mustInitiate(t, svc, owner, 0, 100)
	session.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	repo.set(session)

	_, err := svc.IngestChunk(ctx, owner, session.ID, 0, 10, bytes.NewReader(make([]byte, 10)))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindSessionExpired), "got %v", err)

	stored, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusExpired, stored.Status, "touching an expired session must mark it")
}

func TestCompleteRejectsGaps(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	payload := videoBytes(300)
	session := mustInitiate(t, svc, owner, 0, 300)
	_, err := svc.IngestChunk(ctx, owner, session.ID, 0, 100, bytes.NewReader(payload[:100]))
	require.NoError(t, err)
	_, err = svc.IngestChunk(ctx, owner, session.ID, 200, 100, bytes.NewReader(payload[200:]))
	require.NoError(t, err)

	_, err = svc.Complete(ctx, owner, session.ID, hashOf(payload))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation), "got %v", err)
	assert.Contains(t, err.Error(), "missing")
}

func TestCompleteHashMismatchKeepsSessionResumable(t *testing.T) {
	svc, repo, _, dispatcher := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	payload := videoBytes(200)
	session := mustInitiate(t, svc, owner, 0, 200)
	_, err := svc.IngestChunk(ctx, owner, session.ID, 0, 200, bytes.NewReader(payload))
	require.NoError(t, err)

	wrong := hashOf([]byte("something else"))
	_, err = svc.Complete(ctx, owner, session.ID, wrong)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindHashMismatch), "got %v", err)

	// nothing was torn down: status unchanged, chunks intact, no dispatch
	stored, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusInProgress, stored.Status)
	chunks, err := repo.ListChunks(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Empty(t, dispatcher.offered())

	// the right hash still completes
	completed, err := svc.Complete(ctx, owner, session.ID, hashOf(payload))
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, completed.Status)
}

func TestCompleteUsesDeclaredHashWhenOmitted(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	payload := videoBytes(150)
	session, err := svc.Initiate(ctx, InitiateUploadInput{
		OwnerID:        owner,
		StatementIndex: 1,
		DeclaredSize:   int64(len(payload)),
		MimeType:       "video/mp4",
		DeclaredHash:   hashOf(payload),
	})
	require.NoError(t, err)
	_, err = svc.IngestChunk(ctx, owner, session.ID, 0, int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	completed, err := svc.Complete(ctx, owner, session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, completed.Status)
}

func TestCompleteRequiresSomeHash(t *testing.T) {
	svc, _, _, _ := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	payload := videoBytes(100)
	session := mustInitiate(t, svc, owner, 0, 100)
	_, err := svc.IngestChunk(ctx, owner, session.ID, 0, 100, bytes.NewReader(payload))
	require.NoError(t, err)

	_, err = svc.Complete(ctx, owner, session.ID, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation), "got %v", err)
}

func TestCompleteRejectsNonVideoContent(t *testing.T) {
	svc, repo, _, dispatcher := newTestUploadService(t)
	ctx := context.Background()
	owner := uuid.New()

	payload := []byte("this is just text pretending to be a movie, padded to length....")
	session := mustInitiate(t, svc, owner, 0, int64(len(payload)))
	_, err := svc.IngestChunk(ctx, owner, session.ID, 0, int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	_, err = svc.Complete(ctx, owner, session.ID, hashOf(payload))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindUnsupportedFormat), "got %v", err)

	// wrong bytes cannot be fixed by re-sending them; the session is dead
	stored, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusFailed, stored.Status)
	assert.Empty(t, dispatcher.offered())
}
