package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fibreel-media/internal/domain/media"
	"fibreel-media/internal/domain/merge"
	"fibreel-media/internal/domain/upload"
)

type UploadRepository interface {
	Create(ctx context.Context, s *upload.UploadSession) error
	GetByID(ctx context.Context, id uuid.UUID) (upload.UploadSession, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]upload.UploadSession, error)

	// AddChunk inserts the chunk row and bumps received_bytes in one
	// transaction. A session still in initiated moves to in_progress.
	AddChunk(ctx context.Context, sessionID uuid.UUID, c upload.Chunk) error
	ListChunks(ctx context.Context, sessionID uuid.UUID) ([]upload.Chunk, error)
	DeleteChunks(ctx context.Context, sessionID uuid.UUID) error

	// MarkCompleted flips in_progress to completed and records the
	// assembled object key. Returns ErrConflict when the session is not
	// in_progress anymore.
	MarkCompleted(ctx context.Context, id uuid.UUID, objectKey string) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	MarkExpired(ctx context.Context, id uuid.UUID) error

	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]upload.UploadSession, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type MergeRepository interface {
	Create(ctx context.Context, m *merge.MergeSession) error
	GetByID(ctx context.Context, id uuid.UUID) (merge.MergeSession, error)

	// FindLiveByUploads returns the non-failed session built from exactly
	// these three uploads, in statement order.
	FindLiveByUploads(ctx context.Context, ids [3]uuid.UUID) (merge.MergeSession, error)
	// FindPendingByUpload returns pending sessions referencing the given
	// upload in any statement slot.
	FindPendingByUpload(ctx context.Context, uploadID uuid.UUID) ([]merge.MergeSession, error)

	// ClaimPending moves pending to analyzing for exactly one caller.
	// The false return means another worker already owns the session.
	ClaimPending(ctx context.Context, id uuid.UUID) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, from, to merge.Status) error
	MarkCompleted(ctx context.Context, id uuid.UUID, artifactID uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, stage, detail string) error

	// ListReady returns pending sessions whose three source uploads have
	// all completed, oldest first. The worker poll feeds from this.
	ListReady(ctx context.Context, limit int) ([]merge.MergeSession, error)
	// FailStuck marks working sessions untouched since olderThan as failed.
	// Recovers sessions orphaned by a worker that died mid-pipeline.
	FailStuck(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type ArtifactRepository interface {
	Create(ctx context.Context, a *media.Artifact) error
	GetByID(ctx context.Context, id uuid.UUID) (media.Artifact, error)
	GetByChallengeID(ctx context.Context, challengeID uuid.UUID) (media.Artifact, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
