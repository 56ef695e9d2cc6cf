package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"fibreel-media/internal/domain/media"
	apperrors "fibreel-media/pkg/errors"
)

const artifactColumns = `id, challenge_id, owner_id, object_key, mime_type, size_bytes, total_duration, original_duration, compressed, segments, created_at`

type artifactRepository struct {
	db DBTX
}

func NewArtifactRepository(db DBTX) ArtifactRepository {
	return &artifactRepository{db: db}
}

func (r *artifactRepository) Create(ctx context.Context, a *media.Artifact) error {
	segments, err := json.Marshal(a.Segments)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
        INSERT INTO artifacts (`+artifactColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
    `,
		a.ID,
		a.ChallengeID,
		a.OwnerID,
		a.ObjectKey,
		a.MimeType,
		a.SizeBytes,
		a.TotalDuration,
		a.OriginalDuration,
		a.Compressed,
		segments,
		a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func scanArtifact(row interface{ Scan(...interface{}) error }) (media.Artifact, error) {
	var a media.Artifact
	var segments []byte
	err := row.Scan(
		&a.ID,
		&a.ChallengeID,
		&a.OwnerID,
		&a.ObjectKey,
		&a.MimeType,
		&a.SizeBytes,
		&a.TotalDuration,
		&a.OriginalDuration,
		&a.Compressed,
		&segments,
		&a.CreatedAt,
	)
	if err != nil {
		return media.Artifact{}, err
	}
	if err := json.Unmarshal(segments, &a.Segments); err != nil {
		return media.Artifact{}, err
	}
	return a, nil
}

func (r *artifactRepository) GetByID(ctx context.Context, id uuid.UUID) (media.Artifact, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+artifactColumns+`
        FROM artifacts
        WHERE id = $1
    `, id)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return media.Artifact{}, apperrors.ErrNotFound
		}
		return media.Artifact{}, err
	}
	return a, nil
}

func (r *artifactRepository) GetByChallengeID(ctx context.Context, challengeID uuid.UUID) (media.Artifact, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+artifactColumns+`
        FROM artifacts
        WHERE challenge_id = $1
        ORDER BY created_at DESC
        LIMIT 1
    `, challengeID)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return media.Artifact{}, apperrors.ErrNotFound
		}
		return media.Artifact{}, err
	}
	return a, nil
}

func (r *artifactRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
        DELETE FROM artifacts WHERE id = $1
    `, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
