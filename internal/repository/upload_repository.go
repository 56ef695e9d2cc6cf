package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"fibreel-media/internal/domain/upload"
	apperrors "fibreel-media/pkg/errors"
)

const uploadSessionColumns = `id, owner_id, statement_index, declared_size, mime_type, declared_duration, declared_hash, received_bytes, status, object_key, created_at, updated_at, expires_at, completed_at`

type uploadRepository struct {
	db DBTX
}

func NewUploadRepository(db DBTX) UploadRepository {
	return &uploadRepository{db: db}
}

func (r *uploadRepository) Create(ctx context.Context, s *upload.UploadSession) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO upload_sessions (`+uploadSessionColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
    `,
		s.ID,
		s.OwnerID,
		s.StatementIndex,
		s.DeclaredSize,
		s.MimeType,
		s.DeclaredDuration,
		s.DeclaredHash,
		s.ReceivedBytes,
		s.Status,
		s.ObjectKey,
		s.CreatedAt,
		s.UpdatedAt,
		s.ExpiresAt,
		s.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func scanUploadSession(row interface{ Scan(...interface{}) error }) (upload.UploadSession, error) {
	var s upload.UploadSession
	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.StatementIndex,
		&s.DeclaredSize,
		&s.MimeType,
		&s.DeclaredDuration,
		&s.DeclaredHash,
		&s.ReceivedBytes,
		&s.Status,
		&s.ObjectKey,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.ExpiresAt,
		&s.CompletedAt,
	)
	return s, err
}

func (r *uploadRepository) GetByID(ctx context.Context, id uuid.UUID) (upload.UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+uploadSessionColumns+`
        FROM upload_sessions
        WHERE id = $1
    `, id)
	s, err := scanUploadSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return upload.UploadSession{}, apperrors.ErrNotFound
		}
		return upload.UploadSession{}, err
	}
	return s, nil
}

func (r *uploadRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]upload.UploadSession, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+uploadSessionColumns+`
        FROM upload_sessions
        WHERE id IN (`+buildPlaceholders(1, len(ids))+`)
    `, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []upload.UploadSession
	for rows.Next() {
		s, err := scanUploadSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *uploadRepository) AddChunk(ctx context.Context, sessionID uuid.UUID, c upload.Chunk) error {
	return WithTx(ctx, r.db, func(tx DBTX) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO upload_chunks (session_id, byte_offset, byte_length, received_at)
            VALUES ($1,$2,$3,$4)
        `, sessionID, c.Offset, c.Length, c.ReceivedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apperrors.ErrAlreadyExists
			}
			return err
		}

		res, err := tx.ExecContext(ctx, `
            UPDATE upload_sessions
            SET received_bytes = received_bytes + $1,
                status = CASE WHEN status = $2 THEN $3 ELSE status END,
                updated_at = $4
            WHERE id = $5 AND status IN ($2, $3)
        `, c.Length, upload.StatusInitiated, upload.StatusInProgress, time.Now(), sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.ErrConflict
		}
		return nil
	})
}

func (r *uploadRepository) ListChunks(ctx context.Context, sessionID uuid.UUID) ([]upload.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT session_id, byte_offset, byte_length, received_at
        FROM upload_chunks
        WHERE session_id = $1
        ORDER BY byte_offset ASC
    `, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []upload.Chunk
	for rows.Next() {
		var c upload.Chunk
		if err := rows.Scan(&c.SessionID, &c.Offset, &c.Length, &c.ReceivedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *uploadRepository) DeleteChunks(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
        DELETE FROM upload_chunks WHERE session_id = $1
    `, sessionID)
	return err
}

func (r *uploadRepository) MarkCompleted(ctx context.Context, id uuid.UUID, objectKey string) error {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
        UPDATE upload_sessions
        SET status = $1, object_key = $2, completed_at = $3, updated_at = $4
        WHERE id = $5 AND status = $6
    `, upload.StatusCompleted, objectKey, &now, now, id, upload.StatusInProgress)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (r *uploadRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.markTerminal(ctx, id, upload.StatusFailed)
}

func (r *uploadRepository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	return r.markTerminal(ctx, id, upload.StatusExpired)
}

func (r *uploadRepository) markTerminal(ctx context.Context, id uuid.UUID, to upload.Status) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE upload_sessions
        SET status = $1, updated_at = $2
        WHERE id = $3 AND status IN ($4, $5)
    `, to, time.Now(), id, upload.StatusInitiated, upload.StatusInProgress)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (r *uploadRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]upload.UploadSession, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+uploadSessionColumns+`
        FROM upload_sessions
        WHERE status IN ($1, $2) AND expires_at < $3
        ORDER BY expires_at ASC
        LIMIT $4
    `, upload.StatusInitiated, upload.StatusInProgress, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []upload.UploadSession
	for rows.Next() {
		s, err := scanUploadSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteTerminalOlderThan skips sessions still referenced by a merge row;
// those go once the merge itself is past retention.
func (r *uploadRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
        DELETE FROM upload_sessions u
        WHERE u.status IN ($1, $2, $3) AND u.updated_at < $4
          AND NOT EXISTS (
              SELECT 1 FROM merge_sessions m
              WHERE u.id IN (m.upload_session_a, m.upload_session_b, m.upload_session_c)
          )
    `, upload.StatusCompleted, upload.StatusExpired, upload.StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
