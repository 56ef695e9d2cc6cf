package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"fibreel-media/internal/domain/merge"
	"fibreel-media/internal/domain/upload"
	apperrors "fibreel-media/pkg/errors"
)

const mergeSessionColumns = `id, challenge_id, owner_id, upload_session_a, upload_session_b, upload_session_c, statement_type_a, statement_type_b, statement_type_c, status, progress, error_detail, failed_stage, artifact_id, created_at, updated_at, completed_at`

type mergeRepository struct {
	db DBTX
}

func NewMergeRepository(db DBTX) MergeRepository {
	return &mergeRepository{db: db}
}

func (r *mergeRepository) Create(ctx context.Context, m *merge.MergeSession) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO merge_sessions (`+mergeSessionColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
    `,
		m.ID,
		m.ChallengeID,
		m.OwnerID,
		m.UploadSessionIDs[0],
		m.UploadSessionIDs[1],
		m.UploadSessionIDs[2],
		m.StatementTypes[0],
		m.StatementTypes[1],
		m.StatementTypes[2],
		m.Status,
		m.Progress,
		m.ErrorDetail,
		m.FailedStage,
		m.ArtifactID,
		m.CreatedAt,
		m.UpdatedAt,
		m.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func scanMergeSession(row interface{ Scan(...interface{}) error }) (merge.MergeSession, error) {
	var m merge.MergeSession
	err := row.Scan(
		&m.ID,
		&m.ChallengeID,
		&m.OwnerID,
		&m.UploadSessionIDs[0],
		&m.UploadSessionIDs[1],
		&m.UploadSessionIDs[2],
		&m.StatementTypes[0],
		&m.StatementTypes[1],
		&m.StatementTypes[2],
		&m.Status,
		&m.Progress,
		&m.ErrorDetail,
		&m.FailedStage,
		&m.ArtifactID,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.CompletedAt,
	)
	return m, err
}

func (r *mergeRepository) GetByID(ctx context.Context, id uuid.UUID) (merge.MergeSession, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+mergeSessionColumns+`
        FROM merge_sessions
        WHERE id = $1
    `, id)
	m, err := scanMergeSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return merge.MergeSession{}, apperrors.ErrNotFound
		}
		return merge.MergeSession{}, err
	}
	return m, nil
}

func (r *mergeRepository) FindLiveByUploads(ctx context.Context, ids [3]uuid.UUID) (merge.MergeSession, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+mergeSessionColumns+`
        FROM merge_sessions
        WHERE upload_session_a = $1 AND upload_session_b = $2 AND upload_session_c = $3
          AND status <> $4
        ORDER BY created_at DESC
        LIMIT 1
    `, ids[0], ids[1], ids[2], merge.StatusFailed)
	m, err := scanMergeSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return merge.MergeSession{}, apperrors.ErrNotFound
		}
		return merge.MergeSession{}, err
	}
	return m, nil
}

func (r *mergeRepository) FindPendingByUpload(ctx context.Context, uploadID uuid.UUID) ([]merge.MergeSession, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+mergeSessionColumns+`
        FROM merge_sessions
        WHERE status = $1
          AND (upload_session_a = $2 OR upload_session_b = $2 OR upload_session_c = $2)
        ORDER BY created_at ASC
    `, merge.StatusPending, uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMergeSessions(rows)
}

// ClaimPending is the dispatch gate: of any number of concurrent callers
// exactly one observes RowsAffected == 1.
func (r *mergeRepository) ClaimPending(ctx context.Context, id uuid.UUID) (bool, error) {
	progress, _ := merge.Progress(merge.StatusAnalyzing)
	res, err := r.db.ExecContext(ctx, `
        UPDATE merge_sessions
        SET status = $1, progress = $2, updated_at = $3
        WHERE id = $4 AND status = $5
    `, merge.StatusAnalyzing, progress, time.Now(), id, merge.StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *mergeRepository) Transition(ctx context.Context, id uuid.UUID, from, to merge.Status) error {
	if !merge.CanTransition(from, to) {
		return apperrors.ErrConflict
	}
	progress, ok := merge.Progress(to)
	var res sql.Result
	var err error
	if ok {
		res, err = r.db.ExecContext(ctx, `
            UPDATE merge_sessions
            SET status = $1, progress = $2, updated_at = $3
            WHERE id = $4 AND status = $5
        `, to, progress, time.Now(), id, from)
	} else {
		res, err = r.db.ExecContext(ctx, `
            UPDATE merge_sessions
            SET status = $1, updated_at = $2
            WHERE id = $3 AND status = $4
        `, to, time.Now(), id, from)
	}
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

func (r *mergeRepository) MarkCompleted(ctx context.Context, id uuid.UUID, artifactID uuid.UUID) error {
	now := time.Now()
	progress, _ := merge.Progress(merge.StatusCompleted)
	res, err := r.db.ExecContext(ctx, `
        UPDATE merge_sessions
        SET status = $1, progress = $2, artifact_id = $3, completed_at = $4, updated_at = $5
        WHERE id = $6 AND status = $7
    `, merge.StatusCompleted, progress, artifactID, &now, now, id, merge.StatusFinalizing)
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

func (r *mergeRepository) MarkFailed(ctx context.Context, id uuid.UUID, stage, detail string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE merge_sessions
        SET status = $1, failed_stage = $2, error_detail = $3, updated_at = $4
        WHERE id = $5 AND status NOT IN ($6, $1)
    `, merge.StatusFailed, stage, detail, time.Now(), id, merge.StatusCompleted)
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

func (r *mergeRepository) ListReady(ctx context.Context, limit int) ([]merge.MergeSession, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+mergeSessionColumns+`
        FROM merge_sessions m
        WHERE m.status = $1
          AND (SELECT COUNT(*) FROM upload_sessions u
               WHERE u.id IN (m.upload_session_a, m.upload_session_b, m.upload_session_c)
                 AND u.status = $2) = 3
        ORDER BY m.created_at ASC
        LIMIT $3
    `, merge.StatusPending, upload.StatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMergeSessions(rows)
}

// FailStuck recovers sessions orphaned by a dead worker. SET expressions see
// the old row, so failed_stage records the stage the session was stuck in.
func (r *mergeRepository) FailStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE merge_sessions
        SET status = $1, failed_stage = status, error_detail = $2, updated_at = $3
        WHERE status IN ($4, $5, $6, $7) AND updated_at < $8
    `, merge.StatusFailed, "merge interrupted; the worker processing it went away", time.Now(),
		merge.StatusAnalyzing, merge.StatusNormalizing, merge.StatusMerging, merge.StatusFinalizing, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *mergeRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
        DELETE FROM merge_sessions
        WHERE status IN ($1, $2) AND updated_at < $3
    `, merge.StatusCompleted, merge.StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectMergeSessions(rows *sql.Rows) ([]merge.MergeSession, error) {
	var sessions []merge.MergeSession
	for rows.Next() {
		m, err := scanMergeSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
