package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"fibreel-media/config"
	"fibreel-media/internal/domain/merge"
	"fibreel-media/internal/domain/upload"
	"fibreel-media/internal/ffmpeg"
	"fibreel-media/internal/metrics"
	"fibreel-media/internal/notify"
	"fibreel-media/internal/redis"
	"fibreel-media/internal/repository"
	"fibreel-media/internal/storage"
	apperrors "fibreel-media/pkg/errors"
	"fibreel-media/pkg/logger"
)

// maxStatementTypeLen bounds the opaque client label stored per statement.
const maxStatementTypeLen = 32

type MergeService struct {
	merges    repository.MergeRepository
	uploads   repository.UploadRepository
	artifacts repository.ArtifactRepository
	objects   storage.ObjectStore
	tools     *ffmpeg.Toolchain
	progress  *redis.ProgressStore
	notifier  notify.Notifier
	cfg       config.MergeConfig
	workDir   string
	log       *logger.Logger
	metrics   *metrics.Metrics

	// wake is poked when an upload completes so the worker polls at once
	// instead of waiting out its interval. Buffered: a single pending poke
	// covers any number of completions.
	wake chan struct{}
}

func NewMergeService(
	merges repository.MergeRepository,
	uploads repository.UploadRepository,
	artifacts repository.ArtifactRepository,
	objects storage.ObjectStore,
	tools *ffmpeg.Toolchain,
	progress *redis.ProgressStore,
	notifier notify.Notifier,
	cfg config.MergeConfig,
	workDir string,
	log *logger.Logger,
	m *metrics.Metrics,
) *MergeService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &MergeService{
		merges:    merges,
		uploads:   uploads,
		artifacts: artifacts,
		objects:   objects,
		tools:     tools,
		progress:  progress,
		notifier:  notifier,
		cfg:       cfg,
		workDir:   workDir,
		log:       log,
		metrics:   m,
		wake:      make(chan struct{}, 1),
	}
}

type SubmitMergeInput struct {
	OwnerID     uuid.UUID
	ChallengeID uuid.UUID
	// UploadSessionIDs in statement order: position i must reference a
	// session initiated with statement index i.
	UploadSessionIDs [merge.StatementCount]uuid.UUID
	StatementTypes   [merge.StatementCount]string
}

// Submit registers a merge of three statement uploads. The call never blocks
// on video work: the session is queued and picked up by the worker once all
// three uploads have completed. Re-submitting the same triple returns the
// live session instead of creating a duplicate.
func (s *MergeService) Submit(ctx context.Context, input SubmitMergeInput) (merge.MergeSession, error) {
	if input.OwnerID == uuid.Nil {
		return merge.MergeSession{}, apperrors.ErrUnauthorized
	}
	if input.ChallengeID == uuid.Nil {
		return merge.MergeSession{}, apperrors.New(apperrors.KindValidation, "challenge id is required")
	}
	for i, id := range input.UploadSessionIDs {
		if id == uuid.Nil {
			return merge.MergeSession{}, apperrors.Newf(apperrors.KindValidation,
				"upload session id for statement %d is required", i)
		}
	}
	if input.UploadSessionIDs[0] == input.UploadSessionIDs[1] ||
		input.UploadSessionIDs[0] == input.UploadSessionIDs[2] ||
		input.UploadSessionIDs[1] == input.UploadSessionIDs[2] {
		return merge.MergeSession{}, apperrors.New(apperrors.KindValidation,
			"the three statements must reference distinct upload sessions")
	}
	for i := range input.StatementTypes {
		input.StatementTypes[i] = strings.TrimSpace(input.StatementTypes[i])
		if input.StatementTypes[i] == "" {
			return merge.MergeSession{}, apperrors.Newf(apperrors.KindValidation,
				"statement type for statement %d is required", i)
		}
		if len(input.StatementTypes[i]) > maxStatementTypeLen {
			return merge.MergeSession{}, apperrors.Newf(apperrors.KindValidation,
				"statement type for statement %d exceeds %d characters", i, maxStatementTypeLen)
		}
	}

	sessions, err := s.uploads.GetByIDs(ctx, input.UploadSessionIDs[:])
	if err != nil {
		return merge.MergeSession{}, err
	}
	byID := make(map[uuid.UUID]upload.UploadSession, len(sessions))
	for _, sess := range sessions {
		byID[sess.ID] = sess
	}
	allCompleted := true
	for i, id := range input.UploadSessionIDs {
		sess, ok := byID[id]
		if !ok {
			return merge.MergeSession{}, apperrors.Newf(apperrors.KindNotFound,
				"upload session %s does not exist", id)
		}
		if sess.OwnerID != input.OwnerID {
			return merge.MergeSession{}, apperrors.ErrUnauthorized
		}
		if sess.StatementIndex != i {
			return merge.MergeSession{}, apperrors.Newf(apperrors.KindValidation,
				"upload session %s was initiated for statement %d, submitted as statement %d",
				id, sess.StatementIndex, i)
		}
		switch sess.Status {
		case upload.StatusFailed, upload.StatusExpired:
			return merge.MergeSession{}, apperrors.Newf(apperrors.KindConflict,
				"upload session %s is %s and can no longer complete", id, sess.Status)
		case upload.StatusCompleted:
		default:
			allCompleted = false
		}
	}

	if existing, err := s.merges.FindLiveByUploads(ctx, input.UploadSessionIDs); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return merge.MergeSession{}, err
	}

	now := time.Now().UTC()
	m := merge.MergeSession{
		ID:               uuid.New(),
		ChallengeID:      input.ChallengeID,
		OwnerID:          input.OwnerID,
		UploadSessionIDs: input.UploadSessionIDs,
		StatementTypes:   input.StatementTypes,
		Status:           merge.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.merges.Create(ctx, &m); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			// Lost a submit race for the same triple; serve the winner.
			if existing, findErr := s.merges.FindLiveByUploads(ctx, input.UploadSessionIDs); findErr == nil {
				return existing, nil
			}
		}
		return merge.MergeSession{}, err
	}

	s.publishProgress(ctx, m, "")
	s.log.WithContext(ctx).Infof("merge session %s queued for challenge %s", m.ID, m.ChallengeID)
	if allCompleted {
		s.Wake()
	}
	return m, nil
}

// Status returns the current status document for a merge session. The redis
// cache is tried first; postgres backs every miss. Both carry owner identity
// so access control holds on either path.
func (s *MergeService) Status(ctx context.Context, ownerID, mergeID uuid.UUID) (redis.ProgressUpdate, error) {
	if s.progress != nil {
		if cached, err := s.progress.Get(ctx, mergeID); err == nil && cached != nil {
			if cached.OwnerID != ownerID {
				return redis.ProgressUpdate{}, apperrors.ErrUnauthorized
			}
			return *cached, nil
		}
	}
	m, err := s.merges.GetByID(ctx, mergeID)
	if err != nil {
		return redis.ProgressUpdate{}, err
	}
	if m.OwnerID != ownerID {
		return redis.ProgressUpdate{}, apperrors.ErrUnauthorized
	}
	return statusDoc(m, ""), nil
}

// Get returns the merge session itself, ownership checked.
func (s *MergeService) Get(ctx context.Context, ownerID, mergeID uuid.UUID) (merge.MergeSession, error) {
	m, err := s.merges.GetByID(ctx, mergeID)
	if err != nil {
		return merge.MergeSession{}, err
	}
	if m.OwnerID != ownerID {
		return merge.MergeSession{}, apperrors.ErrUnauthorized
	}
	return m, nil
}

// OfferUpload implements MergeDispatcher: called when an upload session
// completes, it wakes the worker if any pending merge references the upload.
func (s *MergeService) OfferUpload(ctx context.Context, uploadID uuid.UUID) {
	pending, err := s.merges.FindPendingByUpload(ctx, uploadID)
	if err != nil {
		s.log.WithContext(ctx).Warnf("merge dispatch: pending lookup for upload %s: %v", uploadID, err)
		return
	}
	if len(pending) == 0 {
		return
	}
	s.Wake()
}

// Wake nudges the worker to poll for ready sessions now. Safe to call from
// any goroutine; a full buffer means a poll is already queued.
func (s *MergeService) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *MergeService) wakeSignal() <-chan struct{} { return s.wake }

func (s *MergeService) publishProgress(ctx context.Context, m merge.MergeSession, errorCode string) {
	if s.progress == nil {
		return
	}
	if err := s.progress.Set(ctx, statusDoc(m, errorCode)); err != nil {
		s.log.Debugf("merge %s: publish progress: %v", m.ID, err)
	}
}

// statusDoc flattens a session into the wire status document. A failed
// session read back from postgres lost its original error code, so the
// generic merge failure code stands in.
func statusDoc(m merge.MergeSession, errorCode string) redis.ProgressUpdate {
	if m.Status == merge.StatusFailed && errorCode == "" {
		errorCode = apperrors.KindMergeStage.Code()
	}
	return redis.ProgressUpdate{
		MergeSessionID: m.ID,
		ChallengeID:    m.ChallengeID,
		OwnerID:        m.OwnerID,
		Status:         m.Status,
		Progress:       m.Progress,
		ErrorCode:      errorCode,
		ErrorDetail:    m.ErrorDetail,
		FailedStage:    m.FailedStage,
		ArtifactID:     m.ArtifactID,
		UpdatedAt:      m.UpdatedAt,
	}
}
