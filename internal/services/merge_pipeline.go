package services

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fibreel-media/internal/domain/media"
	"fibreel-media/internal/domain/merge"
	"fibreel-media/internal/domain/upload"
	"fibreel-media/internal/ffmpeg"
	"fibreel-media/internal/notify"
	"fibreel-media/internal/storage"
	apperrors "fibreel-media/pkg/errors"
)

// artifactMimeType is fixed: every pipeline output is an mp4, whatever the
// sources were.
const artifactMimeType = "video/mp4"

// sourceClip carries one statement's file through the pipeline. The duration
// is always the measured one, re-probed after any normalization pass, never
// the client-declared value.
type sourceClip struct {
	session  upload.UploadSession
	path     string
	probe    ffmpeg.Probe
	duration float64
}

// claim moves a pending session into analyzing for this worker alone. The
// false return means another worker got there first.
func (s *MergeService) claim(ctx context.Context, m merge.MergeSession) (merge.MergeSession, bool) {
	ok, err := s.merges.ClaimPending(ctx, m.ID)
	if err != nil {
		s.log.Warnf("merge %s: claim: %v", m.ID, err)
		return m, false
	}
	if !ok {
		return m, false
	}
	m.Status = merge.StatusAnalyzing
	if p, ok := merge.Progress(m.Status); ok {
		m.Progress = p
	}
	m.UpdatedAt = time.Now().UTC()
	s.publishProgress(ctx, m, "")
	return m, true
}

// runMerge drives one claimed session through every stage to a terminal
// status. ctx is the worker's lifetime; each stage derives its own deadline.
func (s *MergeService) runMerge(ctx context.Context, m merge.MergeSession) {
	if s.metrics != nil {
		s.metrics.ActiveMergeJobs.Inc()
		defer s.metrics.ActiveMergeJobs.Dec()
	}
	s.log.Infof("merge session %s started for challenge %s", m.ID, m.ChallengeID)

	workDir, err := os.MkdirTemp(s.workDir, "merge-*")
	if err != nil {
		s.fail(ctx, m, apperrors.Wrap(apperrors.KindServer, "create staging directory", err))
		return
	}
	defer os.RemoveAll(workDir)

	clips, err := s.stageAnalyze(ctx, m, workDir)
	if err != nil {
		s.fail(ctx, m, err)
		return
	}

	if homogeneous(clips) {
		s.log.Debugf("merge %s: sources share a profile, skipping normalization", m.ID)
	} else {
		if err := s.advance(ctx, &m, merge.StatusNormalizing); err != nil {
			s.fail(ctx, m, err)
			return
		}
		if err := s.stageNormalize(ctx, clips, workDir); err != nil {
			s.fail(ctx, m, err)
			return
		}
	}

	if err := s.advance(ctx, &m, merge.StatusMerging); err != nil {
		s.fail(ctx, m, err)
		return
	}
	mergedPath, err := s.stageMerge(ctx, clips, workDir)
	if err != nil {
		s.fail(ctx, m, err)
		return
	}

	if err := s.advance(ctx, &m, merge.StatusFinalizing); err != nil {
		s.fail(ctx, m, err)
		return
	}
	artifact, err := s.stageFinalize(ctx, &m, clips, mergedPath)
	if err != nil {
		s.fail(ctx, m, err)
		return
	}

	s.completed(ctx, m, artifact, clips)
}

// stageAnalyze downloads the three sources into the staging directory and
// probes them concurrently. Declared durations are ignored from here on.
func (s *MergeService) stageAnalyze(ctx context.Context, m merge.MergeSession, workDir string) ([merge.StatementCount]*sourceClip, error) {
	defer s.observeStage("analyzing", time.Now())
	stageCtx, cancel := s.stageCtx(ctx)
	defer cancel()

	var clips [merge.StatementCount]*sourceClip

	sessions, err := s.uploads.GetByIDs(stageCtx, m.UploadSessionIDs[:])
	if err != nil {
		return clips, err
	}
	byID := make(map[uuid.UUID]upload.UploadSession, len(sessions))
	for _, sess := range sessions {
		byID[sess.ID] = sess
	}
	for i, id := range m.UploadSessionIDs {
		sess, ok := byID[id]
		if !ok {
			return clips, apperrors.Newf(apperrors.KindNotFound, "upload session %s no longer exists", id)
		}
		if sess.Status != upload.StatusCompleted || sess.ObjectKey == "" {
			return clips, apperrors.Newf(apperrors.KindConflict, "upload session %s is not completed", id)
		}
		clips[i] = &sourceClip{session: sess}
	}

	g, gctx := errgroup.WithContext(stageCtx)
	for i := range clips {
		idx := i
		clip := clips[i]
		g.Go(func() error {
			path := filepath.Join(workDir, fmt.Sprintf("source_%d%s", idx, filepath.Ext(clip.session.ObjectKey)))
			if err := s.download(gctx, clip.session.ObjectKey, path); err != nil {
				return stageErr(idx, "fetch source", err)
			}
			probe, err := s.tools.Probe(gctx, path)
			if err != nil {
				return stageErr(idx, "probe", err)
			}
			clip.path = path
			clip.probe = probe
			clip.duration = probe.Duration
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return clips, err
	}
	return clips, nil
}

// stageNormalize transcodes each clip to the shared profile and re-probes it,
// since transcoding can shift the playable duration by a frame or two.
func (s *MergeService) stageNormalize(ctx context.Context, clips [merge.StatementCount]*sourceClip, workDir string) error {
	defer s.observeStage("normalizing", time.Now())
	stageCtx, cancel := s.stageCtx(ctx)
	defer cancel()

	for i, clip := range clips {
		out := filepath.Join(workDir, fmt.Sprintf("normalized_%d.mp4", i))
		if err := s.tools.Normalize(stageCtx, clip.path, out); err != nil {
			return stageErr(i, "normalize", err)
		}
		probe, err := s.tools.Probe(stageCtx, out)
		if err != nil {
			return stageErr(i, "probe normalized output", err)
		}
		clip.path = out
		clip.probe = probe
		clip.duration = probe.Duration
	}
	return nil
}

func (s *MergeService) stageMerge(ctx context.Context, clips [merge.StatementCount]*sourceClip, workDir string) (string, error) {
	defer s.observeStage("merging", time.Now())
	stageCtx, cancel := s.stageCtx(ctx)
	defer cancel()

	paths := make([]string, 0, len(clips))
	for _, clip := range clips {
		paths = append(paths, clip.path)
	}
	out := filepath.Join(workDir, "merged.mp4")
	if err := s.tools.Concat(stageCtx, paths, out); err != nil {
		return "", err
	}
	return out, nil
}

// stageFinalize computes segment timecodes from the measured durations,
// optionally compresses the artifact, validates the arithmetic, and persists
// object plus metadata.
func (s *MergeService) stageFinalize(ctx context.Context, m *merge.MergeSession, clips [merge.StatementCount]*sourceClip, mergedPath string) (media.Artifact, error) {
	defer s.observeStage("finalizing", time.Now())
	stageCtx, cancel := s.stageCtx(ctx)
	defer cancel()

	probe, err := s.tools.Probe(stageCtx, mergedPath)
	if err != nil {
		return media.Artifact{}, apperrors.Wrap(apperrors.KindOf(err), "probe merged output", err)
	}
	total := probe.Duration
	originalDuration := total

	var durations [merge.StatementCount]float64
	for i, clip := range clips {
		durations[i] = clip.duration
	}
	segments := media.BuildSegments(m.UploadSessionIDs, m.StatementTypes, durations)

	info, err := os.Stat(mergedPath)
	if err != nil {
		return media.Artifact{}, apperrors.Wrap(apperrors.KindServer, "stat merged output", err)
	}
	size := info.Size()
	finalPath := mergedPath
	compressed := false

	if s.cfg.CompressThreshold > 0 && size > s.cfg.CompressThreshold {
		compressedPath := filepath.Join(filepath.Dir(mergedPath), "compressed.mp4")
		if err := s.tools.Compress(stageCtx, mergedPath, compressedPath); err != nil {
			return media.Artifact{}, err
		}
		cProbe, err := s.tools.Probe(stageCtx, compressedPath)
		if err != nil {
			return media.Artifact{}, apperrors.Wrap(apperrors.KindOf(err), "probe compressed output", err)
		}
		if math.Abs(cProbe.Duration-total) > media.TimecodeTolerance {
			segments = media.Rescale(segments, total, cProbe.Duration)
		}
		total = cProbe.Duration
		cInfo, err := os.Stat(compressedPath)
		if err != nil {
			return media.Artifact{}, apperrors.Wrap(apperrors.KindServer, "stat compressed output", err)
		}
		size = cInfo.Size()
		finalPath = compressedPath
		compressed = true
		s.log.Infof("merge %s: compressed %d -> %d bytes", m.ID, info.Size(), size)
	}

	if err := media.ValidateSegments(segments, total); err != nil {
		return media.Artifact{}, apperrors.Wrap(apperrors.KindMergeStage, "segment arithmetic check failed", err)
	}

	artifactID := uuid.New()
	objectKey := storage.ArtifactKey(artifactID)
	f, err := os.Open(finalPath)
	if err != nil {
		return media.Artifact{}, apperrors.Wrap(apperrors.KindServer, "open final artifact", err)
	}
	err = s.objects.Put(stageCtx, objectKey, f, size, artifactMimeType)
	f.Close()
	if err != nil {
		return media.Artifact{}, err
	}

	artifact := media.Artifact{
		ID:               artifactID,
		ChallengeID:      m.ChallengeID,
		OwnerID:          m.OwnerID,
		ObjectKey:        objectKey,
		MimeType:         artifactMimeType,
		SizeBytes:        size,
		TotalDuration:    total,
		OriginalDuration: originalDuration,
		Compressed:       compressed,
		Segments:         segments,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.artifacts.Create(stageCtx, &artifact); err != nil {
		if delErr := s.objects.Delete(stageCtx, objectKey); delErr != nil {
			s.log.Warnf("merge %s: remove orphaned artifact object %s: %v", m.ID, objectKey, delErr)
		}
		return media.Artifact{}, err
	}
	return artifact, nil
}

func (s *MergeService) completed(ctx context.Context, m merge.MergeSession, artifact media.Artifact, clips [merge.StatementCount]*sourceClip) {
	if err := s.merges.MarkCompleted(ctx, m.ID, artifact.ID); err != nil {
		// The session moved under us, most likely failed by the stale sweep.
		// The artifact has no owner then; take it back out.
		if delErr := s.artifacts.Delete(ctx, artifact.ID); delErr != nil {
			s.log.Warnf("merge %s: remove orphaned artifact row: %v", m.ID, delErr)
		}
		if delErr := s.objects.Delete(ctx, artifact.ObjectKey); delErr != nil {
			s.log.Warnf("merge %s: remove orphaned artifact object: %v", m.ID, delErr)
		}
		s.fail(ctx, m, apperrors.Wrap(apperrors.KindServer, "persist completion", err))
		return
	}

	now := time.Now().UTC()
	m.Status = merge.StatusCompleted
	if p, ok := merge.Progress(m.Status); ok {
		m.Progress = p
	}
	m.ArtifactID = &artifact.ID
	m.CompletedAt = &now
	m.UpdatedAt = now
	s.publishProgress(ctx, m, "")
	s.countMergeOutcome("completed")
	s.log.Infof("merge session %s completed: artifact=%s duration=%.2fs compressed=%t",
		m.ID, artifact.ID, artifact.TotalDuration, artifact.Compressed)

	go s.deliver(notify.Event{
		Type:           notify.EventMergeCompleted,
		MergeSessionID: m.ID,
		ChallengeID:    m.ChallengeID,
		ArtifactID:     &artifact.ID,
		OccurredAt:     now,
	})

	if !s.cfg.KeepSources {
		s.releaseSources(ctx, clips)
	}
}

// fail records the terminal failure and freezes progress at the stage the
// session died in. Writes use a fresh context so a timed-out stage cannot
// also kill its own bookkeeping.
func (s *MergeService) fail(ctx context.Context, m merge.MergeSession, cause error) {
	stage := string(m.Status)
	detail := cause.Error()

	opCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.merges.MarkFailed(opCtx, m.ID, stage, detail); err != nil {
		s.log.Errorf("merge %s: mark failed after %s error: %v", m.ID, stage, err)
	}

	m.Status = merge.StatusFailed
	m.FailedStage = stage
	m.ErrorDetail = detail
	m.UpdatedAt = time.Now().UTC()
	code := apperrors.KindOf(cause).Code()
	s.publishProgress(opCtx, m, code)
	s.countMergeOutcome("failed")
	s.log.WithContext(ctx).Errorf("merge session %s failed in %s: %v", m.ID, stage, cause)

	go s.deliver(notify.Event{
		Type:           notify.EventMergeFailed,
		MergeSessionID: m.ID,
		ChallengeID:    m.ChallengeID,
		ErrorCode:      code,
		ErrorDetail:    detail,
		OccurredAt:     time.Now().UTC(),
	})
}

// advance performs a guarded status transition and publishes the new state.
func (s *MergeService) advance(ctx context.Context, m *merge.MergeSession, to merge.Status) error {
	if err := s.merges.Transition(ctx, m.ID, m.Status, to); err != nil {
		return apperrors.Wrap(apperrors.KindOf(err), fmt.Sprintf("advance to %s", to), err)
	}
	m.Status = to
	if p, ok := merge.Progress(to); ok {
		m.Progress = p
	}
	m.UpdatedAt = time.Now().UTC()
	s.publishProgress(ctx, *m, "")
	return nil
}

func (s *MergeService) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StageTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.StageTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *MergeService) download(ctx context.Context, key, path string) error {
	obj, err := s.objects.Open(ctx, key, "")
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *MergeService) releaseSources(ctx context.Context, clips [merge.StatementCount]*sourceClip) {
	for _, clip := range clips {
		if clip == nil || clip.session.ObjectKey == "" {
			continue
		}
		if err := s.objects.Delete(ctx, clip.session.ObjectKey); err != nil {
			s.log.Warnf("merge cleanup: delete source %s: %v", clip.session.ObjectKey, err)
		}
	}
}

// deliver pushes a terminal event to the notifier off the pipeline goroutine.
func (s *MergeService) deliver(evt notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	s.notifier.Notify(ctx, evt)
}

func (s *MergeService) observeStage(stage string, started time.Time) {
	if s.metrics != nil {
		s.metrics.MergeStageSeconds.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	}
}

func (s *MergeService) countMergeOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.MergesByOutcome.WithLabelValues(outcome).Inc()
	}
}

func homogeneous(clips [merge.StatementCount]*sourceClip) bool {
	for i := 1; i < len(clips); i++ {
		if !clips[0].probe.SameProfile(clips[i].probe) {
			return false
		}
	}
	return true
}

// stageErr tags an error with the statement it concerns, preserving its kind.
func stageErr(statement int, op string, err error) error {
	return apperrors.Wrap(apperrors.KindOf(err), fmt.Sprintf("statement %d: %s", statement, op), err)
}
