package services

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"fibreel-media/config"
	"fibreel-media/internal/repository"
	"fibreel-media/internal/storage"
	"fibreel-media/pkg/logger"
)

const (
	sweepBatchSize         = 100
	retentionSweepInterval = time.Hour
	// stuckGraceFactor scales the stage timeout into the silence a merge is
	// allowed before the sweep declares its worker dead.
	stuckGraceFactor = 4
)

// Sweeper runs the background housekeeping jobs: expiring abandoned upload
// sessions and releasing their chunk storage, recovering merges orphaned by a
// dead worker, and deleting terminal records past their retention window.
type Sweeper struct {
	scheduler gocron.Scheduler
	uploads   repository.UploadRepository
	merges    repository.MergeRepository
	chunks    storage.ChunkStore
	uploadCfg config.UploadConfig
	mergeCfg  config.MergeConfig
	log       *logger.Logger
}

func NewSweeper(
	uploads repository.UploadRepository,
	merges repository.MergeRepository,
	chunks storage.ChunkStore,
	uploadCfg config.UploadConfig,
	mergeCfg config.MergeConfig,
	log *logger.Logger,
) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		scheduler: scheduler,
		uploads:   uploads,
		merges:    merges,
		chunks:    chunks,
		uploadCfg: uploadCfg,
		mergeCfg:  mergeCfg,
		log:       log,
	}, nil
}

func (s *Sweeper) Start() error {
	interval := s.uploadCfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	jobs := []struct {
		every time.Duration
		task  func()
	}{
		{interval, s.sweepExpiredUploads},
		{interval, s.sweepStuckMerges},
		{retentionSweepInterval, s.sweepRetention},
	}
	for _, j := range jobs {
		if _, err := s.scheduler.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(j.task),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return err
		}
	}
	s.scheduler.Start()
	s.log.Infof("sweeper started: expiry every %s, retention every %s", interval, retentionSweepInterval)
	return nil
}

func (s *Sweeper) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		s.log.Warnf("sweeper shutdown: %v", err)
	}
}

// sweepExpiredUploads transitions sessions past their TTL to expired and
// releases their chunk storage.
func (s *Sweeper) sweepExpiredUploads() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	expired, err := s.uploads.ListExpired(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		s.log.Warnf("sweep: list expired uploads: %v", err)
		return
	}
	for _, session := range expired {
		if err := s.uploads.MarkExpired(ctx, session.ID); err != nil {
			// Lost to a concurrent complete; leave the session alone.
			s.log.Debugf("sweep: expire upload %s: %v", session.ID, err)
			continue
		}
		if err := s.chunks.PurgeSession(ctx, session.ID); err != nil {
			s.log.Warnf("sweep: purge chunks of %s: %v", session.ID, err)
		}
		if err := s.uploads.DeleteChunks(ctx, session.ID); err != nil {
			s.log.Warnf("sweep: delete chunk rows of %s: %v", session.ID, err)
		}
	}
	if len(expired) > 0 {
		s.log.Infof("sweep: expired %d abandoned upload session(s)", len(expired))
	}
}

func (s *Sweeper) sweepStuckMerges() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	grace := s.mergeCfg.StageTimeout * stuckGraceFactor
	if grace <= 0 {
		grace = time.Hour
	}
	n, err := s.merges.FailStuck(ctx, time.Now().UTC().Add(-grace))
	if err != nil {
		s.log.Warnf("sweep: fail stuck merges: %v", err)
		return
	}
	if n > 0 {
		s.log.Warnf("sweep: failed %d merge session(s) with no live worker", n)
	}
}

// sweepRetention deletes terminal sessions past the retention window. Merges
// go first so their upload references stop blocking the upload delete.
func (s *Sweeper) sweepRetention() {
	retention := s.mergeCfg.SessionRetention
	if retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := time.Now().UTC().Add(-retention)

	if n, err := s.merges.DeleteTerminalOlderThan(ctx, cutoff); err != nil {
		s.log.Warnf("sweep: delete old merge sessions: %v", err)
	} else if n > 0 {
		s.log.Infof("sweep: deleted %d merge session(s) past retention", n)
	}
	if n, err := s.uploads.DeleteTerminalOlderThan(ctx, cutoff); err != nil {
		s.log.Warnf("sweep: delete old upload sessions: %v", err)
	} else if n > 0 {
		s.log.Infof("sweep: deleted %d upload session(s) past retention", n)
	}
}
