package services

import (
	"context"
	"sync"
	"time"

	"fibreel-media/config"
	"fibreel-media/internal/domain/merge"
	"fibreel-media/pkg/logger"
)

const defaultMergePollInterval = 10 * time.Second

// MergeWorker polls for merge sessions whose three uploads have completed and
// runs the pipeline for each, at most cfg.Workers at a time. Between polls it
// also listens for wake pokes from the service so a finished upload is picked
// up immediately.
type MergeWorker struct {
	svc          *MergeService
	pollInterval time.Duration
	slots        chan struct{}
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	log          *logger.Logger
}

func NewMergeWorker(svc *MergeService, cfg config.MergeConfig, log *logger.Logger) *MergeWorker {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &MergeWorker{
		svc:          svc,
		pollInterval: defaultMergePollInterval,
		slots:        make(chan struct{}, workers),
		stopChan:     make(chan struct{}),
		log:          log,
	}
}

func (w *MergeWorker) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Infof("merge worker started with %d slots", cap(w.slots))
}

// Stop shuts the loop down and waits for in-flight merges to finish their
// current stage writes.
func (w *MergeWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.log.Infof("merge worker stopped")
}

func (w *MergeWorker) run() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopChan
		cancel()
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.dispatch(ctx)
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
		case <-w.svc.wakeSignal():
		}
	}
}

// dispatch claims as many ready sessions as free slots allow. Claiming is a
// compare-and-swap on the session status, so overlapping workers never run
// the same merge twice.
func (w *MergeWorker) dispatch(ctx context.Context) {
	ready, err := w.svc.merges.ListReady(ctx, cap(w.slots))
	if err != nil {
		w.log.Warnf("merge worker: list ready sessions: %v", err)
		return
	}

	for _, m := range ready {
		select {
		case w.slots <- struct{}{}:
		default:
			// All slots busy; the next poll retries.
			return
		}

		claimed, ok := w.svc.claim(ctx, m)
		if !ok {
			<-w.slots
			continue
		}

		w.wg.Add(1)
		go func(m merge.MergeSession) {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.svc.runMerge(ctx, m)
		}(claimed)
	}
}
