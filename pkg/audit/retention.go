package audit

import (
	"context"
	"sync"
	"time"
)

// RetentionWorker periodically prunes records older than Config.Retention.
type RetentionWorker struct {
	store  Store
	cfg    Config
	now    func() time.Time
	start  sync.Once
	stop   sync.Once
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRetentionWorker creates a retention worker for the given store.
func NewRetentionWorker(store Store, cfg Config) *RetentionWorker {
	return &RetentionWorker{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the periodic prune loop. Call Stop() to terminate.
func (w *RetentionWorker) Start() {
	w.start.Do(func() { go w.run() })
}

// Stop terminates the worker and waits for the loop to exit.
func (w *RetentionWorker) Stop() {
	w.stop.Do(func() { close(w.stopCh) })
	w.start.Do(func() { close(w.doneCh) }) // never started
	<-w.doneCh
}

func (w *RetentionWorker) run() {
	defer close(w.doneCh)

	interval := w.cfg.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = w.runOnce(ctx)
			cancel()
		}
	}
}

// RunOnce executes a single prune pass. Exported for testing.
func (w *RetentionWorker) RunOnce(ctx context.Context) (int64, error) {
	return w.runOnce(ctx)
}

func (w *RetentionWorker) runOnce(ctx context.Context) (int64, error) {
	if w.cfg.Retention <= 0 {
		return 0, nil
	}
	return w.store.Prune(ctx, w.now().Add(-w.cfg.Retention))
}
