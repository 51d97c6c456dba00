package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FlusherConfig controls the flush cadence.
type FlusherConfig struct {
	// Interval between scheduled flushes of dirty state. Default: 30s.
	Interval time.Duration `json:"interval"`

	// ShutdownTimeout bounds the final flush. Default: 5s.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultFlusherConfig returns sensible defaults.
func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{
		Interval:        30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Flusher writes snapshots in the background: on a schedule when state is
// dirty, immediately on an urgent request, and once more on Stop. Marking
// state never blocks.
type Flusher struct {
	path     string
	cfg      FlusherConfig
	snapshot func() *Snapshot
	logger   *zap.Logger

	// NewTicker creates the schedule. Tests inject a manual channel.
	NewTicker func(d time.Duration) (tick <-chan time.Time, stop func())

	// OnFlush, if set, observes every write attempt.
	OnFlush func(err error)

	dirty   atomic.Bool
	urgent  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	start   sync.Once
	stop    sync.Once
	writeMu sync.Mutex

	flushes atomic.Int64
}

// NewFlusher creates a flusher that persists snapshot() to path.
func NewFlusher(path string, cfg FlusherConfig, snapshot func() *Snapshot, logger *zap.Logger) *Flusher {
	def := DefaultFlusherConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		path:     path,
		cfg:      cfg,
		snapshot: snapshot,
		logger:   logger,
		urgent:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background loop. Call Stop to terminate.
func (f *Flusher) Start() {
	f.start.Do(func() { go f.run() })
}

// MarkDirty schedules a flush at the next tick.
func (f *Flusher) MarkDirty() {
	f.dirty.Store(true)
}

// FlushUrgent requests an immediate flush without waiting for it.
func (f *Flusher) FlushUrgent() {
	f.dirty.Store(true)
	select {
	case f.urgent <- struct{}{}:
	default:
	}
}

// Flushes returns how many snapshots have been written.
func (f *Flusher) Flushes() int64 {
	return f.flushes.Load()
}

// Stop ends the loop and performs a final flush, bounded by ctx and the
// configured shutdown timeout.
func (f *Flusher) Stop(ctx context.Context) error {
	f.stop.Do(func() { close(f.stopCh) })
	f.start.Do(func() { close(f.doneCh) }) // never started

	ctx, cancel := context.WithTimeout(ctx, f.cfg.ShutdownTimeout)
	defer cancel()

	select {
	case <-f.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- f.flush(true) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		f.logger.Warn("topic-shift persist final flush timed out", zap.String("path", f.path))
		return ctx.Err()
	}
}

// RunOnce flushes if dirty. Exported for testing.
func (f *Flusher) RunOnce() error {
	return f.flush(false)
}

func (f *Flusher) run() {
	defer close(f.doneCh)

	newTicker := f.NewTicker
	if newTicker == nil {
		newTicker = defaultNewTicker
	}
	tick, stop := newTicker(f.cfg.Interval)
	defer stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-tick:
			_ = f.flush(false)
		case <-f.urgent:
			_ = f.flush(false)
		}
	}
}

// flush writes a snapshot when dirty or forced. Failures leave the state
// dirty so the next tick retries.
func (f *Flusher) flush(force bool) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if !f.dirty.Swap(false) && !force {
		return nil
	}
	snap := f.snapshot()
	if snap == nil {
		snap = NewSnapshot()
	}
	err := Save(f.path, snap)
	if f.OnFlush != nil {
		f.OnFlush(err)
	}
	if err != nil {
		f.dirty.Store(true)
		f.logger.Warn("topic-shift persist failed", zap.String("path", f.path), zap.Error(err))
		return err
	}
	f.flushes.Add(1)
	f.logger.Debug("topic-shift persist",
		zap.String("path", f.path),
		zap.Int("sessions", len(snap.SessionStateBySessionKey)),
	)
	return nil
}

func defaultNewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
