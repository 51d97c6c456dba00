package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Siddhant-K-code/topicshift/pkg/persist"
)

// Restore loads the persisted snapshot. A missing, corrupt or
// version-mismatched snapshot leaves the engine cold; that is logged, not
// returned.
func (e *Engine) Restore(_ context.Context) error {
	if e.cfg.StatePath == "" {
		return nil
	}
	snap, err := persist.Load(e.cfg.StatePath)
	if err != nil {
		e.logger.Warn("topic-shift persist discarded",
			zap.String("path", e.cfg.StatePath),
			zap.Error(err),
		)
		return nil
	}
	for key, st := range snap.SessionStateBySessionKey {
		e.store.Put(key, st)
	}
	e.dedupe.Restore(snap.RecentRotationBySession)
	e.metrics.SetSessions(e.store.Len())
	e.logger.Info("topic-shift restore",
		zap.String("path", e.cfg.StatePath),
		zap.Int("sessions", len(snap.SessionStateBySessionKey)),
		zap.Int("recent_rotations", len(snap.RecentRotationBySession)),
	)
	return nil
}

// Start launches the flusher and the eviction loop.
func (e *Engine) Start() {
	e.start.Do(func() {
		if e.flusher != nil {
			e.flusher.Start()
		}
		go e.run()
	})
}

// Close stops background work and writes a final snapshot, bounded by ctx
// and the flush shutdown timeout.
func (e *Engine) Close(ctx context.Context) error {
	e.stop.Do(func() { close(e.stopCh) })
	e.start.Do(func() { close(e.doneCh) }) // never started
	<-e.doneCh

	if e.flusher == nil {
		return nil
	}
	return e.flusher.Stop(ctx)
}

func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.EvictOnce()
		}
	}
}

// EvictOnce drops idle sessions and expired dedupe entries. Exported for testing.
func (e *Engine) EvictOnce() []string {
	now := e.now()
	evicted := e.store.Evict(now)
	pruned := e.dedupe.Prune(now)
	if len(evicted) > 0 || pruned > 0 {
		e.markDirty()
		e.logger.Debug("topic-shift evict",
			zap.Int("sessions", len(evicted)),
			zap.Int("dedupe", pruned),
		)
	}
	e.metrics.SetSessions(e.store.Len())
	return evicted
}

// Flush writes a snapshot now, regardless of the dirty flag.
func (e *Engine) Flush() error {
	if e.flusher == nil {
		return nil
	}
	e.flusher.MarkDirty()
	return e.flusher.RunOnce()
}

func (e *Engine) snapshot() *persist.Snapshot {
	snap := persist.NewSnapshot()
	snap.SessionStateBySessionKey = e.store.Snapshot()
	snap.RecentRotationBySession = e.dedupe.Snapshot()
	return snap
}

func (e *Engine) markDirty() {
	if e.flusher != nil {
		e.flusher.MarkDirty()
	}
}

func (e *Engine) flushUrgent() {
	if e.flusher != nil {
		e.flusher.FlushUrgent()
	}
}
