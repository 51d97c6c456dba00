// Package metrics exposes Prometheus collectors for classification and rotation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "topicshift"

// Metrics holds the collectors. A nil *Metrics is a no-op so callers never
// need to guard.
type Metrics struct {
	messages        *prometheus.CounterVec
	skips           *prometheus.CounterVec
	rotations       *prometheus.CounterVec
	embeddings      *prometheus.CounterVec
	handoffs        *prometheus.CounterVec
	score           prometheus.Histogram
	classifyLatency prometheus.Histogram
	rotateLatency   prometheus.Histogram
	sessions        prometheus.Gauge
	flushes         *prometheus.CounterVec
}

// New registers all collectors with reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages classified, by decision.",
		}, []string{"decision"}),
		skips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skips_total",
			Help:      "Messages not classified, by reason.",
		}, []string{"reason"}),
		rotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Rotation attempts, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		embeddings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Embedding lookups, by result.",
		}, []string{"result"}),
		handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Handoff context events, by result.",
		}, []string{"result"}),
		score: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score",
			Help:      "Shift score of classified messages.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		classifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_duration_seconds",
			Help:      "Time spent classifying a message, embedding included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		rotateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rotate_duration_seconds",
			Help:      "Time spent rotating a registry entry, lock wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions with in-memory classifier state.",
		}),
		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_flushes_total",
			Help:      "State snapshot writes, by result.",
		}, []string{"result"}),
	}
}

// ObserveMessage records one classified message.
func (m *Metrics) ObserveMessage(decision string, score float64, usedEmbedding bool, took time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(decision).Inc()
	m.score.Observe(score)
	m.classifyLatency.Observe(took.Seconds())
	if usedEmbedding {
		m.embeddings.WithLabelValues("used").Inc()
	}
}

// EmbeddingFailed counts an embedding lookup that fell back to lexical scoring.
func (m *Metrics) EmbeddingFailed() {
	if m == nil {
		return
	}
	m.embeddings.WithLabelValues("failed").Inc()
}

// Skip records a message that was not classified.
func (m *Metrics) Skip(reason string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(reason).Inc()
}

// ObserveRotation records a rotation attempt.
func (m *Metrics) ObserveRotation(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(kind, outcome).Inc()
	m.rotateLatency.Observe(took.Seconds())
}

// Handoff records a handoff event result (queued, empty, failed).
func (m *Metrics) Handoff(result string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(result).Inc()
}

// SetSessions sets the tracked session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// Flush records a state snapshot write.
func (m *Metrics) Flush(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.flushes.WithLabelValues("error").Inc()
		return
	}
	m.flushes.WithLabelValues("ok").Inc()
}
