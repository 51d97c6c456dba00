package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Siddhant-K-code/topicshift/pkg/embedding"
	"github.com/Siddhant-K-code/topicshift/pkg/metrics"
	"github.com/Siddhant-K-code/topicshift/pkg/telemetry"
)

// InstrumentBackend traces embedding calls and counts failures. A nil
// backend stays nil.
func InstrumentBackend(b embedding.Backend, m *metrics.Metrics) embedding.Backend {
	if b == nil {
		return nil
	}
	return &instrumentedBackend{inner: b, metrics: m}
}

type instrumentedBackend struct {
	inner   embedding.Backend
	metrics *metrics.Metrics
}

func (b *instrumentedBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "topicshift.embed")
	defer span.End()
	span.SetAttributes(attribute.String("backend", b.inner.Name()))

	vec, err := b.inner.Embed(ctx, text)
	if err != nil {
		b.metrics.EmbeddingFailed()
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("dimensions", len(vec)))
	return vec, nil
}

func (b *instrumentedBackend) Name() string { return b.inner.Name() }
