package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// relayMetrics wraps the otel instruments emitted by the engine. Instrument
// construction errors leave the field nil and the emission sites no-op.
type relayMetrics struct {
	published       metric.Int64Counter
	subscriberGauge metric.Int64UpDownCounter
	deliveryErrors  metric.Int64Counter
	droppedWrites   metric.Int64Counter
	fanoutSize      metric.Int64Histogram
	publishDuration metric.Float64Histogram
}

func newRelayMetrics() *relayMetrics {
	meter := otel.Meter("relay")
	m := new(relayMetrics)
	m.published, _ = meter.Int64Counter("relay.events.published",
		metric.WithDescription("Number of envelopes published to the engine"),
		metric.WithUnit("{event}"))
	m.subscriberGauge, _ = meter.Int64UpDownCounter("relay.subscribers",
		metric.WithDescription("Number of active callback subscriptions and streams"),
		metric.WithUnit("{subscriber}"))
	m.deliveryErrors, _ = meter.Int64Counter("relay.delivery.errors",
		metric.WithDescription("Number of failed consumer deliveries"),
		metric.WithUnit("{error}"))
	m.droppedWrites, _ = meter.Int64Counter("relay.delivery.dropped",
		metric.WithDescription("Number of writes dropped against closed streams"),
		metric.WithUnit("{event}"))
	m.fanoutSize, _ = meter.Int64Histogram("relay.fanout.size",
		metric.WithDescription("Number of consumers per publish snapshot"),
		metric.WithUnit("{subscriber}"))
	m.publishDuration, _ = meter.Float64Histogram("relay.publish.duration",
		metric.WithDescription("Latency of publish settlement"),
		metric.WithUnit("ms"))
	return m
}

func (m *relayMetrics) observeSnapshot(ctx context.Context, callbacks, streams int) {
	if m == nil || m.fanoutSize == nil {
		return
	}
	m.fanoutSize.Record(ctx, int64(callbacks+streams), metric.WithAttributes(
		attribute.Int("callbacks", callbacks),
		attribute.Int("streams", streams)))
}

func (m *relayMetrics) observeSettlement(ctx context.Context, s *Settlement, elapsed time.Duration) {
	if m == nil || s == nil {
		return
	}
	if m.published != nil {
		m.published.Add(ctx, 1)
	}
	if m.deliveryErrors != nil && len(s.Errors) > 0 {
		m.deliveryErrors.Add(ctx, int64(len(s.Errors)))
	}
	if m.droppedWrites != nil && s.Dropped > 0 {
		m.droppedWrites.Add(ctx, int64(s.Dropped))
	}
	if m.publishDuration != nil {
		m.publishDuration.Record(ctx, float64(elapsed.Milliseconds()))
	}
}

func (m *relayMetrics) adjustSubscribers(ctx context.Context, delta int64, kind string) {
	if m == nil || m.subscriberGauge == nil {
		return
	}
	m.subscriberGauge.Add(ctx, delta, metric.WithAttributes(attribute.String("kind", kind)))
}
