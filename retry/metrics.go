package retry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/glimte/retrymq/retry"

// Reject reasons recorded on retrymq.deliveries.rejected.
const (
	reasonHandlerError    = "handler_error"
	reasonPanic           = "panic"
	reasonMalformedHeader = "malformed_header"
	reasonCaller          = "caller"
)

type instruments struct {
	published       metric.Int64Counter
	publishFailed   metric.Int64Counter
	accepted        metric.Int64Counter
	rejected        metric.Int64Counter
	handlerDuration metric.Float64Histogram
	inflight        metric.Int64UpDownCounter
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	published, err := meter.Int64Counter("retrymq.published",
		metric.WithDescription("Messages confirmed by the broker"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create retrymq.published counter: %w", err)
	}

	publishFailed, err := meter.Int64Counter("retrymq.publish.failed",
		metric.WithDescription("Publishes that were not confirmed"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create retrymq.publish.failed counter: %w", err)
	}

	accepted, err := meter.Int64Counter("retrymq.deliveries.accepted",
		metric.WithDescription("Deliveries acknowledged"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return nil, fmt.Errorf("create retrymq.deliveries.accepted counter: %w", err)
	}

	rejected, err := meter.Int64Counter("retrymq.deliveries.rejected",
		metric.WithDescription("Deliveries rejected into the retry path"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return nil, fmt.Errorf("create retrymq.deliveries.rejected counter: %w", err)
	}

	handlerDuration, err := meter.Float64Histogram("retrymq.handler.duration",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create retrymq.handler.duration histogram: %w", err)
	}

	inflight, err := meter.Int64UpDownCounter("retrymq.handler.inflight",
		metric.WithDescription("Handlers currently running"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return nil, fmt.Errorf("create retrymq.handler.inflight up_down_counter: %w", err)
	}

	return &instruments{
		published:       published,
		publishFailed:   publishFailed,
		accepted:        accepted,
		rejected:        rejected,
		handlerDuration: handlerDuration,
		inflight:        inflight,
	}, nil
}

func (m *instruments) recordPublish(ctx context.Context, exchange string, err error) {
	attrs := metric.WithAttributes(attribute.String("exchange", exchange))
	if err != nil {
		m.publishFailed.Add(ctx, 1, attrs)
		return
	}
	m.published.Add(ctx, 1, attrs)
}

func (m *instruments) recordAccept(ctx context.Context, queue string) {
	m.accepted.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *instruments) recordReject(ctx context.Context, queue, reason string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason)))
}

// trackHandler marks a handler as running and returns the func that records
// its completion.
func (m *instruments) trackHandler(ctx context.Context, queue string) func() {
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	start := time.Now()
	m.inflight.Add(ctx, 1, attrs)

	return func() {
		m.inflight.Add(ctx, -1, attrs)
		m.handlerDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
