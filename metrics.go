package dsema

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

const meterName = "pkt.systems/dsema"

// semaphoreMetrics records acquisition flow through the global OTel
// meter provider. With no provider configured every instrument is a
// no-op.
type semaphoreMetrics struct {
	acquires metric.Int64Counter
	timeouts metric.Int64Counter
	wakeups  metric.Int64Counter
	releases metric.Int64Counter
	waitMS   metric.Int64Histogram
}

func newSemaphoreMetrics(logger pslog.Logger) *semaphoreMetrics {
	meter := otel.Meter(meterName)
	m := &semaphoreMetrics{}
	var err error
	if m.acquires, err = meter.Int64Counter("dsema.acquires",
		metric.WithDescription("Permits granted")); err != nil {
		logMetricInitError(logger, "dsema.acquires", err)
	}
	if m.timeouts, err = meter.Int64Counter("dsema.acquire_timeouts",
		metric.WithDescription("Acquires that timed out waiting")); err != nil {
		logMetricInitError(logger, "dsema.acquire_timeouts", err)
	}
	if m.wakeups, err = meter.Int64Counter("dsema.wakeups",
		metric.WithDescription("Wake notifications observed")); err != nil {
		logMetricInitError(logger, "dsema.wakeups", err)
	}
	if m.releases, err = meter.Int64Counter("dsema.releases",
		metric.WithDescription("Permits returned")); err != nil {
		logMetricInitError(logger, "dsema.releases", err)
	}
	if m.waitMS, err = meter.Int64Histogram("dsema.wait_ms",
		metric.WithDescription("Queue wait before a permit was granted"),
		metric.WithUnit("ms")); err != nil {
		logMetricInitError(logger, "dsema.wait_ms", err)
	}
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	logger.Warn("metrics.init_failed", "instrument", name, "error", err)
}

func semAttrs(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("semaphore", name))
}

func (m *semaphoreMetrics) acquire(ctx context.Context, name string) {
	if m.acquires != nil {
		m.acquires.Add(ctx, 1, semAttrs(name))
	}
}

func (m *semaphoreMetrics) timeout(ctx context.Context, name string) {
	if m.timeouts != nil {
		m.timeouts.Add(ctx, 1, semAttrs(name))
	}
}

func (m *semaphoreMetrics) wakeup(ctx context.Context, name string) {
	if m.wakeups != nil {
		m.wakeups.Add(ctx, 1, semAttrs(name))
	}
}

func (m *semaphoreMetrics) release(ctx context.Context, name string) {
	if m.releases != nil {
		m.releases.Add(ctx, 1, semAttrs(name))
	}
}

func (m *semaphoreMetrics) waited(ctx context.Context, name string, d time.Duration) {
	if m.waitMS != nil {
		m.waitMS.Record(ctx, d.Milliseconds(), semAttrs(name))
	}
}
