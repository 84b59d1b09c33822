// Package telemetry provides OpenTelemetry instrumentation for the key-value store.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// StoreMetricsMeterName is the name used for the storage engine meter
	StoreMetricsMeterName = "github.com/stacklok/gitkv/store"

	// WriteMetricsMeterName is the name used for the write pipeline meter
	WriteMetricsMeterName = "github.com/stacklok/gitkv/writer"

	// PushMetricsMeterName is the name used for the native push meter
	PushMetricsMeterName = "github.com/stacklok/gitkv/push"
)

// Write outcomes recorded by WriteMetrics.
const (
	OutcomeSuccess    = "success"
	OutcomeConflict   = "conflict"
	OutcomeLockFailed = "lock_failed"
	OutcomeInvalid    = "invalid"
	OutcomeError      = "error"
)

// StoreMetrics holds the OpenTelemetry instruments for the per-ref cache
type StoreMetrics struct {
	rebuildDuration metric.Float64Histogram
	keysTotal       metric.Int64Gauge
}

// NewStoreMetrics creates a new StoreMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewStoreMetrics(provider metric.MeterProvider) (*StoreMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(StoreMetricsMeterName)

	rebuildDuration, err := meter.Float64Histogram(
		"gitkv_cache_rebuild_duration_seconds",
		metric.WithDescription("Duration of per-ref cache rebuilds in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}

	keysTotal, err := meter.Int64Gauge(
		"gitkv_keys_total",
		metric.WithDescription("Number of keys in the latest snapshot of each ref"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, err
	}

	return &StoreMetrics{
		rebuildDuration: rebuildDuration,
		keysTotal:       keysTotal,
	}, nil
}

// RecordRebuild records a cache rebuild of ref
func (m *StoreMetrics) RecordRebuild(ctx context.Context, ref string, keys int, duration time.Duration, success bool) {
	if m == nil || m.rebuildDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ref", ref),
		attribute.Bool("success", success),
	}
	m.rebuildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if success {
		m.keysTotal.Record(ctx, int64(keys), metric.WithAttributes(attribute.String("ref", ref)))
	}
}

// WriteMetrics holds the OpenTelemetry instruments for the write pipeline
type WriteMetrics struct {
	writeDuration metric.Float64Histogram
	attempts      metric.Int64Counter
}

// NewWriteMetrics creates a new WriteMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewWriteMetrics(provider metric.MeterProvider) (*WriteMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(WriteMetricsMeterName)

	writeDuration, err := meter.Float64Histogram(
		"gitkv_write_duration_seconds",
		metric.WithDescription("Duration of writes from lock acquisition to cache refresh"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter(
		"gitkv_write_attempts_total",
		metric.WithDescription("Number of commit attempts made by the write pipeline"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	return &WriteMetrics{
		writeDuration: writeDuration,
		attempts:      attempts,
	}, nil
}

// RecordWrite records the duration and outcome of a write to ref
func (m *WriteMetrics) RecordWrite(ctx context.Context, ref, outcome string, duration time.Duration) {
	if m == nil || m.writeDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ref", ref),
		attribute.String("outcome", outcome),
	}
	m.writeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordAttempts records how many commit attempts a write needed
func (m *WriteMetrics) RecordAttempts(ctx context.Context, ref string, attempts int) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, int64(attempts), metric.WithAttributes(attribute.String("ref", ref)))
}

// PushMetrics holds the OpenTelemetry instruments for native pushes
type PushMetrics struct {
	refUpdates metric.Int64Counter
}

// NewPushMetrics creates a new PushMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewPushMetrics(provider metric.MeterProvider) (*PushMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PushMetricsMeterName)

	refUpdates, err := meter.Int64Counter(
		"gitkv_push_ref_updates_total",
		metric.WithDescription("Number of ref updates received through native pushes"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	return &PushMetrics{refUpdates: refUpdates}, nil
}

// RecordRefUpdate records the result of one pushed ref update
func (m *PushMetrics) RecordRefUpdate(ctx context.Context, ref string, accepted bool) {
	if m == nil || m.refUpdates == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ref", ref),
		attribute.Bool("accepted", accepted),
	}
	m.refUpdates.Add(ctx, 1, metric.WithAttributes(attrs...))
}
