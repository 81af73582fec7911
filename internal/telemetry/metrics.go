// Package telemetry provides OpenTelemetry instrumentation for the schema
// sync service.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/graphmesh/schemasync/sync"

// InvalidationKind labels which invalidation path a reconciliation took.
type InvalidationKind string

// Invalidation kinds recorded on reconcile metrics.
const (
	InvalidationNone     InvalidationKind = "none"
	InvalidationTargeted InvalidationKind = "targeted"
	InvalidationFull     InvalidationKind = "full"
)

// SyncMetrics holds the OpenTelemetry instruments for the listener and
// processor tasks.
type SyncMetrics struct {
	reconcileDuration metric.Float64Histogram
	invalidations     metric.Int64Counter
	resourceVersion   metric.Int64Gauge
	pollFailures      metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	reconcileDuration, err := meter.Float64Histogram(
		"schemasync_reconcile_duration_seconds",
		metric.WithDescription("Duration of schema cache reconciliations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	invalidations, err := meter.Int64Counter(
		"schemasync_invalidations_total",
		metric.WithDescription("Number of applied cache invalidations by kind"),
		metric.WithUnit("{invalidation}"),
	)
	if err != nil {
		return nil, err
	}

	resourceVersion, err := meter.Int64Gauge(
		"schemasync_resource_version",
		metric.WithDescription("Metadata resource version the local cache is built from"),
	)
	if err != nil {
		return nil, err
	}

	pollFailures, err := meter.Int64Counter(
		"schemasync_poll_failures_total",
		metric.WithDescription("Number of failed version polls against the metadata store"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		reconcileDuration: reconcileDuration,
		invalidations:     invalidations,
		resourceVersion:   resourceVersion,
		pollFailures:      pollFailures,
	}, nil
}

// RecordReconcile records the outcome of one reconciliation.
func (m *SyncMetrics) RecordReconcile(ctx context.Context, duration time.Duration, success bool) {
	if m == nil || m.reconcileDuration == nil {
		return
	}
	m.reconcileDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordInvalidation counts an applied invalidation by kind.
func (m *SyncMetrics) RecordInvalidation(ctx context.Context, kind InvalidationKind) {
	if m == nil || m.invalidations == nil {
		return
	}
	m.invalidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
	))
}

// RecordResourceVersion records the version the local cache reached.
func (m *SyncMetrics) RecordResourceVersion(ctx context.Context, version int64) {
	if m == nil || m.resourceVersion == nil {
		return
	}
	m.resourceVersion.Record(ctx, version)
}

// RecordPollFailure counts a failed version poll.
func (m *SyncMetrics) RecordPollFailure(ctx context.Context) {
	if m == nil || m.pollFailures == nil {
		return
	}
	m.pollFailures.Add(ctx, 1)
}
