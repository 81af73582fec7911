package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/graphmesh/schemasync/internal/metadata"
	"github.com/graphmesh/schemasync/internal/schemacache"
	"github.com/graphmesh/schemasync/internal/telemetry"
)

// MetadataStore is the slice of the version store the reconciler needs.
type MetadataStore interface {
	FetchMetadata(ctx context.Context) (*metadata.Document, metadata.ResourceVersion, error)
	NotificationsSince(
		ctx context.Context, after metadata.ResourceVersion, instanceID uuid.UUID,
	) ([]metadata.Notification, error)
}

// Reconciler drives the local schema cache to a target resource version. All
// cache mutation happens inside Holder.Update, so it is mutually exclusive
// with any other cache-mutating path in the process.
type Reconciler struct {
	store      MetadataStore
	holder     *schemacache.Holder
	rebuilder  schemacache.Rebuilder
	instanceID uuid.UUID
	logger     *zap.Logger
	metrics    *telemetry.SyncMetrics
}

// NewReconciler creates a reconciler for this replica.
func NewReconciler(
	store MetadataStore,
	holder *schemacache.Holder,
	rebuilder schemacache.Rebuilder,
	instanceID uuid.UUID,
	logger *zap.Logger,
	metrics *telemetry.SyncMetrics,
) *Reconciler {
	return &Reconciler{
		store:      store,
		holder:     holder,
		rebuilder:  rebuilder,
		instanceID: instanceID,
		logger:     logger.With(zap.String("thread_type", "processor")),
		metrics:    metrics,
	}
}

// Reconcile brings the cache up to date with the target version. The
// targeted-diff path is taken only when the notification history is gapless;
// any doubt about missed intermediate changes falls back to a full
// invalidation.
func (r *Reconciler) Reconcile(ctx context.Context, target metadata.ResourceVersion) error {
	start := time.Now()
	err := r.holder.Update(func(current *schemacache.SchemaCache) (*schemacache.SchemaCache, error) {
		return r.reconcileLocked(ctx, current, target)
	})
	r.metrics.RecordReconcile(ctx, time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("failed to reconcile to version %s: %w", target, err)
	}
	return nil
}

// reconcileLocked runs under the holder's write lock. Returning the current
// snapshot unchanged is a no-op swap.
func (r *Reconciler) reconcileLocked(
	ctx context.Context, current *schemacache.SchemaCache, target metadata.ResourceVersion,
) (*schemacache.SchemaCache, error) {
	// First synchronization after process start: the cache was built from a
	// fresh metadata load already, so only stamp the version.
	if current.ResourceVersion == nil {
		r.logger.Info("first schema sync, stamping resource version",
			zap.Stringer("resource_version", target))
		next := current.Clone()
		next.ResourceVersion = &target
		r.metrics.RecordResourceVersion(ctx, int64(target))
		return next, nil
	}

	currentVersion := *current.ResourceVersion
	if currentVersion == target {
		return current, nil
	}

	doc, fetchedVersion, err := r.store.FetchMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	notifications, err := r.store.NotificationsSince(ctx, currentVersion, r.instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}

	// Metadata unchanged in practice, only the version counter advanced.
	if len(notifications) == 0 {
		r.logger.Info("no notifications since current version, advancing version only",
			zap.Stringer("from", currentVersion),
			zap.Stringer("to", fetchedVersion))
		next := current.Clone()
		next.ResourceVersion = &fetchedVersion
		r.metrics.RecordInvalidation(ctx, telemetry.InvalidationNone)
		r.metrics.RecordResourceVersion(ctx, int64(fetchedVersion))
		return next, nil
	}

	inv, kind := r.selectInvalidations(current, currentVersion, notifications)

	next, messages, err := r.rebuilder.ApplyInvalidations(ctx, current, inv, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild schema cache: %w", err)
	}
	next.ResourceVersion = &fetchedVersion

	r.logger.Info("schema cache reconciled",
		zap.Stringer("from", currentVersion),
		zap.Stringer("to", fetchedVersion),
		zap.String("invalidation_kind", string(kind)),
		zap.Int("notification_count", len(notifications)),
		zap.Strings("build_messages", messages))
	r.metrics.RecordInvalidation(ctx, kind)
	r.metrics.RecordResourceVersion(ctx, int64(fetchedVersion))

	return next, nil
}

// selectInvalidations decides between the targeted diff and a full
// invalidation. The targeted diff is sound only when every intermediate
// change was observed, i.e. the notification list starts exactly at
// currentVersion+1. A gap means history was pruned or lost, so everything
// currently known must be treated as stale.
func (r *Reconciler) selectInvalidations(
	current *schemacache.SchemaCache,
	currentVersion metadata.ResourceVersion,
	notifications []metadata.Notification,
) (metadata.CacheInvalidations, telemetry.InvalidationKind) {
	if notifications[0].Version == currentVersion+1 {
		var inv metadata.CacheInvalidations
		for _, n := range notifications {
			inv = inv.Union(n.Invalidations)
		}
		return inv, telemetry.InvalidationTargeted
	}

	r.logger.Warn("gap in notification history, applying full invalidation",
		zap.Stringer("current_version", currentVersion),
		zap.Stringer("oldest_notification", notifications[0].Version))
	return current.FullInvalidations(), telemetry.InvalidationFull
}
