package sync

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

const (
	// basePruneInterval is the base interval between notification prune runs
	basePruneInterval = 10 * time.Minute
	// pruneJitter is the maximum random offset applied to the prune interval
	pruneJitter = time.Minute
)

// NotificationPruner deletes notification rows older than a retention window.
type NotificationPruner interface {
	PruneNotifications(ctx context.Context, retention time.Duration) (int64, error)
}

// Pruner periodically trims old change notifications from the shared store so
// the notifications table stays bounded. Replicas that fall behind further
// than the retention window see a gap and fall back to a full invalidation,
// so pruning never compromises correctness.
type Pruner struct {
	store     NotificationPruner
	retention time.Duration
	logger    *zap.Logger
}

// NewPruner creates a pruner with the given retention window.
func NewPruner(store NotificationPruner, retention time.Duration, logger *zap.Logger) *Pruner {
	return &Pruner{
		store:     store,
		retention: retention,
		logger:    logger.With(zap.String("thread_type", "pruner")),
	}
}

// pruneInterval returns the base interval with a random jitter applied, so
// replicas sharing a store do not all prune at the same moment.
func pruneInterval() time.Duration {
	//nolint:gosec // G404: non-cryptographic randomness is fine for jitter
	offset := time.Duration(rand.Int64N(int64(2*pruneJitter))) - pruneJitter
	return basePruneInterval + offset
}

// Run executes the pruning loop until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	p.logger.Info("starting notification pruner",
		zap.Duration("retention", p.retention))

	timer := time.NewTimer(pruneInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("notification pruner stopping")
			return nil
		case <-timer.C:
		}

		pruned, err := p.store.PruneNotifications(ctx, p.retention)
		if err != nil {
			p.logger.Error("failed to prune notifications", zap.Error(err))
		} else if pruned > 0 {
			p.logger.Info("pruned old notifications", zap.Int64("rows", pruned))
		}

		timer.Reset(pruneInterval())
	}
}
