package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/graphmesh/schemasync/internal/metadata"
	"github.com/graphmesh/schemasync/internal/telemetry"
)

// VersionReader reads the current metadata resource version from the store.
type VersionReader interface {
	CurrentVersion(ctx context.Context) (metadata.ResourceVersion, error)
}

// errorState tracks the last logged poll failure so a store that stays
// unreachable with no version change produces one log line, not one per
// polling cycle.
type errorState struct {
	lastErr     error
	lastVersion *metadata.ResourceVersion
}

// shouldLog reports whether this failure is worth a new log line: either the
// error changed, or the best-known version changed since the last line.
func (s *errorState) shouldLog(err error, version *metadata.ResourceVersion) bool {
	if s.lastErr == nil {
		return true
	}
	if s.lastErr.Error() != err.Error() {
		return true
	}
	return !versionsEqual(s.lastVersion, version)
}

// record remembers the failure that was just considered.
func (s *errorState) record(err error, version *metadata.ResourceVersion) {
	s.lastErr = err
	s.lastVersion = version
}

// reset clears the state after a successful poll and reports whether the
// previous cycle was in an error state.
func (s *errorState) reset() bool {
	wasError := s.lastErr != nil
	s.lastErr = nil
	s.lastVersion = nil
	return wasError
}

func versionsEqual(a, b *metadata.ResourceVersion) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Listener polls the metadata store for the current resource version and
// publishes every observed value into the mailbox. Poll failures are never
// fatal; the loop runs until ctx is cancelled.
type Listener struct {
	store    VersionReader
	mailbox  *Mailbox
	interval time.Duration
	logger   *zap.Logger
	metrics  *telemetry.SyncMetrics

	errState errorState
	lastSeen *metadata.ResourceVersion
}

// NewListener creates a listener polling at the given interval.
func NewListener(
	store VersionReader,
	mailbox *Mailbox,
	interval time.Duration,
	logger *zap.Logger,
	metrics *telemetry.SyncMetrics,
) *Listener {
	return &Listener{
		store:    store,
		mailbox:  mailbox,
		interval: interval,
		logger:   logger.With(zap.String("thread_type", "listener")),
		metrics:  metrics,
	}
}

// Run executes the polling loop until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("starting schema sync listener",
		zap.Duration("poll_interval", l.interval))

	for {
		l.poll(ctx)

		select {
		case <-ctx.Done():
			l.logger.Info("schema sync listener stopping")
			return nil
		case <-time.After(l.interval):
		}
	}
}

// poll runs one cycle: fetch the current version, publish it, and keep the
// error-state bookkeeping in order.
func (l *Listener) poll(ctx context.Context) {
	version, err := l.store.CurrentVersion(ctx)
	if err != nil {
		l.metrics.RecordPollFailure(ctx)
		if l.errState.shouldLog(err, l.lastSeen) {
			l.logger.Error("could not fetch metadata resource version",
				zap.Error(err),
				zap.Stringer("last_seen_version", stringerOrNil(l.lastSeen)))
		}
		l.errState.record(err, l.lastSeen)
		return
	}

	if l.errState.reset() {
		l.logger.Info("metadata store connection restored",
			zap.Stringer("resource_version", version))
	}

	l.lastSeen = &version
	l.mailbox.Publish(version)
}

// stringerOrNil renders an optional version for logging.
func stringerOrNil(v *metadata.ResourceVersion) fmt.Stringer {
	if v == nil {
		return noneVersion{}
	}
	return *v
}

type noneVersion struct{}

func (noneVersion) String() string { return "none" }
