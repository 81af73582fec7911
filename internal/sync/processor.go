package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Processor consumes versions from the mailbox and hands each one to the
// reconciler. Reconciliations run strictly sequentially; a failed one is
// logged and dropped, the next published version triggers a fresh attempt.
type Processor struct {
	mailbox    *Mailbox
	reconciler *Reconciler
	logger     *zap.Logger
}

// NewProcessor creates a processor draining the given mailbox.
func NewProcessor(mailbox *Mailbox, reconciler *Reconciler, logger *zap.Logger) *Processor {
	return &Processor{
		mailbox:    mailbox,
		reconciler: reconciler,
		logger:     logger.With(zap.String("thread_type", "processor")),
	}
}

// Run executes the processing loop until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("starting schema sync processor")

	for {
		version, err := p.mailbox.Take(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.logger.Info("schema sync processor stopping")
				return nil
			}
			return err
		}

		if err := p.reconciler.Reconcile(ctx, version); err != nil {
			p.logger.Error("schema sync reconciliation failed",
				zap.Stringer("target_version", version),
				zap.Error(err))
		}
	}
}
