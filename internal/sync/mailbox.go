package sync

import (
	"context"
	"sync"

	"github.com/graphmesh/schemasync/internal/metadata"
)

// Mailbox is a single-slot handoff cell carrying the latest known metadata
// resource version. Publish overwrites any unread value and never blocks;
// Take blocks until a value is present. Intermediate values are dropped by
// design: the reconciler derives everything it needs from the latest version
// alone, so coalescing is correct and avoids unbounded queuing behind a slow
// consumer.
type Mailbox struct {
	mu    sync.Mutex
	slot  *metadata.ResourceVersion
	ready chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		ready: make(chan struct{}, 1),
	}
}

// Publish stores v, atomically discarding any unread value.
func (m *Mailbox) Publish(v metadata.ResourceVersion) {
	m.mu.Lock()
	m.slot = &v
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Take blocks until a value is present, then removes and returns it. It
// returns the context error if ctx is cancelled while waiting.
func (m *Mailbox) Take(ctx context.Context) (metadata.ResourceVersion, error) {
	for {
		m.mu.Lock()
		if m.slot != nil {
			v := *m.slot
			m.slot = nil
			m.mu.Unlock()
			return v, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-m.ready:
		}
	}
}
