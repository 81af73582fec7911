package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmesh/schemasync/internal/metadata"
)

func TestMailbox_PublishThenTake(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	m.Publish(metadata.ResourceVersion(7))

	v, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metadata.ResourceVersion(7), v)
}

func TestMailbox_OverwriteKeepsLatest(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	m.Publish(1)
	m.Publish(2)
	m.Publish(3)

	// Intermediate values are dropped; the last published value wins.
	v, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metadata.ResourceVersion(3), v)
}

func TestMailbox_TakeBlocksUntilPublish(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	result := make(chan metadata.ResourceVersion, 1)

	go func() {
		v, err := m.Take(context.Background())
		if err == nil {
			result <- v
		}
	}()

	// Give the taker a moment to block on the empty slot.
	select {
	case <-result:
		t.Fatal("Take returned before any value was published")
	case <-time.After(50 * time.Millisecond):
	}

	m.Publish(42)

	select {
	case v := <-result:
		assert.Equal(t, metadata.ResourceVersion(42), v)
	case <-time.After(time.Second):
		t.Fatal("Take did not observe the published value")
	}
}

func TestMailbox_TakeHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailbox_SlowConsumerObservesNonDecreasingTail(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	const last = metadata.ResourceVersion(200)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := metadata.ResourceVersion(1); v <= last; v++ {
			m.Publish(v)
		}
	}()

	var observed []metadata.ResourceVersion
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		v, err := m.Take(ctx)
		cancel()
		require.NoError(t, err)
		observed = append(observed, v)
		if v == last {
			break
		}
	}
	<-done

	// The consumer may skip intermediate values but never goes backwards,
	// and always ends on the final published value.
	for i := 1; i < len(observed); i++ {
		assert.Greater(t, observed[i], observed[i-1])
	}
	assert.Equal(t, last, observed[len(observed)-1])
}
