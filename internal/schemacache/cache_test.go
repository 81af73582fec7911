package schemacache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmesh/schemasync/internal/metadata"
)

func TestHolder_UpdateSwapsSnapshotAtomically(t *testing.T) {
	t.Parallel()

	initial := &SchemaCache{Sources: metadata.NewNameSet("pg1")}
	h := NewHolder(initial)
	assert.Same(t, initial, h.Current())

	next := &SchemaCache{Sources: metadata.NewNameSet("pg1", "pg2")}
	err := h.Update(func(current *SchemaCache) (*SchemaCache, error) {
		assert.Same(t, initial, current)
		return next, nil
	})
	require.NoError(t, err)
	assert.Same(t, next, h.Current())
}

func TestHolder_FailedUpdateKeepsCurrentSnapshot(t *testing.T) {
	t.Parallel()

	initial := &SchemaCache{}
	h := NewHolder(initial)

	err := h.Update(func(*SchemaCache) (*SchemaCache, error) {
		return nil, errors.New("rebuild failed")
	})
	require.Error(t, err)
	assert.Same(t, initial, h.Current())
}

func TestHolder_RebuildInProgressFlag(t *testing.T) {
	t.Parallel()

	h := NewHolder(&SchemaCache{})
	assert.False(t, h.RebuildInProgress())

	var seen bool
	err := h.Update(func(current *SchemaCache) (*SchemaCache, error) {
		seen = h.RebuildInProgress()
		return current, nil
	})
	require.NoError(t, err)
	assert.True(t, seen)
	assert.False(t, h.RebuildInProgress())
}

func TestHolder_ConcurrentMutatorsNeverInterleave(t *testing.T) {
	t.Parallel()

	h := NewHolder(&SchemaCache{})
	const writers = 8
	const updatesPerWriter = 50

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range updatesPerWriter {
				_ = h.Update(func(current *SchemaCache) (*SchemaCache, error) {
					next := current.Clone()
					next.Sources = current.Sources.Union(metadata.NewNameSet("pg1"))
					return next, nil
				})
			}
		}()
	}

	// Readers running alongside must always see a complete snapshot.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for range 1000 {
			c := h.Current()
			require.NotNil(t, c)
		}
	}()

	wg.Wait()
	<-readDone
	assert.True(t, h.Current().Sources.Has("pg1"))
}

func TestSchemaCache_FullInvalidations(t *testing.T) {
	t.Parallel()

	cache := &SchemaCache{
		RemoteSchemas:  metadata.NewNameSet("gh"),
		Sources:        metadata.NewNameSet("pg1", "pg2"),
		DataConnectors: metadata.NewNameSet("clickhouse"),
	}

	inv := cache.FullInvalidations()
	assert.True(t, inv.Metadata)
	assert.ElementsMatch(t, []string{"gh"}, inv.RemoteSchemas.Names())
	assert.ElementsMatch(t, []string{"pg1", "pg2"}, inv.Sources.Names())
	assert.ElementsMatch(t, []string{"clickhouse"}, inv.DataConnectors.Names())
}

func TestDocumentRebuilder_CompilesDeclaredObjects(t *testing.T) {
	t.Parallel()

	doc := &metadata.Document{
		RemoteSchemas:  []string{"gh"},
		Sources:        []string{"pg1"},
		DataConnectors: []string{"clickhouse"},
	}
	current := &SchemaCache{
		RemoteSchemas: metadata.NewNameSet("gh", "gitlab"),
	}

	next, messages, err := NewDocumentRebuilder().ApplyInvalidations(
		context.Background(),
		current,
		metadata.CacheInvalidations{
			Metadata:      true,
			RemoteSchemas: metadata.NewNameSet("gh", "gitlab"),
		},
		doc,
	)
	require.NoError(t, err)
	assert.True(t, next.RemoteSchemas.Has("gh"))
	assert.False(t, next.RemoteSchemas.Has("gitlab"))
	assert.True(t, next.Sources.Has("pg1"))
	// The dropped remote schema is reported in the build messages.
	assert.Contains(t, messages, `remote schema "gitlab" removed`)
}

func TestDocumentRebuilder_RequiresDocument(t *testing.T) {
	t.Parallel()

	_, _, err := NewDocumentRebuilder().ApplyInvalidations(
		context.Background(), &SchemaCache{}, metadata.CacheInvalidations{}, nil)
	assert.Error(t, err)
}
