// Package schemacache holds the compiled schema cache shared by all request
// handlers in a replica, and the single-writer discipline around mutating it.
package schemacache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/graphmesh/schemasync/internal/metadata"
)

// SchemaCache is one compiled snapshot of the metadata. Snapshots are
// immutable once published; mutation happens by building a new snapshot and
// swapping it in via the Holder.
type SchemaCache struct {
	// ResourceVersion is the metadata version this cache was built from.
	// Nil before the first synchronization stamps it.
	ResourceVersion *metadata.ResourceVersion

	RemoteSchemas  metadata.NameSet
	Sources        metadata.NameSet
	DataConnectors metadata.NameSet

	Document *metadata.Document
}

// Clone returns a shallow copy suitable for building the next snapshot.
func (c *SchemaCache) Clone() *SchemaCache {
	if c == nil {
		return &SchemaCache{}
	}
	out := *c
	return &out
}

// FullInvalidations returns the invalidation set covering everything the
// cache currently knows about: metadata itself plus every remote schema,
// source and data connector.
func (c *SchemaCache) FullInvalidations() metadata.CacheInvalidations {
	return metadata.CacheInvalidations{
		Metadata:       true,
		RemoteSchemas:  c.RemoteSchemas,
		Sources:        c.Sources,
		DataConnectors: c.DataConnectors,
	}
}

// BuildMessages carries informational output produced while rebuilding the
// cache (inconsistencies, skipped objects and the like).
type BuildMessages []string

// Rebuilder recompiles the schema cache from a metadata document, refreshing
// exactly the objects named by the invalidation set. Implementations are
// called under the Holder's write lock and must not retain the current
// snapshot; they return a fresh one.
type Rebuilder interface {
	ApplyInvalidations(
		ctx context.Context,
		current *SchemaCache,
		inv metadata.CacheInvalidations,
		doc *metadata.Document,
	) (*SchemaCache, BuildMessages, error)
}

// Holder owns the current SchemaCache snapshot for the process. Readers load
// the snapshot without locking; all mutation is funneled through Update so
// two mutations never interleave and readers never observe a half-built
// cache.
type Holder struct {
	mu         sync.Mutex
	current    atomic.Pointer[SchemaCache]
	rebuilding atomic.Bool
}

// NewHolder creates a holder with the given initial snapshot.
func NewHolder(initial *SchemaCache) *Holder {
	h := &Holder{}
	if initial == nil {
		initial = &SchemaCache{}
	}
	h.current.Store(initial)
	return h
}

// Current returns the current snapshot. The returned value is immutable and
// stays internally consistent even if a rebuild replaces it concurrently.
func (h *Holder) Current() *SchemaCache {
	return h.current.Load()
}

// RebuildInProgress reports whether a mutation is currently running. This is
// informational, for health checks; it does not gate reads.
func (h *Holder) RebuildInProgress() bool {
	return h.rebuilding.Load()
}

// Update runs fn under the process-wide write lock. fn receives the current
// snapshot and returns its replacement; the swap is atomic from the
// perspective of readers. If fn fails, the current snapshot is left in place.
func (h *Holder) Update(fn func(current *SchemaCache) (*SchemaCache, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rebuilding.Store(true)
	defer h.rebuilding.Store(false)

	next, err := fn(h.current.Load())
	if err != nil {
		return err
	}
	if next != nil {
		h.current.Store(next)
	}
	return nil
}
