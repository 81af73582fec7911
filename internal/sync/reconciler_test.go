package sync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/graphmesh/schemasync/internal/metadata"
	"github.com/graphmesh/schemasync/internal/schemacache"
)

// fakeMetadataStore serves canned metadata and notifications.
type fakeMetadataStore struct {
	doc           *metadata.Document
	version       metadata.ResourceVersion
	notifications []metadata.Notification
	fetchErr      error
	notifErr      error

	mu         sync.Mutex
	fetchCalls int
	notifCalls int
}

func (f *fakeMetadataStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeMetadataStore) FetchMetadata(context.Context) (*metadata.Document, metadata.ResourceVersion, error) {
	f.mu.Lock()
	f.fetchCalls++
	f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, 0, f.fetchErr
	}
	return f.doc, f.version, nil
}

func (f *fakeMetadataStore) NotificationsSince(
	_ context.Context, after metadata.ResourceVersion, _ uuid.UUID,
) ([]metadata.Notification, error) {
	f.mu.Lock()
	f.notifCalls++
	f.mu.Unlock()
	if f.notifErr != nil {
		return nil, f.notifErr
	}
	var out []metadata.Notification
	for _, n := range f.notifications {
		if n.Version > after {
			out = append(out, n)
		}
	}
	return out, nil
}

// recordingRebuilder wraps the default rebuilder and records the invalidation
// sets it was asked to apply.
type recordingRebuilder struct {
	inner   schemacache.Rebuilder
	applied []metadata.CacheInvalidations
	err     error
}

func (r *recordingRebuilder) ApplyInvalidations(
	ctx context.Context,
	current *schemacache.SchemaCache,
	inv metadata.CacheInvalidations,
	doc *metadata.Document,
) (*schemacache.SchemaCache, schemacache.BuildMessages, error) {
	r.applied = append(r.applied, inv)
	if r.err != nil {
		return nil, nil, r.err
	}
	return r.inner.ApplyInvalidations(ctx, current, inv, doc)
}

func testDocument() *metadata.Document {
	return &metadata.Document{
		RemoteSchemas:  []string{"gh"},
		Sources:        []string{"pg1", "pg2"},
		DataConnectors: []string{"clickhouse"},
	}
}

func versionPtr(v metadata.ResourceVersion) *metadata.ResourceVersion {
	return &v
}

func newTestReconciler(
	t *testing.T, store MetadataStore, holder *schemacache.Holder,
) (*Reconciler, *recordingRebuilder) {
	t.Helper()
	rebuilder := &recordingRebuilder{inner: schemacache.NewDocumentRebuilder()}
	r := NewReconciler(store, holder, rebuilder, uuid.New(), zaptest.NewLogger(t), nil)
	return r, rebuilder
}

func TestReconciler_FirstSyncStampsVersionWithoutInvalidation(t *testing.T) {
	t.Parallel()

	store := &fakeMetadataStore{}
	holder := schemacache.NewHolder(&schemacache.SchemaCache{
		Sources: metadata.NewNameSet("pg1"),
	})
	r, rebuilder := newTestReconciler(t, store, holder)

	require.NoError(t, r.Reconcile(context.Background(), 4))

	cache := holder.Current()
	require.NotNil(t, cache.ResourceVersion)
	assert.Equal(t, metadata.ResourceVersion(4), *cache.ResourceVersion)
	// The startup cache is kept as-is; no fetch, no rebuild.
	assert.Empty(t, rebuilder.applied)
	assert.Zero(t, store.fetchCount())
	assert.True(t, cache.Sources.Has("pg1"))
}

func TestReconciler_SameVersionIsNoOp(t *testing.T) {
	t.Parallel()

	store := &fakeMetadataStore{}
	before := &schemacache.SchemaCache{ResourceVersion: versionPtr(10)}
	holder := schemacache.NewHolder(before)
	r, rebuilder := newTestReconciler(t, store, holder)

	require.NoError(t, r.Reconcile(context.Background(), 10))

	assert.Same(t, before, holder.Current())
	assert.Empty(t, rebuilder.applied)
	assert.Zero(t, store.fetchCount())
}

func TestReconciler_GaplessNotificationsApplyUnionedDiff(t *testing.T) {
	t.Parallel()

	diffA := metadata.CacheInvalidations{RemoteSchemas: metadata.NewNameSet("gh")}
	diffB := metadata.CacheInvalidations{Sources: metadata.NewNameSet("pg1")}
	store := &fakeMetadataStore{
		doc:     testDocument(),
		version: 12,
		notifications: []metadata.Notification{
			{Version: 11, Invalidations: diffA},
			{Version: 12, Invalidations: diffB},
		},
	}
	holder := schemacache.NewHolder(&schemacache.SchemaCache{ResourceVersion: versionPtr(10)})
	r, rebuilder := newTestReconciler(t, store, holder)

	require.NoError(t, r.Reconcile(context.Background(), 12))

	require.Len(t, rebuilder.applied, 1)
	applied := rebuilder.applied[0]
	assert.False(t, applied.Metadata)
	assert.ElementsMatch(t, []string{"gh"}, applied.RemoteSchemas.Names())
	assert.ElementsMatch(t, []string{"pg1"}, applied.Sources.Names())

	cache := holder.Current()
	require.NotNil(t, cache.ResourceVersion)
	assert.Equal(t, metadata.ResourceVersion(12), *cache.ResourceVersion)
}

func TestReconciler_NotificationGapForcesFullInvalidation(t *testing.T) {
	t.Parallel()

	store := &fakeMetadataStore{
		doc:     testDocument(),
		version: 13,
		notifications: []metadata.Notification{
			// Versions 11 and 12 were pruned.
			{Version: 13, Invalidations: metadata.CacheInvalidations{
				Sources: metadata.NewNameSet("pg1"),
			}},
		},
	}
	holder := schemacache.NewHolder(&schemacache.SchemaCache{
		ResourceVersion: versionPtr(10),
		RemoteSchemas:   metadata.NewNameSet("gh", "gitlab"),
		Sources:         metadata.NewNameSet("pg1"),
		DataConnectors:  metadata.NewNameSet("clickhouse"),
	})
	r, rebuilder := newTestReconciler(t, store, holder)

	require.NoError(t, r.Reconcile(context.Background(), 13))

	require.Len(t, rebuilder.applied, 1)
	applied := rebuilder.applied[0]
	// Full invalidation: metadata plus everything currently known, not just
	// what the surviving notification names.
	assert.True(t, applied.Metadata)
	assert.ElementsMatch(t, []string{"gh", "gitlab"}, applied.RemoteSchemas.Names())
	assert.ElementsMatch(t, []string{"pg1"}, applied.Sources.Names())
	assert.ElementsMatch(t, []string{"clickhouse"}, applied.DataConnectors.Names())

	cache := holder.Current()
	require.NotNil(t, cache.ResourceVersion)
	assert.Equal(t, metadata.ResourceVersion(13), *cache.ResourceVersion)
}

func TestReconciler_EmptyNotificationsAdvanceVersionWithoutRebuild(t *testing.T) {
	t.Parallel()

	store := &fakeMetadataStore{
		doc:     testDocument(),
		version: 15,
	}
	before := &schemacache.SchemaCache{
		ResourceVersion: versionPtr(10),
		Sources:         metadata.NewNameSet("pg1"),
	}
	holder := schemacache.NewHolder(before)
	r, rebuilder := newTestReconciler(t, store, holder)

	require.NoError(t, r.Reconcile(context.Background(), 15))

	cache := holder.Current()
	require.NotNil(t, cache.ResourceVersion)
	assert.Equal(t, metadata.ResourceVersion(15), *cache.ResourceVersion)
	assert.Empty(t, rebuilder.applied)
	// The cache contents are untouched, only the version advanced.
	assert.True(t, cache.Sources.Has("pg1"))
}

func TestReconciler_StoreFailureLeavesCacheUntouched(t *testing.T) {
	t.Parallel()

	store := &fakeMetadataStore{fetchErr: errors.New("connection refused")}
	before := &schemacache.SchemaCache{ResourceVersion: versionPtr(10)}
	holder := schemacache.NewHolder(before)
	r, _ := newTestReconciler(t, store, holder)

	err := r.Reconcile(context.Background(), 11)
	require.Error(t, err)

	cache := holder.Current()
	assert.Same(t, before, cache)
	assert.Equal(t, metadata.ResourceVersion(10), *cache.ResourceVersion)
}

func TestReconciler_RebuildFailureLeavesCacheUntouched(t *testing.T) {
	t.Parallel()

	store := &fakeMetadataStore{
		doc:     testDocument(),
		version: 11,
		notifications: []metadata.Notification{
			{Version: 11, Invalidations: metadata.CacheInvalidations{Metadata: true}},
		},
	}
	before := &schemacache.SchemaCache{ResourceVersion: versionPtr(10)}
	holder := schemacache.NewHolder(before)
	rebuilder := &recordingRebuilder{
		inner: schemacache.NewDocumentRebuilder(),
		err:   errors.New("compile failed"),
	}
	r := NewReconciler(store, holder, rebuilder, uuid.New(), zaptest.NewLogger(t), nil)

	err := r.Reconcile(context.Background(), 11)
	require.Error(t, err)
	assert.Same(t, before, holder.Current())
}
