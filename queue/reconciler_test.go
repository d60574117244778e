package queue

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PetertheMD/nautune-sub003/model"
	"github.com/PetertheMD/nautune-sub003/wire"
)

func newTestReconciler(t *testing.T, size int) *Reconciler {
	t.Helper()
	logger := zerolog.Nop()
	r, err := NewReconciler(Config{Logger: &logger, CacheSize: size})
	require.NoError(t, err)
	return r
}

func barePairs(n int) []wire.QueuePair {
	pairs := make([]wire.QueuePair, 0, n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, wire.QueuePair{
			ItemID:         fmt.Sprintf("track-%d", i),
			PlaylistItemID: fmt.Sprintf("pl-%d", i),
		})
	}
	return pairs
}

func TestReconcileBarePairsAllMissing(t *testing.T) {
	r := newTestReconciler(t, 0)

	entries, missing := r.Reconcile(nil, barePairs(50))
	require.Len(t, entries, 50)
	// One miss-list for the whole snapshot; the caller issues a single
	// batched fetch, never one request per track.
	assert.Len(t, missing, 50)
	for _, e := range entries {
		assert.True(t, e.Track.Placeholder)
		assert.Equal(t, PlaceholderName, e.Track.Name)
	}
}

func TestReconcileDeduplicatesMissIDs(t *testing.T) {
	r := newTestReconciler(t, 0)

	pairs := []wire.QueuePair{
		{ItemID: "t1", PlaylistItemID: "p1"},
		{ItemID: "t1", PlaylistItemID: "p2"},
		{ItemID: "t2", PlaylistItemID: "p3"},
	}
	entries, missing := r.Reconcile(nil, pairs)
	require.Len(t, entries, 3)
	// Duplicate tracks in a queue are legal; the fetch list is not
	// duplicated for them.
	assert.Equal(t, []string{"t1", "t2"}, missing)
}

func TestReconcileReusesCurrentQueueMetadata(t *testing.T) {
	r := newTestReconciler(t, 0)

	current := []model.QueueEntry{
		{Track: model.Track{ID: "t1", Name: "Known Song"}, PlaylistItemID: "old-p1"},
	}
	entries, missing := r.Reconcile(current, []wire.QueuePair{
		{ItemID: "t1", PlaylistItemID: "new-p1"},
		{ItemID: "t2", PlaylistItemID: "new-p2"},
	})
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"t2"}, missing, "only the unknown track may miss")
	assert.Equal(t, "Known Song", entries[0].Track.Name)
	assert.Equal(t, "new-p1", entries[0].PlaylistItemID)
}

func TestReconcileUsesInlineMetadata(t *testing.T) {
	r := newTestReconciler(t, 0)

	inline := &model.Track{ID: "t1", Name: "Inline Song"}
	entries, missing := r.Reconcile(nil, []wire.QueuePair{
		{ItemID: "t1", PlaylistItemID: "p1", Inline: inline},
	})
	require.Len(t, entries, 1)
	assert.Empty(t, missing)
	assert.Equal(t, "Inline Song", entries[0].Track.Name)

	// Inline metadata seeds the cache for later bare-pair snapshots.
	entries, missing = r.Reconcile(nil, []wire.QueuePair{
		{ItemID: "t1", PlaylistItemID: "p2"},
	})
	assert.Empty(t, missing)
	assert.Equal(t, "Inline Song", entries[0].Track.Name)
}

func TestResolveInto(t *testing.T) {
	r := newTestReconciler(t, 0)

	entries, missing := r.Reconcile(nil, barePairs(3))
	require.Len(t, missing, 3)

	r.StoreResolved([]model.Track{
		{ID: "track-0", Name: "Zero"},
		{ID: "track-2", Name: "Two"},
	})
	entries, filled := r.ResolveInto(entries)
	assert.Equal(t, 2, filled)
	assert.Equal(t, "Zero", entries[0].Track.Name)
	assert.True(t, entries[1].Track.Placeholder, "unresolved entry stays a placeholder")
	assert.Equal(t, "Two", entries[2].Track.Name)
}

func TestStoreResolvedIgnoresPlaceholders(t *testing.T) {
	r := newTestReconciler(t, 0)
	r.StoreResolved([]model.Track{
		{ID: "t1", Placeholder: true},
		{ID: ""},
		{ID: "t2", Name: "Real"},
	})
	assert.Equal(t, 1, r.CacheLen())
}

func TestCacheBounded(t *testing.T) {
	r := newTestReconciler(t, 10)

	tracks := make([]model.Track, 0, 25)
	for i := 0; i < 25; i++ {
		tracks = append(tracks, model.Track{
			ID:   fmt.Sprintf("track-%d", i),
			Name: fmt.Sprintf("Song %d", i),
		})
	}
	r.StoreResolved(tracks)
	assert.Equal(t, 10, r.CacheLen())

	// Oldest entries were evicted, newest survive.
	entries, missing := r.Reconcile(nil, []wire.QueuePair{
		{ItemID: "track-0", PlaylistItemID: "p0"},
		{ItemID: "track-24", PlaylistItemID: "p24"},
	})
	assert.Equal(t, []string{"track-0"}, missing)
	assert.Equal(t, "Song 24", entries[1].Track.Name)
}
