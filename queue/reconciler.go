// Package queue merges authoritative queue broadcasts with whatever track
// metadata is already known locally. The server may push full entries or
// bare (catalog id, playlist item id) pairs; bare pairs are resolved from
// the current queue, then a bounded cache, and anything still missing is
// fetched in one batched request, never one per track.
package queue

import (
	"github.com/rs/zerolog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/PetertheMD/nautune-sub003/model"
	"github.com/PetertheMD/nautune-sub003/wire"
)

const (
	defaultCacheSize = 500

	// PlaceholderName shows while metadata resolution is in flight.
	PlaceholderName = "Loading…"
)

type Config struct {
	Logger    *zerolog.Logger
	CacheSize int
}

type Reconciler struct {
	logger zerolog.Logger
	cache  *lru.Cache[string, model.Track]
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, model.Track](size)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		logger: cfg.Logger.With().Str("component", "queue").Logger(),
		cache:  cache,
	}, nil
}

// Reconcile builds the new queue from a broadcast. current supplies the
// cheapest metadata source (entries already resolved in memory); missing
// collects catalog ids that need the batched fetch, deduplicated and in
// first-seen order. Placeholders stand in for those until ResolveInto.
func (r *Reconciler) Reconcile(current []model.QueueEntry, pairs []wire.QueuePair) (entries []model.QueueEntry, missing []string) {
	known := make(map[string]model.Track, len(current))
	for _, e := range current {
		if !e.Track.Placeholder {
			known[e.Track.ID] = e.Track
		}
	}

	entries = make([]model.QueueEntry, 0, len(pairs))
	seen := make(map[string]struct{})
	for _, p := range pairs {
		entry := model.QueueEntry{PlaylistItemID: p.PlaylistItemID}
		if p.Inline != nil {
			entry.Track = *p.Inline
			r.cache.Add(p.ItemID, *p.Inline)
		} else if t, ok := known[p.ItemID]; ok {
			entry.Track = t
		} else if t, ok := r.cache.Get(p.ItemID); ok {
			entry.Track = t
		} else {
			entry.Track = model.Track{
				ID:          p.ItemID,
				Name:        PlaceholderName,
				Placeholder: true,
			}
			if _, dup := seen[p.ItemID]; !dup {
				seen[p.ItemID] = struct{}{}
				missing = append(missing, p.ItemID)
			}
		}
		entries = append(entries, entry)
	}

	if len(missing) > 0 {
		r.logger.Debug().
			Int("total", len(pairs)).
			Int("missing", len(missing)).
			Msg("queue update needs metadata fetch")
	}
	return entries, missing
}

// StoreResolved populates the cache with batch-fetched metadata.
func (r *Reconciler) StoreResolved(tracks []model.Track) {
	for _, t := range tracks {
		if t.ID == "" || t.Placeholder {
			continue
		}
		r.cache.Add(t.ID, t)
	}
}

// ResolveInto replaces placeholder entries whose metadata is now cached,
// in a single pass. It returns the updated queue and how many entries
// were filled.
func (r *Reconciler) ResolveInto(entries []model.QueueEntry) ([]model.QueueEntry, int) {
	filled := 0
	for i, e := range entries {
		if !e.Track.Placeholder {
			continue
		}
		if t, ok := r.cache.Get(e.Track.ID); ok {
			entries[i].Track = t
			filled++
		}
	}
	return entries, filled
}

// CacheLen reports the number of cached tracks.
func (r *Reconciler) CacheLen() int {
	return r.cache.Len()
}
