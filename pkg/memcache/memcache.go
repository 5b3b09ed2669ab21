// Package memcache implements the Memory Cache: a fixed-capacity, single-
// owner LRU mapping from tile index to decoded tile image, shared by the UI
// render loop and the Tile Fetcher.
package memcache

import (
	"context"
	"image"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/catacombing/charon/pkg/geo"
	"github.com/catacombing/charon/pkg/tracing"
)

// State is the tagged union a Memory Tile occupies: either still Loading
// (holding the cancellation handle for its in-flight fetch) or Ready with a
// decoded image.
type State struct {
	loading bool
	cancel  context.CancelFunc
	image   image.Image
}

// Loading constructs a Loading Memory Tile state carrying cancel, the
// cancellation handle for whatever task is producing the tile.
func Loading(cancel context.CancelFunc) State {
	return State{loading: true, cancel: cancel}
}

// Ready constructs a Ready Memory Tile state carrying the decoded image.
func Ready(img image.Image) State {
	return State{loading: false, image: img}
}

// IsLoading reports whether the tile is still being produced.
func (s State) IsLoading() bool { return s.loading }

// Image returns the decoded image and true if the state is Ready.
func (s State) Image() (image.Image, bool) {
	if s.loading {
		return nil, false
	}
	return s.image, true
}

// cancelIfLoading invokes the state's cancellation handle, if any. Safe to
// call on a Ready state (no-op).
func (s State) cancelIfLoading() {
	if s.loading && s.cancel != nil {
		s.cancel()
	}
}

// Cache is the bounded LRU over Memory Tiles described in the tile caching
// pipeline's Memory Cache component. It is single-owner: the UI render loop
// is the only caller, so no internal locking is used, matching the
// single-writer data structure the pipeline calls for.
type Cache struct {
	lru *lru.LRU[geo.TileIndex, State]
}

// New creates a Memory Cache with the given capacity. capacity must be at
// least 1.
func New(capacity int) *Cache {
	l, err := lru.NewLRU[geo.TileIndex, State](capacity, func(key geo.TileIndex, value State) {
		value.cancelIfLoading()
	})
	if err != nil {
		// capacity < 1 is a programmer error, not a runtime condition.
		panic(err)
	}
	return &Cache{lru: l}
}

// Insert adds or refreshes tile's recency. If the key already exists, its
// recency is bumped and its state replaced; a Loading state replaced by a
// new Loading state has its task cancelled, while a Ready state replacing a
// Loading one (the task's own result) cancels nothing. Otherwise entries are
// evicted (cancelling any Loading task) until there is room, then the tile
// is inserted as most-recently-used.
func (c *Cache) Insert(tile geo.TileIndex, state State) {
	_, span := tracing.StartSpan(context.Background(), "memcache.insert")
	defer span.End()

	if old, ok := c.lru.Peek(tile); ok && state.IsLoading() {
		old.cancelIfLoading()
	}
	c.lru.Add(tile, state)
}

// Get looks up tile without changing LRU recency, since the typical caller
// holds a reference to the returned state across frames and recency is
// driven by Insert instead.
func (c *Cache) Get(tile geo.TileIndex) (State, bool) {
	return c.lru.Peek(tile)
}

// Contains reports whether tile is present, without affecting recency.
func (c *Cache) Contains(tile geo.TileIndex) bool {
	return c.lru.Contains(tile)
}

// Clear drops every entry, cancelling any Loading tasks.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Len returns the number of tiles currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// ResolveWithFallback walks from tile up through parent tiles (z-1, z-2, …)
// returning the first Ready image found, or false if none of tile or its
// ancestors down to zoom 0 are Ready. This is a read-only traversal: it must
// not mutate LRU recency, so it uses Get rather than Insert at every step,
// per the pipeline's parent-tile fallback contract.
func (c *Cache) ResolveWithFallback(tile geo.TileIndex) (image.Image, geo.TileIndex, bool) {
	current := tile
	for {
		if state, ok := c.Get(current); ok {
			if img, ready := state.Image(); ready {
				return img, current, true
			}
		}
		parent, ok := current.Parent(1)
		if !ok {
			return nil, geo.TileIndex{}, false
		}
		current = parent
	}
}
