// Package store tracks open datasets. The cache maps a dataset id to the
// source path and structural metadata only; native handles are opened per
// request by the callers and never stored, so evicting an entry can never
// invalidate a handle another request is using.
package store

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rasterview/server/internal/engine"
)

// DefaultCapacity bounds the number of registered datasets when the
// configuration does not say otherwise.
const DefaultCapacity = 32

// BandStats are the per-band display statistics.
type BandStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Entry is one registered dataset: its id, the path handles are opened from,
// and the metadata captured at registration time.
type Entry struct {
	ID   string
	Path string
	Info engine.Info

	// NoData is the declared nodata value of the first band, captured from
	// the probing handle at registration. Nil when none is declared.
	NoData *float64

	// stats is a fixed arena of per-band slots; each band's statistics are
	// computed at most once per entry lifetime, concurrent callers block on
	// the winner.
	stats []statSlot
}

type statSlot struct {
	once  sync.Once
	stats BandStats
	err   error
}

// NewEntry builds an entry with a stats arena sized to the band count.
func NewEntry(id, path string, info engine.Info) *Entry {
	return &Entry{
		ID:    id,
		Path:  path,
		Info:  info,
		stats: make([]statSlot, info.Bands),
	}
}

// Stats returns the cached statistics for band (1-based), invoking compute
// on first use. A compute failure sticks for the entry's lifetime; closing
// and reopening the dataset resets it.
func (e *Entry) Stats(band int, compute func() (BandStats, error)) (BandStats, error) {
	slot := &e.stats[band-1]
	slot.once.Do(func() {
		slot.stats, slot.err = compute()
	})
	return slot.stats, slot.err
}

// HasBand reports whether band (1-based) exists.
func (e *Entry) HasBand(band int) bool {
	return band >= 1 && band <= e.Info.Bands
}

// Cache is a bounded, LRU-evicting registry of open datasets. Safe for
// concurrent use.
type Cache struct {
	lru *lru.Cache[string, *Entry]
}

// New creates a cache holding at most capacity entries; the least recently
// used entry is evicted when a new one would exceed it. onEvict, if not nil,
// runs whenever an entry leaves the cache, whether evicted or removed.
func New(capacity int, onEvict func(*Entry)) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	var cb func(string, *Entry)
	if onEvict != nil {
		cb = func(_ string, e *Entry) { onEvict(e) }
	}
	inner, err := lru.NewWithEvict[string, *Entry](capacity, cb)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: inner}, nil
}

// Put registers an entry under its id, refreshing recency.
func (c *Cache) Put(e *Entry) {
	c.lru.Add(e.ID, e)
}

// Get returns the entry for id and marks it recently used.
func (c *Cache) Get(id string) (*Entry, bool) {
	return c.lru.Get(id)
}

// Remove drops id from the cache. Returns false when id was not present.
// The underlying file is untouched; in-flight requests holding a handle
// opened from the entry's path finish normally.
func (c *Cache) Remove(id string) bool {
	return c.lru.Remove(id)
}

// Len reports the number of registered datasets.
func (c *Cache) Len() int { return c.lru.Len() }

// IDs lists registered dataset ids, least recently used first.
func (c *Cache) IDs() []string { return c.lru.Keys() }
