package livesync

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LeafCache is a bounded bidirectional map between a leaf's payload and the
// id it was stored under. It exists to let PutLeaf skip a round trip to the
// database when the same content has been written recently.
//
// The engine this package was ported from runs on a single cooperative task
// scheduler, so its cache needed no internal locking; this port targets a
// goroutine-capable runtime instead (see the concurrency notes in
// SPEC_FULL.md §5),
// so LeafCache guards both directions with one mutex.
type LeafCache struct {
	mu       sync.Mutex
	toID     *lru.Cache[string, string]
	fromID   *lru.Cache[string, string]
}

// NewLeafCache builds a cache holding up to capacity entries per direction.
// Grounded on the vechain-thor leaf-bank pattern of pairing one
// hashicorp/golang-lru cache per lookup direction rather than one cache
// with two keyspaces.
func NewLeafCache(capacity int) *LeafCache {
	if capacity <= 0 {
		capacity = 1
	}
	toID, _ := lru.New[string, string](capacity)
	fromID, _ := lru.New[string, string](capacity)
	return &LeafCache{toID: toID, fromID: fromID}
}

// Set records that data was stored under id, evicting the least recently
// used entry in each direction if the cache is full.
func (c *LeafCache) Set(data, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toID.Add(data, id)
	c.fromID.Add(id, data)
}

// Get returns the id previously stored for data, if still cached.
func (c *LeafCache) Get(data string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toID.Get(data)
}

// RevGet returns the data previously stored under id, if still cached.
func (c *LeafCache) RevGet(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fromID.Get(id)
}

// Len reports the number of entries currently cached in the data->id
// direction.
func (c *LeafCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toID.Len()
}
