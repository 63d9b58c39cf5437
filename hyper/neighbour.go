package hyper

import (
	"sync"
	"time"

	"github.com/hyperspace-platform/hyperspace/frame"
)

// Neighbour stores the last-heard routing state of a one-hop neighbor.
type Neighbour struct {
	// Addr is the neighbor's link-layer address.
	Addr frame.Addr
	// Coord is the neighbor's last advertised hyperbolic coordinate.
	Coord Coord
	// Seq is the coordinate sequence number that came with Coord.
	Seq uint8
	// LastHeard is the timestamp of the last frame from this neighbor.
	LastHeard time.Time
}

// NeighbourCache is a copy-on-write key-value cache of neighbor state.
//
// Readers take an immutable snapshot with View and never contend with
// writers beyond the pointer swap.
type NeighbourCache struct {
	mu    sync.RWMutex
	cache map[uint16]Neighbour
}

// NewNeighbourCache returns an empty neighbor cache.
func NewNeighbourCache() *NeighbourCache {
	return &NeighbourCache{
		cache: map[uint16]Neighbour{},
	}
}

// View returns a read-only snapshot of this cache.
func (m *NeighbourCache) View() NeighbourView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Just copy the pointer: writers replace the map, never mutate it.
	return NeighbourView{cache: m.cache}
}

// Upsert installs or replaces the entry for the given short address.
func (m *NeighbourCache) Upsert(short uint16, n Neighbour) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[uint16]Neighbour, len(m.cache)+1)
	for k, v := range m.cache {
		next[k] = v
	}
	next[short] = n
	m.cache = next
}

// Swap atomically replaces the entire cache.
func (m *NeighbourCache) Swap(cache map[uint16]Neighbour) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = cache
}

// NeighbourView is a read-only snapshot of the neighbor cache.
type NeighbourView struct {
	cache map[uint16]Neighbour
}

// Lookup returns the entry for the given short address.
func (m NeighbourView) Lookup(short uint16) (Neighbour, bool) {
	n, ok := m.cache[short]
	return n, ok
}

// Traverse calls fn for every entry until it returns false.
func (m NeighbourView) Traverse(fn func(uint16, Neighbour) bool) {
	for k, v := range m.cache {
		if !fn(k, v) {
			return
		}
	}
}

// Len returns the number of entries in the snapshot.
func (m NeighbourView) Len() int {
	return len(m.cache)
}
