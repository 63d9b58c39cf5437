// Package pool provides a fixed-capacity pool addressed by stable indices.
//
// Pool handles replace heap pointers for objects with intrusive linkage, so
// an entry can be referenced from several places without pinning allocator
// memory.
package pool

import (
	"errors"

	"github.com/hyperspace-platform/hyperspace/internal/bitset"
)

// ErrExhausted is returned when the pool has no free entries.
var ErrExhausted = errors.New("pool exhausted")

// Pool is a fixed-capacity pool of values of type T.
type Pool[T any] struct {
	items    []T
	occupied *bitset.Bitset
}

// New constructs a pool with the given capacity.
func New[T any](capacity uint32) *Pool[T] {
	return &Pool[T]{
		items:    make([]T, capacity),
		occupied: bitset.New(capacity),
	}
}

// Capacity returns the total number of entries.
func (m *Pool[T]) Capacity() uint32 {
	return uint32(len(m.items))
}

// Len returns the number of allocated entries.
func (m *Pool[T]) Len() uint {
	return m.occupied.Count()
}

// Alloc reserves a free entry and returns its index and a pointer to it.
//
// The entry is returned zeroed.
func (m *Pool[T]) Alloc() (uint32, *T, error) {
	idx, ok := m.occupied.NextClear()
	if !ok {
		return 0, nil, ErrExhausted
	}

	m.occupied.Insert(idx)

	var zero T
	m.items[idx] = zero
	return idx, &m.items[idx], nil
}

// Free releases the entry at the given index.
func (m *Pool[T]) Free(idx uint32) {
	m.occupied.Remove(idx)
}

// Get returns the entry at the given index, or nil if it is not allocated.
func (m *Pool[T]) Get(idx uint32) *T {
	if !m.occupied.Contains(idx) {
		return nil
	}

	return &m.items[idx]
}

// Traverse calls the given function for each allocated entry until it
// returns false.
func (m *Pool[T]) Traverse(fn func(uint32, *T) bool) {
	m.occupied.Traverse(func(idx uint32) bool {
		return fn(idx, &m.items[idx])
	})
}
