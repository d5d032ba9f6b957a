// Package idalloc implements the small-integer id bitmap allocator used by
// the container holder (container ids), the volume holder (volume ids) and
// the network manager's NAT address pool. Grounded on
// original_source/util/idmap.hpp's "first free bit, word-at-a-time scan"
// shape, expressed with math/bits instead of hand-rolled bit loops.
package idalloc

import (
	"fmt"
	"math/bits"
	"sync"
)

// Map is a fixed-size bitmap of size ids, 0..size-1. The zero value is not
// ready to use; call New.
type Map struct {
	mu    sync.Mutex
	words []uint64
	size  int
}

// New returns a Map able to allocate ids in [0, size).
func New(size int) *Map {
	n := (size + 63) / 64
	return &Map{words: make([]uint64, n), size: size}
}

// Get allocates and returns the lowest-numbered free id.
func (m *Map) Get() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for wi, w := range m.words {
		if w == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^w)
		id := wi*64 + bit
		if id >= m.size {
			break
		}
		m.words[wi] |= 1 << uint(bit)
		return id, nil
	}
	return 0, fmt.Errorf("idalloc: no free id (capacity %d exhausted)", m.size)
}

// GetAt reserves a specific id, used when restoring a container/volume whose
// id was already persisted. Returns an error if the id is already in use.
func (m *Map) GetAt(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= m.size {
		return fmt.Errorf("idalloc: id %d out of range [0,%d)", id, m.size)
	}
	wi, bit := id/64, uint(id%64)
	if m.words[wi]&(1<<bit) != 0 {
		return fmt.Errorf("idalloc: id %d already in use", id)
	}
	m.words[wi] |= 1 << bit
	return nil
}

// Put releases id back to the pool. Releasing an id not currently held is a
// no-op, matching the source's tolerant Put semantics.
func (m *Map) Put(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= m.size {
		return
	}
	wi, bit := id/64, uint(id%64)
	m.words[wi] &^= 1 << bit
}

// Used reports how many ids are currently allocated.
func (m *Map) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}
