// Package ids hands out dense small integer identifiers.
package ids

import (
	"github.com/bits-and-blooms/bitset"

	"shmcall/internal/fault"
)

// Allocator tracks which ids in [0, Cap) are in use and always hands out the
// lowest free one, so live ids stay dense.
type Allocator struct {
	used  *bitset.BitSet
	limit uint
}

// New returns an allocator for ids in [0, capacity).
func New(capacity int) *Allocator {
	if capacity <= 0 {
		capacity = 1
	}
	return &Allocator{used: bitset.New(uint(capacity)), limit: uint(capacity)}
}

// Allocate returns the lowest free id. ok is false when every id is taken.
func (a *Allocator) Allocate() (id int, ok bool) {
	i, found := a.used.NextClear(0)
	if !found || i >= a.limit {
		return 0, false
	}
	a.used.Set(i)
	return int(i), true
}

// Release frees id. Releasing an id that is not allocated means some table
// lost track of ownership and panics with a Fatal error.
func (a *Allocator) Release(id int) {
	if id < 0 || uint(id) >= a.limit {
		fault.Panic("ids.release", "id %d out of range [0,%d)", id, a.limit)
	}
	if !a.used.Test(uint(id)) {
		fault.Panic("ids.release", "id %d is not allocated", id)
	}
	a.used.Clear(uint(id))
}

// InUse reports whether id is currently allocated.
func (a *Allocator) InUse(id int) bool {
	return id >= 0 && uint(id) < a.limit && a.used.Test(uint(id))
}

// Len returns the number of allocated ids.
func (a *Allocator) Len() int { return int(a.used.Count()) }

// Cap returns the id space size.
func (a *Allocator) Cap() int { return int(a.limit) }
