// Package bitmap provides fixed-width bit sets with constant-time
// lowest-set-bit search, used as the scheduler's priority index.
//
// Bit 0 is the highest priority. Bitmap64 answers FindFirstSet with one
// trailing-zeros scan; Bitmap4096 keeps a summary word whose bit g is set iff
// group word g is non-zero, so the search is two scans.
package bitmap

import (
	"fmt"
	"math/bits"
)

// None is returned by the search functions when no bit qualifies.
const None = -1

// Index is the common interface of Bitmap64 and Bitmap4096.
type Index interface {
	Set(i int)
	Clear(i int)
	Get(i int) bool
	FindFirstSet() int
	Empty() bool
	Len() int
}

// New returns the narrowest bitmap that holds n bits.
func New(n int) (Index, error) {
	switch {
	case n <= 0:
		return nil, fmt.Errorf("bitmap: width must be positive, got %d", n)
	case n <= 64:
		return new(Bitmap64), nil
	case n <= 4096:
		return new(Bitmap4096), nil
	default:
		return nil, fmt.Errorf("bitmap: width %d exceeds 4096", n)
	}
}

// Bitmap64 is a single 64-bit word.
type Bitmap64 uint64

func (b *Bitmap64) Set(i int)      { *b |= 1 << uint(i) }
func (b *Bitmap64) Clear(i int)    { *b &^= 1 << uint(i) }
func (b *Bitmap64) Get(i int) bool { return *b&(1<<uint(i)) != 0 }
func (b *Bitmap64) Empty() bool    { return *b == 0 }
func (b *Bitmap64) Len() int       { return 64 }

// FindFirstSet returns the lowest set index or None.
func (b *Bitmap64) FindFirstSet() int {
	if *b == 0 {
		return None
	}
	return bits.TrailingZeros64(uint64(*b))
}

// FindFirstZero returns the lowest clear index or None.
func (b *Bitmap64) FindFirstZero() int {
	if ^*b == 0 {
		return None
	}
	return bits.TrailingZeros64(^uint64(*b))
}

// Fetch clears and returns the lowest set index, or None.
func (b *Bitmap64) Fetch() int {
	i := b.FindFirstSet()
	if i != None {
		b.Clear(i)
	}
	return i
}

// Count returns the number of set bits.
func (b *Bitmap64) Count() int { return bits.OnesCount64(uint64(*b)) }

// Bitmap4096 is a two-level bitmap of 64 groups of 64 bits.
type Bitmap4096 struct {
	l1 Bitmap64
	l2 [64]Bitmap64
}

func (b *Bitmap4096) Set(i int) {
	g := i >> 6
	b.l2[g].Set(i & 63)
	b.l1.Set(g)
}

func (b *Bitmap4096) Clear(i int) {
	g := i >> 6
	b.l2[g].Clear(i & 63)
	if b.l2[g].Empty() {
		b.l1.Clear(g)
	}
}

func (b *Bitmap4096) Get(i int) bool { return b.l2[i>>6].Get(i & 63) }
func (b *Bitmap4096) Empty() bool    { return b.l1.Empty() }
func (b *Bitmap4096) Len() int       { return 4096 }

// FindFirstSet returns the lowest set index or None.
func (b *Bitmap4096) FindFirstSet() int {
	g := b.l1.FindFirstSet()
	if g == None {
		return None
	}
	return g<<6 | b.l2[g].FindFirstSet()
}

// FindFirstZero returns the lowest clear index or None.
func (b *Bitmap4096) FindFirstZero() int {
	for g := range b.l2 {
		if i := b.l2[g].FindFirstZero(); i != None {
			return g<<6 | i
		}
	}
	return None
}

// Fetch clears and returns the lowest set index, or None.
func (b *Bitmap4096) Fetch() int {
	i := b.FindFirstSet()
	if i != None {
		b.Clear(i)
	}
	return i
}

// Count returns the number of set bits.
func (b *Bitmap4096) Count() int {
	n := 0
	for g := range b.l2 {
		n += b.l2[g].Count()
	}
	return n
}
