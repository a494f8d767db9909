package sched

import (
	"math/bits"
	"sync/atomic"

	"shmcall/internal/fault"
)

// MaxDeferredWidth bounds the deferred-wake mask: one summary word over
// 64 group words.
const MaxDeferredWidth = 64 * 64

// DeferredMask records wake requests raised outside the scheduler's
// goroutine. Set is lock-free and safe from any goroutine; Drain runs on the
// scheduler's goroutine and consumes every bit with swap-to-zero, so a bit
// set concurrently with a drain is seen by this drain or the next one.
type DeferredMask struct {
	width   int
	summary atomic.Uint64
	words   []atomic.Uint64
	sets    atomic.Uint64
}

// NewDeferredMask returns a mask for ids in [0, width).
func NewDeferredMask(width int) (*DeferredMask, error) {
	if width <= 0 || width > MaxDeferredWidth {
		return nil, fault.New(fault.CapacityExceeded, "sched.deferred", "width %d outside [1,%d]", width, MaxDeferredWidth)
	}
	return &DeferredMask{width: width, words: make([]atomic.Uint64, (width+63)/64)}, nil
}

// Width returns the number of ids the mask can hold.
func (m *DeferredMask) Width() int { return m.width }

// Set marks id for waking. Ids outside the width fail with CapacityExceeded.
func (m *DeferredMask) Set(id CoroutineID) error {
	if int(id) >= m.width {
		return fault.New(fault.CapacityExceeded, "sched.delay_wake", "id %d does not fit deferred mask of %d", id, m.width)
	}
	g := id >> 6
	m.words[g].Or(1 << (id & 63))
	m.summary.Or(1 << g)
	m.sets.Add(1)
	return nil
}

// Clear drops a pending request for id. The group's summary bit goes
// with its last set bit; a Set racing the clear restores it.
func (m *DeferredMask) Clear(id CoroutineID) {
	if int(id) >= m.width {
		return
	}
	g, bit := id>>6, uint64(1)<<(id&63)
	if old := m.words[g].And(^bit); old&^bit != 0 {
		return
	}
	m.summary.And(^(uint64(1) << g))
	if m.words[g].Load() != 0 {
		m.summary.Or(1 << g)
	}
}

// Pending reports whether any group may hold a set bit.
func (m *DeferredMask) Pending() bool { return m.summary.Load() != 0 }

// Drain clears the mask and calls fn for every id that was set, lowest
// first. It returns the number of ids drained.
func (m *DeferredMask) Drain(fn func(CoroutineID)) int {
	n := 0
	groups := m.summary.Swap(0)
	for groups != 0 {
		g := bits.TrailingZeros64(groups)
		groups &= groups - 1
		w := m.words[g].Swap(0)
		for w != 0 {
			b := bits.TrailingZeros64(w)
			w &= w - 1
			fn(CoroutineID(g<<6 | b))
			n++
		}
	}
	return n
}

// Sets returns how many Set calls succeeded.
func (m *DeferredMask) Sets() uint64 { return m.sets.Load() }
