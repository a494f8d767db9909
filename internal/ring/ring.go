// Package ring implements a fixed-capacity FIFO queue.
package ring

import "errors"

// ErrFull is returned by Push when every slot is occupied.
var ErrFull = errors.New("ring: full")

// Buffer is a bounded FIFO of T. Capacity is fixed at construction and
// counts usable slots.
type Buffer[T any] struct {
	slots []T
	start int
	n     int
}

// New allocates a buffer with capacity usable slots.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{slots: make([]T, capacity)}
}

// Push appends v. On ErrFull the contents are unchanged.
func (b *Buffer[T]) Push(v T) error {
	if b.n == len(b.slots) {
		return ErrFull
	}
	b.slots[(b.start+b.n)%len(b.slots)] = v
	b.n++
	return nil
}

// Pop removes and returns the oldest element.
func (b *Buffer[T]) Pop() (T, bool) {
	var zero T
	if b.n == 0 {
		return zero, false
	}
	v := b.slots[b.start]
	b.slots[b.start] = zero
	b.start = (b.start + 1) % len(b.slots)
	b.n--
	return v, true
}

// Peek returns the oldest element without removing it.
func (b *Buffer[T]) Peek() (T, bool) {
	if b.n == 0 {
		var zero T
		return zero, false
	}
	return b.slots[b.start], true
}

// Retain keeps the elements for which keep returns true, preserving order,
// and returns how many were removed.
func (b *Buffer[T]) Retain(keep func(T) bool) int {
	var zero T
	kept := 0
	for i := 0; i < b.n; i++ {
		v := b.slots[(b.start+i)%len(b.slots)]
		if keep(v) {
			b.slots[(b.start+kept)%len(b.slots)] = v
			kept++
		}
	}
	for i := kept; i < b.n; i++ {
		b.slots[(b.start+i)%len(b.slots)] = zero
	}
	removed := b.n - kept
	b.n = kept
	return removed
}

// All yields the queued elements oldest first.
func (b *Buffer[T]) All() func(yield func(T) bool) {
	return func(yield func(T) bool) {
		for i := 0; i < b.n; i++ {
			if !yield(b.slots[(b.start+i)%len(b.slots)]) {
				return
			}
		}
	}
}

// Reset drops every element.
func (b *Buffer[T]) Reset() {
	clear(b.slots)
	b.start, b.n = 0, 0
}

func (b *Buffer[T]) Len() int    { return b.n }
func (b *Buffer[T]) Cap() int    { return len(b.slots) }
func (b *Buffer[T]) Empty() bool { return b.n == 0 }
func (b *Buffer[T]) Full() bool  { return b.n == len(b.slots) }
