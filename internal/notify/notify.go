// Package notify carries doorbells between execution contexts.
//
// A doorbell raises one of 64 vectors on a Line. The receiving side runs a
// Receiver: a dedicated goroutine that plays the role of an interrupt
// context. It collects the pending vector bits and hands them to a Handler,
// whose only permitted work is deferring wakes on a scheduler.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"shmcall/internal/fault"
	"shmcall/internal/ids"
	"shmcall/internal/sched"
	"shmcall/internal/trace"
)

// NumVectors is the number of doorbell vectors per receiver.
const NumVectors = 64

// pollSlice bounds, in milliseconds, how long a blocking line waits before
// rechecking its context.
const pollSlice = 50

// Vector selects a doorbell line.
type Vector uint8

// ErrClosed is returned by a closed line.
var ErrClosed = errors.New("notify: line closed")

// Doorbell is the send side of a line.
type Doorbell interface {
	Fire(v Vector) error
}

// Line is a doorbell transport. Ring may be called from any goroutine; Wait
// is called only by the receiver and returns the pending vector set,
// clearing it.
type Line interface {
	Ring(v Vector) error
	Wait(ctx context.Context) (uint64, error)
	Close() error
}

// Handler consumes pending vectors and returns the ones it did not handle;
// the receiver keeps those pending for the next interrupt.
type Handler func(pending uint64) (unhandled uint64)

// Receiver runs the interrupt context for one line.
type Receiver struct {
	line    Line
	handler atomic.Pointer[Handler]
	tracer  trace.Tracer

	interrupts atomic.Uint64
	handled    atomic.Uint64
	carry      uint64 // unhandled bits, touched only by Serve
}

// NewReceiver wraps line.
func NewReceiver(line Line, tracer trace.Tracer) *Receiver {
	return &Receiver{line: line, tracer: trace.OrNop(tracer)}
}

// Register installs the handler. It must happen before the peer can ring.
func (r *Receiver) Register(h Handler) {
	r.handler.Store(&h)
}

// Fire rings the receiver's own line, for same-process senders.
func (r *Receiver) Fire(v Vector) error { return r.line.Ring(v) }

// Serve runs the interrupt loop until ctx is done or the line closes.
func (r *Receiver) Serve(ctx context.Context) error {
	for {
		pending, err := r.line.Wait(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		pending |= r.carry
		r.carry = 0
		r.interrupts.Add(1)

		h := r.handler.Load()
		if h == nil {
			r.carry = pending
			continue
		}
		rest := (*h)(pending)
		r.handled.Add(uint64(bits.OnesCount64(pending &^ rest)))
		r.carry = rest
	}
}

// Interrupts returns how many times the handler ran (doorbells observed,
// after coalescing by the line).
func (r *Receiver) Interrupts() uint64 { return r.interrupts.Load() }

// Handled returns the number of vectors the handler consumed.
func (r *Receiver) Handled() uint64 { return r.handled.Load() }

// Close closes the line, ending Serve.
func (r *Receiver) Close() error { return r.line.Close() }

// DelayWaker is the part of a scheduler an interrupt handler may touch.
type DelayWaker interface {
	DelayWake(id sched.CoroutineID) error
}

// WakeTable maps vectors to the task that waits on them. Registration
// happens on the scheduler's goroutine before the peer rings; lookups run
// in the interrupt context.
type WakeTable struct {
	alloc   *ids.Allocator
	targets [NumVectors]atomic.Int64 // task id + 1, 0 when free
	dropped atomic.Uint64
	tracer  trace.Tracer
}

// NewWakeTable returns an empty table.
func NewWakeTable(tracer trace.Tracer) *WakeTable {
	return &WakeTable{alloc: ids.New(NumVectors), tracer: trace.OrNop(tracer)}
}

// Register assigns the lowest free vector to id.
func (w *WakeTable) Register(id sched.CoroutineID) (Vector, error) {
	v, ok := w.alloc.Allocate()
	if !ok {
		return 0, fault.New(fault.ResourceExhausted, "notify.register", "all %d vectors in use", NumVectors)
	}
	w.targets[v].Store(int64(id) + 1)
	return Vector(v), nil //nolint:gosec // v < NumVectors
}

// Unregister frees v.
func (w *WakeTable) Unregister(v Vector) {
	w.targets[v].Store(0)
	w.alloc.Release(int(v))
}

// Lookup returns the task registered on v.
func (w *WakeTable) Lookup(v Vector) (sched.CoroutineID, bool) {
	if int(v) >= NumVectors {
		return 0, false
	}
	raw := w.targets[v].Load()
	if raw == 0 {
		return 0, false
	}
	return sched.CoroutineID(raw - 1), true //nolint:gosec // stored from a CoroutineID
}

// Dropped counts vectors that named no task or whose wake was refused.
func (w *WakeTable) Dropped() uint64 { return w.dropped.Load() }

// Handler returns the interrupt handler for s: every pending vector
// becomes a DelayWake of its registered task. Vectors with no task are
// consumed and counted as dropped.
func (w *WakeTable) Handler(s DelayWaker) Handler {
	return func(pending uint64) uint64 {
		for p := pending; p != 0; p &= p - 1 {
			v := Vector(bits.TrailingZeros64(p)) //nolint:gosec
			id, ok := w.Lookup(v)
			if !ok {
				w.dropped.Add(1)
				trace.Error(w.tracer, trace.ScopeMessage, "doorbell",
					fault.New(fault.ProtocolViolation, "notify.handler", "vector %d has no task", v))
				continue
			}
			if err := s.DelayWake(id); err != nil {
				w.dropped.Add(1)
				trace.Error(w.tracer, trace.ScopeMessage, "doorbell", fmt.Errorf("vector %d: %w", v, err))
			}
		}
		return 0
	}
}
