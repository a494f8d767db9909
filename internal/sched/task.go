package sched

import (
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

// CoroutineID identifies a live task within one scheduler. Ids are dense
// and reused after a task terminates.
type CoroutineID uint32

// Poll is the result of resuming a computation once.
type Poll uint8

const (
	// Pending: the computation suspended and expects a wake.
	Pending Poll = iota
	// Done: the computation finished.
	Done
)

func (p Poll) String() string {
	if p == Done {
		return "done"
	}
	return "pending"
}

// Computation is a suspendable unit of work. Poll runs it until it either
// finishes or reaches a suspension point; it must not block.
type Computation interface {
	Poll(cx *Context) Poll
}

// Func adapts a function to Computation.
type Func func(cx *Context) Poll

// Poll calls f(cx).
func (f Func) Poll(cx *Context) Poll { return f(cx) }

// State is the lifecycle state of a task.
type State uint8

const (
	StateReady State = iota + 1
	StateRunning
	StateParked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateParked:
		return "parked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Task pairs a computation with a fixed priority.
type Task struct {
	id     CoroutineID
	prio   int
	comp   Computation
	state  State
	queued bool // an entry for this task sits in its ready ring
	cx     Context
}

// Context is handed to a computation while it is being polled. It is the
// only way task code reaches its scheduler.
type Context struct {
	s *Scheduler
	t *Task
}

// ID returns the id of the task being polled.
func (cx *Context) ID() CoroutineID { return cx.t.id }

// Priority returns the task's priority.
func (cx *Context) Priority() int { return cx.t.prio }

// Scheduler returns the owning scheduler.
func (cx *Context) Scheduler() *Scheduler { return cx.s }

// Tracer returns the scheduler's tracer.
func (cx *Context) Tracer() trace.Tracer { return cx.s.tracer }

// WakeSelf re-queues the running task so it stays Ready after it suspends.
func (cx *Context) WakeSelf() {
	// the running task is always in the table
	_ = cx.s.Wake(cx.t.id) //nolint:errcheck
}

// TakePayload returns and clears the record delivered to this task.
func (cx *Context) TakePayload() (wire.Record, bool) {
	return cx.s.TakePayload(cx.t.id)
}

// SwitchPossible reports whether a higher-priority task is ready.
func (cx *Context) SwitchPossible() bool { return cx.s.SwitchPossible() }
