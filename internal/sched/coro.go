package sched

import (
	"iter"

	"shmcall/internal/wire"
)

// Co lets a task body be written as straight-line code. The body runs on
// its own goroutine but only while the scheduler is inside Poll; control
// passes back and forth synchronously, so the body sees the scheduler as
// if it ran on the scheduler's goroutine.
type Co struct {
	body  func(co *Co)
	cx    *Context
	yield func(struct{}) bool
	next  func() (struct{}, bool)
	stop  func()
	done  bool
}

// stopSignal unwinds a body whose task was removed while suspended.
type stopSignal struct{}

// Go wraps body as a Computation.
func Go(body func(co *Co)) *Co {
	return &Co{body: body}
}

// Poll runs the body until its next suspension or its end.
func (co *Co) Poll(cx *Context) Poll {
	if co.done {
		return Done
	}
	co.cx = cx
	if co.next == nil {
		co.next, co.stop = iter.Pull(co.run)
	}
	if _, ok := co.next(); !ok {
		co.done = true
		co.stop()
		return Done
	}
	return Pending
}

func (co *Co) run(yield func(struct{}) bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(stopSignal); !ok {
				panic(r)
			}
		}
	}()
	co.yield = yield
	co.body(co)
}

// Close unwinds a suspended body. The scheduler calls it on removal.
func (co *Co) Close() error {
	if co.stop != nil && !co.done {
		co.done = true
		co.stop()
	}
	return nil
}

// Suspend parks the task until something wakes it.
func (co *Co) Suspend() {
	if !co.yield(struct{}{}) {
		panic(stopSignal{})
	}
}

// YieldNow suspends once and returns the record delivered meanwhile.
func (co *Co) YieldNow() (wire.Record, bool) {
	co.Suspend()
	return co.cx.TakePayload()
}

// Await polls c until it completes, suspending the task in between.
func (co *Co) Await(c Computation) {
	for c.Poll(co.cx) == Pending {
		co.Suspend()
	}
}

// Checkpoint yields to a higher-priority ready task, if there is one.
func (co *Co) Checkpoint() {
	if co.cx.SwitchPossible() {
		co.cx.WakeSelf()
		co.Suspend()
	}
}

// Context returns the task context of the current resume.
func (co *Co) Context() *Context { return co.cx }

// ID returns the task id.
func (co *Co) ID() CoroutineID { return co.cx.ID() }
