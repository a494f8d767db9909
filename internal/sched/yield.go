package sched

import "shmcall/internal/wire"

// YieldPoint suspends exactly once: the first poll reports Pending, the
// next reports Done. It then resets, so one value serves every suspension
// of a loop.
type YieldPoint struct {
	suspended bool
}

// Poll implements Computation.
func (y *YieldPoint) Poll(*Context) Poll {
	if y.suspended {
		y.suspended = false
		return Done
	}
	y.suspended = true
	return Pending
}

// Suspended reports whether the yield point is waiting for its second poll.
func (y *YieldPoint) Suspended() bool { return y.suspended }

// Yield suspends once and then takes the record delivered to the task
// while it was parked.
type Yield struct {
	yp      YieldPoint
	payload wire.Record
	ok      bool
}

// Poll implements Computation.
func (y *Yield) Poll(cx *Context) Poll {
	if y.yp.Poll(cx) == Pending {
		return Pending
	}
	y.payload, y.ok = cx.TakePayload()
	return Done
}

// Payload returns the record taken on resume, if any.
func (y *Yield) Payload() (wire.Record, bool) { return y.payload, y.ok }

// Checkpoint is a voluntary preemption point. When a higher-priority task
// is ready it re-queues the running task and suspends once; otherwise it
// completes immediately.
type Checkpoint struct {
	yp YieldPoint
}

// Poll implements Computation.
func (c *Checkpoint) Poll(cx *Context) Poll {
	if !c.yp.Suspended() {
		if !cx.SwitchPossible() {
			return Done
		}
		cx.WakeSelf()
	}
	return c.yp.Poll(cx)
}
