package mailbox

import (
	"errors"
	"fmt"

	"shmcall/internal/fault"
	"shmcall/internal/notify"
	"shmcall/internal/sched"
	"shmcall/internal/trace"
)

// ReplyPump is the caller-side service loop. It moves each reply into the
// payload slot of the task named by its origin and wakes that task. Run it
// at a higher priority than the callers and register it for the response
// doorbell.
type ReplyPump struct {
	mb      *Mailbox
	tracer  trace.Tracer
	bell    notify.Doorbell
	vector  notify.Vector
	id      sched.CoroutineID
	started bool
	stopped bool
	done    bool
	err     error

	delivered uint64
	stale     uint64
}

// NewReplyPump returns a pump over mb's response queue.
func NewReplyPump(mb *Mailbox, tracer trace.Tracer) *ReplyPump {
	return &ReplyPump{mb: mb, tracer: trace.OrNop(tracer)}
}

// Notify sets the doorbell and callee vector the pump rings after it frees
// response space the server is waiting for. Without it a server that
// filled the response queue is only woken by its next request doorbell.
func (p *ReplyPump) Notify(bell notify.Doorbell, v notify.Vector) {
	p.bell, p.vector = bell, v
}

// Poll implements sched.Computation.
func (p *ReplyPump) Poll(cx *sched.Context) sched.Poll {
	p.id, p.started = cx.ID(), true
	s := cx.Scheduler()
	for {
		rec, err := p.mb.Responses().GetFirstItem()
		if errors.Is(err, ErrEmpty) {
			p.mb.ResponseOwed().Release()
			// a reply may have landed after the empty check but before
			// the release, with its doorbell suppressed
			if p.mb.Responses().Len() > 0 {
				continue
			}
			if p.stopped {
				p.done = true
				return sched.Done
			}
			return sched.Pending
		}
		if err != nil {
			p.err, p.done = err, true
			trace.Error(p.tracer, trace.ScopeMessage, "reply", err)
			return sched.Done
		}
		p.freed()
		origin := sched.CoroutineID(rec.Origin)
		if err := s.Deliver(origin, rec); err != nil {
			p.stale++
			trace.Error(p.tracer, trace.ScopeMessage, "reply",
				fault.Wrap(fault.ProtocolViolation, "mailbox.reply", fmt.Errorf("origin %d: %w", origin, err)))
			continue
		}
		_ = s.Wake(origin) //nolint:errcheck // Deliver checked the task
		p.delivered++
	}
}

// freed rings the callee when it is parked on a full response queue.
func (p *ReplyPump) freed() {
	if p.bell == nil || !p.mb.SpaceWanted().Take() {
		return
	}
	if err := p.bell.Fire(p.vector); err != nil {
		// leave the flag for the next freed slot to retry
		p.mb.SpaceWanted().Claim()
		trace.Error(p.tracer, trace.ScopeMessage, "doorbell:space", fault.Wrap(fault.Unavailable, "mailbox.reply", err))
	}
}

// Stop makes the pump finish at its next empty queue. Call it from the
// pump's own scheduler.
func (p *ReplyPump) Stop(s *sched.Scheduler) {
	p.stopped = true
	if p.started && !p.done {
		_ = s.Wake(p.id) //nolint:errcheck // a finished pump is simply gone
	}
}

// Delivered returns the number of replies handed to tasks.
func (p *ReplyPump) Delivered() uint64 { return p.delivered }

// Stale returns the number of replies dropped for lack of a live origin.
func (p *ReplyPump) Stale() uint64 { return p.stale }

// Err returns the error that stopped the pump, if the response queue was
// found corrupt.
func (p *ReplyPump) Err() error { return p.err }
