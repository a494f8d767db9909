// Package sched implements a cooperative, priority-ordered task scheduler
// for one execution context.
//
// A Scheduler owns its task table, one bounded ready ring per priority and a
// priority bitmap whose bit p is set iff ring p is non-empty. Priority 0 is
// the highest. Tasks run until they suspend; nothing preempts them, though a
// task may check SwitchPossible and yield voluntarily.
//
// Every method except DelayWake must be called from the goroutine that
// drives the scheduler. DelayWake is the one entry point for other
// goroutines, the doorbell receiver in particular.
package sched

import (
	"context"
	"fmt"
	"io"

	"shmcall/internal/bitmap"
	"shmcall/internal/fault"
	"shmcall/internal/ids"
	"shmcall/internal/ring"
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxTasks      = 4096
	DefaultPriorities    = 64
	DefaultDeferredWidth = 64
	// DefaultPriority is used for ordinary tasks; 0 is left for service
	// loops that must run first.
	DefaultPriority = 1
)

// Config sizes a scheduler.
type Config struct {
	Name          string // context name used in traces
	MaxTasks      int    // task table size (id space)
	Priorities    int    // number of priority levels, at most 4096
	DeferredWidth int    // ids eligible for DelayWake, at most MaxDeferredWidth
	Tracer        trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "sched"
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = DefaultMaxTasks
	}
	if c.Priorities <= 0 {
		c.Priorities = DefaultPriorities
	}
	if c.DeferredWidth <= 0 {
		c.DeferredWidth = DefaultDeferredWidth
	}
	c.Tracer = trace.OrNop(c.Tracer)
	return c
}

// Stats counts scheduler activity.
type Stats struct {
	Spawned    uint64 `json:"spawned"`
	Completed  uint64 `json:"completed"`
	Polls      uint64 `json:"polls"`
	Wakes      uint64 `json:"wakes"`
	Deferred   uint64 `json:"deferred"`    // ids drained from the deferred mask
	StaleWakes uint64 `json:"stale_wakes"` // deferred ids with no live task
	Idles      uint64 `json:"idles"`       // times Run waited for a kick
}

type payloadSlot struct {
	rec wire.Record
	ok  bool
}

// Scheduler runs tasks for one execution context.
type Scheduler struct {
	cfg      Config
	ids      *ids.Allocator
	tasks    []*Task
	payloads []payloadSlot
	ready    []*ring.Buffer[CoroutineID]
	prio     bitmap.Index
	deferred *DeferredMask
	kick     chan struct{}
	current  *Task
	tracer   trace.Tracer
	stats    Stats
}

// New builds a scheduler from cfg.
func New(cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	prio, err := bitmap.New(cfg.Priorities)
	if err != nil {
		return nil, fmt.Errorf("sched: priorities: %w", err)
	}
	deferred, err := NewDeferredMask(cfg.DeferredWidth)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:      cfg,
		ids:      ids.New(cfg.MaxTasks),
		tasks:    make([]*Task, cfg.MaxTasks),
		payloads: make([]payloadSlot, cfg.MaxTasks),
		ready:    make([]*ring.Buffer[CoroutineID], cfg.Priorities),
		prio:     prio,
		deferred: deferred,
		kick:     make(chan struct{}, 1),
		tracer:   cfg.Tracer,
	}, nil
}

// Name returns the context name.
func (s *Scheduler) Name() string { return s.cfg.Name }

// Tracer returns the scheduler's tracer.
func (s *Scheduler) Tracer() trace.Tracer { return s.tracer }

// Spawn registers c at priority and makes it ready.
func (s *Scheduler) Spawn(c Computation, priority int) (CoroutineID, error) {
	if c == nil {
		return 0, fmt.Errorf("sched: spawn of nil computation")
	}
	if priority < 0 || priority >= s.cfg.Priorities {
		return 0, fmt.Errorf("sched: priority %d outside [0,%d)", priority, s.cfg.Priorities)
	}
	raw, ok := s.ids.Allocate()
	if !ok {
		return 0, fault.New(fault.ResourceExhausted, "sched.spawn", "task table full (%d)", s.ids.Cap())
	}
	id := CoroutineID(raw) //nolint:gosec // bounded by MaxTasks
	t := &Task{id: id, prio: priority, comp: c}
	t.cx = Context{s: s, t: t}
	s.tasks[id] = t
	s.enqueue(t)
	s.stats.Spawned++
	s.point(trace.ScopeTask, "spawn", "id=%d prio=%d", id, priority)
	return id, nil
}

// lookup resolves id to a live task.
func (s *Scheduler) lookup(op string, id CoroutineID) (*Task, error) {
	if int(id) >= len(s.tasks) || s.tasks[id] == nil {
		return nil, fault.New(fault.Fatal, op, "no live task %d", id)
	}
	return s.tasks[id], nil
}

// Exists reports whether id names a live task.
func (s *Scheduler) Exists(id CoroutineID) bool {
	return int(id) < len(s.tasks) && s.tasks[id] != nil
}

// State returns the state of a live task.
func (s *Scheduler) State(id CoroutineID) (State, error) {
	t, err := s.lookup("sched.state", id)
	if err != nil {
		return 0, err
	}
	return t.state, nil
}

func (s *Scheduler) readyRing(p int) *ring.Buffer[CoroutineID] {
	r := s.ready[p]
	if r == nil {
		r = ring.New[CoroutineID](s.cfg.MaxTasks)
		s.ready[p] = r
	}
	return r
}

func (s *Scheduler) enqueue(t *Task) {
	if err := s.readyRing(t.prio).Push(t.id); err != nil {
		// each id is queued at most once, so a ring sized to the id space
		// cannot fill
		fault.Panic("sched.enqueue", "ready ring %d overflow on task %d", t.prio, t.id)
	}
	t.queued = true
	if t.state != StateRunning {
		t.state = StateReady
	}
	s.prio.Set(t.prio)
}

// Wake makes a suspended task ready. Waking a task that is already queued,
// or has terminated, does nothing. Waking the running task keeps it ready
// after it suspends.
func (s *Scheduler) Wake(id CoroutineID) error {
	t, err := s.lookup("sched.wake", id)
	if err != nil {
		return err
	}
	if t.queued || t.state == StateTerminated {
		return nil
	}
	s.enqueue(t)
	s.stats.Wakes++
	s.point(trace.ScopeTask, "wake", "id=%d", id)
	return nil
}

// DelayWake asks for id to be woken at the next Fetch. It is safe to call
// from any goroutine and never touches the ready rings.
func (s *Scheduler) DelayWake(id CoroutineID) error {
	if err := s.deferred.Set(id); err != nil {
		return err
	}
	s.Kick()
	return nil
}

// Kick wakes a Run loop that is idle.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drainDeferred() {
	if !s.deferred.Pending() {
		return
	}
	n := s.deferred.Drain(func(id CoroutineID) {
		if !s.Exists(id) {
			s.stats.StaleWakes++
			trace.Error(s.tracer, trace.ScopeTask, "deferred-wake",
				fault.New(fault.ProtocolViolation, "sched.drain", "stale id %d", id))
			return
		}
		_ = s.Wake(id) //nolint:errcheck // existence checked above
	})
	s.stats.Deferred += uint64(n) //nolint:gosec
}

// Fetch drains deferred wakes and dequeues the highest-priority ready task,
// which becomes Running and current. The caller resumes it with Resume.
func (s *Scheduler) Fetch() (CoroutineID, bool) {
	s.drainDeferred()
	p := s.prio.FindFirstSet()
	if p == bitmap.None {
		return 0, false
	}
	r := s.ready[p]
	id, _ := r.Pop()
	if r.Empty() {
		s.prio.Clear(p)
	}
	t := s.tasks[id]
	if t == nil {
		fault.Panic("sched.fetch", "ready ring %d holds dead task %d", p, id)
	}
	t.queued = false
	t.state = StateRunning
	s.current = t
	return id, true
}

// Resume polls the task returned by the last Fetch. A finished task is
// removed and its id released; a suspended one is Parked unless it was
// woken during its own turn.
func (s *Scheduler) Resume(id CoroutineID) (Poll, error) {
	t := s.current
	if t == nil || t.id != id {
		return Pending, fault.New(fault.Fatal, "sched.resume", "task %d was not fetched", id)
	}
	defer func() { s.current = nil }()

	s.stats.Polls++
	res := t.comp.Poll(&t.cx)
	if res == Done {
		s.remove(t)
		s.stats.Completed++
		s.point(trace.ScopeTask, "done", "id=%d", id)
		return Done, nil
	}
	if t.queued {
		t.state = StateReady
	} else {
		t.state = StateParked
	}
	return Pending, nil
}

// remove drops every reference to t and releases its id.
func (s *Scheduler) remove(t *Task) {
	if t.queued {
		r := s.ready[t.prio]
		r.Retain(func(id CoroutineID) bool { return id != t.id })
		if r.Empty() {
			s.prio.Clear(t.prio)
		}
		t.queued = false
	}
	s.payloads[t.id] = payloadSlot{}
	s.deferred.Clear(t.id)
	t.state = StateTerminated
	if c, ok := t.comp.(io.Closer); ok {
		_ = c.Close() //nolint:errcheck
	}
	s.tasks[t.id] = nil
	s.ids.Release(int(t.id))
}

// RunUntilBlocked resumes ready tasks, highest priority first, until none
// is ready. It returns the number of polls.
func (s *Scheduler) RunUntilBlocked() int {
	n := 0
	for {
		id, ok := s.Fetch()
		if !ok {
			return n
		}
		_, _ = s.Resume(id) //nolint:errcheck // id came from Fetch
		n++
	}
}

// RunUntilComplete drives the scheduler until the task table is empty,
// sleeping on the kick channel while every task is parked.
func (s *Scheduler) RunUntilComplete() {
	_ = s.Run(context.Background()) //nolint:errcheck // background never cancels
}

// Run is RunUntilComplete with cancellation, checked between batches.
// While idle it waits for a DelayWake (or Kick) instead of spinning.
func (s *Scheduler) Run(ctx context.Context) error {
	span := trace.Begin(s.tracer, trace.ScopeLoop, s.cfg.Name+":run", 0)
	defer func() { span.With("polls", fmt.Sprint(s.stats.Polls)).End("") }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.RunUntilBlocked()
		if s.Empty() {
			return nil
		}
		if s.deferred.Pending() {
			continue
		}
		s.stats.Idles++
		select {
		case <-s.kick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SwitchPossible reports whether a ready task outranks the running one.
func (s *Scheduler) SwitchPossible() bool {
	if s.current == nil {
		return false
	}
	p := s.prio.FindFirstSet()
	return p != bitmap.None && p < s.current.prio
}

// Current returns the running task, valid only while a task is polled.
func (s *Scheduler) Current() (CoroutineID, bool) {
	if s.current == nil {
		return 0, false
	}
	return s.current.id, true
}

// Deliver stores rec in id's payload slot, replacing any previous record.
func (s *Scheduler) Deliver(id CoroutineID, rec wire.Record) error {
	if _, err := s.lookup("sched.deliver", id); err != nil {
		return err
	}
	s.payloads[id] = payloadSlot{rec: rec, ok: true}
	return nil
}

// TakePayload returns and clears id's payload slot.
func (s *Scheduler) TakePayload(id CoroutineID) (wire.Record, bool) {
	if int(id) >= len(s.payloads) {
		return wire.Record{}, false
	}
	slot := s.payloads[id]
	s.payloads[id] = payloadSlot{}
	return slot.rec, slot.ok
}

// Len returns the number of live tasks.
func (s *Scheduler) Len() int { return s.ids.Len() }

// Empty reports whether no task is live.
func (s *Scheduler) Empty() bool { return s.ids.Len() == 0 }

// ReadyLen returns the number of queued task entries.
func (s *Scheduler) ReadyLen() int {
	n := 0
	for _, r := range s.ready {
		if r != nil {
			n += r.Len()
		}
	}
	return n
}

// DeferredWidth returns the id bound accepted by DelayWake.
func (s *Scheduler) DeferredWidth() int { return s.deferred.Width() }

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats { return s.stats }

// Close terminates every live task without resuming it.
func (s *Scheduler) Close() {
	for _, t := range s.tasks {
		if t != nil {
			s.remove(t)
		}
	}
	s.current = nil
}

func (s *Scheduler) point(scope trace.Scope, name, format string, args ...any) {
	if !s.tracer.Enabled() || !s.tracer.Level().ShouldEmit(scope) {
		return
	}
	trace.Point(s.tracer, scope, s.cfg.Name+":"+name, fmt.Sprintf(format, args...))
}
