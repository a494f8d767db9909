package mailbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"shmcall/internal/fault"
	"shmcall/internal/notify"
	"shmcall/internal/sched"
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

// BreakerConfig makes a client fail fast after repeated full-queue
// rejections instead of hammering a callee that is not draining.
type BreakerConfig struct {
	Trip     uint32        // consecutive rejections that open the breaker
	Cooldown time.Duration // time before a half-open probe
}

// ClientConfig wires a client to its peer.
type ClientConfig struct {
	Doorbell notify.Doorbell // rings the callee
	Vector   notify.Vector   // callee's vector for this mailbox
	Breaker  *BreakerConfig  // nil disables the breaker
	Tracer   trace.Tracer
}

// ClientStats counts client activity.
type ClientStats struct {
	Calls      uint64 `json:"calls"`
	Doorbells  uint64 `json:"doorbells"`
	BellErrors uint64 `json:"bell_errors"` // doorbells that failed to fire
	Rejected   uint64 `json:"rejected"`
	Failed     uint64 `json:"failed"`
}

// Client issues calls from tasks of one scheduler.
type Client struct {
	mb      *Mailbox
	bell    notify.Doorbell
	vector  notify.Vector
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	stats   ClientStats
}

// NewClient returns a caller-side endpoint of mb.
func NewClient(mb *Mailbox, cfg ClientConfig) *Client {
	c := &Client{
		mb:     mb,
		bell:   cfg.Doorbell,
		vector: cfg.Vector,
		tracer: trace.OrNop(cfg.Tracer),
	}
	if b := cfg.Breaker; b != nil {
		trip := b.Trip
		if trip == 0 {
			trip = 1
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "mailbox.requests",
			MaxRequests: 1,
			Timeout:     b.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= trip
			},
			IsSuccessful: func(err error) bool { return !errors.Is(err, ErrFull) },
		})
	}
	return c
}

// Stats returns the counters.
func (c *Client) Stats() ClientStats { return c.stats }

// Call returns a computation that sends one request from the task polling
// it and completes when the reply arrives.
func (c *Client) Call(tag wire.Tag, payload wire.Payload) *CallOp {
	return &CallOp{c: c, tag: uint32(tag), payload: payload}
}

// CallCo runs a call from a coroutine body.
func (c *Client) CallCo(co *sched.Co, tag wire.Tag, payload wire.Payload) (wire.Record, error) {
	op := c.Call(tag, payload)
	co.Await(op)
	return op.Result()
}

func (c *Client) enqueue(rec wire.Record) error {
	if c.breaker == nil {
		return c.mb.Requests().WriteFreeItem(rec)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.mb.Requests().WriteFreeItem(rec)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Wrap(fault.ResourceExhausted, "mailbox.call", err)
	}
	return err
}

// send enqueues one request and rings the callee if this call wins the
// request flag. It reports whether the doorbell, when owed, fired. Only
// enqueue failures are returned: once the record is queued the call is
// committed to waiting for its reply.
func (c *Client) send(origin sched.CoroutineID, tag uint32, payload wire.Payload) (bool, error) {
	rec := wire.Record{Origin: uint32(origin), Tag: tag, Payload: payload}
	if err := c.enqueue(rec); err != nil {
		c.stats.Rejected++
		return false, err
	}
	c.stats.Calls++
	return c.ring(origin), nil
}

// ring fires the request doorbell when the flag is free. A failed fire
// releases the flag so the next call rings again, and reports false.
func (c *Client) ring(origin sched.CoroutineID) bool {
	if !c.mb.RequestOwed().Claim() {
		return true
	}
	c.stats.Doorbells++
	if err := c.bell.Fire(c.vector); err != nil {
		c.mb.RequestOwed().Release()
		c.stats.BellErrors++
		trace.Error(c.tracer, trace.ScopeMessage, "doorbell:request",
			fault.Wrap(fault.Unavailable, "mailbox.doorbell", fmt.Errorf("origin %d: %w", origin, err)))
		return false
	}
	if c.tracer.Level().ShouldEmit(trace.ScopeMessage) {
		trace.Point(c.tracer, trace.ScopeMessage, "doorbell:request", fmt.Sprintf("vector=%d origin=%d", c.vector, origin))
	}
	return true
}

// CallOp is one outstanding call. It is a sched.Computation: the first poll
// enqueues the request and suspends, later polls complete once a reply has
// been delivered to the task. A full or closed request queue fails the call
// without suspending. A queued request always waits for its reply, even
// when its doorbell failed: the next doorbell that fires covers it.
type CallOp struct {
	c       *Client
	tag     uint32
	payload wire.Payload
	sent    bool
	unrung  bool
	done    bool
	reply   wire.Record
	err     error
}

// Poll implements sched.Computation.
func (op *CallOp) Poll(cx *sched.Context) sched.Poll {
	if op.done {
		return sched.Done
	}
	if !op.sent {
		rang, err := op.c.send(cx.ID(), op.tag, op.payload)
		if err != nil {
			op.finish(err)
			return sched.Done
		}
		op.sent, op.unrung = true, !rang
		return sched.Pending
	}
	rec, ok := cx.TakePayload()
	if !ok {
		// woken for some other reason; the reply is still owed
		if op.unrung {
			op.unrung = !op.c.ring(cx.ID())
		}
		return sched.Pending
	}
	op.reply = rec
	var err error
	if st := rec.Status(); st != wire.StatusOK {
		err = &StatusError{Tag: wire.DecodeTag(op.tag), Status: st}
	}
	op.finish(err)
	return sched.Done
}

func (op *CallOp) finish(err error) {
	op.done = true
	op.err = err
	if err != nil {
		op.c.stats.Failed++
	}
}

// Result returns the reply and error after the op completed.
func (op *CallOp) Result() (wire.Record, error) {
	if !op.done {
		return wire.Record{}, fault.New(fault.Fatal, "mailbox.result", "call still pending")
	}
	return op.reply, op.err
}
