package mailbox

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"shmcall/internal/fault"
	"shmcall/internal/notify"
	"shmcall/internal/sched"
	"shmcall/internal/shm"
	"shmcall/internal/wire"
)

func newMailbox(t *testing.T, capacity int) *Mailbox {
	t.Helper()
	l, err := LayoutFor(capacity)
	require.NoError(t, err)
	r, err := shm.NewHeap(l.RegionSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	mb, err := Create(r, capacity)
	require.NoError(t, err)
	return mb
}

// handlerBell delivers a doorbell synchronously to a wake table handler.
type handlerBell struct {
	mu    sync.Mutex
	h     notify.Handler
	fires int
}

func (b *handlerBell) Fire(v notify.Vector) error {
	b.mu.Lock()
	b.fires++
	b.mu.Unlock()
	if b.h != nil {
		b.h(1 << v)
	}
	return nil
}

func (b *handlerBell) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fires
}

func echoMux() *Mux {
	m := &Mux{}
	m.Handle(wire.TagEcho, func(req *wire.Record) (wire.Status, []uint16) {
		return wire.StatusOK, req.Payload[:wire.ReplyWords]
	})
	return m
}

func TestCapacityTwoRequestQueue(t *testing.T) {
	mb := newMailbox(t, 2)
	q := mb.Requests()

	require.NoError(t, q.WriteFreeItem(wire.Record{Origin: 1}))
	require.NoError(t, q.WriteFreeItem(wire.Record{Origin: 2}))
	err := q.WriteFreeItem(wire.Record{Origin: 3})
	require.ErrorIs(t, err, ErrFull)
	assert.ErrorIs(t, err, fault.ErrResourceExhausted)

	rec, err := q.GetFirstItem()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Origin)

	require.NoError(t, q.WriteFreeItem(wire.Record{Origin: 4}))
	for _, want := range []uint32{2, 4} {
		rec, err := q.GetFirstItem()
		require.NoError(t, err)
		assert.Equal(t, want, rec.Origin)
	}
	_, err = q.GetFirstItem()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestOpenValidatesHeader(t *testing.T) {
	mb := newMailbox(t, 8)
	peer, err := Open(&rawBlock{mb.buf})
	require.NoError(t, err)
	assert.Equal(t, mb.Layout(), peer.Layout())

	require.NoError(t, mb.Requests().WriteFreeItem(wire.Record{Origin: 9}))
	rec, err := peer.Requests().GetFirstItem()
	require.NoError(t, err, "views over one region share queues")
	assert.Equal(t, uint32(9), rec.Origin)

	bad := make([]byte, shm.Granule)
	_, err = Open(&rawBlock{bad})
	assert.ErrorIs(t, err, fault.ErrProtocolViolation)
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	mb := newMailbox(t, 8)
	buf := append([]byte(nil), mb.buf...)
	binary.LittleEndian.PutUint32(buf[offCapacity:], 9)
	_, err := Open(&rawBlock{buf})
	require.ErrorIs(t, err, fault.ErrProtocolViolation)
	assert.Contains(t, err.Error(), "checksum")
}

type rawBlock struct{ b []byte }

func (r *rawBlock) Bytes() []byte { return r.b }

func TestCreateRejectsSmallRegion(t *testing.T) {
	r, err := shm.NewHeap(shm.Granule)
	require.NoError(t, err)
	defer r.Close()
	_, err = Create(r, 1000)
	assert.ErrorIs(t, err, fault.ErrCapacityExceeded)
}

func TestDoorbellCoalescing(t *testing.T) {
	mb := newMailbox(t, 16)
	bell := &handlerBell{}
	c := NewClient(mb, ClientConfig{Doorbell: bell})

	for i := 0; i < 5; i++ {
		_, err := c.send(sched.CoroutineID(i), uint32(wire.TagEcho), wire.Payload{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, bell.count(), "five requests before the callee runs cost one doorbell")
	assert.True(t, mb.RequestOwed().Owed())

	for {
		if _, err := mb.Requests().GetFirstItem(); err != nil {
			require.ErrorIs(t, err, ErrEmpty)
			break
		}
	}
	mb.RequestOwed().Release()
	rang, err := c.send(7, uint32(wire.TagEcho), wire.Payload{})
	require.NoError(t, err)
	assert.True(t, rang)
	assert.Equal(t, 2, bell.count(), "a drained callee is rung again")
}

// Server, pump and callers share one scheduler; doorbells become deferred
// wakes through a wake table.
func TestRoundTripSingleContext(t *testing.T) {
	s, err := sched.New(sched.Config{})
	require.NoError(t, err)
	defer s.Close()

	mb := newMailbox(t, 16)
	table := notify.NewWakeTable(nil)
	reqBell := &handlerBell{h: table.Handler(s)}
	resBell := &handlerBell{h: table.Handler(s)}

	srv := NewServer(mb, echoMux(), ServerConfig{Doorbell: resBell})
	srvID, err := s.Spawn(srv, 2)
	require.NoError(t, err)
	pump := NewReplyPump(mb, nil)
	pumpID, err := s.Spawn(pump, 0)
	require.NoError(t, err)

	reqVec, err := table.Register(srvID)
	require.NoError(t, err)
	resVec, err := table.Register(pumpID)
	require.NoError(t, err)
	srv.vector = resVec

	client := NewClient(mb, ClientConfig{Doorbell: reqBell, Vector: reqVec})
	const callers = 10
	results := make([]wire.Record, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		_, err := s.Spawn(sched.Go(func(co *sched.Co) {
			results[i], errs[i] = client.CallCo(co, wire.TagEcho, wire.Payload{uint16(i), uint16(100 + i)})
		}), 1)
		require.NoError(t, err)
	}

	s.RunUntilBlocked()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		res := results[i].Result()
		assert.Equal(t, uint16(i), res[0], "caller %d got someone else's reply", i)
		assert.Equal(t, uint16(100+i), res[1])
	}
	assert.Equal(t, uint64(callers), srv.Stats().Served)
	assert.Equal(t, uint64(callers), pump.Delivered())
	assert.Equal(t, 1, reqBell.count())
	assert.Equal(t, 2, s.Len(), "only the service loops remain")
}

func TestUnknownTagGetsErrorReply(t *testing.T) {
	s, err := sched.New(sched.Config{})
	require.NoError(t, err)
	defer s.Close()

	mb := newMailbox(t, 4)
	table := notify.NewWakeTable(nil)
	srv := NewServer(mb, echoMux(), ServerConfig{Doorbell: &handlerBell{h: table.Handler(s)}})
	srvID, _ := s.Spawn(srv, 2)
	pump := NewReplyPump(mb, nil)
	pumpID, _ := s.Spawn(pump, 0)
	reqVec, _ := table.Register(srvID)
	srv.vector, _ = table.Register(pumpID)

	client := NewClient(mb, ClientConfig{Doorbell: &handlerBell{h: table.Handler(s)}, Vector: reqVec})
	op := client.Call(wire.Tag(4000), wire.Payload{})
	_, err = s.Spawn(op, 1)
	require.NoError(t, err)
	s.RunUntilBlocked()

	_, err = op.Result()
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, wire.StatusUnknownOp, se.Status)
	assert.ErrorIs(t, err, fault.ErrProtocolViolation)
	assert.Equal(t, uint64(1), srv.Stats().Unknown)
}

func TestFullRequestQueueFailsWithoutSuspending(t *testing.T) {
	s, err := sched.New(sched.Config{})
	require.NoError(t, err)
	defer s.Close()

	mb := newMailbox(t, 1)
	client := NewClient(mb, ClientConfig{Doorbell: &handlerBell{}})
	first := client.Call(wire.TagEcho, wire.Payload{})
	second := client.Call(wire.TagEcho, wire.Payload{})
	_, _ = s.Spawn(first, 1)
	secondID, _ := s.Spawn(second, 1)
	s.RunUntilBlocked()

	assert.False(t, s.Exists(secondID), "rejected call completes immediately")
	_, err = second.Result()
	assert.ErrorIs(t, err, fault.ErrResourceExhausted)
	assert.Equal(t, uint64(1), client.Stats().Rejected)
}

func TestBreakerOpensAfterRejections(t *testing.T) {
	mb := newMailbox(t, 1)
	client := NewClient(mb, ClientConfig{
		Doorbell: &handlerBell{},
		Breaker:  &BreakerConfig{Trip: 2, Cooldown: time.Hour},
	})
	send := func(origin sched.CoroutineID) error {
		_, err := client.send(origin, 0, wire.Payload{})
		return err
	}
	require.NoError(t, send(1))
	require.ErrorIs(t, send(2), ErrFull)
	require.ErrorIs(t, send(3), ErrFull)

	_, _ = mb.Requests().GetFirstItem()
	err := send(4)
	assert.ErrorIs(t, err, fault.ErrResourceExhausted, "open breaker fails fast even with room")
	assert.False(t, errors.Is(err, ErrFull))
	assert.Equal(t, 0, mb.Requests().Len())
}

func TestStaleReplyDropped(t *testing.T) {
	s, err := sched.New(sched.Config{})
	require.NoError(t, err)
	defer s.Close()

	mb := newMailbox(t, 4)
	require.NoError(t, mb.Responses().WriteFreeItem(wire.Record{Origin: 33}))
	pump := NewReplyPump(mb, nil)
	_, err = s.Spawn(pump, 0)
	require.NoError(t, err)
	s.RunUntilBlocked()

	assert.Equal(t, uint64(1), pump.Stale())
	assert.Equal(t, uint64(0), pump.Delivered())
}

// Caller and callee run on separate goroutines, each with its own
// scheduler and doorbell receiver; the callee reaches the region through a
// lease.
func TestRoundTripAcrossContexts(t *testing.T) {
	const calls = 200
	l, err := LayoutFor(8)
	require.NoError(t, err)
	region, err := shm.NewHeap(l.RegionSize)
	require.NoError(t, err)
	defer region.Close()
	callerMB, err := Create(region, 8)
	require.NoError(t, err)

	att, err := shm.Attach(region.Lease())
	require.NoError(t, err)
	defer att.Detach()
	calleeMB, err := Open(att.Region())
	require.NoError(t, err)

	callerRx := notify.NewReceiver(notify.NewChanLine(), nil)
	calleeRx := notify.NewReceiver(notify.NewChanLine(), nil)
	defer callerRx.Close()
	defer calleeRx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	callee, err := sched.New(sched.Config{Name: "callee"})
	require.NoError(t, err)
	caller, err := sched.New(sched.Config{Name: "caller"})
	require.NoError(t, err)

	calleeTable := notify.NewWakeTable(nil)
	callerTable := notify.NewWakeTable(nil)
	calleeRx.Register(calleeTable.Handler(callee))
	callerRx.Register(callerTable.Handler(caller))

	pump := NewReplyPump(callerMB, nil)
	pumpID, err := caller.Spawn(pump, 0)
	require.NoError(t, err)
	resVec, err := callerTable.Register(pumpID)
	require.NoError(t, err)

	srv := NewServer(calleeMB, echoMux(), ServerConfig{Doorbell: callerRx, Vector: resVec, Limit: calls})
	srvID, err := callee.Spawn(srv, 0)
	require.NoError(t, err)
	reqVec, err := calleeTable.Register(srvID)
	require.NoError(t, err)

	client := NewClient(callerMB, ClientConfig{Doorbell: calleeRx, Vector: reqVec})
	var mismatches, failures int
	_, err = caller.Spawn(sched.Go(func(co *sched.Co) {
		defer pump.Stop(caller)
		for i := 0; i < calls; i++ {
			rep, err := client.CallCo(co, wire.TagEcho, wire.Payload{uint16(i)})
			if err != nil {
				failures++
				continue
			}
			if rep.Result()[0] != uint16(i) || rep.Origin != uint32(co.ID()) {
				mismatches++
			}
		}
	}), 1)
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return calleeRx.Serve(gctx) })
	g.Go(func() error { return callerRx.Serve(gctx) })
	g.Go(func() error {
		defer calleeRx.Close()
		return callee.Run(gctx)
	})
	g.Go(func() error {
		defer callerRx.Close()
		return caller.Run(gctx)
	})
	require.NoError(t, g.Wait())

	assert.Zero(t, failures)
	assert.Zero(t, mismatches)
	assert.Equal(t, uint64(calls), srv.Stats().Served)
	assert.LessOrEqual(t, client.Stats().Doorbells, uint64(calls))
}

// flakyBell fails its first fails fires, then rings like handlerBell.
type flakyBell struct {
	handlerBell
	fails int
}

func (b *flakyBell) Fire(v notify.Vector) error {
	b.mu.Lock()
	if b.fails > 0 {
		b.fails--
		b.mu.Unlock()
		return errors.New("bell unplugged")
	}
	b.mu.Unlock()
	return b.handlerBell.Fire(v)
}

// loopback is a server, pump and client on one scheduler, wired through a
// wake table. Both service loops have run once and are parked.
type loopback struct {
	s       *sched.Scheduler
	mb      *Mailbox
	srv     *Server
	srvID   sched.CoroutineID
	pump    *ReplyPump
	pumpID  sched.CoroutineID
	client  *Client
	reqBell *flakyBell
}

func newLoopback(t *testing.T, capacity int, cfg ServerConfig, srvPrio, pumpPrio, bellFails int) *loopback {
	t.Helper()
	s, err := sched.New(sched.Config{})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	lb := &loopback{s: s, mb: newMailbox(t, capacity)}
	table := notify.NewWakeTable(nil)
	cfg.Doorbell = &handlerBell{h: table.Handler(s)}
	lb.srv = NewServer(lb.mb, echoMux(), cfg)
	lb.srvID, err = s.Spawn(lb.srv, srvPrio)
	require.NoError(t, err)
	lb.pump = NewReplyPump(lb.mb, nil)
	lb.pumpID, err = s.Spawn(lb.pump, pumpPrio)
	require.NoError(t, err)

	reqVec, err := table.Register(lb.srvID)
	require.NoError(t, err)
	lb.srv.vector, err = table.Register(lb.pumpID)
	require.NoError(t, err)
	lb.pump.Notify(&handlerBell{h: table.Handler(s)}, reqVec)

	lb.reqBell = &flakyBell{handlerBell: handlerBell{h: table.Handler(s)}, fails: bellFails}
	lb.client = NewClient(lb.mb, ClientConfig{Doorbell: lb.reqBell, Vector: reqVec})
	s.RunUntilBlocked()
	return lb
}

func TestFailedDoorbellKeepsCallWaiting(t *testing.T) {
	lb := newLoopback(t, 4, ServerConfig{}, 2, 0, 1)

	first := lb.client.Call(wire.TagEcho, wire.Payload{0xAAAA})
	firstID, err := lb.s.Spawn(first, 1)
	require.NoError(t, err)
	lb.s.RunUntilBlocked()

	require.True(t, lb.s.Exists(firstID), "a queued call waits for its reply")
	assert.Equal(t, 1, lb.mb.Requests().Len())
	assert.False(t, lb.mb.RequestOwed().Owed(), "a failed ring leaves the flag to the next caller")
	assert.Equal(t, uint64(1), lb.client.Stats().BellErrors)

	second := lb.client.Call(wire.TagEcho, wire.Payload{0xBBBB})
	secondID, err := lb.s.Spawn(second, 1)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID, "the waiting call keeps its id")
	lb.s.RunUntilBlocked()

	for _, c := range []struct {
		op   *CallOp
		want uint16
	}{{first, 0xAAAA}, {second, 0xBBBB}} {
		rep, err := c.op.Result()
		require.NoError(t, err)
		assert.Equal(t, c.want, rep.Result()[0], "each call gets its own reply")
	}
	assert.Equal(t, 2, lb.s.Len(), "only the service loops remain")
}

func TestLimitAnswersQueuedRequests(t *testing.T) {
	lb := newLoopback(t, 4, ServerConfig{Limit: 1}, 2, 0, 0)

	ops := []*CallOp{
		lb.client.Call(wire.TagEcho, wire.Payload{1}),
		lb.client.Call(wire.TagEcho, wire.Payload{2}),
	}
	for _, op := range ops {
		_, err := lb.s.Spawn(op, 1)
		require.NoError(t, err)
	}
	lb.s.RunUntilBlocked()

	rep, err := ops[0].Result()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), rep.Result()[0])

	_, err = ops[1].Result()
	var se *StatusError
	require.ErrorAs(t, err, &se, "the request behind the limit still gets a reply")
	assert.Equal(t, wire.StatusUnavailable, se.Status)
	assert.ErrorIs(t, err, fault.ErrUnavailable)

	st := lb.srv.Stats()
	assert.Equal(t, uint64(1), st.Served)
	assert.Equal(t, uint64(1), st.Refused)
	assert.Equal(t, 1, lb.s.Len(), "server finished, pump remains")
	assert.True(t, lb.mb.Requests().Closed())

	late := lb.client.Call(wire.TagEcho, wire.Payload{3})
	lateID, err := lb.s.Spawn(late, 1)
	require.NoError(t, err)
	lb.s.RunUntilBlocked()
	assert.False(t, lb.s.Exists(lateID), "a closed queue fails the call without suspending")
	_, err = late.Result()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, fault.ErrUnavailable)
}

func TestStopRefusesQueuedRequests(t *testing.T) {
	lb := newLoopback(t, 4, ServerConfig{}, 2, 0, 0)
	op := lb.client.Call(wire.TagAdd, wire.Payload{1, 2})
	_, err := lb.s.Spawn(op, 1)
	require.NoError(t, err)
	lb.srv.Stop()
	lb.s.RunUntilBlocked()

	_, err = op.Result()
	assert.ErrorIs(t, err, fault.ErrUnavailable)
	assert.Equal(t, uint64(0), lb.srv.Stats().Served)
	assert.False(t, lb.s.Exists(lb.srvID))
}

// The server outranks the pump and finds the response queue full: it must
// park until the pump frees a slot instead of keeping itself ready.
func TestFullResponseQueueParksServer(t *testing.T) {
	lb := newLoopback(t, 1, ServerConfig{}, 0, 1, 0)

	require.NoError(t, lb.mb.Responses().WriteFreeItem(wire.Record{Origin: 33}))
	require.True(t, lb.mb.ResponseOwed().Claim())
	require.NoError(t, lb.s.DelayWake(lb.pumpID))
	op := lb.client.Call(wire.TagEcho, wire.Payload{7})
	_, err := lb.s.Spawn(op, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		lb.s.RunUntilBlocked()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunUntilBlocked did not return while the server waited for space")
	}

	rep, err := op.Result()
	require.NoError(t, err)
	assert.Equal(t, uint16(7), rep.Result()[0])
	assert.Equal(t, uint64(1), lb.srv.Stats().Stalls)
	assert.Equal(t, uint64(1), lb.pump.Stale())
	assert.False(t, lb.mb.SpaceWanted().Owed())
}

func TestCorruptQueueCursorIsReported(t *testing.T) {
	mb := newMailbox(t, 4)
	q := mb.Requests()
	require.NoError(t, q.WriteFreeItem(wire.Record{Origin: 1}))

	q.head.Store(9)
	_, err := q.GetFirstItem()
	require.ErrorIs(t, err, fault.ErrProtocolViolation)
	assert.ErrorIs(t, q.WriteFreeItem(wire.Record{}), fault.ErrProtocolViolation)

	q.head.Store(0)
	q.count.Store(5)
	_, err = q.GetFirstItem()
	assert.ErrorIs(t, err, fault.ErrProtocolViolation)
}

func TestServerStopsOnCorruptQueue(t *testing.T) {
	lb := newLoopback(t, 2, ServerConfig{}, 2, 0, 0)
	lb.mb.Requests().count.Store(3)
	require.NoError(t, lb.s.Wake(lb.srvID))
	lb.s.RunUntilBlocked()

	assert.ErrorIs(t, lb.srv.Err(), fault.ErrProtocolViolation)
	assert.False(t, lb.s.Exists(lb.srvID))
}
