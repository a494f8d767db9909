// Package bench runs calls between two execution contexts over a shared
// mailbox: a caller context with K client coroutines and a reply pump, and
// a callee context with the server loop. Each context owns its scheduler,
// its interrupt receiver and its wake table.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"shmcall/internal/config"
	"shmcall/internal/fault"
	"shmcall/internal/mailbox"
	"shmcall/internal/notify"
	"shmcall/internal/observ"
	"shmcall/internal/prof"
	"shmcall/internal/sched"
	"shmcall/internal/shm"
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

// pumpPriority runs the reply pump ahead of every caller.
const pumpPriority = 0

// Options configures a run.
type Options struct {
	Config    config.Config
	Tracer    trace.Tracer // defaults to the tracer carried by ctx
	Progress  ProgressSink // optional
	Console   io.Writer    // PutChar/PutString output, io.Discard if nil
	Anonymous bool         // back the mailbox with an anonymous mapping
}

// NewLine opens a notification line of the configured kind.
func NewLine(kind string) (notify.Line, error) {
	switch kind {
	case "", "chan":
		return notify.NewChanLine(), nil
	case "eventfd":
		return notify.NewEventfdLine()
	default:
		return nil, fmt.Errorf("unknown doorbell %q", kind)
	}
}

// side is one execution context.
type side struct {
	name  string
	s     *sched.Scheduler
	rx    *notify.Receiver
	table *notify.WakeTable
	mb    *mailbox.Mailbox
}

func newSide(name string, cfg *config.Config, mb *mailbox.Mailbox, tracer trace.Tracer) (*side, error) {
	s, err := sched.New(cfg.SchedulerFor(name, tracer))
	if err != nil {
		return nil, err
	}
	line, err := NewLine(cfg.Mailbox.Doorbell)
	if err != nil {
		return nil, err
	}
	sd := &side{
		name:  name,
		s:     s,
		rx:    notify.NewReceiver(line, tracer),
		table: notify.NewWakeTable(tracer),
		mb:    mb,
	}
	sd.rx.Register(sd.table.Handler(s))
	return sd, nil
}

// run drives the side's scheduler until every task finished, then closes
// the receiver so its interrupt loop returns.
func (sd *side) run(ctx context.Context, pin bool) error {
	if pin {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer sd.rx.Close()
	ctx, end := prof.Context(ctx, sd.name)
	defer end()
	ctx, span := trace.Start(ctx, trace.ScopeContext, sd.name)
	err := sd.s.Run(ctx)
	span.End(fmt.Sprintf("tasks_left=%d", sd.s.Len()))
	return err
}

type env struct {
	region *shm.Region
	att    *shm.Attachment
	caller *side
	callee *side
	closed bool
}

func newEnv(cfg *config.Config, anonymous bool, tracer trace.Tracer) (_ *env, err error) {
	l, err := mailbox.LayoutFor(cfg.Mailbox.Capacity)
	if err != nil {
		return nil, err
	}
	e := &env{}
	defer func() {
		if err != nil {
			e.close()
		}
	}()
	if anonymous {
		e.region, err = shm.NewAnonymous(l.RegionSize)
	} else {
		e.region, err = shm.NewHeap(l.RegionSize)
	}
	if err != nil {
		return nil, err
	}
	callerMB, err := mailbox.Create(e.region, cfg.Mailbox.Capacity)
	if err != nil {
		return nil, err
	}
	// the callee reaches the block only through the lease
	if e.att, err = shm.Attach(e.region.Lease()); err != nil {
		return nil, err
	}
	calleeMB, err := mailbox.Open(e.att.Region())
	if err != nil {
		return nil, err
	}
	if e.caller, err = newSide("caller", cfg, callerMB, tracer); err != nil {
		return nil, err
	}
	if e.callee, err = newSide("callee", cfg, calleeMB, tracer); err != nil {
		return nil, err
	}
	return e, nil
}

// close releases everything newEnv acquired. It may run more than once.
func (e *env) close() {
	for _, sd := range []*side{e.caller, e.callee} {
		if sd != nil {
			sd.s.Close()
			_ = sd.rx.Close() //nolint:errcheck
		}
	}
	if e.att != nil {
		_ = e.att.Detach() //nolint:errcheck
		e.att = nil
	}
	if e.region != nil && !e.closed {
		_ = e.region.Close() //nolint:errcheck
		e.closed = true
	}
}

// tally accumulates caller outcomes. Only the caller goroutine touches it.
type tally struct {
	failures   uint64
	mismatches uint64
	retries    uint64
	remaining  int
}

// Run executes the benchmark described by opts.Config.Bench.
func Run(ctx context.Context, opts Options) (Report, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	tag, err := wire.ParseTag(cfg.Bench.Tag)
	if err != nil {
		return Report{}, err
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.FromContext(ctx)
	}
	ctx = trace.WithTracer(ctx, tracer)
	ctx, span := trace.Start(ctx, trace.ScopeContext, "bench")
	defer span.End("")
	timer := observ.NewTimer()

	setup := timer.Begin("setup")
	e, err := newEnv(&cfg, opts.Anonymous, tracer)
	if err != nil {
		return Report{}, err
	}
	defer e.close()

	pump := mailbox.NewReplyPump(e.caller.mb, tracer)
	pumpID, err := e.caller.s.Spawn(pump, pumpPriority)
	if err != nil {
		return Report{}, err
	}
	resVec, err := e.caller.table.Register(pumpID)
	if err != nil {
		return Report{}, err
	}

	total := cfg.Bench.Calls
	srv := mailbox.NewServer(e.callee.mb, NewMux(opts.Console), mailbox.ServerConfig{
		Doorbell: e.caller.rx,
		Vector:   resVec,
		Limit:    uint64(total),
		Tracer:   tracer,
	})
	var reqVec notify.Vector
	if total > 0 {
		// a zero limit means serve forever, so no calls means no server
		srvID, err := e.callee.s.Spawn(srv, sched.DefaultPriority)
		if err != nil {
			return Report{}, err
		}
		if reqVec, err = e.callee.table.Register(srvID); err != nil {
			return Report{}, err
		}
	}
	client := mailbox.NewClient(e.caller.mb, mailbox.ClientConfig{
		Doorbell: e.callee.rx,
		Vector:   reqVec,
		Breaker:  cfg.Breaker(),
		Tracer:   tracer,
	})
	if total > 0 {
		pump.Notify(e.callee.rx, reqVec)
	}

	t := &tally{remaining: cfg.Bench.Callers}
	stop := func() { pump.Stop(e.caller.s) }
	for k := 0; k < cfg.Bench.Callers; k++ {
		share := total / cfg.Bench.Callers
		if k < total%cfg.Bench.Callers {
			share++
		}
		body := callerBody(k, share, tag, cfg.Bench.Work, client, t, opts.Progress, stop)
		if _, err := e.caller.s.Spawn(sched.Go(body), sched.DefaultPriority); err != nil {
			return Report{}, err
		}
	}
	timer.End(setup, fmt.Sprintf("capacity=%d doorbell=%s", cfg.Mailbox.Capacity, cfg.Mailbox.Doorbell))

	hb := startHeartbeat(tracer, cfg.Trace.Heartbeat.Duration, e)
	calls := timer.Begin("calls")
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.callee.rx.Serve(gctx) })
	g.Go(func() error { return e.caller.rx.Serve(gctx) })
	g.Go(func() error { return e.callee.run(gctx, cfg.Bench.PinThreads) })
	g.Go(func() error { return e.caller.run(gctx, cfg.Bench.PinThreads) })
	runErr := errors.Join(g.Wait(), srv.Err(), pump.Err())
	elapsed := time.Since(start)
	timer.EndOps(calls, uint64(total), tag.String())
	hb.Stop()

	report := Report{
		Calls:            total,
		Callers:          cfg.Bench.Callers,
		Tag:              tag.String(),
		Work:             cfg.Bench.Work,
		Capacity:         cfg.Mailbox.Capacity,
		Doorbell:         cfg.Mailbox.Doorbell,
		Region:           e.region.Kind().String(),
		ElapsedMS:        float64(elapsed) / float64(time.Millisecond),
		Failures:         t.failures,
		Mismatches:       t.mismatches,
		Retries:          t.retries,
		Client:           client.Stats(),
		Server:           srv.Stats(),
		Delivered:        pump.Delivered(),
		Stale:            pump.Stale(),
		CallerSched:      e.caller.s.Stats(),
		CalleeSched:      e.callee.s.Stats(),
		CallerInterrupts: e.caller.rx.Interrupts(),
		CalleeInterrupts: e.callee.rx.Interrupts(),
		DroppedVectors:   e.caller.table.Dropped() + e.callee.table.Dropped(),
	}
	if total > 0 {
		report.NsPerCall = float64(elapsed.Nanoseconds()) / float64(total)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return report, fmt.Errorf("bench interrupted: %w", runErr)
		}
		return report, runErr
	}

	teardown := timer.Begin("teardown")
	e.close()
	timer.End(teardown, "")
	report.Timings = timer.Report()
	return report, nil
}

// callerBody issues share calls from one coroutine. The last caller to
// finish stops the reply pump so the caller context can drain.
func callerBody(k, share int, tag wire.Tag, work int, client *mailbox.Client, t *tally, sink ProgressSink, stop func()) func(*sched.Co) {
	return func(co *sched.Co) {
		defer func() {
			t.remaining--
			if t.remaining == 0 {
				stop()
			}
		}()
		start := time.Now()
		report := func(done, failed int, st Status) {
			if sink != nil {
				sink.OnEvent(Event{Caller: k, Done: done, Total: share, Failed: failed, Status: st, Elapsed: time.Since(start)})
			}
		}
		report(0, 0, StatusCalling)
		step := progressStep(share)
		failed := 0
		for i := 0; i < share; i++ {
			payload, check := request(tag, k*share+i, work)
			for {
				rep, err := client.CallCo(co, tag, payload)
				if errors.Is(err, fault.ErrResourceExhausted) {
					// queue full or breaker open: give the callee a turn
					t.retries++
					co.Context().WakeSelf()
					co.Suspend()
					continue
				}
				if err != nil {
					t.failures++
					failed++
					trace.Error(co.Context().Tracer(), trace.ScopeMessage, "call", err)
				} else if !check(rep) || rep.Origin != uint32(co.ID()) {
					t.mismatches++
				}
				break
			}
			if (i+1)%step == 0 && i+1 < share {
				report(i+1, failed, StatusCalling)
			}
		}
		if failed > 0 {
			report(share, failed, StatusError)
		} else {
			report(share, failed, StatusDone)
		}
	}
}

// startHeartbeat reports queue depths and wake counters while calls run.
func startHeartbeat(tracer trace.Tracer, interval time.Duration, e *env) *trace.Heartbeat {
	if interval <= 0 || !tracer.Enabled() {
		return nil
	}
	return trace.StartHeartbeat(tracer, interval, func() string {
		return fmt.Sprintf("requests=%d responses=%d caller_irq=%d callee_irq=%d",
			e.caller.mb.Requests().Len(), e.caller.mb.Responses().Len(),
			e.caller.rx.Interrupts(), e.callee.rx.Interrupts())
	})
}
