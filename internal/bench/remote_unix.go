//go:build unix

package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"shmcall/internal/mailbox"
	"shmcall/internal/notify"
	"shmcall/internal/prof"
	"shmcall/internal/sched"
	"shmcall/internal/shm"
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

// redialBell rings a peer's named pipe, dialing on first use and again
// after a failure, so callers may come and go.
type redialBell struct {
	mu   sync.Mutex
	path string
	bell *notify.FifoBell
}

func (b *redialBell) Fire(v notify.Vector) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bell == nil {
		bell, err := notify.DialFifo(b.path)
		if err != nil {
			return err
		}
		b.bell = bell
	}
	if err := b.bell.Fire(v); err != nil {
		_ = b.bell.Close() //nolint:errcheck
		b.bell = nil
		return err
	}
	return nil
}

func (b *redialBell) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bell == nil {
		return nil
	}
	err := b.bell.Close()
	b.bell = nil
	return err
}

// Serve owns the session: it maps the mailbox file, publishes the lease
// and serves requests until the limit is reached or ctx ends.
func Serve(ctx context.Context, opts ServeOptions) (mailbox.ServerStats, error) {
	cfg := opts.Config
	tracer := trace.OrNop(opts.Tracer)
	files := SessionIn(opts.Dir)

	l, err := mailbox.LayoutFor(cfg.Mailbox.Capacity)
	if err != nil {
		return mailbox.ServerStats{}, err
	}
	region, err := shm.CreateFile(files.Region, l.RegionSize)
	if err != nil {
		return mailbox.ServerStats{}, err
	}
	defer region.Close()
	mb, err := mailbox.Create(region, cfg.Mailbox.Capacity)
	if err != nil {
		return mailbox.ServerStats{}, err
	}

	line, err := notify.ListenFifo(files.ServerBell)
	if err != nil {
		return mailbox.ServerStats{}, err
	}
	rx := notify.NewReceiver(line, tracer)
	defer rx.Close()
	s, err := sched.New(cfg.SchedulerFor("server", tracer))
	if err != nil {
		return mailbox.ServerStats{}, err
	}
	defer s.Close()
	table := notify.NewWakeTable(tracer)
	rx.Register(table.Handler(s))

	bell := &redialBell{path: files.ClientBell}
	defer bell.Close()
	srv := mailbox.NewServer(mb, NewMux(opts.Console), mailbox.ServerConfig{
		Doorbell: bell,
		Vector:   SessionVector,
		Limit:    opts.Limit,
		Tracer:   tracer,
	})
	id, err := s.Spawn(srv, sched.DefaultPriority)
	if err != nil {
		return mailbox.ServerStats{}, err
	}
	if err := registerSession(table, id); err != nil {
		return mailbox.ServerStats{}, err
	}

	if err := shm.WriteLease(files.Lease, region.Lease()); err != nil {
		return mailbox.ServerStats{}, err
	}
	defer os.Remove(files.Lease)
	trace.Point(tracer, trace.ScopeContext, "serve", fmt.Sprintf("region=%s capacity=%d", files.Region, cfg.Mailbox.Capacity))
	if opts.Ready != nil {
		opts.Ready()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rx.Serve(gctx) })
	g.Go(func() error {
		defer rx.Close()
		pctx, end := prof.Context(gctx, "callee")
		defer end()
		return s.Run(pctx)
	})
	err = errors.Join(g.Wait(), srv.Err())
	return srv.Stats(), err
}

func registerSession(table *notify.WakeTable, id sched.CoroutineID) error {
	v, err := table.Register(id)
	if err != nil {
		return err
	}
	if v != SessionVector {
		return fmt.Errorf("session loop got vector %d, want %d", v, SessionVector)
	}
	return nil
}

// Call attaches to a served session and issues opts.Repeat calls.
func Call(ctx context.Context, opts CallOptions) (CallResult, error) {
	cfg := opts.Config
	tracer := trace.OrNop(opts.Tracer)
	files := SessionIn(opts.Dir)
	script := opts.Script
	if len(script) == 0 {
		script = []Request{{Tag: opts.Tag, Payload: opts.Payload}}
	}
	repeat := max(opts.Repeat, 1) * len(script)
	callers := min(max(opts.Callers, 1), repeat)

	lease, err := waitLease(ctx, files.Lease, opts.Wait)
	if err != nil {
		return CallResult{}, err
	}
	att, err := shm.Attach(lease)
	if err != nil {
		return CallResult{}, err
	}
	defer att.Detach()
	mb, err := mailbox.Open(att.Region())
	if err != nil {
		return CallResult{}, err
	}
	if callers > mb.Requests().Cap() {
		return CallResult{}, fmt.Errorf("%d callers exceed the mailbox capacity %d", callers, mb.Requests().Cap())
	}

	bell, err := notify.DialFifo(files.ServerBell)
	if err != nil {
		return CallResult{}, err
	}
	defer bell.Close()
	line, err := notify.ListenFifo(files.ClientBell)
	if err != nil {
		return CallResult{}, err
	}
	rx := notify.NewReceiver(line, tracer)
	defer rx.Close()

	s, err := sched.New(cfg.SchedulerFor("client", tracer))
	if err != nil {
		return CallResult{}, err
	}
	defer s.Close()
	table := notify.NewWakeTable(tracer)
	rx.Register(table.Handler(s))

	pump := mailbox.NewReplyPump(mb, tracer)
	pumpID, err := s.Spawn(pump, pumpPriority)
	if err != nil {
		return CallResult{}, err
	}
	if err := registerSession(table, pumpID); err != nil {
		return CallResult{}, err
	}
	client := mailbox.NewClient(mb, mailbox.ClientConfig{
		Doorbell: bell,
		Vector:   SessionVector,
		Breaker:  cfg.Breaker(),
		Tracer:   tracer,
	})
	pump.Notify(bell, SessionVector)

	res := CallResult{Replies: make([]wire.Record, repeat), Errors: make([]error, repeat)}
	remaining := callers
	for k := 0; k < callers; k++ {
		_, err := s.Spawn(sched.Go(func(co *sched.Co) {
			defer func() {
				if remaining--; remaining == 0 {
					pump.Stop(s)
				}
			}()
			for i := k; i < repeat; i += callers {
				req := script[i%len(script)]
				res.Replies[i], res.Errors[i] = client.CallCo(co, req.Tag, req.Payload)
			}
		}), sched.DefaultPriority)
		if err != nil {
			return CallResult{}, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rx.Serve(gctx) })
	g.Go(func() error {
		defer rx.Close()
		pctx, end := prof.Context(gctx, "caller")
		defer end()
		return s.Run(pctx)
	})
	err = errors.Join(g.Wait(), pump.Err())
	res.Client = client.Stats()
	res.Stale = pump.Stale()
	return res, err
}

// waitLease polls for the lease file until it parses or wait elapses.
func waitLease(ctx context.Context, path string, wait time.Duration) (shm.Lease, error) {
	deadline := time.Now().Add(wait)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		l, err := shm.ReadLease(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, os.ErrNotExist) || time.Now().After(deadline) {
			return shm.Lease{}, fmt.Errorf("no session at %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return shm.Lease{}, ctx.Err()
		case <-tick.C:
		}
	}
}
