package notify

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shmcall/internal/sched"
)

type wakeLog struct {
	mu  sync.Mutex
	ids []sched.CoroutineID
	err error
}

func (w *wakeLog) DelayWake(id sched.CoroutineID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.ids = append(w.ids, id)
	return nil
}

func (w *wakeLog) snapshot() []sched.CoroutineID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]sched.CoroutineID(nil), w.ids...)
}

func TestChanLineCoalesces(t *testing.T) {
	line := NewChanLine()
	defer line.Close()

	require.NoError(t, line.Ring(3))
	require.NoError(t, line.Ring(3))
	require.NoError(t, line.Ring(5))

	pending, err := line.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<3|1<<5), pending)
}

func TestChanLineRejectsBadVector(t *testing.T) {
	line := NewChanLine()
	defer line.Close()
	assert.Error(t, line.Ring(NumVectors))
}

func TestChanLineWaitHonorsContext(t *testing.T) {
	line := NewChanLine()
	defer line.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := line.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWakeTableRegisterLowestVector(t *testing.T) {
	wt := NewWakeTable(nil)
	v0, err := wt.Register(7)
	require.NoError(t, err)
	v1, err := wt.Register(9)
	require.NoError(t, err)
	assert.Equal(t, Vector(0), v0)
	assert.Equal(t, Vector(1), v1)

	wt.Unregister(v0)
	_, ok := wt.Lookup(v0)
	assert.False(t, ok)

	v2, err := wt.Register(11)
	require.NoError(t, err)
	assert.Equal(t, v0, v2, "freed vector is reused first")
	id, ok := wt.Lookup(v2)
	require.True(t, ok)
	assert.Equal(t, sched.CoroutineID(11), id)
}

func TestWakeTableExhaustion(t *testing.T) {
	wt := NewWakeTable(nil)
	for i := 0; i < NumVectors; i++ {
		_, err := wt.Register(sched.CoroutineID(i))
		require.NoError(t, err)
	}
	_, err := wt.Register(99)
	assert.Error(t, err)
}

func TestReceiverDelaysWakes(t *testing.T) {
	wt := NewWakeTable(nil)
	v, err := wt.Register(4)
	require.NoError(t, err)

	log := &wakeLog{}
	r := NewReceiver(NewChanLine(), nil)
	r.Register(wt.Handler(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	require.NoError(t, r.Fire(v))
	require.NoError(t, r.Fire(63)) // unregistered

	require.Eventually(t, func() bool {
		return len(log.snapshot()) == 1 && wt.Dropped() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []sched.CoroutineID{4}, log.snapshot())

	require.NoError(t, r.Close())
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, r.Interrupts(), uint64(1))
}

func TestHandlerCountsRefusedWakes(t *testing.T) {
	wt := NewWakeTable(nil)
	v, err := wt.Register(70)
	require.NoError(t, err)
	log := &wakeLog{err: errors.New("capacity exceeded")}

	rest := wt.Handler(log)(1 << v)
	assert.Zero(t, rest)
	assert.Equal(t, uint64(1), wt.Dropped())
}

func TestReceiverWakesScheduler(t *testing.T) {
	s, err := sched.New(sched.Config{})
	require.NoError(t, err)
	defer s.Close()

	var y sched.YieldPoint
	id, err := s.Spawn(sched.Func(func(cx *sched.Context) sched.Poll { return y.Poll(cx) }), 0)
	require.NoError(t, err)
	s.RunUntilBlocked()

	wt := NewWakeTable(nil)
	v, err := wt.Register(id)
	require.NoError(t, err)
	r := NewReceiver(NewChanLine(), nil)
	r.Register(wt.Handler(s))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = r.Serve(ctx) }()
	defer r.Close()

	require.NoError(t, r.Fire(v))
	require.NoError(t, s.Run(ctx))
	assert.True(t, s.Empty())
}

func TestEventfdLine(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("eventfd is linux only")
	}
	line, err := NewEventfdLine()
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = line.Ring(1)
		_ = line.Ring(2)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got uint64
	for got != 0b110 {
		p, err := line.Wait(ctx)
		require.NoError(t, err)
		got |= p
	}
	require.NoError(t, line.Close())
	_, err = line.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFifoLineAcrossHandles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("named pipes need unix")
	}
	path := filepath.Join(t.TempDir(), "server.bell")
	line, err := ListenFifo(path)
	require.NoError(t, err)
	defer line.Close()

	bell, err := DialFifo(path)
	require.NoError(t, err)
	defer bell.Close()

	require.NoError(t, bell.Fire(0))
	require.NoError(t, bell.Fire(9))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got uint64
	for got != 1|1<<9 {
		p, err := line.Wait(ctx)
		require.NoError(t, err)
		got |= p
	}
}
