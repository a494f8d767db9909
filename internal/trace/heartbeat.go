package trace

import (
	"fmt"
	"sync"
	"time"
)

// Heartbeat emits a sample every interval until stopped. A run whose
// heartbeats keep arriving while no loop events do has usually lost a
// doorbell: a request or reply is queued and nobody was rung.
type Heartbeat struct {
	tracer Tracer
	every  time.Duration
	probe  func() string
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// StartHeartbeat starts sampling. probe, when set, supplies the detail
// (queue depths, counters). It returns nil when t is disabled or interval is
// not positive; Stop on nil is a no-op.
func StartHeartbeat(t Tracer, interval time.Duration, probe func() string) *Heartbeat {
	if t == nil || !t.Enabled() || interval <= 0 {
		return nil
	}
	h := &Heartbeat{
		tracer: t,
		every:  interval,
		probe:  probe,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Heartbeat) loop() {
	defer close(h.done)
	tick := time.NewTicker(h.every)
	defer tick.Stop()
	for n := 1; ; n++ {
		select {
		case <-h.stop:
			return
		case now := <-tick.C:
			detail := fmt.Sprintf("#%d", n)
			if h.probe != nil {
				detail += " " + h.probe()
			}
			h.tracer.Emit(&Event{At: now, Kind: KindHeartbeat, Scope: ScopeContext, Name: "heartbeat", Detail: detail})
		}
	}
}

// Stop ends sampling and waits for the last sample to be emitted.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}
