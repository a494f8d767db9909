package trace

import (
	"io"
	"sync"

	"shmcall/internal/ring"
)

// RingTracer keeps the most recent events in memory, overwriting the
// oldest once full. It backs post-mortem dumps of lost-doorbell stalls.
type RingTracer struct {
	mu      sync.Mutex
	events  *ring.Buffer[Event]
	level   Level
	seq     uint64
	evicted uint64
}

// NewRingTracer keeps up to capacity events (DefaultRingSize when <= 0).
func NewRingTracer(capacity int, level Level) *RingTracer {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &RingTracer{events: ring.New[Event](capacity), level: level}
}

func (t *RingTracer) Emit(ev *Event) {
	if !t.level.admits(ev) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.events.Full() {
		t.events.Pop()
		t.evicted++
	}
	t.seq++
	stored := *ev
	stored.Seq = t.seq
	stored.Attrs = append([]Attr(nil), ev.Attrs...)
	_ = t.events.Push(stored) //nolint:errcheck // room made above
}

// Snapshot copies the stored events, oldest first.
func (t *RingTracer) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, 0, t.events.Len())
	for ev := range t.events.All() {
		out = append(out, ev)
	}
	return out
}

// Evicted returns how many events were overwritten.
func (t *RingTracer) Evicted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evicted
}

// Dump writes the stored events to w, oldest first.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	events := t.Snapshot()
	for i := range events {
		if _, err := w.Write(FormatEvent(&events[i], format)); err != nil {
			return err
		}
	}
	return nil
}

func (t *RingTracer) Flush() error  { return nil }
func (t *RingTracer) Close() error  { return nil }
func (t *RingTracer) Level() Level  { return t.level }
func (t *RingTracer) Enabled() bool { return t.level > LevelOff }
