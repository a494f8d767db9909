package trace

import "errors"

// Fanout forwards every event to several sinks.
type Fanout struct {
	sinks []Tracer
	level Level
}

// NewFanout combines sinks under one level.
func NewFanout(level Level, sinks ...Tracer) *Fanout {
	return &Fanout{sinks: sinks, level: level}
}

// Emit hands each sink its own copy; sinks stamp Seq on what they receive.
func (f *Fanout) Emit(ev *Event) {
	for _, s := range f.sinks {
		cp := *ev
		s.Emit(&cp)
	}
}

func (f *Fanout) Flush() error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func (f *Fanout) Level() Level  { return f.level }
func (f *Fanout) Enabled() bool { return f.level > LevelOff }

// RingOf returns the ring sink inside t, or nil when t keeps no ring.
func RingOf(t Tracer) *RingTracer {
	switch t := t.(type) {
	case *RingTracer:
		return t
	case *Fanout:
		for _, s := range t.sinks {
			if r := RingOf(s); r != nil {
				return r
			}
		}
	}
	return nil
}
