package trace

type nop struct{}

func (nop) Emit(*Event)   {}
func (nop) Flush() error  { return nil }
func (nop) Close() error  { return nil }
func (nop) Level() Level  { return LevelOff }
func (nop) Enabled() bool { return false }

// Nop records nothing.
var Nop Tracer = nop{}

// OrNop returns t, or Nop for a nil t.
func OrNop(t Tracer) Tracer {
	if t != nil {
		return t
	}
	return Nop
}
