package trace

import "time"

// Kind says what an event marks.
type Kind uint8

const (
	KindBegin     Kind = iota + 1 // a span opened
	KindEnd                       // a span closed
	KindPoint                     // an instant: spawn, wake, doorbell, drop
	KindHeartbeat                 // periodic liveness sample
)

var kindNames = [...]string{
	KindBegin:     "begin",
	KindEnd:       "end",
	KindPoint:     "point",
	KindHeartbeat: "heartbeat",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Scope orders events from coarse to fine. A Level admits every scope up to
// its ceiling.
type Scope uint8

const (
	ScopeContext Scope = iota + 1 // execution context lifecycle: start, attach, stop
	ScopeLoop                     // scheduler run loops and mailbox service loops
	ScopeTask                     // spawn, wake, completion of single tasks
	ScopeMessage                  // requests, replies and doorbells
)

var scopeNames = [...]string{
	ScopeContext: "context",
	ScopeLoop:    "loop",
	ScopeTask:    "task",
	ScopeMessage: "message",
}

func (s Scope) String() string {
	if int(s) < len(scopeNames) && scopeNames[s] != "" {
		return scopeNames[s]
	}
	return "unknown"
}

// Attr is one key/value annotation. Attrs keep the order they were added in.
type Attr struct {
	Key   string
	Value string
}

// Event is one trace record.
type Event struct {
	At     time.Time
	Seq    uint64 // assigned by the sink that stores the event
	Kind   Kind
	Scope  Scope
	Span   uint64 // 0 for points and heartbeats
	Parent uint64
	Name   string // "caller:run", "doorbell:request", ...
	Detail string
	Fault  bool // passes every level except off
	Attrs  []Attr
}

// Attr returns the value of key, if present.
func (ev *Event) Attr(key string) (string, bool) {
	for _, a := range ev.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}
