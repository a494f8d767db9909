package trace

import (
	"fmt"
	"strings"
)

// Level controls how fine-grained the recorded events are.
type Level uint8

const (
	LevelOff    Level = iota // nothing
	LevelError               // faults only: dropped wakes, stale replies, doorbell errors
	LevelPhase               // context and loop boundaries
	LevelDetail              // plus task events
	LevelDebug               // plus every message and doorbell
)

var levelNames = [...]string{"off", "error", "phase", "detail", "debug"}

// ceiling is the finest scope each level admits; 0 admits no scope.
var ceiling = [...]Scope{
	LevelOff:    0,
	LevelError:  0,
	LevelPhase:  ScopeLoop,
	LevelDetail: ScopeTask,
	LevelDebug:  ScopeMessage,
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel accepts a level name, case-insensitively. Empty means off.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return LevelOff, nil
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil //nolint:gosec // bounded by levelNames
		}
	}
	return LevelOff, fmt.Errorf("invalid trace level: %q (expected: %s)", s, strings.Join(levelNames[:], "|"))
}

// ShouldEmit reports whether ordinary events of scope are recorded at l.
// Fault events bypass this check.
func (l Level) ShouldEmit(scope Scope) bool {
	if int(l) >= len(ceiling) {
		return false
	}
	return scope != 0 && scope <= ceiling[l]
}

// admits reports whether a sink at level l stores ev.
func (l Level) admits(ev *Event) bool {
	if l == LevelOff {
		return false
	}
	return ev.Fault || ev.Kind == KindHeartbeat || l.ShouldEmit(ev.Scope)
}
