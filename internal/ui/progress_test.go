package ui

import (
	"strings"
	"testing"
	"time"

	"shmcall/internal/bench"
)

func TestApplyEventTracksCallers(t *testing.T) {
	events := make(chan bench.Event)
	m := NewProgressModel("bench", 2, 5, events).(*benchModel)
	if m.callers[0].total != 3 || m.callers[1].total != 2 {
		t.Fatalf("shares = %d/%d", m.callers[0].total, m.callers[1].total)
	}

	m.applyEvent(bench.Event{Caller: 1, Done: 2, Total: 2, Status: bench.StatusDone, Elapsed: 2 * time.Microsecond})
	m.applyEvent(bench.Event{Caller: 0, Done: 1, Total: 3, Failed: 1, Status: bench.StatusCalling})
	m.applyEvent(bench.Event{Caller: 7, Done: 9, Total: 9})

	done, total := m.totals()
	if done != 3 || total != 5 {
		t.Fatalf("totals = %d/%d", done, total)
	}
	view := m.View()
	for _, want := range []string{"bench (3/5)", "caller 0", "failed 1", "1000 ns/call"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in    string
		width int
		want  string
	}{
		{"caller 12", 20, "caller 12"},
		{"caller 12", 6, "cal..."},
		{"caller 12", 3, "cal"},
		{"caller 12", 0, "caller 12"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.width); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.width, got, tc.want)
		}
	}
}
