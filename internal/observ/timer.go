// Package observ measures benchmark phases.
package observ

import (
	"fmt"
	"strings"
	"time"
)

// Phase is one timed section of a run.
type Phase struct {
	Name  string
	Start time.Time
	Dur   time.Duration
	Ops   uint64 // operations completed in the phase, 0 if not counted
	Note  string
}

// Timer records phases in the order they begin. It is not safe for
// concurrent use; each execution context keeps its own.
type Timer struct {
	phases []Phase
	now    func() time.Time
}

// NewTimer returns an empty Timer.
func NewTimer() *Timer { return &Timer{phases: make([]Phase, 0, 8), now: time.Now} }

// Begin starts a phase and returns its index.
func (t *Timer) Begin(name string) int {
	t.phases = append(t.phases, Phase{Name: name, Start: t.now()})
	return len(t.phases) - 1
}

// End closes phase idx.
func (t *Timer) End(idx int, note string) {
	t.EndOps(idx, 0, note)
}

// EndOps closes phase idx and records how many operations it covered.
func (t *Timer) EndOps(idx int, ops uint64, note string) {
	if idx < 0 || idx >= len(t.phases) {
		return
	}
	p := &t.phases[idx]
	p.Dur = t.now().Sub(p.Start)
	p.Ops = ops
	p.Note = note
}

// PhaseReport is the serialized form of a Phase.
type PhaseReport struct {
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
	Ops        uint64  `json:"ops,omitempty"`
	NsPerOp    float64 `json:"ns_per_op,omitempty"`
	OpsPerSec  float64 `json:"ops_per_sec,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// Report aggregates all phases.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

// Report summarizes the phases. Phases never ended count as zero.
func (t *Timer) Report() Report {
	if len(t.phases) == 0 {
		return Report{}
	}
	report := Report{Phases: make([]PhaseReport, len(t.phases))}
	var total time.Duration
	for i, p := range t.phases {
		total += p.Dur
		pr := PhaseReport{Name: p.Name, DurationMS: millis(p.Dur), Ops: p.Ops, Note: p.Note}
		if p.Ops > 0 && p.Dur > 0 {
			pr.NsPerOp = float64(p.Dur.Nanoseconds()) / float64(p.Ops)
			pr.OpsPerSec = float64(p.Ops) / p.Dur.Seconds()
		}
		report.Phases[i] = pr
	}
	report.TotalMS = millis(total)
	return report
}

// Summary renders the phases as aligned text.
func (t *Timer) Summary() string {
	return t.Report().Summary()
}

// Summary renders the report as aligned text.
func (report Report) Summary() string {
	var b strings.Builder
	b.WriteString("timings:\n")
	for _, p := range report.Phases {
		fmt.Fprintf(&b, "  %-20s %9.2f ms", p.Name, p.DurationMS)
		if p.Ops > 0 {
			fmt.Fprintf(&b, "  %8.0f ns/op", p.NsPerOp)
		}
		if p.Note != "" {
			b.WriteString("  // " + p.Note)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "  %-20s %9.2f ms\n", "total", report.TotalMS)
	return b.String()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
