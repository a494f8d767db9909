package bench

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"shmcall/internal/mailbox"
	"shmcall/internal/observ"
	"shmcall/internal/sched"
)

// Report is the outcome of a run.
type Report struct {
	Calls     int     `json:"calls"`
	Callers   int     `json:"callers"`
	Tag       string  `json:"tag"`
	Work      int     `json:"work"`
	Capacity  int     `json:"capacity"`
	Doorbell  string  `json:"doorbell"`
	Region    string  `json:"region"`
	ElapsedMS float64 `json:"elapsed_ms"`
	NsPerCall float64 `json:"ns_per_call"`

	Failures   uint64 `json:"failures"`
	Mismatches uint64 `json:"mismatches"`
	Retries    uint64 `json:"retries"`

	Client    mailbox.ClientStats `json:"client"`
	Server    mailbox.ServerStats `json:"server"`
	Delivered uint64              `json:"delivered"`
	Stale     uint64              `json:"stale"`

	CallerSched      sched.Stats `json:"caller_sched"`
	CalleeSched      sched.Stats `json:"callee_sched"`
	CallerInterrupts uint64      `json:"caller_interrupts"`
	CalleeInterrupts uint64      `json:"callee_interrupts"`
	DroppedVectors   uint64      `json:"dropped_vectors"`

	Timings observ.Report `json:"timings"`
}

// OK reports whether every call got the expected reply.
func (r *Report) OK() bool {
	return r.Failures == 0 && r.Mismatches == 0 && r.Stale == 0
}

// Format selects the report encoding.
type Format string

const (
	FormatPretty  Format = "pretty"
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatPretty:
		return FormatPretty, nil
	case FormatJSON, FormatMsgpack:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (expected pretty|json|msgpack)", s)
	}
}

// Write encodes r to w.
func (r *Report) Write(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatMsgpack:
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		return enc.Encode(r)
	default:
		_, err := io.WriteString(w, r.Pretty())
		return err
	}
}

// DecodeReport reads a report written in the msgpack or JSON format.
func DecodeReport(data []byte) (Report, error) {
	var r Report
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return Report{}, fmt.Errorf("decode report: %w", err)
		}
		return r, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

// Pretty renders r for a terminal.
func (r *Report) Pretty() string {
	var b strings.Builder
	verdict := "ok"
	if !r.OK() {
		verdict = "FAILED"
	}
	fmt.Fprintf(&b, "%s: %d %s calls from %d callers (capacity %d, %s doorbell, %s region)\n",
		verdict, r.Calls, r.Tag, r.Callers, r.Capacity, r.Doorbell, r.Region)
	fmt.Fprintf(&b, "  elapsed      %.2f ms, %.0f ns/call\n", r.ElapsedMS, r.NsPerCall)
	fmt.Fprintf(&b, "  doorbells    request %d (%d failed), response %d (interrupts caller %d, callee %d)\n",
		r.Client.Doorbells, r.Client.BellErrors, r.Server.Doorbells, r.CallerInterrupts, r.CalleeInterrupts)
	fmt.Fprintf(&b, "  replies      delivered %d, stale %d, refused %d, failures %d, mismatches %d, retries %d\n",
		r.Delivered, r.Stale, r.Server.Refused, r.Failures, r.Mismatches, r.Retries)
	fmt.Fprintf(&b, "  caller       polls %d, wakes %d, deferred %d, idles %d\n",
		r.CallerSched.Polls, r.CallerSched.Wakes, r.CallerSched.Deferred, r.CallerSched.Idles)
	fmt.Fprintf(&b, "  callee       polls %d, wakes %d, deferred %d, idles %d, stalls %d\n",
		r.CalleeSched.Polls, r.CalleeSched.Wakes, r.CalleeSched.Deferred, r.CalleeSched.Idles, r.Server.Stalls)
	return b.String()
}
