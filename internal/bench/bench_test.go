package bench

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"shmcall/internal/config"
	"shmcall/internal/mailbox"
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

func benchConfig(calls, callers int, tag string) config.Config {
	cfg := config.Default()
	cfg.Mailbox.Capacity = 8
	cfg.Bench.Calls = calls
	cfg.Bench.Callers = callers
	cfg.Bench.Tag = tag
	return cfg
}

func runBench(t *testing.T, opts Options) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r, err := Run(ctx, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return r
}

func TestRunTags(t *testing.T) {
	for _, tag := range []string{"echo", "add", "putchar", "putstring", "matrix"} {
		t.Run(tag, func(t *testing.T) {
			var console bytes.Buffer
			r := runBench(t, Options{Config: benchConfig(120, 4, tag), Console: &console})
			if !r.OK() {
				t.Fatalf("report not ok:\n%s", r.Pretty())
			}
			if r.Server.Served != 120 || r.Delivered != 120 || r.Client.Calls != 120 {
				t.Fatalf("served=%d delivered=%d calls=%d", r.Server.Served, r.Delivered, r.Client.Calls)
			}
			if r.Client.Doorbells > 120 || r.Server.Doorbells > 120 {
				t.Fatalf("more doorbells than calls: %d/%d", r.Client.Doorbells, r.Server.Doorbells)
			}
			switch tag {
			case "putchar":
				if console.String() != strings.Repeat(".", 120) {
					t.Fatalf("console = %q", console.String())
				}
			case "putstring":
				if console.Len() != 120*len("shmcall") {
					t.Fatalf("console has %d bytes", console.Len())
				}
			}
			if len(r.Timings.Phases) != 3 {
				t.Fatalf("timings = %+v", r.Timings)
			}
		})
	}
}

func TestRunUnevenShares(t *testing.T) {
	events := make(chan Event, 4096)
	r := runBench(t, Options{Config: benchConfig(10, 3, "echo"), Progress: ChannelSink{Ch: events}})
	close(events)
	if !r.OK() || r.Delivered != 10 {
		t.Fatalf("report:\n%s", r.Pretty())
	}
	totals := map[int]int{}
	final := map[int]Status{}
	for ev := range events {
		totals[ev.Caller] = ev.Total
		final[ev.Caller] = ev.Status
	}
	if totals[0] != 4 || totals[1] != 3 || totals[2] != 3 {
		t.Fatalf("shares = %v", totals)
	}
	for k, st := range final {
		if st != StatusDone {
			t.Fatalf("caller %d ended %s", k, st)
		}
	}
}

func TestRunZeroCalls(t *testing.T) {
	r := runBench(t, Options{Config: benchConfig(0, 2, "echo")})
	if r.Server.Served != 0 || r.Client.Calls != 0 || !r.OK() {
		t.Fatalf("report:\n%s", r.Pretty())
	}
}

func TestRunEventfdAnonymous(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("eventfd is linux only")
	}
	cfg := benchConfig(200, 2, "matrix")
	cfg.Mailbox.Doorbell = "eventfd"
	cfg.Bench.PinThreads = true
	r := runBench(t, Options{Config: cfg, Anonymous: true})
	if !r.OK() || r.Region != "anonymous" {
		t.Fatalf("report:\n%s", r.Pretty())
	}
}

func TestRunTraced(t *testing.T) {
	ring := trace.NewRingTracer(1024, trace.LevelDetail)
	cfg := benchConfig(16, 1, "add")
	cfg.Trace.Heartbeat = config.Duration{Duration: time.Millisecond}
	r := runBench(t, Options{Config: cfg, Tracer: ring})
	if !r.OK() {
		t.Fatalf("report:\n%s", r.Pretty())
	}
	if len(ring.Snapshot()) == 0 {
		t.Fatal("no trace events recorded")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := benchConfig(10, 9, "echo") // more callers than slots
	if _, err := Run(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Options{Config: benchConfig(1000, 1, "echo")})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestMuxStatuses(t *testing.T) {
	var console bytes.Buffer
	m := NewMux(&console)
	cases := []struct {
		name string
		req  wire.Record
		want wire.Status
		res  uint16
	}{
		{"add wraps", wire.Record{Tag: uint32(wire.TagAdd), Payload: wire.Payload{0xffff, 2}}, wire.StatusOK, 1},
		{"putchar wide", wire.Record{Tag: uint32(wire.TagPutChar), Payload: wire.Payload{0x100}}, wire.StatusMalformed, 0},
		{"putstring long", wire.Record{Tag: uint32(wire.TagPutString), Payload: wire.Payload{8}}, wire.StatusMalformed, 0},
		{"putstring", wire.Record{Tag: uint32(wire.TagPutString), Payload: wire.Payload{2, 'h', 'i'}}, wire.StatusOK, 2},
		{"matrix zero", wire.Record{Tag: uint32(wire.TagMatrix), Payload: wire.Payload{0}}, wire.StatusMalformed, 0},
		{"matrix 1x1", wire.Record{Tag: uint32(wire.TagMatrix), Payload: wire.Payload{1, 3}}, wire.StatusOK, 27},
		{"unknown", wire.Record{Tag: 99}, wire.StatusUnknownOp, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := m.Dispatch(tc.req)
			if rep.Status() != tc.want {
				t.Fatalf("status = %s, want %s", rep.Status(), tc.want)
			}
			if rep.Result()[0] != tc.res {
				t.Fatalf("result = %d, want %d", rep.Result()[0], tc.res)
			}
		})
	}
	if console.String() != "hi" {
		t.Fatalf("console = %q", console.String())
	}
}

func TestReportEncodings(t *testing.T) {
	r := Report{Calls: 5, Callers: 1, Tag: "echo", Delivered: 5, Client: mailbox.ClientStats{Calls: 5, Doorbells: 2}}
	for _, f := range []Format{FormatJSON, FormatMsgpack} {
		var buf bytes.Buffer
		if err := r.Write(&buf, f); err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		got, err := DecodeReport(buf.Bytes())
		if err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		if got.Calls != 5 || got.Tag != "echo" || got.Client.Doorbells != 2 {
			t.Fatalf("%s: decoded %+v", f, got)
		}
	}
	var buf bytes.Buffer
	if err := r.Write(&buf, FormatPretty); err != nil || !strings.HasPrefix(buf.String(), "ok: 5 echo calls") {
		t.Fatalf("pretty = %q, %v", buf.String(), err)
	}
	if _, err := ParseFormat("yaml"); err == nil {
		t.Fatal("yaml accepted")
	}
}
