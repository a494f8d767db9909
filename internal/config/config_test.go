package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shmcall/internal/mailbox"
	"shmcall/internal/sched"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Mailbox.Capacity != mailbox.DefaultCapacity {
		t.Fatalf("capacity = %d", cfg.Mailbox.Capacity)
	}
	if cfg.Breaker() != nil {
		t.Fatal("breaker should be disabled by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[scheduler]
priorities = 200
deferred_width = 4096

[mailbox]
capacity = 8
doorbell = "eventfd"
breaker_trip = 3
breaker_cooldown = "250ms"

[bench]
calls = 100
callers = 4

[trace]
level = "detail"
heartbeat = "1s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Priorities != 200 || cfg.Scheduler.DeferredWidth != 4096 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.MaxTasks != sched.DefaultMaxTasks {
		t.Fatalf("max_tasks should keep default, got %d", cfg.Scheduler.MaxTasks)
	}
	if cfg.Mailbox.Capacity != 8 || cfg.Mailbox.Doorbell != "eventfd" {
		t.Fatalf("mailbox = %+v", cfg.Mailbox)
	}
	b := cfg.Breaker()
	if b == nil || b.Trip != 3 || b.Cooldown != 250*time.Millisecond {
		t.Fatalf("breaker = %+v", b)
	}
	if cfg.Bench.Calls != 100 || cfg.Bench.Callers != 4 || cfg.Bench.Tag != "matrix" {
		t.Fatalf("bench = %+v", cfg.Bench)
	}
	if cfg.Trace.Heartbeat.Duration != time.Second {
		t.Fatalf("heartbeat = %v", cfg.Trace.Heartbeat)
	}
	sc := cfg.SchedulerFor("client", nil)
	if sc.Name != "client" || sc.Priorities != 200 {
		t.Fatalf("SchedulerFor = %+v", sc)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[mailbox]\nsize = 3\n", "unknown keys"},
		{"bad doorbell", "[mailbox]\ndoorbell = \"pigeon\"\n", "doorbell"},
		{"wide mask", "[scheduler]\ndeferred_width = 5000\n", "deferred_width"},
		{"bad level", "[trace]\nlevel = \"loud\"\n", "level"},
		{"zero capacity", "[mailbox]\ncapacity = 0\n", "capacity"},
		{"breaker without cooldown", "[mailbox]\nbreaker_trip = 2\n", "breaker_cooldown"},
		{"bad duration", "[trace]\nheartbeat = \"soon\"\n", "parse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tc.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFindWalksUp(t *testing.T) {
	root := t.TempDir()
	want := writeConfig(t, root, "[bench]\ncalls = 7\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	got, ok, err := Find(nested)
	if err != nil || !ok {
		t.Fatalf("Find: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("Find = %q, want %q", got, want)
	}
	cfg, path, err := Discover(nested)
	if err != nil || path != want || cfg.Bench.Calls != 7 {
		t.Fatalf("Discover = %+v %q %v", cfg.Bench, path, err)
	}
}

func TestValidateBench(t *testing.T) {
	cfg := Default()
	cfg.Bench.Callers = cfg.Mailbox.Capacity + 1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "callers") {
		t.Fatalf("callers over capacity: %v", err)
	}
	cfg = Default()
	cfg.Bench.Tag = "fork"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tag") {
		t.Fatalf("bad tag: %v", err)
	}
	cfg = Default()
	cfg.Bench.Tag = "5"
	if err := cfg.Validate(); err == nil {
		t.Fatal("numeric tag outside the catalog accepted")
	}
	cfg = Default()
	cfg.Bench.Tag = "Add"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("add: %v", err)
	}
}
