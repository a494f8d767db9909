// Package config loads shmcall.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"shmcall/internal/mailbox"
	"shmcall/internal/sched"
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

// FileName is the configuration file searched for by Find.
const FileName = "shmcall.toml"

// Config is the full configuration. Zero fields take defaults.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Mailbox   MailboxConfig   `toml:"mailbox"`
	Bench     BenchConfig     `toml:"bench"`
	Trace     TraceConfig     `toml:"trace"`
}

// SchedulerConfig sizes each execution context's scheduler.
type SchedulerConfig struct {
	MaxTasks      int `toml:"max_tasks"`
	Priorities    int `toml:"priorities"`
	DeferredWidth int `toml:"deferred_width"`
}

// MailboxConfig sizes the shared mailbox.
type MailboxConfig struct {
	Capacity        int      `toml:"capacity"`
	Doorbell        string   `toml:"doorbell"` // chan | eventfd
	BreakerTrip     uint32   `toml:"breaker_trip"`
	BreakerCooldown Duration `toml:"breaker_cooldown"`
}

// BenchConfig drives the two-context benchmark.
type BenchConfig struct {
	Calls      int    `toml:"calls"`
	Callers    int    `toml:"callers"`
	Work       int    `toml:"work"` // matrix side length for the matrix tag
	Tag        string `toml:"tag"`
	PinThreads bool   `toml:"pin_threads"`
}

// TraceConfig mirrors the --trace flags.
type TraceConfig struct {
	Level     string   `toml:"level"`
	Mode      string   `toml:"mode"`
	Output    string   `toml:"output"`
	RingSize  int      `toml:"ring_size"`
	Heartbeat Duration `toml:"heartbeat"`
}

// Duration decodes TOML strings like "250ms".
type Duration struct{ time.Duration }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxTasks:      sched.DefaultMaxTasks,
			Priorities:    sched.DefaultPriorities,
			DeferredWidth: sched.DefaultDeferredWidth,
		},
		Mailbox: MailboxConfig{
			Capacity: mailbox.DefaultCapacity,
			Doorbell: "chan",
		},
		Bench: BenchConfig{
			Calls:   20480,
			Callers: 1,
			Work:    4,
			Tag:     "matrix",
		},
		Trace: TraceConfig{
			Level:    "off",
			Mode:     "ring",
			RingSize: 4096,
		},
	}
}

// Find walks up from startDir looking for FileName.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if meta.IsDefined("mailbox", "breaker_trip") && !meta.IsDefined("mailbox", "breaker_cooldown") {
		return Config{}, fmt.Errorf("%s: [mailbox].breaker_trip needs [mailbox].breaker_cooldown", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Discover loads the nearest FileName above startDir, or the defaults.
func Discover(startDir string) (Config, string, error) {
	path, ok, err := Find(startDir)
	if err != nil || !ok {
		return Default(), "", err
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Validate checks ranges.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.MaxTasks <= 0 {
		return fmt.Errorf("[scheduler].max_tasks must be positive, got %d", s.MaxTasks)
	}
	if s.Priorities <= 0 || s.Priorities > 4096 {
		return fmt.Errorf("[scheduler].priorities must be in [1,4096], got %d", s.Priorities)
	}
	if s.DeferredWidth <= 0 || s.DeferredWidth > sched.MaxDeferredWidth {
		return fmt.Errorf("[scheduler].deferred_width must be in [1,%d], got %d", sched.MaxDeferredWidth, s.DeferredWidth)
	}
	if _, err := mailbox.LayoutFor(c.Mailbox.Capacity); err != nil {
		return fmt.Errorf("[mailbox].capacity: %w", err)
	}
	switch c.Mailbox.Doorbell {
	case "chan", "eventfd":
	default:
		return fmt.Errorf("[mailbox].doorbell must be chan or eventfd, got %q", c.Mailbox.Doorbell)
	}
	if c.Bench.Calls < 0 || c.Bench.Callers <= 0 {
		return fmt.Errorf("[bench] needs calls >= 0 and callers > 0")
	}
	if c.Bench.Callers > c.Mailbox.Capacity {
		return fmt.Errorf("[bench].callers (%d) exceeds [mailbox].capacity (%d)", c.Bench.Callers, c.Mailbox.Capacity)
	}
	if c.Bench.Callers >= c.Scheduler.MaxTasks {
		return fmt.Errorf("[bench].callers (%d) needs max_tasks above it, got %d", c.Bench.Callers, c.Scheduler.MaxTasks)
	}
	if c.Bench.Work < 1 || c.Bench.Work > 16 {
		return fmt.Errorf("[bench].work must be in [1,16], got %d", c.Bench.Work)
	}
	if tag, err := wire.ParseTag(c.Bench.Tag); err != nil || tag == wire.TagUnknown || int(tag) >= wire.NumTags {
		return fmt.Errorf("[bench].tag: unknown op %q", c.Bench.Tag)
	}
	if _, err := trace.ParseLevel(c.Trace.Level); err != nil {
		return fmt.Errorf("[trace].level: %w", err)
	}
	if _, err := trace.ParseMode(c.Trace.Mode); err != nil {
		return fmt.Errorf("[trace].mode: %w", err)
	}
	return nil
}

// SchedulerFor converts to a sched.Config for the named context.
func (c *Config) SchedulerFor(name string, tracer trace.Tracer) sched.Config {
	return sched.Config{
		Name:          name,
		MaxTasks:      c.Scheduler.MaxTasks,
		Priorities:    c.Scheduler.Priorities,
		DeferredWidth: c.Scheduler.DeferredWidth,
		Tracer:        tracer,
	}
}

// Breaker returns the client breaker settings, or nil when disabled.
func (c *Config) Breaker() *mailbox.BreakerConfig {
	if c.Mailbox.BreakerTrip == 0 {
		return nil
	}
	return &mailbox.BreakerConfig{Trip: c.Mailbox.BreakerTrip, Cooldown: c.Mailbox.BreakerCooldown.Duration}
}
