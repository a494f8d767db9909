package version

import (
	"testing"

	"github.com/fatih/color"
)

func TestCurrentReflectsOverrides(t *testing.T) {
	origVersion, origCommit, origDate := Version, GitCommit, BuildDate
	t.Cleanup(func() { Version, GitCommit, BuildDate = origVersion, origCommit, origDate })

	Version = "1.2.3"
	GitCommit = "abc123def456"
	BuildDate = "2024-01-15T10:30:00Z"

	info := Current()
	if info.Version != "1.2.3" || info.GitCommit != "abc123def456" || info.BuildDate != "2024-01-15T10:30:00Z" {
		t.Fatalf("Current() = %+v", info)
	}
	if got := ShortCommit(); got != "abc123d" {
		t.Fatalf("ShortCommit() = %q", got)
	}
}

func TestColored(t *testing.T) {
	orig := Version
	origNoColor := color.NoColor
	t.Cleanup(func() { Version, color.NoColor = orig, origNoColor })
	color.NoColor = true

	cases := map[string]string{
		"0.1.0-dev":  "0.1.0-dev",
		"1.2.3":      "1.2.3",
		"2.0.0-rc.1": "2.0.0-rc.1",
		"nightly":    "nightly",
	}
	for in, want := range cases {
		Version = in
		if got := Colored(); got != want {
			t.Errorf("Colored(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShortCommitKeepsShortHashes(t *testing.T) {
	orig := GitCommit
	t.Cleanup(func() { GitCommit = orig })
	for _, c := range []string{"", "abc", "1234567"} {
		GitCommit = c
		if got := ShortCommit(); got != c {
			t.Errorf("ShortCommit() = %q, want %q", got, c)
		}
	}
}
