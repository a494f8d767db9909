package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"shmcall/internal/bench"
	"shmcall/internal/ui"
)

type benchOutcome struct {
	report bench.Report
	err    error
}

// runBenchWithUI runs the benchmark on a goroutine and renders its
// progress until the event stream closes.
func runBenchWithUI(ctx context.Context, title string, opts bench.Options) (bench.Report, error) {
	events := make(chan bench.Event, 256)
	outcomeCh := make(chan benchOutcome, 1)

	go func() {
		o := opts
		o.Progress = bench.ChannelSink{Ch: events}
		rep, err := bench.Run(ctx, o)
		outcomeCh <- benchOutcome{report: rep, err: err}
		close(events)
	}()

	b := opts.Config.Bench
	model := ui.NewProgressModel(title, b.Callers, b.Calls, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.report, uiErr
	}
	return outcome.report, outcome.err
}
