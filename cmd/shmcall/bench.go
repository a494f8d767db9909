package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"shmcall/internal/bench"
	"shmcall/internal/config"
	"shmcall/internal/trace"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run calls between two in-process execution contexts",
	Long: `bench starts a caller context and a callee context, each with its own
scheduler and interrupt goroutine, maps one mailbox between them and issues
the configured number of calls from several caller coroutines.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("calls", 0, "number of calls (default from config)")
	benchCmd.Flags().Int("callers", 0, "caller coroutines")
	benchCmd.Flags().String("tag", "", "operation: echo|add|putchar|putstring|matrix")
	benchCmd.Flags().Int("work", 0, "matrix side length for the matrix tag")
	benchCmd.Flags().Int("capacity", 0, "mailbox queue capacity")
	benchCmd.Flags().String("doorbell", "", "notification line: chan|eventfd")
	benchCmd.Flags().Int("priorities", 0, "scheduler priority levels")
	benchCmd.Flags().Bool("pin", false, "lock each context to an OS thread")
	benchCmd.Flags().Bool("anonymous", false, "back the mailbox with an anonymous mapping")
	benchCmd.Flags().String("format", "pretty", "report format (pretty|json|msgpack)")
	benchCmd.Flags().StringP("output", "o", "", "write the report to a file instead of stdout")
}

func benchConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, err
	}
	for _, o := range []struct {
		name string
		dst  *int
	}{
		{"calls", &cfg.Bench.Calls},
		{"callers", &cfg.Bench.Callers},
		{"work", &cfg.Bench.Work},
		{"capacity", &cfg.Mailbox.Capacity},
		{"priorities", &cfg.Scheduler.Priorities},
	} {
		if err := overrideInt(cmd, o.name, o.dst); err != nil {
			return cfg, err
		}
	}
	if err := overrideString(cmd, "tag", &cfg.Bench.Tag); err != nil {
		return cfg, err
	}
	if err := overrideString(cmd, "doorbell", &cfg.Mailbox.Doorbell); err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("pin") {
		cfg.Bench.PinThreads, _ = cmd.Flags().GetBool("pin") //nolint:errcheck
	}
	return cfg, cfg.Validate()
}

func runBench(cmd *cobra.Command, _ []string) error {
	cfg, err := benchConfig(cmd)
	if err != nil {
		return err
	}
	formatStr, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	format, err := bench.ParseFormat(formatStr)
	if err != nil {
		return err
	}
	outPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return fmt.Errorf("failed to get output flag: %w", err)
	}
	anonymous, err := cmd.Flags().GetBool("anonymous")
	if err != nil {
		return fmt.Errorf("failed to get anonymous flag: %w", err)
	}
	useUI, err := uiFromFlags(cmd)
	if err != nil {
		return err
	}
	showTimings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return fmt.Errorf("failed to get timings flag: %w", err)
	}

	cleanup, err := setupTracing(cmd, &cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	opts := bench.Options{
		Config:    cfg,
		Tracer:    trace.FromContext(ctx),
		Anonymous: anonymous,
	}
	var report bench.Report
	if useUI && format == bench.FormatPretty && outPath == "" {
		title := fmt.Sprintf("%d %s calls", cfg.Bench.Calls, cfg.Bench.Tag)
		report, err = runBenchWithUI(ctx, title, opts)
	} else {
		report, err = bench.Run(ctx, opts)
	}
	if err != nil {
		return err
	}

	if err := writeReport(cmd.OutOrStdout(), outPath, &report, format); err != nil {
		return err
	}
	if showTimings {
		fmt.Fprint(cmd.ErrOrStderr(), report.Timings.Summary())
	}
	if !report.OK() {
		return fmt.Errorf("%d failed and %d mismatched calls", report.Failures, report.Mismatches)
	}
	return nil
}

func writeReport(stdout io.Writer, path string, r *bench.Report, format bench.Format) error {
	if path == "" {
		return r.Write(stdout, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := r.Write(f, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
