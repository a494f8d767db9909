package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"shmcall/internal/bench"
	"shmcall/internal/trace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Own a mailbox file and serve calls from another process",
	Long: `serve maps a mailbox into <dir>/mailbox.shm, listens for request
doorbells on <dir>/server.bell and publishes <dir>/mailbox.lease once ready.
Run "shmcall call --dir <dir>" from another process to issue calls.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("dir", ".", "session directory")
	serveCmd.Flags().Uint64("limit", 0, "exit after this many replies (0 serves until interrupted)")
	serveCmd.Flags().Int("capacity", 0, "mailbox queue capacity")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := overrideInt(cmd, "capacity", &cfg.Mailbox.Capacity); err != nil {
		return err
	}
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return fmt.Errorf("failed to get dir flag: %w", err)
	}
	limit, err := cmd.Flags().GetUint64("limit")
	if err != nil {
		return fmt.Errorf("failed to get limit flag: %w", err)
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

	stats, err := bench.Serve(ctx, bench.ServeOptions{
		Dir:     dir,
		Config:  cfg,
		Tracer:  trace.FromContext(ctx),
		Console: cmd.OutOrStdout(),
		Limit:   limit,
		Ready: func() {
			fmt.Fprintf(cmd.ErrOrStderr(), "serving %s (capacity %d)\n", dir, cfg.Mailbox.Capacity)
		},
	})
	fmt.Fprintf(cmd.ErrOrStderr(), "served %d requests (%d unknown), rang %d doorbells, stalled %d turns\n",
		stats.Served, stats.Unknown, stats.Doorbells, stats.Stalls)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
