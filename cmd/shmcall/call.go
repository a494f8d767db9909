package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"shmcall/internal/bench"
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

var callCmd = &cobra.Command{
	Use:   "call [word...]",
	Short: "Call a serving process through its mailbox",
	Long: `call attaches to the session in --dir, sends the request built from
the tag and payload words, and prints each reply. --text fills the payload
the way putstring expects it. --script runs one request per line of a file
instead ("add 2 3", "putstring text='hi'"), --repeat times over.`,
	Args: cobra.MaximumNArgs(wire.PayloadWords),
	RunE: runCall,
}

func init() {
	callCmd.Flags().String("dir", ".", "session directory")
	callCmd.Flags().String("tag", "echo", "operation name or number")
	callCmd.Flags().String("text", "", "payload as length-prefixed bytes (putstring)")
	callCmd.Flags().String("script", "", "file of requests, one per line (- for stdin)")
	callCmd.Flags().Int("repeat", 1, "number of calls, or passes over --script")
	callCmd.Flags().Int("callers", 1, "caller coroutines")
	callCmd.Flags().Duration("wait", 5*time.Second, "how long to wait for the server")
	callCmd.Flags().Duration("timeout", 30*time.Second, "give up after this long")
	callCmd.Flags().Bool("quiet", false, "print only the summary")
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	dir, _ := flags.GetString("dir")           //nolint:errcheck
	tagStr, _ := flags.GetString("tag")        //nolint:errcheck
	text, _ := flags.GetString("text")         //nolint:errcheck
	repeat, _ := flags.GetInt("repeat")        //nolint:errcheck
	callers, _ := flags.GetInt("callers")      //nolint:errcheck
	wait, _ := flags.GetDuration("wait")       //nolint:errcheck
	timeout, _ := flags.GetDuration("timeout") //nolint:errcheck
	quiet, _ := flags.GetBool("quiet")         //nolint:errcheck
	scriptPath, _ := flags.GetString("script") //nolint:errcheck

	var (
		tag     wire.Tag
		payload wire.Payload
		script  []bench.Request
	)
	if scriptPath != "" {
		if len(args) > 0 || text != "" || flags.Changed("tag") {
			return fmt.Errorf("--script excludes --tag, --text and payload words")
		}
		if script, err = readScript(cmd, scriptPath); err != nil {
			return err
		}
	} else {
		if tag, err = wire.ParseTag(tagStr); err != nil {
			return err
		}
		if payload, err = bench.BuildPayload(args, text); err != nil {
			return err
		}
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
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	start := time.Now()
	res, err := bench.Call(ctx, bench.CallOptions{
		Dir:     dir,
		Config:  cfg,
		Tracer:  trace.FromContext(ctx),
		Tag:     tag,
		Payload: payload,
		Script:  script,
		Repeat:  repeat,
		Callers: callers,
		Wait:    wait,
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	out := cmd.OutOrStdout()
	if !quiet {
		for i, rep := range res.Replies {
			if res.Errors[i] != nil {
				fmt.Fprintf(out, "%d: error: %v\n", i, res.Errors[i])
				continue
			}
			fmt.Fprintf(out, "%d: %v\n", i, rep.Result())
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d calls in %v, %d doorbells, %d failed, %d stale\n",
		len(res.Replies), elapsed.Round(time.Microsecond), res.Client.Doorbells, res.Failed(), res.Stale)
	if n := res.Failed(); n > 0 {
		return fmt.Errorf("%d calls failed", n)
	}
	return nil
}

func readScript(cmd *cobra.Command, path string) ([]bench.Request, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open script: %w", err)
		}
		defer f.Close()
		r = f
	}
	reqs, err := bench.ParseScript(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%s: no requests", path)
	}
	return reqs, nil
}
