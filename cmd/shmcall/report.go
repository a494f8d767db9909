package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shmcall/internal/bench"
)

var reportCmd = &cobra.Command{
	Use:   "report <file>",
	Short: "Print a saved bench report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		r, err := bench.DecodeReport(data)
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
		if err := r.Write(cmd.OutOrStdout(), format); err != nil {
			return err
		}
		if format == bench.FormatPretty && len(r.Timings.Phases) > 0 {
			fmt.Fprint(cmd.OutOrStdout(), r.Timings.Summary())
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().String("format", "pretty", "output format (pretty|json|msgpack)")
}
