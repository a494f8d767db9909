package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/inhies/go-bytesize"
	"github.com/spf13/cobra"

	"shmcall/internal/mailbox"
)

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Show where each part of a mailbox lives in its region",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := overrideInt(cmd, "capacity", &cfg.Mailbox.Capacity); err != nil {
			return err
		}
		l, err := mailbox.LayoutFor(cfg.Mailbox.Capacity)
		if err != nil {
			return err
		}
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return fmt.Errorf("failed to get format flag: %w", err)
		}
		switch format {
		case "json":
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(l)
		case "pretty":
			fmt.Fprintln(cmd.OutOrStdout(), renderLayout(l))
			return nil
		default:
			return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
		}
	},
}

func init() {
	layoutCmd.Flags().Int("capacity", 0, "records per queue (default from config)")
	layoutCmd.Flags().String("format", "pretty", "output format (pretty|json)")
}

func renderLayout(l mailbox.Layout) string {
	size := func(n int) string { return bytesize.New(float64(n)).String() }
	hex := func(n int) string { return "0x" + strconv.FormatInt(int64(n), 16) }
	header := lipgloss.NewStyle().Bold(true)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(header.Render("part"), header.Render("offset"), header.Render("size")).
		Row("header", hex(0), size(l.RequestOffset)).
		Row("request queue", hex(l.RequestOffset), size(l.QueueBytes)).
		Row("response queue", hex(l.ResponseOffset), size(l.QueueBytes)).
		Row("unused", hex(l.Used), size(l.RegionSize-l.Used))

	return fmt.Sprintf("%s\n%d records of %d bytes per queue, region %s",
		t.Render(), l.Capacity, l.RecordSize, size(l.RegionSize))
}
