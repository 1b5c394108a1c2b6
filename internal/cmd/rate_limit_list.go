package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sdwanlab/ratewatch/internal/config"
	"github.com/sdwanlab/ratewatch/internal/core/engine"
	"github.com/sdwanlab/ratewatch/internal/core/store"
	"github.com/sdwanlab/ratewatch/internal/output"
)

var (
	rateLimitListOutput string
	rateLimitListAll    bool
	rateLimitListPrefix string
)

// budgetRow is one host's persisted state plus the budget it is held to.
type budgetRow struct {
	Host         string     `json:"host"`
	Limit        int        `json:"limit"`
	Window       string     `json:"window"`
	Used         int        `json:"used"`
	WindowStart  time.Time  `json:"window_start"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
	Last429At    *time.Time `json:"last_429_at,omitempty"`
}

func budgetRows(entries []store.RateLimitEntry, limiter *engine.RateLimiter) []budgetRow {
	rows := make([]budgetRow, 0, len(entries))
	for _, entry := range entries {
		limit := limiter.Limit(entry.Host)
		rows = append(rows, budgetRow{
			Host:         entry.Host,
			Limit:        limit.RequestsPerWindow,
			Window:       limit.WindowDuration.String(),
			Used:         entry.State.RequestCount,
			WindowStart:  entry.State.WindowStart,
			BackoffUntil: entry.State.BackoffUntil,
			Last429At:    entry.State.Last429At,
		})
	}
	return rows
}

func writeBudgetTable(w io.Writer, rows []budgetRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprint(w, ascii.DrawBox("Agent Poll Budgets\n\n(no stored poll budget state)", 0))
		return err
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Host", "Used", "Limit", "Window", "Backoff Until", "Last 429"})
	for _, row := range rows {
		t.AppendRow(table.Row{
			row.Host,
			row.Used,
			row.Limit,
			row.Window,
			optionalTime(row.BackoffUntil),
			optionalTime(row.Last429At),
		})
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func optionalTime(ts *time.Time) string {
	if ts == nil {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted per-host poll budgets",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(rateLimitListOutput)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		db, err := openStoreWith(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		query := store.RateLimitQuery{
			All:    rateLimitListAll,
			Prefix: strings.TrimSpace(rateLimitListPrefix),
		}
		if !query.All && query.Prefix == "" {
			query.All = true
		}

		entries, err := db.ListRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}
		rows := budgetRows(entries, newRateLimiter(cfg, db))

		outPath, err := resolveOutputPath(cmd, format, "rate-limit.list")
		if err != nil {
			return err
		}

		sink, err := openSink(outPath)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if format == output.FormatJSON {
			payload, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(sink.writer, string(payload))
			return err
		}
		return writeBudgetTable(sink.writer, rows)
	},
}

func init() {
	rateLimitListCmd.Flags().StringVar(&rateLimitListOutput, "output-format", string(output.FormatTable), "Output format: table|json")
	rateLimitListCmd.Flags().String("out", "", "Write output to a file (default stdout)")
	rateLimitListCmd.Flags().String("out-dir", "", "Write output to a directory")
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List all agent hosts")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List agent hosts with matching prefix")
}
