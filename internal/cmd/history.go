package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sdwanlab/ratewatch/internal/core"
	"github.com/sdwanlab/ratewatch/internal/core/store"
	"github.com/sdwanlab/ratewatch/internal/observability"
	"github.com/sdwanlab/ratewatch/internal/output"
	"github.com/sdwanlab/ratewatch/internal/server/handlers"
)

var (
	historyAgent     string
	historyStream    string
	historySince     string
	historyLimit     int
	historyOlderThan time.Duration
	historyPruneYes  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show persisted rate history for one stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		query, err := historyQuery(historyAgent, historyStream, historySince, historyLimit, time.Now())
		if err != nil {
			return err
		}
		points, err := loadHistory(cmd, query)
		if err != nil {
			return err
		}

		rendered, err := output.FormatHistory(format, query.Agent+"/"+query.Stream, points)
		if err != nil {
			return err
		}
		return writeRendered(cmd, format, "history."+sanitizeFilename(query.Agent+"-"+query.Stream), rendered)
	},
}

var historyStreamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List persisted streams and their extent",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		streams, err := db.ListStreams(cmd.Context(), strings.TrimSpace(historyAgent))
		if err != nil {
			return err
		}
		rendered, err := output.FormatStreams(format, streams)
		if err != nil {
			return err
		}
		return writeRendered(cmd, format, "history.streams", rendered)
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete persisted history older than a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyOlderThan <= 0 {
			return errors.New("--older-than must be positive")
		}
		if !historyPruneYes {
			return errors.New("prune requires --yes")
		}
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		cutoff := time.Now().Add(-historyOlderThan)
		n, err := db.PruneHistory(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		observability.CLILogger.Info("History pruned", zap.Int64("points", n), zap.Time("before", cutoff))
		return nil
	},
}

// historyQuery validates the selection flags shared by history and chart.
func historyQuery(agent, stream, since string, limit int, now time.Time) (store.HistoryQuery, error) {
	q := store.HistoryQuery{
		Agent:  strings.TrimSpace(agent),
		Stream: strings.TrimSpace(stream),
		Limit:  limit,
	}
	if q.Agent == "" {
		return q, errors.New("--agent is required")
	}
	if q.Stream == "" {
		q.Stream = core.StreamRequests
	}
	if limit < 0 {
		return q, errors.New("--limit must not be negative")
	}
	if s := strings.TrimSpace(since); s != "" {
		t, err := handlers.ParseSince(s, now)
		if err != nil {
			return q, fmt.Errorf("invalid --since %q: %w", s, err)
		}
		q.Since = t
	}
	return q, nil
}

func loadHistory(cmd *cobra.Command, q store.HistoryQuery) ([]core.HistoryPoint, error) {
	db, err := openStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup

	records, err := db.ListHistory(cmd.Context(), q)
	if err != nil {
		return nil, err
	}
	points := make([]core.HistoryPoint, 0, len(records))
	for _, rec := range records {
		points = append(points, rec.Point)
	}
	return points, nil
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyStreamsCmd)
	historyCmd.AddCommand(historyPruneCmd)

	historyCmd.PersistentFlags().StringVar(&historyAgent, "agent", "", "agent id")
	historyCmd.PersistentFlags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
	historyCmd.PersistentFlags().String("out", "", "Write output to a file (default stdout)")
	historyCmd.PersistentFlags().String("out-dir", "", "Write output to a directory")

	historyCmd.Flags().StringVar(&historyStream, "stream", core.StreamRequests, "stream name (requests, errors, app:<name>)")
	historyCmd.Flags().StringVar(&historySince, "since", "", "RFC3339 time or duration back from now (e.g. 1h)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "maximum number of points (0 = all)")

	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 0, "delete points older than this duration")
	historyPruneCmd.Flags().BoolVar(&historyPruneYes, "yes", false, "confirm deletion")
}
