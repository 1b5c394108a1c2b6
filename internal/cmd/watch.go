package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sdwanlab/ratewatch/internal/config"
	"github.com/sdwanlab/ratewatch/internal/core/poller"
	"github.com/sdwanlab/ratewatch/internal/observability"
	"github.com/sdwanlab/ratewatch/internal/output"
)

var (
	watchInterval  time.Duration
	watchCount     int
	watchJWTSecret string
	watchID        string
)

var watchCmd = &cobra.Command{
	Use:   "watch <url>",
	Short: "Poll one agent in the foreground and print live rates",
	Long: `Poll a single agent stats endpoint and print per-stream rates after every poll.

Nothing is persisted. Use --count to stop after a fixed number of polls.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		agent := config.AgentConfig{ID: watchID, URL: args[0], JWTSecret: watchJWTSecret, Interval: watchInterval}
		if agent.ID == "" {
			agent.ID = "watch"
		}
		p, err := newAgentPoller(agent, cfg, pollerDeps{
			limiter: newRateLimiter(cfg, nil),
			logger:  observability.CLILogger,
		})
		if err != nil {
			return err
		}

		return runWatch(cmd.Context(), p, agent.EffectiveInterval(cfg.Poller.Interval), watchCount, format, cmd.OutOrStdout())
	},
}

// runWatch polls synchronously so each printed table reflects exactly one
// applied response. count <= 0 polls until ctx is done.
func runWatch(ctx context.Context, p *poller.Poller, interval time.Duration, count int, format output.Format, w io.Writer) error {
	if interval <= 0 {
		interval = poller.DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; count <= 0 || n <= count; n++ {
		if err := p.PollOnce(ctx); err != nil {
			var throttled *poller.ThrottledError
			if errors.As(err, &throttled) {
				observability.CLILogger.Warn("Poll skipped", zap.Duration("retry_in", throttled.Wait))
			} else if ctx.Err() == nil {
				observability.CLILogger.Warn("Poll failed", zap.Error(err))
			}
		}
		if err := printWatchFrame(w, p, format, n); err != nil {
			return err
		}

		if count > 0 && n == count {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func printWatchFrame(w io.Writer, p *poller.Poller, format output.Format, n int) error {
	status := p.Status()
	rendered, err := output.FormatStatus(format, p.Streams().Status())
	if err != nil {
		return err
	}
	if format == output.FormatTable {
		state := "ok"
		if status.Stale {
			state = "stale"
		}
		_, _ = fmt.Fprintf(w, "\n%s  poll #%d  %s  %s\n", time.Now().UTC().Format(time.RFC3339), n, status.URL, state)
		if status.LastError != "" {
			_, _ = fmt.Fprintf(w, "last error: %s\n", status.LastError)
		}
	}
	_, err = fmt.Fprintln(w, rendered)
	return err
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "poll interval (default poller.interval)")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "stop after this many polls (0 = until interrupted)")
	watchCmd.Flags().StringVar(&watchJWTSecret, "jwt-secret", "", "HS256 secret for agents that require a bearer token")
	watchCmd.Flags().StringVar(&watchID, "id", "", "agent id used in output")
	watchCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
}
