package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sdwanlab/ratewatch/internal/core"
	"github.com/sdwanlab/ratewatch/internal/observability"
	"github.com/sdwanlab/ratewatch/internal/output"
)

var (
	chartAgent  string
	chartStream string
	chartSince  string
	chartLimit  int
	chartOut    string
	chartWidth  int
	chartHeight int
	chartThumb  int
)

var chartCmd = &cobra.Command{
	Use:   "chart",
	Short: "Render persisted history for one stream as a PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := historyQuery(chartAgent, chartStream, chartSince, chartLimit, time.Now())
		if err != nil {
			return err
		}
		if chartThumb < 0 || chartThumb > 1024 {
			return fmt.Errorf("--thumb must be between 0 and 1024")
		}
		points, err := loadHistory(cmd, query)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		title := query.Agent + " " + query.Stream
		opts := output.ChartOptions{Width: chartWidth, Height: chartHeight, YAxisName: yAxisName(query.Stream)}
		if err := output.RenderChart(&buf, title, points, opts); err != nil {
			return err
		}

		png := buf.Bytes()
		if chartThumb > 0 {
			if png, err = output.Thumbnail(png, chartThumb); err != nil {
				return err
			}
		}

		path := strings.TrimSpace(chartOut)
		if path == "" {
			path = sanitizeFilename(query.Agent+"-"+query.Stream) + ".png"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
		}
		if err := os.WriteFile(path, png, 0644); err != nil {
			return fmt.Errorf("write chart: %w", err)
		}

		observability.CLILogger.Info("Chart written",
			zap.String("path", path),
			zap.Int("points", len(points)),
			zap.Int("bytes", len(png)))
		return nil
	},
}

func yAxisName(stream string) string {
	switch {
	case stream == core.StreamErrors:
		return "errors / min"
	case strings.HasPrefix(stream, core.AppStreamPrefix):
		return strings.TrimPrefix(stream, core.AppStreamPrefix) + " requests / min"
	default:
		return "requests / min"
	}
}

func init() {
	rootCmd.AddCommand(chartCmd)

	chartCmd.Flags().StringVar(&chartAgent, "agent", "", "agent id")
	chartCmd.Flags().StringVar(&chartStream, "stream", core.StreamRequests, "stream name (requests, errors, app:<name>)")
	chartCmd.Flags().StringVar(&chartSince, "since", "", "RFC3339 time or duration back from now (e.g. 1h)")
	chartCmd.Flags().IntVar(&chartLimit, "limit", 0, "maximum number of points (0 = all)")
	chartCmd.Flags().StringVar(&chartOut, "out", "", "output PNG path (default <agent>-<stream>.png)")
	chartCmd.Flags().IntVar(&chartWidth, "width", output.DefaultChartWidth, "chart width in pixels")
	chartCmd.Flags().IntVar(&chartHeight, "height", output.DefaultChartHeight, "chart height in pixels")
	chartCmd.Flags().IntVar(&chartThumb, "thumb", 0, "downscale to fit this many pixels (0 = full size)")
}
