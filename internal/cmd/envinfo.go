package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sdwanlab/ratewatch/internal/config"
	"github.com/sdwanlab/ratewatch/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, agent and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger
		report := buildVersionReport(true)

		log.Info("=== " + report.Name + " Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + report.Name)
		log.Info("  Version:    " + report.Version)
		log.Info("  Commit:     " + report.Commit)
		log.Info("  Built:      " + report.BuildDate)
		log.Info("")

		version := crucible.GetVersion()
		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Config File:    " + config.DefaultConfigPath())
		log.Info(fmt.Sprintf("  Server:         %s:%d", cfg.Server.Host, cfg.Server.Port))
		log.Info("  Log Level:      " + cfg.Logging.Level)
		log.Info("  Log Profile:    " + cfg.Logging.Profile)
		log.Info("  Store:          " + storeLocation(cfg.Store))
		log.Info("  Retention:      " + cfg.Store.Retention.String())
		log.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port))
		log.Info("")

		log.Info("Reconciler:")
		log.Info(fmt.Sprintf("  Staleness:      %ds", cfg.Reconciler.StalenessThreshold))
		log.Info(fmt.Sprintf("  History:        %d points", cfg.Reconciler.HistoryLength))
		log.Info(fmt.Sprintf("  Per-Key:        %d points", cfg.Reconciler.PerKeyHistoryLength))
		log.Info("")

		log.Info("Poller:")
		log.Info("  Interval:       " + cfg.Poller.Interval.String())
		log.Info("  Timeout:        " + cfg.Poller.Timeout.String())
		log.Info(fmt.Sprintf("  Max In Flight:  %d", cfg.Poller.MaxInFlight))
		log.Info(fmt.Sprintf("  Budget Margin:  %.2f", cfg.RateLimitMargin))
		log.Info("")

		log.Info(fmt.Sprintf("Agents (%d):", len(cfg.Agents)))
		for _, agent := range cfg.Agents {
			auth := "none"
			if agent.JWTSecret != "" {
				auth = "jwt"
			}
			log.Info(fmt.Sprintf("  %s: %s every %s (auth: %s)",
				agent.ID, agent.URL, agent.EffectiveInterval(cfg.Poller.Interval), auth))
		}
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
