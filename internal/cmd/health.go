package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sdwanlab/ratewatch/internal/config"
	errwrap "github.com/sdwanlab/ratewatch/internal/errors"
	"github.com/sdwanlab/ratewatch/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify the binary can start: version info, logger, configuration and agent definitions.",
	Run: func(cmd *cobra.Command, args []string) {
		if observability.CLILogger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			logger.Error("❌ FAIL: Version information missing")
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")
		logger.Info("✅ Logger initialized")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			logger.Error("❌ FAIL: Configuration invalid", zap.Error(err))
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration loaded")

		if _, err := buildManager(cfg, pollerDeps{}); err != nil {
			logger.Error("❌ FAIL: Agent configuration invalid", zap.Error(err))
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Agent configuration invalid", err)
			return
		}
		logger.Info("✅ Agent definitions valid", zap.Int("agents", len(cfg.Agents)))

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
