package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sdwanlab/ratewatch/internal/config"
	"github.com/sdwanlab/ratewatch/internal/core/engine"
	"github.com/sdwanlab/ratewatch/internal/core/poller"
	"github.com/sdwanlab/ratewatch/internal/core/store"
	errwrap "github.com/sdwanlab/ratewatch/internal/errors"
	"github.com/sdwanlab/ratewatch/internal/metrics"
	"github.com/sdwanlab/ratewatch/internal/observability"
	"github.com/sdwanlab/ratewatch/internal/server"
	"github.com/sdwanlab/ratewatch/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if !observability.MetricsEnabled() {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// agentsHealthChecker reports degraded while any polled agent is stale.
type agentsHealthChecker struct {
	manager *poller.Manager
}

func (a agentsHealthChecker) CheckHealth(ctx context.Context) error {
	stale := 0
	agents := a.manager.Agents()
	for _, agent := range agents {
		if agent.Polls > 0 && agent.Stale {
			stale++
		}
	}
	if stale > 0 {
		return fmt.Errorf("%d of %d agents stale: %w", stale, len(agents), handlers.ErrDegraded)
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll configured agents and serve rates over HTTP",
	Long: `Poll every configured agent, derive per-minute rates and serve them over HTTP.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload rate limit overrides and log level

Agents are read from the agents: section of the config file or from
RATEWATCH_AGENTS (id=url,id=url).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "server port (overrides server.port)")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		overrides["server"] = map[string]any{"host": serverHost}
	}
	if cmd.Flags().Changed("port") {
		srv, _ := overrides["server"].(map[string]any)
		if srv == nil {
			srv = map[string]any{}
		}
		srv["port"] = serverPort
		overrides["server"] = srv
	}
	if verbose {
		overrides["logging"] = map[string]any{"level": "debug"}
	}
	return overrides
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	identity := GetAppIdentity()
	namespace := identity.TelemetryNamespace()

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		return errwrap.WrapConfigInvalid(ctx, err, "config load failed")
	}

	observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile, namespace)
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
		}
	}
	metrics.SetServerStartTime(time.Now().Unix())

	db, err := openStoreWith(ctx, cfg.Store)
	if err != nil {
		return errwrap.WrapDatabaseError(ctx, err, "store initialization failed")
	}

	limiter := newRateLimiter(cfg, db)
	manager, err := buildManager(cfg, pollerDeps{limiter: limiter, sink: db, logger: logger})
	if err != nil {
		_ = db.Close()
		return errwrap.WrapConfigInvalid(ctx, err, "invalid agent configuration")
	}
	if len(cfg.Agents) == 0 {
		logger.Warn("No agents configured; add agents: to the config file or set " + identity.EnvPrefix + "AGENTS")
	}

	logger.Info("Initializing server",
		zap.String("service", identity.BinaryName),
		zap.String("namespace", namespace),
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("metrics_port", observability.GetMetricsPort()),
		zap.Int("agents", len(cfg.Agents)),
		zap.String("store", storeLocation(cfg.Store)))

	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("store", db)
		hm.RegisterChecker("agents", agentsHealthChecker{manager: manager})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
	}
	handlers.SetAppIdentity(identity)

	srv := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Agents:       manager,
		History:      db,
	})

	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		if err := manager.Run(runCtx); err != nil {
			logger.Error("Poller manager stopped", zap.Error(err))
		}
	}()
	go func() {
		defer workers.Done()
		runRetention(runCtx, db, cfg.Store.Retention)
	}()

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	// Shutdown handlers run LIFO: server, then pollers and store, then log flush.
	signals.OnShutdown(func(ctx context.Context) error {
		if err := observability.StopMetrics(); err != nil {
			logger.Warn("Metrics exporter stop failed", zap.Error(err))
		}
		logger.Info("Flushing logger...")
		if err := logger.Sync(); err != nil {
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Stopping pollers...")
		stopWorkers()
		workers.Wait()
		if err := db.Close(); err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "store close failed")
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}

		logger.Info("HTTP server stopped gracefully")
		return nil
	})

	signals.OnReload(func(ctx context.Context) error {
		logger.Info("Received SIGHUP: reloading configuration")
		return reloadConfig(ctx, limiter)
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	errChan := make(chan error, 2)
	go func() {
		errChan <- srv.Start()
	}()
	if hm := handlers.GetHealthManager(); hm != nil {
		hm.MarkStarted()
	}

	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	select {
	case err = <-errChan:
	case <-ctx.Done():
		err = srv.Shutdown(context.Background())
	}

	stopWorkers()
	workers.Wait()
	_ = db.Close()

	if err != nil {
		return errwrap.WrapInternal(ctx, err, "server error")
	}
	return nil
}

// reloadConfig re-reads configuration and applies what can change at runtime.
// Agent changes need a restart.
func reloadConfig(ctx context.Context, limiter *engine.RateLimiter) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		observability.ServerLogger.Error("Failed to reload config", zap.Error(err))
		return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
	}

	limiter.ApplyOverrides(cfg.RateLimits)
	limiter.ApplySafetyMargin(cfg.RateLimitMargin)

	observability.ServerLogger.Info("Configuration reloaded",
		zap.Int("rate_limit_overrides", len(cfg.RateLimits)),
		zap.Float64("rate_limit_margin", cfg.RateLimitMargin),
		zap.Int("agents", len(cfg.Agents)))
	return nil
}

// runRetention prunes persisted history older than retention until ctx is done.
func runRetention(ctx context.Context, db *store.Store, retention time.Duration) {
	if retention <= 0 {
		return
	}

	every := retention / 24
	if every < time.Minute {
		every = time.Minute
	}
	if every > 10*time.Minute {
		every = 10 * time.Minute
	}

	prune := func() {
		cutoff := time.Now().Add(-retention)
		n, err := db.PruneHistory(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				observability.Logger().Warn("History prune failed", zap.Error(err))
			}
			return
		}
		metrics.SetHistoryPruned(n)
		if n > 0 {
			observability.Logger().Debug("Pruned history",
				zap.Int64("points", n),
				zap.Time("before", cutoff))
		}
	}

	prune()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
