package cmd

import (
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/sdwanlab/ratewatch/internal/config"
	"github.com/sdwanlab/ratewatch/internal/core/engine"
	"github.com/sdwanlab/ratewatch/internal/core/poller"
	"github.com/sdwanlab/ratewatch/internal/core/reconcile"
)

// pollerDeps carries what every agent poller shares.
type pollerDeps struct {
	limiter *engine.RateLimiter
	sink    poller.HistorySink
	logger  *logging.Logger
	http    *http.Client
}

func reconcileLimits(cfg config.ReconcilerConfig) reconcile.Limits {
	return reconcile.Limits{
		StalenessThreshold: cfg.StalenessThreshold,
		MaxHistory:         cfg.HistoryLength,
		PerKeyMaxHistory:   cfg.PerKeyHistoryLength,
	}
}

func userAgent() string {
	name := "ratewatch"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}
	version := versionInfo.Version
	if version == "" {
		version = "dev"
	}
	return name + "/" + version
}

func newAgentPoller(agent config.AgentConfig, cfg *config.Config, deps pollerDeps) (*poller.Poller, error) {
	opts := []poller.ClientOption{
		poller.WithJWTSecret(agent.JWTSecret),
		poller.WithUserAgent(userAgent()),
	}
	if deps.http != nil {
		opts = append(opts, poller.WithHTTPClient(deps.http))
	}
	client, err := poller.NewClient(agent.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
	}

	return poller.New(client, poller.Options{
		AgentID:     agent.ID,
		Name:        agent.DisplayName(),
		URL:         client.URL(),
		Host:        client.Host(),
		Interval:    agent.EffectiveInterval(cfg.Poller.Interval),
		Timeout:     cfg.Poller.Timeout,
		MaxInFlight: cfg.Poller.MaxInFlight,
		Limits:      reconcileLimits(cfg.Reconciler),
		Limiter:     deps.limiter,
		Sink:        deps.sink,
		Logger:      deps.logger,
	}), nil
}

func buildManager(cfg *config.Config, deps pollerDeps) (*poller.Manager, error) {
	pollers := make([]*poller.Poller, 0, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		p, err := newAgentPoller(agent, cfg, deps)
		if err != nil {
			return nil, err
		}
		pollers = append(pollers, p)
	}
	return poller.NewManager(pollers...), nil
}
