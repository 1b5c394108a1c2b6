package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sdwanlab/ratewatch/internal/config"
	"github.com/sdwanlab/ratewatch/internal/core/engine"
	"github.com/sdwanlab/ratewatch/internal/core/store"
)

func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return openStoreWith(ctx, cfg.Store)
}

func openStoreWith(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// newRateLimiter builds the poll budget from config. A nil store keeps
// budgets in memory.
func newRateLimiter(cfg *config.Config, rs engine.RateLimitStore) *engine.RateLimiter {
	if rs == nil {
		rs = engine.NewMemoryRateStore()
	}
	limiter := &engine.RateLimiter{Store: rs}
	limiter.ApplyOverrides(cfg.RateLimits)
	limiter.ApplySafetyMargin(cfg.RateLimitMargin)
	return limiter
}

// storeLocation describes where the store lives, for display.
func storeLocation(cfg config.StoreConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	path := cfg.Path
	if path == "" {
		path = config.DefaultStorePath()
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
