// Package config provides centralized configuration management for ratewatch.
// It implements the three-layer config pattern:
// Layer 1: built-in defaults
// Layer 2: user overrides (discovered via app identity, or an explicit file)
// Layer 3: environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/sdwanlab/ratewatch/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig   *Config
	configMu    sync.RWMutex
	appIdentity *appidentity.Identity
	configFile  string
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetConfigFile pins Layer 2 to an explicit file instead of the XDG search.
// An empty path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// SetDefaults registers Layer 1 defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "SIMPLE")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.retention", "24h")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("poller.interval", "2s")
	v.SetDefault("poller.timeout", "5s")
	v.SetDefault("poller.max_in_flight", 2)

	v.SetDefault("reconciler.staleness_threshold", 15)
	v.SetDefault("reconciler.history_length", 50)
	v.SetDefault("reconciler.per_key_history_length", 30)

	v.SetDefault("agents", []any{})
	v.SetDefault("rate_limits", map[string]int{})
	v.SetDefault("rate_limit_margin", 0.9)
}

// Load loads configuration using the three-layer pattern.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	v := viper.New()
	SetDefaults(v)

	if path := userConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	prefix := envPrefix()
	if value := strings.TrimSpace(os.Getenv(prefix + "RATE_LIMIT_MARGIN")); value != "" {
		margin, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit margin: %w", err)
		}
		envOverrides["rate_limit_margin"] = margin
	}
	if value := strings.TrimSpace(os.Getenv(prefix + "AGENTS")); value != "" {
		agents, err := parseAgentList(value)
		if err != nil {
			return nil, fmt.Errorf("invalid %sAGENTS: %w", prefix, err)
		}
		envOverrides["agents"] = agents
	}

	allOverrides := []map[string]any{envOverrides}
	allOverrides = append(allOverrides, runtimeOverrides...)
	for _, overrides := range allOverrides {
		if len(overrides) == 0 {
			continue
		}
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, fmt.Errorf("failed to merge overrides: %w", err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)

	return cfg, nil
}

// Validate rejects configurations the pollers cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Poller.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poller.interval must be positive"))
	}
	if c.Poller.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("poller.max_in_flight must be at least 1"))
	}
	if c.Reconciler.StalenessThreshold <= 0 {
		errs = append(errs, fmt.Errorf("reconciler.staleness_threshold must be positive"))
	}
	if c.Reconciler.HistoryLength < 1 || c.Reconciler.PerKeyHistoryLength < 1 {
		errs = append(errs, fmt.Errorf("reconciler history lengths must be at least 1"))
	}
	if c.RateLimitMargin <= 0 || c.RateLimitMargin > 1 {
		errs = append(errs, fmt.Errorf("rate_limit_margin must be in (0, 1]"))
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for i, agent := range c.Agents {
		id := strings.TrimSpace(agent.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
		if _, err := parseAgentURL(agent.URL); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d] (%s): %w", i, id, err))
		}
		if agent.Interval < 0 {
			errs = append(errs, fmt.Errorf("agents[%d] (%s): interval must not be negative", i, id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// userConfigFile returns the explicit config file, or the first existing
// XDG-compliant candidate from gofulmen/config.
func userConfigFile() string {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()
	if explicit != "" {
		return explicit
	}

	for _, path := range getUserConfigPaths() {
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path
		}
	}
	return ""
}

// getUserConfigPaths returns the list of user config file paths to check
func getUserConfigPaths() []string {
	configName, binaryName := appNamesForPaths()

	legacyNames := []string{}
	if binaryName != configName {
		legacyNames = append(legacyNames, binaryName)
	}

	return gfconfig.GetAppConfigPaths(configName, legacyNames...)
}

func envPrefix() string {
	prefix := "RATEWATCH_"
	if appIdentity != nil && strings.TrimSpace(appIdentity.EnvPrefix) != "" {
		prefix = appIdentity.EnvPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}

// getEnvSpecs maps RATEWATCH_* environment variables onto config keys.
func getEnvSpecs() []EnvVarSpec {
	prefix := envPrefix()

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},
		{Name: prefix + "DB_RETENTION", Path: []string{"store", "retention"}, Type: EnvString},

		// Poller config
		{Name: prefix + "POLL_INTERVAL", Path: []string{"poller", "interval"}, Type: EnvString},
		{Name: prefix + "POLL_TIMEOUT", Path: []string{"poller", "timeout"}, Type: EnvString},
		{Name: prefix + "POLL_MAX_IN_FLIGHT", Path: []string{"poller", "max_in_flight"}, Type: EnvInt},

		// Reconciler config
		{Name: prefix + "STALENESS_THRESHOLD", Path: []string{"reconciler", "staleness_threshold"}, Type: EnvInt},
		{Name: prefix + "HISTORY_LENGTH", Path: []string{"reconciler", "history_length"}, Type: EnvInt},
		{Name: prefix + "PER_KEY_HISTORY_LENGTH", Path: []string{"reconciler", "per_key_history_length"}, Type: EnvInt},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_PPROF_ENABLED", Path: []string{"debug", "pprof_enabled"}, Type: EnvBool},
	}
}

// parseAgentList reads the compact env form "id=url,id=url". A bare URL
// gets an id derived from its host.
func parseAgentList(raw string) ([]any, error) {
	var agents []any
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		id, target, ok := strings.Cut(item, "=")
		if !ok {
			target = item
			u, err := parseAgentURL(target)
			if err != nil {
				return nil, err
			}
			id = u.Host
		}
		id = strings.TrimSpace(id)
		target = strings.TrimSpace(target)
		if id == "" {
			return nil, fmt.Errorf("empty agent id in %q", item)
		}
		agents = append(agents, map[string]any{"id": id, "url": target})
	}
	return agents, nil
}

func parseAgentURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}

// appNamesForPaths returns the config name and binary name from app identity,
// falling back to "ratewatch" if not set.
func appNamesForPaths() (configName string, binaryName string) {
	configName = "ratewatch"
	binaryName = "ratewatch"
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppDataDir(configName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	configName, binaryName := appNamesForPaths()
	dataDir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}
