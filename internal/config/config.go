package config

import (
	"time"
)

// Config represents the complete application configuration.
// Layer 1: built-in defaults (SetDefaults)
// Layer 2: user overrides (~/.config/ratewatch/config.yaml)
// Layer 3: environment variables and runtime overrides
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Health     HealthConfig     `mapstructure:"health" yaml:"health"`
	Debug      DebugConfig      `mapstructure:"debug" yaml:"debug"`
	Poller     PollerConfig     `mapstructure:"poller" yaml:"poller"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler" yaml:"reconciler"`
	Agents     []AgentConfig    `mapstructure:"agents" yaml:"agents"`

	RateLimits      map[string]int `mapstructure:"rate_limits" yaml:"rate_limits"`
	RateLimitMargin float64        `mapstructure:"rate_limit_margin" yaml:"rate_limit_margin"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`

	// Retention bounds how long persisted history points are kept.
	// Zero disables pruning.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}

// PollerConfig holds defaults shared by every agent poller.
type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxInFlight int           `mapstructure:"max_in_flight" yaml:"max_in_flight"`
}

// ReconcilerConfig tunes rate derivation. Staleness is in seconds of
// agent time, not wall clock.
type ReconcilerConfig struct {
	StalenessThreshold  int64 `mapstructure:"staleness_threshold" yaml:"staleness_threshold"`
	HistoryLength       int   `mapstructure:"history_length" yaml:"history_length"`
	PerKeyHistoryLength int   `mapstructure:"per_key_history_length" yaml:"per_key_history_length"`
}

// AgentConfig describes one SD-WAN agent stats endpoint.
type AgentConfig struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Name string `mapstructure:"name" yaml:"name,omitempty"`
	URL  string `mapstructure:"url" yaml:"url"`

	// JWTSecret signs HS256 bearer tokens for agents that require auth.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`

	// Interval overrides poller.interval for this agent when non-zero.
	Interval time.Duration `mapstructure:"interval" yaml:"interval,omitempty"`
}

// EffectiveInterval returns the agent's poll interval, falling back to def.
func (a AgentConfig) EffectiveInterval(def time.Duration) time.Duration {
	if a.Interval > 0 {
		return a.Interval
	}
	return def
}

// DisplayName returns Name when set, otherwise ID.
func (a AgentConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}
