package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sdwanlab/ratewatch/internal/config"
	"github.com/sdwanlab/ratewatch/internal/core/poller"
	"github.com/sdwanlab/ratewatch/internal/observability"
)

const redacted = "(redacted)"

type checkLevel int

const (
	checkOK checkLevel = iota
	checkWarn
	checkFail
)

// doctorCheck is one diagnostic line. run returns a short detail string.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, checkLevel)
}

var doctorProbeTimeout time.Duration

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the installation, the store and every configured agent.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := observability.CLILogger

		bannerName := "doctor"
		if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
			bannerName = identity.BinaryName + " doctor"
		}
		logger.Info("=== " + bannerName + " ===")
		logger.Info("")

		cfg, cfgErr := config.Load(ctx)
		checks := doctorChecks(cfg, cfgErr)

		failed, warned := 0, 0
		for i, check := range checks {
			detail, level := check.run(ctx)
			line := fmt.Sprintf("[%d/%d] %s... ", i+1, len(checks), check.name)
			switch level {
			case checkOK:
				logger.Info(line+"✅ "+detail, zap.String("check", check.name))
			case checkWarn:
				warned++
				logger.Warn(line+"⚠️  "+detail, zap.String("check", check.name))
			default:
				failed++
				logger.Error(line+"❌ "+detail, zap.String("check", check.name))
			}
		}

		logger.Info("")
		switch {
		case failed > 0:
			logger.Error(fmt.Sprintf("%d check(s) failed, %d warning(s)", failed, warned))
		case warned > 0:
			logger.Warn(fmt.Sprintf("All checks passed with %d warning(s)", warned))
		default:
			logger.Info("✅ All checks passed")
		}
		logger.Info("=== End Diagnostics ===")

		if failed > 0 {
			return fmt.Errorf("%d diagnostic check(s) failed", failed)
		}
		return nil
	},
}

func doctorChecks(cfg *config.Config, cfgErr error) []doctorCheck {
	checks := []doctorCheck{
		{name: "Checking Go version", run: func(context.Context) (string, checkLevel) {
			v := runtime.Version()
			if v >= "go1.23" {
				return v, checkOK
			}
			return v + " (recommended: go1.23+)", checkWarn
		}},
		{name: "Checking Crucible access", run: func(context.Context) (string, checkLevel) {
			if v := crucible.GetVersion().Crucible; v != "" {
				return "v" + v, checkOK
			}
			return "cannot access Crucible", checkFail
		}},
		{name: "Checking Gofulmen access", run: func(context.Context) (string, checkLevel) {
			if v := crucible.GetVersion().Gofulmen; v != "" {
				return "v" + v, checkOK
			}
			return "cannot access Gofulmen", checkFail
		}},
		{name: "Checking config", run: func(context.Context) (string, checkLevel) {
			path := config.DefaultConfigPath()
			if cfgErr != nil {
				return cfgErr.Error(), checkFail
			}
			if !fileExists(path) {
				return path + " (not created; run 'doctor init')", checkWarn
			}
			return path, checkOK
		}},
	}
	if cfgErr != nil {
		return checks
	}

	checks = append(checks, doctorCheck{name: "Checking store", run: func(ctx context.Context) (string, checkLevel) {
		return checkStore(ctx, cfg.Store)
	}})

	if len(cfg.Agents) == 0 {
		checks = append(checks, doctorCheck{name: "Checking agents", run: func(context.Context) (string, checkLevel) {
			return "none configured", checkWarn
		}})
		return checks
	}

	for _, agent := range cfg.Agents {
		agent := agent
		checks = append(checks, doctorCheck{
			name: "Probing agent " + agent.ID,
			run: func(ctx context.Context) (string, checkLevel) {
				return probeAgent(ctx, agent, doctorProbeTimeout)
			},
		})
	}
	return checks
}

func checkStore(ctx context.Context, cfg config.StoreConfig) (string, checkLevel) {
	location := storeLocation(cfg)
	db, err := openStoreWith(ctx, cfg)
	if err != nil {
		return fmt.Sprintf("%s (%v)", location, err), checkFail
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup

	if err := db.CheckHealth(ctx); err != nil {
		return fmt.Sprintf("%s (%v)", location, err), checkFail
	}

	streams, err := db.ListStreams(ctx, "")
	if err != nil {
		return fmt.Sprintf("%s (%v)", location, err), checkWarn
	}

	detail := fmt.Sprintf("%s, %d stored stream(s)", location, len(streams))
	if cfg.URL == "" {
		if info, statErr := os.Stat(location); statErr == nil {
			detail += ", " + formatFileSize(info.Size())
		}
	}
	return detail, checkOK
}

// probeAgent performs one stats fetch and reports whether the payload
// carries the counters rates are derived from.
func probeAgent(ctx context.Context, agent config.AgentConfig, timeout time.Duration) (string, checkLevel) {
	client, err := poller.NewClient(agent.URL,
		poller.WithJWTSecret(agent.JWTSecret),
		poller.WithUserAgent(userAgent()))
	if err != nil {
		return err.Error(), checkFail
	}

	if timeout <= 0 {
		timeout = poller.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	payload, err := client.FetchStats(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		return fmt.Sprintf("%s (%v)", client.URL(), err), checkFail
	}
	if payload.Timestamp == nil || payload.TotalRequests == nil {
		return fmt.Sprintf("%s responded in %s without timestamp/totalRequests", client.URL(), elapsed), checkWarn
	}
	return fmt.Sprintf("%s in %s, total=%d apps=%d", client.URL(), elapsed, *payload.TotalRequests, len(payload.RequestsByApp)), checkOK
}

var (
	doctorInitForce  bool
	doctorInitAgents []string
	doctorResetConf  bool
	doctorResetData  bool
	doctorResetAll   bool
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}
		if fileExists(configPath) && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		content, err := buildInitConfig(doctorInitAgents)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		if err := os.WriteFile(configPath, content, 0644); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.CLILogger.Info("Config initialized", zap.String("path", configPath), zap.Int("agents", len(doctorInitAgents)))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return err
		}
		path := config.DefaultConfigPath()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# config file: %s (%s)\n", path, existenceStatus(fileExists(path)))
		return writeRedactedConfig(cmd.OutOrStdout(), cfg)
	},
}

var doctorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset user configuration and/or data",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorResetAll {
			doctorResetConf = true
			doctorResetData = true
		}
		if !doctorResetConf && !doctorResetData {
			return fmt.Errorf("specify --config, --data, or --all")
		}

		if doctorResetConf {
			if err := removeFile("Config", config.DefaultConfigPath()); err != nil {
				return err
			}
		}

		if doctorResetData {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Store.URL != "" {
				return fmt.Errorf("remote store configured; database reset is not supported")
			}
			if err := removeFile("Database", storeLocation(cfg.Store)); err != nil {
				return err
			}
		}
		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if !fileExists(configPath) {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := buildManager(cfg, pollerDeps{}); err != nil {
			return err
		}

		observability.CLILogger.Info("Config is valid", zap.String("path", configPath), zap.Int("agents", len(cfg.Agents)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorConfigCmd)
	doctorCmd.AddCommand(doctorResetCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorCmd.Flags().DurationVar(&doctorProbeTimeout, "timeout", poller.DefaultTimeout, "per-agent probe timeout")

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")
	doctorInitCmd.Flags().StringArrayVar(&doctorInitAgents, "agent", nil, "agent to poll as id=url (repeatable)")

	doctorResetCmd.Flags().BoolVar(&doctorResetConf, "config", false, "remove user config file")
	doctorResetCmd.Flags().BoolVar(&doctorResetData, "data", false, "remove local database")
	doctorResetCmd.Flags().BoolVar(&doctorResetAll, "all", false, "remove config and data")
}

// initConfigDoc is the starter file written by doctor init.
type initConfigDoc struct {
	Poller struct {
		Interval string `yaml:"interval"`
	} `yaml:"poller"`
	Store struct {
		Retention string `yaml:"retention"`
	} `yaml:"store"`
	Agents []config.AgentConfig `yaml:"agents"`
}

func buildInitConfig(agents []string) ([]byte, error) {
	var doc initConfigDoc
	doc.Poller.Interval = poller.DefaultInterval.String()
	doc.Store.Retention = "168h"

	for _, raw := range agents {
		id, target, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(target) == "" {
			return nil, fmt.Errorf("invalid --agent %q (want id=url)", raw)
		}
		doc.Agents = append(doc.Agents, config.AgentConfig{ID: strings.TrimSpace(id), URL: strings.TrimSpace(target)})
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte("# ratewatch config - created by 'doctor init'\n"), body...), nil
}

// redactConfig returns a copy of cfg with credentials masked.
func redactConfig(cfg *config.Config) config.Config {
	out := *cfg
	if out.Store.AuthToken != "" {
		out.Store.AuthToken = redacted
	}
	out.Agents = make([]config.AgentConfig, len(cfg.Agents))
	for i, agent := range cfg.Agents {
		if agent.JWTSecret != "" {
			agent.JWTSecret = redacted
		}
		out.Agents[i] = agent
	}
	return out
}

func writeRedactedConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(redactConfig(cfg)); err != nil {
		return err
	}
	return enc.Close()
}

func removeFile(label, path string) error {
	if path == "" {
		observability.CLILogger.Warn(label + " path not resolved; skipping")
		return nil
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		observability.CLILogger.Info(label+" removed", zap.String("path", path))
	case os.IsNotExist(err):
		observability.CLILogger.Info(label+" already removed", zap.String("path", path))
	default:
		return fmt.Errorf("remove %s: %w", strings.ToLower(label), err)
	}
	return nil
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func existenceStatus(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}
