// Package config handles configuration loading and management for fanout.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProjectConfigName is the file searched for in the working directory and its parents.
const ProjectConfigName = ".fanout.yaml"

// Config holds all configuration for fanout.
type Config struct {
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
	Bedrock     BedrockConfig     `mapstructure:"bedrock"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Aggregate   AggregateConfig   `mapstructure:"aggregate"`
	Status      StatusConfig      `mapstructure:"status"`
	State       StateConfig       `mapstructure:"state"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	TUI         TUIConfig         `mapstructure:"tui"`
}

// AnthropicConfig holds Anthropic API settings used by the root-cause investigator.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// BedrockConfig selects AWS Bedrock as the Anthropic backend.
type BedrockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// ConcurrencyConfig bounds the worker pool.
type ConcurrencyConfig struct {
	MaxWorkers int `mapstructure:"max_workers"`
}

// TimeoutsConfig holds the per-worker and whole-run limits.
type TimeoutsConfig struct {
	Worker time.Duration `mapstructure:"worker"`
	Run    time.Duration `mapstructure:"run"`
}

// HeartbeatConfig controls how often workers rewrite their status record.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MonitorConfig controls stale worker detection.
type MonitorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// AggregateConfig holds outcome banding settings.
type AggregateConfig struct {
	// PartialThreshold is the minimum success rate still reported as partial success.
	PartialThreshold float64 `mapstructure:"partial_threshold"`
	// Investigate enables the root-cause call on majority failure.
	Investigate bool `mapstructure:"investigate"`
}

// StatusConfig locates the per-run status directories.
type StatusConfig struct {
	Root string `mapstructure:"root"`
}

// StateConfig locates the run history database.
type StateConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// TrackerConfig holds follow-up tracker settings.
type TrackerConfig struct {
	DBPath     string        `mapstructure:"db_path"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// AgentConfig describes the external agent command.
// The literal argument "{prompt}" is replaced by the sub-task prompt.
type AgentConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// WorkspaceConfig selects how isolated workspaces are created.
type WorkspaceConfig struct {
	// Mode is "worktree" (git worktrees) or "dir" (plain directories).
	Mode    string `mapstructure:"mode"`
	BaseDir string `mapstructure:"base_dir"`
}

// TUIConfig holds watch view settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (FANOUT_*, ANTHROPIC_API_KEY)
// 2. Project config (.fanout.yaml in current directory or parent)
// 3. User config (~/.config/fanout/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("FANOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("bedrock.region", "FANOUT_BEDROCK_REGION", "AWS_REGION")
	v.BindEnv("bedrock.profile", "FANOUT_BEDROCK_PROFILE", "AWS_PROFILE")
}

// Validate checks that the settings are usable together.
func (c *Config) Validate() error {
	if c.Concurrency.MaxWorkers < 1 {
		return fmt.Errorf("concurrency.max_workers must be at least 1, got %d", c.Concurrency.MaxWorkers)
	}
	if c.Timeouts.Worker <= 0 {
		return fmt.Errorf("timeouts.worker must be positive")
	}
	if c.Timeouts.Run <= 0 {
		return fmt.Errorf("timeouts.run must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Monitor.StaleThreshold <= c.Heartbeat.Interval {
		return fmt.Errorf("monitor.stale_threshold (%s) must exceed heartbeat.interval (%s)",
			c.Monitor.StaleThreshold, c.Heartbeat.Interval)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Aggregate.PartialThreshold <= 0 || c.Aggregate.PartialThreshold > 1 {
		return fmt.Errorf("aggregate.partial_threshold must be in (0, 1], got %v", c.Aggregate.PartialThreshold)
	}
	switch c.Workspace.Mode {
	case "worktree", "dir":
	default:
		return fmt.Errorf("workspace.mode must be worktree or dir, got %q", c.Workspace.Mode)
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveToPath(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveToPath writes the configuration to an explicit file.
func SaveToPath(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("bedrock.enabled", cfg.Bedrock.Enabled)
	v.Set("bedrock.region", cfg.Bedrock.Region)
	v.Set("bedrock.profile", cfg.Bedrock.Profile)
	v.Set("concurrency.max_workers", cfg.Concurrency.MaxWorkers)
	v.Set("timeouts.worker", cfg.Timeouts.Worker.String())
	v.Set("timeouts.run", cfg.Timeouts.Run.String())
	v.Set("heartbeat.interval", cfg.Heartbeat.Interval.String())
	v.Set("monitor.poll_interval", cfg.Monitor.PollInterval.String())
	v.Set("monitor.stale_threshold", cfg.Monitor.StaleThreshold.String())
	v.Set("aggregate.partial_threshold", cfg.Aggregate.PartialThreshold)
	v.Set("aggregate.investigate", cfg.Aggregate.Investigate)
	v.Set("status.root", cfg.Status.Root)
	v.Set("state.db_path", cfg.State.DBPath)
	v.Set("tracker.db_path", cfg.Tracker.DBPath)
	v.Set("tracker.max_retries", cfg.Tracker.MaxRetries)
	v.Set("tracker.base_delay", cfg.Tracker.BaseDelay.String())
	v.Set("tracker.max_delay", cfg.Tracker.MaxDelay.String())
	v.Set("agent.command", cfg.Agent.Command)
	v.Set("agent.args", cfg.Agent.Args)
	v.Set("workspace.mode", cfg.Workspace.Mode)
	v.Set("workspace.base_dir", cfg.Workspace.BaseDir)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", d.Anthropic.APIKey)
	v.SetDefault("anthropic.model", d.Anthropic.Model)

	v.SetDefault("bedrock.enabled", d.Bedrock.Enabled)
	v.SetDefault("bedrock.region", d.Bedrock.Region)
	v.SetDefault("bedrock.profile", d.Bedrock.Profile)

	v.SetDefault("concurrency.max_workers", d.Concurrency.MaxWorkers)

	v.SetDefault("timeouts.worker", "30m")
	v.SetDefault("timeouts.run", "2h")
	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("monitor.poll_interval", "10s")
	v.SetDefault("monitor.stale_threshold", "5m")

	v.SetDefault("aggregate.partial_threshold", d.Aggregate.PartialThreshold)
	v.SetDefault("aggregate.investigate", d.Aggregate.Investigate)

	v.SetDefault("status.root", d.Status.Root)
	v.SetDefault("state.db_path", d.State.DBPath)

	v.SetDefault("tracker.db_path", d.Tracker.DBPath)
	v.SetDefault("tracker.max_retries", d.Tracker.MaxRetries)
	v.SetDefault("tracker.base_delay", "1s")
	v.SetDefault("tracker.max_delay", "30s")

	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.args", d.Agent.Args)

	v.SetDefault("workspace.mode", d.Workspace.Mode)
	v.SetDefault("workspace.base_dir", d.Workspace.BaseDir)

	v.SetDefault("tui.refresh_rate", "250ms")
}

// getUserConfigDir returns the XDG config directory for fanout.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fanout")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "fanout")
	}
	return filepath.Join(home, ".config", "fanout")
}

// findProjectConfig searches for .fanout.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5",
		},
		Bedrock: BedrockConfig{
			Region: "us-east-1",
		},
		Concurrency: ConcurrencyConfig{
			MaxWorkers: runtime.NumCPU(),
		},
		Timeouts: TimeoutsConfig{
			Worker: 30 * time.Minute,
			Run:    2 * time.Hour,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:   10 * time.Second,
			StaleThreshold: 5 * time.Minute,
		},
		Aggregate: AggregateConfig{
			PartialThreshold: 0.8,
			Investigate:      true,
		},
		Status: StatusConfig{
			Root: filepath.Join(".fanout", "runs"),
		},
		State: StateConfig{
			DBPath: filepath.Join(".fanout", "state.db"),
		},
		Tracker: TrackerConfig{
			DBPath:     filepath.Join(".fanout", "followups.db"),
			MaxRetries: 5,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"-p", "{prompt}", "--output-format", "text"},
		},
		Workspace: WorkspaceConfig{
			Mode:    "worktree",
			BaseDir: filepath.Join(".fanout", "worktrees"),
		},
		TUI: TUIConfig{
			RefreshRate: 250 * time.Millisecond,
		},
	}
}
