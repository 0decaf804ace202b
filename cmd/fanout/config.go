package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fanout/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify fanout configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/fanout/config.yaml
Project-specific overrides can be placed in .fanout.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			cfg *config.Config
			err error
		)
		if configPath != "" {
			cfg, err = config.LoadFromPath(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			return setConfigKey(cfg, args[0], args[1])
		}
	},
}

// configKeys lists the keys shown by 'fanout config', in display order.
var configKeys = []string{
	"anthropic.api_key",
	"anthropic.model",
	"bedrock.enabled",
	"bedrock.region",
	"bedrock.profile",
	"concurrency.max_workers",
	"timeouts.worker",
	"timeouts.run",
	"heartbeat.interval",
	"monitor.poll_interval",
	"monitor.stale_threshold",
	"aggregate.partial_threshold",
	"aggregate.investigate",
	"status.root",
	"state.db_path",
	"tracker.db_path",
	"tracker.max_retries",
	"tracker.base_delay",
	"tracker.max_delay",
	"agent.command",
	"agent.args",
	"workspace.mode",
	"workspace.base_dir",
	"tui.refresh_rate",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Printf("%s: %s\n", key, value)
	}
	if path := config.GetProjectConfigPath(); path != "" {
		fmt.Printf("\n(project overrides from %s)\n", path)
	}
}

// setConfigKey sets a configuration value, validates the result and saves it.
func setConfigKey(cfg *config.Config, key, value string) error {
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var err error
	if configPath != "" {
		err = config.SaveToPath(cfg, configPath)
	} else {
		err = config.Save(cfg)
	}
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	if strings.EqualFold(key, "anthropic.api_key") {
		value = config.MaskAPIKey(value)
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "bedrock.enabled":
		return strconv.FormatBool(cfg.Bedrock.Enabled), nil
	case "bedrock.region":
		return cfg.Bedrock.Region, nil
	case "bedrock.profile":
		return cfg.Bedrock.Profile, nil
	case "concurrency.max_workers":
		return strconv.Itoa(cfg.Concurrency.MaxWorkers), nil
	case "timeouts.worker":
		return cfg.Timeouts.Worker.String(), nil
	case "timeouts.run":
		return cfg.Timeouts.Run.String(), nil
	case "heartbeat.interval":
		return cfg.Heartbeat.Interval.String(), nil
	case "monitor.poll_interval":
		return cfg.Monitor.PollInterval.String(), nil
	case "monitor.stale_threshold":
		return cfg.Monitor.StaleThreshold.String(), nil
	case "aggregate.partial_threshold":
		return strconv.FormatFloat(cfg.Aggregate.PartialThreshold, 'g', -1, 64), nil
	case "aggregate.investigate":
		return strconv.FormatBool(cfg.Aggregate.Investigate), nil
	case "status.root":
		return cfg.Status.Root, nil
	case "state.db_path":
		return cfg.State.DBPath, nil
	case "tracker.db_path":
		return cfg.Tracker.DBPath, nil
	case "tracker.max_retries":
		return strconv.Itoa(cfg.Tracker.MaxRetries), nil
	case "tracker.base_delay":
		return cfg.Tracker.BaseDelay.String(), nil
	case "tracker.max_delay":
		return cfg.Tracker.MaxDelay.String(), nil
	case "agent.command":
		return cfg.Agent.Command, nil
	case "agent.args":
		return strings.Join(cfg.Agent.Args, " "), nil
	case "workspace.mode":
		return cfg.Workspace.Mode, nil
	case "workspace.base_dir":
		return cfg.Workspace.BaseDir, nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "bedrock.enabled":
		return parseBool(&cfg.Bedrock.Enabled, key, value)
	case "bedrock.region":
		cfg.Bedrock.Region = value
	case "bedrock.profile":
		cfg.Bedrock.Profile = value
	case "concurrency.max_workers":
		return parseInt(&cfg.Concurrency.MaxWorkers, key, value)
	case "timeouts.worker":
		return parseDuration(&cfg.Timeouts.Worker, key, value)
	case "timeouts.run":
		return parseDuration(&cfg.Timeouts.Run, key, value)
	case "heartbeat.interval":
		return parseDuration(&cfg.Heartbeat.Interval, key, value)
	case "monitor.poll_interval":
		return parseDuration(&cfg.Monitor.PollInterval, key, value)
	case "monitor.stale_threshold":
		return parseDuration(&cfg.Monitor.StaleThreshold, key, value)
	case "aggregate.partial_threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %w", key, err)
		}
		cfg.Aggregate.PartialThreshold = f
	case "aggregate.investigate":
		return parseBool(&cfg.Aggregate.Investigate, key, value)
	case "status.root":
		cfg.Status.Root = value
	case "state.db_path":
		cfg.State.DBPath = value
	case "tracker.db_path":
		cfg.Tracker.DBPath = value
	case "tracker.max_retries":
		return parseInt(&cfg.Tracker.MaxRetries, key, value)
	case "tracker.base_delay":
		return parseDuration(&cfg.Tracker.BaseDelay, key, value)
	case "tracker.max_delay":
		return parseDuration(&cfg.Tracker.MaxDelay, key, value)
	case "agent.command":
		cfg.Agent.Command = value
	case "agent.args":
		cfg.Agent.Args = strings.Fields(value)
	case "workspace.mode":
		cfg.Workspace.Mode = value
	case "workspace.base_dir":
		cfg.Workspace.BaseDir = value
	case "tui.refresh_rate":
		return parseDuration(&cfg.TUI.RefreshRate, key, value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func parseDuration(dst *time.Duration, key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*dst = d
	return nil
}

func parseInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dst = n
	return nil
}

func parseBool(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	*dst = b
	return nil
}
