package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoCredentials is returned when neither an API key nor Bedrock is configured.
var ErrNoCredentials = errors.New("no Anthropic API key or Bedrock configuration")

// Backend names the service the investigator talks to.
type Backend string

const (
	BackendAnthropic Backend = "anthropic"
	BackendBedrock   Backend = "bedrock"
	BackendNone      Backend = "none"
)

// APIKey returns the Anthropic API key, preferring the environment over the config file.
// Unexpanded ${VAR} references count as unset.
func APIKey(cfg *Config) string {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key
	}
	if cfg == nil {
		return ""
	}
	key := os.ExpandEnv(cfg.Anthropic.APIKey)
	if strings.HasPrefix(key, "${") {
		return ""
	}
	return key
}

// ResolveBackend decides which backend the root-cause investigator should use.
// Bedrock wins when enabled; otherwise an API key is required.
func ResolveBackend(cfg *Config) (Backend, error) {
	if cfg != nil && cfg.Bedrock.Enabled {
		if cfg.Bedrock.Region == "" {
			return BackendNone, errors.New("bedrock enabled without a region")
		}
		return BackendBedrock, nil
	}
	if APIKey(cfg) != "" {
		return BackendAnthropic, nil
	}
	return BackendNone, ErrNoCredentials
}

// MaskAPIKey returns a display-safe version of an API key.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
