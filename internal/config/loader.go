package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentopia/toolbox-agent/pkg/logging"

	"gopkg.in/yaml.v3"
)

const envPrefix = "TOOLBOX_AGENT_"

// envOverrides maps environment variables to the settings they replace.
// Secrets are expected to come from here rather than from the file.
var envOverrides = map[string]func(c *AgentConfig, v string){
	"ID":                   func(c *AgentConfig, v string) { c.Agent.ID = v },
	"LISTEN":               func(c *AgentConfig, v string) { c.Server.Listen = v },
	"API_TOKEN":            func(c *AgentConfig, v string) { c.Server.AuthToken = v },
	"JWT_SECRET":           func(c *AgentConfig, v string) { c.Server.JWTSecret = v },
	"BROKER_URL":           func(c *AgentConfig, v string) { c.Credentials.BrokerURL = v },
	"BROKER_TOKEN":         func(c *AgentConfig, v string) { c.Credentials.Token = v },
	"BROKER_CLIENT_ID":     func(c *AgentConfig, v string) { c.Credentials.ClientID = v },
	"BROKER_CLIENT_SECRET": func(c *AgentConfig, v string) { c.Credentials.ClientSecret = v },
	"BROKER_TOKEN_URL":     func(c *AgentConfig, v string) { c.Credentials.TokenURL = v },
	"SINK_URL":             func(c *AgentConfig, v string) { c.Health.SinkURL = v },
	"SINK_TOKEN":           func(c *AgentConfig, v string) { c.Health.SinkToken = v },
	"RUNTIME":              func(c *AgentConfig, v string) { c.Runtime.Type = v },
	"PROBE_HOST":           func(c *AgentConfig, v string) { c.Runtime.ProbeHost = v },
	"CATALOG_PATH":         func(c *AgentConfig, v string) { c.Catalog.Path = v },
	"LOG_LEVEL":            func(c *AgentConfig, v string) { c.Logging.Level = v },
	"LOG_FORMAT":           func(c *AgentConfig, v string) { c.Logging.Format = v },
}

// LoadAgentConfig loads the configuration file at path on top of the
// defaults and applies TOOLBOX_AGENT_* environment overrides. A missing
// file is not an error when path is empty.
func LoadAgentConfig(path string) (AgentConfig, error) {
	config := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return AgentConfig{}, NewConfigurationError(path, "io", fmt.Sprintf("config file not found: %s", path))
			}
			return AgentConfig{}, NewConfigurationError(path, "io", err.Error())
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return AgentConfig{}, NewConfigurationError(path, "parse", err.Error())
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", path)
	} else {
		logging.Info("ConfigLoader", "No config file given, using defaults")
	}

	applyEnvOverrides(&config, os.LookupEnv)

	if config.Catalog.Path != "" && !filepath.IsAbs(config.Catalog.Path) && path != "" {
		config.Catalog.Path = filepath.Join(filepath.Dir(path), config.Catalog.Path)
	}

	if err := config.Validate(); err != nil {
		return AgentConfig{}, FormatValidationError("configuration", path, err)
	}
	return config, nil
}

func applyEnvOverrides(c *AgentConfig, lookup func(string) (string, bool)) {
	for suffix, apply := range envOverrides {
		if v, ok := lookup(envPrefix + suffix); ok && strings.TrimSpace(v) != "" {
			apply(c, strings.TrimSpace(v))
		}
	}
}

// Validate checks the configuration for values the agent cannot run with.
func (c AgentConfig) Validate() error {
	var errs ValidationErrors

	errs.AddError(ValidateRequired("agent.id", c.Agent.ID, "agent"))
	errs.AddError(ValidateRequired("server.listen", c.Server.Listen, "server"))
	errs.AddError(ValidateOneOf("runtime.type", c.Runtime.Type, []string{"docker", "podman"}))
	errs.AddError(ValidateOneOf("logging.format", c.Logging.Format, []string{"text", "json"}))

	if c.Ports.Start < 1 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		errs.Add("ports", fmt.Sprintf("invalid range %d-%d", c.Ports.Start, c.Ports.End))
	}
	if c.Limits.MaxConcurrentOperations < 1 {
		errs.Add("limits.maxConcurrentOperations", "must be at least 1", c.Limits.MaxConcurrentOperations)
	}
	if c.Discovery.FailureThreshold < 1 {
		errs.Add("discovery.failureThreshold", "must be at least 1", c.Discovery.FailureThreshold)
	}
	if c.Discovery.Interval <= 0 || c.Discovery.Timeout <= 0 {
		errs.Add("discovery", "interval and timeout must be positive")
	}
	if c.Discovery.Jitter < 0 || c.Discovery.Jitter >= c.Discovery.Interval {
		errs.Add("discovery.jitter", "must be non-negative and smaller than the interval", c.Discovery.Jitter)
	}
	if c.Health.HeartbeatInterval <= 0 {
		errs.Add("health.heartbeatInterval", "must be positive", c.Health.HeartbeatInterval)
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		errs.Add("server.rateLimit", "rate and burst must be positive")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
