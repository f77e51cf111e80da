package app

import (
	"github.com/agentopia/toolbox-agent/internal/config"
)

// Config holds the application configuration
type Config struct {
	// Debug forces debug logging regardless of the config file.
	Debug bool

	// ConfigPath is the agent config file. Empty means defaults plus
	// environment overrides.
	ConfigPath string

	// Listen overrides server.listen when set.
	Listen string

	// Version is reported in status responses and heartbeats.
	Version string

	// Agent is the loaded agent configuration. When set before
	// NewApplication, loading is skipped.
	Agent *config.AgentConfig
}

// NewConfig creates a new application configuration
func NewConfig(debug bool, configPath, listen, version string) *Config {
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
		Listen:     listen,
		Version:    version,
	}
}
