package config

import (
	"os"
	"time"
)

const (
	DefaultListen            = ":8700"
	DefaultPortRangeStart    = 30000
	DefaultPortRangeEnd      = 30999
	DefaultContainerPort     = 8080
	DefaultSSEEndpoint       = "/sse"
	DefaultWebSocketEndpoint = "/ws"
	DefaultStdioCommand      = "mcp-server"
)

// DefaultAgentConfig returns the default configuration
func DefaultAgentConfig() AgentConfig {
	agentID, err := os.Hostname()
	if err != nil || agentID == "" {
		agentID = "toolbox-agent"
	}

	return AgentConfig{
		Agent: AgentSection{ID: agentID},
		Server: ServerConfig{
			Listen:          DefaultListen,
			RateLimit:       20,
			RateBurst:       40,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Runtime: RuntimeConfig{
			Type:        "docker",
			CallTimeout: 30 * time.Second,
			PullTimeout: 5 * time.Minute,
			StopGrace:   10 * time.Second,
			PullImages:  true,
			ProbeHost:   "127.0.0.1",
		},
		Credentials: CredentialsConfig{
			FetchTimeout:       10 * time.Second,
			MaxRefreshInterval: 15 * time.Minute,
			RetryBackoff:       time.Minute,
			BreakerFailures:    5,
			BreakerTimeout:     30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Interval:         60 * time.Second,
			Jitter:           10 * time.Second,
			Timeout:          5 * time.Second,
			FailureThreshold: 3,
		},
		Health: HealthConfig{
			HeartbeatInterval: 15 * time.Second,
			StartupGrace:      30 * time.Second,
			SinkTimeout:       5 * time.Second,
			FailureStreakWarn: 3,
		},
		Ports: PortsConfig{
			Start: DefaultPortRangeStart,
			End:   DefaultPortRangeEnd,
		},
		Limits: LimitsConfig{
			MaxConcurrentOperations: 10,
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
