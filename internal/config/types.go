package config

import "time"

// AgentConfig is the top-level configuration of the toolbox agent.
type AgentConfig struct {
	Agent       AgentSection      `yaml:"agent"`
	Server      ServerConfig      `yaml:"server"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Health      HealthConfig      `yaml:"health"`
	Ports       PortsConfig       `yaml:"ports"`
	Limits      LimitsConfig      `yaml:"limits"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AgentSection identifies this agent to the control plane and labels the
// containers it owns.
type AgentSection struct {
	ID string `yaml:"id"`
}

// ServerConfig configures the orchestration HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// AuthToken is a static bearer token. It is used when JWTSecret is empty.
	AuthToken string `yaml:"authToken,omitempty"`

	// JWTSecret enables HS256 bearer JWT validation.
	JWTSecret   string `yaml:"jwtSecret,omitempty"`
	JWTIssuer   string `yaml:"jwtIssuer,omitempty"`
	JWTAudience string `yaml:"jwtAudience,omitempty"`

	// Requests per second and burst for the API-wide limiter.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`

	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// RuntimeConfig configures the container runtime client.
type RuntimeConfig struct {
	Type        string        `yaml:"type"` // docker or podman
	CallTimeout time.Duration `yaml:"callTimeout"`
	PullTimeout time.Duration `yaml:"pullTimeout"`
	StopGrace   time.Duration `yaml:"stopGrace"`
	PullImages  bool          `yaml:"pullImages"`

	// ProbeHost is the address discovery probes use to reach published
	// container ports.
	ProbeHost string `yaml:"probeHost"`
}

// CredentialsConfig configures the credential broker client.
type CredentialsConfig struct {
	BrokerURL          string        `yaml:"brokerUrl"`
	Token              string        `yaml:"token,omitempty"`
	ClientID           string        `yaml:"clientId,omitempty"`
	ClientSecret       string        `yaml:"clientSecret,omitempty"`
	TokenURL           string        `yaml:"tokenUrl,omitempty"`
	Scopes             []string      `yaml:"scopes,omitempty"`
	FetchTimeout       time.Duration `yaml:"fetchTimeout"`
	MaxRefreshInterval time.Duration `yaml:"maxRefreshInterval"`
	RetryBackoff       time.Duration `yaml:"retryBackoff"`
	BreakerFailures    uint32        `yaml:"breakerFailures"`
	BreakerTimeout     time.Duration `yaml:"breakerTimeout"`
}

// DiscoveryConfig configures capability probing.
type DiscoveryConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Jitter           time.Duration `yaml:"jitter"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failureThreshold"`
}

// HealthConfig configures health fusion and the heartbeat.
type HealthConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	StartupGrace      time.Duration `yaml:"startupGrace"`
	SinkURL           string        `yaml:"sinkUrl,omitempty"`
	SinkToken         string        `yaml:"sinkToken,omitempty"`
	SinkTimeout       time.Duration `yaml:"sinkTimeout"`
	FailureStreakWarn int           `yaml:"failureStreakWarn"`
}

// PortsConfig is the host port range reserved for SSE and WebSocket servers.
type PortsConfig struct {
	Start  int    `yaml:"start"`
	End    int    `yaml:"end"`
	HostIP string `yaml:"hostIp,omitempty"`
}

// LimitsConfig bounds concurrent work against the daemon.
type LimitsConfig struct {
	MaxConcurrentOperations int64 `yaml:"maxConcurrentOperations"`
}

// CatalogConfig points at the image defaults file.
type CatalogConfig struct {
	Path  string `yaml:"path,omitempty"`
	Watch bool   `yaml:"watch"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}
