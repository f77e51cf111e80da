package api

import (
	"strings"
	"time"
)

// ContainerType distinguishes plain tool containers from MCP servers.
// It is fixed when the instance is created.
type ContainerType string

const (
	ContainerTypeStandardTool ContainerType = "standard_tool"
	ContainerTypeMCPServer    ContainerType = "mcp_server"
)

// TransportType is the channel an MCP server speaks over.
type TransportType string

const (
	TransportNone      TransportType = "none"
	TransportStdio     TransportType = "stdio"
	TransportSSE       TransportType = "sse"
	TransportWebSocket TransportType = "websocket"
)

// ParseTransportType accepts the spellings the control plane sends
// ("stdio", "sse", "websocket", "ws"). The empty string maps to TransportNone.
func ParseTransportType(s string) (TransportType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return TransportNone, true
	case "none":
		return TransportNone, true
	case "stdio":
		return TransportStdio, true
	case "sse":
		return TransportSSE, true
	case "websocket", "ws":
		return TransportWebSocket, true
	default:
		return "", false
	}
}

// NeedsPort reports whether the transport is reached over a host port.
func (t TransportType) NeedsPort() bool {
	return t == TransportSSE || t == TransportWebSocket
}

// HealthStatus is the fused health of one instance or of the whole host.
type HealthStatus string

const (
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStopping  HealthStatus = "stopping"
	HealthStopped   HealthStatus = "stopped"
)

// PortBinding maps a host port to a container port.
type PortBinding struct {
	HostIP        string `json:"hostIp,omitempty"`
	HostPort      int    `json:"hostPort"`
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol,omitempty"`
}

// ToolInfo summarizes one tool exposed by an MCP server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// ResourceInfo summarizes one resource exposed by an MCP server.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// PromptInfo summarizes one prompt exposed by an MCP server.
type PromptInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
}

// CapabilitySnapshot is the result of one successful discovery probe.
// A new snapshot always replaces the previous one as a whole.
type CapabilitySnapshot struct {
	Tools         []ToolInfo     `json:"tools"`
	Resources     []ResourceInfo `json:"resources"`
	Prompts       []PromptInfo   `json:"prompts"`
	ProbedAt      time.Time      `json:"probedAt"`
	TransportType TransportType  `json:"transportType"`
	ServerName    string         `json:"serverName,omitempty"`
	ServerVersion string         `json:"serverVersion,omitempty"`
}

// HealthMetrics is the latest health sample for an instance.
type HealthMetrics struct {
	Reachable             bool      `json:"reachable"`
	ResponseTimeMs        int64     `json:"responseTimeMs"`
	OAuthConnectionsValid bool      `json:"oauthConnectionsValid"`
	Timestamp             time.Time `json:"timestamp"`
}

// ManagedInstance is one container under the agent's control.
//
// HealthStatus is written by the health monitor (and set to Stopping by
// teardown); API callers never set it directly.
type ManagedInstance struct {
	InstanceID              string              `json:"instanceId"`
	InstanceName            string              `json:"instanceName"`
	AccountToolInstanceID   string              `json:"accountToolInstanceId"`
	ContainerID             string              `json:"containerId"`
	Image                   string              `json:"image"`
	ContainerType           ContainerType       `json:"containerType"`
	TransportType           TransportType       `json:"transportType"`
	EndpointPath            string              `json:"endpointPath,omitempty"`
	PortBindings            []PortBinding       `json:"portBindings,omitempty"`
	OAuthConnectionIDs      []string            `json:"oauthConnectionIds,omitempty"`
	Capabilities            *CapabilitySnapshot `json:"capabilities,omitempty"`
	HealthStatus            HealthStatus        `json:"healthStatus"`
	Metrics                 *HealthMetrics      `json:"metrics,omitempty"`
	LastHealthCheckAt       time.Time           `json:"lastHealthCheckAt,omitempty"`
	LastCapabilityRefreshAt time.Time           `json:"lastCapabilityRefreshAt,omitempty"`
	LastOAuthRefreshAt      time.Time           `json:"lastOAuthRefreshAt,omitempty"`
	CreatedAt               time.Time           `json:"createdAt"`
	StoppedAt               time.Time           `json:"stoppedAt,omitempty"`

	// PendingOperation is set while a mutating operation (deploy, refresh,
	// teardown) owns the container; health reconciliation skips the
	// instance until it is cleared.
	PendingOperation string `json:"pendingOperation,omitempty"`

	// Config is the credential-free normalized configuration the container
	// was created from. It is used to recreate the container on refresh.
	Config *NormalizedConfig `json:"-"`
}

// IsMCPServer reports whether the instance is an MCP server.
func (m *ManagedInstance) IsMCPServer() bool {
	return m.ContainerType == ContainerTypeMCPServer
}

// HostPort returns the first bound host port, or 0.
func (m *ManagedInstance) HostPort() int {
	if len(m.PortBindings) == 0 {
		return 0
	}
	return m.PortBindings[0].HostPort
}

// Clone returns a deep copy so callers can read it without holding locks.
// The capability snapshot is shared: snapshots are replaced, never mutated.
func (m *ManagedInstance) Clone() *ManagedInstance {
	if m == nil {
		return nil
	}
	c := *m
	c.PortBindings = append([]PortBinding(nil), m.PortBindings...)
	c.OAuthConnectionIDs = append([]string(nil), m.OAuthConnectionIDs...)
	if m.Metrics != nil {
		metrics := *m.Metrics
		c.Metrics = &metrics
	}
	if m.Config != nil {
		c.Config = m.Config.Clone()
	}
	return &c
}
