package api

import "time"

// DeployResponse is returned by a successful Deploy.
type DeployResponse struct {
	Success                  bool                `json:"success"`
	InstanceID               string              `json:"instanceId"`
	InstanceName             string              `json:"instanceName"`
	ContainerID              string              `json:"containerId"`
	TransportType            TransportType       `json:"transportType"`
	EndpointPath             string              `json:"endpointPath,omitempty"`
	Port                     int                 `json:"port,omitempty"`
	Capabilities             *CapabilitySnapshot `json:"capabilities,omitempty"`
	OAuthConnectionsInjected int                 `json:"oauthConnectionsInjected"`
}

// AckResponse acknowledges Teardown, RefreshCredentials and ForceProbe.
type AckResponse struct {
	Success      bool   `json:"success"`
	InstanceName string `json:"instanceName"`
	Message      string `json:"message,omitempty"`
}

// DiscoveryEntry describes one instance in the discovery response.
type DiscoveryEntry struct {
	InstanceID       string              `json:"instanceId"`
	InstanceName     string              `json:"instanceName"`
	ContainerID      string              `json:"containerId"`
	ContainerType    ContainerType       `json:"containerType"`
	EndpointURL      string              `json:"endpointUrl,omitempty"`
	TransportType    TransportType       `json:"transportType"`
	Capabilities     *CapabilitySnapshot `json:"capabilities,omitempty"`
	HealthStatus     HealthStatus        `json:"healthStatus"`
	OAuthConnections []string            `json:"oauthConnections"`
	LastHealthCheck  *time.Time          `json:"lastHealthCheck,omitempty"`
}

// DiscoverySummary aggregates over the MCP servers on the host.
type DiscoverySummary struct {
	TotalServers          int                   `json:"totalServers"`
	HealthyServers        int                   `json:"healthyServers"`
	TransportDistribution map[TransportType]int `json:"transportDistribution"`
	OAuthConnectionsValid *bool                 `json:"oauthConnectionsValid,omitempty"`
}

// DiscoveryResponse is returned by Discovery.
type DiscoveryResponse struct {
	Success   bool             `json:"success"`
	Instances []DiscoveryEntry `json:"instances"`
	Summary   DiscoverySummary `json:"summary"`
}

// ToolInstances splits the host's instances by container type.
type ToolInstances struct {
	StandardTools []DiscoveryEntry `json:"standardTools"`
	MCPServers    []DiscoveryEntry `json:"mcpServers"`
}

// StatusResponse is the aggregate host status.
type StatusResponse struct {
	Status        HealthStatus     `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Version       string           `json:"version"`
	Service       string           `json:"service"`
	AgentID       string           `json:"agentId"`
	ToolInstances ToolInstances    `json:"tool_instances"`
	MCPDiscovery  DiscoverySummary `json:"mcp_discovery"`
}

// HeartbeatPayload is sent to the control plane on every heartbeat tick.
type HeartbeatPayload struct {
	HeartbeatID string             `json:"heartbeatId"`
	AgentID     string             `json:"agentId"`
	Version     string             `json:"version"`
	Timestamp   time.Time          `json:"timestamp"`
	Status      HealthStatus       `json:"status"`
	Instances   []*ManagedInstance `json:"instances"`
}

// ErrorBody is the error envelope returned by the HTTP API.
type ErrorBody struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail names the failure kind and a caller-safe message.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
