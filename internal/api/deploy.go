package api

import (
	"sort"
)

// DeployRequest is the payload the control plane sends to create an
// instance on this host.
type DeployRequest struct {
	DockerImageURL        string          `json:"dockerImageUrl"`
	InstanceNameOnToolbox string          `json:"instanceNameOnToolbox"`
	AccountToolInstanceID string          `json:"accountToolInstanceId"`
	MCPServerType         string          `json:"mcpServerType,omitempty"`
	MCPTransportType      string          `json:"mcpTransportType,omitempty"`
	MCPEndpointPath       string          `json:"mcpEndpointPath,omitempty"`
	OAuthConnectionIDs    []string        `json:"oauthConnectionIds,omitempty"`
	RequiredScopes        []string        `json:"requiredScopes,omitempty"`
	BaseConfigOverride    *ConfigOverride `json:"baseConfigOverride,omitempty"`
	Port                  int             `json:"port,omitempty"`
	Replace               bool            `json:"replace,omitempty"`
}

// RefreshCredentialsRequest asks for a credential refresh of one instance.
// A nil ConnectionIDs keeps the current set; an empty list removes every
// connection.
type RefreshCredentialsRequest struct {
	AccountToolInstanceID string   `json:"accountToolInstanceId,omitempty"`
	ConnectionIDs         []string `json:"connectionIds"`
}

// ConfigOverride holds per-deployment settings that win over the image
// defaults key by key.
type ConfigOverride struct {
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Command       []string          `json:"command,omitempty" yaml:"command,omitempty"`
	ContainerPort int               `json:"containerPort,omitempty" yaml:"containerPort,omitempty"`
	EndpointPath  string            `json:"endpointPath,omitempty" yaml:"endpointPath,omitempty"`
	StdioCommand  []string          `json:"stdioCommand,omitempty" yaml:"stdioCommand,omitempty"`
	User          string            `json:"user,omitempty" yaml:"user,omitempty"`
	Labels        map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Transport     string            `json:"transport,omitempty" yaml:"transport,omitempty"`
}

// NormalizedConfig is the validated, defaults-merged form of a
// DeployRequest. It never contains credential material and is the only
// configuration form downstream components accept.
type NormalizedConfig struct {
	Image                 string            `json:"image"`
	InstanceName          string            `json:"instanceName"`
	AccountToolInstanceID string            `json:"accountToolInstanceId"`
	ContainerType         ContainerType     `json:"containerType"`
	TransportType         TransportType     `json:"transportType"`
	MCPServerType         string            `json:"mcpServerType,omitempty"`
	EndpointPath          string            `json:"endpointPath,omitempty"`
	StdioCommand          []string          `json:"stdioCommand,omitempty"`
	PortBindings          []PortBinding     `json:"portBindings,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
	Command               []string          `json:"command,omitempty"`
	User                  string            `json:"user,omitempty"`
	Labels                map[string]string `json:"labels,omitempty"`
	OAuthConnectionIDs    []string          `json:"oauthConnectionIds,omitempty"`
	RequiredScopes        []string          `json:"requiredScopes,omitempty"`
	Replace               bool              `json:"replace,omitempty"`
}

// IsMCPServer reports whether the config describes an MCP server.
func (c *NormalizedConfig) IsMCPServer() bool {
	return c.ContainerType == ContainerTypeMCPServer
}

// HostPort returns the first bound host port, or 0.
func (c *NormalizedConfig) HostPort() int {
	if len(c.PortBindings) == 0 {
		return 0
	}
	return c.PortBindings[0].HostPort
}

// EnvKeys returns the env keys in sorted order.
func (c *NormalizedConfig) EnvKeys() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (c *NormalizedConfig) Clone() *NormalizedConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.StdioCommand = append([]string(nil), c.StdioCommand...)
	out.PortBindings = append([]PortBinding(nil), c.PortBindings...)
	out.Command = append([]string(nil), c.Command...)
	out.OAuthConnectionIDs = append([]string(nil), c.OAuthConnectionIDs...)
	out.RequiredScopes = append([]string(nil), c.RequiredScopes...)
	out.Env = copyStringMap(c.Env)
	out.Labels = copyStringMap(c.Labels)
	return &out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
