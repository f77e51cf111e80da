package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentopia/toolbox-agent/internal/api"
)

const managedLabelPrefix = "agentopia."

// NameChecker reports whether an instance name is already registered.
type NameChecker interface {
	Exists(name string) bool
}

// Manager validates deploy requests and produces NormalizedConfig values,
// the only configuration form downstream components accept.
type Manager struct {
	catalog  *Catalog
	ports    *PortAllocator
	names    NameChecker
	portHost string
}

// NewManager creates a configuration manager.
func NewManager(catalog *Catalog, ports *PortAllocator, names NameChecker, hostIP string) *Manager {
	if catalog == nil {
		catalog = NewCatalog("")
	}
	return &Manager{
		catalog:  catalog,
		ports:    ports,
		names:    names,
		portHost: hostIP,
	}
}

// Ports returns the allocator so callers can release reservations.
func (m *Manager) Ports() *PortAllocator {
	return m.ports
}

// Validate checks req, merges it with the image defaults and reserves a
// host port when the transport needs one. The caller must call Release
// with the returned config once the deploy has finished, successfully or
// not.
func (m *Manager) Validate(req api.DeployRequest) (*api.NormalizedConfig, error) {
	var errs ValidationErrors

	image := strings.TrimSpace(req.DockerImageURL)
	errs.AddError(ValidateRequired("dockerImageUrl", image, "deployment"))
	if strings.ContainsAny(image, " \t\r\n") {
		errs.Add("dockerImageUrl", "must not contain whitespace", image)
	}
	errs.AddError(ValidateMaxLength("dockerImageUrl", image, 512))
	errs.AddError(ValidateInstanceName("instanceNameOnToolbox", req.InstanceNameOnToolbox))
	errs.AddError(ValidateRequired("accountToolInstanceId", req.AccountToolInstanceID, "deployment"))

	defaults, _ := m.catalog.Lookup(image)
	merged := MergeOverride(defaults, req.BaseConfigOverride)

	for k := range merged.Labels {
		if strings.HasPrefix(k, managedLabelPrefix) {
			errs.Add("baseConfigOverride.labels", fmt.Sprintf("label %q uses the reserved %s prefix", k, managedLabelPrefix))
		}
	}
	for k := range merged.Env {
		if k == "" || strings.ContainsAny(k, "= \t") {
			errs.Add("baseConfigOverride.env", fmt.Sprintf("invalid variable name %q", k))
		}
		if strings.HasPrefix(strings.ToUpper(k), "OAUTH_") {
			errs.Add("baseConfigOverride.env", fmt.Sprintf("variable %q uses the reserved OAUTH_ prefix", k))
		}
	}

	connectionIDs, err := normalizeList(req.OAuthConnectionIDs)
	if err != nil {
		errs.Add("oauthConnectionIds", err.Error())
	}
	scopes, _ := normalizeList(req.RequiredScopes)

	cfg := &api.NormalizedConfig{
		Image:                 image,
		InstanceName:          req.InstanceNameOnToolbox,
		AccountToolInstanceID: req.AccountToolInstanceID,
		MCPServerType:         req.MCPServerType,
		Env:                   merged.Env,
		Command:               merged.Command,
		User:                  merged.User,
		Labels:                merged.Labels,
		OAuthConnectionIDs:    connectionIDs,
		RequiredScopes:        scopes,
		Replace:               req.Replace,
	}

	isMCP := req.MCPServerType != "" || req.MCPTransportType != ""
	if req.Port != 0 {
		errs.AddError(ValidatePort("port", req.Port))
	}

	if !isMCP {
		cfg.ContainerType = api.ContainerTypeStandardTool
		cfg.TransportType = api.TransportNone
	} else {
		cfg.ContainerType = api.ContainerTypeMCPServer
		m.resolveTransport(req, merged, cfg, &errs)
	}

	if errs.HasErrors() {
		return nil, errs.ToAPIError()
	}

	if m.names != nil && m.names.Exists(cfg.InstanceName) && !req.Replace {
		return nil, api.NewError(api.KindConflict, "instance %q already exists on this toolbox", cfg.InstanceName)
	}

	if err := m.bindPort(req, merged, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (m *Manager) resolveTransport(req api.DeployRequest, merged api.ConfigOverride, cfg *api.NormalizedConfig, errs *ValidationErrors) {
	raw := req.MCPTransportType
	if raw == "" {
		raw = merged.Transport
	}
	if raw == "" {
		raw = string(api.TransportStdio)
	}

	transport, ok := api.ParseTransportType(raw)
	if !ok || transport == api.TransportNone {
		errs.Add("mcpTransportType", "must be one of: stdio, sse, websocket", raw)
		return
	}
	cfg.TransportType = transport

	endpoint := req.MCPEndpointPath
	if endpoint == "" {
		endpoint = merged.EndpointPath
	}

	switch transport {
	case api.TransportStdio:
		if req.Port != 0 {
			errs.Add("port", "stdio servers are reached through exec and take no port binding", req.Port)
		}
		var command []string
		switch {
		case req.MCPEndpointPath != "":
			command = strings.Fields(req.MCPEndpointPath)
		case len(merged.StdioCommand) > 0:
			command = merged.StdioCommand
		case merged.EndpointPath != "":
			command = strings.Fields(merged.EndpointPath)
		default:
			command = []string{DefaultStdioCommand}
		}
		cfg.StdioCommand = command
		cfg.EndpointPath = strings.Join(command, " ")

	case api.TransportSSE, api.TransportWebSocket:
		if endpoint == "" {
			endpoint = DefaultSSEEndpoint
			if transport == api.TransportWebSocket {
				endpoint = DefaultWebSocketEndpoint
			}
		}
		if !strings.HasPrefix(endpoint, "/") {
			errs.Add("mcpEndpointPath", "must start with '/'", endpoint)
		}
		cfg.EndpointPath = endpoint
	}
}

// bindPort fills PortBindings. SSE and WebSocket servers get exactly one
// binding, auto-allocated from the reserved range when req.Port is unset.
func (m *Manager) bindPort(req api.DeployRequest, merged api.ConfigOverride, cfg *api.NormalizedConfig) error {
	containerPort := merged.ContainerPort
	if containerPort == 0 {
		containerPort = DefaultContainerPort
	}

	needsPort := cfg.TransportType.NeedsPort() || (cfg.ContainerType == api.ContainerTypeStandardTool && req.Port != 0)
	if !needsPort {
		return nil
	}
	if m.ports == nil {
		return api.NewError(api.KindInternal, "no port allocator configured")
	}

	hostPort := req.Port
	if hostPort != 0 {
		if err := m.ports.Reserve(cfg.InstanceName, hostPort); err != nil {
			return err
		}
	} else {
		port, err := m.ports.Allocate(cfg.InstanceName)
		if err != nil {
			return err
		}
		hostPort = port
	}

	cfg.PortBindings = []api.PortBinding{{
		HostIP:        m.portHost,
		HostPort:      hostPort,
		ContainerPort: containerPort,
		Protocol:      "tcp",
	}}
	return nil
}

// Release drops the port reservations held for cfg.
func (m *Manager) Release(cfg *api.NormalizedConfig) {
	if cfg == nil || m.ports == nil {
		return
	}
	for _, pb := range cfg.PortBindings {
		m.ports.Release(pb.HostPort)
	}
}

// MergeOverride merges override onto base key by key: env and label maps
// are merged with override values winning, scalars and lists are replaced
// when set.
func MergeOverride(base api.ConfigOverride, override *api.ConfigOverride) api.ConfigOverride {
	out := api.ConfigOverride{
		Env:           mergeMaps(base.Env, nil),
		Command:       append([]string(nil), base.Command...),
		ContainerPort: base.ContainerPort,
		EndpointPath:  base.EndpointPath,
		StdioCommand:  append([]string(nil), base.StdioCommand...),
		User:          base.User,
		Labels:        mergeMaps(base.Labels, nil),
		Transport:     base.Transport,
	}
	if override == nil {
		return out
	}

	out.Env = mergeMaps(out.Env, override.Env)
	out.Labels = mergeMaps(out.Labels, override.Labels)
	if len(override.Command) > 0 {
		out.Command = append([]string(nil), override.Command...)
	}
	if override.ContainerPort != 0 {
		out.ContainerPort = override.ContainerPort
	}
	if override.EndpointPath != "" {
		out.EndpointPath = override.EndpointPath
	}
	if len(override.StdioCommand) > 0 {
		out.StdioCommand = append([]string(nil), override.StdioCommand...)
	}
	if override.User != "" {
		out.User = override.User
	}
	if override.Transport != "" {
		out.Transport = override.Transport
	}
	return out
}

func mergeMaps(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// normalizeList trims, de-duplicates and sorts ids. Empty entries are rejected.
func normalizeList(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("must not contain empty entries")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// NormalizeConnectionIDs validates a caller-supplied connection id list.
// nil means "unchanged" and stays nil; an empty list stays empty.
func NormalizeConnectionIDs(ids []string) ([]string, error) {
	if ids == nil {
		return nil, nil
	}
	out, err := normalizeList(ids)
	if err != nil {
		var errs ValidationErrors
		errs.Add("oauthConnectionIds", err.Error())
		return nil, errs.ToAPIError()
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
