package orchestrator

import (
	"fmt"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/discovery"
	"github.com/agentopia/toolbox-agent/internal/health"
)

// Discovery lists every managed instance with its capabilities and health.
// The summary counts MCP servers only.
func (o *Orchestrator) Discovery() *api.DiscoveryResponse {
	instances := o.registry.List()
	entries := make([]api.DiscoveryEntry, 0, len(instances))
	for _, inst := range instances {
		entries = append(entries, o.entry(inst))
	}
	return &api.DiscoveryResponse{
		Success:   true,
		Instances: entries,
		Summary:   o.summary(instances),
	}
}

// GetStatus returns the aggregate status of the host.
func (o *Orchestrator) GetStatus() *api.StatusResponse {
	instances := o.registry.List()

	statuses := make([]api.HealthStatus, 0, len(instances))
	tools := api.ToolInstances{
		StandardTools: []api.DiscoveryEntry{},
		MCPServers:    []api.DiscoveryEntry{},
	}
	for _, inst := range instances {
		statuses = append(statuses, inst.HealthStatus)
		if inst.IsMCPServer() {
			tools.MCPServers = append(tools.MCPServers, o.entry(inst))
		} else {
			tools.StandardTools = append(tools.StandardTools, o.entry(inst))
		}
	}

	return &api.StatusResponse{
		Status:        health.Rollup(statuses),
		Timestamp:     o.now().UTC(),
		Version:       o.opts.Version,
		Service:       ServiceName,
		AgentID:       o.opts.AgentID,
		ToolInstances: tools,
		MCPDiscovery:  o.summary(instances),
	}
}

func (o *Orchestrator) summary(instances []*api.ManagedInstance) api.DiscoverySummary {
	s := api.DiscoverySummary{TransportDistribution: map[api.TransportType]int{}}

	withConnections := 0
	allValid := true
	for _, inst := range instances {
		if len(inst.OAuthConnectionIDs) > 0 {
			withConnections++
			allValid = allValid && o.credentials.ConnectionsValid(inst.InstanceName)
		}
		if !inst.IsMCPServer() {
			continue
		}
		s.TotalServers++
		if inst.HealthStatus == api.HealthHealthy {
			s.HealthyServers++
		}
		s.TransportDistribution[inst.TransportType]++
	}
	if withConnections > 0 {
		s.OAuthConnectionsValid = &allValid
	}
	return s
}

func (o *Orchestrator) entry(inst *api.ManagedInstance) api.DiscoveryEntry {
	e := api.DiscoveryEntry{
		InstanceID:       inst.InstanceID,
		InstanceName:     inst.InstanceName,
		ContainerID:      inst.ContainerID,
		ContainerType:    inst.ContainerType,
		EndpointURL:      o.endpointURL(inst),
		TransportType:    inst.TransportType,
		Capabilities:     inst.Capabilities,
		HealthStatus:     inst.HealthStatus,
		OAuthConnections: append([]string{}, inst.OAuthConnectionIDs...),
	}
	if !inst.LastHealthCheckAt.IsZero() {
		t := inst.LastHealthCheckAt
		e.LastHealthCheck = &t
	}
	return e
}

// endpointURL is how a client on the host reaches the server: the
// published port for network transports, the exec target for stdio.
func (o *Orchestrator) endpointURL(inst *api.ManagedInstance) string {
	switch inst.TransportType {
	case api.TransportSSE, api.TransportWebSocket:
		if inst.HostPort() == 0 {
			return ""
		}
		return discovery.TargetFor(inst, o.opts.ProbeHost).URL()
	case api.TransportStdio:
		return fmt.Sprintf("stdio://%s", inst.InstanceName)
	}
	if port := inst.HostPort(); port != 0 {
		return discovery.TargetFor(inst, o.opts.ProbeHost).URL()
	}
	return ""
}
