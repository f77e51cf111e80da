package health

import (
	"time"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/discovery"
)

// DefaultStartupGrace is how long an MCP server may stay unprobed before it
// counts as unhealthy.
const DefaultStartupGrace = 30 * time.Second

// Signals are the inputs to Fuse for one instance.
type Signals struct {
	ContainerType    api.ContainerType
	ContainerRunning bool
	Discovery        discovery.State
	Age              time.Duration
	StartupGrace     time.Duration
}

// Fuse maps the container and discovery signals of one instance to a
// health status. The first matching row wins:
//
//	container absent or exited          -> Stopped
//	running, discovery Unreachable      -> Unhealthy
//	running, discovery Stale            -> Degraded
//	running, discovery Discovered       -> Healthy
//	running, not yet discovered, age < grace  -> Starting
//	running, not yet discovered, age >= grace -> Unhealthy
//
// Standard tools have no discovery signal and are Healthy while running.
func Fuse(s Signals) api.HealthStatus {
	if !s.ContainerRunning {
		return api.HealthStopped
	}
	if s.ContainerType != api.ContainerTypeMCPServer {
		return api.HealthHealthy
	}

	grace := s.StartupGrace
	if grace <= 0 {
		grace = DefaultStartupGrace
	}

	switch s.Discovery {
	case discovery.StateUnreachable:
		return api.HealthUnhealthy
	case discovery.StateStale:
		return api.HealthDegraded
	case discovery.StateDiscovered:
		return api.HealthHealthy
	}
	if s.Age < grace {
		return api.HealthStarting
	}
	return api.HealthUnhealthy
}

// Rollup derives the host status from the instance statuses.
//
// An empty host and a host where everything is Healthy are Healthy. Any
// Unhealthy instance makes the host Unhealthy. Every other mix, including
// instances that are still Starting or already Stopped, is Degraded.
func Rollup(statuses []api.HealthStatus) api.HealthStatus {
	allHealthy := true
	for _, s := range statuses {
		if s == api.HealthUnhealthy {
			return api.HealthUnhealthy
		}
		if s != api.HealthHealthy {
			allHealthy = false
		}
	}
	if allHealthy {
		return api.HealthHealthy
	}
	return api.HealthDegraded
}
