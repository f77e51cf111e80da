package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/discovery"
)

func TestFuse(t *testing.T) {
	mcp := api.ContainerTypeMCPServer
	tool := api.ContainerTypeStandardTool

	tests := []struct {
		name    string
		signals Signals
		want    api.HealthStatus
	}{
		{"absent container", Signals{ContainerType: mcp, Discovery: discovery.StateDiscovered}, api.HealthStopped},
		{"absent beats unreachable", Signals{ContainerType: mcp, Discovery: discovery.StateUnreachable}, api.HealthStopped},
		{"unreachable", Signals{ContainerType: mcp, ContainerRunning: true, Discovery: discovery.StateUnreachable}, api.HealthUnhealthy},
		{"stale", Signals{ContainerType: mcp, ContainerRunning: true, Discovery: discovery.StateStale}, api.HealthDegraded},
		{"discovered", Signals{ContainerType: mcp, ContainerRunning: true, Discovery: discovery.StateDiscovered}, api.HealthHealthy},
		{"discovered ignores age", Signals{ContainerType: mcp, ContainerRunning: true, Discovery: discovery.StateDiscovered, Age: time.Hour}, api.HealthHealthy},
		{"young and unprobed", Signals{ContainerType: mcp, ContainerRunning: true, Discovery: discovery.StateStarting, Age: 10 * time.Second}, api.HealthStarting},
		{"grace boundary", Signals{ContainerType: mcp, ContainerRunning: true, Discovery: discovery.StateStarting, Age: 30 * time.Second}, api.HealthUnhealthy},
		{"old and unprobed", Signals{ContainerType: mcp, ContainerRunning: true, Age: time.Minute}, api.HealthUnhealthy},
		{"custom grace", Signals{ContainerType: mcp, ContainerRunning: true, Age: time.Minute, StartupGrace: 2 * time.Minute}, api.HealthStarting},
		{"standard tool running", Signals{ContainerType: tool, ContainerRunning: true}, api.HealthHealthy},
		{"standard tool stopped", Signals{ContainerType: tool}, api.HealthStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fuse(tt.signals))
		})
	}
}

var allStatuses = []api.HealthStatus{
	api.HealthStarting,
	api.HealthHealthy,
	api.HealthDegraded,
	api.HealthUnhealthy,
	api.HealthStopping,
	api.HealthStopped,
}

// combinations returns every sequence of up to n statuses.
func combinations(n int) [][]api.HealthStatus {
	out := [][]api.HealthStatus{{}}
	frontier := [][]api.HealthStatus{{}}
	for i := 0; i < n; i++ {
		var next [][]api.HealthStatus
		for _, prefix := range frontier {
			for _, s := range allStatuses {
				combo := append(append([]api.HealthStatus(nil), prefix...), s)
				next = append(next, combo)
			}
		}
		out = append(out, next...)
		frontier = next
	}
	return out
}

func TestRollup_Law(t *testing.T) {
	combos := combinations(3)
	assert.Len(t, combos, 1+6+36+216)

	for _, combo := range combos {
		got := Rollup(combo)

		allHealthy, anyUnhealthy, anyDegraded := true, false, false
		for _, s := range combo {
			allHealthy = allHealthy && s == api.HealthHealthy
			anyUnhealthy = anyUnhealthy || s == api.HealthUnhealthy
			anyDegraded = anyDegraded || s == api.HealthDegraded
		}

		assert.Equal(t, allHealthy, got == api.HealthHealthy, "healthy iff all healthy: %v", combo)
		assert.Equal(t, anyUnhealthy, got == api.HealthUnhealthy, "unhealthy iff any unhealthy: %v", combo)
		if anyDegraded && !anyUnhealthy {
			assert.Equal(t, api.HealthDegraded, got, "degraded without unhealthy: %v", combo)
		}
		if !allHealthy && !anyUnhealthy {
			assert.Equal(t, api.HealthDegraded, got, "remaining mixes are degraded: %v", combo)
		}
		assert.Contains(t, []api.HealthStatus{api.HealthHealthy, api.HealthDegraded, api.HealthUnhealthy}, got)
	}
}

func TestRollup_OrderIndependent(t *testing.T) {
	for _, combo := range combinations(3) {
		if len(combo) < 2 {
			continue
		}
		reversed := make([]api.HealthStatus, len(combo))
		for i, s := range combo {
			reversed[len(combo)-1-i] = s
		}
		assert.Equal(t, Rollup(combo), Rollup(reversed), "%v", combo)
	}
}

func TestRollup_EmptyHostIsHealthy(t *testing.T) {
	assert.Equal(t, api.HealthHealthy, Rollup(nil))
}
