package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTransportType(t *testing.T) {
	tests := []struct {
		in   string
		want TransportType
		ok   bool
	}{
		{"", TransportNone, true},
		{"stdio", TransportStdio, true},
		{"SSE", TransportSSE, true},
		{"websocket", TransportWebSocket, true},
		{"ws", TransportWebSocket, true},
		{"grpc", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTransportType(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManagedInstance_Clone(t *testing.T) {
	orig := &ManagedInstance{
		InstanceName:       "a",
		PortBindings:       []PortBinding{{HostPort: 30001, ContainerPort: 8080}},
		OAuthConnectionIDs: []string{"c1"},
		Metrics:            &HealthMetrics{Reachable: true},
		Config:             &NormalizedConfig{Env: map[string]string{"K": "V"}},
	}

	c := orig.Clone()
	c.PortBindings[0].HostPort = 1
	c.OAuthConnectionIDs[0] = "changed"
	c.Metrics.Reachable = false
	c.Config.Env["K"] = "changed"

	assert.Equal(t, 30001, orig.PortBindings[0].HostPort)
	assert.Equal(t, "c1", orig.OAuthConnectionIDs[0])
	assert.True(t, orig.Metrics.Reachable)
	assert.Equal(t, "V", orig.Config.Env["K"])
	assert.Nil(t, (*ManagedInstance)(nil).Clone())
}
