package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentopia/toolbox-agent/internal/api"
)

func sampleStatus() api.StatusResponse {
	valid := true
	return api.StatusResponse{
		Status:  api.HealthDegraded,
		Version: "1.2.3",
		Service: "toolbox-agent",
		AgentID: "host-7",
		ToolInstances: api.ToolInstances{
			MCPServers: []api.DiscoveryEntry{{
				InstanceName:  "weather",
				ContainerID:   "0123456789abcdef0123",
				ContainerType: api.ContainerTypeMCPServer,
				TransportType: api.TransportSSE,
				EndpointURL:   "http://127.0.0.1:30000/sse",
				HealthStatus:  api.HealthHealthy,
				Capabilities:  &api.CapabilitySnapshot{Tools: []api.ToolInfo{{Name: "forecast"}, {Name: "alerts"}}},
			}},
			StandardTools: []api.DiscoveryEntry{{
				InstanceName:  "converter",
				ContainerType: api.ContainerTypeStandardTool,
				TransportType: api.TransportNone,
				HealthStatus:  api.HealthStarting,
			}},
		},
		MCPDiscovery: api.DiscoverySummary{
			TotalServers:          1,
			HealthyServers:        1,
			TransportDistribution: map[api.TransportType]int{api.TransportSSE: 1},
			OAuthConnectionsValid: &valid,
		},
	}
}

func newStatusServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorBody{Error: api.ErrorDetail{Kind: api.KindUnauthorized, Message: "invalid bearer token"}})
			return
		}
		_ = json.NewEncoder(w).Encode(sampleStatus())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func executeStatus(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newStatusCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand_Table(t *testing.T) {
	text.DisableColors()
	defer text.EnableColors()
	srv := newStatusServer(t, "tok")

	out, err := executeStatus(t, "--addr", srv.URL, "--token", "tok")
	require.NoError(t, err)

	assert.Contains(t, out, "Host: degraded")
	assert.Contains(t, out, "agent host-7")
	assert.Contains(t, out, "1/1 healthy")
	assert.Contains(t, out, "sse=1")
	assert.Contains(t, out, "oauth valid")
	assert.Contains(t, out, "weather")
	assert.Contains(t, out, "converter")
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "http://127.0.0.1:30000/sse")
}

func TestStatusCommand_JSON(t *testing.T) {
	srv := newStatusServer(t, "tok")
	t.Setenv("TOOLBOX_AGENT_API_TOKEN", "tok")

	out, err := executeStatus(t, "--addr", srv.URL+"/", "-o", "json")
	require.NoError(t, err)

	var got api.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "host-7", got.AgentID)
}

func TestStatusCommand_Errors(t *testing.T) {
	srv := newStatusServer(t, "tok")

	_, err := executeStatus(t, "--addr", srv.URL, "--token", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid bearer token")

	_, err = executeStatus(t, "--addr", srv.URL, "--token", "tok", "-o", "yaml")
	assert.Error(t, err)

	srv.Close()
	_, err = executeStatus(t, "--addr", srv.URL, "--token", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestRenderStatus_Empty(t *testing.T) {
	text.DisableColors()
	defer text.EnableColors()

	var buf bytes.Buffer
	renderStatus(&buf, &api.StatusResponse{Status: api.HealthHealthy, AgentID: "host-7"})
	assert.Contains(t, buf.String(), "No instances on this host")
	assert.Contains(t, buf.String(), "oauth n/a")
}
