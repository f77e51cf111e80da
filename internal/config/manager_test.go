package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentopia/toolbox-agent/internal/api"
)

type fakeNames map[string]bool

func (f fakeNames) Exists(name string) bool { return f[name] }

func newTestManager(existing ...string) *Manager {
	names := fakeNames{}
	for _, n := range existing {
		names[n] = true
	}
	catalog := NewCatalog("")
	catalog.Set("ghcr.io/acme/weather-mcp", api.ConfigOverride{
		Transport:     "sse",
		ContainerPort: 9000,
		Env:           map[string]string{"LOG_LEVEL": "info", "REGION": "eu"},
	})
	catalog.Set("ghcr.io/acme/files-mcp", api.ConfigOverride{
		StdioCommand: []string{"node", "server.js", "--stdio"},
	})
	return NewManager(catalog, newTestAllocator(30000, 30999, nil), names, "")
}

func validRequest() api.DeployRequest {
	return api.DeployRequest{
		DockerImageURL:        "ghcr.io/acme/tool:1",
		InstanceNameOnToolbox: "tool-1",
		AccountToolInstanceID: "ati-1",
	}
}

func TestManager_Validate_Table(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(r *api.DeployRequest)
		existing []string
		wantKind api.ErrorKind
		check    func(t *testing.T, cfg *api.NormalizedConfig)
	}{
		{
			name: "standard tool",
			check: func(t *testing.T, cfg *api.NormalizedConfig) {
				assert.Equal(t, api.ContainerTypeStandardTool, cfg.ContainerType)
				assert.Equal(t, api.TransportNone, cfg.TransportType)
				assert.Empty(t, cfg.PortBindings)
			},
		},
		{
			name:     "missing image",
			mutate:   func(r *api.DeployRequest) { r.DockerImageURL = "" },
			wantKind: api.KindValidation,
		},
		{
			name:     "missing owner",
			mutate:   func(r *api.DeployRequest) { r.AccountToolInstanceID = " " },
			wantKind: api.KindValidation,
		},
		{
			name:     "bad name",
			mutate:   func(r *api.DeployRequest) { r.InstanceNameOnToolbox = "-starts-with-dash" },
			wantKind: api.KindValidation,
		},
		{
			name:     "name too long",
			mutate:   func(r *api.DeployRequest) { r.InstanceNameOnToolbox = strings.Repeat("a", 64) },
			wantKind: api.KindValidation,
		},
		{
			name:     "unknown transport",
			mutate:   func(r *api.DeployRequest) { r.MCPTransportType = "grpc" },
			wantKind: api.KindValidation,
		},
		{
			name: "stdio with port rejected",
			mutate: func(r *api.DeployRequest) {
				r.MCPTransportType = "stdio"
				r.Port = 30010
			},
			wantKind: api.KindValidation,
		},
		{
			name:   "stdio defaults",
			mutate: func(r *api.DeployRequest) { r.MCPTransportType = "stdio" },
			check: func(t *testing.T, cfg *api.NormalizedConfig) {
				assert.Equal(t, api.ContainerTypeMCPServer, cfg.ContainerType)
				assert.Equal(t, api.TransportStdio, cfg.TransportType)
				assert.Equal(t, []string{"mcp-server"}, cfg.StdioCommand)
				assert.Equal(t, "mcp-server", cfg.EndpointPath)
				assert.Empty(t, cfg.PortBindings)
			},
		},
		{
			name:   "server type alone means stdio",
			mutate: func(r *api.DeployRequest) { r.MCPServerType = "github" },
			check: func(t *testing.T, cfg *api.NormalizedConfig) {
				assert.Equal(t, api.TransportStdio, cfg.TransportType)
			},
		},
		{
			name: "stdio command from catalog",
			mutate: func(r *api.DeployRequest) {
				r.DockerImageURL = "ghcr.io/acme/files-mcp:2"
				r.MCPServerType = "files"
			},
			check: func(t *testing.T, cfg *api.NormalizedConfig) {
				assert.Equal(t, []string{"node", "server.js", "--stdio"}, cfg.StdioCommand)
			},
		},
		{
			name:   "sse auto allocates a port",
			mutate: func(r *api.DeployRequest) { r.MCPTransportType = "sse" },
			check: func(t *testing.T, cfg *api.NormalizedConfig) {
				require.Len(t, cfg.PortBindings, 1)
				assert.GreaterOrEqual(t, cfg.PortBindings[0].HostPort, 30000)
				assert.LessOrEqual(t, cfg.PortBindings[0].HostPort, 30999)
				assert.Equal(t, 8080, cfg.PortBindings[0].ContainerPort)
				assert.Equal(t, "/sse", cfg.EndpointPath)
			},
		},
		{
			name: "websocket explicit port",
			mutate: func(r *api.DeployRequest) {
				r.MCPTransportType = "ws"
				r.Port = 8765
			},
			check: func(t *testing.T, cfg *api.NormalizedConfig) {
				assert.Equal(t, api.TransportWebSocket, cfg.TransportType)
				assert.Equal(t, "/ws", cfg.EndpointPath)
				assert.Equal(t, 8765, cfg.HostPort())
			},
		},
		{
			name: "endpoint must be a path",
			mutate: func(r *api.DeployRequest) {
				r.MCPTransportType = "sse"
				r.MCPEndpointPath = "events"
			},
			wantKind: api.KindValidation,
		},
		{
			name: "catalog defaults merged with override",
			mutate: func(r *api.DeployRequest) {
				r.DockerImageURL = "ghcr.io/acme/weather-mcp:1.4"
				r.MCPServerType = "weather"
				r.BaseConfigOverride = &api.ConfigOverride{Env: map[string]string{"REGION": "us"}}
			},
			check: func(t *testing.T, cfg *api.NormalizedConfig) {
				assert.Equal(t, api.TransportSSE, cfg.TransportType)
				assert.Equal(t, 9000, cfg.PortBindings[0].ContainerPort)
				assert.Equal(t, map[string]string{"LOG_LEVEL": "info", "REGION": "us"}, cfg.Env)
			},
		},
		{
			name: "reserved label prefix",
			mutate: func(r *api.DeployRequest) {
				r.BaseConfigOverride = &api.ConfigOverride{Labels: map[string]string{"agentopia.managed_by": "x"}}
			},
			wantKind: api.KindValidation,
		},
		{
			name: "reserved env prefix",
			mutate: func(r *api.DeployRequest) {
				r.BaseConfigOverride = &api.ConfigOverride{Env: map[string]string{"OAUTH_GITHUB_ACCESS_TOKEN": "x"}}
			},
			wantKind: api.KindValidation,
		},
		{
			name:   "connection ids are normalized",
			mutate: func(r *api.DeployRequest) { r.OAuthConnectionIDs = []string{" c2", "c1", "c2"} },
			check: func(t *testing.T, cfg *api.NormalizedConfig) {
				assert.Equal(t, []string{"c1", "c2"}, cfg.OAuthConnectionIDs)
			},
		},
		{
			name:     "empty connection id",
			mutate:   func(r *api.DeployRequest) { r.OAuthConnectionIDs = []string{""} },
			wantKind: api.KindValidation,
		},
		{
			name:     "duplicate name",
			existing: []string{"tool-1"},
			wantKind: api.KindConflict,
		},
		{
			name:     "duplicate name with replace",
			mutate:   func(r *api.DeployRequest) { r.Replace = true },
			existing: []string{"tool-1"},
			check: func(t *testing.T, cfg *api.NormalizedConfig) {
				assert.True(t, cfg.Replace)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(tt.existing...)
			req := validRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			cfg, err := m.Validate(req)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, api.KindOf(err))
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestManager_ReleaseFreesReservation(t *testing.T) {
	m := NewManager(nil, newTestAllocator(30000, 30000, nil), fakeNames{}, "")

	req := validRequest()
	req.MCPTransportType = "sse"
	cfg, err := m.Validate(req)
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.HostPort())

	req.InstanceNameOnToolbox = "tool-2"
	_, err = m.Validate(req)
	require.Error(t, err, "range exhausted while the first deploy is in flight")

	m.Release(cfg)
	cfg2, err := m.Validate(req)
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg2.HostPort())
}

func TestManager_ValidationErrorListsFields(t *testing.T) {
	m := newTestManager()
	_, err := m.Validate(api.DeployRequest{})
	require.Error(t, err)
	msg := api.PublicMessage(err)
	assert.Contains(t, msg, "dockerImageUrl")
	assert.Contains(t, msg, "instanceNameOnToolbox")
	assert.Contains(t, msg, "accountToolInstanceId")
}

func TestNormalizeConnectionIDs(t *testing.T) {
	ids, err := NormalizeConnectionIDs(nil)
	require.NoError(t, err)
	assert.Nil(t, ids)

	ids, err = NormalizeConnectionIDs([]string{})
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)

	ids, err = NormalizeConnectionIDs([]string{"b", " a ", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	_, err = NormalizeConnectionIDs([]string{"a", " "})
	assert.Equal(t, api.KindValidation, api.KindOf(err))
}
