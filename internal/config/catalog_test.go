package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentopia/toolbox-agent/internal/api"
)

const catalogYAML = `
images:
  ghcr.io/acme/weather-mcp:
    transport: sse
    containerPort: 9000
    env:
      LOG_LEVEL: info
  ghcr.io/acme/weather-mcp:beta:
    transport: websocket
`

func TestImageRepository(t *testing.T) {
	tests := map[string]string{
		"alpine":                          "alpine",
		"alpine:3.20":                     "alpine",
		"ghcr.io/acme/mcp:1.2":            "ghcr.io/acme/mcp",
		"localhost:5000/mcp":              "localhost:5000/mcp",
		"localhost:5000/mcp:dev":          "localhost:5000/mcp",
		"ghcr.io/acme/mcp@sha256:abcdef0": "ghcr.io/acme/mcp",
	}
	for in, want := range tests {
		assert.Equal(t, want, ImageRepository(in), in)
	}
}

func TestCatalog_LoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := createTempConfigFile(t, dir, "images.yaml", catalogYAML)

	c := NewCatalog(path)
	require.NoError(t, c.Load())
	assert.Equal(t, 2, c.Len())

	d, ok := c.Lookup("ghcr.io/acme/weather-mcp:1.0")
	require.True(t, ok)
	assert.Equal(t, "sse", d.Transport)
	assert.Equal(t, 9000, d.ContainerPort)
	assert.Equal(t, "info", d.Env["LOG_LEVEL"])

	d, ok = c.Lookup("ghcr.io/acme/weather-mcp:beta")
	require.True(t, ok)
	assert.Equal(t, "websocket", d.Transport, "tag-specific entry wins")

	_, ok = c.Lookup("docker.io/library/alpine")
	assert.False(t, ok)
}

func TestCatalog_LoadErrorsKeepPrevious(t *testing.T) {
	dir := t.TempDir()
	path := createTempConfigFile(t, dir, "images.yaml", catalogYAML)

	c := NewCatalog(path)
	require.NoError(t, c.Load())

	require.NoError(t, os.WriteFile(path, []byte("images:\n  x:\n    transport: carrier-pigeon\n"), 0o644))
	err := c.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
	assert.Equal(t, 2, c.Len())

	require.NoError(t, os.Remove(path))
	require.NoError(t, c.Load())
	assert.Equal(t, 0, c.Len(), "a missing file means an empty catalog")
}

func TestCatalog_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "images.yaml")

	c := NewCatalog(path)
	c.debounceInterval = 10 * time.Millisecond
	require.NoError(t, c.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))

	assert.Eventually(t, func() bool {
		_, ok := c.Lookup("ghcr.io/acme/weather-mcp")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMergeOverride(t *testing.T) {
	base := api.ConfigOverride{
		Env:           map[string]string{"A": "1", "B": "2"},
		Command:       []string{"serve"},
		ContainerPort: 9000,
		EndpointPath:  "/events",
		User:          "app",
	}
	override := &api.ConfigOverride{
		Env:           map[string]string{"B": "override", "C": "3"},
		ContainerPort: 7000,
	}

	merged := MergeOverride(base, override)
	assert.Equal(t, map[string]string{"A": "1", "B": "override", "C": "3"}, merged.Env)
	assert.Equal(t, []string{"serve"}, merged.Command)
	assert.Equal(t, 7000, merged.ContainerPort)
	assert.Equal(t, "/events", merged.EndpointPath)
	assert.Equal(t, "app", merged.User)

	merged.Env["A"] = "mutated"
	assert.Equal(t, "1", base.Env["A"], "merge does not alias the base")
}
