// Package config loads the agent configuration and turns deploy requests
// into normalized container configurations.
//
// # Agent configuration
//
// LoadAgentConfig starts from DefaultAgentConfig, overlays an optional YAML
// file and finally environment variables prefixed with TOOLBOX_AGENT_.
// Problems with the file are reported as *ConfigurationError.
//
// # Image catalog
//
// A Catalog maps image references (with or without tag) to default
// deployment settings. The catalog file is optional; when Watch is running,
// edits are picked up without a restart. A file that fails to parse keeps
// the previous contents.
//
// # Deploy validation
//
// Manager.Validate checks a DeployRequest, merges it onto the catalog
// defaults, decides container type and transport and reserves a host port
// for SSE and WebSocket servers. Port reservations are held by the
// PortAllocator until Manager.Release is called.
package config
