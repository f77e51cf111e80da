// Package app bootstraps and runs the toolbox agent.
//
// NewApplication loads the agent configuration (YAML file, then
// TOOLBOX_AGENT_* environment overrides, then flags), configures logging and
// wires the services in dependency order:
//
//	metrics -> container runtime -> registry -> catalog + port allocator
//	  -> credential broker + injector -> discovery engine -> orchestrator
//	  -> health monitor + heartbeat sink -> HTTP server
//
// Run first rebuilds the registry from the labels of the containers this
// agent owns, so a restarted agent picks up where it left off. It then
// starts the discovery scheduler, the heartbeat loop and the HTTP server and
// blocks until the context is cancelled. Shutdown stops the schedulers and
// drains the server; managed containers keep running.
package app
