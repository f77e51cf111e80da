// Package health derives the health of every managed instance and of the
// host as a whole, and reports both to the control plane.
//
// Instance health is fused from two signals, the container state reported
// by the runtime and the discovery state of MCP servers, using a fixed
// table where the first matching row wins (see Fuse). The host status is a
// rollup of the instance statuses (see Rollup).
//
// The Monitor runs the heartbeat: on every tick it reconciles the registry
// with the runtime, updates instance health, purges instances whose
// container has been gone for a full tick and sends a heartbeat to the
// configured Sink. Heartbeat failures are logged and retried on the next
// tick; they never block container management.
package health
