// Package controlplane delivers heartbeats to the control plane.
//
// HTTPSink posts each heartbeat as JSON. Heartbeats carry a unique id and
// the complete host state, so the receiver can treat them idempotently and
// a lost heartbeat is simply superseded by the next one. LogSink is used
// when no control-plane URL is configured.
package controlplane
