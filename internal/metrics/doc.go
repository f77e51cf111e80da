// Package metrics exposes the agent's current state as Prometheus metrics.
package metrics
