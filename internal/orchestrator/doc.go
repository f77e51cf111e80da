// Package orchestrator implements the operations the control plane runs on
// a toolbox host: deploy, teardown, credential refresh, discovery, status
// and forced probes.
//
// Mutating operations on one instance name are serialized by a keyed
// mutex, so a teardown can never race an in-flight refresh of the same
// instance. Operations on different instances run in parallel, bounded by a
// weighted semaphore that protects the container daemon.
//
// Deploy is all-or-nothing: credentials are fetched before any container
// exists, and a container created by a deploy that later fails or is
// cancelled is removed before Deploy returns.
package orchestrator
