// Package registry provides the InstanceRegistry, the in-process store of
// every container the agent manages.
//
// The registry is a map keyed by instance name guarded by a single
// sync.RWMutex. It hands out copies so that callers never observe a
// half-written instance, and it is rebuilt from container labels at
// startup so that an agent restart does not orphan running containers.
package registry
