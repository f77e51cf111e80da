package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/containerizer"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

const registrySubsystem = "Registry"

// ContainerLister is the part of the runtime the registry needs to rebuild
// itself.
type ContainerLister interface {
	List(ctx context.Context, filter containerizer.ListFilter) ([]containerizer.ContainerInfo, error)
}

// Registry holds every ManagedInstance keyed by instance name.
//
// All reads return copies; the only way to change a stored instance is
// through Put, Update or CompareAndSwapHealth.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*api.ManagedInstance
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		instances: make(map[string]*api.ManagedInstance),
	}
}

// Put stores inst, replacing any instance with the same name
func (r *Registry) Put(inst *api.ManagedInstance) error {
	if inst == nil {
		return fmt.Errorf("cannot register nil instance")
	}
	if inst.InstanceName == "" {
		return fmt.Errorf("instance has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances[inst.InstanceName] = inst.Clone()
	return nil
}

// Get returns a copy of the named instance
func (r *Registry) Get(name string) (*api.ManagedInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[name]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// Exists reports whether name is registered
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.instances[name]
	return ok
}

// Remove deletes the named instance and reports whether it was present
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[name]; !ok {
		return false
	}
	delete(r.instances, name)
	return true
}

// RemoveIf deletes the named instance only while it still runs the
// container containerID. It reports whether the instance was deleted.
func (r *Registry) RemoveIf(name, containerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok || inst.ContainerID != containerID {
		return false
	}
	delete(r.instances, name)
	return true
}

// List returns copies of all instances sorted by name
func (r *Registry) List() []*api.ManagedInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*api.ManagedInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InstanceName < out[j].InstanceName
	})
	return out
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered instances
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Update applies fn to the stored instance under the write lock. fn must
// not change InstanceName.
func (r *Registry) Update(name string, fn func(inst *api.ManagedInstance)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok {
		return api.NewNotFoundError("instance", name)
	}
	fn(inst)
	inst.InstanceName = name
	return nil
}

// CompareAndSwapHealth sets the health of name to next only if it is
// currently old. It reports whether the swap happened.
func (r *Registry) CompareAndSwapHealth(name string, old, next api.HealthStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok || inst.HealthStatus != old {
		return false
	}
	inst.HealthStatus = next
	return true
}

// UsedPorts returns the host ports bound by registered instances
func (r *Registry) UsedPorts() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ports := make(map[int]string)
	for name, inst := range r.instances {
		for _, pb := range inst.PortBindings {
			ports[pb.HostPort] = name
		}
	}
	return ports
}

// Rebuild replaces the registry contents with the containers the runtime
// reports as managed by agentID. Containers without management labels are
// ignored. It returns the number of instances recovered.
func (r *Registry) Rebuild(ctx context.Context, runtime ContainerLister, agentID string) (int, error) {
	infos, err := runtime.List(ctx, containerizer.ListFilter{
		All:    true,
		Labels: map[string]string{containerizer.LabelManagedBy: agentID},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list managed containers: %w", err)
	}

	recovered := make(map[string]*api.ManagedInstance, len(infos))
	for _, info := range infos {
		inst, ok := containerizer.ManagedInstanceFromContainer(info, agentID)
		if !ok {
			logging.Debug(registrySubsystem, "Ignoring container %s without management labels", info.Name)
			continue
		}
		if !info.Running {
			inst.HealthStatus = api.HealthStopped
		}
		recovered[inst.InstanceName] = inst
	}

	r.mu.Lock()
	r.instances = recovered
	r.mu.Unlock()

	logging.Info(registrySubsystem, "Rebuilt registry with %d instance(s)", len(recovered))
	return len(recovered), nil
}
