package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/containerizer"
)

func newInstance(name string, port int) *api.ManagedInstance {
	inst := &api.ManagedInstance{
		InstanceID:    "id-" + name,
		InstanceName:  name,
		ContainerID:   "cid-" + name,
		ContainerType: api.ContainerTypeMCPServer,
		TransportType: api.TransportSSE,
		HealthStatus:  api.HealthStarting,
	}
	if port > 0 {
		inst.PortBindings = []api.PortBinding{{HostPort: port, ContainerPort: 8080}}
	}
	return inst
}

func TestRegistry_PutGetRemove(t *testing.T) {
	r := New()

	require.Error(t, r.Put(nil))
	require.Error(t, r.Put(&api.ManagedInstance{}))

	require.NoError(t, r.Put(newInstance("b", 30002)))
	require.NoError(t, r.Put(newInstance("a", 30001)))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "cid-a", got.ContainerID)

	// copies do not alias stored state
	got.ContainerID = "mutated"
	again, _ := r.Get("a")
	assert.Equal(t, "cid-a", again.ContainerID)

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, map[int]string{30001: "a", 30002: "b"}, r.UsedPorts())

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.False(t, r.Exists("a"))
}

func TestRegistry_List(t *testing.T) {
	r := New()
	for _, n := range []string{"c", "a", "b"} {
		require.NoError(t, r.Put(newInstance(n, 0)))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].InstanceName)
	assert.Equal(t, "c", list[2].InstanceName)
}

func TestRegistry_Update(t *testing.T) {
	r := New()
	require.NoError(t, r.Put(newInstance("a", 0)))

	err := r.Update("a", func(inst *api.ManagedInstance) {
		inst.Capabilities = &api.CapabilitySnapshot{Tools: []api.ToolInfo{{Name: "t"}}}
		inst.InstanceName = "renamed"
	})
	require.NoError(t, err)

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Len(t, got.Capabilities.Tools, 1)

	err = r.Update("missing", func(*api.ManagedInstance) {})
	assert.True(t, api.IsNotFound(err))
}

func TestRegistry_CompareAndSwapHealth(t *testing.T) {
	r := New()
	require.NoError(t, r.Put(newInstance("a", 0)))

	assert.True(t, r.CompareAndSwapHealth("a", api.HealthStarting, api.HealthHealthy))
	assert.False(t, r.CompareAndSwapHealth("a", api.HealthStarting, api.HealthUnhealthy))
	assert.False(t, r.CompareAndSwapHealth("missing", api.HealthStarting, api.HealthHealthy))

	got, _ := r.Get("a")
	assert.Equal(t, api.HealthHealthy, got.HealthStatus)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("inst-%d", i%10)
			_ = r.Put(newInstance(name, 30000+i))
			_, _ = r.Get(name)
			_ = r.List()
			_ = r.Update(name, func(inst *api.ManagedInstance) { inst.HealthStatus = api.HealthHealthy })
			r.CompareAndSwapHealth(name, api.HealthHealthy, api.HealthDegraded)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, r.Len())
}

type failingLister struct{}

func (failingLister) List(context.Context, containerizer.ListFilter) ([]containerizer.ContainerInfo, error) {
	return nil, errors.New("daemon down")
}

func TestRegistry_Rebuild(t *testing.T) {
	rt := containerizer.NewFakeRuntime()
	ctx := context.Background()

	cfg := &api.NormalizedConfig{
		InstanceName:          "weather",
		AccountToolInstanceID: "ati-1",
		ContainerType:         api.ContainerTypeMCPServer,
		TransportType:         api.TransportSSE,
		EndpointPath:          "/sse",
		PortBindings:          []api.PortBinding{{HostPort: 30001, ContainerPort: 8080}},
	}
	spec, err := containerizer.BuildContainerSpec(cfg, "agent-1", "id-1", time.Now())
	require.NoError(t, err)
	_, err = rt.Create(ctx, "img", "weather", spec)
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx, "weather"))

	// a container owned by nobody and one owned by another agent
	rt.AddContainer(containerizer.ContainerInfo{Name: "stray", State: containerizer.StateRunning, Running: true})
	rt.AddContainer(containerizer.ContainerInfo{
		Name:   "foreign",
		State:  containerizer.StateRunning,
		Labels: map[string]string{containerizer.LabelManagedBy: "agent-2", containerizer.LabelInstanceID: "x"},
	})

	r := New()
	require.NoError(t, r.Put(newInstance("stale-entry", 0)))

	n, err := r.Rebuild(ctx, rt, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"weather"}, r.Names())

	inst, _ := r.Get("weather")
	assert.Equal(t, api.HealthStarting, inst.HealthStatus)
	assert.Nil(t, inst.Capabilities)
	assert.Equal(t, "ati-1", inst.AccountToolInstanceID)
	assert.Equal(t, 30001, inst.HostPort())

	_, err = r.Rebuild(ctx, failingLister{}, "agent-1")
	require.Error(t, err)
	assert.Equal(t, 1, r.Len(), "a failed rebuild keeps the current contents")
}

func TestRegistry_RemoveIf(t *testing.T) {
	r := New()
	require.NoError(t, r.Put(&api.ManagedInstance{InstanceName: "svc", ContainerID: "new-id"}))

	assert.False(t, r.RemoveIf("svc", "old-id"), "replaced container is kept")
	assert.True(t, r.Exists("svc"))
	assert.False(t, r.RemoveIf("missing", "new-id"))

	assert.True(t, r.RemoveIf("svc", "new-id"))
	assert.False(t, r.Exists("svc"))
}
