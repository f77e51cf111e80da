package containerizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentopia/toolbox-agent/internal/api"
)

// FakeRuntime is an in-memory ContainerRuntime for tests. It records the
// secret env each container was created with so tests can assert
// injection without a daemon.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int
	calls      []string

	// Errors returned by the next matching call, keyed by operation name
	// ("create", "start", "stop", "remove", "list", "inspect", "pull").
	failures map[string]error

	// ExecBinary and ExecPrefix replace the exec argv, so stdio probes can
	// be pointed at a local helper process.
	ExecBinary string
	ExecPrefix []string
}

type fakeContainer struct {
	info      ContainerInfo
	spec      ContainerSpec
	secretEnv map[string]string
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*fakeContainer),
		failures:   make(map[string]error),
	}
}

// FailNext makes the next call of op return err.
func (f *FakeRuntime) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// Calls returns the operations performed so far.
func (f *FakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns the number of containers present.
func (f *FakeRuntime) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// SecretEnvOf returns a copy of the secret env the named container was
// created with.
func (f *FakeRuntime) SecretEnvOf(name string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(c.secretEnv))
	for k, v := range c.secretEnv {
		out[k] = v
	}
	return out
}

// SpecOf returns the spec the named container was created with.
func (f *FakeRuntime) SpecOf(name string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return ContainerSpec{}, false
	}
	return c.spec.Clone(), true
}

// RemoveOutOfBand deletes a container behind the agent's back.
func (f *FakeRuntime) RemoveOutOfBand(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
}

// SetState forces the state of a container.
func (f *FakeRuntime) SetState(name, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.info.State = state
		c.info.Running = state == StateRunning
	}
}

// AddContainer seeds a container directly, as if created by another process.
func (f *FakeRuntime) AddContainer(info ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.ID == "" {
		f.nextID++
		info.ID = fmt.Sprintf("fake%060d", f.nextID)
	}
	if info.Labels == nil {
		info.Labels = map[string]string{}
	}
	f.containers[info.Name] = &fakeContainer{info: info}
}

func (f *FakeRuntime) record(op string) error {
	f.calls = append(f.calls, op)
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func (f *FakeRuntime) lookup(nameOrID string) (*fakeContainer, bool) {
	if c, ok := f.containers[nameOrID]; ok {
		return c, true
	}
	for _, c := range f.containers {
		if c.info.ID == nameOrID {
			return c, true
		}
	}
	return nil, false
}

func (f *FakeRuntime) PullImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("pull")
}

func (f *FakeRuntime) Create(ctx context.Context, image, name string, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create"); err != nil {
		return "", err
	}
	if c, ok := f.containers[name]; ok {
		if !c.info.IsTerminal() {
			return "", api.NewError(api.KindAlreadyExists, "container %s already exists in state %s", name, c.info.State)
		}
		delete(f.containers, name)
	}

	f.nextID++
	id := fmt.Sprintf("fake%060d", f.nextID)
	secrets := make(map[string]string, len(spec.SecretEnv))
	for k, v := range spec.SecretEnv {
		secrets[k] = v
	}
	f.containers[name] = &fakeContainer{
		info: ContainerInfo{
			ID:           id,
			Name:         name,
			Image:        image,
			State:        StateCreated,
			Labels:       spec.Clone().Labels,
			PortBindings: append([]api.PortBinding(nil), spec.PortBindings...),
			CreatedAt:    time.Now(),
		},
		spec:      spec.Clone(),
		secretEnv: secrets,
	}
	return id, nil
}

func (f *FakeRuntime) Start(ctx context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("start"); err != nil {
		return err
	}
	c, ok := f.lookup(nameOrID)
	if !ok {
		return api.NewNotFoundError("container", nameOrID)
	}
	c.info.State = StateRunning
	c.info.Running = true
	return nil
}

func (f *FakeRuntime) Stop(ctx context.Context, nameOrID string, opts StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stop"); err != nil {
		return err
	}
	c, ok := f.lookup(nameOrID)
	if !ok {
		return api.NewNotFoundError("container", nameOrID)
	}
	c.info.State = StateExited
	c.info.Running = false
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, nameOrID string, opts RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("remove"); err != nil {
		return err
	}
	c, ok := f.lookup(nameOrID)
	if !ok {
		if opts.Force {
			return nil
		}
		return api.NewNotFoundError("container", nameOrID)
	}
	if c.info.Running && !opts.Force {
		return api.NewError(api.KindRuntimeFatal, "cannot remove running container %s", nameOrID)
	}
	delete(f.containers, c.info.Name)
	return nil
}

func (f *FakeRuntime) List(ctx context.Context, filter ListFilter) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list"); err != nil {
		return nil, err
	}
	var out []ContainerInfo
	for _, c := range f.containers {
		if !filter.All && !c.info.Running {
			continue
		}
		if !matchLabels(c.info.Labels, filter.Labels) {
			continue
		}
		out = append(out, copyInfo(c.info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("inspect"); err != nil {
		return nil, err
	}
	c, ok := f.lookup(nameOrID)
	if !ok {
		return nil, api.NewNotFoundError("container", nameOrID)
	}
	info := copyInfo(c.info)
	return &info, nil
}

func (f *FakeRuntime) ExecCommand(nameOrID string, command []string) (string, []string) {
	if f.ExecBinary != "" {
		return f.ExecBinary, append(append([]string(nil), f.ExecPrefix...), command...)
	}
	return "docker", append([]string{"exec", "-i", nameOrID}, command...)
}

func (f *FakeRuntime) SupportsLiveEnvUpdate() bool {
	return false
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok || (v != "" && got != v) {
			return false
		}
	}
	return true
}

func copyInfo(in ContainerInfo) ContainerInfo {
	out := in
	out.Labels = make(map[string]string, len(in.Labels))
	for k, v := range in.Labels {
		out.Labels[k] = v
	}
	out.PortBindings = append([]api.PortBinding(nil), in.PortBindings...)
	return out
}

var _ ContainerRuntime = (*FakeRuntime)(nil)
var _ ContainerRuntime = (*DockerRuntime)(nil)
