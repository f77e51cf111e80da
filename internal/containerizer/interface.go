package containerizer

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agentopia/toolbox-agent/internal/api"
)

// ContainerRuntime defines the interface for container runtime operations.
//
// Every call is synchronous and bounded by the runtime's per-call timeout.
// Failures are *api.Error values classified as RuntimeTransientError,
// RuntimeFatalError, NotFound or AlreadyExists.
type ContainerRuntime interface {
	// PullImage pulls a container image if not already present
	PullImage(ctx context.Context, image string) error

	// Create creates (but does not start) a container. A stopped container
	// with the same name is replaced; a running one yields AlreadyExists.
	Create(ctx context.Context, image, name string, spec ContainerSpec) (string, error)

	// Start starts a created container
	Start(ctx context.Context, nameOrID string) error

	// Stop stops a running container, waiting up to opts.Timeout
	Stop(ctx context.Context, nameOrID string, opts StopOptions) error

	// Remove removes a container. With opts.Force a missing container is not an error.
	Remove(ctx context.Context, nameOrID string, opts RemoveOptions) error

	// List returns the containers matching filter
	List(ctx context.Context, filter ListFilter) ([]ContainerInfo, error)

	// Inspect returns the current state of a single container
	Inspect(ctx context.Context, nameOrID string) (*ContainerInfo, error)

	// ExecCommand returns the binary and argv that run command inside the
	// container with stdin attached.
	ExecCommand(nameOrID string, command []string) (string, []string)

	// SupportsLiveEnvUpdate reports whether env vars of a running container
	// can be changed in place.
	SupportsLiveEnvUpdate() bool
}

// ContainerSpec holds configuration for creating a container
type ContainerSpec struct {
	Env          map[string]string // Plain environment variables
	SecretEnv    SecretEnv         // Credential env vars, never placed in argv or labels
	Labels       map[string]string // Container labels
	PortBindings []api.PortBinding // Host to container port bindings
	Command      []string          // Arguments passed after the image
	User         string            // User to run as
	Interactive  bool              // Keep stdin open (stdio MCP servers)
}

// Clone returns a copy of the spec without the secret env.
func (s ContainerSpec) Clone() ContainerSpec {
	out := ContainerSpec{
		Env:          make(map[string]string, len(s.Env)),
		Labels:       make(map[string]string, len(s.Labels)),
		PortBindings: append([]api.PortBinding(nil), s.PortBindings...),
		Command:      append([]string(nil), s.Command...),
		User:         s.User,
		Interactive:  s.Interactive,
	}
	for k, v := range s.Env {
		out.Env[k] = v
	}
	for k, v := range s.Labels {
		out.Labels[k] = v
	}
	return out
}

// SecretEnv carries credential environment variables. Its formatting
// methods only ever reveal the keys.
type SecretEnv map[string]string

// Keys returns the variable names in sorted order.
func (e SecretEnv) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Wipe removes every entry.
func (e SecretEnv) Wipe() {
	for k := range e {
		delete(e, k)
	}
}

func (e SecretEnv) String() string {
	return "SecretEnv[" + strings.Join(e.Keys(), ",") + "]"
}

func (e SecretEnv) GoString() string {
	return e.String()
}

// LogValue implements slog.LogValuer.
func (e SecretEnv) LogValue() slog.Value {
	return slog.StringValue(e.String())
}

// MarshalJSON never emits values.
func (e SecretEnv) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// environ returns KEY=VALUE pairs for a child process environment.
func (e SecretEnv) environ() []string {
	out := make([]string, 0, len(e))
	for _, k := range e.Keys() {
		out = append(out, k+"="+e[k])
	}
	return out
}

// StopOptions controls Stop.
type StopOptions struct {
	Timeout time.Duration
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	Force bool
}

// ListFilter selects containers by label. An empty label value matches
// any value.
type ListFilter struct {
	Labels map[string]string
	All    bool
}

// Container states reported by the engine.
const (
	StateCreated    = "created"
	StateRunning    = "running"
	StatePaused     = "paused"
	StateRestarting = "restarting"
	StateRemoving   = "removing"
	StateExited     = "exited"
	StateDead       = "dead"
)

// ContainerInfo is the runtime's view of a container.
type ContainerInfo struct {
	ID           string
	Name         string
	Image        string
	State        string
	Running      bool
	Labels       map[string]string
	PortBindings []api.PortBinding
	CreatedAt    time.Time
}

// IsTerminal reports whether the container is not running and will not
// start by itself.
func (c *ContainerInfo) IsTerminal() bool {
	switch c.State {
	case StateCreated, StateExited, StateDead:
		return true
	}
	return false
}
