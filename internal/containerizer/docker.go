package containerizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/pkg/logging"
	pkgstrings "github.com/agentopia/toolbox-agent/pkg/strings"
)

const dockerSubsystem = "Docker"

const (
	DefaultCallTimeout = 30 * time.Second
	DefaultPullTimeout = 5 * time.Minute
	DefaultAttempts    = 3
	DefaultRetryDelay  = 500 * time.Millisecond
)

// Options configures a CLI-backed runtime.
type Options struct {
	Binary      string        // CLI binary, "docker" or "podman"
	CallTimeout time.Duration // Bound for every call except pulls
	PullTimeout time.Duration // Bound for image pulls
	Attempts    uint          // Max attempts for transient failures
	RetryDelay  time.Duration // Base backoff delay
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = "docker"
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.PullTimeout <= 0 {
		o.PullTimeout = DefaultPullTimeout
	}
	if o.Attempts == 0 {
		o.Attempts = DefaultAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// DockerRuntime implements ContainerRuntime using the Docker CLI
type DockerRuntime struct {
	opts Options
}

// execCommandContext is a variable to allow mocking in tests
var execCommandContext = exec.CommandContext

// NewDockerRuntime creates a new Docker runtime instance and checks that
// the daemon is reachable.
func NewDockerRuntime(ctx context.Context, opts Options) (*DockerRuntime, error) {
	d := newDockerRuntime(opts)

	if _, err := exec.LookPath(d.opts.Binary); err != nil {
		return nil, fmt.Errorf("%s command not found in PATH: %w", d.opts.Binary, err)
	}

	if _, err := d.run(ctx, nil, "info", "--format", "{{.ServerVersion}}"); err != nil {
		return nil, fmt.Errorf("%s daemon not accessible: %w", d.opts.Binary, err)
	}

	return d, nil
}

func newDockerRuntime(opts Options) *DockerRuntime {
	return &DockerRuntime{opts: opts.withDefaults()}
}

// PullImage pulls a container image if not already present
func (d *DockerRuntime) PullImage(ctx context.Context, image string) error {
	logging.Debug(dockerSubsystem, "Checking if image %s exists locally", image)

	if _, err := d.runOnce(ctx, d.opts.CallTimeout, nil, "image", "inspect", image); err == nil {
		logging.Debug(dockerSubsystem, "Image %s already exists", image)
		return nil
	}

	logging.Info(dockerSubsystem, "Pulling image %s", image)
	_, err := d.runWithTimeout(ctx, d.opts.PullTimeout, nil, "pull", "--quiet", image)
	return err
}

// Create creates a container without starting it
func (d *DockerRuntime) Create(ctx context.Context, image, name string, spec ContainerSpec) (string, error) {
	existing, err := d.Inspect(ctx, name)
	switch {
	case err == nil:
		if !existing.IsTerminal() {
			return "", api.NewError(api.KindAlreadyExists, "container %s already exists in state %s", name, existing.State)
		}
		logging.Info(dockerSubsystem, "Removing stale container %s (%s) before create", name, existing.State)
		if err := d.Remove(ctx, existing.ID, RemoveOptions{Force: true}); err != nil {
			return "", err
		}
	case !api.IsNotFound(err):
		return "", err
	}

	args := createArgs(image, name, spec)
	logging.Debug(dockerSubsystem, "Creating container with command: %s %s", d.opts.Binary, strings.Join(args, " "))

	out, err := d.run(ctx, spec.SecretEnv, args...)
	if err != nil {
		return "", err
	}

	containerID := lastLine(out)
	if containerID == "" {
		return "", api.NewError(api.KindRuntimeFatal, "%s create returned no container id", d.opts.Binary)
	}
	logging.Info(dockerSubsystem, "Created container %s with ID %s", name, pkgstrings.ShortID(containerID))

	return containerID, nil
}

// createArgs builds the CLI arguments. Secret values are referenced by key
// only; the CLI reads them from its own environment.
func createArgs(image, name string, spec ContainerSpec) []string {
	args := []string{"create", "--name", name}

	if spec.Interactive {
		args = append(args, "-i")
	}

	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	for _, k := range spec.SecretEnv.Keys() {
		args = append(args, "-e", k)
	}

	for _, p := range spec.PortBindings {
		args = append(args, "-p", formatPortBinding(p))
	}

	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}

	args = append(args, image)
	args = append(args, spec.Command...)
	return args
}

func formatPortBinding(p api.PortBinding) string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	hostPart := strconv.Itoa(p.HostPort)
	if p.HostIP != "" {
		hostPart = p.HostIP + ":" + hostPart
	}
	return fmt.Sprintf("%s:%d/%s", hostPart, p.ContainerPort, proto)
}

// Start starts a created container
func (d *DockerRuntime) Start(ctx context.Context, nameOrID string) error {
	logging.Info(dockerSubsystem, "Starting container %s", pkgstrings.ShortID(nameOrID))
	_, err := d.run(ctx, nil, "start", nameOrID)
	return err
}

// Stop stops a running container
func (d *DockerRuntime) Stop(ctx context.Context, nameOrID string, opts StopOptions) error {
	logging.Info(dockerSubsystem, "Stopping container %s", pkgstrings.ShortID(nameOrID))

	args := []string{"stop"}
	timeout := d.opts.CallTimeout
	if opts.Timeout > 0 {
		args = append(args, "-t", strconv.Itoa(int(opts.Timeout.Seconds())))
		// leave room for the engine to kill after the grace period
		timeout = opts.Timeout + d.opts.CallTimeout
	}
	args = append(args, nameOrID)

	_, err := d.runWithTimeout(ctx, timeout, nil, args...)
	return err
}

// Remove removes a container
func (d *DockerRuntime) Remove(ctx context.Context, nameOrID string, opts RemoveOptions) error {
	args := []string{"rm"}
	if opts.Force {
		args = append(args, "-f")
	}
	args = append(args, nameOrID)

	_, err := d.run(ctx, nil, args...)
	if err != nil && opts.Force && api.IsNotFound(err) {
		logging.Debug(dockerSubsystem, "Container %s already removed", pkgstrings.ShortID(nameOrID))
		return nil
	}
	return err
}

// List returns the containers matching filter
func (d *DockerRuntime) List(ctx context.Context, filter ListFilter) ([]ContainerInfo, error) {
	args := []string{"ps", "-q", "--no-trunc"}
	if filter.All {
		args = append(args, "-a")
	}
	for _, k := range sortedKeys(filter.Labels) {
		if v := filter.Labels[k]; v != "" {
			args = append(args, "--filter", "label="+k+"="+v)
		} else {
			args = append(args, "--filter", "label="+k)
		}
	}

	out, err := d.run(ctx, nil, args...)
	if err != nil {
		return nil, err
	}

	ids := strings.Fields(out)
	if len(ids) == 0 {
		return []ContainerInfo{}, nil
	}

	infos, err := d.inspect(ctx, ids...)
	if err != nil {
		// a container listed above may vanish before inspect
		if api.IsNotFound(err) {
			return d.inspectEach(ctx, ids)
		}
		return nil, err
	}
	return infos, nil
}

func (d *DockerRuntime) inspectEach(ctx context.Context, ids []string) ([]ContainerInfo, error) {
	infos := make([]ContainerInfo, 0, len(ids))
	for _, id := range ids {
		info, err := d.Inspect(ctx, id)
		if api.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// Inspect returns the current state of a single container
func (d *DockerRuntime) Inspect(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	infos, err := d.inspect(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, api.NewNotFoundError("container", nameOrID)
	}
	return &infos[0], nil
}

func (d *DockerRuntime) inspect(ctx context.Context, ids ...string) ([]ContainerInfo, error) {
	args := append([]string{"inspect", "--type", "container"}, ids...)
	out, err := d.run(ctx, nil, args...)
	if err != nil {
		return nil, err
	}
	return parseInspect([]byte(out))
}

// ExecCommand returns the argv running command inside the container with
// stdin attached.
func (d *DockerRuntime) ExecCommand(nameOrID string, command []string) (string, []string) {
	args := append([]string{"exec", "-i", nameOrID}, command...)
	return d.opts.Binary, args
}

// SupportsLiveEnvUpdate reports false: the docker CLI cannot change the
// environment of a running container.
func (d *DockerRuntime) SupportsLiveEnvUpdate() bool {
	return false
}

// run executes the CLI under the call timeout, retrying transient failures.
// The timeout bounds the whole call, retries and backoff included.
func (d *DockerRuntime) run(ctx context.Context, secretEnv SecretEnv, args ...string) (string, error) {
	return d.runWithTimeout(ctx, d.opts.CallTimeout, secretEnv, args...)
}

func (d *DockerRuntime) runWithTimeout(ctx context.Context, timeout time.Duration, secretEnv SecretEnv, args ...string) (string, error) {
	op := args[0]
	var out string

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := retry.New(
		retry.Context(callCtx),
		retry.Attempts(d.opts.Attempts),
		retry.Delay(d.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return api.IsKind(err, api.KindRuntimeTransient)
		}),
		retry.OnRetry(func(n uint, err error) {
			logging.Warn(dockerSubsystem, "%s %s failed (attempt %d/%d), retrying: %v", d.opts.Binary, op, n+1, d.opts.Attempts, err)
		}),
	)

	var lastErr error
	err := r.Do(func() error {
		out, lastErr = d.runOnce(callCtx, timeout, secretEnv, args...)
		return lastErr
	})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return "", normalize(err, d.opts.Binary, op)
	}
	return out, nil
}

func (d *DockerRuntime) runOnce(ctx context.Context, timeout time.Duration, secretEnv SecretEnv, args ...string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := execCommandContext(callCtx, d.opts.Binary, args...)
	if len(secretEnv) > 0 {
		env := cmd.Env
		if env == nil {
			env = os.Environ()
		}
		cmd.Env = append(append([]string(nil), env...), secretEnv.environ()...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", api.WrapError(api.KindRuntimeTransient, callCtx.Err(), "%s %s timed out after %s", d.opts.Binary, args[0], timeout)
		}
		if ctx.Err() != nil {
			return "", api.WrapError(api.KindRuntimeTransient, ctx.Err(), "%s %s cancelled", d.opts.Binary, args[0])
		}
		return "", classify(d.opts.Binary, args[0], stderr.String(), err)
	}

	return stdout.String(), nil
}

type inspectJSON struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Created string `json:"Created"`
	State   struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	HostConfig struct {
		PortBindings map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"PortBindings"`
	} `json:"HostConfig"`
}

func parseInspect(data []byte) ([]ContainerInfo, error) {
	var raw []inspectJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, api.WrapError(api.KindRuntimeFatal, err, "failed to parse inspect output")
	}

	infos := make([]ContainerInfo, 0, len(raw))
	for _, r := range raw {
		info := ContainerInfo{
			ID:      r.ID,
			Name:    strings.TrimPrefix(r.Name, "/"),
			Image:   r.Config.Image,
			State:   r.State.Status,
			Running: r.State.Running,
			Labels:  r.Config.Labels,
		}
		if info.Labels == nil {
			info.Labels = map[string]string{}
		}
		if t, err := time.Parse(time.RFC3339Nano, r.Created); err == nil {
			info.CreatedAt = t
		}
		info.PortBindings = parsePortBindings(r)
		infos = append(infos, info)
	}
	return infos, nil
}

func parsePortBindings(r inspectJSON) []api.PortBinding {
	var bindings []api.PortBinding
	for key, hosts := range r.HostConfig.PortBindings {
		portStr, proto, _ := strings.Cut(key, "/")
		containerPort, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		for _, h := range hosts {
			hostPort, err := strconv.Atoi(h.HostPort)
			if err != nil {
				continue
			}
			bindings = append(bindings, api.PortBinding{
				HostIP:        h.HostIP,
				HostPort:      hostPort,
				ContainerPort: containerPort,
				Protocol:      proto,
			})
		}
	}
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].HostPort < bindings[j].HostPort
	})
	return bindings
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
