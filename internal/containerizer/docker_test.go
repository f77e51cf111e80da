package containerizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentopia/toolbox-agent/internal/api"
)

const testSecretValue = "tok-123-secret"

// mockStateDir lets the helper process keep per-test state (attempt counters)
var mockStateDir string

// init sets up the test environment
func init() {
	// Replace the exec command context with our mock in tests
	execCommandContext = mockExecCommandContext
}

// mockExecCommandContext is our mock implementation
func mockExecCommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return mockExecCommand(name, args...)
}

// mockExecCommand creates a mock command for testing
func mockExecCommand(command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1", "MOCK_STATE_DIR=" + mockStateDir}
	return cmd
}

const runningInspect = `[{"Id":"1111222233334444","Name":"/running-one","Created":"2025-01-02T03:04:05.000000000Z",
"State":{"Status":"running","Running":true},
"Config":{"Image":"ghcr.io/acme/mcp:1","Labels":{"agentopia.managed_by":"agent-1","agentopia.instance_id":"id-1","agentopia.instance_name":"running-one"}},
"HostConfig":{"PortBindings":{"8080/tcp":[{"HostIp":"","HostPort":"30001"}]}}}]`

const staleInspect = `[{"Id":"5555666677778888","Name":"/stale-one","State":{"Status":"exited","Running":false},"Config":{"Image":"alpine","Labels":{}},"HostConfig":{}}]`

const listInspect = `[{"Id":"aaa","Name":"/a","State":{"Status":"running","Running":true},"Config":{"Image":"img-a","Labels":{"agentopia.managed_by":"agent-1"}},"HostConfig":{}},
{"Id":"bbb","Name":"/b","State":{"Status":"exited","Running":false},"Config":{"Image":"img-b","Labels":{"agentopia.managed_by":"agent-1"}},"HostConfig":{}}]`

// bumpCounter increments a per-key attempt counter and returns the new value
func bumpCounter(key string) int {
	dir := os.Getenv("MOCK_STATE_DIR")
	if dir == "" {
		return 1
	}
	path := filepath.Join(dir, key)
	data, _ := os.ReadFile(path)
	n := len(data) + 1
	_ = os.WriteFile(path, []byte(strings.Repeat("x", n)), 0o600)
	return n
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

// TestHelperProcess is a helper process for mocking exec.Command
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}

	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "No command\n")
		os.Exit(2)
	}

	cmd, args := args[0], args[1:]
	if cmd != "docker" && cmd != "podman" {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		os.Exit(1)
	}
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "No docker subcommand\n")
		os.Exit(1)
	}

	last := args[len(args)-1]

	switch args[0] {
	case "info":
		fmt.Println("27.0.1")
		os.Exit(0)

	case "image":
		if len(args) > 2 && args[1] == "inspect" && args[2] == "alpine:latest" {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: No such image: %s\n", last)
		os.Exit(1)

	case "pull":
		if last == "nonexistent/image:doesnotexist" {
			fmt.Fprintf(os.Stderr, "Error response from daemon: pull access denied for nonexistent/image\n")
			os.Exit(1)
		}
		fmt.Println("sha256:abcdef")
		os.Exit(0)

	case "create":
		for _, a := range args {
			if strings.Contains(a, testSecretValue) {
				fmt.Fprintf(os.Stderr, "secret leaked into argv\n")
				os.Exit(3)
			}
		}
		if contains(args, "OAUTH_TEST_ACCESS_TOKEN") && os.Getenv("OAUTH_TEST_ACCESS_TOKEN") != testSecretValue {
			fmt.Fprintf(os.Stderr, "secret missing from environment\n")
			os.Exit(3)
		}
		if contains(args, "bad:::image") {
			fmt.Fprintf(os.Stderr, "docker: invalid reference format.\n")
			os.Exit(125)
		}
		fmt.Println("Unable to find image locally")
		fmt.Println("abc123def456789000000000000000000000000000000000000000000000000")
		os.Exit(0)

	case "inspect":
		switch last {
		case "running-one":
			fmt.Println(runningInspect)
		case "stale-one":
			fmt.Println(staleInspect)
		case "bbb":
			if contains(args, "aaa") {
				fmt.Println(listInspect)
			} else {
				fmt.Println(`[` + strings.SplitN(listInspect, ",\n", 2)[1])
			}
		default:
			fmt.Fprintf(os.Stderr, "Error: No such object: %s\n", last)
			os.Exit(1)
		}
		os.Exit(0)

	case "start":
		switch last {
		case "flaky":
			if bumpCounter("flaky") == 1 {
				fmt.Fprintf(os.Stderr, "Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?\n")
				os.Exit(1)
			}
		case "down":
			bumpCounter("down")
			fmt.Fprintf(os.Stderr, "Error response from daemon: Internal Server Error (status code: 500)\n")
			os.Exit(1)
		case "fatal":
			bumpCounter("fatal")
			fmt.Fprintf(os.Stderr, "Error response from daemon: invalid argument\n")
			os.Exit(1)
		}
		os.Exit(0)

	case "stop":
		os.Exit(0)

	case "rm":
		if last == "gone" {
			fmt.Fprintf(os.Stderr, "Error response from daemon: No such container: gone\n")
			os.Exit(1)
		}
		os.Exit(0)

	case "ps":
		for _, a := range args {
			if a == "label=agentopia.managed_by=nobody" {
				os.Exit(0)
			}
		}
		fmt.Println("aaa")
		fmt.Println("bbb")
		os.Exit(0)
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s %v\n", cmd, args)
	os.Exit(1)
}

func newTestRuntime(t *testing.T) *DockerRuntime {
	t.Helper()
	mockStateDir = t.TempDir()
	return newDockerRuntime(Options{RetryDelay: time.Millisecond})
}

func attempts(t *testing.T, key string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(mockStateDir, key))
	if err != nil {
		return 0
	}
	return len(data)
}

func TestDockerRuntime_PullImage(t *testing.T) {
	tests := []struct {
		name        string
		image       string
		expectError bool
	}{
		{name: "image already exists", image: "alpine:latest"},
		{name: "image needs pull", image: "hello-world:latest"},
		{name: "pull fails", image: "nonexistent/image:doesnotexist", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestRuntime(t)
			err := d.PullImage(context.Background(), tt.image)
			if tt.expectError {
				require.Error(t, err)
				assert.Equal(t, api.KindRuntimeFatal, api.KindOf(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDockerRuntime_Create(t *testing.T) {
	t.Run("secret env reaches the CLI only through its environment", func(t *testing.T) {
		d := newTestRuntime(t)
		spec := ContainerSpec{
			Env:       map[string]string{"PLAIN": "1"},
			SecretEnv: SecretEnv{"OAUTH_TEST_ACCESS_TOKEN": testSecretValue},
			Labels:    map[string]string{LabelManagedBy: "agent-1"},
		}

		id, err := d.Create(context.Background(), "alpine:latest", "new-one", spec)
		require.NoError(t, err)
		assert.Equal(t, "abc123def456789000000000000000000000000000000000000000000000000", id)
	})

	t.Run("running container with same name", func(t *testing.T) {
		d := newTestRuntime(t)
		_, err := d.Create(context.Background(), "alpine:latest", "running-one", ContainerSpec{})
		require.Error(t, err)
		assert.Equal(t, api.KindAlreadyExists, api.KindOf(err))
	})

	t.Run("stale container is replaced", func(t *testing.T) {
		d := newTestRuntime(t)
		id, err := d.Create(context.Background(), "alpine:latest", "stale-one", ContainerSpec{})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})

	t.Run("malformed image fails verbatim", func(t *testing.T) {
		d := newTestRuntime(t)
		_, err := d.Create(context.Background(), "bad:::image", "web", ContainerSpec{})
		require.Error(t, err)
		assert.Equal(t, api.KindRuntimeFatal, api.KindOf(err))
		assert.Contains(t, api.PublicMessage(err), "invalid reference format")
	})
}

func TestDockerRuntime_StartRetries(t *testing.T) {
	tests := []struct {
		name         string
		container    string
		wantKind     api.ErrorKind
		wantAttempts int
	}{
		{name: "transient then success", container: "flaky", wantKind: "", wantAttempts: 2},
		{name: "transient exhausts attempts", container: "down", wantKind: api.KindRuntimeTransient, wantAttempts: 3},
		{name: "fatal is not retried", container: "fatal", wantKind: api.KindRuntimeFatal, wantAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestRuntime(t)
			err := d.Start(context.Background(), tt.container)
			assert.Equal(t, tt.wantKind, api.KindOf(err))
			assert.Equal(t, tt.wantAttempts, attempts(t, tt.container))
		})
	}
}

func TestDockerRuntime_CallTimeoutBoundsRetries(t *testing.T) {
	mockStateDir = t.TempDir()
	d := newDockerRuntime(Options{CallTimeout: 500 * time.Millisecond, RetryDelay: 5 * time.Second})

	start := time.Now()
	err := d.Start(context.Background(), "down")

	assert.Equal(t, api.KindRuntimeTransient, api.KindOf(err))
	assert.Less(t, time.Since(start), 3*time.Second, "backoff does not outlive the call timeout")
	assert.Equal(t, 1, attempts(t, "down"))
}

func TestDockerRuntime_Remove(t *testing.T) {
	d := newTestRuntime(t)
	ctx := context.Background()

	require.NoError(t, d.Remove(ctx, "abc123def456", RemoveOptions{Force: true}))
	require.NoError(t, d.Remove(ctx, "gone", RemoveOptions{Force: true}))

	err := d.Remove(ctx, "gone", RemoveOptions{})
	assert.True(t, api.IsNotFound(err))
}

func TestDockerRuntime_Stop(t *testing.T) {
	d := newTestRuntime(t)
	require.NoError(t, d.Stop(context.Background(), "abc123def456", StopOptions{Timeout: 10 * time.Second}))
}

func TestDockerRuntime_Inspect(t *testing.T) {
	d := newTestRuntime(t)

	info, err := d.Inspect(context.Background(), "running-one")
	require.NoError(t, err)
	assert.Equal(t, "running-one", info.Name)
	assert.True(t, info.Running)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, "ghcr.io/acme/mcp:1", info.Image)
	require.Len(t, info.PortBindings, 1)
	assert.Equal(t, api.PortBinding{HostPort: 30001, ContainerPort: 8080, Protocol: "tcp"}, info.PortBindings[0])
	assert.False(t, info.CreatedAt.IsZero())

	_, err = d.Inspect(context.Background(), "missing")
	assert.True(t, api.IsNotFound(err))
}

func TestDockerRuntime_List(t *testing.T) {
	d := newTestRuntime(t)

	infos, err := d.List(context.Background(), ListFilter{All: true, Labels: map[string]string{LabelManagedBy: "agent-1"}})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, StateExited, infos[1].State)

	infos, err = d.List(context.Background(), ListFilter{Labels: map[string]string{LabelManagedBy: "nobody"}})
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestDockerRuntime_ExecCommand(t *testing.T) {
	d := newDockerRuntime(Options{Binary: "podman"})
	bin, args := d.ExecCommand("web", []string{"mcp-server", "--stdio"})
	assert.Equal(t, "podman", bin)
	assert.Equal(t, []string{"exec", "-i", "web", "mcp-server", "--stdio"}, args)
	assert.False(t, d.SupportsLiveEnvUpdate())
}

func TestCreateArgs(t *testing.T) {
	spec := ContainerSpec{
		Env:          map[string]string{"B": "2", "A": "1"},
		SecretEnv:    SecretEnv{"OAUTH_X_ACCESS_TOKEN": "s3cr3t"},
		Labels:       map[string]string{"k": "v"},
		PortBindings: []api.PortBinding{{HostPort: 30005, ContainerPort: 8080}},
		Command:      []string{"--port", "8080"},
		User:         "1000:1000",
		Interactive:  true,
	}

	args := createArgs("img:1", "web", spec)
	assert.Equal(t, []string{
		"create", "--name", "web", "-i",
		"--label", "k=v",
		"-e", "A=1", "-e", "B=2",
		"-e", "OAUTH_X_ACCESS_TOKEN",
		"-p", "30005:8080/tcp",
		"--user", "1000:1000",
		"img:1", "--port", "8080",
	}, args)
	assert.NotContains(t, strings.Join(args, " "), "s3cr3t")
}

func TestClassify(t *testing.T) {
	runErr := errors.New("exit status 1")
	tests := []struct {
		stderr string
		want   api.ErrorKind
	}{
		{"Cannot connect to the Docker daemon at unix:///var/run/docker.sock", api.KindRuntimeTransient},
		{"error during connect: dial unix /var/run/docker.sock: connect: connection refused", api.KindRuntimeTransient},
		{"Error response from daemon: Internal Server Error (status code: 502)", api.KindRuntimeTransient},
		{"Error: No such container: web", api.KindNotFound},
		{"Error: No such object: web", api.KindNotFound},
		{`Conflict. The container name "/web" is already in use by container "abc"`, api.KindAlreadyExists},
		{"Error response from daemon: No such image: foo:latest", api.KindRuntimeFatal},
		{"docker: invalid reference format.", api.KindRuntimeFatal},
		{"Error response from daemon: invalid argument", api.KindRuntimeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			err := classify("docker", "create", tt.stderr, runErr)
			assert.Equal(t, tt.want, err.Kind)
		})
	}
}

func TestSecretEnv_Formatting(t *testing.T) {
	env := SecretEnv{"OAUTH_X_ACCESS_TOKEN": "s3cr3t"}

	assert.NotContains(t, env.String(), "s3cr3t")
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", env, env, env), "s3cr3t")
	assert.Equal(t, "SecretEnv[OAUTH_X_ACCESS_TOKEN]", env.LogValue().String())

	env.Wipe()
	assert.Empty(t, env)
}
