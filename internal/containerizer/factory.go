package containerizer

import (
	"context"
	"fmt"
	"strings"
)

// RuntimeType defines the type of container runtime
type RuntimeType string

const (
	RuntimeTypeDocker RuntimeType = "docker"
	RuntimeTypePodman RuntimeType = "podman"
)

// NewContainerRuntime creates a new container runtime based on the specified type
func NewContainerRuntime(ctx context.Context, runtimeType string, opts Options) (ContainerRuntime, error) {
	rt := RuntimeType(strings.ToLower(runtimeType))

	switch rt {
	case RuntimeTypeDocker, "":
		// Default to Docker if not specified
		opts.Binary = "docker"
		return NewDockerRuntime(ctx, opts)
	case RuntimeTypePodman:
		// podman accepts the same CLI surface
		opts.Binary = "podman"
		return NewDockerRuntime(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported container runtime: %s", runtimeType)
	}
}
