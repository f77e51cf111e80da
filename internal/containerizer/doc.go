// Package containerizer provides the container runtime client used by the
// toolbox agent.
//
// The runtime is driven through the docker (or podman) CLI. Every call is
// synchronous and bounded by a per-call timeout; transient engine failures
// (daemon unreachable, socket errors, 5xx responses) are retried with
// exponential backoff, while engine rejections fail at once with the
// engine's message kept verbatim.
//
// # Core Components
//
// ContainerRuntime: Interface that abstracts container operations
//   - PullImage: Download container images
//   - Create: Create a container, replacing a stopped one of the same name
//   - Start / Stop / Remove: Lifecycle transitions
//   - List / Inspect: Runtime truth used by reconciliation
//   - ExecCommand: argv for stdio exec probes
//
// DockerRuntime: CLI implementation for docker and podman.
//
// FakeRuntime: In-memory implementation used by package tests.
//
// # Credentials
//
// ContainerSpec.SecretEnv values are never placed on the command line. The
// CLI receives "-e KEY" and reads the value from its own environment, so
// secrets do not show up in process listings or logs.
//
// # Labels
//
// Every managed container carries agentopia.* labels naming its owner
// agent, instance id and the credential-free configuration it was created
// from, so the registry can be rebuilt after an agent restart.
package containerizer
