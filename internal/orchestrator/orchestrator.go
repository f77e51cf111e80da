package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/config"
	"github.com/agentopia/toolbox-agent/internal/containerizer"
	"github.com/agentopia/toolbox-agent/internal/credentials"
	"github.com/agentopia/toolbox-agent/internal/discovery"
	"github.com/agentopia/toolbox-agent/internal/metrics"
	"github.com/agentopia/toolbox-agent/internal/registry"
	"github.com/agentopia/toolbox-agent/pkg/logging"
	pkgstrings "github.com/agentopia/toolbox-agent/pkg/strings"
)

const orchestratorSubsystem = "Orchestrator"

const (
	DefaultMaxConcurrent   = 10
	DefaultStopGrace       = 10 * time.Second
	DefaultRollbackTimeout = 30 * time.Second
	ServiceName            = "toolbox-agent"
)

// CredentialInjector is the part of credentials.Injector the orchestrator
// drives.
type CredentialInjector interface {
	FetchCredentials(ctx context.Context, accountToolInstanceID string, connectionIDs, scopes []string) (*credentials.Bundle, error)
	Inject(spec containerizer.ContainerSpec, bundle *credentials.Bundle) containerizer.ContainerSpec
	NextRefresh(bundle *credentials.Bundle) time.Duration
	Schedule(instanceName string, after time.Duration)
	Cancel(instanceName string)
	MarkValid(instanceName string, valid bool)
	ConnectionsValid(instanceName string) bool
	Refresh(ctx context.Context, instanceName string, connectionIDs []string) error
	SetRefreshHandler(fn credentials.RefreshFunc)
}

// Discoverer is the part of discovery.Engine the orchestrator drives.
type Discoverer interface {
	AwaitFirst(ctx context.Context, name string) (*api.CapabilitySnapshot, error)
	Probe(ctx context.Context, name string) (*api.CapabilitySnapshot, error)
	Track(name string)
	Forget(name string)
}

// Dependencies are the components an Orchestrator coordinates.
type Dependencies struct {
	Registry    *registry.Registry
	Runtime     containerizer.ContainerRuntime
	Config      *config.Manager
	Credentials CredentialInjector
	Discovery   Discoverer
}

// Options configures an Orchestrator.
type Options struct {
	AgentID       string
	Version       string
	MaxConcurrent int64
	PullImages    bool
	StopGrace     time.Duration
	ProbeHost     string
	Metrics       *metrics.Metrics
}

// Orchestrator implements the orchestration API.
type Orchestrator struct {
	registry    *registry.Registry
	runtime     containerizer.ContainerRuntime
	config      *config.Manager
	credentials CredentialInjector
	discovery   Discoverer
	opts        Options

	locks *keyedMutex
	sem   *semaphore.Weighted

	now func() time.Time
}

// New creates an orchestrator and takes over scheduled credential
// refreshes so they are serialized with the other operations.
func New(deps Dependencies, opts Options) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.ProbeHost == "" {
		opts.ProbeHost = discovery.DefaultProbeHost
	}

	o := &Orchestrator{
		registry:    deps.Registry,
		runtime:     deps.Runtime,
		config:      deps.Config,
		credentials: deps.Credentials,
		discovery:   deps.Discovery,
		opts:        opts,
		locks:       newKeyedMutex(),
		sem:         semaphore.NewWeighted(opts.MaxConcurrent),
		now:         time.Now,
	}
	deps.Credentials.SetRefreshHandler(o.scheduledRefresh)
	return o
}

// acquire takes the per-instance lock and a slot of the global cap.
func (o *Orchestrator) acquire(ctx context.Context, name string) (func(), error) {
	unlock, err := o.locks.Lock(ctx, name)
	if err != nil {
		return nil, api.WrapError(api.KindRuntimeTransient, err, "timed out waiting for another operation on %s", name)
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		unlock()
		return nil, api.WrapError(api.KindRuntimeTransient, err, "timed out waiting for a free operation slot")
	}
	return func() {
		o.sem.Release(1)
		unlock()
	}, nil
}

// Deploy validates req, fetches credentials, creates and starts the
// container and registers the instance. MCP servers get one initial probe
// whose capabilities are returned when the server answers in time.
func (o *Orchestrator) Deploy(ctx context.Context, req api.DeployRequest) (resp *api.DeployResponse, err error) {
	name := req.InstanceNameOnToolbox
	audit := logging.AuditEvent{
		Action:        "instance_deploy",
		Instance:      name,
		Owner:         req.AccountToolInstanceID,
		ConnectionIDs: req.OAuthConnectionIDs,
	}
	defer func() {
		o.opts.Metrics.Operation("deploy", err)
		if err != nil {
			audit.Outcome = "failure"
			audit.Reason = api.PublicMessage(err)
		} else {
			audit.Outcome = "success"
		}
		logging.Audit(audit)
	}()

	release, err := o.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg, err := o.config.Validate(req)
	if err != nil {
		return nil, err
	}
	defer o.config.Release(cfg)
	audit.ConnectionIDs = cfg.OAuthConnectionIDs

	existing, replacing := o.registry.Get(cfg.InstanceName)
	if replacing && existing.AccountToolInstanceID != cfg.AccountToolInstanceID {
		return nil, api.NewError(api.KindForbidden, "instance %s belongs to another account tool instance", name)
	}

	logging.Info(orchestratorSubsystem, "Deploying %s (%s, transport %s) from %s", name, cfg.ContainerType, cfg.TransportType, cfg.Image)

	if o.opts.PullImages {
		if err := o.runtime.PullImage(ctx, cfg.Image); err != nil {
			return nil, err
		}
	}

	// fail closed before anything is created
	bundle, err := o.credentials.FetchCredentials(ctx, cfg.AccountToolInstanceID, cfg.OAuthConnectionIDs, cfg.RequiredScopes)
	if err != nil {
		return nil, err
	}
	defer bundle.Wipe()
	audit.Providers = bundle.Providers()

	if replacing {
		if err := o.removeInstance(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to replace %s: %w", name, err)
		}
		logging.Info(orchestratorSubsystem, "Removed previous %s for replacement", name)
	}

	instanceID := uuid.NewString()
	createdAt := o.now().UTC()
	spec, err := containerizer.BuildContainerSpec(cfg, o.opts.AgentID, instanceID, createdAt)
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "failed to build container spec")
	}
	spec = o.credentials.Inject(spec, bundle)
	defer spec.SecretEnv.Wipe()

	containerID, err := o.runtime.Create(ctx, cfg.Image, cfg.InstanceName, spec)
	if err != nil {
		if api.IsKind(err, api.KindAlreadyExists) {
			return nil, api.WrapError(api.KindConflict, err, "a container named %s already exists on this host", name)
		}
		return nil, err
	}
	if err := o.runtime.Start(ctx, containerID); err != nil {
		o.rollback(ctx, name, containerID)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		o.rollback(ctx, name, containerID)
		return nil, api.WrapError(api.KindRuntimeTransient, err, "deploy of %s cancelled", name)
	}

	inst := &api.ManagedInstance{
		InstanceID:            instanceID,
		InstanceName:          cfg.InstanceName,
		AccountToolInstanceID: cfg.AccountToolInstanceID,
		ContainerID:           containerID,
		Image:                 cfg.Image,
		ContainerType:         cfg.ContainerType,
		TransportType:         cfg.TransportType,
		EndpointPath:          cfg.EndpointPath,
		PortBindings:          cfg.PortBindings,
		OAuthConnectionIDs:    cfg.OAuthConnectionIDs,
		HealthStatus:          api.HealthStarting,
		CreatedAt:             createdAt,
		Config:                cfg.Clone(),
	}
	if len(cfg.OAuthConnectionIDs) > 0 {
		inst.LastOAuthRefreshAt = createdAt
	}
	if err := o.registry.Put(inst); err != nil {
		o.rollback(ctx, name, containerID)
		return nil, api.WrapError(api.KindInternal, err, "failed to register %s", name)
	}

	o.credentials.MarkValid(name, true)
	if len(cfg.OAuthConnectionIDs) > 0 {
		o.credentials.Schedule(name, o.credentials.NextRefresh(bundle))
	}

	resp = &api.DeployResponse{
		Success:                  true,
		InstanceID:               instanceID,
		InstanceName:             name,
		ContainerID:              containerID,
		TransportType:            cfg.TransportType,
		EndpointPath:             cfg.EndpointPath,
		Port:                     cfg.HostPort(),
		OAuthConnectionsInjected: bundle.Len(),
	}

	if cfg.IsMCPServer() {
		// a slow server only delays its capabilities, never the deploy
		if snap, probeErr := o.discovery.AwaitFirst(ctx, name); probeErr == nil {
			resp.Capabilities = snap
		}
		o.discovery.Track(name)
	}

	logging.Info(orchestratorSubsystem, "Deployed %s as container %s", name, pkgstrings.ShortID(containerID))
	return resp, nil
}

// rollback removes a container created by a failed deploy. It runs even
// when the deploy's context is already cancelled.
func (o *Orchestrator) rollback(ctx context.Context, name, containerID string) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultRollbackTimeout)
	defer cancel()

	if err := o.runtime.Remove(rbCtx, containerID, containerizer.RemoveOptions{Force: true}); err != nil {
		logging.Error(orchestratorSubsystem, err, "Rollback of %s failed, container %s may be left behind", name, pkgstrings.ShortID(containerID))
		return
	}
	logging.Info(orchestratorSubsystem, "Rolled back container %s of failed deploy %s", pkgstrings.ShortID(containerID), name)
}

// Teardown stops and removes an instance. Unknown instances are
// acknowledged, so repeating a teardown is harmless.
func (o *Orchestrator) Teardown(ctx context.Context, name, owner string) (resp *api.AckResponse, err error) {
	audit := logging.AuditEvent{Action: "instance_teardown", Instance: name, Owner: owner}
	defer func() {
		o.opts.Metrics.Operation("teardown", err)
		if err != nil {
			audit.Outcome = "failure"
			audit.Reason = api.PublicMessage(err)
		} else {
			audit.Outcome = "success"
		}
		logging.Audit(audit)
	}()

	release, err := o.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, ok := o.registry.Get(name)
	if !ok {
		return &api.AckResponse{Success: true, InstanceName: name, Message: "instance not present"}, nil
	}
	if err := checkOwner(inst, owner); err != nil {
		return nil, err
	}
	audit.ConnectionIDs = inst.OAuthConnectionIDs

	if err := o.removeInstance(ctx, inst); err != nil {
		return nil, err
	}

	logging.Info(orchestratorSubsystem, "Tore down %s", name)
	return &api.AckResponse{Success: true, InstanceName: name, Message: "instance removed"}, nil
}

// removeInstance stops and removes the container of inst and forgets the
// instance. On a runtime failure the instance is restored to its previous
// state. The caller holds the instance lock.
func (o *Orchestrator) removeInstance(ctx context.Context, inst *api.ManagedInstance) error {
	name := inst.InstanceName
	previous := inst.HealthStatus

	_ = o.registry.Update(name, func(m *api.ManagedInstance) {
		m.HealthStatus = api.HealthStopping
		m.PendingOperation = "teardown"
	})
	o.discovery.Forget(name)
	o.credentials.Cancel(name)

	restore := func() {
		_ = o.registry.Update(name, func(m *api.ManagedInstance) {
			m.HealthStatus = previous
			m.PendingOperation = ""
		})
		if inst.IsMCPServer() {
			o.discovery.Track(name)
		}
	}

	target := inst.ContainerID
	if target == "" {
		target = name
	}
	if err := o.runtime.Stop(ctx, target, containerizer.StopOptions{Timeout: o.opts.StopGrace}); err != nil && !api.IsNotFound(err) {
		restore()
		return err
	}
	if err := o.runtime.Remove(ctx, target, containerizer.RemoveOptions{Force: true}); err != nil {
		restore()
		return err
	}

	o.registry.Remove(name)
	return nil
}

// RefreshCredentials fetches a fresh bundle for an instance and applies it.
// connectionIDs, when non-nil, replace the instance's connection set. A
// failed fetch leaves the running container and its credentials untouched.
func (o *Orchestrator) RefreshCredentials(ctx context.Context, name, owner string, connectionIDs []string) (resp *api.AckResponse, err error) {
	defer func() { o.opts.Metrics.Operation("refresh", err) }()

	ids, err := config.NormalizeConnectionIDs(connectionIDs)
	if err != nil {
		return nil, err
	}

	release, err := o.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, ok := o.registry.Get(name)
	if !ok {
		return nil, api.NewNotFoundError("instance", name)
	}
	if err := checkOwner(inst, owner); err != nil {
		return nil, err
	}

	if err := o.credentials.Refresh(ctx, name, ids); err != nil {
		return nil, err
	}

	if inst.IsMCPServer() {
		// the container was recreated; pick up capabilities early
		_, _ = o.discovery.AwaitFirst(ctx, name)
	}
	return &api.AckResponse{Success: true, InstanceName: name, Message: "credentials refreshed"}, nil
}

// scheduledRefresh is run by the credential scheduler.
func (o *Orchestrator) scheduledRefresh(ctx context.Context, name string) error {
	release, err := o.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	err = o.credentials.Refresh(ctx, name, nil)
	o.opts.Metrics.Operation("scheduled_refresh", err)
	return err
}

// ForceProbe runs an immediate discovery probe of an MCP instance.
func (o *Orchestrator) ForceProbe(ctx context.Context, name string) (*api.DiscoveryEntry, error) {
	inst, ok := o.registry.Get(name)
	if !ok {
		return nil, api.NewNotFoundError("instance", name)
	}
	if !inst.IsMCPServer() {
		return nil, api.NewError(api.KindValidation, "instance %s is not an MCP server", name)
	}

	_, err := o.discovery.Probe(ctx, name)
	o.opts.Metrics.Operation("probe", err)
	if err != nil {
		return nil, err
	}

	inst, ok = o.registry.Get(name)
	if !ok {
		return nil, api.NewNotFoundError("instance", name)
	}
	entry := o.entry(inst)
	return &entry, nil
}

func checkOwner(inst *api.ManagedInstance, owner string) error {
	if owner == "" || owner != inst.AccountToolInstanceID {
		return api.NewError(api.KindForbidden, "caller does not own instance %s", inst.InstanceName)
	}
	return nil
}
