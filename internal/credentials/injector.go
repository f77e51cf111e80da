package credentials

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/containerizer"
	"github.com/agentopia/toolbox-agent/internal/registry"
	"github.com/agentopia/toolbox-agent/pkg/logging"
	pkgstrings "github.com/agentopia/toolbox-agent/pkg/strings"
)

const credentialsSubsystem = "Credentials"

const (
	DefaultFetchTimeout       = 10 * time.Second
	DefaultMaxRefreshInterval = 15 * time.Minute
	DefaultRefreshSkew        = 60 * time.Second
	DefaultRetryBackoff       = time.Minute
	DefaultStopGrace          = 10 * time.Second
	DefaultRefreshTimeout     = 2 * time.Minute
)

// RefreshFunc performs a scheduled refresh of one instance.
type RefreshFunc func(ctx context.Context, instanceName string) error

// Options configures an Injector.
type Options struct {
	AgentID            string
	FetchTimeout       time.Duration
	MaxRefreshInterval time.Duration
	RefreshSkew        time.Duration
	RetryBackoff       time.Duration
	StopGrace          time.Duration
	RefreshTimeout     time.Duration
}

// Injector fetches credentials from the broker, turns them into container
// env vars and keeps them fresh.
type Injector struct {
	broker   Broker
	runtime  containerizer.ContainerRuntime
	registry *registry.Registry
	opts     Options

	// now and afterFunc are replaced in tests
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu        sync.Mutex
	timers    map[string]*time.Timer
	valid     map[string]bool
	onRefresh RefreshFunc
	stopped   bool
}

// NewInjector creates a new Injector.
func NewInjector(broker Broker, runtime containerizer.ContainerRuntime, reg *registry.Registry, opts Options) *Injector {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.MaxRefreshInterval <= 0 {
		opts.MaxRefreshInterval = DefaultMaxRefreshInterval
	}
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = DefaultRefreshSkew
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}

	inj := &Injector{
		broker:    broker,
		runtime:   runtime,
		registry:  reg,
		opts:      opts,
		now:       time.Now,
		afterFunc: time.AfterFunc,
		timers:    make(map[string]*time.Timer),
		valid:     make(map[string]bool),
	}
	inj.onRefresh = func(ctx context.Context, name string) error {
		return inj.Refresh(ctx, name, nil)
	}
	return inj
}

// SetRefreshHandler replaces what a scheduled refresh runs. The
// orchestrator uses it to take the per-instance lock around Refresh.
func (i *Injector) SetRefreshHandler(fn RefreshFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onRefresh = fn
}

// FetchCredentials asks the broker for a fresh bundle, bounded by the
// fetch timeout. Every call fetches independently; bundles are never
// cached or shared.
func (i *Injector) FetchCredentials(ctx context.Context, accountToolInstanceID string, connectionIDs, scopes []string) (*Bundle, error) {
	if len(connectionIDs) == 0 {
		return &Bundle{Credentials: map[string]*ProviderCredential{}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, i.opts.FetchTimeout)
	defer cancel()

	bundle, err := i.broker.Fetch(ctx, FetchRequest{
		AgentID:               i.opts.AgentID,
		AccountToolInstanceID: accountToolInstanceID,
		ConnectionIDs:         append([]string(nil), connectionIDs...),
		Scopes:                append([]string(nil), scopes...),
	})
	if err != nil {
		if api.KindOf(err) != api.KindCredentialUnavailable {
			err = api.WrapError(api.KindCredentialUnavailable, err, "credential broker unavailable")
		}
		logging.Warn(credentialsSubsystem, "Credential fetch for %s failed: %v", accountToolInstanceID, err)
		return nil, err
	}
	return bundle, nil
}

// Inject returns a copy of spec whose SecretEnv carries the bundle:
// OAUTH_<PROVIDER>_ACCESS_TOKEN, _REFRESH_TOKEN, _EXPIRES_AT and _SCOPES
// per provider, plus OAUTH_PROVIDERS.
func (i *Injector) Inject(spec containerizer.ContainerSpec, bundle *Bundle) containerizer.ContainerSpec {
	out := spec.Clone()
	out.SecretEnv = containerizer.SecretEnv{}
	for k, v := range spec.SecretEnv {
		out.SecretEnv[k] = v
	}

	providers := bundle.Providers()
	if len(providers) == 0 {
		return out
	}

	for _, provider := range providers {
		cred := bundle.Credentials[provider]
		if cred == nil {
			continue
		}
		prefix := envPrefix(provider)
		out.SecretEnv[prefix+"ACCESS_TOKEN"] = cred.AccessToken.Reveal()
		if !cred.RefreshToken.IsEmpty() {
			out.SecretEnv[prefix+"REFRESH_TOKEN"] = cred.RefreshToken.Reveal()
		}
		if !cred.ExpiresAt.IsZero() {
			out.SecretEnv[prefix+"EXPIRES_AT"] = cred.ExpiresAt.UTC().Format(time.RFC3339)
		}
		out.SecretEnv[prefix+"SCOPES"] = strings.Join(cred.Scopes, " ")
	}
	out.SecretEnv["OAUTH_PROVIDERS"] = strings.Join(providers, ",")

	return out
}

// NextRefresh returns how long to wait before refreshing a bundle:
// min(expiresAt - skew, max interval), never negative.
func (i *Injector) NextRefresh(bundle *Bundle) time.Duration {
	wait := i.opts.MaxRefreshInterval
	if expiry, ok := bundle.EarliestExpiry(); ok {
		if untilExpiry := expiry.Sub(i.now()) - i.opts.RefreshSkew; untilExpiry < wait {
			wait = untilExpiry
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Schedule arms the refresh timer of an instance, replacing any previous one.
func (i *Injector) Schedule(instanceName string, after time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stopped {
		return
	}
	if t, ok := i.timers[instanceName]; ok {
		t.Stop()
	}
	logging.Debug(credentialsSubsystem, "Next credential refresh for %s in %s", instanceName, after)
	i.timers[instanceName] = i.afterFunc(after, func() {
		i.fire(instanceName)
	})
}

func (i *Injector) fire(instanceName string) {
	i.mu.Lock()
	handler := i.onRefresh
	stopped := i.stopped
	i.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.opts.RefreshTimeout)
	defer cancel()

	if err := handler(ctx, instanceName); err != nil && !api.IsNotFound(err) {
		logging.Warn(credentialsSubsystem, "Scheduled credential refresh for %s failed: %v", instanceName, err)
	}
}

// Cancel stops the refresh timer of an instance and forgets its state.
func (i *Injector) Cancel(instanceName string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if t, ok := i.timers[instanceName]; ok {
		t.Stop()
		delete(i.timers, instanceName)
	}
	delete(i.valid, instanceName)
}

// Stop cancels every pending refresh.
func (i *Injector) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.stopped = true
	for name, t := range i.timers {
		t.Stop()
		delete(i.timers, name)
	}
}

// MarkValid records whether the last fetch for an instance succeeded.
func (i *Injector) MarkValid(instanceName string, valid bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.valid[instanceName] = valid
}

// ConnectionsValid reports whether the last fetch or refresh for the
// instance succeeded. Instances never fetched for are valid.
func (i *Injector) ConnectionsValid(instanceName string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	valid, ok := i.valid[instanceName]
	return !ok || valid
}

// Refresh fetches a new bundle for an instance and applies it.
//
// connectionIDs, when non-nil, replace the instance's connection set. If
// the fetch fails the container keeps its current credentials and the
// refresh is retried after the backoff. Because the runtime cannot update
// env vars in place, a successful fetch recreates the container with the
// same name, labels, image and port bindings.
func (i *Injector) Refresh(ctx context.Context, instanceName string, connectionIDs []string) error {
	inst, ok := i.registry.Get(instanceName)
	if !ok {
		return api.NewNotFoundError("instance", instanceName)
	}
	if inst.Config == nil {
		return api.NewError(api.KindInternal, "instance %s has no recorded configuration", instanceName)
	}

	ids := inst.OAuthConnectionIDs
	if connectionIDs != nil {
		ids = connectionIDs
	}

	audit := logging.AuditEvent{
		Action:        "credentials_refresh",
		Instance:      instanceName,
		Owner:         inst.AccountToolInstanceID,
		ConnectionIDs: ids,
	}

	if len(ids) == 0 && len(inst.OAuthConnectionIDs) == 0 {
		i.MarkValid(instanceName, true)
		return nil
	}

	bundle, err := i.FetchCredentials(ctx, inst.AccountToolInstanceID, ids, inst.Config.RequiredScopes)
	if err != nil {
		i.MarkValid(instanceName, false)
		i.Schedule(instanceName, i.opts.RetryBackoff)
		audit.Outcome = "failure"
		audit.Reason = api.PublicMessage(err)
		logging.Audit(audit)
		return err
	}
	defer bundle.Wipe()
	i.MarkValid(instanceName, true)
	audit.Providers = bundle.Providers()

	cfg := inst.Config.Clone()
	cfg.OAuthConnectionIDs = append([]string(nil), ids...)

	spec, err := containerizer.BuildContainerSpec(cfg, i.opts.AgentID, inst.InstanceID, inst.CreatedAt)
	if err != nil {
		return err
	}
	spec = i.Inject(spec, bundle)
	defer spec.SecretEnv.Wipe()

	containerID, err := i.recreate(ctx, inst, cfg, spec)
	if err != nil {
		i.Schedule(instanceName, i.opts.RetryBackoff)
		audit.Outcome = "failure"
		audit.Reason = api.PublicMessage(err)
		logging.Audit(audit)
		return err
	}

	now := i.now()
	if err := i.registry.Update(instanceName, func(m *api.ManagedInstance) {
		m.ContainerID = containerID
		m.OAuthConnectionIDs = cfg.OAuthConnectionIDs
		m.Config = cfg
		m.LastOAuthRefreshAt = now
	}); err != nil {
		return err
	}

	i.Schedule(instanceName, i.NextRefresh(bundle))
	audit.Outcome = "success"
	logging.Audit(audit)
	return nil
}

// recreate replaces the container of inst with one created from spec. The
// registry entry is marked as pending for the duration so reconciliation
// does not purge it mid-way.
func (i *Injector) recreate(ctx context.Context, inst *api.ManagedInstance, cfg *api.NormalizedConfig, spec containerizer.ContainerSpec) (string, error) {
	name := inst.InstanceName
	_ = i.registry.Update(name, func(m *api.ManagedInstance) { m.PendingOperation = "refresh" })
	defer func() {
		_ = i.registry.Update(name, func(m *api.ManagedInstance) { m.PendingOperation = "" })
	}()

	logging.Info(credentialsSubsystem, "Recreating %s to apply refreshed credentials", name)

	if err := i.runtime.Stop(ctx, inst.ContainerID, containerizer.StopOptions{Timeout: i.opts.StopGrace}); err != nil && !api.IsNotFound(err) {
		return "", fmt.Errorf("failed to stop %s for refresh: %w", name, err)
	}
	if err := i.runtime.Remove(ctx, inst.ContainerID, containerizer.RemoveOptions{Force: true}); err != nil {
		return "", fmt.Errorf("failed to remove %s for refresh: %w", name, err)
	}

	image := cfg.Image
	if image == "" {
		image = inst.Image
	}
	containerID, err := i.runtime.Create(ctx, image, name, spec)
	if err != nil {
		logging.Error(credentialsSubsystem, err, "Recreate of %s failed after removal", name)
		return "", err
	}
	if err := i.runtime.Start(ctx, containerID); err != nil {
		logging.Error(credentialsSubsystem, err, "Start of recreated %s failed, removing container %s", name, pkgstrings.ShortID(containerID))
		// the registry never learns this id, so it must not outlive the call
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.opts.RefreshTimeout)
		defer cancel()
		if rmErr := i.runtime.Remove(rmCtx, containerID, containerizer.RemoveOptions{Force: true}); rmErr != nil {
			logging.Error(credentialsSubsystem, rmErr, "Cannot remove failed container %s of %s", pkgstrings.ShortID(containerID), name)
		}
		return "", err
	}
	return containerID, nil
}
