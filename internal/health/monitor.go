package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/containerizer"
	"github.com/agentopia/toolbox-agent/internal/discovery"
	"github.com/agentopia/toolbox-agent/internal/metrics"
	"github.com/agentopia/toolbox-agent/internal/registry"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

const healthSubsystem = "Health"

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultSinkTimeout       = 5 * time.Second
	DefaultFailureStreakWarn = 3
	DefaultListTimeout       = 10 * time.Second
)

// DiscoveryStates reports the discovery state of MCP instances.
type DiscoveryStates interface {
	State(name string) discovery.State
}

// CredentialStates reports whether an instance's OAuth connections are
// currently usable.
type CredentialStates interface {
	ConnectionsValid(name string) bool
}

// Sink receives heartbeats.
type Sink interface {
	Send(ctx context.Context, payload api.HeartbeatPayload) error
}

// PurgeFunc is called after an instance has been purged from the registry.
type PurgeFunc func(inst *api.ManagedInstance)

// Options configures a Monitor.
type Options struct {
	AgentID           string
	Version           string
	Interval          time.Duration
	StartupGrace      time.Duration
	SinkTimeout       time.Duration
	FailureStreakWarn int
	Metrics           *metrics.Metrics
	OnPurge           PurgeFunc
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultHeartbeatInterval
	}
	if o.StartupGrace <= 0 {
		o.StartupGrace = DefaultStartupGrace
	}
	if o.SinkTimeout <= 0 {
		o.SinkTimeout = DefaultSinkTimeout
	}
	if o.FailureStreakWarn <= 0 {
		o.FailureStreakWarn = DefaultFailureStreakWarn
	}
	return o
}

// Monitor runs reconciliation and heartbeats.
type Monitor struct {
	registry    *registry.Registry
	runtime     containerizer.ContainerRuntime
	discovery   DiscoveryStates
	credentials CredentialStates
	sink        Sink
	opts        Options

	mu          sync.Mutex
	prevStopped map[string]bool
	hostStatus  api.HealthStatus
	sendStreak  int
	warned      bool
	lastSentAt  time.Time

	now func() time.Time
}

// NewMonitor creates a monitor. credentials and sink may be nil.
func NewMonitor(reg *registry.Registry, runtime containerizer.ContainerRuntime, states DiscoveryStates, credentials CredentialStates, sink Sink, opts Options) *Monitor {
	return &Monitor{
		registry:    reg,
		runtime:     runtime,
		discovery:   states,
		credentials: credentials,
		sink:        sink,
		opts:        opts.withDefaults(),
		prevStopped: make(map[string]bool),
		hostStatus:  api.HealthHealthy,
		now:         time.Now,
	}
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	logging.Info(healthSubsystem, "Heartbeat every %s (startup grace %s)", m.opts.Interval, m.opts.StartupGrace)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HostStatus returns the rollup computed by the last tick.
func (m *Monitor) HostStatus() api.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostStatus
}

// Tick runs one reconciliation pass and sends one heartbeat.
func (m *Monitor) Tick(ctx context.Context) api.HealthStatus {
	m.reconcile(ctx)

	instances := m.registry.List()
	statuses := make([]api.HealthStatus, 0, len(instances))
	counts := make(map[api.HealthStatus]int)
	for _, inst := range instances {
		statuses = append(statuses, inst.HealthStatus)
		counts[inst.HealthStatus]++
	}
	host := Rollup(statuses)

	m.mu.Lock()
	if host != m.hostStatus {
		logging.Info(healthSubsystem, "Host status %s -> %s", m.hostStatus, host)
	}
	m.hostStatus = host
	m.mu.Unlock()

	m.opts.Metrics.ObserveInstances(counts, host)
	m.sendHeartbeat(ctx, host, instances)
	return host
}

// reconcile updates every instance's health from the runtime's view.
func (m *Monitor) reconcile(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, DefaultListTimeout)
	defer cancel()

	infos, err := m.runtime.List(listCtx, containerizer.ListFilter{
		All:    true,
		Labels: map[string]string{containerizer.LabelManagedBy: m.opts.AgentID},
	})
	if err != nil {
		// without the runtime's view nothing can be fused; keep the
		// previous statuses and still report them
		logging.Warn(healthSubsystem, "Cannot list containers, keeping previous health: %v", err)
		return
	}

	byName := make(map[string]containerizer.ContainerInfo, len(infos))
	byID := make(map[string]containerizer.ContainerInfo, len(infos))
	for _, info := range infos {
		name := info.Labels[containerizer.LabelInstanceName]
		if name == "" {
			name = strings.TrimPrefix(info.Name, "/")
		}
		byName[name] = info
		byID[info.ID] = info
	}

	now := m.now()
	stopped := make(map[string]bool)

	for _, inst := range m.registry.List() {
		name := inst.InstanceName
		if inst.PendingOperation != "" || inst.HealthStatus == api.HealthStopping {
			continue
		}

		info, found := byID[inst.ContainerID]
		if !found {
			info, found = byName[name]
		}
		running := found && info.Running

		var disc discovery.State
		if inst.IsMCPServer() && m.discovery != nil {
			disc = m.discovery.State(name)
		}
		next := Fuse(Signals{
			ContainerType:    inst.ContainerType,
			ContainerRunning: running,
			Discovery:        disc,
			Age:              now.Sub(inst.CreatedAt),
			StartupGrace:     m.opts.StartupGrace,
		})

		if next == api.HealthStopped && m.wasStopped(name) {
			leftover := ""
			if found {
				leftover = info.ID
			}
			m.purge(ctx, inst, leftover)
			continue
		}
		if next == api.HealthStopped {
			stopped[name] = true
		}

		if next != inst.HealthStatus {
			if !m.registry.CompareAndSwapHealth(name, inst.HealthStatus, next) {
				// teardown or another writer got there first
				continue
			}
			logHealthChange(inst, next, found)
		}

		valid := true
		if m.credentials != nil {
			valid = m.credentials.ConnectionsValid(name)
		}
		_ = m.registry.Update(name, func(mi *api.ManagedInstance) {
			mi.LastHealthCheckAt = now
			if next == api.HealthStopped && mi.StoppedAt.IsZero() {
				mi.StoppedAt = now
			}
			if next != api.HealthStopped {
				mi.StoppedAt = time.Time{}
			}
			if mi.Metrics == nil {
				mi.Metrics = &api.HealthMetrics{Reachable: running}
			}
			mi.Metrics.OAuthConnectionsValid = valid
			mi.Metrics.Timestamp = now
			if !mi.IsMCPServer() {
				mi.Metrics.Reachable = running
			}
		})
	}

	m.mu.Lock()
	m.prevStopped = stopped
	m.mu.Unlock()
}

func (m *Monitor) wasStopped(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevStopped[name]
}

// purge drops an instance that has been Stopped for a full tick and
// removes leftover, the id of the exited container found for it, if any.
// The registry entry is only dropped if it still points at the container
// seen in this tick; a replace that landed meanwhile is kept.
func (m *Monitor) purge(ctx context.Context, inst *api.ManagedInstance, leftover string) {
	name := inst.InstanceName
	if leftover != "" {
		rmCtx, cancel := context.WithTimeout(ctx, DefaultListTimeout)
		err := m.runtime.Remove(rmCtx, leftover, containerizer.RemoveOptions{Force: true})
		cancel()
		if err != nil {
			logging.Warn(healthSubsystem, "Cannot remove exited container of %s, purging anyway: %v", name, err)
		}
	}
	if !m.registry.RemoveIf(name, inst.ContainerID) {
		logging.Debug(healthSubsystem, "Instance %s changed while purging, keeping it", name)
		return
	}
	logging.Info(healthSubsystem, "Purged instance %s: container gone since %s", name, inst.StoppedAt.Format(time.RFC3339))
	logging.Audit(logging.AuditEvent{
		Action:   "instance_purge",
		Outcome:  "success",
		Instance: name,
		Owner:    inst.AccountToolInstanceID,
		Reason:   "container absent or exited",
	})
	if m.opts.OnPurge != nil {
		m.opts.OnPurge(inst)
	}
}

func logHealthChange(inst *api.ManagedInstance, next api.HealthStatus, containerFound bool) {
	switch {
	case next == api.HealthStopped && !containerFound:
		logging.Warn(healthSubsystem, "Container of %s disappeared, marking stopped", inst.InstanceName)
	case next == api.HealthStopped:
		logging.Warn(healthSubsystem, "Container of %s is not running, marking stopped", inst.InstanceName)
	case next == api.HealthUnhealthy:
		logging.Warn(healthSubsystem, "Instance %s is unhealthy (was %s)", inst.InstanceName, inst.HealthStatus)
	default:
		logging.Info(healthSubsystem, "Instance %s health %s -> %s", inst.InstanceName, inst.HealthStatus, next)
	}
}

func (m *Monitor) sendHeartbeat(ctx context.Context, host api.HealthStatus, instances []*api.ManagedInstance) {
	if m.sink == nil {
		return
	}

	payload := api.HeartbeatPayload{
		HeartbeatID: uuid.NewString(),
		AgentID:     m.opts.AgentID,
		Version:     m.opts.Version,
		Timestamp:   m.now().UTC(),
		Status:      host,
		Instances:   instances,
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.opts.SinkTimeout)
	err := m.sink.Send(sendCtx, payload)
	cancel()
	m.opts.Metrics.Heartbeat(err == nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.sendStreak++
		logging.Debug(healthSubsystem, "Heartbeat %s failed (%d in a row): %v", payload.HeartbeatID, m.sendStreak, err)
		if m.sendStreak >= m.opts.FailureStreakWarn && !m.warned {
			m.warned = true
			logging.Error(healthSubsystem, err, "Control plane unreachable: %d consecutive heartbeats failed, last success %s",
				m.sendStreak, formatLastSent(m.lastSentAt))
		}
		return
	}

	if m.warned {
		logging.Info(healthSubsystem, "Control plane reachable again after %d failed heartbeats", m.sendStreak)
	}
	m.sendStreak = 0
	m.warned = false
	m.lastSentAt = payload.Timestamp
}

// FailureStreak returns the number of consecutive failed heartbeats.
func (m *Monitor) FailureStreak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendStreak
}

func formatLastSent(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
