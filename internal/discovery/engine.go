package discovery

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"golang.org/x/sync/singleflight"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/internal/registry"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

// awaitAttempts caps AwaitFirst; the probe timeout normally ends it first.
const awaitAttempts = 10

// Engine schedules capability probes for every MCP instance in the
// registry and keeps the per-instance discovery state.
type Engine struct {
	registry *registry.Registry
	prober   Prober
	host     string
	opts     Options

	mu     sync.Mutex
	states map[string]*instanceState
	// generations is bumped by Forget; outcomes of probes started under
	// an older generation are dropped.
	generations map[string]uint64
	ctx         context.Context
	wg          sync.WaitGroup

	group singleflight.Group

	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

// NewEngine creates an engine. host is the address used to reach
// published ports of SSE and WebSocket servers.
func NewEngine(reg *registry.Registry, prober Prober, host string, opts Options) *Engine {
	if host == "" {
		host = DefaultProbeHost
	}
	return &Engine{
		registry:    reg,
		prober:      prober,
		host:        host,
		opts:        opts.withDefaults(),
		states:      make(map[string]*instanceState),
		generations: make(map[string]uint64),
		now:         time.Now,
		jitter:      randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(2*max)+1)) - max
}

// Start begins probe loops for every MCP instance already registered,
// typically the ones recovered from the runtime at startup. Loops stop when
// ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	tracked := 0
	for _, inst := range e.registry.List() {
		if !inst.IsMCPServer() || inst.HealthStatus == api.HealthStopped {
			continue
		}
		e.Track(inst.InstanceName)
		tracked++
	}
	logging.Info(discoverySubsystem, "Discovery engine started (interval %s ± %s, timeout %s, %d instances)",
		e.opts.Interval, e.opts.Jitter, e.opts.Timeout, tracked)
}

// Stop cancels all probe loops and waits for them to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	for _, st := range e.states {
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
	}
	e.ctx = nil
	e.mu.Unlock()
	e.wg.Wait()
}

// Track makes sure name has a probe loop. It is a no-op for names that
// are already tracked or when the engine has not been started.
func (e *Engine) Track(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(name)
	if st.cancel != nil || e.ctx == nil {
		return
	}
	loopCtx, cancel := context.WithCancel(e.ctx)
	st.cancel = cancel
	e.wg.Add(1)
	go e.loop(loopCtx, name)
}

// Forget stops the probe loop of name and drops its state. Probes of name
// still in flight are not recorded.
func (e *Engine) Forget(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.generations[name]++
	if st, ok := e.states[name]; ok {
		if st.cancel != nil {
			st.cancel()
		}
		delete(e.states, name)
	}
}

// Status returns the discovery state of name. Unknown names are Starting.
func (e *Engine) Status(name string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.states[name]; ok {
		return st.status
	}
	return Status{State: StateStarting}
}

func (e *Engine) generation(name string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generations[name]
}

// State returns just the discovery state of name.
func (e *Engine) State(name string) State {
	return e.Status(name).State
}

// Probe runs an immediate probe of name and records the outcome.
// Concurrent probes of the same instance share one execution.
func (e *Engine) Probe(ctx context.Context, name string) (*api.CapabilitySnapshot, error) {
	ch := e.group.DoChan(name, func() (interface{}, error) {
		// the shared probe must not die with the first caller's request
		return e.probeOnce(context.WithoutCancel(ctx), name)
	})
	select {
	case <-ctx.Done():
		return nil, api.WrapError(api.KindDiscoveryTimeout, ctx.Err(), "probe of %s abandoned", name)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*api.CapabilitySnapshot), nil
	}
}

// AwaitFirst probes a freshly started instance until it answers or the
// probe timeout elapses. Failures are not counted against the instance:
// servers often need a moment before they accept connections, and the
// health monitor's startup grace covers servers that never come up.
func (e *Engine) AwaitFirst(ctx context.Context, name string) (*api.CapabilitySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	gen := e.generation(name)
	inst, err := e.probeTarget(name)
	if err != nil {
		return nil, err
	}

	var (
		snap    *api.CapabilitySnapshot
		lastErr error
	)
	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(awaitAttempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	).Do(func() error {
		s, err := e.prober.Probe(ctx, TargetFor(inst, e.host))
		if err != nil {
			lastErr = err
			return err
		}
		snap = s
		return nil
	})
	if err != nil || snap == nil {
		if lastErr == nil {
			lastErr = err
		}
		logging.Debug(discoverySubsystem, "Instance %s did not answer within %s: %v", name, e.opts.Timeout, lastErr)
		return nil, api.WrapError(api.KindDiscoveryTimeout, lastErr, "instance %s did not answer within %s", name, e.opts.Timeout)
	}

	e.record(inst, gen, snap, nil, 0)
	return snap, nil
}

func (e *Engine) loop(ctx context.Context, name string) {
	defer e.wg.Done()

	for {
		timer := time.NewTimer(e.opts.Interval + e.jitter(e.opts.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		inst, ok := e.registry.Get(name)
		if !ok {
			logging.Debug(discoverySubsystem, "Instance %s is gone, stopping its probe loop", name)
			e.Forget(name)
			return
		}
		if inst.PendingOperation != "" || inst.HealthStatus == api.HealthStopping || inst.HealthStatus == api.HealthStopped {
			continue
		}

		if _, err := e.Probe(ctx, name); err != nil {
			logging.Debug(discoverySubsystem, "Scheduled probe of %s failed: %v", name, err)
		}
	}
}

func (e *Engine) probeTarget(name string) (*api.ManagedInstance, error) {
	inst, ok := e.registry.Get(name)
	if !ok {
		return nil, api.NewNotFoundError("instance", name)
	}
	if !inst.IsMCPServer() {
		return nil, api.NewError(api.KindValidation, "instance %s is not an MCP server", name)
	}
	return inst, nil
}

func (e *Engine) probeOnce(ctx context.Context, name string) (*api.CapabilitySnapshot, error) {
	gen := e.generation(name)
	inst, err := e.probeTarget(name)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := e.now()
	snap, err := e.prober.Probe(pctx, TargetFor(inst, e.host))
	elapsed := e.now().Sub(start)

	if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		err = api.WrapError(api.KindDiscoveryTimeout, err, "probe of %s timed out after %s", name, e.opts.Timeout)
	}
	e.record(inst, gen, snap, err, elapsed)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// record applies a probe outcome to the discovery state and, on success,
// replaces the instance's capabilities. gen is the generation of name when
// the probe started.
func (e *Engine) record(inst *api.ManagedInstance, gen uint64, snap *api.CapabilitySnapshot, probeErr error, elapsed time.Duration) {
	name := inst.InstanceName
	now := e.now()
	success := probeErr == nil

	e.opts.Metrics.Probe(inst.TransportType, success, elapsed.Seconds())

	e.mu.Lock()
	if e.generations[name] != gen {
		e.mu.Unlock()
		logging.Debug(discoverySubsystem, "Dropping probe outcome of %s, instance was forgotten while probing", name)
		return
	}
	st := e.stateLocked(name)
	previous := st.status
	st.status = transition(previous, success, e.opts.FailureThreshold)
	st.status.LastProbeAt = now
	if !success {
		st.status.LastError = api.PublicMessage(probeErr)
	}
	current := st.status
	e.mu.Unlock()

	if success {
		snap.ProbedAt = now
	}
	err := e.registry.Update(name, func(m *api.ManagedInstance) {
		if success {
			m.Capabilities = snap
			m.LastCapabilityRefreshAt = now
		}
		oauthValid := true
		if m.Metrics != nil {
			oauthValid = m.Metrics.OAuthConnectionsValid
		}
		m.Metrics = &api.HealthMetrics{
			Reachable:             success,
			ResponseTimeMs:        elapsed.Milliseconds(),
			OAuthConnectionsValid: oauthValid,
			Timestamp:             now,
		}
	})
	if err != nil {
		// torn down while the probe was running
		e.mu.Lock()
		if st, ok := e.states[name]; ok && st.cancel == nil {
			delete(e.states, name)
		}
		e.mu.Unlock()
		return
	}

	switch {
	case previous.State != current.State && current.State == StateUnreachable:
		logging.Warn(discoverySubsystem, "Instance %s unreachable after %d failed probes: %s", name, current.FailureStreak, current.LastError)
	case previous.State != current.State:
		logging.Info(discoverySubsystem, "Instance %s discovery state %s -> %s", name, previous.State, current.State)
	}
	if success {
		logging.Debug(discoverySubsystem, "Instance %s: %d tools, %d resources, %d prompts",
			name, len(snap.Tools), len(snap.Resources), len(snap.Prompts))
	}
}

func (e *Engine) stateLocked(name string) *instanceState {
	st, ok := e.states[name]
	if !ok {
		st = &instanceState{status: Status{State: StateStarting}}
		e.states[name] = st
	}
	return st
}
