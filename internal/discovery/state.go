package discovery

import (
	"time"

	"github.com/agentopia/toolbox-agent/internal/metrics"
)

const discoverySubsystem = "Discovery"

// State is the discovery view of one instance.
type State string

const (
	// StateStarting means no probe has succeeded yet and the failure
	// threshold has not been reached.
	StateStarting State = "starting"
	// StateDiscovered means the last probe succeeded.
	StateDiscovered State = "discovered"
	// StateStale means recent probes failed; the last capabilities are kept.
	StateStale State = "stale"
	// StateUnreachable means the failure streak reached the threshold.
	StateUnreachable State = "unreachable"
)

const (
	DefaultInterval         = 60 * time.Second
	DefaultJitter           = 10 * time.Second
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultProbeHost        = "127.0.0.1"
)

// Options configures an Engine.
type Options struct {
	Interval         time.Duration
	Jitter           time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Metrics          *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Jitter < 0 || o.Jitter >= o.Interval {
		o.Jitter = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	return o
}

// Status is a point-in-time copy of an instance's discovery state.
type Status struct {
	State          State
	FailureStreak  int
	LastProbeAt    time.Time
	LastError      string
	ProbeCompleted bool
}

type instanceState struct {
	status Status
	cancel func()
}

// transition applies one probe outcome and returns the new state. Before
// the first success failures only count towards the threshold; Stale is
// reserved for servers that were discovered once.
func transition(current Status, success bool, threshold int) Status {
	next := current
	next.ProbeCompleted = true
	if success {
		next.State = StateDiscovered
		next.FailureStreak = 0
		next.LastError = ""
		return next
	}
	next.FailureStreak++
	switch {
	case next.FailureStreak >= threshold:
		next.State = StateUnreachable
	case current.State == StateStarting:
	default:
		next.State = StateStale
	}
	return next
}
