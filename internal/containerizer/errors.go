package containerizer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/agentopia/toolbox-agent/internal/api"
)

var transientMarkers = []string{
	"cannot connect to the docker daemon",
	"is the docker daemon running",
	"connection refused",
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"tls handshake timeout",
	"internal server error",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"context deadline exceeded",
}

var serverErrorStatus = regexp.MustCompile(`(?i)(status|code)[ :=]*5\d\d\b`)

// classify turns a failed CLI invocation into a typed error. The engine's
// message is kept verbatim.
func classify(binary, op, stderr string, runErr error) *api.Error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = runErr.Error()
	}
	lower := strings.ToLower(msg)

	if errors.Is(runErr, exec.ErrNotFound) {
		return api.WrapError(api.KindRuntimeFatal, runErr, "%s not found in PATH", binary)
	}

	switch {
	case strings.Contains(lower, "no such container"), strings.Contains(lower, "no such object"):
		return &api.Error{Kind: api.KindNotFound, Message: msg, Err: runErr}
	case strings.Contains(lower, "is already in use"):
		return &api.Error{Kind: api.KindAlreadyExists, Message: msg, Err: runErr}
	case isTransientMessage(lower):
		return &api.Error{Kind: api.KindRuntimeTransient, Message: fmt.Sprintf("%s %s: %s", binary, op, msg), Err: runErr}
	default:
		return &api.Error{Kind: api.KindRuntimeFatal, Message: msg, Err: runErr}
	}
}

func isTransientMessage(lower string) bool {
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return serverErrorStatus.MatchString(lower)
}

// normalize reduces whatever the retry loop returned to a single typed error.
func normalize(err error, binary, op string) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return api.WrapError(api.KindRuntimeTransient, err, "%s %s interrupted", binary, op)
	}
	return api.WrapError(api.KindInternal, err, "%s %s failed", binary, op)
}
