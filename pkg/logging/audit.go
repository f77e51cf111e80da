package logging

import (
	"context"
	"log/slog"
	"strings"
)

// AuditEvent describes a security-relevant operation. It carries identifiers
// and outcomes only; credential material must never be placed in any field.
type AuditEvent struct {
	Action        string   // e.g. "credential_fetch", "credential_inject", "credential_refresh"
	Outcome       string   // "success" or "failure"
	Instance      string   // instance name on the toolbox
	Owner         string   // account tool instance id
	ConnectionIDs []string // opaque oauth connection ids
	Providers     []string // provider ids present in the bundle
	Reason        string   // failure reason, if any
}

// Audit logs an audit event at INFO level with an [AUDIT] prefix so log
// aggregation can filter on it.
func Audit(event AuditEvent) {
	mu.RLock()
	logger := defaultLogger
	mu.RUnlock()
	if logger == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("subsystem", "Audit"),
		slog.String("action", event.Action),
		slog.String("outcome", event.Outcome),
	}
	if event.Instance != "" {
		attrs = append(attrs, slog.String("instance", event.Instance))
	}
	if event.Owner != "" {
		attrs = append(attrs, slog.String("owner", event.Owner))
	}
	if len(event.ConnectionIDs) > 0 {
		attrs = append(attrs, slog.String("connections", strings.Join(event.ConnectionIDs, ",")))
	}
	if len(event.Providers) > 0 {
		attrs = append(attrs, slog.String("providers", strings.Join(event.Providers, ",")))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}

	logger.LogAttrs(context.Background(), slog.LevelInfo, "[AUDIT] "+event.Action, attrs...)
}
