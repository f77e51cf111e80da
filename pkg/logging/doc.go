// Package logging provides the structured logging used throughout the toolbox
// agent.
//
// It is a thin layer over Go's slog package. Every entry is tagged with a
// subsystem so that output from the runtime client, the credential injector,
// the discovery engine and the health monitor can be told apart and filtered.
//
// # Usage
//
//	logging.Init(logging.LevelInfo, logging.FormatJSON, os.Stdout)
//
//	logging.Info("Orchestrator", "Deployed %s as %s", name, shortID)
//	logging.Debug("Discovery", "Probing %s via %s", name, transport)
//	logging.Warn("Health", "Heartbeat send failed (%d consecutive)", n)
//	logging.Error("Docker", err, "Failed to remove container %s", name)
//
// # Audit logging
//
// Credential operations are recorded with Audit. Audit events carry instance
// names, owners, connection ids and outcomes; they never carry token values.
//
//	logging.Audit(logging.AuditEvent{
//	    Action:   "credential_inject",
//	    Outcome:  "success",
//	    Instance: "github-mcp",
//	})
//
// # Thread Safety
//
// All functions are safe for concurrent use. Init may be called again (tests
// do this to capture output) and subsequent log calls use the new handler.
package logging
