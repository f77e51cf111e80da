// Package api holds the domain types shared by every toolbox-agent
// component and the typed error taxonomy.
//
// # Types
//
// ManagedInstance is the registry record for a container under the agent's
// control. DeployRequest is what the control plane sends; the configuration
// manager turns it into a NormalizedConfig, which is the only configuration
// form that the runtime, credential and discovery layers accept.
// CapabilitySnapshot and HealthMetrics hold the latest discovery and health
// samples.
//
// # Errors
//
// All components return *Error values carrying an ErrorKind. The HTTP
// server maps kinds to status codes and only ever exposes Error.Message:
//
//	if api.IsKind(err, api.KindConflict) {
//	    // name already taken
//	}
//
// This package has no dependencies on other internal packages.
package api
