// Package server exposes the orchestration API over HTTP.
//
// Routes (chi):
//
//	GET    /healthz                                  liveness, unauthenticated
//	GET    /metrics                                  Prometheus, unauthenticated
//	GET    /status                                   host status
//	GET    /v1/discovery                             instances and capabilities
//	POST   /v1/instances                             deploy
//	DELETE /v1/instances/{name}                      teardown
//	POST   /v1/instances/{name}/credentials/refresh  credential refresh
//	POST   /v1/instances/{name}/probe                forced discovery probe
//
// Every other route requires a bearer credential: an HS256 JWT when a
// signing secret is configured, a static shared token otherwise. Teardown
// and refresh take the caller's account tool instance id from the
// X-Account-Tool-Instance-Id header (or the accountToolInstanceId query
// parameter) and the orchestrator rejects callers that do not own the
// instance.
//
// Errors are returned as {"success":false,"error":{"kind","message"}} with
// the HTTP status derived from the error kind. Messages are caller-safe;
// causes are only logged.
package server
