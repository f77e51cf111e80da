// Package credentials implements the CredentialInjector: it fetches
// short-lived OAuth credentials from the credential broker, injects them
// into containers as environment variables and keeps them fresh.
//
// Token values only ever live in Secret values, which print as
// "[REDACTED]" through every formatting, JSON and slog path. A Bundle is
// fetched for exactly one injection and wiped right after it; nothing is
// cached, shared between instances or written to disk.
//
// The broker client authenticates with golang.org/x/oauth2 (client
// credentials or a static token), retries transport and 5xx failures with
// backoff and sits behind a circuit breaker so a broker outage fails fast.
// Denials (invalid, expired or revoked connections) are never retried.
//
// Refreshes are scheduled at min(expiresAt - 60s, 15m). The docker CLI
// cannot change the environment of a running container, so a refresh
// recreates the container with the same name, labels and port bindings.
// A failed fetch leaves the running container untouched and retries after
// a minute.
package credentials
