package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so that callers (and the HTTP layer) can
// react without parsing messages.
type ErrorKind string

const (
	// KindValidation marks a rejected request. It is never retried.
	KindValidation ErrorKind = "ValidationError"
	// KindRuntimeTransient marks a container engine failure that may
	// succeed on retry (daemon unreachable, socket errors, 5xx).
	KindRuntimeTransient ErrorKind = "RuntimeTransientError"
	// KindRuntimeFatal marks a container engine rejection (bad image
	// reference, invalid argument). The engine's message is kept verbatim.
	KindRuntimeFatal ErrorKind = "RuntimeFatalError"
	// KindCredentialUnavailable marks a broker denial or outage.
	KindCredentialUnavailable ErrorKind = "CredentialUnavailable"
	// KindDiscoveryTimeout marks a probe that exceeded its deadline.
	KindDiscoveryTimeout ErrorKind = "DiscoveryTimeout"
	// KindConflict marks an instance name collision.
	KindConflict ErrorKind = "Conflict"
	// KindAlreadyExists is the runtime-level form of a name collision.
	KindAlreadyExists ErrorKind = "AlreadyExists"
	KindNotFound      ErrorKind = "NotFound"
	KindForbidden     ErrorKind = "Forbidden"
	KindUnauthorized  ErrorKind = "Unauthorized"
	KindInternal      ErrorKind = "Internal"
)

// Error is the typed error used across the agent.
//
// Message is safe to return to API callers. Err carries the underlying
// cause for logs and errors.Is/As chains.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error of the given kind.
//
// Args:
//   - kind: The failure classification
//   - format: A printf-style message safe to show to API callers
//
// Example:
//
//	return api.NewError(api.KindConflict, "instance %q already exists", name)
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a new Error of the given kind wrapping err.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none. A nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound checks if an error is a NotFound error using error unwrapping.
//
// Example:
//
//	if api.IsNotFound(err) {
//	    // already gone
//	    return nil
//	}
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// NewNotFoundError creates a NotFound error for the given resource.
//
// Example:
//
//	return api.NewNotFoundError("instance", "weather-mcp")
func NewNotFoundError(resourceType, resourceName string) *Error {
	return NewError(KindNotFound, "%s %s not found", resourceType, resourceName)
}

// PublicMessage returns the message safe to expose to API callers. Causes
// that are not *Error values are hidden behind a generic message.
func PublicMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return string(apiErr.Kind)
	}
	return "internal error"
}
