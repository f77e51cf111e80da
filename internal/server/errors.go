package server

import (
	"encoding/json"
	"net/http"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind api.ErrorKind) int {
	switch kind {
	case api.KindValidation:
		return http.StatusBadRequest
	case api.KindUnauthorized:
		return http.StatusUnauthorized
	case api.KindForbidden:
		return http.StatusForbidden
	case api.KindNotFound:
		return http.StatusNotFound
	case api.KindConflict, api.KindAlreadyExists:
		return http.StatusConflict
	case api.KindCredentialUnavailable:
		return http.StatusFailedDependency
	case api.KindRuntimeFatal:
		return http.StatusUnprocessableEntity
	case api.KindRuntimeTransient:
		return http.StatusServiceUnavailable
	case api.KindDiscoveryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug(serverSubsystem, "Failed to write response: %v", err)
	}
}

// writeError renders err as an ErrorBody. Only the caller-safe message is
// returned; the full chain is logged for 5xx responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := api.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		logging.Error(serverSubsystem, err, "%s %s failed", r.Method, r.URL.Path)
	}
	writeJSON(w, status, api.ErrorBody{
		Success: false,
		Error: api.ErrorDetail{
			Kind:    kind,
			Message: api.PublicMessage(err),
		},
	})
}
