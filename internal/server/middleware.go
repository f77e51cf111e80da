package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

// rateLimit sheds requests beyond the API-wide budget with 429.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, api.ErrorBody{
					Error: api.ErrorDetail{Kind: api.KindRuntimeTransient, Message: "too many requests"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// logRequests logs every request through pkg/logging. Bodies and headers
// are never logged.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start).Round(time.Millisecond)
		reqID := middleware.GetReqID(r.Context())
		if status >= http.StatusInternalServerError {
			logging.Warn(serverSubsystem, "%s %s -> %d in %s (request %s)", r.Method, r.URL.Path, status, elapsed, reqID)
			return
		}
		logging.Debug(serverSubsystem, "%s %s -> %d in %s (request %s)", r.Method, r.URL.Path, status, elapsed, reqID)
	})
}
