// Package middleware provides the HTTP middleware of the inspection API.
package middleware

import (
	"net/http"
	"time"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// Logger logs one line per request with the saga it addressed. Server
// errors log at error, client errors at warn and health checks at debug.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			route := resolveRoute(r)
			args := append([]any{
				"request_id", GetRequestID(r.Context()),
				"method", r.Method,
				"route", route.pattern,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", rec.size,
			}, route.logArgs()...)

			switch {
			case rec.status >= http.StatusInternalServerError:
				log.ErrorContext(r.Context(), "HTTP request failed", append(args, "remote_addr", r.RemoteAddr)...)
			case rec.status >= http.StatusBadRequest && rec.status != http.StatusNotFound:
				log.WarnContext(r.Context(), "HTTP request rejected", args...)
			case isHealthCheck(r.URL.Path):
				log.DebugContext(r.Context(), "HTTP request", args...)
			default:
				log.InfoContext(r.Context(), "HTTP request", args...)
			}
		})
	}
}
