package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Route parameters shared by every saga endpoint.
const (
	paramWorkflow      = "workflow"
	paramCorrelationID = "correlationID"
)

// statusRecorder captures the first status written and the body size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
	wrote  bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wrote {
		rw.status = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wrote = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// sagaRoute is what routing resolved for a request. Read it after the
// handler returns; chi fills the route context while dispatching.
type sagaRoute struct {
	pattern       string
	workflow      string
	correlationID string
}

func resolveRoute(r *http.Request) sagaRoute {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return sagaRoute{pattern: r.URL.Path}
	}
	route := sagaRoute{
		pattern:       strings.TrimSpace(rc.RoutePattern()),
		workflow:      rc.URLParam(paramWorkflow),
		correlationID: rc.URLParam(paramCorrelationID),
	}
	if route.pattern == "" {
		// Unmatched paths stay out of labels and span names.
		route.pattern = "unmatched"
	}
	return route
}

// logArgs returns the saga identifiers present on the route.
func (s sagaRoute) logArgs() []any {
	var args []any
	if s.workflow != "" {
		args = append(args, "workflow", s.workflow)
	}
	if s.correlationID != "" {
		args = append(args, "correlation_id", s.correlationID)
	}
	return args
}

// isHealthCheck reports liveness and readiness checks, which are too frequent to
// log or trace at normal levels.
func isHealthCheck(path string) bool {
	return path == "/health" || path == "/ready"
}
