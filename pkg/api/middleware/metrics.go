package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsRecorder defines the interface for recording HTTP metrics.
// ctx carries the request span so latency samples can link to traces.
type MetricsRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics records request count, latency and in-flight requests. The path
// label is the chi route pattern, so correlation ids never become label
// values.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			rec := newStatusRecorder(w)
			observe := func(status int) {
				recorder.RecordHTTPRequest(r.Context(), r.Method, resolveRoute(r).pattern, strconv.Itoa(status), time.Since(start))
			}
			defer func() {
				if p := recover(); p != nil {
					observe(http.StatusInternalServerError)
					panic(p)
				}
			}()

			next.ServeHTTP(rec, r)
			observe(rec.status)
		})
	}
}
