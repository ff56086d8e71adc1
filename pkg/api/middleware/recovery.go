package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/sagaflow/sagaflow/pkg/api/response"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// Recovery turns a handler panic into a 500. The panic value and stack are
// logged; the client only sees the request id. http.ErrAbortHandler is
// re-raised so net/http aborts the connection as intended.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := newStatusRecorder(w)
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(p)
				}

				route := resolveRoute(r)
				log.ErrorContext(r.Context(), "Panic recovered", append([]any{
					"panic", p,
					"method", r.Method,
					"route", route.pattern,
					"headers_sent", rec.wrote,
					"stack", string(debug.Stack()),
				}, route.logArgs()...)...)

				if rec.wrote {
					// Too late for a clean reply.
					return
				}
				response.Error(rec, http.StatusInternalServerError, response.ErrCodeInternalServer,
					"internal server error", GetRequestID(r.Context()))
			}()

			next.ServeHTTP(rec, r)
		})
	}
}
