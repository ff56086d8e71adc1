package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sagaflow/sagaflow/config"
)

// readOnlyMethods is everything the inspection API serves. Configured
// methods outside it are never advertised.
var readOnlyMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// CORS answers cross-origin requests for the read-only API. Preflights
// asking for any other method are refused with 405.
func CORS(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	methods := allowedMethods(cfg.AllowedMethods)
	allowMethods := strings.Join(methods, ", ")
	allowHeaders := strings.Join(cfg.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			if !originAllowed(origin, cfg.AllowedOrigins) {
				if isPreflight(r) {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", RequestIDHeader)

			if !isPreflight(r) {
				next.ServeHTTP(w, r)
				return
			}
			if !containsMethod(methods, r.Header.Get("Access-Control-Request-Method")) {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.Set("Access-Control-Allow-Methods", allowMethods)
			if allowHeaders != "" {
				h.Set("Access-Control-Allow-Headers", allowHeaders)
			}
			if cfg.MaxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// allowedMethods keeps the configured read-only methods, defaulting to GET.
func allowedMethods(configured []string) []string {
	out := make([]string, 0, len(configured))
	for _, m := range configured {
		m = strings.ToUpper(strings.TrimSpace(m))
		if readOnlyMethods[m] && !containsMethod(out, m) {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		out = append(out, http.MethodGet)
	}
	return out
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

func containsMethod(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
