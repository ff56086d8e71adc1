package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestStatusRecorder(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	if rec.status != http.StatusOK || rec.wrote {
		t.Fatalf("fresh recorder = %d, wrote=%v", rec.status, rec.wrote)
	}

	rec.WriteHeader(http.StatusAccepted)
	rec.WriteHeader(http.StatusTeapot)
	if rec.status != http.StatusAccepted {
		t.Errorf("status = %d, want the first one written", rec.status)
	}
	if _, err := rec.Write([]byte("abc")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if rec.size != 3 {
		t.Errorf("size = %d, want 3", rec.size)
	}
	if rec.Unwrap() == nil {
		t.Error("Unwrap() returned nil")
	}
}

func TestResolveRoute(t *testing.T) {
	var got sagaRoute
	r := chi.NewRouter()
	r.Get("/api/v1/sagas/{workflow}/{correlationID}/journal", func(w http.ResponseWriter, r *http.Request) {
		got = resolveRoute(r)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sagas/registration/reg-7/journal", nil))

	want := sagaRoute{
		pattern:       "/api/v1/sagas/{workflow}/{correlationID}/journal",
		workflow:      "registration",
		correlationID: "reg-7",
	}
	if got != want {
		t.Fatalf("resolveRoute() = %+v, want %+v", got, want)
	}
	args := got.logArgs()
	if len(args) != 4 || args[1] != "registration" || args[3] != "reg-7" {
		t.Errorf("logArgs() = %v", args)
	}

	bare := resolveRoute(httptest.NewRequest(http.MethodGet, "/health", nil))
	if bare.pattern != "/health" || len(bare.logArgs()) != 0 {
		t.Errorf("route without chi context = %+v", bare)
	}
}
