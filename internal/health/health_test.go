package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProbeHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  func(Probe) http.HandlerFunc
		probe    Probe
		method   string
		wantCode int
		wantBody string
	}{
		{"healthz pass", HealthzHandler, pass, http.MethodGet, http.StatusOK, "ok\n"},
		{"healthz nil probe", HealthzHandler, nil, http.MethodGet, http.StatusOK, "ok\n"},
		{"healthz fail", HealthzHandler, Fixed(false, "wedged"), http.MethodGet, http.StatusServiceUnavailable, "wedged\n"},
		{"readyz pass", ReadyzHandler, pass, http.MethodGet, http.StatusOK, "ready\n"},
		{"readyz nil probe", ReadyzHandler, nil, http.MethodGet, http.StatusOK, "ready\n"},
		{"readyz no targets", ReadyzHandler, MinCount("targets", 1, func() int { return 0 }), http.MethodGet,
			http.StatusServiceUnavailable, "targets: have 0, need at least 1\n"},
		{"head has no body", ReadyzHandler, pass, http.MethodHead, http.StatusOK, ""},
		{"head failure has no body", ReadyzHandler, Fixed(false, "x"), http.MethodHead, http.StatusServiceUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(tt.probe).ServeHTTP(rec, httptest.NewRequest(tt.method, "/-/ready", http.NoBody))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Error("Cache-Control: no-store missing")
			}
			if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
				t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

type ctxKey struct{}

func TestProbeHandlers_UseRequestContext(t *testing.T) {
	var seen any
	p := CheckFunc(func(ctx context.Context) error {
		seen = ctx.Value(ctxKey{})
		return nil
	})
	req := httptest.NewRequest(http.MethodGet, "/-/healthy", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "marker"))
	HealthzHandler(p).ServeHTTP(httptest.NewRecorder(), req)

	if seen != "marker" {
		t.Fatalf("probe saw %v, want request context", seen)
	}
}

func TestProbeHandlers_EvaluatePerRequest(t *testing.T) {
	var g ShutdownGate
	h := ReadyzHandler(g.Probe())

	serve := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
		return rec.Code
	}
	if serve() != http.StatusOK {
		t.Fatal("open gate not ready")
	}
	g.Set("draining")
	if serve() != http.StatusServiceUnavailable {
		t.Fatal("closed gate still ready")
	}
}
