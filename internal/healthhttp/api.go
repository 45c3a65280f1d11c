package healthhttp

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/readiness-proxy/internal/health"
)

// API serves the proxy's own health endpoints on the public listener so a
// load balancer can check it on the traffic port. Nil probes always pass.
type API struct {
	Liveness  health.Probe
	Readiness health.Probe
}

func NewAPI(liveness, readiness health.Probe) *API {
	return &API{Liveness: liveness, Readiness: readiness}
}

// RegisterRoutes mounts GET and HEAD for /-/ping, /-/healthy and /-/ready.
// /-/ping never consults a probe.
func (api *API) RegisterRoutes(r chi.Router) {
	routes := map[string]http.Handler{
		"/-/ping":    http.HandlerFunc(pong),
		"/-/healthy": health.HealthzHandler(api.Liveness),
		"/-/ready":   health.ReadyzHandler(api.Readiness),
	}
	for path, h := range routes {
		r.Method(http.MethodGet, path, h)
		r.Method(http.MethodHead, path, h)
	}
}

func pong(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, "pong\n")
	}
}
