package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/readiness-proxy/internal/health"
	"github.com/keithlinneman/readiness-proxy/internal/httpmw"
	"github.com/keithlinneman/readiness-proxy/internal/log"
)

// RouteRegistrar is implemented by the HTTP APIs mounted on the public router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// RoutesFunc adapts a plain function into a RouteRegistrar.
type RoutesFunc func(r chi.Router)

func (f RoutesFunc) RegisterRoutes(r chi.Router) { f(r) }

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback for recovered panics, e.g. to increment http_panic_total
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	// Health and Readiness back /-/healthy and /-/ready on the public listener
	Health    health.Probe
	Readiness health.Probe

	// Routes are mounted in order after the health routes
	Routes []RouteRegistrar

	// CORSOrigins enables CORS for the listed origins; empty disables CORS handling
	CORSOrigins []string

	// MaxBodyBytes caps request bodies; 0 uses DefaultMaxBodyBytes
	MaxBodyBytes int64

	// WriteTimeout must exceed the aggregate overall timeout; 0 uses DefaultWriteTimeout
	WriteTimeout time.Duration
}
