package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/readiness-proxy/internal/healthhttp"
	"github.com/keithlinneman/readiness-proxy/internal/httpmw"
	"github.com/keithlinneman/readiness-proxy/internal/log"
	"github.com/keithlinneman/readiness-proxy/internal/xerrors"
)

const (
	DefaultPort              = 8080
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultMaxBodyBytes      = 64 << 10

	shutdownGrace = 5 * time.Second
)

// untraced paths are polled constantly by load balancers and orchestrators.
var untraced = map[string]struct{}{
	"/-/ping":      {},
	"/-/healthy":   {},
	"/-/ready":     {},
	"/favicon.ico": {},
	"/robots.txt":  {},
}

func shouldTrace(p string) bool {
	_, skip := untraced[p]
	return !skip
}

// NewHandler assembles the public listener: the chi router carrying the
// health and proxy routes, wrapped in the request-scoped middleware stack.
func NewHandler(opts Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	return httpmw.Chain(newRouter(opts), stack(opts, L)...)
}

func newRouter(opts Options) chi.Router {
	limit := opts.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Compress(5, "application/json", "text/plain"),
		httpmw.AnnotateHTTPRoute,
		httpmw.AccessLog(),
		httpmw.MaxBody(limit),
	)

	healthhttp.NewAPI(opts.Health, opts.Readiness).RegisterRoutes(r)
	for _, rr := range opts.Routes {
		if rr != nil {
			rr.RegisterRoutes(r)
		}
	}

	r.NotFound(jsonError(http.StatusNotFound, "not found"))
	r.MethodNotAllowed(jsonError(http.StatusMethodNotAllowed, "method not allowed"))
	return r
}

// stack lists the outer middleware, outermost first. Chain skips nil entries.
// Client IP resolution runs before the limiter; the logger goes innermost so
// it picks up the trace and request IDs set above it.
func stack(opts Options, L log.Logger) []httpmw.Middleware {
	var recoverMW, corsMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}
	if len(opts.CORSOrigins) > 0 {
		corsMW = cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", httpmw.DefaultRequestIDHeader},
			ExposedHeaders: []string{httpmw.DefaultRequestIDHeader, httpmw.TraceIDHeader, httpmw.SpanIDHeader},
			MaxAge:         300,
		})
	}
	return []httpmw.Middleware{
		recoverMW,
		httpmw.RequestID(httpmw.DefaultRequestIDHeader),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		opts.RateLimitMW,
		corsMW,
		tracing,
		httpmw.TraceIDs(httpmw.TraceIDOptions{SpanHeader: httpmw.SpanIDHeader}),
		opts.MetricsMW,
		httpmw.WithLogger(L),
	}
}

// tracing starts the server span. AnnotateHTTPRoute renames it to the route
// pattern once chi has matched.
func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

func jsonError(code int, msg string) http.HandlerFunc {
	body := fmt.Sprintf("{\"error\":%q}\n", msg)
	return func(w http.ResponseWriter, _ *http.Request) {
		h := w.Header()
		h.Set("Content-Type", "application/json; charset=utf-8")
		h.Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

// NewServer applies the listener timeouts. writeTimeout <= 0 uses
// DefaultWriteTimeout.
func NewServer(addr string, handler http.Handler, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start binds the public listener and serves in the background.
// The returned stop func drains in-flight requests and is safe to call more than once.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
		opts.Logger = L
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen addr=%s", addr)
	}
	srv := NewServer(addr, NewHandler(opts), opts.WriteTimeout)

	go func() {
		L.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "http server error")
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, shutdownGrace)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
