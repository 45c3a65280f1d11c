// Package readinesshttp serves the aggregation endpoints: the bulk health
// check, the single-target verify check and the static self-check.
package readinesshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/readiness-proxy/internal/httpmw"
	"github.com/keithlinneman/readiness-proxy/internal/log"
	"github.com/keithlinneman/readiness-proxy/internal/probe"
	"github.com/keithlinneman/readiness-proxy/internal/targets"
	"github.com/keithlinneman/readiness-proxy/internal/xerrors"
)

// Aggregator is implemented by *aggregate.Aggregator.
type Aggregator interface {
	Aggregate(ctx context.Context, ts []targets.Target, perProbeTimeout, overallTimeout time.Duration) []probe.Outcome
}

// TargetProvider supplies the configured bulk list, e.g. *targets.Store.
type TargetProvider interface {
	Get() []targets.Target
}

type Options struct {
	Aggregator Aggregator
	Targets    TargetProvider

	// Verify is the single target behind /verify-readiness; nil answers 503
	Verify *targets.Target

	ProbeTimeout   time.Duration
	OverallTimeout time.Duration

	// Service names this instance in the /dummy body
	Service string
	Logger  log.Logger
}

// API implements the aggregation endpoints
type API struct {
	agg     Aggregator
	targets TargetProvider
	verify  *targets.Target
	probeTO time.Duration
	overTO  time.Duration
	service string
	logger  log.Logger
}

// NewAPI creates the readiness API handler
func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Service == "" {
		opts.Service = "readiness-proxy"
	}
	return &API{
		agg:     opts.Aggregator,
		targets: opts.Targets,
		verify:  opts.Verify,
		probeTO: opts.ProbeTimeout,
		overTO:  opts.OverallTimeout,
		service: opts.Service,
		logger:  opts.Logger,
	}
}

// RegisterRoutes attaches the aggregation endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("self-check")).Get("/dummy", api.HandleSelfCheck)
	r.With(httpmw.Scope("verify")).Get("/verify-readiness", api.HandleVerify)
	bulk := r.With(httpmw.Scope("bulk"))
	bulk.Get("/health/bulk", api.HandleBulk)
	bulk.Post("/health/bulk", api.HandleBulk)
}

// HandleSelfCheck answers without any outbound calls
func (api *API) HandleSelfCheck(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, SelfCheckResponse{
		Status:  string(probe.StatusUp),
		Service: api.service + " self-check",
	})
}

// HandleVerify probes the configured verify target. UP maps to 200, anything
// else to 503, with the outcome as the body either way.
func (api *API) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContextOr(ctx, api.logger)

	if api.verify == nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable,
			probe.Unreachable("", 0, "no verify URL configured"))
		return
	}

	out := api.agg.Aggregate(ctx, []targets.Target{*api.verify}, api.probeTO, api.overTO)[0]

	status := http.StatusOK
	if !out.Up() {
		status = http.StatusServiceUnavailable
		L.Info(ctx, "verify target not ready",
			"url", out.URL,
			"status", string(out.Status),
			"detail", out.Detail,
		)
	}
	api.writeJSON(ctx, w, status, out)
}

// HandleBulk probes either the configured list or the list in the request
// body. Individual failures are reported per entry; the call itself is 200.
func (api *API) HandleBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContextOr(ctx, api.logger)

	ts, fromRequest, err := api.requestTargets(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
			return
		}
		L.Debug(ctx, "rejected bulk request", "error", err)
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	results := api.agg.Aggregate(ctx, ts, api.probeTO, api.overTO)

	up := 0
	for _, o := range results {
		if o.Up() {
			up++
		}
	}
	L.Info(ctx, "bulk readiness checked",
		"targets", len(results),
		"up", up,
		"from_request", fromRequest,
	)

	api.writeJSON(ctx, w, http.StatusOK, results)
}

// requestTargets decodes an optional body into a validated target list. An
// empty body, or an object without "urls", selects the configured list.
func (api *API) requestTargets(r *http.Request) ([]targets.Target, bool, error) {
	var body []byte
	if r.Method == http.MethodPost && r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, false, xerrors.Wrap(err, "read request body")
		}
		body = bytes.TrimSpace(b)
	}

	if len(body) == 0 {
		return api.configured(), false, nil
	}

	var raws []string
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, false, xerrors.New("body must be a JSON array of URL strings or {\"urls\":[...]}")
		}
	} else {
		var req bulkRequest
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return nil, false, xerrors.New("body must be a JSON array of URL strings or {\"urls\":[...]}")
		}
		if req.URLs == nil {
			return api.configured(), false, nil
		}
		raws = req.URLs
	}

	ts, err := targets.Parse(raws)
	if err != nil {
		return nil, true, err
	}
	return ts, true, nil
}

func (api *API) configured() []targets.Target {
	if api.targets == nil {
		return nil
	}
	return api.targets.Get()
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContextOr(ctx, api.logger).Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
