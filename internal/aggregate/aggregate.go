// Package aggregate fans a target list out to a probe.Prober and assembles
// the index-aligned result.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/keithlinneman/readiness-proxy/internal/log"
	"github.com/keithlinneman/readiness-proxy/internal/probe"
	"github.com/keithlinneman/readiness-proxy/internal/targets"
)

const DefaultMaxInFlight = 100

// Observer receives per-probe and per-aggregate measurements. Calls may come
// from many goroutines.
type Observer interface {
	ProbeStarted()
	ProbeFinished(out probe.Outcome, d time.Duration)
	AggregateFinished(targets, abandoned int, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ProbeStarted()                              {}
func (nopObserver) ProbeFinished(probe.Outcome, time.Duration) {}
func (nopObserver) AggregateFinished(int, int, time.Duration)  {}

type Options struct {
	// MaxInFlight bounds concurrent probes per call; <= 0 is unbounded.
	MaxInFlight int
	Observer    Observer
}

type Aggregator struct {
	prober      probe.Prober
	maxInFlight int
	obs         Observer
	tracer      trace.Tracer
}

func New(p probe.Prober, opts Options) *Aggregator {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Aggregator{
		prober:      p,
		maxInFlight: opts.MaxInFlight,
		obs:         opts.Observer,
		tracer:      otel.Tracer("readiness-proxy/aggregate"),
	}
}

type indexed struct {
	i   int
	out probe.Outcome
}

// Aggregate probes every target concurrently and returns one outcome per
// target in input order. It never fails as a whole: once overallTimeout
// (when > 0) elapses or ctx ends, every target without a result is reported
// as TIMEOUT and Aggregate returns without waiting for stragglers.
func (a *Aggregator) Aggregate(ctx context.Context, ts []targets.Target, perProbeTimeout, overallTimeout time.Duration) []probe.Outcome {
	results := make([]probe.Outcome, len(ts))
	if len(ts) == 0 {
		return results
	}

	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "aggregate.run", trace.WithAttributes(
		attribute.Int("aggregate.targets", len(ts)),
		attribute.Int64("aggregate.probe_timeout_ms", perProbeTimeout.Milliseconds()),
		attribute.Int64("aggregate.overall_timeout_ms", overallTimeout.Milliseconds()),
	))
	defer span.End()

	L := log.FromContext(ctx)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if overallTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, overallTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var sem *semaphore.Weighted
	if a.maxInFlight > 0 && a.maxInFlight < len(ts) {
		sem = semaphore.NewWeighted(int64(a.maxInFlight))
	}

	// buffered so abandoned probes never block on send
	ch := make(chan indexed, len(ts))
	for i, t := range ts {
		go a.run(runCtx, sem, ch, i, t.URL(), perProbeTimeout, start)
	}

	filled := make([]bool, len(ts))
	pending := len(ts)
	take := func(r indexed) {
		results[r.i] = r.out
		filled[r.i] = true
		pending--
		L.Debug(ctx, "probe finished",
			"url", r.out.URL,
			"status", string(r.out.Status),
			"latency_ms", r.out.LatencyMs,
		)
	}

	abandoned := 0
collect:
	for pending > 0 {
		select {
		case r := <-ch:
			take(r)
		case <-runCtx.Done():
			for drained := false; !drained && pending > 0; {
				select {
				case r := <-ch:
					take(r)
				default:
					drained = true
				}
			}
			abandoned = pending
			break collect
		}
	}

	if abandoned > 0 {
		elapsed := time.Since(start)
		detail := abandonDetail(runCtx, ctx, overallTimeout)
		for i, ok := range filled {
			if !ok {
				results[i] = probe.Timeout(ts[i].URL(), elapsed, detail)
			}
		}
		L.Warn(ctx, "aggregate abandoned pending probes",
			"abandoned", abandoned,
			"targets", len(ts),
			"elapsed_ms", elapsed.Milliseconds(),
			"reason", detail,
		)
		span.SetAttributes(attribute.Int("aggregate.abandoned", abandoned))
	}

	a.obs.AggregateFinished(len(ts), abandoned, time.Since(start))
	return results
}

func (a *Aggregator) run(ctx context.Context, sem *semaphore.Weighted, ch chan<- indexed, i int, url string, timeout time.Duration, start time.Time) {
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			ch <- indexed{i, probe.Timeout(url, time.Since(start), "abandoned while waiting for a probe slot")}
			return
		}
		defer sem.Release(1)
	}
	a.obs.ProbeStarted()
	ps := time.Now()
	out := a.prober.Probe(ctx, url, timeout)
	a.obs.ProbeFinished(out, time.Since(ps))
	ch <- indexed{i, out}
}

func abandonDetail(runCtx, parent context.Context, overall time.Duration) string {
	if parent.Err() != nil {
		return "abandoned: request " + parent.Err().Error()
	}
	if runCtx.Err() != nil && overall > 0 {
		return fmt.Sprintf("no result within overall timeout %s", overall)
	}
	return "abandoned"
}
