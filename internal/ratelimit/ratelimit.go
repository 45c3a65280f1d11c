package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/readiness-proxy/internal/httpmw"
)

// visitor is one caller IP's bucket.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// denied is set after the first rejection and cleared when the entry is dropped
	denied bool
}

// IPLimiter keeps a token bucket per caller IP in a bounded LRU. When the
// table is full the least recently seen caller is forgotten to make room.
type IPLimiter struct {
	mu       sync.Mutex
	visitors *simplelru.LRU[string, *visitor]

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	atCapacity  bool

	// exempt paths never touch a bucket; costs default to 1 token
	exempt map[string]struct{}
	costs  map[string]int

	// OnFirstDenied runs once per visitor entry, on its first rejection.
	OnFirstDenied func(ip string)
	// OnDenied runs on every rejection.
	OnDenied func(ip string)
	// OnCapacity runs once each time the table fills and starts evicting.
	OnCapacity func()
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size. WithRate(10, 30) allows 30
// requests at once, then 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle IP is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors bounds the number of tracked IPs. Values below 1 are ignored.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) {
		if n > 0 {
			l.maxVisitors = n
		}
	}
}

// WithExemptPaths lets exact URL paths through without consuming tokens.
func WithExemptPaths(paths ...string) Option {
	return func(l *IPLimiter) {
		for _, p := range paths {
			l.exempt[p] = struct{}{}
		}
	}
}

// WithPathCost charges n tokens for each request to path. Fan-out endpoints
// cost more than a single probe. n is clamped to [1, burst] when the limiter
// is built so a request can always succeed on a full bucket.
func WithPathCost(path string, n int) Option {
	return func(l *IPLimiter) { l.costs[path] = n }
}

// WithOnFirstDenied sets a hook for the first rejection of each visitor,
// suited to logging. WithOnDenied fires on every rejection.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnFirstDenied = fn }
}

func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnDenied = fn }
}

func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.OnCapacity = fn }
}

// New builds an IPLimiter and starts the idle sweep, which stops with ctx.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
		exempt:      make(map[string]struct{}),
		costs:       make(map[string]int),
	}
	for _, o := range opts {
		o(l)
	}
	for p, n := range l.costs {
		l.costs[p] = min(max(n, 1), max(l.burst, 1))
	}
	// size > 0 is guaranteed above, NewLRU only fails on a non-positive size
	l.visitors, _ = simplelru.NewLRU[string, *visitor](l.maxVisitors, nil)

	go l.sweep(ctx)
	return l
}

// cost returns the tokens a request to path takes, 0 for exempt paths.
func (l *IPLimiter) cost(path string) int {
	if _, ok := l.exempt[path]; ok {
		return 0
	}
	if n, ok := l.costs[path]; ok {
		return n
	}
	return 1
}

// allow takes n tokens from ip's bucket and reports whether it had them.
func (l *IPLimiter) allow(ip string, n int) bool {
	now := time.Now()

	l.mu.Lock()
	v, ok := l.visitors.Get(ip)
	fireCapacity := false
	if !ok {
		if l.visitors.Len() >= l.maxVisitors && !l.atCapacity {
			l.atCapacity = true
			fireCapacity = true
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors.Add(ip, v)
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, n)
	first := !allowed && !v.denied
	if !allowed {
		v.denied = true
	}
	l.mu.Unlock()

	// hooks run unlocked, they may log or touch metrics
	if fireCapacity && l.OnCapacity != nil {
		l.OnCapacity()
	}
	if allowed {
		return true
	}
	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
	return false
}

// Len reports how many IPs are currently tracked.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.visitors.Len()
}

// sweep drops visitors idle for longer than the TTL, checking every TTL/2.
func (l *IPLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(max(l.ttl/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evictIdle(now)
		}
	}
}

func (l *IPLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Keys is oldest first, so the scan stops at the first live entry
	for _, ip := range l.visitors.Keys() {
		v, ok := l.visitors.Peek(ip)
		if !ok {
			continue
		}
		if now.Sub(v.lastSeen) <= l.ttl {
			break
		}
		l.visitors.Remove(ip)
	}
	if l.visitors.Len() < l.maxVisitors {
		l.atCapacity = false
	}
}

// Middleware answers 429 when the caller's bucket cannot cover the request.
// The caller is identified by the IP the ClientIP middleware resolved.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := l.cost(r.URL.Path)
		if n == 0 || l.allow(httpmw.ClientIPFromContext(r.Context()), n) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		// no detail about limits or remaining budget
		_, _ = w.Write([]byte(`{"error":"too many requests"}`))
	})
}
