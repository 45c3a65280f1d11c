package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMethod         = http.MethodGet
	DefaultUserAgent      = "readiness-proxy"
	DefaultMaxDetailBytes = 512
)

type Options struct {
	Method         string
	UserAgent      string
	MaxDetailBytes int

	// Transport is wrapped with otelhttp; nil uses a clone of
	// http.DefaultTransport.
	Transport http.RoundTripper
}

// Client is safe for concurrent use and is meant to be shared by all probes.
type Client struct {
	hc        *http.Client
	method    string
	userAgent string
	maxDetail int
	tracer    trace.Tracer
}

func New(opts Options) *Client {
	if opts.Method == "" {
		opts.Method = DefaultMethod
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxDetailBytes <= 0 {
		opts.MaxDetailBytes = DefaultMaxDetailBytes
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &Client{
		hc: &http.Client{
			Transport: otelhttp.NewTransport(rt,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "probe " + r.Method
				}),
			),
		},
		method:    strings.ToUpper(opts.Method),
		userAgent: opts.UserAgent,
		maxDetail: opts.MaxDetailBytes,
		tracer:    otel.Tracer("readiness-proxy/probe"),
	}
}

// Probe issues one request to target and classifies the result. timeout <= 0
// leaves the probe bounded only by ctx.
func (c *Client) Probe(ctx context.Context, target string, timeout time.Duration) Outcome {
	ctx, span := c.tracer.Start(ctx, "probe.check",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("probe.url", target)),
	)
	defer span.End()

	start := time.Now()
	out := c.do(ctx, target, timeout, start)

	span.SetAttributes(
		attribute.String("probe.status", string(out.Status)),
		attribute.Int64("probe.latency_ms", out.LatencyMs),
	)
	if out.HTTPStatusCode != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", *out.HTTPStatusCode))
	}
	if !out.Up() {
		span.SetStatus(codes.Error, string(out.Status))
	}
	return out
}

func (c *Client) do(parent context.Context, target string, timeout time.Duration, start time.Time) Outcome {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, c.method, target, http.NoBody)
	if err != nil {
		return Unreachable(target, time.Since(start), "invalid request: "+err.Error())
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		if ctx.Err() != nil || isTimeout(err) {
			return Timeout(target, elapsed, timeoutDetail(parent, timeout))
		}
		return Unreachable(target, elapsed, describe(err))
	}
	defer resp.Body.Close()

	detail := c.readDetail(resp.Body)
	code := resp.StatusCode
	out := Outcome{
		URL:            target,
		Status:         StatusDown,
		HTTPStatusCode: &code,
		Detail:         detail,
		LatencyMs:      latencyMs(time.Since(start)),
	}
	if code >= 200 && code < 300 {
		out.Status = StatusUp
	} else if out.Detail == "" {
		out.Detail = resp.Status
	}
	return out
}

// readDetail returns at most maxDetail bytes of body, trimmed and cut on a
// rune boundary. Read errors after the headers keep whatever arrived.
func (c *Client) readDetail(body io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(body, int64(c.maxDetail)))
	for len(buf) > 0 && !utf8.Valid(buf) {
		buf = buf[:len(buf)-1]
	}
	return strings.TrimSpace(string(buf))
}

func timeoutDetail(parent context.Context, timeout time.Duration) string {
	if err := parent.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "probe abandoned: overall deadline exceeded"
		}
		return "probe abandoned: " + err.Error()
	}
	if timeout > 0 {
		return fmt.Sprintf("no response within %s", timeout)
	}
	return "no response before deadline"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// describe turns a transport error into a short human readable cause.
func describe(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return fmt.Sprintf("dns lookup failed: host %s not found", dnsErr.Name)
		}
		return "dns lookup failed: " + dnsErr.Err
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection refused"
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "connection reset by peer"
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	switch {
	case errors.As(err, &certErr), errors.As(err, &unknownAuth),
		errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return "tls certificate error: " + innermost(err)
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return "tls handshake failed: " + recErr.Msg
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "connection closed before response"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Sprintf("%s failed: %v", opErr.Op, opErr.Err)
	}
	return innermost(err)
}

// innermost strips the url.Error envelope, which repeats method and URL.
func innermost(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err.Error()
	}
	return err.Error()
}
