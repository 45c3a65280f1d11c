// Package probe performs a single outbound HTTP health check against one
// downstream target and classifies the result into an Outcome.
package probe

import (
	"context"
	"time"
)

type Status string

const (
	StatusUp          Status = "UP"
	StatusDown        Status = "DOWN"
	StatusUnreachable Status = "UNREACHABLE"
	StatusTimeout     Status = "TIMEOUT"
)

// Statuses lists every status in a stable order, for metric pre-registration.
var Statuses = []Status{StatusUp, StatusDown, StatusUnreachable, StatusTimeout}

// Outcome is the classified result of probing one target. It is created once
// per probe and not modified afterwards.
type Outcome struct {
	URL            string `json:"url"`
	Status         Status `json:"status"`
	HTTPStatusCode *int   `json:"httpStatusCode,omitempty"`
	Detail         string `json:"detail,omitempty"`
	LatencyMs      int64  `json:"latencyMs"`
}

func (o Outcome) Up() bool { return o.Status == StatusUp }

// Timeout builds the outcome for a probe whose result never arrived.
func Timeout(url string, elapsed time.Duration, detail string) Outcome {
	return Outcome{
		URL:       url,
		Status:    StatusTimeout,
		Detail:    detail,
		LatencyMs: latencyMs(elapsed),
	}
}

// Unreachable builds an outcome for a target that could not be contacted.
func Unreachable(url string, elapsed time.Duration, detail string) Outcome {
	return Outcome{
		URL:       url,
		Status:    StatusUnreachable,
		Detail:    detail,
		LatencyMs: latencyMs(elapsed),
	}
}

// Prober checks one target. Implementations never fail; every problem is
// reported through the Outcome.
type Prober interface {
	Probe(ctx context.Context, url string, timeout time.Duration) Outcome
}

// ProberFunc adapts a function into a Prober.
type ProberFunc func(ctx context.Context, url string, timeout time.Duration) Outcome

func (f ProberFunc) Probe(ctx context.Context, url string, timeout time.Duration) Outcome {
	return f(ctx, url, timeout)
}

func latencyMs(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
