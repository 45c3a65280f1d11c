package health

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/keithlinneman/readiness-proxy/internal/xerrors"
)

// Probe is evaluated on every health request. A nil error means pass.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

var pass CheckFunc = func(context.Context) error { return nil }

// Fixed always passes when ok is true and otherwise always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return pass
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := xerrors.New(reason)
	return func(context.Context) error { return err }
}

// All passes only when every probe passes. Probes run in order and the
// first failure is returned. Nil probes are ignored.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one probe passes. When all fail the failures are
// joined. Nil probes are ignored; with no usable probes Any fails.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return xerrors.New("no probes configured")
		}
		return errors.Join(errs...)
	}
}

// Named prefixes a failure from p with name.
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// MinCount fails while count reports fewer than min items.
func MinCount(name string, min int, count func() int) CheckFunc {
	return func(context.Context) error {
		if count == nil {
			return xerrors.Newf("%s: no source", name)
		}
		if n := count(); n < min {
			return xerrors.Newf("%s: have %d, need at least %d", name, n, min)
		}
		return nil
	}
}

// ShutdownGate turns readiness off while the process drains. The zero value
// is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate. An empty reason reads as "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
