// Package prof starts optional Pyroscope continuous profiling. Profiles are
// tagged with the build version so a regression in probe fan-out can be
// compared across releases.
package prof

import (
	"context"
	"maps"
	"runtime"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/readiness-proxy/internal/log"
	"github.com/keithlinneman/readiness-proxy/internal/xerrors"
)

type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	AuthToken            string
	TenantID             string
	Version              string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int
	// OnState reports whether the profiler is running, e.g. for profiling_active
	OnState func(active bool)
}

// profileTypes covers CPU, heap, goroutines and contention. Probe fan-out
// shows up mostly in goroutines and block time.
var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

func (o Options) validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.ServerAddress, validation.Required, is.URL),
		validation.Field(&o.AppName, validation.Required),
	)
}

func (o Options) config() pyroscope.Config {
	return pyroscope.Config{
		ApplicationName:   o.AppName,
		ServerAddress:     o.ServerAddress,
		Tags:              profileTags(o.Tags, o.Version),
		BasicAuthPassword: o.AuthToken,
		TenantID:          o.TenantID,
		ProfileTypes:      profileTypes,
	}
}

// Start begins profiling when enabled. The returned stop func is never nil
// and may be called more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	report := func(active bool) {
		if opts.OnState != nil {
			opts.OnState(active)
		}
	}
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		report(false)
		return noop, nil
	}
	if err := opts.validate(); err != nil {
		err = xerrors.Wrap(err, "pyroscope options")
		report(false)
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(opts.config())
	if err != nil {
		report(false)
		return noop, xerrors.Wrap(err, "pyroscope start")
	}

	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)
	report(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := profiler.Stop(); err != nil {
				L.Warn(context.Background(), "pyroscope stop", "err", err)
			}
			report(false)
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}

// profileTags copies tags and adds version unless the caller set one.
func profileTags(tags map[string]string, version string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	maps.Copy(out, tags)
	if _, ok := out["version"]; !ok && version != "" {
		out["version"] = version
	}
	return out
}
