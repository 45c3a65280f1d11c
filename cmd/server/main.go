package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/readiness-proxy/internal/aggregate"
	"github.com/keithlinneman/readiness-proxy/internal/cfg"
	"github.com/keithlinneman/readiness-proxy/internal/health"
	"github.com/keithlinneman/readiness-proxy/internal/httpmw"
	"github.com/keithlinneman/readiness-proxy/internal/opshttp"
	"github.com/keithlinneman/readiness-proxy/internal/probe"
	"github.com/keithlinneman/readiness-proxy/internal/ratelimit"
	"github.com/keithlinneman/readiness-proxy/internal/readinesshttp"
	"github.com/keithlinneman/readiness-proxy/internal/targets"
	"github.com/keithlinneman/readiness-proxy/internal/xerrors"

	"github.com/keithlinneman/readiness-proxy/internal/httpserver"
	"github.com/keithlinneman/readiness-proxy/internal/log"
	"github.com/keithlinneman/readiness-proxy/internal/metrics"
	"github.com/keithlinneman/readiness-proxy/internal/otelx"
	"github.com/keithlinneman/readiness-proxy/internal/prof"
	v "github.com/keithlinneman/readiness-proxy/internal/version"
)

const envPrefix = "READYPROXY_"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix READYPROXY_ and validate
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		File: log.FileOptions{
			Path:       conf.LogFile,
			MaxSizeMB:  conf.LogFileMaxSizeMB,
			MaxBackups: conf.LogFileMaxBackups,
			MaxAgeDays: conf.LogFileMaxAgeDays,
			Compress:   conf.LogFileCompress,
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// flushes and closes the rotating file writer when -log-file is set
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application", append(vi.KV(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"targets_file", conf.TargetsFile,
		"targets_ssm_param", conf.TargetsSSMParam,
		"targets_s3_uri", conf.TargetsS3URI,
		"verify_url", conf.VerifyURL,
		"probe_timeout", conf.ProbeTimeout,
		"overall_timeout", conf.OverallTimeout,
		"max_in_flight", conf.MaxInFlight,
		"probe_method", conf.ProbeMethod,
		"drain_delay", conf.DrainDelay,
		"rate_limit_bulk_cost", conf.RateLimitBulkCost,
	)...)

	// Setup metrics early so profiler state can be reported
	var m *metrics.ServerMetrics = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Version:       vi.Version,
		Tags: map[string]string{
			"component": "server",
			"commit":    vi.ShortCommit(),
			"build_id":  vi.BuildId,
		},
		OnState: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// collect configured target sources, AWS clients only when a source needs them
	sources, err := targetSources(ctx, conf)
	if err != nil {
		L.Error(ctx, err, "failed to set up target sources")
		os.Exit(1)
	}

	initial, err := targets.Load(ctx, sources...)
	if err != nil {
		// a bad target list is a deploy mistake, fail early so systemd/asg notice
		L.Error(ctx, err, "failed to load configured targets")
		os.Exit(1)
	}
	store := targets.NewStore(initial)
	m.SetConfiguredTargets(store.Len())
	L.Info(ctx, "loaded configured targets", "count", store.Len())
	L.Debug(ctx, "configured target list", "targets", targets.URLs(initial))
	if !conf.HasTargetSource() && conf.VerifyURL == "" {
		L.Warn(ctx, "no targets or verify URL configured, readiness will fail until targets are reloaded")
	}

	var verify *targets.Target
	if conf.VerifyURL != "" {
		t, err := targets.New(conf.VerifyURL)
		if err != nil {
			L.Error(ctx, err, "invalid verify URL")
			os.Exit(1)
		}
		verify = &t
	}

	// shared probe client and aggregator
	prober := probe.New(probe.Options{
		Method:         conf.ProbeMethod,
		UserAgent:      conf.ProbeUserAgent,
		MaxDetailBytes: conf.MaxDetailBytes,
	})
	agg := aggregate.New(prober, aggregate.Options{
		MaxInFlight: conf.MaxInFlight,
		Observer:    m,
	})

	readinessAPI := readinesshttp.NewAPI(readinesshttp.Options{
		Aggregator:     agg,
		Targets:        store,
		Verify:         verify,
		ProbeTimeout:   conf.ProbeTimeout,
		OverallTimeout: conf.OverallTimeout,
		Service:        v.AppName,
		Logger:         L,
	})

	// reload the target list on SIGHUP; a failed reload keeps the previous list
	go reloadOnHangup(ctx, L, store, m, sources)

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// setup readiness checks: shutdown gate must pass, and there must be
	// something to probe (a non-empty bulk list or a verify target)
	readiness := health.All(
		gate.Probe(),
		health.Named("upstreams", health.Any(
			health.MinCount("targets", 1, store.Len),
			health.Fixed(verify != nil, "no verify URL configured"),
		)),
	)

	// Setup rate limiter middleware for the public listener
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithExemptPaths("/-/ping", "/-/healthy", "/-/ready"),
		// a bulk call fans out to every target
		ratelimit.WithPathCost("/health/bulk", conf.RateLimitBulkCost),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied while it is tracked
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit table full, forgetting least recently seen callers")
		}),
	)

	// the write deadline has to outlast the overall aggregate bound
	writeTimeout := conf.OverallTimeout + 5*time.Second
	if writeTimeout < httpserver.DefaultWriteTimeout {
		writeTimeout = httpserver.DefaultWriteTimeout
	}

	// start public http server
	publicHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			Routes:       []httpserver.RouteRegistrar{readinessAPI},
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  limiter.Middleware,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
			CORSOrigins:  conf.CORSOrigins(),
			MaxBodyBytes: conf.MaxBodyBytes,
			WriteTimeout: writeTimeout,
			Logger:       L,
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start public http listener")
		os.Exit(1)
	}
	defer func() { _ = publicHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks and pprof
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if a load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Targets:      func() []string { return targets.URLs(store.Get()) },
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so load balancers stop sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	if conf.DrainDelay > 0 {
		L.Info(context.Background(), "waiting for in-flight requests and load balancer health checks to drain",
			"drain_delay", conf.DrainDelay,
		)
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.DrainDelay):
			L.Info(context.Background(), "drain period complete")
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := publicHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "public http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	_ = lg.Sync()
	os.Exit(0)
}

// targetSources builds the configured sources in load order: flag/env list,
// config file, SSM parameter, S3 object.
func targetSources(ctx context.Context, conf cfg.App) ([]targets.Source, error) {
	var srcs []targets.Source
	if conf.Targets != "" {
		srcs = append(srcs, targets.Static(targets.SplitList(conf.Targets)))
	}
	if conf.TargetsFile != "" {
		srcs = append(srcs, targets.FileSource{Path: conf.TargetsFile})
	}
	if conf.TargetsSSMParam == "" && conf.TargetsS3URI == "" {
		return srcs, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	if conf.TargetsSSMParam != "" {
		srcs = append(srcs, targets.SSMSource{
			Client: ssm.NewFromConfig(awsCfg),
			Param:  conf.TargetsSSMParam,
		})
	}
	if conf.TargetsS3URI != "" {
		bucket, key, err := targets.ParseS3URI(conf.TargetsS3URI)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, targets.S3Source{
			Client: s3.NewFromConfig(awsCfg),
			Bucket: bucket,
			Key:    key,
		})
	}
	return srcs, nil
}

func reloadOnHangup(ctx context.Context, L log.Logger, store *targets.Store, m *metrics.ServerMetrics, srcs []targets.Source) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			ts, err := targets.Load(lctx, srcs...)
			cancel()
			m.ObserveTargetReload(len(ts), err)
			if err != nil {
				L.Error(ctx, err, "target reload failed, keeping previous list", "count", store.Len())
				continue
			}
			store.Set(ts)
			L.Info(ctx, "reloaded configured targets", "count", len(ts))
		}
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	_, _ = conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
