package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/keithlinneman/readiness-proxy/internal/log"
	"github.com/keithlinneman/readiness-proxy/internal/targets"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	LogFile           string
	LogFileMaxSizeMB  int
	LogFileMaxBackups int
	LogFileMaxAgeDays int
	LogFileCompress   bool
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// target list sources, all configured sources are concatenated in this order
	Targets         string
	TargetsFile     string
	TargetsSSMParam string
	TargetsS3URI    string
	VerifyURL       string

	ProbeTimeout   time.Duration
	OverallTimeout time.Duration
	MaxInFlight    int
	ProbeMethod    string
	ProbeUserAgent string
	MaxDetailBytes int

	RateLimitRPS       float64
	RateLimitBurst     int
	RateLimitBulkCost  int
	TrustedProxyHops   int
	CORSAllowedOrigins string
	MaxBodyBytes       int64
	DrainDelay         time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.LogFile, "log-file", "", "write logs to this file with rotation instead of stdout")
	fs.IntVar(&c.LogFileMaxSizeMB, "log-file-max-size-mb", 100, "rotate log file after this many megabytes")
	fs.IntVar(&c.LogFileMaxBackups, "log-file-max-backups", 5, "rotated log files to keep (0 = all)")
	fs.IntVar(&c.LogFileMaxAgeDays, "log-file-max-age-days", 14, "days to keep rotated log files (0 = forever)")
	fs.BoolVar(&c.LogFileCompress, "log-file-compress", true, "gzip rotated log files")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.Targets, "targets", "", "comma separated target URLs probed by /health/bulk")
	fs.StringVar(&c.TargetsFile, "targets-file", "", "YAML/JSON/TOML file with a top-level `targets` list")
	fs.StringVar(&c.TargetsSSMParam, "targets-ssm-param", "", "SSM parameter (String or StringList) holding target URLs")
	fs.StringVar(&c.TargetsS3URI, "targets-s3-uri", "", "s3://bucket/key of a YAML/JSON object with a `targets` list")
	fs.StringVar(&c.VerifyURL, "verify-url", "", "single target probed by /verify-readiness")

	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", 2*time.Second, "per-target probe timeout")
	fs.DurationVar(&c.OverallTimeout, "overall-timeout", 5*time.Second, "upper bound for one aggregate call")
	fs.IntVar(&c.MaxInFlight, "max-in-flight", 100, "max concurrent probes per aggregate call (0 = unbounded)")
	fs.StringVar(&c.ProbeMethod, "probe-method", http.MethodGet, "HTTP method used for probes (GET|HEAD)")
	fs.StringVar(&c.ProbeUserAgent, "probe-user-agent", "readiness-proxy", "User-Agent sent with probes")
	fs.IntVar(&c.MaxDetailBytes, "max-detail-bytes", 512, "response body bytes kept in an outcome detail (1..65536)")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 10, "per-IP request refill rate on the public listener")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per-IP burst on the public listener")
	fs.IntVar(&c.RateLimitBulkCost, "rate-limit-bulk-cost", 5, "tokens one /health/bulk call takes from the caller's bucket (1..burst)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of this server whose X-Forwarded-For is trusted")
	fs.StringVar(&c.CORSAllowedOrigins, "cors-allowed-origins", "", "comma separated origins allowed to call the proxy from a browser")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "max request body accepted by /health/bulk")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 15*time.Second, "time between failing readiness and closing listeners on shutdown")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// EnvKey maps flag "foo-bar" to PREFIX_FOO_BAR.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// HasTargetSource reports whether any bulk target source is configured.
func (c App) HasTargetSource() bool {
	return c.Targets != "" || c.TargetsFile != "" || c.TargetsSSMParam != "" || c.TargetsS3URI != ""
}

// CORSOrigins splits CORSAllowedOrigins into trimmed, non-empty entries.
func (c App) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error
	check := func(name string, value any, rules ...validation.Rule) {
		if err := validation.Validate(value, rules...); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %v: %w", name, display(value), err))
		}
	}

	// Ports
	check("HTTP_PORT", c.HTTPPort, validation.Required, validation.Min(1), validation.Max(65535))
	check("ADMIN_PORT", c.AdminPort, validation.Required, validation.Min(1), validation.Max(65535))
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	check("LOG_LEVEL", c.LogLevel, validation.Required, validation.By(logLevel))
	check("STACKTRACE_LEVEL", c.StacktraceLevel, validation.By(logLevel))

	// Log file rotation only matters when writing to a file
	if c.LogFile != "" {
		check("LOG_FILE_MAX_SIZE_MB", c.LogFileMaxSizeMB, validation.Required, validation.Min(1))
		check("LOG_FILE_MAX_BACKUPS", c.LogFileMaxBackups, validation.Min(0))
		check("LOG_FILE_MAX_AGE_DAYS", c.LogFileMaxAgeDays, validation.Min(0))
	}

	// Tracing sample
	check("TRACE_SAMPLE", c.TraceSample, validation.Min(0.0), validation.Max(1.0))

	// Pyroscope (URL and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if err := validation.Validate(c.PyroServer, is.RequestURL); err != nil {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		check("MAX_ERROR_LINKS", c.MaxErrorLinks, validation.Required, validation.Min(1), validation.Max(64))
	}

	// Targets given inline are checked here so a typo fails startup before any probing.
	// File, SSM and S3 sources are validated by targets.Load once fetched.
	if c.Targets != "" {
		if _, err := targets.Parse(targets.SplitList(c.Targets)); err != nil {
			errs = append(errs, fmt.Errorf("invalid TARGETS: %w", err))
		}
	}
	if c.TargetsS3URI != "" {
		if _, _, err := targets.ParseS3URI(c.TargetsS3URI); err != nil {
			errs = append(errs, fmt.Errorf("invalid TARGETS_S3_URI %q: %w", c.TargetsS3URI, err))
		}
	}
	if c.VerifyURL != "" {
		if _, err := targets.New(c.VerifyURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid VERIFY_URL %q: %w", c.VerifyURL, err))
		}
	}

	// Probing
	check("PROBE_TIMEOUT", c.ProbeTimeout, validation.Required, validation.Min(time.Millisecond))
	check("OVERALL_TIMEOUT", c.OverallTimeout, validation.Required, validation.Min(time.Millisecond))
	check("MAX_IN_FLIGHT", c.MaxInFlight, validation.Min(0), validation.Max(10000))
	check("PROBE_METHOD", c.ProbeMethod, validation.Required, validation.In(http.MethodGet, http.MethodHead))
	check("PROBE_USER_AGENT", c.ProbeUserAgent, validation.Required, validation.Length(1, 256), is.PrintableASCII)
	check("MAX_DETAIL_BYTES", c.MaxDetailBytes, validation.Required, validation.Min(1), validation.Max(65536))

	// Public listener
	check("RATE_LIMIT_RPS", c.RateLimitRPS, validation.Required, validation.Min(0.0))
	check("RATE_LIMIT_BURST", c.RateLimitBurst, validation.Required, validation.Min(1))
	check("RATE_LIMIT_BULK_COST", c.RateLimitBulkCost, validation.Required, validation.Min(1), validation.Max(max(c.RateLimitBurst, 1)))
	check("TRUSTED_PROXY_HOPS", c.TrustedProxyHops, validation.Min(0), validation.Max(10))
	check("MAX_BODY_BYTES", c.MaxBodyBytes, validation.Required, validation.Min(int64(2)), validation.Max(int64(16<<20)))
	for _, o := range c.CORSOrigins() {
		if o == "*" {
			continue
		}
		check("CORS_ALLOWED_ORIGINS entry", o, is.RequestURL)
	}
	check("DRAIN_DELAY", c.DrainDelay, validation.Min(time.Duration(0)), validation.Max(5*time.Minute))

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func logLevel(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	_, err := log.ParseLevel(s)
	return err
}

func display(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}
