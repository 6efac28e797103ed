package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/formgate/internal/log"
	"github.com/keithlinneman/formgate/internal/pathutil"
	"github.com/keithlinneman/formgate/internal/xerrors"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv
const EnvPrefix = "FORMGATE_"

// Contact sinks
const (
	SinkLog = "log"
	SinkS3  = "s3"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	ShutdownTimeout time.Duration
	DrainDelay      time.Duration

	EnvFile         string
	RateLimitConfig string
	DenyLogInterval time.Duration
	MaxBodyBytes    int64

	ContactSink     string
	ContactS3Bucket string
	ContactS3Prefix string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "level at and above which log lines carry a stack: warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 15*time.Second, "graceful shutdown budget for in-flight requests")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 10*time.Second, "time readiness reports draining before listeners stop")

	fs.StringVar(&c.EnvFile, "env-file", "", "dotenv file loaded into the environment before env overrides are applied")
	fs.StringVar(&c.RateLimitConfig, "ratelimit-config", "", "YAML file with per-route rate limit policies (defaults apply when empty)")
	fs.DurationVar(&c.DenyLogInterval, "deny-log-interval", 10*time.Second, "minimum gap between rate limit denial log lines per route")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 16<<10, "maximum accepted request body size in bytes")

	fs.StringVar(&c.ContactSink, "contact-sink", SinkLog, "where form submissions go: log|s3")
	fs.StringVar(&c.ContactS3Bucket, "contact-s3-bucket", "", "s3 bucket for submissions when contact-sink=s3")
	fs.StringVar(&c.ContactS3Prefix, "contact-s3-prefix", "formgate/submissions", "s3 key prefix for submissions")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win over the file. An empty path is a no-op.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return xerrors.Wrapf(err, "load env file %s", path)
	}
	return nil
}

// EnvFileFrom returns the env file named by the -env-file flag, falling back to
// PREFIX_ENV_FILE so the file itself can be selected from the environment.
func EnvFileFrom(c App, prefix string) string {
	if c.EnvFile != "" {
		return c.EnvFile
	}
	return os.Getenv(prefix + "ENV_FILE")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
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

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive (got %s)", c.ShutdownTimeout))
	}
	if c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must not be negative (got %s)", c.DrainDelay))
	}
	if c.DenyLogInterval < 0 {
		errs = append(errs, fmt.Errorf("DENY_LOG_INTERVAL must not be negative (got %s)", c.DenyLogInterval))
	}
	if c.MaxBodyBytes < 1024 || c.MaxBodyBytes > 1<<20 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be 1024..1048576 (got %d)", c.MaxBodyBytes))
	}

	// Contact sink
	switch c.ContactSink {
	case SinkLog:
	case SinkS3:
		if c.ContactS3Bucket == "" {
			errs = append(errs, fmt.Errorf("CONTACT_S3_BUCKET required when CONTACT_SINK=s3"))
		}
		if _, err := pathutil.CleanKeyPrefix(c.ContactS3Prefix); err != nil {
			errs = append(errs, fmt.Errorf("invalid CONTACT_S3_PREFIX: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CONTACT_SINK %q (must be %s|%s)", c.ContactSink, SinkLog, SinkS3))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
