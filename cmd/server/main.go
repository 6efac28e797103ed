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
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/formgate/internal/cfg"
	"github.com/keithlinneman/formgate/internal/contact"
	"github.com/keithlinneman/formgate/internal/health"
	"github.com/keithlinneman/formgate/internal/httpserver"
	"github.com/keithlinneman/formgate/internal/log"
	"github.com/keithlinneman/formgate/internal/metrics"
	"github.com/keithlinneman/formgate/internal/opshttp"
	"github.com/keithlinneman/formgate/internal/otelx"
	"github.com/keithlinneman/formgate/internal/prof"
	v "github.com/keithlinneman/formgate/internal/version"
)

const appName = "formgate"

// guardedRoutes are the form endpoints served behind a rate limiter
var guardedRoutes = []string{contact.RouteContact, contact.RouteNewsletter}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags, an optional env file, and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion, vi.Dirty(),
		)
		os.Exit(0)
	}

	if err := cfg.LoadDotEnv(cfg.EnvFileFrom(conf, cfg.EnvPrefix)); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             appName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSON:            conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildID,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
		"ratelimit_config", conf.RateLimitConfig,
		"contact_sink", conf.ContactSink,
	)

	// Setup metrics early so profiling state can be reported
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Version:       vi.Version,
		Component:     "server",
		Tags:          map[string]string{"commit": vi.Commit, "source": "go-agent"},
		// the limiter store lock is the one contended mutex worth watching
		ProfileMutexFraction: 5,
	})
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
		Logger:    L,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without export")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Rate limit policies
	rl, err := cfg.LoadRateLimits(conf.RateLimitConfig)
	if err != nil {
		L.Error(ctx, err, "failed to load rate limit config")
		os.Exit(1)
	}
	limiters, err := buildLimiters(ctx, L, m, rl, guardedRoutes, conf.DenyLogInterval)
	if err != nil {
		L.Error(ctx, err, "failed to build rate limiters")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	readyChecks := []health.Probe{gate.Probe()}

	// Contact sink
	var sink contact.Sink
	switch conf.ContactSink {
	case cfg.SinkS3:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		s3Sink, err := contact.NewS3Sink(contact.S3SinkOptions{
			Client: s3.NewFromConfig(awsCfg),
			Bucket: conf.ContactS3Bucket,
			Prefix: conf.ContactS3Prefix,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create s3 sink")
			os.Exit(1)
		}
		// not ready while the bucket is unreachable, forms would only fail
		readyChecks = append(readyChecks, health.Named("contact sink", health.Timeout(s3Sink, 2*time.Second)))
		sink = s3Sink
	default:
		sink = contact.NewLogSink(L)
	}
	readiness := health.All(readyChecks...)

	api := contact.NewAPI(contact.Options{
		Logger:  L,
		Sink:    sink,
		Metrics: m,
	})

	// start public http server
	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:          L,
		Port:            conf.HTTPPort,
		Health:          health.Fixed(true, ""),
		Readiness:       readiness,
		Routes:          func(r chi.Router) { api.RegisterRoutes(r, limiters.Guard) },
		UseRecoverMW:    true,
		OnPanic:         m.IncHttpPanic,
		MetricsMW:       m.Middleware,
		MaxBodyBytes:    conf.MaxBodyBytes,
		ShutdownTimeout: conf.ShutdownTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, limiter stats and pprof
	// requests from public ips or with forwarding headers are rejected in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Stats:        limiters.Stats,
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
		L.Debug(ctx, "systemd notify skipped", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()
	base := context.Background()
	L.Info(base, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(base, "shutdown gate closed, draining", "drain_delay", conf.DrainDelay.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(base, "drain period complete")
	case <-forceCh:
		L.Warn(base, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(base, conf.ShutdownTimeout+5*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(base, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(base, err, "ops http server shutdown")
	}

	limiters.Clear()

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(base, err, "otel shutdown")
	}
	stopProf()

	L.Info(base, "shutdown complete")
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify: close: %w", err)
	}
	return nil
}
