package cfg

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) (*App, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c := &App{}
	Register(fs, c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c, fs
}

func TestRegister_Defaults(t *testing.T) {
	c, _ := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want info, got %q", c.LogLevel)
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Errorf("ports: got %d/%d, want 8080/9000", c.HTTPPort, c.AdminPort)
	}
	if c.ContactSink != SinkLog {
		t.Errorf("ContactSink: want log, got %q", c.ContactSink)
	}
	if c.MaxBodyBytes != 16<<10 {
		t.Errorf("MaxBodyBytes: want 16384, got %d", c.MaxBodyBytes)
	}
	if c.DenyLogInterval != 10*time.Second {
		t.Errorf("DenyLogInterval: want 10s, got %s", c.DenyLogInterval)
	}
	if c.DrainDelay != 10*time.Second {
		t.Errorf("DrainDelay: want 10s, got %s", c.DrainDelay)
	}
	if c.RateLimitConfig != "" {
		t.Errorf("RateLimitConfig: want empty, got %q", c.RateLimitConfig)
	}
	if err := Validate(*c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c, _ := newTestConfig(t, []string{
		"-log-json=false",
		"-http-port=9090",
		"-ratelimit-config=/etc/formgate/ratelimit.yaml",
		"-contact-sink=s3",
		"-contact-s3-bucket=forms",
		"-deny-log-interval=1m",
	})
	if c.LogJSON {
		t.Error("LogJSON: want false")
	}
	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090, got %d", c.HTTPPort)
	}
	if c.RateLimitConfig != "/etc/formgate/ratelimit.yaml" {
		t.Errorf("RateLimitConfig = %q", c.RateLimitConfig)
	}
	if c.ContactSink != SinkS3 || c.ContactS3Bucket != "forms" {
		t.Errorf("sink = %q bucket = %q", c.ContactSink, c.ContactS3Bucket)
	}
	if c.DenyLogInterval != time.Minute {
		t.Errorf("DenyLogInterval = %s", c.DenyLogInterval)
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("FORMGATE_HTTP_PORT", "7070")
	t.Setenv("FORMGATE_LOG_LEVEL", "debug")
	t.Setenv("FORMGATE_ADMIN_PORT", "not-a-number")

	var logged []string
	logf := func(format string, args ...any) { logged = append(logged, format) }

	c, fs := newTestConfig(t, []string{"-log-level=warn"})
	FillFromEnv(fs, EnvPrefix, logf)

	if c.HTTPPort != 7070 {
		t.Errorf("HTTPPort from env: got %d, want 7070", c.HTTPPort)
	}
	if c.LogLevel != "warn" {
		t.Errorf("cli should beat env: got %q", c.LogLevel)
	}
	if c.AdminPort != 9000 {
		t.Errorf("invalid env should keep default: got %d", c.AdminPort)
	}
	if len(logged) != 2 {
		t.Errorf("expected override and invalid-value log lines, got %d", len(logged))
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("FORMGATE_TEST_A=from-file\nFORMGATE_TEST_B=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FORMGATE_TEST_B", "from-env")
	// registered for cleanup, then cleared so the file can set it
	t.Setenv("FORMGATE_TEST_A", "")
	os.Unsetenv("FORMGATE_TEST_A")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("FORMGATE_TEST_A"); got != "from-file" {
		t.Errorf("A = %q, want from-file", got)
	}
	if got := os.Getenv("FORMGATE_TEST_B"); got != "from-env" {
		t.Errorf("existing env must win, B = %q", got)
	}

	if err := LoadDotEnv(""); err != nil {
		t.Errorf("empty path should be a no-op: %v", err)
	}
	wantErrContains(t, LoadDotEnv(filepath.Join(dir, "missing.env")), "load env file")
}

func TestEnvFileFrom(t *testing.T) {
	t.Setenv("FORMGATE_ENV_FILE", "/from/env")
	if got := EnvFileFrom(App{}, EnvPrefix); got != "/from/env" {
		t.Errorf("got %q", got)
	}
	if got := EnvFileFrom(App{EnvFile: "/from/flag"}, EnvPrefix); got != "/from/flag" {
		t.Errorf("flag should win, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	valid, _ := newTestConfig(t, nil)

	tests := []struct {
		name    string
		mutate  func(*App)
		wantSub string
	}{
		{"bad http port", func(c *App) { c.HTTPPort = 0 }, "HTTP_PORT"},
		{"same ports", func(c *App) { c.AdminPort = c.HTTPPort }, "must differ"},
		{"bad log level", func(c *App) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad stacktrace level", func(c *App) { c.StacktraceLevel = "x" }, "STACKTRACE_LEVEL"},
		{"trace sample", func(c *App) { c.TraceSample = 1.5 }, "TRACE_SAMPLE"},
		{"pyro without server", func(c *App) { c.EnablePyroscope = true; c.PyroTenantID = "t" }, "PYRO_SERVER required"},
		{"pyro bad url", func(c *App) { c.EnablePyroscope = true; c.PyroServer = "pyro"; c.PyroTenantID = "t" }, "must be a URL"},
		{"pyro without tenant", func(c *App) { c.EnablePyroscope = true; c.PyroServer = "https://pyro:4040" }, "PYRO_TENANT"},
		{"tracing without endpoint", func(c *App) { c.EnableTracing = true }, "OTLP_ENDPOINT required"},
		{"tracing with scheme", func(c *App) { c.EnableTracing = true; c.OTLPEndpoint = "http://otel" }, "host:port"},
		{"shutdown timeout", func(c *App) { c.ShutdownTimeout = 0 }, "SHUTDOWN_TIMEOUT"},
		{"drain delay", func(c *App) { c.DrainDelay = -time.Second }, "DRAIN_DELAY"},
		{"deny log interval", func(c *App) { c.DenyLogInterval = -time.Second }, "DENY_LOG_INTERVAL"},
		{"body too small", func(c *App) { c.MaxBodyBytes = 10 }, "MAX_BODY_BYTES"},
		{"s3 without bucket", func(c *App) { c.ContactSink = SinkS3 }, "CONTACT_S3_BUCKET"},
		{"s3 bad prefix", func(c *App) { c.ContactSink = SinkS3; c.ContactS3Bucket = "b"; c.ContactS3Prefix = "a/../b" }, "CONTACT_S3_PREFIX"},
		{"unknown sink", func(c *App) { c.ContactSink = "smtp" }, "CONTACT_SINK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *valid
			tt.mutate(&c)
			wantErrContains(t, Validate(c), tt.wantSub)
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	c, _ := newTestConfig(t, nil)
	c.HTTPPort = 0
	c.ContactSink = "smtp"
	err := Validate(*c)
	wantErrContains(t, err, "HTTP_PORT")
	wantErrContains(t, err, "CONTACT_SINK")
}
