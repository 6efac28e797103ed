package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/formgate/internal/version"
)

// Rate limit outcomes used as the outcome label
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	// rate limiting
	ratelimitRequests  *prometheus.CounterVec
	ratelimitRefunds   *prometheus.CounterVec
	ratelimitEvictions *prometheus.CounterVec

	// forms
	submissionsTotal *prometheus.CounterVec
	sinkDuration     *prometheus.HistogramVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 128, 256, 512, 1024, 4096, 16384},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_requests_total",
			Help: "Rate limit decisions by route and outcome (allowed, denied)",
		}, []string{"route", "outcome"}),
		ratelimitRefunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_refunds_total",
			Help: "Admissions given back because of skip_successful/skip_failed",
		}, []string{"route"}),
		ratelimitEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_evictions_total",
			Help: "Client histories removed by the store eviction strategy",
		}, []string{"store"}),
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contact_submissions_total",
			Help: "Form submissions by form and result (accepted, invalid, sink_error)",
		}, []string{"form", "result"}),
		sinkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contact_sink_duration_seconds",
			Help:    "Time to hand a submission to its sink",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"sink"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitRequests,
		m.ratelimitRefunds,
		m.ratelimitEvictions,
		m.submissionsTotal,
		m.sinkDuration,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncRateLimitAllowed(route string) {
	m.ratelimitRequests.WithLabelValues(route, OutcomeAllowed).Inc()
}

func (m *ServerMetrics) IncRateLimitDenied(route string) {
	m.ratelimitRequests.WithLabelValues(route, OutcomeDenied).Inc()
}

func (m *ServerMetrics) IncRateLimitRefund(route string) {
	m.ratelimitRefunds.WithLabelValues(route).Inc()
}

func (m *ServerMetrics) AddEvictions(store string, n int) {
	if n <= 0 {
		return
	}
	m.ratelimitEvictions.WithLabelValues(store).Add(float64(n))
}

// TrackStore exports the number of client identifiers held by a store. size is
// called on every scrape, so it must be safe for concurrent use.
func (m *ServerMetrics) TrackStore(store string, size func() int) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "ratelimit_tracked_clients",
		Help:        "Client identifiers currently held by a rate limit store",
		ConstLabels: prometheus.Labels{"store": store},
	}, func() float64 { return float64(size()) }))
}

func (m *ServerMetrics) IncSubmission(form, result string) {
	m.submissionsTotal.WithLabelValues(form, result).Inc()
}

func (m *ServerMetrics) ObserveSinkDuration(sink string, seconds float64) {
	m.sinkDuration.WithLabelValues(sink).Observe(seconds)
}
