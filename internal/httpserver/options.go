package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/formgate/internal/health"
	"github.com/keithlinneman/formgate/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called for each recovered panic, e.g. to increment a counter
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// Routes registers the API endpoints, typically contact.API.RegisterRoutes
	// with a rate limit guard per route
	Routes func(chi.Router)

	// MaxBodyBytes caps request bodies; 0 means DefaultMaxBodyBytes
	MaxBodyBytes int64

	// ShutdownTimeout bounds in-flight request draining; 0 means 5s
	ShutdownTimeout time.Duration
}
