package opshttp

import (
	"net/http"

	"github.com/keithlinneman/formgate/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Stats is served as JSON on /-/ratelimit, typically per-store client counts
	Stats func() any

	// AllowPublic disables the private-network check, for tests and sidecar setups
	AllowPublic bool

	UseRecoverMW bool
	OnPanic      func() // called for each recovered panic, e.g. to increment a counter
}
