package ratelimit

import (
	"time"

	"github.com/keithlinneman/formgate/internal/xerrors"
)

const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 10
	DefaultMessage     = "Too many requests, please try again later."
)

// Policy is the per-route rate limit configuration. It is copied into the
// Limiter at construction and never changes afterwards.
type Policy struct {
	// Window is the length of the trailing window, millisecond resolution
	Window time.Duration

	// MaxRequests is the number of accepted requests allowed per window, 0 rejects everything
	MaxRequests int

	// Message is returned in the body of 429 responses
	Message string

	// SkipSuccessfulRequests refunds admissions whose downstream response is < 400
	SkipSuccessfulRequests bool

	// SkipFailedRequests refunds admissions whose downstream response is >= 400
	SkipFailedRequests bool
}

// DefaultPolicy returns 10 requests per 60s with the default message.
func DefaultPolicy() Policy {
	return Policy{
		Window:      DefaultWindow,
		MaxRequests: DefaultMaxRequests,
		Message:     DefaultMessage,
	}
}

// Validate checks that the window is at least one millisecond and that
// MaxRequests is not negative.
func (p Policy) Validate() error {
	if p.Window < time.Millisecond {
		return xerrors.Newf("invalid rate limit window %s (must be >= 1ms)", p.Window)
	}
	if p.MaxRequests < 0 {
		return xerrors.Newf("invalid rate limit max requests %d (must be >= 0)", p.MaxRequests)
	}
	return nil
}

// WindowMs returns the window in milliseconds as exposed on the wire.
func (p Policy) WindowMs() int64 {
	return p.Window.Milliseconds()
}

// refundable reports whether a downstream response with the given status
// should give the admission back.
func (p Policy) refundable(status int) bool {
	if status < 400 {
		return p.SkipSuccessfulRequests
	}
	return p.SkipFailedRequests
}
