package ratelimit

import (
	"time"
)

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed bool

	// Limit is the policy's MaxRequests
	Limit int

	// Remaining is how many more requests fit in the window, 0 on rejection
	Remaining int

	// ResetTime is when the oldest counted request leaves the window
	ResetTime time.Time

	// RetryAfter is whole seconds until ResetTime, only set on rejection
	RetryAfter int

	// Timestamp is the recorded request time in unix ms, only set on acceptance
	Timestamp int64
}

// Limiter applies one Policy to a Store.
type Limiter struct {
	name   string
	policy Policy
	store  Store
	now    func() time.Time

	denials *DenialLogger

	// OnAllowed is called after each accepted request, id is the client identifier
	OnAllowed func(id string)

	// OnDenied is called after each rejected request, used for metrics and logging
	OnDenied func(id string)

	// OnRefund is called when an admission is given back because of the skip flags
	OnRefund func(id string)
}

type Option func(*Limiter)

// WithName labels the limiter, usually with the route it guards.
func WithName(name string) Option {
	return func(l *Limiter) {
		l.name = name
	}
}

// WithStore sets the backing store. Limiters sharing a store share quota.
func WithStore(s Store) Option {
	return func(l *Limiter) {
		if s != nil {
			l.store = s
		}
	}
}

// WithClock overrides the time source used by the middleware.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithOnAllowed(fn func(id string)) Option {
	return func(l *Limiter) {
		l.OnAllowed = fn
	}
}

// WithDenialLogger logs rejections from Middleware with the request context.
func WithDenialLogger(d *DenialLogger) Option {
	return func(l *Limiter) {
		l.denials = d
	}
}

// WithOnDenied sets a callback for every rejected request.
func WithOnDenied(fn func(id string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

func WithOnRefund(fn func(id string)) Option {
	return func(l *Limiter) {
		l.OnRefund = fn
	}
}

// New validates p and returns a Limiter. Without WithStore the limiter gets its
// own MemoryStore with no eviction.
func New(p Policy, opts ...Option) (*Limiter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Message == "" {
		p.Message = DefaultMessage
	}
	l := &Limiter{
		policy: p,
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	return l, nil
}

func (l *Limiter) Name() string   { return l.name }
func (l *Limiter) Policy() Policy { return l.policy }
func (l *Limiter) Store() Store   { return l.store }

// Check decides whether a request from id at now fits in the trailing window
// and records it when it does. Only timestamps strictly after now-window count.
func (l *Limiter) Check(id string, now time.Time) Decision {
	nowMs := now.UnixMilli()
	windowMs := l.policy.WindowMs()
	windowStart := nowMs - windowMs
	limit := l.policy.MaxRequests

	var d Decision
	l.store.Update(id, func(history []int64) []int64 {
		kept := prune(history, windowStart)

		if len(kept) >= limit {
			resetMs := nowMs + windowMs
			if len(kept) > 0 {
				resetMs = oldest(kept) + windowMs
			}
			d = Decision{
				Allowed:    false,
				Limit:      limit,
				Remaining:  0,
				ResetTime:  time.UnixMilli(resetMs).UTC(),
				RetryAfter: retryAfterSeconds(resetMs - nowMs),
			}
			return kept
		}

		kept = append(kept, nowMs)
		d = Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: max(0, limit-len(kept)),
			ResetTime: time.UnixMilli(oldest(kept) + windowMs).UTC(),
			Timestamp: nowMs,
		}
		return kept
	})

	// hooks run outside the store lock
	if d.Allowed {
		if l.OnAllowed != nil {
			l.OnAllowed(id)
		}
	} else if l.OnDenied != nil {
		l.OnDenied(id)
	}
	return d
}

// Refund removes the request recorded by d from id's history. It is a no-op for
// rejected decisions and for timestamps that already left the window.
func (l *Limiter) Refund(id string, d Decision) {
	if !d.Allowed {
		return
	}
	removed := false
	l.store.Update(id, func(history []int64) []int64 {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i] == d.Timestamp {
				removed = true
				return append(history[:i], history[i+1:]...)
			}
		}
		return history
	})
	if removed && l.OnRefund != nil {
		l.OnRefund(id)
	}
}

// prune filters history in place, keeping timestamps after windowStart
func prune(history []int64, windowStart int64) []int64 {
	kept := history[:0]
	for _, ts := range history {
		if ts > windowStart {
			kept = append(kept, ts)
		}
	}
	return kept
}

// oldest returns the smallest timestamp. histories are appended in order, but a
// clock stepping backwards can break that so this does not rely on kept[0]
func oldest(kept []int64) int64 {
	m := kept[0]
	for _, ts := range kept[1:] {
		if ts < m {
			m = ts
		}
	}
	return m
}

// retryAfterSeconds rounds up to whole seconds and never goes negative
func retryAfterSeconds(ms int64) int {
	if ms <= 0 {
		return 0
	}
	return int((ms + 999) / 1000)
}
