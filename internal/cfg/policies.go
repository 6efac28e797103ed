package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/formgate/internal/ratelimit"
	"github.com/keithlinneman/formgate/internal/xerrors"
)

// Eviction defaults applied when a strategy is chosen without tuning
const (
	DefaultSweepInterval = time.Minute
	DefaultMaxIdle       = 10 * time.Minute
	DefaultCapacity      = 100_000
)

// RouteConfig is one entry under routes: in the rate limit file.
type RouteConfig struct {
	Route                  string `yaml:"route"`
	WindowMs               int64  `yaml:"window_ms"`
	MaxRequests            *int   `yaml:"max_requests"`
	Message                string `yaml:"message"`
	SkipSuccessfulRequests bool   `yaml:"skip_successful_requests"`
	SkipFailedRequests     bool   `yaml:"skip_failed_requests"`
	Store                  string `yaml:"store"`
}

type EvictionConfig struct {
	Strategy        string `yaml:"strategy"`
	SweepIntervalMs int64  `yaml:"sweep_interval_ms"`
	MaxIdleMs       int64  `yaml:"max_idle_ms"`
	Capacity        int    `yaml:"capacity"`
}

type rateLimitFile struct {
	Routes   []RouteConfig  `yaml:"routes"`
	Eviction EvictionConfig `yaml:"eviction"`
}

// RoutePolicy is the resolved limiter configuration for one route.
type RoutePolicy struct {
	Route  string
	Policy ratelimit.Policy
	// Store names the store group. Routes sharing a name share quota.
	Store string
}

// RateLimits holds every configured route policy plus the eviction settings
// applied to each store.
type RateLimits struct {
	routes   map[string]RoutePolicy
	Eviction ratelimit.StoreOptions
}

// DefaultRateLimits is what the server runs with when no file is given.
func DefaultRateLimits() *RateLimits {
	return &RateLimits{
		routes:   map[string]RoutePolicy{},
		Eviction: ratelimit.StoreOptions{Strategy: ratelimit.EvictNone},
	}
}

// For returns the policy configured for route, or the default policy in a
// store of its own.
func (rl *RateLimits) For(route string) RoutePolicy {
	if rp, ok := rl.routes[route]; ok {
		return rp
	}
	return RoutePolicy{Route: route, Policy: ratelimit.DefaultPolicy(), Store: route}
}

// Routes lists configured routes in sorted order.
func (rl *RateLimits) Routes() []string {
	out := make([]string, 0, len(rl.routes))
	for r := range rl.routes {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// LoadRateLimits reads the YAML policy file at path. An empty path yields
// DefaultRateLimits.
func LoadRateLimits(path string) (*RateLimits, error) {
	if path == "" {
		return DefaultRateLimits(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read rate limit config %s", path)
	}
	rl, err := ParseRateLimits(b)
	if err != nil {
		return nil, xerrors.Wrapf(err, "rate limit config %s", path)
	}
	return rl, nil
}

// ParseRateLimits decodes and validates a rate limit document. Unknown keys
// are rejected so typos do not silently fall back to defaults.
func ParseRateLimits(b []byte) (*RateLimits, error) {
	var f rateLimitFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(err, "decode yaml")
	}

	rl := DefaultRateLimits()
	var errs []error

	for i, rc := range f.Routes {
		rp, err := rc.resolve()
		if err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w", i, err))
			continue
		}
		if _, dup := rl.routes[rp.Route]; dup {
			errs = append(errs, fmt.Errorf("routes[%d]: duplicate route %q", i, rp.Route))
			continue
		}
		rl.routes[rp.Route] = rp
	}

	ev, err := f.Eviction.resolve()
	if err != nil {
		errs = append(errs, fmt.Errorf("eviction: %w", err))
	} else {
		rl.Eviction = ev
		if err := rl.check(rl.Routes()); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rl, nil
}

func (rc RouteConfig) resolve() (RoutePolicy, error) {
	route := strings.TrimSpace(rc.Route)
	if !strings.HasPrefix(route, "/") {
		return RoutePolicy{}, fmt.Errorf("route %q must start with /", rc.Route)
	}

	p := ratelimit.DefaultPolicy()
	if rc.WindowMs != 0 {
		p.Window = time.Duration(rc.WindowMs) * time.Millisecond
	}
	if rc.MaxRequests != nil {
		p.MaxRequests = *rc.MaxRequests
	}
	if rc.Message != "" {
		p.Message = rc.Message
	}
	p.SkipSuccessfulRequests = rc.SkipSuccessfulRequests
	p.SkipFailedRequests = rc.SkipFailedRequests
	if err := p.Validate(); err != nil {
		return RoutePolicy{}, fmt.Errorf("route %s: %w", route, err)
	}

	store := strings.TrimSpace(rc.Store)
	if store == "" {
		store = route
	}
	return RoutePolicy{Route: route, Policy: p, Store: store}, nil
}

// Resolve returns the policy of every route in routes and checks them against
// the store settings. Routes without an entry fall back to the default policy,
// so their window counts toward the idle limit too.
func (rl *RateLimits) Resolve(routes []string) ([]RoutePolicy, error) {
	if err := rl.check(routes); err != nil {
		return nil, err
	}
	out := make([]RoutePolicy, 0, len(routes))
	for _, route := range routes {
		out = append(out, rl.For(route))
	}
	return out, nil
}

// check enforces two limits over the resolved policies of routes and every
// configured route. Routes sharing a store must use the same window, since a
// shorter window prunes timestamps the longer one still counts. Idle eviction
// must not forget a client before its longest window has passed.
func (rl *RateLimits) check(routes []string) error {
	seen := make(map[string]bool, len(routes)+len(rl.routes))
	names := make([]string, 0, len(routes)+len(rl.routes))
	for _, r := range append(append([]string{}, routes...), rl.Routes()...) {
		if !seen[r] {
			seen[r] = true
			names = append(names, r)
		}
	}

	var errs []error
	var longest time.Duration
	windows := map[string]RoutePolicy{}
	for _, route := range names {
		rp := rl.For(route)
		longest = max(longest, rp.Policy.Window)
		first, ok := windows[rp.Store]
		if !ok {
			windows[rp.Store] = rp
			continue
		}
		if first.Policy.Window != rp.Policy.Window {
			errs = append(errs, fmt.Errorf("store %q: route %s window_ms %d differs from %s window_ms %d",
				rp.Store, rp.Route, rp.Policy.WindowMs(), first.Route, first.Policy.WindowMs()))
		}
	}

	if idle := rl.Eviction.Idle(); idle > 0 && idle < longest {
		errs = append(errs, fmt.Errorf("eviction: max_idle_ms %d is shorter than the longest window %d", idle.Milliseconds(), longest.Milliseconds()))
	}
	return errors.Join(errs...)
}

// resolve fills defaults for the chosen strategy.
func (ec EvictionConfig) resolve() (ratelimit.StoreOptions, error) {
	o := ratelimit.StoreOptions{Strategy: ratelimit.Eviction(strings.ToLower(strings.TrimSpace(ec.Strategy)))}
	if o.Strategy == "" {
		o.Strategy = ratelimit.EvictNone
	}

	idle := DefaultMaxIdle
	if ec.MaxIdleMs != 0 {
		idle = time.Duration(ec.MaxIdleMs) * time.Millisecond
	}

	switch o.Strategy {
	case ratelimit.EvictSweep:
		o.SweepInterval = DefaultSweepInterval
		if ec.SweepIntervalMs != 0 {
			o.SweepInterval = time.Duration(ec.SweepIntervalMs) * time.Millisecond
		}
		o.MaxIdle = idle
	case ratelimit.EvictLRU:
		o.Capacity = DefaultCapacity
		if ec.Capacity != 0 {
			o.Capacity = ec.Capacity
		}
		o.TTL = idle
	}

	if err := o.Validate(); err != nil {
		return o, err
	}
	return o, nil
}
