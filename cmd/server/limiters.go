package main

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/keithlinneman/formgate/internal/cfg"
	"github.com/keithlinneman/formgate/internal/log"
	"github.com/keithlinneman/formgate/internal/metrics"
	"github.com/keithlinneman/formgate/internal/ratelimit"
	"github.com/keithlinneman/formgate/internal/xerrors"
)

// limiterSet holds one limiter per guarded route and the stores behind them.
// Routes configured with the same store name share a store, and so share quota.
type limiterSet struct {
	limiters map[string]*ratelimit.Limiter
	stores   map[string]ratelimit.Store
}

// buildLimiters creates a limiter for each route, resolving its policy from rl
// and checking it against the store settings.
// Stores are created once per store group with rl.Eviction and exported to m.
func buildLimiters(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, rl *cfg.RateLimits, routes []string, denyLogInterval time.Duration) (*limiterSet, error) {
	set := &limiterSet{
		limiters: make(map[string]*ratelimit.Limiter, len(routes)),
		stores:   map[string]ratelimit.Store{},
	}

	rps, err := rl.Resolve(routes)
	if err != nil {
		return nil, xerrors.Wrap(err, "rate limit policies")
	}

	for _, rp := range rps {
		route := rp.Route

		store, ok := set.stores[rp.Store]
		if !ok {
			opts := rl.Eviction
			group := rp.Store
			opts.OnEvict = func(n int) { m.AddEvictions(group, n) }

			s, err := ratelimit.NewStore(ctx, opts)
			if err != nil {
				return nil, xerrors.Wrapf(err, "store %s", rp.Store)
			}
			if err := m.TrackStore(rp.Store, s.Len); err != nil {
				return nil, xerrors.Wrapf(err, "register store metrics %s", rp.Store)
			}
			set.stores[rp.Store] = s
			store = s
		}

		lim, err := ratelimit.New(rp.Policy,
			ratelimit.WithName(route),
			ratelimit.WithStore(store),
			ratelimit.WithDenialLogger(ratelimit.NewDenialLogger(L, route, denyLogInterval)),
			ratelimit.WithOnAllowed(func(string) { m.IncRateLimitAllowed(route) }),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied(route) }),
			ratelimit.WithOnRefund(func(string) { m.IncRateLimitRefund(route) }),
		)
		if err != nil {
			return nil, xerrors.Wrapf(err, "limiter %s", route)
		}
		set.limiters[route] = lim

		L.Info(ctx, "rate limit configured",
			"route", route,
			"store", rp.Store,
			"eviction", string(rl.Eviction.Strategy),
			"window_ms", rp.Policy.WindowMs(),
			"max_requests", rp.Policy.MaxRequests,
			"skip_successful", rp.Policy.SkipSuccessfulRequests,
			"skip_failed", rp.Policy.SkipFailedRequests,
		)
	}

	// policies for routes nothing mounts are almost always typos
	for _, route := range rl.Routes() {
		if _, ok := set.limiters[route]; !ok {
			L.Warn(ctx, "rate limit configured for unknown route, ignoring", "route", route)
		}
	}
	return set, nil
}

// Guard returns the limiter middleware for route, nil for unguarded routes.
func (s *limiterSet) Guard(route string) func(http.Handler) http.Handler {
	if lim, ok := s.limiters[route]; ok {
		return lim.Middleware
	}
	return nil
}

type storeStats struct {
	Store   string `json:"store"`
	Clients int    `json:"clients"`
}

// Stats reports tracked clients per store for the ops listener.
func (s *limiterSet) Stats() any {
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]storeStats, 0, len(names))
	for _, name := range names {
		out = append(out, storeStats{Store: name, Clients: s.stores[name].Len()})
	}
	return out
}

// Clear drops all client histories, used on shutdown.
func (s *limiterSet) Clear() {
	for _, st := range s.stores {
		st.Clear()
	}
}
