package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/formgate/internal/cfg"
	"github.com/keithlinneman/formgate/internal/contact"
	"github.com/keithlinneman/formgate/internal/log"
	"github.com/keithlinneman/formgate/internal/metrics"
	"github.com/keithlinneman/formgate/internal/ratelimit"
)

const sharedStoreConfig = `
routes:
  - route: /api/contact
    window_ms: 60000
    max_requests: 2
    store: forms
  - route: /api/newsletter
    window_ms: 60000
    max_requests: 2
    store: forms
  - route: /api/typo
eviction:
  strategy: lru
  capacity: 100
`

func hit(t *testing.T, h http.Handler, ip string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = ip + ":4000"
	h.ServeHTTP(rec, req)
	return rec.Code
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestBuildLimiters_Defaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	set, err := buildLimiters(ctx, log.Nop(), metrics.New(), cfg.DefaultRateLimits(), guardedRoutes, 0)
	if err != nil {
		t.Fatalf("buildLimiters: %v", err)
	}
	if len(set.limiters) != 2 || len(set.stores) != 2 {
		t.Fatalf("limiters/stores = %d/%d, want 2/2 (one store per route by default)", len(set.limiters), len(set.stores))
	}
	for _, route := range guardedRoutes {
		lim := set.limiters[route]
		if lim.Policy() != ratelimit.DefaultPolicy() {
			t.Fatalf("%s policy = %+v, want default", route, lim.Policy())
		}
		if lim.Name() != route {
			t.Fatalf("name = %q, want %q", lim.Name(), route)
		}
	}
	if set.Guard("/api/unguarded") != nil {
		t.Fatal("unknown route should have no guard")
	}
}

func TestBuildLimiters_SharedStoreSharesQuota(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl, err := cfg.ParseRateLimits([]byte(sharedStoreConfig))
	if err != nil {
		t.Fatalf("ParseRateLimits: %v", err)
	}
	m := metrics.New()
	set, err := buildLimiters(ctx, log.Nop(), m, rl, guardedRoutes, 0)
	if err != nil {
		t.Fatalf("buildLimiters: %v", err)
	}
	if len(set.stores) != 1 {
		t.Fatalf("stores = %d, want 1 shared store", len(set.stores))
	}
	if _, ok := set.stores["forms"].(*ratelimit.LRUStore); !ok {
		t.Fatalf("store type = %T, want *ratelimit.LRUStore", set.stores["forms"])
	}

	contactH := set.Guard(contact.RouteContact)(okHandler())
	newsletterH := set.Guard(contact.RouteNewsletter)(okHandler())

	if code := hit(t, contactH, "203.0.113.1"); code != http.StatusOK {
		t.Fatalf("contact status = %d", code)
	}
	if code := hit(t, newsletterH, "203.0.113.1"); code != http.StatusOK {
		t.Fatalf("newsletter status = %d", code)
	}
	// quota of 2 is spent across both routes
	if code := hit(t, contactH, "203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", code)
	}

	stats, ok := set.Stats().([]storeStats)
	if !ok || len(stats) != 1 || stats[0] != (storeStats{Store: "forms", Clients: 1}) {
		t.Fatalf("stats = %#v", set.Stats())
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if !strings.Contains(rec.Body.String(), `ratelimit_tracked_clients{store="forms"} 1`) {
		t.Fatalf("tracked clients gauge missing:\n%s", rec.Body.String())
	}

	set.Clear()
	if set.stores["forms"].Len() != 0 {
		t.Fatal("Clear should empty every store")
	}
}

func TestBuildLimiters_DuplicateStoreMetricsFail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	if err := m.TrackStore(contact.RouteContact, func() int { return 0 }); err != nil {
		t.Fatalf("TrackStore: %v", err)
	}
	if _, err := buildLimiters(ctx, log.Nop(), m, cfg.DefaultRateLimits(), guardedRoutes, 0); err == nil {
		t.Fatal("expected error when the store gauge is already registered")
	}
}

func TestBuildLimiters_RejectsIdleShorterThanDefaultWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// only the newsletter is configured, the contact form runs the 60s default
	rl, err := cfg.ParseRateLimits([]byte(`
routes:
  - route: /api/newsletter
    window_ms: 1000
eviction:
  strategy: sweep
  max_idle_ms: 2000
`))
	if err != nil {
		t.Fatalf("ParseRateLimits: %v", err)
	}
	_, err = buildLimiters(ctx, log.Nop(), metrics.New(), rl, guardedRoutes, 0)
	if err == nil || !strings.Contains(err.Error(), "shorter than the longest window") {
		t.Fatalf("err = %v, want idle window error", err)
	}
}
