package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/formgate/internal/xerrors"
)

// Store holds the request history (unix milliseconds) for each client identifier.
//
// Update is the only way to read or change a history. fn runs while the store
// holds its lock, so the read-filter-decide-write sequence of a check cannot
// interleave with another update. fn receives nil for unknown keys and must not
// retain the slice after returning.
type Store interface {
	Update(key string, fn func(history []int64) []int64)
	Len() int
	Clear()
}

// Eviction names a strategy for bounding store growth.
type Eviction string

const (
	// EvictNone keeps every key for the life of the store, histories are only pruned on access
	EvictNone Eviction = "none"
	// EvictSweep periodically deletes keys that have not been touched within MaxIdle
	EvictSweep Eviction = "sweep"
	// EvictLRU bounds the store to Capacity keys and expires keys not updated within TTL
	EvictLRU Eviction = "lru"
)

// StoreOptions configures NewStore.
type StoreOptions struct {
	Strategy Eviction

	// sweep
	SweepInterval time.Duration
	MaxIdle       time.Duration

	// lru
	Capacity int
	TTL      time.Duration

	// OnEvict is called with the number of keys removed by eviction
	OnEvict func(n int)
}

// Validate checks the options for the selected strategy.
func (o StoreOptions) Validate() error {
	switch o.Strategy {
	case "", EvictNone:
		return nil
	case EvictSweep:
		if o.SweepInterval <= 0 {
			return xerrors.Newf("sweep interval must be > 0 (got %s)", o.SweepInterval)
		}
		if o.MaxIdle <= 0 {
			return xerrors.Newf("sweep max idle must be > 0 (got %s)", o.MaxIdle)
		}
		return nil
	case EvictLRU:
		if o.Capacity <= 0 {
			return xerrors.Newf("lru capacity must be > 0 (got %d)", o.Capacity)
		}
		if o.TTL <= 0 {
			return xerrors.Newf("lru ttl must be > 0 (got %s)", o.TTL)
		}
		return nil
	default:
		return xerrors.Newf("unknown eviction strategy %q (valid strategies are none|sweep|lru)", o.Strategy)
	}
}

// Idle is how long an untouched key survives, zero when keys are never
// dropped for idleness.
func (o StoreOptions) Idle() time.Duration {
	switch o.Strategy {
	case EvictSweep:
		return o.MaxIdle
	case EvictLRU:
		return o.TTL
	default:
		return 0
	}
}

// NewStore builds a store for the configured eviction strategy. For the sweep
// strategy the background sweeper runs until ctx is cancelled.
func NewStore(ctx context.Context, o StoreOptions) (Store, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	switch o.Strategy {
	case EvictSweep:
		s := NewMemoryStore(WithOnEvict(o.OnEvict))
		go s.RunSweeper(ctx, o.SweepInterval, o.MaxIdle)
		return s, nil
	case EvictLRU:
		return NewLRUStore(o.Capacity, o.TTL, o.OnEvict), nil
	default:
		return NewMemoryStore(), nil
	}
}

// entry is a single client's history plus the last time it was touched
type entry struct {
	history  []int64
	lastSeen time.Time
}

// MemoryStore is a map guarded by a single mutex. Check holds the lock only for
// in-memory filtering, so one coarse lock is enough at the expected load.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry

	now     func() time.Time
	onEvict func(n int)
}

type MemoryStoreOption func(*MemoryStore)

// WithStoreClock overrides the clock used for idle tracking.
func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOnEvict sets a callback receiving the number of keys removed by each sweep.
func WithOnEvict(fn func(n int)) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.onEvict = fn
	}
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) Update(key string, fn func(history []int64) []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.history = fn(e.history)
	e.lastSeen = s.now()
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}

// Sweep deletes keys that have not been touched within maxIdle and returns how
// many were removed. maxIdle should be at least the longest window using this
// store, otherwise a client's live history can be dropped early.
func (s *MemoryStore) Sweep(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	s.mu.Lock()
	n := 0
	for k, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 && s.onEvict != nil {
		s.onEvict(n)
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(maxIdle)
		}
	}
}
