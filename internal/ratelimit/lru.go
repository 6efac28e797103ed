package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUStore bounds the number of tracked clients. The least recently updated key
// is dropped when capacity is reached and keys expire ttl after their last
// update. ttl should be at least the longest window using this store.
type LRUStore struct {
	// expirable.LRU is safe on its own, mu makes Get+Add a single critical section
	mu    sync.Mutex
	cache *expirable.LRU[string, []int64]
}

func NewLRUStore(capacity int, ttl time.Duration, onEvict func(n int)) *LRUStore {
	var cb expirable.EvictCallback[string, []int64]
	if onEvict != nil {
		cb = func(string, []int64) { onEvict(1) }
	}
	return &LRUStore{
		cache: expirable.NewLRU[string, []int64](capacity, cb, ttl),
	}
}

func (s *LRUStore) Update(key string, fn func(history []int64) []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, _ := s.cache.Get(key)
	s.cache.Add(key, fn(history))
}

func (s *LRUStore) Len() int {
	return s.cache.Len()
}

func (s *LRUStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}
