// Package ratelimit provides per-client sliding-window rate limiting for the
// form endpoints.
//
// Each guarded route owns a [Limiter] built from an immutable [Policy]. The
// limiter keeps a history of accepted request timestamps per client identifier
// in a [Store] and counts only the timestamps that fall inside the trailing
// window, so a client's allowance recovers continuously instead of resetting
// at fixed boundaries. Rejected requests are not recorded.
//
// State is in-memory and per process. It is not shared between instances and
// does not survive restarts; use upstream filtering for distributed abuse.
//
// Stores grow with the number of distinct identifiers. [NewStore] selects an
// eviction strategy: none (lazy per-key pruning only), a periodic sweep of
// idle keys, or a bounded LRU with TTL.
package ratelimit
