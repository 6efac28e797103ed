package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ms returns a time at the given unix millisecond offset
func ms(v int64) time.Time { return time.UnixMilli(v) }

func newTestLimiter(t *testing.T, window time.Duration, max int, opts ...Option) *Limiter {
	t.Helper()
	l, err := New(Policy{Window: window, MaxRequests: max}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestNew_InvalidPolicy(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"zero window", Policy{Window: 0, MaxRequests: 1}},
		{"sub-millisecond window", Policy{Window: time.Microsecond, MaxRequests: 1}},
		{"negative max", Policy{Window: time.Second, MaxRequests: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.p); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_DefaultsMessageAndStore(t *testing.T) {
	l, err := New(Policy{Window: time.Second, MaxRequests: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Policy().Message != DefaultMessage {
		t.Fatalf("message = %q, want default", l.Policy().Message)
	}
	if l.Store() == nil {
		t.Fatal("store is nil")
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.WindowMs() != 60000 || p.MaxRequests != 10 || p.Message != DefaultMessage {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.SkipSuccessfulRequests || p.SkipFailedRequests {
		t.Fatal("skip flags should default to false")
	}
}

func TestCheck_AcceptsUpToMaxThenRejects(t *testing.T) {
	for _, n := range []int{1, 3, 10} {
		l := newTestLimiter(t, time.Minute, n)
		for i := 0; i < n; i++ {
			d := l.Check("10.0.0.1", ms(1000+int64(i)))
			if !d.Allowed {
				t.Fatalf("n=%d: request %d rejected", n, i+1)
			}
			if d.Remaining != n-i-1 {
				t.Fatalf("n=%d: request %d remaining = %d, want %d", n, i+1, d.Remaining, n-i-1)
			}
		}
		d := l.Check("10.0.0.1", ms(1000+int64(n)))
		if d.Allowed {
			t.Fatalf("n=%d: request %d should be rejected", n, n+1)
		}
		if d.Remaining != 0 {
			t.Fatalf("n=%d: remaining on rejection = %d, want 0", n, d.Remaining)
		}
		if d.RetryAfter <= 0 {
			t.Fatalf("n=%d: retryAfter = %d, want > 0", n, d.RetryAfter)
		}
	}
}

func TestCheck_FirstRequestFromFreshClient(t *testing.T) {
	l := newTestLimiter(t, time.Minute, 5)
	d := l.Check("fresh", ms(42))
	if !d.Allowed {
		t.Fatal("first request should be accepted")
	}
	if d.Remaining != 4 {
		t.Fatalf("remaining = %d, want 4", d.Remaining)
	}
	if d.Limit != 5 {
		t.Fatalf("limit = %d, want 5", d.Limit)
	}
	if want := ms(42 + 60000).UTC(); !d.ResetTime.Equal(want) {
		t.Fatalf("reset = %v, want %v", d.ResetTime, want)
	}
	if d.Timestamp != 42 {
		t.Fatalf("timestamp = %d, want 42", d.Timestamp)
	}
	if d.RetryAfter != 0 {
		t.Fatalf("retryAfter on accept = %d, want 0", d.RetryAfter)
	}
}

func TestCheck_SlidingWindow(t *testing.T) {
	l := newTestLimiter(t, time.Second, 1)

	if !l.Check("c", ms(0)).Allowed {
		t.Fatal("t=0 should be accepted")
	}
	d := l.Check("c", ms(999))
	if d.Allowed {
		t.Fatal("t=999 should be rejected")
	}
	// oldest=0, reset=1000, 1ms left rounds up
	if d.RetryAfter != 1 {
		t.Fatalf("t=999 retryAfter = %d, want 1", d.RetryAfter)
	}
	if !l.Check("c", ms(1001)).Allowed {
		t.Fatal("t=1001 should be accepted")
	}
}

func TestCheck_BoundaryIsExclusive(t *testing.T) {
	l := newTestLimiter(t, time.Second, 1)
	l.Check("c", ms(0))
	// windowStart = 0, timestamp 0 is not strictly greater so it no longer counts
	if !l.Check("c", ms(1000)).Allowed {
		t.Fatal("t=1000 should be accepted, t=0 left the window")
	}
}

func TestCheck_RecoversGradually(t *testing.T) {
	l := newTestLimiter(t, 10*time.Second, 3)
	l.Check("c", ms(0))
	l.Check("c", ms(4000))
	l.Check("c", ms(8000))

	if l.Check("c", ms(9000)).Allowed {
		t.Fatal("t=9000 should be rejected, 3 in window")
	}
	// t=0 falls out, one slot frees up
	d := l.Check("c", ms(10500))
	if !d.Allowed {
		t.Fatal("t=10500 should be accepted")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", d.Remaining)
	}
	// oldest counted is now 4000
	if want := ms(14000).UTC(); !d.ResetTime.Equal(want) {
		t.Fatalf("reset = %v, want %v", d.ResetTime, want)
	}
	if l.Check("c", ms(11000)).Allowed {
		t.Fatal("t=11000 should be rejected")
	}
}

func TestCheck_RejectionNotRecorded(t *testing.T) {
	l := newTestLimiter(t, time.Second, 1)
	l.Check("c", ms(0))
	for i := int64(1); i < 1000; i += 100 {
		if l.Check("c", ms(i)).Allowed {
			t.Fatalf("t=%d should be rejected", i)
		}
	}
	// rejected attempts did not extend the window
	if !l.Check("c", ms(1000)).Allowed {
		t.Fatal("t=1000 should be accepted")
	}
}

func TestCheck_RetryAfterFromOldest(t *testing.T) {
	l := newTestLimiter(t, time.Minute, 2)
	l.Check("c", ms(0))
	l.Check("c", ms(30000))

	d := l.Check("c", ms(30001))
	if d.Allowed {
		t.Fatal("should be rejected")
	}
	if want := ms(60000).UTC(); !d.ResetTime.Equal(want) {
		t.Fatalf("reset = %v, want %v", d.ResetTime, want)
	}
	// 29999ms rounds up to 30s
	if d.RetryAfter != 30 {
		t.Fatalf("retryAfter = %d, want 30", d.RetryAfter)
	}
}

func TestCheck_MaxZeroRejectsEverything(t *testing.T) {
	l := newTestLimiter(t, time.Second, 0)
	for i := int64(0); i < 5; i++ {
		d := l.Check("c", ms(i*5000))
		if d.Allowed {
			t.Fatalf("request %d accepted with max=0", i)
		}
		if d.Remaining != 0 {
			t.Fatalf("remaining = %d, want 0", d.Remaining)
		}
		if d.RetryAfter != 1 {
			t.Fatalf("retryAfter = %d, want 1", d.RetryAfter)
		}
	}
}

func TestCheck_ClockBackwardsNeverNegative(t *testing.T) {
	l := newTestLimiter(t, time.Second, 1)
	l.Check("c", ms(10000))

	// clock stepped back 5s, history entry is in the "future"
	d := l.Check("c", ms(5000))
	if d.Allowed {
		t.Fatal("should be rejected, future entry still counts")
	}
	if d.RetryAfter < 0 {
		t.Fatalf("retryAfter = %d, must not be negative", d.RetryAfter)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		ms   int64
		want int
	}{
		{-5000, 0},
		{0, 0},
		{1, 1},
		{999, 1},
		{1000, 1},
		{1001, 2},
		{60000, 60},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.ms); got != tt.want {
			t.Errorf("retryAfterSeconds(%d) = %d, want %d", tt.ms, got, tt.want)
		}
	}
}

func TestCheck_SeparateClients(t *testing.T) {
	l := newTestLimiter(t, time.Minute, 2)
	l.Check("a", ms(0))
	l.Check("a", ms(1))
	if l.Check("a", ms(2)).Allowed {
		t.Fatal("a should be rejected")
	}
	d := l.Check("b", ms(3))
	if !d.Allowed {
		t.Fatal("b should be accepted")
	}
	if d.Remaining != 1 {
		t.Fatalf("b remaining = %d, want 1", d.Remaining)
	}
}

func TestCheck_SharedStoreSharesQuota(t *testing.T) {
	store := NewMemoryStore()
	a := newTestLimiter(t, time.Minute, 2, WithStore(store))
	b := newTestLimiter(t, time.Minute, 2, WithStore(store))

	a.Check("c", ms(0))
	b.Check("c", ms(1))
	if a.Check("c", ms(2)).Allowed {
		t.Fatal("shared store: third request should be rejected")
	}
}

func TestCheck_ConcurrentSameClient(t *testing.T) {
	const n = 20
	l := newTestLimiter(t, time.Minute, n)

	var accepted, rejected atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	now := time.Now()
	for i := 0; i < n+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Check("10.0.0.1", now).Allowed {
				accepted.Add(1)
			} else {
				rejected.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if accepted.Load() != n {
		t.Fatalf("accepted = %d, want %d", accepted.Load(), n)
	}
	if rejected.Load() != 5 {
		t.Fatalf("rejected = %d, want 5", rejected.Load())
	}
}

func TestHooks(t *testing.T) {
	var allowed, denied []string
	l := newTestLimiter(t, time.Minute, 1,
		WithOnAllowed(func(id string) { allowed = append(allowed, id) }),
		WithOnDenied(func(id string) { denied = append(denied, id) }),
	)
	l.Check("a", ms(0))
	l.Check("a", ms(1))
	l.Check("a", ms(2))

	if len(allowed) != 1 || allowed[0] != "a" {
		t.Fatalf("allowed = %v", allowed)
	}
	if len(denied) != 2 {
		t.Fatalf("denied = %v, want 2 entries", denied)
	}
}

func TestRefund(t *testing.T) {
	var refunds int
	l := newTestLimiter(t, time.Minute, 1, WithOnRefund(func(string) { refunds++ }))

	d := l.Check("c", ms(0))
	l.Refund("c", d)
	if refunds != 1 {
		t.Fatalf("refunds = %d, want 1", refunds)
	}
	if !l.Check("c", ms(1)).Allowed {
		t.Fatal("refunded slot should be available")
	}

	// refunding twice or refunding a rejection is a no-op
	l.Refund("c", d)
	l.Refund("c", Decision{Allowed: false})
	if refunds != 1 {
		t.Fatalf("refunds = %d, want 1", refunds)
	}
	if l.Check("c", ms(2)).Allowed {
		t.Fatal("only one slot, should be rejected")
	}
}

func TestRefund_RemovesOnlyOneOccurrence(t *testing.T) {
	l := newTestLimiter(t, time.Minute, 3)
	d := l.Check("c", ms(5))
	l.Check("c", ms(5))
	l.Check("c", ms(5))
	l.Refund("c", d)

	got := l.Check("c", ms(6))
	if !got.Allowed {
		t.Fatal("one slot should be free after refund")
	}
	if l.Check("c", ms(7)).Allowed {
		t.Fatal("refund should free exactly one slot")
	}
}
