package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, k := range []string{
		"Strict-Transport-Security",
		"Content-Security-Policy",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Referrer-Policy",
		"Cache-Control",
	} {
		if rr.Header().Get(k) == "" {
			t.Errorf("missing %s", k)
		}
	}
}

func TestSecurityHeaders_OnRejections(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/contact", nil))
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("status %d, nosniff %q", rr.Code, rr.Header().Get("X-Content-Type-Options"))
	}
}
