package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/formgate/internal/httpmw"
	"github.com/keithlinneman/formgate/internal/log"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// resetLayout is ISO-8601 UTC with millisecond precision
const resetLayout = "2006-01-02T15:04:05.000Z07:00"

// Rejection is the JSON body of a 429 response.
type Rejection struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
	Limit      int    `json:"limit"`
	WindowMs   int64  `json:"windowMs"`
}

// statusRecorder captures the downstream status for the skip flags
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware enforces the policy per client identifier. Rate limit headers are
// set on every response; requests over quota get 429 and never reach next.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// resolved once by httpmw.ClientIP, fall back for limiters mounted without it
		id := httpmw.ClientIPFromContext(r.Context())
		if id == "" {
			id = httpmw.ClientIdentifier(r)
		}

		d := l.Check(id, l.now())
		setHeaders(w.Header(), d)
		annotateSpan(r, l.name, d)

		if !d.Allowed {
			l.reject(w, r, d)
			if l.denials != nil {
				l.denials.Log(r.Context(), id)
			}
			return
		}

		if !l.policy.SkipSuccessfulRequests && !l.policy.SkipFailedRequests {
			next.ServeHTTP(w, r)
			return
		}

		// counted at admission so concurrent requests stay bounded, given back once the outcome is known
		sw := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		if l.policy.refundable(status) {
			l.Refund(id, d)
		}
	})
}

func (l *Limiter) reject(w http.ResponseWriter, r *http.Request, d Decision) {
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfter))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusTooManyRequests)

	body := Rejection{
		Success:    false,
		Message:    l.policy.Message,
		RetryAfter: d.RetryAfter,
		Limit:      d.Limit,
		WindowMs:   l.policy.WindowMs(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.FromContext(r.Context()).Warn(r.Context(), "failed to encode rate limit response", "error", err)
	}
}

// annotateSpan records the decision on the server span started by otelhttp
func annotateSpan(r *http.Request, name string, d Decision) {
	span := trace.SpanFromContext(r.Context())
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("ratelimit.name", name),
		attribute.Bool("ratelimit.allowed", d.Allowed),
		attribute.Int("ratelimit.limit", d.Limit),
		attribute.Int("ratelimit.remaining", d.Remaining),
	}
	span.SetAttributes(attrs...)
	if !d.Allowed {
		span.AddEvent("ratelimit.denied", trace.WithAttributes(attribute.Int("ratelimit.retry_after", d.RetryAfter)))
	}
}

func setHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, formatReset(d.ResetTime))
}

func formatReset(t time.Time) string {
	return t.UTC().Format(resetLayout)
}
