package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRoutePattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Post("/api/{form}", func(w http.ResponseWriter, r *http.Request) {
		got = RoutePattern(r)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/contact", nil))
	if got != "/api/{form}" {
		t.Fatalf("pattern = %q", got)
	}

	plain := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	if p := RoutePattern(plain); p != "/nowhere" {
		t.Fatalf("fallback = %q", p)
	}
}

func TestAnnotateHTTPRoute(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	r.Post("/api/{form}", func(w http.ResponseWriter, r *http.Request) {})

	ctx, span := tp.Tracer("test").Start(context.Background(), "POST")
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/newsletter", nil).WithContext(ctx))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("spans = %d, want 1", len(ended))
	}
	if ended[0].Name() != "POST /api/{form}" {
		t.Fatalf("span name = %q", ended[0].Name())
	}
	want := attribute.String("http.route", "/api/{form}")
	found := false
	for _, a := range ended[0].Attributes() {
		if a == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("attributes %v missing %v", ended[0].Attributes(), want)
	}
}
