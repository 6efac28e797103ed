// Package httpmw provides HTTP middleware for the public API server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client identifier resolution, OTEL tracing,
// trace headers, metrics, request-scoped logging, then the chi router where
// access logging, body limits and per-route rate limiting run.
//
// Form field values are never logged.
package httpmw
