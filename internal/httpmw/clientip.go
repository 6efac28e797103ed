package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// UnknownClient is the identifier used when a request carries no usable address.
// Every such request shares one rate limit bucket.
const UnknownClient = "unknown"

// ClientIP resolves the client identifier once per request and stores it in the
// context. Must run before the rate limiter and logging middleware.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithClientIP(r.Context(), ClientIdentifier(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIdentifier derives the rate limit key for r. The first non-empty value wins:
//  1. X-Forwarded-For, leftmost entry (the original client as reported by the proxy chain)
//  2. X-Real-IP
//  3. the transport peer address without port
//  4. UnknownClient
//
// Headers are trusted as-is so deployments behind reverse proxies key on the real
// client. Directly exposed deployments should strip these headers at the edge.
func ClientIdentifier(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if v := strings.TrimSpace(first); v != "" {
			return v
		}
	}

	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}

	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			if host != "" {
				return host
			}
		} else {
			// no port (unix sockets, tests), use as-is
			return addr
		}
	}

	return UnknownClient
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
