package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/formgate/internal/log"
)

// requireNonPublicNetwork rejects peers outside loopback, private and
// link-local ranges. Forwarding headers are ignored, only the TCP peer counts.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			deny(w, r, L, "unparseable remote addr")
			return
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			deny(w, r, L, "invalid remote ip")
			return
		}
		ip = ip.Unmap()
		if !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			deny(w, r, L, "public remote ip")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, r *http.Request, L log.Logger, reason string) {
	L.Warn(r.Context(), "ops request denied",
		"reason", reason,
		"network.peer.address", r.RemoteAddr,
		"url.path", r.URL.Path,
	)
	http.Error(w, "forbidden", http.StatusForbidden)
}
