package health

import (
	"net/http"
)

// HealthzHandler answers liveness checks: 200 "ok" or 503 with the probe error.
func HealthzHandler(p Probe) http.HandlerFunc {
	return probeHandler(p, "ok")
}

// ReadyzHandler answers readiness checks: 200 "ready" or 503 with the probe error.
func ReadyzHandler(p Probe) http.HandlerFunc {
	return probeHandler(p, "ready")
}

func probeHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error() + "\n"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody + "\n"))
	}
}
