package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerHTTP wires the HTTP surface: health probes, Prometheus metrics
// and the websocket endpoint.
func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if a.cfg.ReadinessRequireDB {
			if err := PingDB(req.Context(), a.pool); err != nil {
				a.log.Warn("readyz.db.fail", "err", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("db unavailable\n"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /ws", a.gateway.HandleWS)
}
