package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/gitfix/internal/adapter/observability"
)

// Pinger is the minimal readiness surface of the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// readyTimeout bounds the Redis round-trip so a wedged connection cannot
// stall the readiness probe.
const readyTimeout = 2 * time.Second

// BuildHealthRouter serves the worker's operational endpoints: /healthz for
// liveness, /readyz for Redis reachability and /metrics for Prometheus.
func BuildHealthRouter(store Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if store == nil {
			http.Error(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), readyTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		promhttp.Handler().ServeHTTP(w, req)
	})

	return r
}
