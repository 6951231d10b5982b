package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetgeo/internal/metrics"
)

// Handler returns the service mux wrapped in access logging and request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Resolution
	mux.HandleFunc("GET /v1/geo/geocode", s.GeocodeHandler)
	mux.HandleFunc("POST /v1/geo/geocode/batch", s.GeocodeBatchHandler)
	mux.HandleFunc("GET /v1/geo/distance", s.DistanceHandler)
	mux.HandleFunc("POST /v1/geo/{kind}", s.EngineHandler)

	// Admin
	mux.HandleFunc("POST /v1/admin/geo/cache/clear", s.CacheClearHandler)
	mux.HandleFunc("GET /v1/admin/geo/queues", s.QueueStatsHandler)

	// Health, metrics, docs
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.HandleFunc("GET /debug/info", s.DebugJSON)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("GET /openapi.json", s.OpenAPIHandler)
	mux.HandleFunc("GET /docs", s.DocsHandler)

	return logMiddleware(s.Log, mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)

		// Label by route pattern so ids in paths do not explode cardinality.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(dur.Seconds())
		log.Info("http request", "remote", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", dur)
	})
}
