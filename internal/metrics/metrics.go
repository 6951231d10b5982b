package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// RoutingDuration records routing engine call durations by endpoint and HTTP status (or "error")
	RoutingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "routing_request_duration_seconds", Help: "Routing engine request duration in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}},
		[]string{"endpoint", "status"},
	)
	// RoutingErrors counts failed routing engine calls by endpoint and reason (timeout, error)
	RoutingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routing_errors_total", Help: "Routing engine errors by endpoint and reason."},
		[]string{"endpoint", "reason"},
	)
	// RoutingCache counts cache lookups by endpoint and result (hit, miss, shared when a concurrent miss was joined)
	RoutingCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routing_cache_total", Help: "Routing cache lookups by endpoint and result."},
		[]string{"endpoint", "result"},
	)

	// GeocodeRequests counts geocoding lookups by outcome
	GeocodeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geocode_requests_total", Help: "Geocoding lookups by status."},
		[]string{"status"},
	)

	// QueueDispatch counts dispatch-and-wait outcomes per queue
	QueueDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_dispatch_total", Help: "Queue dispatch outcomes by queue."},
		[]string{"queue", "outcome"},
	)
	// QueueJobs reports job counts per queue and state as seen by the gauge poller
	QueueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "queue_jobs", Help: "Jobs per queue and state."},
		[]string{"queue", "state"},
	)
	// ResolveFallbacks counts direct-call fallbacks taken by the resolver
	ResolveFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "resolve_fallback_total", Help: "Direct-call fallbacks by job kind and reason."},
		[]string{"kind", "reason"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(RoutingDuration)
		Registry.MustRegister(RoutingErrors)
		Registry.MustRegister(RoutingCache)
		Registry.MustRegister(GeocodeRequests)
		Registry.MustRegister(QueueDispatch)
		Registry.MustRegister(QueueJobs)
		Registry.MustRegister(ResolveFallbacks)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
