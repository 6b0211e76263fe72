package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics captures request metrics for the HTTP surface.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// UpstreamMetrics captures outcomes of calls to backend capability services.
type UpstreamMetrics interface {
	ObserveUpstream(capability, outcome string, durationSeconds float64)
}

// MemoryMetrics captures memory store activity. Labels never carry tenant data.
type MemoryMetrics interface {
	IncMemoryWrite(mode string)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}

func (Noop) ObserveUpstream(string, string, float64) {}

func (Noop) IncMemoryWrite(string) {}

// Prom implements the metrics interfaces backed by Prometheus collectors.
type Prom struct {
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	memoryWrites    *prometheus.CounterVec
	once            sync.Once
}

// NewProm constructs and registers the gateway collectors under namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream capability calls by capability/outcome",
		}, []string{"capability", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_call_duration_seconds",
			Help:      "Upstream capability call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"capability"}),
		memoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Memory write requests by resolved mode",
		}, []string{"mode"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.requests, p.latency, p.upstreamCalls, p.upstreamLatency, p.memoryWrites)
	})
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (p *Prom) ObserveUpstream(capability, outcome string, durationSeconds float64) {
	p.upstreamCalls.WithLabelValues(capability, outcome).Inc()
	p.upstreamLatency.WithLabelValues(capability).Observe(durationSeconds)
}

func (p *Prom) IncMemoryWrite(mode string) {
	p.memoryWrites.WithLabelValues(mode).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
