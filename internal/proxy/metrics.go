package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmappedHostLabel keeps arbitrary Host values out of label cardinality.
const unmappedHostLabel = "-"

// Metrics holds the per-run Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	backendErrors *prometheus.CounterVec
	unmapped      prometheus.Counter
	redirects     prometheus.Counter
	mappings      prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "localhttps_requests_total",
			Help: "HTTPS requests handled, by mapped host and status code",
		}, []string{"host", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "localhttps_request_duration_seconds",
			Help:    "Time to relay a request to its backend and back",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
		backendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "localhttps_backend_errors_total",
			Help: "Backend failures answered with 502, by host and failure class",
		}, []string{"host", "class"}),
		unmapped: factory.NewCounter(prometheus.CounterOpts{
			Name: "localhttps_unmapped_requests_total",
			Help: "Requests whose Host had no mapping",
		}),
		redirects: factory.NewCounter(prometheus.CounterOpts{
			Name: "localhttps_redirects_total",
			Help: "Plain HTTP requests redirected to HTTPS",
		}),
		mappings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "localhttps_mappings",
			Help: "Domain mappings loaded for this run",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeRequest(host string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(host, strconv.Itoa(code)).Inc()
	if host != unmappedHostLabel {
		m.duration.WithLabelValues(host).Observe(d.Seconds())
	}
}

func (m *Metrics) backendError(host string, class ErrorClass) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(host, string(class)).Inc()
}

func (m *Metrics) unmappedRequest() {
	if m == nil {
		return
	}
	m.unmapped.Inc()
}

func (m *Metrics) redirect() {
	if m == nil {
		return
	}
	m.redirects.Inc()
}

// SetMappings records the number of loaded mappings.
func (m *Metrics) SetMappings(n int) {
	if m == nil {
		return
	}
	m.mappings.Set(float64(n))
}
