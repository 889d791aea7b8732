package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zamar-app/gateway/pkg/zamar"
)

// Metrics implements zamar.Metrics using Prometheus.
type Metrics struct {
	backendCallsTotal   *prometheus.CounterVec
	backendCallDuration *prometheus.HistogramVec
	adminChecksTotal    *prometheus.CounterVec
	proxyRequestsTotal  *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		backendCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "backend_calls_total",
			Help:      "Total number of calls to the Zamar backend.",
		}, []string{"endpoint", "status"}),

		backendCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "backend_call_duration_seconds",
			Help:      "Duration of calls to the Zamar backend in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		adminChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "admin_checks_total",
			Help:      "Total number of admin gate decisions.",
		}, []string{"result"}),

		proxyRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "proxy_requests_total",
			Help:      "Total number of proxied route responses.",
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) RecordBackendCall(endpoint, status string) {
	m.backendCallsTotal.WithLabelValues(endpoint, status).Inc()
}

func (m *Metrics) RecordBackendCallDuration(endpoint string, duration time.Duration) {
	m.backendCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordAdminCheck(result string) {
	m.adminChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordProxyRequest(route string, status int) {
	m.proxyRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) zamar.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
