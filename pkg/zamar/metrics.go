package zamar

import "time"

// Metrics defines the interface for tracking gateway operations.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// RecordBackendCall records a call to the Zamar backend.
	// endpoint is the route template (e.g. "/api/admin/users/{userId}"),
	// status is the HTTP status code as a string or "error" for network failures.
	RecordBackendCall(endpoint, status string)

	// RecordBackendCallDuration records how long a backend call took.
	RecordBackendCallDuration(endpoint string, duration time.Duration)

	// RecordAdminCheck records an admin gate decision.
	// result: "granted", "denied" or "error"
	RecordAdminCheck(result string)

	// RecordProxyRequest records a proxied route response.
	RecordProxyRequest(route string, status int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordBackendCall(_, _ string)                      {}
func (n *NoopMetrics) RecordBackendCallDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordAdminCheck(_ string)                          {}
func (n *NoopMetrics) RecordProxyRequest(_ string, _ int)                 {}

// MetricsOrNoop returns m, or a NoopMetrics when m is nil.
func MetricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return &NoopMetrics{}
	}
	return m
}
