package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devorch"

// Metrics holds the Prometheus collectors for the orchestrator. All methods
// are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	activeSessions      prometheus.Gauge
	poolPorts           *prometheus.GaugeVec
	switchesTotal       *prometheus.CounterVec
	switchDuration      prometheus.Histogram
	captureStarts       *prometheus.CounterVec
	forcedKillsTotal    prometheus.Counter
	captureProcesses    prometheus.Gauge
	relayConnections    prometheus.Gauge
	relayBytesTotal     prometheus.Counter
	integrityViolations prometheus.Counter
	sessionsSwept       prometheus.Counter
}

// New creates and registers the orchestrator collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions held by the registry",
		}),
		poolPorts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "port_pool_ports",
			Help:      "Control ports by pool set",
		}, []string{"set"}),
		switchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_switches_total",
			Help:      "Device switch attempts by result",
		}, []string{"result"}),
		switchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_switch_duration_seconds",
			Help:      "Duration of successful device switches",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 20},
		}),
		captureStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_starts_total",
			Help:      "Capture process start attempts by outcome",
		}, []string{"outcome"}),
		forcedKillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_forced_kills_total",
			Help:      "Capture processes killed after ignoring the graceful stop",
		}),
		captureProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_processes",
			Help:      "Capture processes registered with the supervisor, ready or starting",
		}),
		relayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "In-flight video relay client connections",
		}),
		relayBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed from capture processes to viewers",
		}),
		integrityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_pool_integrity_violations_total",
			Help:      "Failed port pool partition checks",
		}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Idle sessions removed by the background sweep",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeSessions,
		m.poolPorts,
		m.switchesTotal,
		m.switchDuration,
		m.captureStarts,
		m.forcedKillsTotal,
		m.captureProcesses,
		m.relayConnections,
		m.relayBytesTotal,
		m.integrityViolations,
		m.sessionsSwept,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the error response counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetCaptureProcesses sets the supervised process gauge.
func (m *Metrics) SetCaptureProcesses(n int) {
	if m == nil {
		return
	}
	m.captureProcesses.Set(float64(n))
}

// SetPoolPorts sets the per-set port gauges.
func (m *Metrics) SetPoolPorts(available, inUse, reserved int) {
	if m == nil {
		return
	}
	m.poolPorts.WithLabelValues("available").Set(float64(available))
	m.poolPorts.WithLabelValues("in_use").Set(float64(inUse))
	m.poolPorts.WithLabelValues("reserved").Set(float64(reserved))
}

// ObserveSwitch records a switch attempt. Duration is only observed for
// successful switches.
func (m *Metrics) ObserveSwitch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.switchesTotal.WithLabelValues(result).Inc()
	if result == "success" {
		m.switchDuration.Observe(d.Seconds())
	}
}

// IncCaptureStart records a capture start outcome (ready, timeout, failed).
func (m *Metrics) IncCaptureStart(outcome string) {
	if m == nil {
		return
	}
	m.captureStarts.WithLabelValues(outcome).Inc()
}

// IncForcedKills increments the forced kill counter.
func (m *Metrics) IncForcedKills() {
	if m == nil {
		return
	}
	m.forcedKillsTotal.Inc()
}

// AddRelayConnections adjusts the in-flight relay connection gauge.
func (m *Metrics) AddRelayConnections(delta int) {
	if m == nil {
		return
	}
	m.relayConnections.Add(float64(delta))
}

// AddRelayBytes adds n to the relayed bytes counter.
func (m *Metrics) AddRelayBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.relayBytesTotal.Add(float64(n))
}

// IncIntegrityViolations increments the pool integrity violation counter.
func (m *Metrics) IncIntegrityViolations() {
	if m == nil {
		return
	}
	m.integrityViolations.Inc()
}

// AddSessionsSwept adds n to the swept sessions counter.
func (m *Metrics) AddSessionsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsSwept.Add(float64(n))
}

// Handler returns an http.Handler that serves the registry.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
