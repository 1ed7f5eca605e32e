// Package metrics holds the Prometheus collectors shared by the simulated
// server, the simulated clients and the HTTP gateway.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters, gauges and histograms for dashsim.
type Metrics struct {
	registry *prometheus.Registry

	serverRequests    *prometheus.CounterVec
	serverBytes       prometheus.Counter
	serverConnections prometheus.Counter
	serverOpen        prometheus.Gauge

	segmentsConsumed prometheus.Counter
	segmentsFetched  prometheus.Counter
	downloadedBytes  prometheus.Counter
	stalls           prometheus.Counter
	stallSeconds     prometheus.Histogram
	startupDelay     prometheus.Histogram

	httpRequests prometheus.Counter
	httpErrors   prometheus.Counter
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		serverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashsim_server_requests_total",
			Help: "Requests answered by simulated content servers, by status code",
		}, []string{"status"}),
		serverBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsim_server_sent_bytes_total",
			Help: "Response bytes accepted by the transport on simulated servers",
		}),
		serverConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsim_server_connections_total",
			Help: "Connections accepted by simulated servers",
		}),
		serverOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashsim_server_open_connections",
			Help: "Connections currently open on simulated servers",
		}),
		segmentsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsim_client_segments_consumed_total",
			Help: "Segments played out by simulated clients",
		}),
		segmentsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsim_client_segments_fetched_total",
			Help: "Segments fully downloaded by simulated clients",
		}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsim_client_downloaded_bytes_total",
			Help: "Response body bytes received by simulated clients",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsim_client_stalls_total",
			Help: "Playback freezes after playback started",
		}),
		stallSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashsim_client_stall_seconds",
			Help:    "Duration of playback freezes in simulated seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		startupDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashsim_client_startup_delay_seconds",
			Help:    "Time from client start to first playback in simulated seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		httpRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsim_http_requests_total",
			Help: "Total number of HTTP requests received by the gateway",
		}),
		httpErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsim_http_errors_total",
			Help: "Total number of gateway responses with error status (4xx or 5xx)",
		}),
	}

	registry.MustRegister(
		m.serverRequests,
		m.serverBytes,
		m.serverConnections,
		m.serverOpen,
		m.segmentsConsumed,
		m.segmentsFetched,
		m.downloadedBytes,
		m.stalls,
		m.stallSeconds,
		m.startupDelay,
		m.httpRequests,
		m.httpErrors,
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveServerResponse counts one response with the given status code.
func (m *Metrics) ObserveServerResponse(status int) {
	if m == nil {
		return
	}
	m.serverRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// AddServerBytes adds bytes handed to the transport by a server.
func (m *Metrics) AddServerBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.serverBytes.Add(float64(n))
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.serverConnections.Inc()
	m.serverOpen.Inc()
}

// ConnectionClosed records a connection leaving the server.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.serverOpen.Dec()
}

// IncSegmentsConsumed counts one played segment.
func (m *Metrics) IncSegmentsConsumed() {
	if m == nil {
		return
	}
	m.segmentsConsumed.Inc()
}

// IncSegmentsFetched counts one downloaded segment.
func (m *Metrics) IncSegmentsFetched() {
	if m == nil {
		return
	}
	m.segmentsFetched.Inc()
}

// AddDownloadedBytes adds received body bytes.
func (m *Metrics) AddDownloadedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadedBytes.Add(float64(n))
}

// ObserveStall records a finished freeze.
func (m *Metrics) ObserveStall(seconds float64) {
	if m == nil {
		return
	}
	m.stalls.Inc()
	m.stallSeconds.Observe(seconds)
}

// ObserveStartupDelay records the delay until first playback.
func (m *Metrics) ObserveStartupDelay(seconds float64) {
	if m == nil {
		return
	}
	m.startupDelay.Observe(seconds)
}

// IncRequests increments the gateway request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.httpRequests.Inc()
}

// IncErrors increments the gateway error counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.httpErrors.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
