package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	scansTotal          prometheus.Counter
	scanDuration        prometheus.Histogram
	discoveryFailures   *prometheus.CounterVec
	sightingsTotal      *prometheus.CounterVec
	storeErrors         *prometheus.CounterVec
	retentionClears     *prometheus.CounterVec
}

// New creates a fresh Metrics registry with HTTP, scan and retention metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the ops server",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the ops server",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	scansTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "scans_total",
		Help:      "Total number of BLE scan cycles run",
	})

	scanDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "scan_duration_seconds",
		Help:      "Duration of scan cycles from discovery to logging",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
	})

	discoveryFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "discovery_failures_total",
		Help:      "BLE discovery calls that timed out or failed",
	}, []string{"reason"})

	sightingsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "sightings_total",
		Help:      "Sightings of known devices written to the store",
	}, []string{"device"})

	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "store_errors_total",
		Help:      "Sighting store operations that failed",
	}, []string{"op"})

	retentionClears := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "retention_clears_total",
		Help:      "Retention clears of the sighting store by result",
	}, []string{"result"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		scansTotal,
		scanDuration,
		discoveryFailures,
		sightingsTotal,
		storeErrors,
		retentionClears,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		scansTotal:          scansTotal,
		scanDuration:        scanDuration,
		discoveryFailures:   discoveryFailures,
		sightingsTotal:      sightingsTotal,
		storeErrors:         storeErrors,
		retentionClears:     retentionClears,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncScan increments the scan cycle counter.
func (m *Metrics) IncScan() {
	if m == nil {
		return
	}
	m.scansTotal.Inc()
}

// ObserveScanDuration observes a scan cycle duration.
func (m *Metrics) ObserveScanDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(duration.Seconds())
}

// IncDiscoveryFailure counts a failed discovery; reason is "timeout" or "failure".
func (m *Metrics) IncDiscoveryFailure(reason string) {
	if m == nil {
		return
	}
	m.discoveryFailures.WithLabelValues(reason).Inc()
}

// AddSighting counts one logged sighting of device.
func (m *Metrics) AddSighting(device string) {
	if m == nil {
		return
	}
	m.sightingsTotal.WithLabelValues(device).Inc()
}

// IncStoreError counts a failed store operation.
func (m *Metrics) IncStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// IncRetentionClear counts a retention clear; result is "ok" or "error".
func (m *Metrics) IncRetentionClear(result string) {
	if m == nil {
		return
	}
	m.retentionClears.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
