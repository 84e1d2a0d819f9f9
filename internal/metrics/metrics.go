package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check results
const (
	CheckAllowed = "allowed"
	CheckDenied  = "denied"
	CheckError   = "error"
	CheckCached  = "cached"
)

// Report results
const (
	ReportSent    = "sent"
	ReportFailed  = "failed"
	ReportDropped = "dropped"
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector holds the gateway's Prometheus metrics on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	checkTotal       *prometheus.CounterVec
	checkRetries     *prometheus.CounterVec
	checkDurations   *prometheus.HistogramVec
	reportTotal      *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
	unmatchedTotal   prometheus.Counter
	breakerState     *prometheus.GaugeVec
}

// NewCollector creates and registers all gateway metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests by operation",
		}, []string{"operation", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: DefaultBuckets,
		}, []string{"operation"}),
		checkTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_check_total",
			Help: "Check calls by result",
		}, []string{"service", "result"}),
		checkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_check_retries_total",
			Help: "Check attempts beyond the first",
		}, []string{"service"}),
		checkDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_check_duration_seconds",
			Help:    "Check latency including retries",
			Buckets: DefaultBuckets,
		}, []string{"service"}),
		reportTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_report_total",
			Help: "Report calls by result",
		}, []string{"service", "result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_token_refresh_total",
			Help: "Credential fetches by result",
		}, []string{"key", "result"}),
		unmatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_unmatched_requests_total",
			Help: "Requests with no matching operation",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Policy backend circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"service"}),
	}

	c.registry.MustRegister(
		c.requestsTotal, c.requestDurations,
		c.checkTotal, c.checkRetries, c.checkDurations,
		c.reportTotal, c.tokenRefreshes, c.unmatchedTotal, c.breakerState,
	)
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(operation, method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(operation, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCheck records the final result of a Check, after retries.
func (c *Collector) RecordCheck(service, result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.checkTotal.WithLabelValues(service, result).Inc()
	if result != CheckCached {
		c.checkDurations.WithLabelValues(service).Observe(duration.Seconds())
	}
}

// RecordCheckRetry records one retried Check attempt.
func (c *Collector) RecordCheckRetry(service string) {
	if c == nil {
		return
	}
	c.checkRetries.WithLabelValues(service).Inc()
}

// RecordReport records a Report outcome.
func (c *Collector) RecordReport(service, result string) {
	if c == nil {
		return
	}
	c.reportTotal.WithLabelValues(service, result).Inc()
}

// RecordTokenRefresh records a credential fetch.
func (c *Collector) RecordTokenRefresh(key string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.tokenRefreshes.WithLabelValues(key, result).Inc()
}

// RecordUnmatched records a request no operation matched.
func (c *Collector) RecordUnmatched() {
	if c == nil {
		return
	}
	c.unmatchedTotal.Inc()
}

// SetCircuitBreakerState sets the breaker state gauge for a service.
func (c *Collector) SetCircuitBreakerState(service string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(service).Set(float64(state))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
