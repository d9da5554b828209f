package observability

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "termlend"

// LendingMetrics records engine operation outcomes.
type LendingMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations *prometheus.CounterVec
}

// OracleMetrics tracks how price lookups are served.
type OracleMetrics struct {
	lookups *prometheus.CounterVec
}

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

// Lending returns the lazily-initialised lending engine metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Lending engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lending engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Successful liquidations segmented by collateral token.",
			}, []string{"collateral"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.liquidations,
		)
	})
	return lendingRegistry
}

// RecordOperation captures the outcome and latency of an engine call. The
// outcome label uses the error's leading message segment so dashboards can
// separate validation failures from oracle failures.
func (m *LendingMetrics) RecordOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.operations.WithLabelValues(operation, outcomeLabel(err)).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLiquidation increments the liquidation counter for a collateral token.
func (m *LendingMetrics) RecordLiquidation(collateral string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(strings.ToLower(collateral)).Inc()
}

// Oracle returns the lazily-initialised oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "price_lookups_total",
				Help:      "Price lookups segmented by token and result (cache_hit, recompute, error).",
			}, []string{"token", "result"}),
		}
		prometheus.MustRegister(oracleRegistry.lookups)
	})
	return oracleRegistry
}

// ObserveLookup records how a price lookup was served.
func (m *OracleMetrics) ObserveLookup(token, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.lookups.WithLabelValues(strings.ToLower(token), result).Inc()
}

// HTTP returns the request metrics registry used by the API middleware.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records a completed request.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	for unwrapped := errors.Unwrap(err); unwrapped != nil; unwrapped = errors.Unwrap(err) {
		err = unwrapped
	}
	msg := err.Error()
	if idx := strings.Index(msg, ":"); idx > 0 {
		msg = msg[idx+1:]
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "error"
	}
	return strings.ReplaceAll(msg, " ", "_")
}
