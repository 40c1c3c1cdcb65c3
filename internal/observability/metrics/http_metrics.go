package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics captures request-level health signals for the webhook and
// admin surfaces. These are served by the local /metrics endpoint and stay
// available even when the OTLP pipeline is disabled.
type HTTPMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	deliveryRetries prometheus.Counter
}

var (
	httpMetricsOnce sync.Once
	httpMetrics     *HTTPMetrics
)

// HTTP returns the singleton HTTP metrics registry.
func HTTP() *HTTPMetrics {
	return HTTPWithConfig(Config{})
}

// HTTPWithConfig returns the singleton HTTP metrics registry using config labels.
func HTTPWithConfig(cfg Config) *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpMetrics = NewHTTPMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return httpMetrics
}

// NewHTTPMetrics registers the HTTP instruments against the given registerer.
func NewHTTPMetrics(registerer prometheus.Registerer, cfg Config) *HTTPMetrics {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "entitled"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitled_http_requests_total",
		Help:        "HTTP requests by route and status code.",
		ConstLabels: constLabels,
	}, []string{"route", "method", "status_code"})
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "entitled_http_request_duration_seconds",
		Help:        "HTTP request latency by route.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"route", "method"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "entitled_notification_deliveries_total",
		Help:        "Outbound tenant notification deliveries by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	deliveryRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "entitled_notification_delivery_retries_total",
		Help:        "Outbound tenant notification delivery retry attempts.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		requests,
		requestDuration,
		deliveries,
		deliveryRetries,
	)

	return &HTTPMetrics{
		requests:        requests,
		requestDuration: requestDuration,
		deliveries:      deliveries,
		deliveryRetries: deliveryRetries,
	}
}

// ObserveRequest records one completed HTTP request.
func (m *HTTPMetrics) ObserveRequest(route, method string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		// Unmatched routes collapse into one series to bound cardinality.
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveDelivery records the final outcome of one notification delivery.
func (m *HTTPMetrics) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// ObserveDeliveryRetry records one notification delivery retry attempt.
func (m *HTTPMetrics) ObserveDeliveryRetry() {
	if m == nil {
		return
	}
	m.deliveryRetries.Inc()
}
