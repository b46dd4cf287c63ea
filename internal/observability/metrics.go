package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orderplacement"

// Metrics groups the service instruments. A nil *Metrics records nothing.
type Metrics struct {
	ordersPlaced   *prometheus.CounterVec   // orders_placed_total{outcome}
	placeDuration  *prometheus.HistogramVec // order_place_duration_seconds{outcome}
	stockConflicts prometheus.Counter       // order_stock_conflicts_total
	httpRequests   *prometheus.CounterVec   // http_requests_total{method,route,status}
	httpDuration   *prometheus.HistogramVec // http_request_duration_seconds{method,route}
	grpcRequests   *prometheus.CounterVec   // grpc_requests_total{method,code}
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Order placement attempts by outcome.",
		}, []string{"outcome"}),
		placeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_place_duration_seconds",
			Help:      "Duration of order placement in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		stockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_stock_conflicts_total",
			Help:      "Stock updates rejected because the snapshot was stale.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		grpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and status code.",
		}, []string{"method", "code"}),
	}
	reg.MustRegister(m.ordersPlaced, m.placeDuration, m.stockConflicts, m.httpRequests, m.httpDuration, m.grpcRequests)
	return m
}

func (m *Metrics) ObservePlacement(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(outcome).Inc()
	m.placeDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) StockConflict() {
	if m == nil {
		return
	}
	m.stockConflicts.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveGRPC(method, code string) {
	if m == nil {
		return
	}
	m.grpcRequests.WithLabelValues(method, code).Inc()
}
