// Package metrics provides Prometheus instrumentation for the index engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QuotesTotal counts trade quotes computed, partitioned by market.
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zona_quotes_total",
		Help: "Total number of trade quotes computed",
	}, []string{"market"})

	// PositionsOpened counts journaled positions by market and direction.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zona_positions_opened_total",
		Help: "Total positions opened",
	}, []string{"market", "direction"})

	// PositionsResolved counts positions closed by the resolver, by outcome.
	PositionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zona_positions_resolved_total",
		Help: "Total positions resolved",
	}, []string{"market", "outcome"})

	// RiskRejections counts positions rejected by the risk limits.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zona_risk_rejections_total",
		Help: "Positions rejected by risk limits",
	}, []string{"reason"})

	// OracleSubmissions counts on-chain oracle calls by function and result.
	OracleSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zona_oracle_submissions_total",
		Help: "Oracle submissions by entry function and result",
	}, []string{"function", "result"})

	// DataReminders counts low data availability warnings per market.
	DataReminders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zona_data_reminders_total",
		Help: "Low index data availability reminders",
	}, []string{"market"})

	// ResolverCycleDuration tracks the duration of one hourly resolver cycle.
	ResolverCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zona_resolver_cycle_duration_seconds",
		Help:    "Hourly resolver cycle duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// IndexRecords tracks the number of stored records per market.
	IndexRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zona_index_records",
		Help: "Number of index records held per market",
	}, []string{"market"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zona_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zona_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zona_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
