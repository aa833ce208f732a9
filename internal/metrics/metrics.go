// Package metrics provides Prometheus instrumentation for the exchange.
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
	// TradesTotal counts settlements, partitioned by source (ipo or market).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpc_trades_total",
		Help: "Total number of settlements committed",
	}, []string{"source"})

	// SharesTraded counts settled share quantity by source.
	SharesTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpc_shares_traded_total",
		Help: "Cumulative settled quantity in shares",
	}, []string{"source"})

	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dpc_settlement_latency_seconds",
		Help:    "Latency of one settlement transaction in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	// FeesCollected sums fee credits in minor units by party.
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpc_fees_collected_minor_units_total",
		Help: "Fees credited to platform, club and pool accounts",
	}, []string{"party"})

	// Rejections counts refused operations by stable reason code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpc_rejections_total",
		Help: "Operations rejected, by reason",
	}, []string{"operation", "reason"})

	// PartialFills counts market buys that stopped short of the requested quantity.
	PartialFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dpc_market_partial_fills_total",
		Help: "Market buys that filled less than requested",
	})

	// OrdersExpired counts sell orders cancelled by the expiry sweep.
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dpc_orders_expired_total",
		Help: "Sell orders cancelled after their expiry",
	})

	// EventsPublished counts outbound events by sink and status.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpc_events_published_total",
		Help: "Outbound events by sink and status",
	}, []string{"sink", "status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dpc_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpc_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dpc_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, to keep label cardinality bounded.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
