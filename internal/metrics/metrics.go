// Package metrics provides Prometheus instrumentation for the exchange
// engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersCreated counts accepted orders, partitioned by side.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_orders_created_total",
		Help: "Total number of orders accepted",
	}, []string{"side"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spotx_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	})

	// TradesExecuted counts settled trades, partitioned by symbol.
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_trades_executed_total",
		Help: "Total number of trades settled",
	}, []string{"symbol"})

	// OrderRejections counts orders rejected before reservation or by
	// resource checks.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_order_rejections_total",
		Help: "Orders rejected by validation or resource checks",
	}, []string{"reason"})

	// WebSocketClients tracks connected notification clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spotx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// NotifyPublished counts trade events delivered to the event bus.
	NotifyPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spotx_notify_published_total",
		Help: "Trade events published to the event bus",
	})

	// NotifyFailures counts dropped trade event publishes.
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spotx_notify_failures_total",
		Help: "Trade event publishes that failed",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spotx_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
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

// Hijack passes through so WebSocket upgrades work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}
