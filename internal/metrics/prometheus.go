package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// instruments holds the Prometheus side of the collector. All registration
// goes through the injected Registerer so multiple engines (and tests) can
// coexist in one process.
type instruments struct {
	ordersTotal      *prometheus.CounterVec
	tradesTotal      prometheus.Counter
	volumeTotal      prometheus.Counter
	retriesTotal     prometheus.Counter
	conflicts        *prometheus.CounterVec
	orderLatency     prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	websocketClients prometheus.Gauge
}

func newInstruments(reg prometheus.Registerer) *instruments {
	factory := promauto.With(reg)
	return &instruments{
		ordersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fx_orders_total",
			Help: "Total orders processed, partitioned by result",
		}, []string{"result"}),
		tradesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fx_trades_total",
			Help: "Total trades executed",
		}),
		volumeTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fx_shares_traded_total",
			Help: "Cumulative traded volume in shares",
		}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fx_transaction_retries_total",
			Help: "Transaction attempts retried after a concurrency conflict",
		}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fx_transaction_conflicts_total",
			Help: "Concurrency conflicts, partitioned by kind",
		}, []string{"kind"}),
		orderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fx_order_latency_seconds",
			Help:    "End-to-end order placement latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fx_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fx_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"method", "path"}),
		websocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fx_websocket_clients",
			Help: "Number of connected WebSocket clients",
		}),
	}
}

func (in *instruments) observeOrder(success bool, latencyMs float64, trades int, quantity int64, retries int) {
	result := "success"
	if !success {
		result = "failure"
	}
	in.ordersTotal.WithLabelValues(result).Inc()
	in.orderLatency.Observe(latencyMs / 1000)
	in.tradesTotal.Add(float64(trades))
	if success {
		in.volumeTotal.Add(float64(quantity))
	}
	in.retriesTotal.Add(float64(retries))
}

// WebSocketConnected adjusts the connected-clients gauge.
func (c *Collector) WebSocketConnected(delta int) {
	c.prom.websocketClients.Add(float64(delta))
}

// Middleware records per-request HTTP metrics. The path label should be the
// route pattern, not the raw URL, to bound cardinality; chi exposes it via
// the route context after the handler runs.
func (c *Collector) Middleware(pattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := pattern(r)
			c.prom.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			c.prom.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
