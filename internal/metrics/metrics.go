package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the market data collector
var (
	// Orderbook metrics
	BookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_book_updates_total",
			Help: "Total number of accepted orderbook deltas",
		},
		[]string{"exchange", "symbol"},
	)

	BookSnapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_book_snapshots_total",
			Help: "Total number of orderbook snapshots emitted",
		},
		[]string{"exchange", "symbol"},
	)

	BookResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_book_resyncs_total",
			Help: "Total number of orderbook resyncs by reason",
		},
		[]string{"exchange", "symbol", "reason"},
	)

	BookState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mp_book_state",
			Help: "Orderbook state (0=init, 1=synced, 2=resyncing, 3=failed)",
		},
		[]string{"exchange", "symbol"},
	)

	BookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mp_book_depth",
			Help: "Current orderbook depth (number of levels)",
		},
		[]string{"exchange", "symbol", "side"},
	)

	// Drop counters by reason (decode, unknown_symbol, channel_full, ...)
	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_dropped_events_total",
			Help: "Total number of dropped events by reason",
		},
		[]string{"exchange", "reason"},
	)

	// Trade metrics
	TradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_trades_total",
			Help: "Total number of normalized trades",
		},
		[]string{"exchange", "symbol", "side"},
	)

	// Latency metrics
	IngestLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mp_ingest_lag_seconds",
			Help:    "Lag from exchange event time to ingest",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"exchange", "record_type"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mp_publish_duration_seconds",
			Help:    "Time to hand a record to the bus",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"record_type"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_publish_errors_total",
			Help: "Total number of bus publish errors",
		},
		[]string{"record_type", "reason"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mp_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	// REST metrics
	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mp_rest_fetch_duration_seconds",
			Help:    "Time to fetch data from exchange REST API",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"exchange", "endpoint"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_rest_fetch_errors_total",
			Help: "Total number of REST API fetch errors",
		},
		[]string{"exchange", "endpoint"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_rate_limited_total",
			Help: "Total number of REST calls denied by the rate limiter",
		},
		[]string{"exchange", "class"},
	)

	// Polled feed metrics
	PolledSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_polled_samples_total",
			Help: "Total number of polled feed samples by record type",
		},
		[]string{"exchange", "record_type"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordConnectionError records a connection error
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordDrop records a dropped event
func RecordDrop(exchange, reason string) {
	DroppedEvents.WithLabelValues(exchange, reason).Inc()
}

// Server serves Prometheus metrics plus health endpoints.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server. Extra handlers (health) are
// mounted alongside /metrics.
func NewServer(addr string, extra map[string]http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	for path, h := range extra {
		mux.Handle(path, h)
	}

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	return s.server.Close()
}
