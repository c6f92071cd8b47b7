// Package metrics exposes candlepipe's operational counters and gauges
// over Prometheus as a single struct of vectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector candlepipe registers.
type Metrics struct {
	FramesDecoded    *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	CandlesCompleted *prometheus.CounterVec
	CandlesSaved     *prometheus.CounterVec
	SaveFailures     *prometheus.CounterVec
	AnomaliesEmitted *prometheus.CounterVec

	WebSocketReconnects *prometheus.CounterVec
	ExchangeStatus      *prometheus.GaugeVec

	BackfillBatches *prometheus.CounterVec
	BackfillRetries *prometheus.CounterVec
	BackfillGaps    *prometheus.CounterVec

	ProcessingLatency *prometheus.HistogramVec
	CacheDepth        *prometheus.GaugeVec
	ServiceUptime     prometheus.Gauge

	logger *zap.Logger
	server *http.Server
}

// New builds and registers the metric collectors. It must be called at
// most once per process; a second call would panic on duplicate
// registration with the default registry.
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_frames_decoded_total",
			Help: "Total number of kline frames successfully decoded.",
		}, []string{"symbol", "market"}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_decode_errors_total",
			Help: "Total number of kline frames that failed decoding, by reason.",
		}, []string{"reason"}),

		CandlesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_candles_completed_total",
			Help: "Total number of closed candles produced by the aggregator.",
		}, []string{"symbol", "market"}),

		CandlesSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_candles_saved_total",
			Help: "Total number of candles persisted to the store.",
		}, []string{"symbol", "market"}),

		SaveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_save_failures_total",
			Help: "Total number of failed candle persistence attempts.",
		}, []string{"symbol", "market"}),

		AnomaliesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_anomalies_total",
			Help: "Total number of anomaly events emitted, by kind.",
		}, []string{"symbol", "market", "kind"}),

		WebSocketReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_websocket_reconnects_total",
			Help: "Total number of WebSocket reconnections attempted.",
		}, []string{"market"}),

		ExchangeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candlepipe_exchange_connection_status",
			Help: "Per-market connection status (1=open, 0=not open).",
		}, []string{"market"}),

		BackfillBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_backfill_batches_total",
			Help: "Total number of backfill batches committed.",
		}, []string{"symbol", "market"}),

		BackfillRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_backfill_retries_total",
			Help: "Total number of backfill request retries.",
		}, []string{"symbol", "market"}),

		BackfillGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlepipe_backfill_gaps_total",
			Help: "Total number of backfill windows skipped after retry exhaustion.",
		}, []string{"symbol", "market"}),

		ProcessingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candlepipe_processing_latency_seconds",
			Help:    "Latency of pipeline stages in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"stage"}),

		CacheDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candlepipe_cache_depth",
			Help: "Number of candles currently held per key in the in-memory cache.",
		}, []string{"symbol", "market"}),

		ServiceUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlepipe_service_uptime_seconds",
			Help: "Seconds since the process started.",
		}),

		logger: logger,
	}

	prometheus.MustRegister(
		m.FramesDecoded, m.DecodeErrors, m.CandlesCompleted, m.CandlesSaved,
		m.SaveFailures, m.AnomaliesEmitted, m.WebSocketReconnects, m.ExchangeStatus,
		m.BackfillBatches, m.BackfillRetries, m.BackfillGaps, m.ProcessingLatency,
		m.CacheDepth, m.ServiceUptime,
	)

	return m
}

// Start serves /metrics and /healthz on addr (e.g. ":9090").
func (m *Metrics) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	m.server = &http.Server{Addr: addr, Handler: mux}
	m.logger.Info("starting metrics server", zap.String("addr", addr))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the metrics HTTP server.
func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

// RunUptimeLoop periodically updates the uptime gauge until ctx is done.
func (m *Metrics) RunUptimeLoop(ctx context.Context, started time.Time) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ServiceUptime.Set(time.Since(started).Seconds())
		}
	}
}
