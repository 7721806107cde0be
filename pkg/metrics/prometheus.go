package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain/repository.Metrics using Prometheus.
type Recorder struct {
	evaluations *prometheus.CounterVec
	signals     *prometheus.CounterVec
	trades      *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
	lastPrice   *prometheus.GaugeVec
	streamLag   *prometheus.GaugeVec
	openLots    *prometheus.GaugeVec
	equity      prometheus.Gauge
	latency     *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		evaluations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertrader_evaluations_total",
				Help: "Total evaluation ticks per symbol",
			},
			[]string{"symbol"},
		),
		signals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertrader_signals_total",
				Help: "Total non-HOLD signals per symbol and action",
			},
			[]string{"symbol", "action"},
		),
		trades: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertrader_trades_executed_total",
				Help: "Total simulated fills per symbol and side",
			},
			[]string{"symbol", "side"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papertrader_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "papertrader_last_price",
				Help: "Last closed price for a symbol",
			},
			[]string{"symbol"},
		),
		streamLag: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "papertrader_stream_lag_ms",
				Help: "Delay between candle close and local receipt",
			},
			[]string{"symbol"},
		),
		openLots: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "papertrader_open_lots",
				Help: "Open position lots per symbol",
			},
			[]string{"symbol"},
		),
		equity: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "papertrader_equity",
				Help: "Total portfolio value (balance plus marked exposure)",
			},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "papertrader_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordEvaluation(symbol string) {
	r.evaluations.WithLabelValues(symbol).Inc()
}

func (r *Recorder) RecordSignal(symbol, action string) {
	r.signals.WithLabelValues(symbol, action).Inc()
}

func (r *Recorder) RecordTrade(symbol, side string) {
	r.trades.WithLabelValues(symbol, side).Inc()
}

func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

func (r *Recorder) RecordStreamLag(symbol string, lagMs float64) {
	r.streamLag.WithLabelValues(symbol).Set(lagMs)
}

func (r *Recorder) RecordOpenLots(symbol string, n int) {
	r.openLots.WithLabelValues(symbol).Set(float64(n))
}

func (r *Recorder) RecordEquity(v float64) {
	r.equity.Set(v)
}

func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
