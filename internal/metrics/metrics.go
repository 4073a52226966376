package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/dexety/dex-trading-system/internal/model"
)

// Metrics holds all Prometheus metrics of the trader.
type Metrics struct {
	TradesTotal       prometheus.Counter
	TradesFiltered    prometheus.Counter
	FeedReconnects    *prometheus.CounterVec // labels: feed
	FanoutDrops       *prometheus.CounterVec // labels: subscriber
	ChannelSaturation *prometheus.GaugeVec   // labels: channel

	SignalsTotal   *prometheus.CounterVec // labels: direction
	CyclesTotal    *prometheus.CounterVec // labels: outcome
	OrdersSent     *prometheus.CounterVec // labels: role
	OrderUpdates   *prometheus.CounterVec // labels: status
	CycleDuration  prometheus.Histogram
	SessionProfit  prometheus.Gauge
	CoordState     prometheus.Gauge
	TradingHalted  prometheus.Gauge
	SignalJumpSize prometheus.Histogram

	SQLiteCommitDur          prometheus.Histogram
	KafkaPublishDur          *prometheus.HistogramVec // labels: result
	RedisCircuitBreakerState prometheus.Gauge         // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg, or with the
// default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_trades_total",
			Help: "Total public trades received from the reference venue",
		}),
		TradesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_trades_filtered_total",
			Help: "Trades skipped by the taker filter or the post-cycle cool-down",
		}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_feed_reconnects_total",
			Help: "WebSocket reconnection attempts by feed",
		}, []string{"feed"}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_fanout_drops_total",
			Help: "Trades dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_channel_saturation_pct",
			Help: "Fan-out subscriber channel fill level in percent",
		}, []string{"channel"}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Jump signals emitted by the detector",
		}, []string{"direction"}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_cycles_total",
			Help: "Finished trade cycles by outcome",
		}, []string{"outcome"}),
		OrdersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_sent_total",
			Help: "Orders submitted by cycle leg",
		}, []string{"role"}),
		OrderUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_order_updates_total",
			Help: "Order updates received on the account stream by status",
		}, []string{"status"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Wall time from signal to cycle reset",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		SessionProfit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_session_profit",
			Help: "Cumulative realized profit of the session in quote currency",
		}),
		CoordState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_coordinator_state",
			Help: "Current coordinator state (0=idle)",
		}),
		TradingHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_trading_halted",
			Help: "1 when risk limits stopped new cycles",
		}),
		SignalJumpSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_signal_jump_ratio",
			Help:    "max/min ratio of the window when a signal fired",
			Buckets: []float64{1.005, 1.01, 1.015, 1.02, 1.03, 1.05, 1.1},
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_sqlite_commit_duration_seconds",
			Help:    "SQLite trade batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		KafkaPublishDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trader_kafka_publish_duration_seconds",
			Help:    "Kafka cycle report publish latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_redis_buffered_writes_total",
			Help: "Cycle reports buffered locally while Redis was unavailable",
		}),
	}

	reg.MustRegister(
		m.TradesTotal,
		m.TradesFiltered,
		m.FeedReconnects,
		m.FanoutDrops,
		m.ChannelSaturation,
		m.SignalsTotal,
		m.CyclesTotal,
		m.OrdersSent,
		m.OrderUpdates,
		m.CycleDuration,
		m.SessionProfit,
		m.CoordState,
		m.TradingHalted,
		m.SignalJumpSize,
		m.SQLiteCommitDur,
		m.KafkaPublishDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// ObserveSignal records a detector signal.
func (m *Metrics) ObserveSignal(sig model.Signal) {
	m.SignalsTotal.WithLabelValues(string(sig.Direction)).Inc()
	m.SignalJumpSize.Observe(sig.Ratio)
}

// ObserveCycle records a finished cycle and its wall-clock duration in seconds.
func (m *Metrics) ObserveCycle(r model.CycleReport, seconds float64) {
	m.CyclesTotal.WithLabelValues(string(r.Outcome)).Inc()
	m.CycleDuration.Observe(seconds)
}

// SetProfit publishes the cumulative session profit.
func (m *Metrics) SetProfit(p decimal.Decimal) {
	m.SessionProfit.Set(p.InexactFloat64())
}
