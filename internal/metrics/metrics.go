// Package metrics exposes engine counters and gauges to Prometheus.
package metrics

import (
	"time"

	"skewhunter/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records engine activity. A nil *Recorder is a no-op.
type Recorder struct {
	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	feedLive     prometheus.Gauge
	status       *prometheus.GaugeVec
	entries      *prometheus.CounterVec
	exits        *prometheus.CounterVec
	orders       *prometheus.CounterVec
	dailyPnL     prometheus.Gauge
	unrealized   prometheus.Gauge
	tradesToday  prometheus.Gauge
	subscribers  prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "skewhunter_ticks_total",
			Help: "Engine ticks processed.",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "skewhunter_tick_duration_seconds",
			Help:    "Time spent in one engine tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		feedLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "skewhunter_feed_live",
			Help: "1 when the last snapshot came from the live provider, 0 when from cache.",
		}),
		status: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skewhunter_engine_status",
			Help: "1 for the current engine status.",
		}, []string{"status"}),
		entries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skewhunter_entries_total",
			Help: "Trades opened by side and signal path.",
		}, []string{"side", "path"}),
		exits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skewhunter_exits_total",
			Help: "Trades closed by exit reason.",
		}, []string{"reason"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skewhunter_orders_total",
			Help: "Order results by kind and status.",
		}, []string{"kind", "status"}),
		dailyPnL: f.NewGauge(prometheus.GaugeOpts{
			Name: "skewhunter_daily_pnl",
			Help: "Realized P&L for the session.",
		}),
		unrealized: f.NewGauge(prometheus.GaugeOpts{
			Name: "skewhunter_unrealized_pnl",
			Help: "Mark-to-market P&L of the active trade.",
		}),
		tradesToday: f.NewGauge(prometheus.GaugeOpts{
			Name: "skewhunter_trades_today",
			Help: "Trades taken in the session.",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "skewhunter_ws_subscribers",
			Help: "Connected live-state subscribers.",
		}),
	}
}

var statuses = []model.EngineStatus{model.StatusStopped, model.StatusScanning, model.StatusTrading, model.StatusHalted}

// Tick records one tick.
func (r *Recorder) Tick(d time.Duration, live bool, status model.EngineStatus) {
	if r == nil {
		return
	}
	r.ticks.Inc()
	r.tickDuration.Observe(d.Seconds())
	if live {
		r.feedLive.Set(1)
	} else {
		r.feedLive.Set(0)
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		r.status.WithLabelValues(string(s)).Set(v)
	}
}

// Session records the session counters.
func (r *Recorder) Session(st model.SessionState) {
	if r == nil {
		return
	}
	r.dailyPnL.Set(st.DailyPnL)
	r.tradesToday.Set(float64(st.TradesToday))
	if st.ActiveTrade.Open() {
		r.unrealized.Set(st.ActiveTrade.UnrealizedPnL())
	} else {
		r.unrealized.Set(0)
	}
}

// Entry counts an opened trade.
func (r *Recorder) Entry(side model.Side, path model.SignalPath) {
	if r == nil {
		return
	}
	r.entries.WithLabelValues(string(side), string(path)).Inc()
}

// Exit counts a closed trade.
func (r *Recorder) Exit(reason model.ExitReason) {
	if r == nil {
		return
	}
	r.exits.WithLabelValues(string(reason)).Inc()
}

// Order counts an order result; kind is entry or exit.
func (r *Recorder) Order(kind string, status model.OrderStatus) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(kind, string(status)).Inc()
}

// Subscribers sets the live subscriber count.
func (r *Recorder) Subscribers(n int) {
	if r == nil {
		return
	}
	r.subscribers.Set(float64(n))
}
