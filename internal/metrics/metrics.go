// Package metrics holds the Prometheus instrumentation for the engine.
//
// All collectors live on a private registry exposed via Registry() so the
// monitor can serve them without touching the global default registry, and
// so tests can build as many instances as they like. Every method is safe
// on a nil receiver; components run uninstrumented when handed nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics bundles every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	snapshots     *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	pollFailures  *prometheus.CounterVec
	pairState     *prometheus.GaugeVec

	opportunities *prometheus.CounterVec

	executions   *prometheus.CounterVec
	execDuration prometheus.Histogram
	legLatency   *prometheus.HistogramVec

	advisorFailures prometheus.Counter
	makerDowngrades *prometheus.CounterVec

	journalErrors   *prometheus.CounterVec
	recoveredOrders *prometheus.CounterVec

	riskRejections *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	realizedPnL    prometheus.Gauge
	venueBalance   *prometheus.GaugeVec
}

// New builds a Metrics instance backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "stream",
			Name:      "snapshots_total",
			Help:      "Order book snapshots accepted, per venue and symbol",
		}, []string{"venue", "symbol"}),

		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arb",
			Subsystem: "stream",
			Name:      "fetch_duration_seconds",
			Help:      "Order book fetch latency per venue",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"venue"}),

		pollFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "stream",
			Name:      "poll_failures_total",
			Help:      "Failed order book polls per venue",
		}, []string{"venue"}),

		pairState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arb",
			Subsystem: "stream",
			Name:      "pair_state",
			Help:      "Poll state per (venue, symbol): 0 idle, 1 fetching, 2 fresh, 3 stale, 4 stopped",
		}, []string{"venue", "symbol"}),

		opportunities: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "detector",
			Name:      "opportunities_total",
			Help:      "Accepted opportunities per symbol and venue pair",
		}, []string{"symbol", "buy_venue", "sell_venue"}),

		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Finished executions by result",
		}, []string{"result"}),

		execDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arb",
			Subsystem: "executor",
			Name:      "duration_seconds",
			Help:      "Wall time of one execution, placement through reconciliation",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		legLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arb",
			Subsystem: "executor",
			Name:      "leg_latency_seconds",
			Help:      "Placement acknowledge latency per venue and side",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"venue", "side"}),

		advisorFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "advisor",
			Name:      "failures_total",
			Help:      "Advisor calls that errored or timed out; the leg fell back to taker",
		}),

		makerDowngrades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "advisor",
			Name:      "maker_downgrades_total",
			Help:      "Legs where a requested post-only order was downgraded to taker",
		}, []string{"venue"}),

		journalErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Swallowed journal write failures per record kind",
		}, []string{"kind"}),

		recoveredOrders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "engine",
			Name:      "recovered_orders_total",
			Help:      "Leftover open orders cancelled during startup recovery",
		}, []string{"venue"}),

		riskRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "risk",
			Name:      "rejections_total",
			Help:      "Pre-trade check rejections by reason",
		}, []string{"reason"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arb",
			Subsystem: "risk",
			Name:      "breaker_state",
			Help:      "Breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"breaker", "scope"}),

		realizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "arb",
			Subsystem: "risk",
			Name:      "realized_pnl_reference",
			Help:      "Realized PnL for the current day, in the reference currency",
		}),

		venueBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arb",
			Subsystem: "venue",
			Name:      "balance",
			Help:      "Last known available balance per venue and currency",
		}, []string{"venue", "currency"}),
	}
}

// Registry returns the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SnapshotFetched records one accepted order book snapshot.
func (m *Metrics) SnapshotFetched(venue, symbol string, dur time.Duration) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(venue, symbol).Inc()
	m.fetchDuration.WithLabelValues(venue).Observe(dur.Seconds())
}

// PollFailed records one failed order book poll.
func (m *Metrics) PollFailed(venue string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(venue).Inc()
}

// SetPairState exports the poll state machine position for one pair.
func (m *Metrics) SetPairState(venue, symbol string, state float64) {
	if m == nil {
		return
	}
	m.pairState.WithLabelValues(venue, symbol).Set(state)
}

// OpportunityDetected counts one accepted opportunity.
func (m *Metrics) OpportunityDetected(symbol, buyVenue, sellVenue string) {
	if m == nil {
		return
	}
	m.opportunities.WithLabelValues(symbol, buyVenue, sellVenue).Inc()
}

// ExecutionDone records one finished execution.
func (m *Metrics) ExecutionDone(result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(result).Inc()
	m.execDuration.Observe(dur.Seconds())
}

// LegPlaced records the acknowledge latency of one placement call.
func (m *Metrics) LegPlaced(venue, side string, dur time.Duration) {
	if m == nil {
		return
	}
	m.legLatency.WithLabelValues(venue, side).Observe(dur.Seconds())
}

// AdvisorFailed counts one advisor call that fell back to taker.
func (m *Metrics) AdvisorFailed() {
	if m == nil {
		return
	}
	m.advisorFailures.Inc()
}

// MakerDowngraded counts one post-only request dropped by an unsupporting
// venue.
func (m *Metrics) MakerDowngraded(venue string) {
	if m == nil {
		return
	}
	m.makerDowngrades.WithLabelValues(venue).Inc()
}

// JournalError counts one swallowed journal write failure.
func (m *Metrics) JournalError(kind string) {
	if m == nil {
		return
	}
	m.journalErrors.WithLabelValues(kind).Inc()
}

// OrderRecovered counts one leftover order cancelled at startup.
func (m *Metrics) OrderRecovered(venue string) {
	if m == nil {
		return
	}
	m.recoveredOrders.WithLabelValues(venue).Inc()
}

// RiskRejected counts one pre-trade rejection.
func (m *Metrics) RiskRejected(reason string) {
	if m == nil {
		return
	}
	m.riskRejections.WithLabelValues(reason).Inc()
}

// SetBreakerState exports a breaker position (BreakerClosed/HalfOpen/Open).
func (m *Metrics) SetBreakerState(breaker, scope string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(breaker, scope).Set(state)
}

// SetRealizedPnL exports the day's realized PnL.
func (m *Metrics) SetRealizedPnL(v float64) {
	if m == nil {
		return
	}
	m.realizedPnL.Set(v)
}

// SetVenueBalance exports the last known balance for one venue currency.
func (m *Metrics) SetVenueBalance(venue, currency string, available float64) {
	if m == nil {
		return
	}
	m.venueBalance.WithLabelValues(venue, currency).Set(available)
}
