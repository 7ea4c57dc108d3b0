// Package risk gates every order attempt behind the pre-trade checks and
// circuit breakers.
//
// The manager evaluates eight checks serially and reports the first failure
// as a typed rejection:
//
//   - Venue breakers:     connectivity and error-rate breakers for both legs
//   - Volatility breaker: per market, trips on rapid price moves
//   - Position limits:    projected per-venue and total reference notionals
//   - Loss limits:        daily realised loss and per-trade worst case
//   - Drawdown:           fraction below the realised equity peak
//   - Balances:           last-known available funds with a safety margin
//
// A global kill switch sits in front of all of them: when the day's realised
// loss breaches daily_loss_limit, trading stops outright for the breaker
// cooldown. The price stream and the executor feed RecordResult with the
// outcome of every venue operation; the engine feeds fresh snapshots into
// ObserveSnapshot; the executor reports finished trades via RecordExecution
// and balance reads via UpdateBalance.
package risk

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"crossarb/internal/config"
	"crossarb/internal/metrics"
	"crossarb/internal/store"
	"crossarb/internal/symbol"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Rejection is a failed pre-trade check. Reason is stable and machine
// readable; Detail names the venue, market or amounts involved.
type Rejection struct {
	Reason types.Reason
	Detail string
}

func (r *Rejection) Error() string {
	return string(r.Reason) + ": " + r.Detail
}

type balanceEntry struct {
	available decimal.Decimal
	at        time.Time
}

// Manager holds the breakers, position ledger and balance cache behind the
// pre-trade gate.
type Manager struct {
	tcfg   config.TradingConfig
	bcfg   config.BreakersConfig
	rates  map[string]decimal.Decimal
	st     *store.Store
	met    *metrics.Metrics
	logger *slog.Logger

	// connectivity breakers are internally synchronized; the map is fixed
	// after NewManager.
	connectivity map[string]*gobreaker.TwoStepCircuitBreaker

	mu         sync.Mutex
	errorRates map[string]*errorWindow
	volatility map[string]*volatilityBreaker
	positions  map[string]decimal.Decimal // per venue, signed reference notional
	balances   map[string]balanceEntry    // venue/currency
	day        string                     // UTC date of the daily ledger
	dailyPnL   decimal.Decimal
	totalPnL   decimal.Decimal
	peakEquity decimal.Decimal
	killActive bool
	killUntil  time.Time
}

// NewManager creates the risk gate for the given venues. The rate table maps
// quote currency codes to reference-currency rates, as for the detector. The
// store is optional; with one, the daily ledger survives restarts.
func NewManager(tcfg config.TradingConfig, bcfg config.BreakersConfig, venueNames []string, rates map[string]decimal.Decimal, st *store.Store, met *metrics.Metrics, logger *slog.Logger) *Manager {
	m := &Manager{
		tcfg:         tcfg,
		bcfg:         bcfg,
		rates:        make(map[string]decimal.Decimal, len(rates)),
		st:           st,
		met:          met,
		logger:       logger.With("component", "risk"),
		connectivity: make(map[string]*gobreaker.TwoStepCircuitBreaker, len(venueNames)),
		errorRates:   make(map[string]*errorWindow, len(venueNames)),
		volatility:   make(map[string]*volatilityBreaker),
		positions:    make(map[string]decimal.Decimal),
		balances:     make(map[string]balanceEntry),
		day:          todayUTC(time.Now()),
	}
	for code, rate := range rates {
		m.rates[strings.ToUpper(code)] = rate
	}
	for _, name := range venueNames {
		m.connectivity[name] = m.newConnectivityBreaker(name)
		m.errorRates[name] = newErrorWindow(bcfg)
		m.met.SetBreakerState("connectivity", name, metricValue(StateClosed))
		m.met.SetBreakerState("error_rate", name, metricValue(StateClosed))
	}
	m.restoreLedger()
	return m
}

func (m *Manager) newConnectivityBreaker(venueName string) *gobreaker.TwoStepCircuitBreaker {
	trip := m.bcfg.ConnectivityFailuresToTrip
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "connectivity/" + venueName,
		MaxRequests: 1,
		Timeout:     m.bcfg.Cooldown(),
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			st := fromGobreaker(to)
			if st == StateClosed {
				m.logger.Info("connectivity breaker closed", "venue", venueName)
			} else {
				m.logger.Warn("connectivity breaker state change",
					"venue", venueName, "from", fromGobreaker(from).String(), "to", st.String())
			}
			m.met.SetBreakerState("connectivity", venueName, metricValue(st))
		},
	})
}

func (m *Manager) restoreLedger() {
	if m.st == nil {
		return
	}
	ledger, err := m.st.Load()
	if err != nil {
		m.logger.Warn("ledger load failed, starting fresh", "error", err)
		return
	}
	if ledger == nil {
		return
	}
	m.totalPnL = ledger.TotalRealized
	m.peakEquity = ledger.PeakEquity
	if ledger.Day == m.day {
		m.dailyPnL = ledger.DailyRealized
	}
	m.logger.Info("ledger restored",
		"day", ledger.Day,
		"daily_realized", ledger.DailyRealized,
		"total_realized", ledger.TotalRealized)
}

// Check runs the serial pre-trade gate. A nil result means the trade may
// proceed; otherwise the first failing check's reason is returned and the
// opportunity must be dropped, not retried.
func (m *Manager) Check(opp *types.Opportunity) *Rejection {
	now := time.Now()

	m.mu.Lock()
	rej := m.check(opp, now)
	m.mu.Unlock()

	if rej != nil {
		m.met.RiskRejected(string(rej.Reason))
		m.logger.Info("trade rejected",
			"reason", rej.Reason, "detail", rej.Detail, "opportunity", opp.ID)
	}
	return rej
}

func (m *Manager) check(opp *types.Opportunity, now time.Time) *Rejection {
	m.rollDay(now)

	if m.killActive {
		if now.After(m.killUntil) {
			m.killActive = false
			m.logger.Info("kill switch cooldown expired")
		} else {
			return &Rejection{types.ReasonKillSwitch, "cooling down until " + m.killUntil.UTC().Format(time.RFC3339)}
		}
	}

	for _, name := range []string{opp.BuyVenue, opp.SellVenue} {
		if cb, ok := m.connectivity[name]; ok && fromGobreaker(cb.State()) != StateClosed {
			return &Rejection{types.ReasonConnectivityBreaker, name}
		}
	}
	for _, name := range []string{opp.BuyVenue, opp.SellVenue} {
		if ew, ok := m.errorRates[name]; ok && ew.current(now) != StateClosed {
			return &Rejection{types.ReasonErrorRateBreaker, name}
		}
	}
	market := volKey(opp.Symbol)
	if vb, ok := m.volatility[market]; ok && vb.current(now) != StateClosed {
		return &Rejection{types.ReasonVolatilityBreaker, market}
	}

	buyNotional := m.refAmount(opp.Symbol.Quote, opp.Quantity.Mul(opp.BuyPrice))
	sellNotional := m.refAmount(opp.Symbol.Quote, opp.Quantity.Mul(opp.SellPrice))

	projected := make(map[string]decimal.Decimal, len(m.positions)+2)
	for name, pos := range m.positions {
		projected[name] = pos
	}
	projected[opp.BuyVenue] = projected[opp.BuyVenue].Add(buyNotional)
	projected[opp.SellVenue] = projected[opp.SellVenue].Sub(sellNotional)

	for _, name := range []string{opp.BuyVenue, opp.SellVenue} {
		if projected[name].Abs().GreaterThan(m.tcfg.MaxPositionPerVenue) {
			return &Rejection{types.ReasonPositionLimit,
				fmt.Sprintf("%s: projected %s over %s", name, projected[name].Abs(), m.tcfg.MaxPositionPerVenue)}
		}
	}
	total := decimal.Decimal{}
	for _, pos := range projected {
		total = total.Add(pos.Abs())
	}
	if total.GreaterThan(m.tcfg.MaxTotalPosition) {
		return &Rejection{types.ReasonTotalPositionLimit,
			fmt.Sprintf("projected %s over %s", total, m.tcfg.MaxTotalPosition)}
	}

	worst := buyNotional.Add(sellNotional).Mul(m.tcfg.SlippageTolerancePercent).Div(hundred)
	dayLoss := decimal.Decimal{}
	if m.dailyPnL.IsNegative() {
		dayLoss = m.dailyPnL.Neg()
	}
	if dayLoss.Add(worst).GreaterThan(m.tcfg.DailyLossLimit) {
		return &Rejection{types.ReasonDailyLossLimit,
			fmt.Sprintf("day loss %s plus worst case %s over %s", dayLoss, worst, m.tcfg.DailyLossLimit)}
	}
	if worst.GreaterThan(m.tcfg.PerTradeLossLimit) {
		return &Rejection{types.ReasonPerTradeLossLimit,
			fmt.Sprintf("worst case %s over %s", worst, m.tcfg.PerTradeLossLimit)}
	}

	if m.peakEquity.IsPositive() {
		drawdown := m.peakEquity.Sub(m.totalPnL).Div(m.peakEquity)
		if drawdown.GreaterThan(m.tcfg.MaxDrawdown) {
			return &Rejection{types.ReasonDrawdown,
				fmt.Sprintf("drawdown %s over %s", drawdown.Round(4), m.tcfg.MaxDrawdown)}
		}
	}

	margin := one.Add(m.tcfg.BalanceSafetyMargin)
	needQuote := opp.Quantity.Mul(opp.BuyPrice).Mul(one.Add(opp.BuyFeeRate)).Mul(margin)
	if rej := m.checkBalance(opp.BuyVenue, opp.Symbol.Quote, needQuote); rej != nil {
		return rej
	}
	needBase := opp.Quantity.Mul(margin)
	if rej := m.checkBalance(opp.SellVenue, opp.Symbol.Base, needBase); rej != nil {
		return rej
	}
	return nil
}

func (m *Manager) checkBalance(venueName, currency string, required decimal.Decimal) *Rejection {
	entry, ok := m.balances[balanceKey(venueName, currency)]
	if !ok {
		return &Rejection{types.ReasonInsufficientBalance,
			fmt.Sprintf("no known %s balance on %s", currency, venueName)}
	}
	if entry.available.LessThan(required) {
		return &Rejection{types.ReasonInsufficientBalance,
			fmt.Sprintf("%s on %s: have %s, need %s", currency, venueName, entry.available, required)}
	}
	return nil
}

// RecordResult feeds one venue operation outcome into the connectivity and
// error-rate breakers. The price stream reports every poll here and the
// executor every placement, poll and cancel.
func (m *Manager) RecordResult(venueName string, err error) {
	if cb, ok := m.connectivity[venueName]; ok {
		if done, allowErr := cb.Allow(); allowErr == nil {
			// Business rejections prove the venue answered; only transport
			// and auth failures count against connectivity.
			done(err == nil || !isConnectivityError(err))
		}
	}

	m.mu.Lock()
	ew, ok := m.errorRates[venueName]
	var (
		st      State
		changed bool
	)
	if ok {
		st, changed = ew.record(err != nil, time.Now())
	}
	m.mu.Unlock()

	if changed {
		if st == StateClosed {
			m.logger.Info("error-rate breaker closed", "venue", venueName)
		} else {
			m.logger.Warn("error-rate breaker state change", "venue", venueName, "state", st.String())
		}
		m.met.SetBreakerState("error_rate", venueName, metricValue(st))
	}
}

func isConnectivityError(err error) bool {
	return venue.IsRetryable(err) || venue.IsAuth(err)
}

// ObserveSnapshot feeds a snapshot's mid price into the market's volatility
// breaker. Quote-family members share one breaker per base currency.
func (m *Manager) ObserveSnapshot(snap *types.OrderBookSnapshot) {
	if snap == nil {
		return
	}
	price := midPrice(snap)
	if !price.IsPositive() {
		return
	}
	market := volKey(snap.Symbol)

	m.mu.Lock()
	vb, ok := m.volatility[market]
	if !ok {
		vb = newVolatilityBreaker(m.bcfg)
		m.volatility[market] = vb
	}
	st, changed := vb.observe(price, snap.FetchedAt)
	m.mu.Unlock()

	if changed {
		if st == StateClosed {
			m.logger.Info("volatility breaker closed", "market", market)
		} else {
			m.logger.Warn("volatility breaker state change",
				"market", market, "state", st.String(), "price", price)
		}
		m.met.SetBreakerState("volatility", market, metricValue(st))
	}
}

// RecordExecution applies a finished execution to positions and the PnL
// ledger. A daily loss beyond the limit engages the kill switch for the
// breaker cooldown.
func (m *Manager) RecordExecution(report *types.ExecReport) {
	if report == nil {
		return
	}
	opp := report.Opportunity
	now := time.Now()

	m.mu.Lock()
	m.rollDay(now)

	if report.BuyOrder != nil && report.BuyOrder.FilledQty.IsPositive() {
		filled := report.BuyOrder.FilledQty.Mul(fillPrice(report.BuyOrder, opp.BuyPrice))
		m.positions[opp.BuyVenue] = m.positions[opp.BuyVenue].Add(m.refAmount(opp.Symbol.Quote, filled))
	}
	if report.SellOrder != nil && report.SellOrder.FilledQty.IsPositive() {
		filled := report.SellOrder.FilledQty.Mul(fillPrice(report.SellOrder, opp.SellPrice))
		m.positions[opp.SellVenue] = m.positions[opp.SellVenue].Sub(m.refAmount(opp.Symbol.Quote, filled))
	}

	realized := m.refAmount(opp.Symbol.Quote, report.RealizedProfit)
	if !realized.IsZero() {
		m.dailyPnL = m.dailyPnL.Add(realized)
		m.totalPnL = m.totalPnL.Add(realized)
		if m.totalPnL.GreaterThan(m.peakEquity) {
			m.peakEquity = m.totalPnL
		}
	}

	if !m.killActive && m.dailyPnL.IsNegative() && m.dailyPnL.Neg().GreaterThan(m.tcfg.DailyLossLimit) {
		m.killActive = true
		m.killUntil = now.Add(m.bcfg.Cooldown())
		m.logger.Error("KILL SWITCH",
			"reason", "daily loss limit breached",
			"daily_pnl", m.dailyPnL,
			"cooldown_until", m.killUntil)
	}

	ledger := store.Ledger{
		Day:           m.day,
		DailyRealized: m.dailyPnL,
		TotalRealized: m.totalPnL,
		PeakEquity:    m.peakEquity,
		UpdatedAt:     now,
	}
	totalPnL := m.totalPnL
	m.mu.Unlock()

	m.met.SetRealizedPnL(totalPnL.InexactFloat64())
	if m.st != nil {
		// File write happens outside the lock.
		if err := m.st.Save(ledger); err != nil {
			m.logger.Warn("ledger save failed", "error", err)
		}
	}
}

// UpdateBalance refreshes the last-known available balance for a venue and
// currency. Entries never expire: when a venue's balance endpoint fails, the
// previous figure keeps serving the balance check.
func (m *Manager) UpdateBalance(venueName, currency string, available decimal.Decimal) {
	cur := strings.ToUpper(currency)

	m.mu.Lock()
	m.balances[balanceKey(venueName, cur)] = balanceEntry{available: available, at: time.Now()}
	m.mu.Unlock()

	m.met.SetVenueBalance(venueName, cur, available.InexactFloat64())
}

// KillSwitchActive reports whether the global stop is engaged, lazily
// clearing it once the cooldown has expired.
func (m *Manager) KillSwitchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.killActive {
		return false
	}
	if time.Now().After(m.killUntil) {
		m.killActive = false
		m.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// BreakerStatus describes one breaker for the dashboard.
type BreakerStatus struct {
	Kind  string `json:"kind"`
	Scope string `json:"scope"`
	State string `json:"state"`
}

// Status is the dashboard view of the risk state.
type Status struct {
	KillSwitchActive bool                       `json:"kill_switch_active"`
	KillSwitchUntil  *time.Time                 `json:"kill_switch_until,omitempty"`
	Day              string                     `json:"day"`
	DailyRealized    decimal.Decimal            `json:"daily_realized"`
	TotalRealized    decimal.Decimal            `json:"total_realized"`
	PeakEquity       decimal.Decimal            `json:"peak_equity"`
	Drawdown         decimal.Decimal            `json:"drawdown"`
	TotalPosition    decimal.Decimal            `json:"total_position"`
	Positions        map[string]decimal.Decimal `json:"positions"`
	Breakers         []BreakerStatus            `json:"breakers"`
}

// Status returns current aggregate risk state for the dashboard.
func (m *Manager) Status() Status {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay(now)

	out := Status{
		KillSwitchActive: m.killActive && now.Before(m.killUntil),
		Day:              m.day,
		DailyRealized:    m.dailyPnL,
		TotalRealized:    m.totalPnL,
		PeakEquity:       m.peakEquity,
		Positions:        make(map[string]decimal.Decimal, len(m.positions)),
	}
	if out.KillSwitchActive {
		until := m.killUntil
		out.KillSwitchUntil = &until
	}
	if m.peakEquity.IsPositive() {
		out.Drawdown = m.peakEquity.Sub(m.totalPnL).Div(m.peakEquity).Round(6)
	}
	for name, pos := range m.positions {
		out.Positions[name] = pos
		out.TotalPosition = out.TotalPosition.Add(pos.Abs())
	}

	for name, cb := range m.connectivity {
		out.Breakers = append(out.Breakers, BreakerStatus{"connectivity", name, fromGobreaker(cb.State()).String()})
	}
	for name, ew := range m.errorRates {
		out.Breakers = append(out.Breakers, BreakerStatus{"error_rate", name, ew.current(now).String()})
	}
	for market, vb := range m.volatility {
		out.Breakers = append(out.Breakers, BreakerStatus{"volatility", market, vb.current(now).String()})
	}
	sort.Slice(out.Breakers, func(i, j int) bool {
		if out.Breakers[i].Kind != out.Breakers[j].Kind {
			return out.Breakers[i].Kind < out.Breakers[j].Kind
		}
		return out.Breakers[i].Scope < out.Breakers[j].Scope
	})
	return out
}

// refAmount converts a quote-currency amount into reference units using the
// rate table, with the same family-alias fallback the detector applies.
// Without a rate the amount passes through unconverted.
func (m *Manager) refAmount(quote string, amount decimal.Decimal) decimal.Decimal {
	q := strings.ToUpper(quote)
	if q == strings.ToUpper(m.tcfg.ReferenceCurrency) {
		return amount
	}
	if rate, ok := m.rates[q]; ok {
		return amount.Mul(rate)
	}
	if symbol.QuoteFamily(q) == symbol.FamilyIRT {
		for _, alias := range []string{"IRT", "TMN", "IRR"} {
			if rate, ok := m.rates[alias]; ok {
				return amount.Mul(rate)
			}
		}
	}
	return amount
}

func (m *Manager) rollDay(now time.Time) {
	day := todayUTC(now)
	if day != m.day {
		m.day = day
		m.dailyPnL = decimal.Decimal{}
	}
}

func todayUTC(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func volKey(s symbol.Symbol) string {
	return s.Base + "/" + string(symbol.QuoteFamily(s.Quote))
}

func balanceKey(venueName, currency string) string {
	return venueName + "/" + strings.ToUpper(currency)
}

func midPrice(snap *types.OrderBookSnapshot) decimal.Decimal {
	bid, hasBid := snap.BestBid()
	ask, hasAsk := snap.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Price.Add(ask.Price).Div(two)
	case hasBid:
		return bid.Price
	case hasAsk:
		return ask.Price
	}
	return decimal.Decimal{}
}

func fillPrice(order *types.Order, fallback decimal.Decimal) decimal.Decimal {
	if order.AvgPrice.IsPositive() {
		return order.AvgPrice
	}
	if order.Price.IsPositive() {
		return order.Price
	}
	return fallback
}
