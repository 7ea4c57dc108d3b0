package risk

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"crossarb/internal/config"
	"crossarb/internal/metrics"
)

// State is the position of a breaker. The venue connectivity breakers run on
// gobreaker and are mapped into this type for reporting.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// metricValue maps a state onto the gauge encoding.
func metricValue(s State) float64 {
	switch s {
	case StateOpen:
		return metrics.BreakerOpen
	case StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}

// volatilityBreaker guards one market against rapid price moves. It keeps a
// rolling anchor price; once the move from the anchor exceeds the configured
// percentage inside the window, the breaker opens. After the cooldown the
// next observed price is the probe: inside bounds closes the breaker,
// outside re-opens it. The caller provides locking.
type volatilityBreaker struct {
	window   time.Duration
	maxPct   decimal.Decimal // percent: 5 means a 5% move trips
	cooldown time.Duration

	state    State
	anchor   decimal.Decimal
	anchorAt time.Time
	openedAt time.Time
}

func newVolatilityBreaker(cfg config.BreakersConfig) *volatilityBreaker {
	return &volatilityBreaker{
		window:   cfg.VolatilityWindow(),
		maxPct:   cfg.VolatilityMaxPercent,
		cooldown: cfg.Cooldown(),
	}
}

// current promotes OPEN to HALF_OPEN once the cooldown has elapsed.
func (vb *volatilityBreaker) current(now time.Time) State {
	if vb.state == StateOpen && now.Sub(vb.openedAt) >= vb.cooldown {
		vb.state = StateHalfOpen
	}
	return vb.state
}

// observe feeds one price and returns the state afterwards plus whether it
// changed.
func (vb *volatilityBreaker) observe(price decimal.Decimal, at time.Time) (State, bool) {
	if !price.IsPositive() {
		return vb.state, false
	}
	before := vb.state

	switch vb.current(at) {
	case StateClosed:
		if vb.anchor.IsZero() || at.Sub(vb.anchorAt) > vb.window {
			vb.anchor = price
			vb.anchorAt = at
			break
		}
		if vb.movePct(price).GreaterThan(vb.maxPct) {
			vb.state = StateOpen
			vb.openedAt = at
			vb.anchor = price
			vb.anchorAt = at
		}
	case StateHalfOpen:
		// First price after the cooldown is the probe; the trip price is
		// the reference.
		if vb.movePct(price).GreaterThan(vb.maxPct) {
			vb.state = StateOpen
			vb.openedAt = at
		} else {
			vb.state = StateClosed
		}
		vb.anchor = price
		vb.anchorAt = at
	case StateOpen:
		// Prices while open are ignored so the probe compares against the
		// price that tripped the breaker.
	}
	return vb.state, vb.state != before
}

func (vb *volatilityBreaker) movePct(price decimal.Decimal) decimal.Decimal {
	return price.Sub(vb.anchor).Abs().Div(vb.anchor).Mul(hundred)
}

// errorWindow tracks the outcomes of the last N operations against a venue
// and opens when the failure ratio exceeds the configured maximum. Lifecycle
// mirrors the volatility breaker: OPEN for the cooldown, then the next
// recorded operation is the probe. The caller provides locking.
type errorWindow struct {
	ring       []bool // true = failure
	next       int
	filled     int
	failures   int
	maxRatio   float64
	minSamples int
	cooldown   time.Duration

	state    State
	openedAt time.Time
}

func newErrorWindow(cfg config.BreakersConfig) *errorWindow {
	size := cfg.ErrorRateWindow
	if size <= 0 {
		size = 1
	}
	return &errorWindow{
		ring:       make([]bool, size),
		maxRatio:   cfg.ErrorRateMax,
		minSamples: cfg.ErrorRateMinSamples,
		cooldown:   cfg.Cooldown(),
	}
}

func (ew *errorWindow) current(now time.Time) State {
	if ew.state == StateOpen && now.Sub(ew.openedAt) >= ew.cooldown {
		ew.state = StateHalfOpen
	}
	return ew.state
}

// record feeds one operation outcome and returns the state afterwards plus
// whether it changed.
func (ew *errorWindow) record(failed bool, at time.Time) (State, bool) {
	before := ew.state

	switch ew.current(at) {
	case StateOpen:
		// Not counted; the window restarts clean after the probe.
		return ew.state, ew.state != before
	case StateHalfOpen:
		if failed {
			ew.state = StateOpen
			ew.openedAt = at
		} else {
			ew.state = StateClosed
		}
		return ew.state, ew.state != before
	}

	if ew.filled == len(ew.ring) {
		if ew.ring[ew.next] {
			ew.failures--
		}
	} else {
		ew.filled++
	}
	ew.ring[ew.next] = failed
	if failed {
		ew.failures++
	}
	ew.next = (ew.next + 1) % len(ew.ring)

	if ew.filled >= ew.minSamples && ew.filled > 0 &&
		float64(ew.failures)/float64(ew.filled) > ew.maxRatio {
		ew.state = StateOpen
		ew.openedAt = at
		ew.reset()
	}
	return ew.state, ew.state != before
}

func (ew *errorWindow) reset() {
	for i := range ew.ring {
		ew.ring[i] = false
	}
	ew.next, ew.filled, ew.failures = 0, 0, 0
}
