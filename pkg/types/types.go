// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: order requests and
// acknowledgements, order book snapshots, detected opportunities, execution
// reports and journal records. It depends only on the symbol model and the
// decimal library, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/symbol"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus is the normalized lifecycle state of a venue order. Venue
// adapters map each venue's native status strings onto this set.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"          // submitted, not yet acknowledged as open
	StatusOpen            OrderStatus = "OPEN"             // resting on the book, no fills
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED" // resting with partial fills
	StatusFilled          OrderStatus = "FILLED"           // fully filled (terminal)
	StatusCancelled       OrderStatus = "CANCELLED"        // cancelled by us or the venue (terminal)
	StatusRejected        OrderStatus = "REJECTED"         // refused by the venue (terminal)
	StatusUnknown         OrderStatus = "UNKNOWN"          // venue returned something unmappable
)

// IsTerminal reports whether the status can no longer change. An order never
// regresses out of a terminal status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ExecResult classifies the outcome of one dual-leg execution attempt.
type ExecResult string

const (
	ExecSuccess   ExecResult = "SUCCESS"   // both legs filled, sizes reconciled
	ExecRejected  ExecResult = "REJECTED"  // stopped before any order was placed
	ExecPartial   ExecResult = "PARTIAL"   // legs diverged, residual exposure remains
	ExecFailed    ExecResult = "FAILED"    // both placements refused or errored
	ExecTimeout   ExecResult = "TIMEOUT"   // deadline elapsed with no fills
	ExecCancelled ExecResult = "CANCELLED" // caller cancelled the execution context
)

// Reason is a machine-readable explanation attached to non-SUCCESS outcomes.
// Risk gate failures reuse this type with their own constants.
type Reason string

const (
	ReasonStale           Reason = "STALE"            // a snapshot aged past the staleness budget
	ReasonSpreadCollapsed Reason = "SPREAD_COLLAPSED" // refetched books no longer clear the profit bar
	ReasonBothRejected    Reason = "BOTH_REJECTED"    // neither leg was acknowledged
	ReasonDuplicate       Reason = "DUPLICATE"        // same opportunity already executing or recently done
	ReasonLegFailed       Reason = "LEG_FAILED"       // one leg rejected while the other was live
	ReasonDeadline        Reason = "DEADLINE"         // total execution deadline expired
	ReasonCancelled       Reason = "CANCELLED"        // execution context cancelled mid-flight
)

// Risk gate rejection reasons, reported in serial check order.
const (
	ReasonKillSwitch          Reason = "KILL_SWITCH"          // global stop engaged, cooling down
	ReasonConnectivityBreaker Reason = "CONNECTIVITY_BREAKER" // a leg's venue breaker is not CLOSED
	ReasonErrorRateBreaker    Reason = "ERROR_RATE_BREAKER"   // a leg's venue error ratio tripped
	ReasonVolatilityBreaker   Reason = "VOLATILITY_BREAKER"   // the symbol's price-move breaker is not CLOSED
	ReasonPositionLimit       Reason = "POSITION_LIMIT"       // projected per-venue position over the cap
	ReasonTotalPositionLimit  Reason = "TOTAL_POSITION_LIMIT" // projected total position over the cap
	ReasonDailyLossLimit      Reason = "DAILY_LOSS_LIMIT"     // day's loss plus worst case over the budget
	ReasonPerTradeLossLimit   Reason = "PER_TRADE_LOSS_LIMIT" // worst-case slippage loss over the per-trade cap
	ReasonDrawdown            Reason = "DRAWDOWN"             // drawdown from the equity peak too deep
	ReasonInsufficientBalance Reason = "INSUFFICIENT_BALANCE" // no or not enough balance on a leg's venue
)

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookLevel is a single bid or ask level: price and the quantity resting
// at that price. Both are strictly positive on a well-formed book.
type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBookSnapshot is an immutable point-in-time view of one venue's book
// for one canonical symbol. Bids are sorted descending by price, asks
// ascending, so index 0 is always top of book.
type OrderBookSnapshot struct {
	Venue     string        // registry name, e.g. "nobitex"
	Symbol    symbol.Symbol // canonical, not the venue rendering
	Bids      []BookLevel
	Asks      []BookLevel
	FetchedAt time.Time // local receive time (monotonic source)
}

// BestBid returns the top bid level, or false when the bid side is empty.
func (s *OrderBookSnapshot) BestBid() (BookLevel, bool) {
	if len(s.Bids) == 0 {
		return BookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level, or false when the ask side is empty.
func (s *OrderBookSnapshot) BestAsk() (BookLevel, bool) {
	if len(s.Asks) == 0 {
		return BookLevel{}, false
	}
	return s.Asks[0], true
}

// Age returns how long ago the snapshot was fetched.
func (s *OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Fresh reports whether the snapshot is younger than maxAge. A snapshot
// whose age equals maxAge exactly is already stale.
func (s *OrderBookSnapshot) Fresh(now time.Time, maxAge time.Duration) bool {
	return s.Age(now) < maxAge
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is what the executor hands a venue adapter. The adapter
// renders the symbol, formats the decimals and applies the venue's
// authentication scheme.
type OrderRequest struct {
	Symbol   symbol.Symbol
	Side     Side
	Type     OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // required for LIMIT, ignored for MARKET
	PostOnly bool            // honoured only if the venue supports it
}

// Order is the engine's view of a venue order. Created on submission and
// mutated only by poll results; once Status is terminal it never changes.
type Order struct {
	ID        string        // venue-assigned id, empty until acknowledged
	Venue     string        // registry name
	Symbol    symbol.Symbol // canonical
	Side      Side
	Type      OrderType
	Quantity  decimal.Decimal
	Price     decimal.Decimal // limit price, zero for market orders
	PostOnly  bool
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal // average fill price, zero when unfilled
	Fee       decimal.Decimal // observed fee in quote units, when reported
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance holds one currency's funds on one venue.
type Balance struct {
	Currency  string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// Opportunity is a detected cross-venue price gap: buy at BuyPrice on
// BuyVenue, sell at SellPrice on SellVenue. Ephemeral; valid only while
// both source snapshots are within the staleness budget.
type Opportunity struct {
	ID        string        // uuid, assigned by the detector
	Symbol    symbol.Symbol // canonical symbol of the buy leg
	BuyVenue  string
	SellVenue string

	BuyPrice  decimal.Decimal // best ask on the buy venue
	SellPrice decimal.Decimal // best bid on the sell venue
	Quantity  decimal.Decimal // executable size after depth and notional caps

	GrossSpreadPct decimal.Decimal // (sell-buy)/buy * 100
	BuyFeeRate     decimal.Decimal // pessimistic per-leg rate used in scoring
	SellFeeRate    decimal.Decimal
	NetProfitQuote decimal.Decimal // after fees, in quote units
	NetProfitRef   decimal.Decimal // converted to the reference currency
	RefCurrency    string
	Unconverted    bool    // true when the rate table lacked the quote
	Score          float64 // ranking only, never used for sizing

	BuySnapshotAt  time.Time
	SellSnapshotAt time.Time
	DetectedAt     time.Time
}

// Fingerprint identifies the market state that produced the opportunity.
// Two scans over the same pair of snapshots yield the same fingerprint,
// which is what the executor's registry uses to reject replays.
func (o *Opportunity) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d|%d",
		o.Symbol, o.BuyVenue, o.SellVenue,
		o.BuyPrice.String(), o.SellPrice.String(),
		o.BuySnapshotAt.UnixNano(), o.SellSnapshotAt.UnixNano())
}

// SnapshotAgeSum is the ranking tie-break: lower combined age wins.
func (o *Opportunity) SnapshotAgeSum(now time.Time) time.Duration {
	return now.Sub(o.BuySnapshotAt) + now.Sub(o.SellSnapshotAt)
}

// ————————————————————————————————————————————————————————————————————————
// Execution reports and journal records
// ————————————————————————————————————————————————————————————————————————

// ExecReport is the executor's terminal verdict on one opportunity.
type ExecReport struct {
	ID          string // execution uuid
	Opportunity Opportunity
	Result      ExecResult
	Reason      Reason // empty on SUCCESS

	BuyOrder  *Order // final state, nil when never placed
	SellOrder *Order

	MatchedQty     decimal.Decimal // min(filled buy, filled sell)
	RealizedProfit decimal.Decimal // in quote units, from actual fills

	// Residual exposure after compensation. Zero quantity means flat.
	ExposureQty      decimal.Decimal
	ExposureCurrency string
	ExposureSide     Side // side of the leg that over-filled

	MakerDowngraded []string // venues where post-only was silently dropped

	StartedAt  time.Time
	FinishedAt time.Time
}

// TradeRecord is the append-only row handed to the journal once both legs
// of an execution reach a terminal state.
type TradeRecord struct {
	ID          string // record uuid
	ExecutionID string
	Symbol      string // canonical text form
	BuyVenue    string
	SellVenue   string

	BuyOrderID  string
	SellOrderID string
	BuyPrice    decimal.Decimal // realised, falls back to intended when unfilled
	SellPrice   decimal.Decimal
	MatchedQty  decimal.Decimal

	ExpectedProfit decimal.Decimal // detector estimate in quote units
	RealizedProfit decimal.Decimal
	Result         ExecResult
	Reason         Reason

	ExposureQty      decimal.Decimal
	ExposureCurrency string
	ExposureSide     Side

	Simulated bool // paper mode marks rows it produced
	CreatedAt time.Time
}

// FeatureVector carries the advisor inputs for one leg. Values are plain
// floats: features feed ranking and model inference, never order sizing.
type FeatureVector map[string]float64

// FeatureRecord journals the features the advisor saw for one leg, so the
// maker model can be retrained offline against realised outcomes.
type FeatureRecord struct {
	ID          string
	ExecutionID string
	Venue       string
	Symbol      string
	Side        Side
	Features    FeatureVector
	CreatedAt   time.Time
}
