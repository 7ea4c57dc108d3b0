package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/symbol"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if got := BUY.Opposite(); got != SELL {
		t.Errorf("BUY.Opposite() = %s, want SELL", got)
	}
	if got := SELL.Opposite(); got != BUY {
		t.Errorf("SELL.Opposite() = %s, want BUY", got)
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusOpen, false},
		{StatusPartiallyFilled, false},
		{StatusFilled, true},
		{StatusCancelled, true},
		{StatusRejected, true},
		{StatusUnknown, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSnapshotFreshnessBoundary(t *testing.T) {
	t.Parallel()

	now := time.Now()
	maxAge := 3 * time.Second
	snap := &OrderBookSnapshot{FetchedAt: now.Add(-maxAge)}

	// Age exactly equal to the budget is already stale.
	if snap.Fresh(now, maxAge) {
		t.Error("snapshot at exact max age reported fresh")
	}
	snap.FetchedAt = now.Add(-maxAge + time.Millisecond)
	if !snap.Fresh(now, maxAge) {
		t.Error("snapshot just inside the budget reported stale")
	}
}

func TestSnapshotTopOfBook(t *testing.T) {
	t.Parallel()

	snap := &OrderBookSnapshot{
		Bids: []BookLevel{
			{Price: dec("64990"), Quantity: dec("1")},
			{Price: dec("64980"), Quantity: dec("2")},
		},
		Asks: []BookLevel{
			{Price: dec("65000"), Quantity: dec("0.5")},
			{Price: dec("65010"), Quantity: dec("3")},
		},
	}

	bid, ok := snap.BestBid()
	if !ok || !bid.Price.Equal(dec("64990")) {
		t.Errorf("BestBid = %v (%v), want 64990", bid.Price, ok)
	}
	ask, ok := snap.BestAsk()
	if !ok || !ask.Price.Equal(dec("65000")) {
		t.Errorf("BestAsk = %v (%v), want 65000", ask.Price, ok)
	}

	empty := &OrderBookSnapshot{}
	if _, ok := empty.BestBid(); ok {
		t.Error("BestBid on empty book reported ok")
	}
	if _, ok := empty.BestAsk(); ok {
		t.Error("BestAsk on empty book reported ok")
	}
}

func TestOpportunityFingerprint(t *testing.T) {
	t.Parallel()

	at := time.Now()
	base := Opportunity{
		Symbol:         symbol.New("BTC", "USDT"),
		BuyVenue:       "nobitex",
		SellVenue:      "kucoin",
		BuyPrice:       dec("65000"),
		SellPrice:      dec("65300"),
		BuySnapshotAt:  at,
		SellSnapshotAt: at,
	}

	// Same market state, different scan: identical fingerprint.
	replay := base
	replay.ID = "different-uuid"
	replay.DetectedAt = at.Add(time.Second)
	if base.Fingerprint() != replay.Fingerprint() {
		t.Error("replayed opportunity produced a different fingerprint")
	}

	moved := base
	moved.BuyPrice = dec("65001")
	if base.Fingerprint() == moved.Fingerprint() {
		t.Error("price move did not change the fingerprint")
	}

	newer := base
	newer.BuySnapshotAt = at.Add(time.Millisecond)
	if base.Fingerprint() == newer.Fingerprint() {
		t.Error("newer snapshot did not change the fingerprint")
	}
}

func TestSnapshotAgeSum(t *testing.T) {
	t.Parallel()

	now := time.Now()
	opp := Opportunity{
		BuySnapshotAt:  now.Add(-time.Second),
		SellSnapshotAt: now.Add(-2 * time.Second),
	}
	if got := opp.SnapshotAgeSum(now); got != 3*time.Second {
		t.Errorf("SnapshotAgeSum = %s, want 3s", got)
	}
}
