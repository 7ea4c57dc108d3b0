// Package detector scans order book snapshots for cross-venue price gaps.
//
// For every ordered venue pair with compatible symbols it sizes the gap
// against top-of-book depth and the notional cap, charges the pessimistic
// fee on each leg, converts the net profit into the reference currency and
// keeps the opportunity only when it clears the configured floors:
//
//	gross spread ≥ min_spread_percent
//	net profit   > min_profit_reference
//
// Results are ranked by net profit descending, then by lower combined
// snapshot age, then by lexicographic (buy venue, sell venue). All
// monetary arithmetic is decimal; the float Score is for ranking displays
// only.
package detector

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/metrics"
	"crossarb/internal/symbol"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// sizeScale is the quantity precision sizes are truncated to. Truncation,
// never rounding up: an oversized order is worse than a slightly small one.
const sizeScale = 8

// Detector finds executable opportunities in a set of snapshots.
type Detector struct {
	cfg    config.TradingConfig
	venues map[string]venue.Venue
	rates  map[string]decimal.Decimal
	met    *metrics.Metrics
	logger *slog.Logger
}

// New builds a detector. rates maps a quote currency code to reference
// units per quote unit; met may be nil.
func New(cfg config.TradingConfig, venues map[string]venue.Venue, rates map[string]decimal.Decimal, met *metrics.Metrics, logger *slog.Logger) *Detector {
	normalized := make(map[string]decimal.Decimal, len(rates))
	for code, rate := range rates {
		normalized[strings.ToUpper(code)] = rate
	}
	return &Detector{
		cfg:    cfg,
		venues: venues,
		rates:  normalized,
		met:    met,
		logger: logger.With("component", "detector"),
	}
}

// Scan evaluates every ordered venue pair across the given snapshots and
// returns accepted opportunities, ranked best first. Stale snapshots and
// snapshots from unknown venues are ignored.
func (d *Detector) Scan(snapshots []*types.OrderBookSnapshot) []types.Opportunity {
	now := time.Now()
	maxAge := d.cfg.MaxSnapshotAge()

	fresh := make([]*types.OrderBookSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap == nil {
			continue
		}
		if !snap.Fresh(now, maxAge) {
			d.logger.Debug("snapshot stale, skipped",
				"venue", snap.Venue,
				"symbol", snap.Symbol,
				"age", snap.Age(now),
			)
			continue
		}
		if _, ok := d.venues[snap.Venue]; !ok {
			continue
		}
		fresh = append(fresh, snap)
	}

	var opps []types.Opportunity
	for _, buy := range fresh {
		for _, sell := range fresh {
			if buy.Venue == sell.Venue {
				continue
			}
			if !symbol.Compatible(buy.Symbol, sell.Symbol) {
				continue
			}
			if opp, ok := d.evaluate(buy, sell, now); ok {
				opps = append(opps, opp)
				d.met.OpportunityDetected(opp.Symbol.String(), opp.BuyVenue, opp.SellVenue)
			}
		}
	}

	sort.SliceStable(opps, func(i, j int) bool {
		if c := opps[i].NetProfitRef.Cmp(opps[j].NetProfitRef); c != 0 {
			return c > 0
		}
		ageI, ageJ := opps[i].SnapshotAgeSum(now), opps[j].SnapshotAgeSum(now)
		if ageI != ageJ {
			return ageI < ageJ
		}
		if opps[i].BuyVenue != opps[j].BuyVenue {
			return opps[i].BuyVenue < opps[j].BuyVenue
		}
		return opps[i].SellVenue < opps[j].SellVenue
	})
	return opps
}

// evaluate prices one ordered pair: buy at the best ask of buy, sell into
// the best bid of sell.
func (d *Detector) evaluate(buy, sell *types.OrderBookSnapshot, now time.Time) (types.Opportunity, bool) {
	ask, ok := buy.BestAsk()
	if !ok {
		return types.Opportunity{}, false
	}
	bid, ok := sell.BestBid()
	if !ok {
		return types.Opportunity{}, false
	}
	a, b := ask.Price, bid.Price
	if !a.IsPositive() || !b.IsPositive() || a.GreaterThanOrEqual(b) {
		return types.Opportunity{}, false
	}

	qty := decimal.Min(ask.Quantity, bid.Quantity, d.cfg.MaxOrderNotional.Div(a))
	qty = qty.RoundDown(sizeScale)
	if !qty.IsPositive() {
		return types.Opportunity{}, false
	}
	if qty.LessThan(d.venues[buy.Venue].MinQuantity(buy.Symbol)) ||
		qty.LessThan(d.venues[sell.Venue].MinQuantity(sell.Symbol)) {
		return types.Opportunity{}, false
	}

	hundred := decimal.NewFromInt(100)
	grossPct := b.Sub(a).Div(a).Mul(hundred)
	if grossPct.LessThan(d.cfg.MinSpreadPercent) {
		return types.Opportunity{}, false
	}

	vBuy, vSell := d.venues[buy.Venue], d.venues[sell.Venue]
	feeBuy := decimal.Max(vBuy.MakerFee(), vBuy.TakerFee())
	feeSell := decimal.Max(vSell.MakerFee(), vSell.TakerFee())

	one := decimal.NewFromInt(1)
	netQuote := qty.Mul(b.Mul(one.Sub(feeSell)).Sub(a.Mul(one.Add(feeBuy))))

	netRef := netQuote
	unconverted := false
	if rate, ok := d.rateFor(buy.Symbol.Quote); ok {
		netRef = netQuote.Mul(rate)
	} else {
		unconverted = true
	}

	// Strict inequality: a net profit exactly at the floor is not worth
	// the execution risk.
	if !netRef.GreaterThan(d.cfg.MinProfitReference) {
		return types.Opportunity{}, false
	}

	score, _ := netRef.Float64()
	opp := types.Opportunity{
		ID:             uuid.NewString(),
		Symbol:         buy.Symbol,
		BuyVenue:       buy.Venue,
		SellVenue:      sell.Venue,
		BuyPrice:       a,
		SellPrice:      b,
		Quantity:       qty,
		GrossSpreadPct: grossPct,
		BuyFeeRate:     feeBuy,
		SellFeeRate:    feeSell,
		NetProfitQuote: netQuote,
		NetProfitRef:   netRef,
		RefCurrency:    d.cfg.ReferenceCurrency,
		Unconverted:    unconverted,
		Score:          score,
		BuySnapshotAt:  buy.FetchedAt,
		SellSnapshotAt: sell.FetchedAt,
		DetectedAt:     now,
	}
	d.logger.Debug("opportunity accepted",
		"symbol", opp.Symbol,
		"buy_venue", opp.BuyVenue,
		"sell_venue", opp.SellVenue,
		"qty", qty,
		"net_ref", netRef,
	)
	return opp, true
}

// rateFor resolves a quote code to reference units per quote unit. The
// reference currency converts at 1. IRT-family quotes fall back to any
// listed family alias, since the table is keyed by whichever spelling the
// operator chose.
func (d *Detector) rateFor(quote string) (decimal.Decimal, bool) {
	quote = strings.ToUpper(quote)
	if quote == strings.ToUpper(d.cfg.ReferenceCurrency) {
		return decimal.NewFromInt(1), true
	}
	if rate, ok := d.rates[quote]; ok {
		return rate, true
	}
	if symbol.QuoteFamily(quote) == symbol.FamilyIRT {
		for _, alias := range []string{"IRT", "TMN", "IRR"} {
			if rate, ok := d.rates[alias]; ok {
				return rate, true
			}
		}
	}
	return decimal.Decimal{}, false
}
