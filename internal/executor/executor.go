// Package executor runs the dual-leg execution protocol: it turns one
// detected opportunity into a buy order on one venue and a sell order on
// another, follows both to a terminal state and reconciles whatever
// actually filled.
//
// The protocol, in order: revalidate the snapshots and the spread against
// freshly fetched books, pass the risk gate, consult the maker-taker
// advisor per leg, place both legs concurrently, poll both to a terminal
// state within the deadline, cancel whatever is still open, and reconcile.
// The matched quantity is min(filled buy, filled sell); any difference is
// residual directional exposure that is reported, never auto-liquidated.
// Every terminal outcome is journaled best-effort and fed back into the
// risk ledger.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/advisor"
	"crossarb/internal/config"
	"crossarb/internal/journal"
	"crossarb/internal/metrics"
	"crossarb/internal/risk"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// sizeScale matches the detector's quantity precision; sizes only ever
// shrink when re-clamped here.
const sizeScale = 8

// cancelBackoff is the initial delay between cancel retries.
const cancelBackoff = 250 * time.Millisecond

// Gate is the slice of the risk manager the executor needs: the pre-trade
// check, the per-operation breaker feed and the post-trade ledger update.
type Gate interface {
	Check(opp *types.Opportunity) *risk.Rejection
	RecordResult(venueName string, err error)
	RecordExecution(report *types.ExecReport)
}

// Executor places and reconciles dual-leg executions.
type Executor struct {
	cfg    config.ExecutorConfig
	tcfg   config.TradingConfig
	venues map[string]venue.Venue
	gate   Gate
	adv    advisor.Advisor
	jrnl   journal.Journal
	met    *metrics.Metrics
	logger *slog.Logger
	reg    *registry
}

// New builds an executor. adv may be nil (every leg is taker); met may be
// nil.
func New(cfg config.ExecutorConfig, tcfg config.TradingConfig, venues map[string]venue.Venue, gate Gate, adv advisor.Advisor, jrnl journal.Journal, met *metrics.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		tcfg:   tcfg,
		venues: venues,
		gate:   gate,
		adv:    adv,
		jrnl:   jrnl,
		met:    met,
		logger: logger.With("component", "executor"),
		reg:    newRegistry(),
	}
}

// Inflight reports the number of executions currently running.
func (e *Executor) Inflight() int { return e.reg.Inflight() }

// Execute runs one opportunity through the full protocol and returns the
// terminal report. Cancelling ctx tears the execution down: polling stops,
// acknowledged legs are cancelled best-effort, and the result is CANCELLED.
func (e *Executor) Execute(ctx context.Context, opp types.Opportunity) types.ExecReport {
	report := types.ExecReport{
		ID:          uuid.NewString(),
		Opportunity: opp,
		StartedAt:   time.Now(),
	}

	fp := opp.Fingerprint()
	if !e.reg.begin(fp, report.StartedAt) {
		return e.finish(ctx, report, types.ExecRejected, types.ReasonDuplicate,
			"opportunity already executing or recently executed")
	}
	defer e.reg.finish(fp, time.Now())

	vBuy, okBuy := e.venues[opp.BuyVenue]
	vSell, okSell := e.venues[opp.SellVenue]
	if !okBuy || !okSell {
		return e.finish(ctx, report, types.ExecRejected, types.ReasonStale, "venue no longer configured")
	}

	// Step 1: freshness. A snapshot aged exactly to the budget is stale.
	maxAge := e.tcfg.MaxSnapshotAge()
	now := time.Now()
	if now.Sub(opp.BuySnapshotAt) >= maxAge || now.Sub(opp.SellSnapshotAt) >= maxAge {
		return e.finish(ctx, report, types.ExecRejected, types.ReasonStale, "snapshot aged past the staleness budget")
	}

	// Revalidate against live books and shrink to what is still there.
	revalidated, reason, detail := e.revalidate(ctx, &opp, vBuy, vSell)
	if !revalidated {
		return e.finish(ctx, report, types.ExecRejected, reason, detail)
	}
	report.Opportunity = opp

	// Step 2: risk gate.
	if rej := e.gate.Check(&opp); rej != nil {
		return e.finish(ctx, report, types.ExecRejected, rej.Reason, rej.Detail)
	}

	// Step 3: advisor, per leg. Failure means taker.
	buyMaker := e.adviseLeg(ctx, &report, vBuy, types.BUY)
	sellMaker := e.adviseLeg(ctx, &report, vSell, types.SELL)

	// Step 4: concurrent placement, bounded by the execution deadline.
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.TotalDeadline())
	defer cancel()

	buyLeg := e.placeLeg(execCtx, vBuy, types.OrderRequest{
		Symbol:   opp.Symbol,
		Side:     types.BUY,
		Type:     types.Limit,
		Quantity: opp.Quantity,
		Price:    opp.BuyPrice,
		PostOnly: buyMaker,
	})
	sellLeg := e.placeLeg(execCtx, vSell, types.OrderRequest{
		Symbol:   opp.Symbol,
		Side:     types.SELL,
		Type:     types.Limit,
		Quantity: opp.Quantity,
		Price:    opp.SellPrice,
		PostOnly: sellMaker,
	})

	buyRes := <-buyLeg
	sellRes := <-sellLeg
	report.BuyOrder = buyRes.order
	report.SellOrder = sellRes.order

	switch {
	case buyRes.err != nil && sellRes.err != nil:
		return e.finish(ctx, report, types.ExecFailed, types.ReasonBothRejected,
			"buy: "+buyRes.err.Error()+"; sell: "+sellRes.err.Error())

	case buyRes.err != nil || sellRes.err != nil:
		// One leg is an orphan: cancel it, keep whatever already filled.
		legErr := buyRes.err
		orphan, orphanVenue := sellRes.order, vSell
		if sellRes.err != nil {
			legErr = sellRes.err
			orphan, orphanVenue = buyRes.order, vBuy
		}
		e.cancelAndSettle(ctx, orphanVenue, orphan)
		e.reconcile(&report)
		result := types.ExecFailed
		if report.ExposureQty.IsPositive() {
			result = types.ExecPartial
		}
		return e.finish(ctx, report, result, types.ReasonLegFailed, legErr.Error())
	}

	// Step 5: poll both legs to a terminal state.
	timedOut, callerCancelled := e.pollToTerminal(execCtx, ctx, vBuy, vSell, &report)

	if timedOut || callerCancelled {
		e.cancelAndSettle(ctx, vBuy, report.BuyOrder)
		e.cancelAndSettle(ctx, vSell, report.SellOrder)
	}

	// Step 6: reconciliation.
	e.reconcile(&report)

	switch {
	case callerCancelled:
		return e.finish(ctx, report, types.ExecCancelled, types.ReasonCancelled, "execution context cancelled")
	case report.ExposureQty.IsPositive():
		reason := types.ReasonLegFailed
		if timedOut {
			reason = types.ReasonDeadline
		}
		return e.finish(ctx, report, types.ExecPartial, reason, "legs diverged, residual exposure remains")
	case report.MatchedQty.IsPositive():
		return e.finish(ctx, report, types.ExecSuccess, "", "")
	case timedOut:
		return e.finish(ctx, report, types.ExecTimeout, types.ReasonDeadline, "no fills within the execution deadline")
	default:
		return e.finish(ctx, report, types.ExecFailed, types.ReasonBothRejected, "both legs terminal without fills")
	}
}

// revalidate refetches the top of both books and recomputes the
// opportunity against live prices. On success opp carries the refreshed
// prices and the possibly shrunken quantity.
func (e *Executor) revalidate(ctx context.Context, opp *types.Opportunity, vBuy, vSell venue.Venue) (ok bool, reason types.Reason, detail string) {
	buyBook, err := e.fetchTop(ctx, vBuy, opp)
	if err != nil {
		return false, types.ReasonStale, "revalidation fetch failed on " + opp.BuyVenue + ": " + err.Error()
	}
	sellBook, err := e.fetchTop(ctx, vSell, opp)
	if err != nil {
		return false, types.ReasonStale, "revalidation fetch failed on " + opp.SellVenue + ": " + err.Error()
	}

	ask, okAsk := buyBook.BestAsk()
	bid, okBid := sellBook.BestBid()
	if !okAsk || !okBid {
		return false, types.ReasonSpreadCollapsed, "a book side emptied between detection and execution"
	}
	a, b := ask.Price, bid.Price
	if a.GreaterThanOrEqual(b) {
		return false, types.ReasonSpreadCollapsed, "ask " + a.String() + " no longer below bid " + b.String()
	}

	qty := decimal.Min(opp.Quantity, ask.Quantity, bid.Quantity).RoundDown(sizeScale)
	if !qty.IsPositive() ||
		qty.LessThan(vBuy.MinQuantity(opp.Symbol)) ||
		qty.LessThan(vSell.MinQuantity(opp.Symbol)) {
		return false, types.ReasonSpreadCollapsed, "remaining depth below the minimum order size"
	}

	one := decimal.NewFromInt(1)
	netQuote := qty.Mul(b.Mul(one.Sub(opp.SellFeeRate)).Sub(a.Mul(one.Add(opp.BuyFeeRate))))
	netRef := e.refAmount(opp, netQuote)
	if !netRef.GreaterThan(e.tcfg.MinProfitReference) {
		return false, types.ReasonSpreadCollapsed,
			"revalidated net profit " + netRef.String() + " below " + e.tcfg.MinProfitReference.String()
	}

	opp.BuyPrice = a
	opp.SellPrice = b
	opp.Quantity = qty
	opp.NetProfitQuote = netQuote
	opp.NetProfitRef = netRef
	opp.BuySnapshotAt = buyBook.FetchedAt
	opp.SellSnapshotAt = sellBook.FetchedAt
	return true, "", ""
}

func (e *Executor) fetchTop(ctx context.Context, v venue.Venue, opp *types.Opportunity) (*types.OrderBookSnapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.NetTimeout())
	defer cancel()
	snap, err := v.FetchOrderBook(cctx, opp.Symbol, 1)
	e.gate.RecordResult(v.Name(), err)
	return snap, err
}

// adviseLeg asks the advisor whether to post-only this leg. Any advisor
// failure defaults to taker; a maker request on a venue without post-only
// support is downgraded and recorded.
func (e *Executor) adviseLeg(ctx context.Context, report *types.ExecReport, v venue.Venue, side types.Side) bool {
	if e.adv == nil {
		return false
	}
	opp := report.Opportunity
	features := legFeatures(&opp, side)

	advice, err := e.adv.AdviseMaker(ctx, features)
	if err != nil {
		e.met.AdvisorFailed()
		e.logger.Warn("advisor failed, leg defaults to taker",
			"execution", report.ID, "venue", v.Name(), "side", side, "error", err)
		return false
	}

	e.jrnl.RecordFeatures(context.WithoutCancel(ctx), &types.FeatureRecord{
		ID:          uuid.NewString(),
		ExecutionID: report.ID,
		Venue:       v.Name(),
		Symbol:      opp.Symbol.String(),
		Side:        side,
		Features:    features,
		CreatedAt:   time.Now(),
	})

	if !advice.UseMaker {
		return false
	}
	if !v.SupportsPostOnly() {
		e.met.MakerDowngraded(v.Name())
		report.MakerDowngraded = append(report.MakerDowngraded, v.Name())
		e.logger.Info("post-only downgraded to taker",
			"execution", report.ID, "venue", v.Name(), "side", side)
		return false
	}
	return true
}

// legFeatures extracts the advisor inputs for one leg. Floats are fine
// here: features feed inference and logging, never order sizing.
func legFeatures(opp *types.Opportunity, side types.Side) types.FeatureVector {
	now := time.Now()
	spread, _ := opp.GrossSpreadPct.Float64()
	qty, _ := opp.Quantity.Float64()
	price, _ := opp.BuyPrice.Float64()
	if side == types.SELL {
		price, _ = opp.SellPrice.Float64()
	}
	isBuy := 0.0
	if side == types.BUY {
		isBuy = 1.0
	}
	return types.FeatureVector{
		"gross_spread_pct":     spread,
		"quantity":             qty,
		"price":                price,
		"is_buy":               isBuy,
		"buy_snapshot_age_ms":  float64(now.Sub(opp.BuySnapshotAt).Milliseconds()),
		"sell_snapshot_age_ms": float64(now.Sub(opp.SellSnapshotAt).Milliseconds()),
	}
}

type legResult struct {
	order *types.Order
	err   error
}

// placeLeg submits one order on its own goroutine. Transport-level retry
// lives in the venue client; business rejections surface immediately.
func (e *Executor) placeLeg(ctx context.Context, v venue.Venue, req types.OrderRequest) <-chan legResult {
	out := make(chan legResult, 1)
	go func() {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.NetTimeout())
		defer cancel()

		start := time.Now()
		order, err := v.PlaceOrder(cctx, req)
		e.gate.RecordResult(v.Name(), err)
		if err == nil {
			e.met.LegPlaced(v.Name(), string(req.Side), time.Since(start))
		}
		out <- legResult{order: order, err: err}
	}()
	return out
}

// pollToTerminal polls both orders until both are terminal, the deadline
// elapses, or the caller cancels.
func (e *Executor) pollToTerminal(execCtx, callerCtx context.Context, vBuy, vSell venue.Venue, report *types.ExecReport) (timedOut, cancelled bool) {
	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()

	for {
		if report.BuyOrder.Status.IsTerminal() && report.SellOrder.Status.IsTerminal() {
			return false, false
		}
		select {
		case <-execCtx.Done():
			return callerCtx.Err() == nil, callerCtx.Err() != nil
		case <-ticker.C:
			e.pollLeg(execCtx, vBuy, report.BuyOrder)
			e.pollLeg(execCtx, vSell, report.SellOrder)
		}
	}
}

// pollLeg refreshes one order's state. Terminal orders are left alone and
// a poll can only move the order forward: filled quantity never shrinks.
func (e *Executor) pollLeg(ctx context.Context, v venue.Venue, order *types.Order) {
	if order == nil || order.Status.IsTerminal() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.NetTimeout())
	defer cancel()

	current, err := v.GetOrder(cctx, order.ID, order.Symbol)
	e.gate.RecordResult(v.Name(), err)
	if err != nil {
		e.logger.Warn("order poll failed", "venue", v.Name(), "id", order.ID, "error", err)
		return
	}
	applyUpdate(order, current)
}

// applyUpdate merges a polled state into the tracked order, enforcing
// status monotonicity.
func applyUpdate(order, current *types.Order) {
	if order.Status.IsTerminal() || current == nil {
		return
	}
	if current.Status != types.StatusUnknown {
		order.Status = current.Status
	}
	if current.FilledQty.GreaterThan(order.FilledQty) {
		order.FilledQty = current.FilledQty
	}
	if current.AvgPrice.IsPositive() {
		order.AvgPrice = current.AvgPrice
	}
	if current.Fee.IsPositive() {
		order.Fee = current.Fee
	}
	order.UpdatedAt = time.Now()
}

// cancelAndSettle cancels an order and reads its final state. Cancels are
// retried until the venue reports the order absent or a non-retryable
// answer arrives; a cancel that finds the order already terminal is a
// success. Runs on a context detached from the caller so teardown still
// works after cancellation.
func (e *Executor) cancelAndSettle(ctx context.Context, v venue.Venue, order *types.Order) {
	if order == nil || order.ID == "" || order.Status.IsTerminal() {
		return
	}
	base := context.WithoutCancel(ctx)

	delay := cancelBackoff
	for attempt := 0; ; attempt++ {
		cctx, cancel := context.WithTimeout(base, e.cfg.NetTimeout())
		err := v.CancelOrder(cctx, order.ID, order.Symbol)
		cancel()
		e.gate.RecordResult(v.Name(), err)

		if err == nil || venue.IsNotFound(err) {
			break
		}
		if !venue.IsRetryable(err) || attempt >= e.tcfg.MaxRetries {
			e.logger.Error("cancel failed", "venue", v.Name(), "id", order.ID, "error", err)
			break
		}
		time.Sleep(delay)
		delay *= 2
	}

	// Final read: the cancel may have raced a fill.
	cctx, cancel := context.WithTimeout(base, e.cfg.NetTimeout())
	current, err := v.GetOrder(cctx, order.ID, order.Symbol)
	cancel()
	e.gate.RecordResult(v.Name(), err)
	if err == nil {
		applyUpdate(order, current)
	}
	if !order.Status.IsTerminal() {
		order.Status = types.StatusCancelled
		order.UpdatedAt = time.Now()
	}
}

// reconcile computes the matched quantity, realised profit and residual
// exposure from the final order states.
func (e *Executor) reconcile(report *types.ExecReport) {
	opp := report.Opportunity
	filledBuy := filledQty(report.BuyOrder)
	filledSell := filledQty(report.SellOrder)

	matched := decimal.Min(filledBuy, filledSell)
	report.MatchedQty = matched

	if matched.IsPositive() {
		avgBuy := fillPrice(report.BuyOrder, opp.BuyPrice)
		avgSell := fillPrice(report.SellOrder, opp.SellPrice)
		fees := observedFee(report.BuyOrder, matched.Mul(avgBuy).Mul(opp.BuyFeeRate)).
			Add(observedFee(report.SellOrder, matched.Mul(avgSell).Mul(opp.SellFeeRate)))
		report.RealizedProfit = matched.Mul(avgSell.Sub(avgBuy)).Sub(fees)
	}

	diff := filledBuy.Sub(filledSell)
	if diff.IsZero() {
		return
	}
	report.ExposureQty = diff.Abs()
	report.ExposureCurrency = opp.Symbol.Base
	if diff.IsPositive() {
		report.ExposureSide = types.BUY
	} else {
		report.ExposureSide = types.SELL
	}
}

// finish stamps the report, journals the outcome and feeds the risk
// ledger. Journaling failures are swallowed inside the journal.
func (e *Executor) finish(ctx context.Context, report types.ExecReport, result types.ExecResult, reason types.Reason, detail string) types.ExecReport {
	report.Result = result
	report.Reason = reason
	report.FinishedAt = time.Now()

	jctx := context.WithoutCancel(ctx)
	if report.BuyOrder != nil {
		e.jrnl.RecordOrder(jctx, report.BuyOrder)
	}
	if report.SellOrder != nil {
		e.jrnl.RecordOrder(jctx, report.SellOrder)
	}
	// A trade record exists for every execution that reached placement.
	// Pre-placement rejections never produced a leg, so there is nothing
	// to reconcile or journal as a trade.
	if result != types.ExecRejected {
		e.jrnl.RecordTrade(jctx, tradeRecord(&report))
	}

	e.gate.RecordExecution(&report)
	e.met.ExecutionDone(string(result), report.FinishedAt.Sub(report.StartedAt))

	logAttrs := []any{
		"execution", report.ID,
		"symbol", report.Opportunity.Symbol,
		"buy_venue", report.Opportunity.BuyVenue,
		"sell_venue", report.Opportunity.SellVenue,
		"result", result,
		"matched_qty", report.MatchedQty,
	}
	switch result {
	case types.ExecSuccess:
		e.logger.Info("execution succeeded", append(logAttrs, "realized_profit", report.RealizedProfit)...)
	case types.ExecRejected:
		e.logger.Info("execution rejected", append(logAttrs, "reason", reason, "detail", detail)...)
	default:
		e.logger.Warn("execution did not complete cleanly",
			append(logAttrs, "reason", reason, "detail", detail,
				"exposure_qty", report.ExposureQty, "exposure_side", report.ExposureSide)...)
	}
	return report
}

func tradeRecord(report *types.ExecReport) *types.TradeRecord {
	opp := report.Opportunity
	rec := &types.TradeRecord{
		ID:             uuid.NewString(),
		ExecutionID:    report.ID,
		Symbol:         opp.Symbol.String(),
		BuyVenue:       opp.BuyVenue,
		SellVenue:      opp.SellVenue,
		BuyPrice:       fillPrice(report.BuyOrder, opp.BuyPrice),
		SellPrice:      fillPrice(report.SellOrder, opp.SellPrice),
		MatchedQty:     report.MatchedQty,
		ExpectedProfit: opp.NetProfitQuote,
		RealizedProfit: report.RealizedProfit,
		Result:         report.Result,
		Reason:         report.Reason,
		ExposureQty:    report.ExposureQty,
		ExposureSide:   report.ExposureSide,
		CreatedAt:      time.Now(),
	}
	if report.BuyOrder != nil {
		rec.BuyOrderID = report.BuyOrder.ID
	}
	if report.SellOrder != nil {
		rec.SellOrderID = report.SellOrder.ID
	}
	if report.ExposureQty.IsPositive() {
		rec.ExposureCurrency = report.ExposureCurrency
	}
	return rec
}

// refAmount converts a quote amount into reference units. Mirrors the
// detector's rate handling: the rates the opportunity was scored with are
// carried on the opportunity itself.
func (e *Executor) refAmount(opp *types.Opportunity, amount decimal.Decimal) decimal.Decimal {
	if opp.Unconverted || !opp.NetProfitQuote.IsPositive() || !opp.NetProfitRef.IsPositive() {
		return amount
	}
	// Reuse the detection-time conversion rate implied by the scored pair.
	return amount.Mul(opp.NetProfitRef).Div(opp.NetProfitQuote)
}

func filledQty(order *types.Order) decimal.Decimal {
	if order == nil {
		return decimal.Decimal{}
	}
	return order.FilledQty
}

func fillPrice(order *types.Order, fallback decimal.Decimal) decimal.Decimal {
	if order == nil {
		return fallback
	}
	if order.AvgPrice.IsPositive() {
		return order.AvgPrice
	}
	if order.Price.IsPositive() {
		return order.Price
	}
	return fallback
}

func observedFee(order *types.Order, estimate decimal.Decimal) decimal.Decimal {
	if order != nil && order.Fee.IsPositive() {
		return order.Fee
	}
	return estimate
}
