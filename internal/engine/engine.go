// Package engine is the central orchestrator of the arbitrage system.
//
// It wires together all subsystems:
//
//  1. Venue adapters are built from config (disabled venues are skipped).
//  2. Stream polls order books and feeds the risk manager's breakers.
//  3. Each accepted snapshot triggers a debounced detector scan.
//  4. The best opportunity per market goes to a bounded execution pool,
//     skipping markets with an execution already in flight.
//  5. Every terminal execution lands in the journal and the risk ledger.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/advisor"
	"crossarb/internal/config"
	"crossarb/internal/detector"
	"crossarb/internal/executor"
	"crossarb/internal/journal"
	"crossarb/internal/metrics"
	"crossarb/internal/risk"
	"crossarb/internal/store"
	"crossarb/internal/stream"
	"crossarb/internal/symbol"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	// scanDebounce coalesces the burst of snapshot callbacks that a poll
	// round produces into one detector pass.
	scanDebounce = 200 * time.Millisecond

	// executionWorkers bounds how many executions run concurrently. Two
	// is enough: each execution already drives two venues in parallel.
	executionWorkers = 2

	// balanceRefreshInterval is how often authenticated venue balances
	// are re-read for the risk manager's balance checks.
	balanceRefreshInterval = 30 * time.Second

	// recentKeep is the ring size for the monitor's recent opportunity
	// and execution lists.
	recentKeep = 32

	// stopDrain bounds how long Stop waits for in-flight executions.
	stopDrain = 45 * time.Second
)

// Event is one item on the monitor's live feed.
type Event struct {
	Type      string    `json:"type"` // opportunity | execution | kill
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Snapshot is the monitor's one-shot view of engine state.
type Snapshot struct {
	GeneratedAt         time.Time           `json:"generated_at"`
	Pairs               []stream.PairStatus `json:"pairs"`
	Risk                risk.Status         `json:"risk"`
	InflightExecutions  int                 `json:"inflight_executions"`
	RecentOpportunities []types.Opportunity `json:"recent_opportunities"`
	RecentExecutions    []executionSummary  `json:"recent_executions"`
	Venues              []venueStatus       `json:"venues"`
}

type venueStatus struct {
	Name          string `json:"name"`
	Authenticated bool   `json:"authenticated"`
}

// executionSummary is the monitor row for one finished execution. The full
// report carries order pointers the JSON feed does not need.
type executionSummary struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	BuyVenue       string    `json:"buy_venue"`
	SellVenue      string    `json:"sell_venue"`
	Result         string    `json:"result"`
	Reason         string    `json:"reason,omitempty"`
	MatchedQty     string    `json:"matched_qty"`
	RealizedProfit string    `json:"realized_profit"`
	ExposureQty    string    `json:"exposure_qty"`
	FinishedAt     time.Time `json:"finished_at"`
}

func summarize(report types.ExecReport) executionSummary {
	return executionSummary{
		ID:             report.ID,
		Symbol:         report.Opportunity.Symbol.String(),
		BuyVenue:       report.Opportunity.BuyVenue,
		SellVenue:      report.Opportunity.SellVenue,
		Result:         string(report.Result),
		Reason:         string(report.Reason),
		MatchedQty:     report.MatchedQty.String(),
		RealizedProfit: report.RealizedProfit.String(),
		ExposureQty:    report.ExposureQty.String(),
		FinishedAt:     report.FinishedAt,
	}
}

// Engine owns the lifecycle of all goroutines and manages the scan and
// execute pipeline.
type Engine struct {
	cfg     *config.Config
	venues  map[string]venue.Venue
	symbols []symbol.Symbol
	st      *store.Store
	jrnl    journal.Journal
	riskMgr *risk.Manager
	strm    *stream.Stream
	det     *detector.Detector
	exec    *executor.Executor
	met     *metrics.Metrics
	logger  *slog.Logger

	// scanCh coalesces snapshot callbacks: capacity one, non-blocking send.
	scanCh  chan struct{}
	events  chan Event
	workers chan struct{}

	mu          sync.Mutex
	inflight    map[string]struct{} // market key -> executing
	recentOpps  []types.Opportunity
	recentExecs []executionSummary

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	met := metrics.New()

	venues := make(map[string]venue.Venue)
	opts := venue.ClientOptions{
		Timeout:    cfg.Executor.NetTimeout(),
		MaxRetries: cfg.Trading.MaxRetries,
	}
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		v, err := venue.New(name, vc, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		venues[name] = v
	}
	if len(venues) < 2 {
		return nil, fmt.Errorf("need at least two enabled venues, have %d", len(venues))
	}

	symbols := make([]symbol.Symbol, 0, len(cfg.Trading.Symbols))
	for _, text := range cfg.Trading.Symbols {
		sym, err := symbol.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("trading symbol %q: %w", text, err)
		}
		symbols = append(symbols, sym)
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	jrnl, err := journal.New(cfg.Journal, met, logger)
	if err != nil {
		return nil, err
	}

	venueNames := make([]string, 0, len(venues))
	for name := range venues {
		venueNames = append(venueNames, name)
	}
	riskMgr := risk.NewManager(cfg.Trading, cfg.Breakers, venueNames, cfg.Rates, st, met, logger)

	var adv advisor.Advisor = advisor.Noop{}
	if cfg.Advisor.Enabled {
		adv = advisor.NewHTTP(cfg.Advisor, logger)
	}

	strm := stream.New(venues, symbols, cfg.Stream, cfg.Trading.MaxSnapshotAge(), riskMgr, met, logger)
	det := detector.New(cfg.Trading, venues, cfg.Rates, met, logger)
	exec := executor.New(cfg.Executor, cfg.Trading, venues, riskMgr, adv, jrnl, met, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		venues:   venues,
		symbols:  symbols,
		st:       st,
		jrnl:     jrnl,
		riskMgr:  riskMgr,
		strm:     strm,
		det:      det,
		exec:     exec,
		met:      met,
		logger:   logger.With("component", "engine"),
		scanCh:   make(chan struct{}, 1),
		events:   make(chan Event, 100),
		workers:  make(chan struct{}, executionWorkers),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start recovers leftover orders, launches the stream and the scan loop.
func (e *Engine) Start() error {
	e.recoverOpenOrders()
	e.refreshBalances()

	e.strm.Subscribe(func(snap *types.OrderBookSnapshot) {
		e.riskMgr.ObserveSnapshot(snap)
		select {
		case e.scanCh <- struct{}{}:
		default:
		}
	})
	e.strm.Start(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.balanceLoop()
	}()

	e.logger.Info("engine started",
		"venues", len(e.venues),
		"symbols", len(e.symbols),
	)
	return nil
}

// Stop cancels everything, drains the stream and waits for in-flight
// executions, bounded by stopDrain.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.strm.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopDrain):
		e.logger.Warn("shutdown drain timed out", "inflight", e.exec.Inflight())
	}

	if err := e.jrnl.Close(); err != nil {
		e.logger.Error("journal close failed", "error", err)
	}
	e.st.Close()
	e.logger.Info("shutdown complete")
}

// recoverOpenOrders cancels orders left behind by a previous run. Trading
// must not start on top of unknown live orders.
func (e *Engine) recoverOpenOrders() {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Executor.TotalDeadline())
	defer cancel()

	for name, v := range e.venues {
		if !v.IsAuthenticated() {
			continue
		}
		orders, err := v.OpenOrders(ctx, nil)
		if err != nil {
			e.logger.Warn("open order recovery failed", "venue", name, "error", err)
			continue
		}
		for _, order := range orders {
			if err := v.CancelOrder(ctx, order.ID, order.Symbol); err != nil && !venue.IsNotFound(err) {
				e.logger.Error("leftover order cancel failed",
					"venue", name, "order_id", order.ID, "error", err)
				continue
			}
			e.met.OrderRecovered(name)
			e.logger.Warn("leftover order cancelled",
				"venue", name, "order_id", order.ID, "symbol", order.Symbol)
		}
	}
}

// refreshBalances reads every authenticated venue's balances for the
// currencies the configured symbols touch. Failures keep the previous
// figure; a venue that cannot report a currency is simply skipped.
func (e *Engine) refreshBalances() {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Executor.NetTimeout())
	defer cancel()

	currencies := make(map[string]struct{})
	for _, sym := range e.symbols {
		currencies[sym.Base] = struct{}{}
		currencies[sym.Quote] = struct{}{}
	}

	for name, v := range e.venues {
		if !v.IsAuthenticated() {
			continue
		}
		for cur := range currencies {
			bal, err := v.Balance(ctx, cur)
			if err != nil {
				e.logger.Debug("balance read failed", "venue", name, "currency", cur, "error", err)
				continue
			}
			e.riskMgr.UpdateBalance(name, bal.Currency, bal.Available)
		}
	}
}

func (e *Engine) balanceLoop() {
	ticker := time.NewTicker(balanceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.refreshBalances()
		}
	}
}

// scanLoop waits for a snapshot trigger, lets the rest of the poll round
// land, then runs one detector pass.
func (e *Engine) scanLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.scanCh:
		}

		timer := time.NewTimer(scanDebounce)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		e.scan()
	}
}

// scan runs detection over the cached snapshots and dispatches the best
// opportunity per market to the worker pool.
func (e *Engine) scan() {
	opps := e.det.Scan(e.strm.Snapshots())
	if len(opps) == 0 {
		return
	}

	// Results are ranked best first, so the first hit per market wins.
	seen := make(map[string]struct{})
	for _, opp := range opps {
		key := marketKey(opp.Symbol)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		e.recordOpportunity(opp)
		e.emit(Event{Type: "opportunity", Timestamp: time.Now(), Data: opp})
		e.dispatch(key, opp)
	}
}

// dispatch hands the opportunity to a worker unless its market is already
// executing or the pool is full. Both cases drop the opportunity: the next
// scan will find it again if it survives.
func (e *Engine) dispatch(key string, opp types.Opportunity) {
	e.mu.Lock()
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		return
	}
	select {
	case e.workers <- struct{}{}:
	default:
		e.mu.Unlock()
		e.logger.Debug("worker pool full, opportunity dropped", "opportunity", opp.ID)
		return
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, key)
			e.mu.Unlock()
			<-e.workers
		}()

		report := e.exec.Execute(e.ctx, opp)
		e.recordExecution(report)
		e.emit(Event{Type: "execution", Timestamp: time.Now(), Data: summarize(report)})
		if e.riskMgr.KillSwitchActive() {
			e.emit(Event{Type: "kill", Timestamp: time.Now(), Data: e.riskMgr.Status()})
		}
	}()
}

func (e *Engine) recordOpportunity(opp types.Opportunity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentOpps = append(e.recentOpps, opp)
	if len(e.recentOpps) > recentKeep {
		e.recentOpps = e.recentOpps[len(e.recentOpps)-recentKeep:]
	}
}

func (e *Engine) recordExecution(report types.ExecReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentExecs = append(e.recentExecs, summarize(report))
	if len(e.recentExecs) > recentKeep {
		e.recentExecs = e.recentExecs[len(e.recentExecs)-recentKeep:]
	}
}

// Events returns the monitor's live feed channel.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// emit sends an event to the monitor feed, dropping it when the feed
// cannot keep up.
func (e *Engine) emit(evt Event) {
	select {
	case e.events <- evt:
	default:
	}
}

// Snapshot assembles the monitor's one-shot state view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	opps := make([]types.Opportunity, len(e.recentOpps))
	copy(opps, e.recentOpps)
	execs := make([]executionSummary, len(e.recentExecs))
	copy(execs, e.recentExecs)
	e.mu.Unlock()

	venues := make([]venueStatus, 0, len(e.venues))
	for name, v := range e.venues {
		venues = append(venues, venueStatus{Name: name, Authenticated: v.IsAuthenticated()})
	}

	return Snapshot{
		GeneratedAt:         time.Now(),
		Pairs:               e.strm.Status(),
		Risk:                e.riskMgr.Status(),
		InflightExecutions:  e.exec.Inflight(),
		RecentOpportunities: opps,
		RecentExecutions:    execs,
		Venues:              venues,
	}
}

// Metrics exposes the engine's registry for the monitor's /metrics route.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.met
}

// marketKey collapses quote-family aliases so IRT and TMN listings of one
// base share an in-flight slot.
func marketKey(s symbol.Symbol) string {
	return s.Base + "/" + string(symbol.QuoteFamily(s.Quote))
}
