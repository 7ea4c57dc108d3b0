// Package journal persists orders, trades and advisor features.
//
// All sinks are append-only and best-effort: a failed write is logged and
// counted, never surfaced to the executor, so persistence trouble cannot
// change a trade outcome. The sink mode is a journal concern only — the
// detection and execution pipeline never branches on it:
//
//	live     rows written as produced
//	paper    rows written with the simulated flag set
//	dry-run  rows logged, nothing written
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"crossarb/internal/config"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// Journal is the write-through surface the executor and engine use.
// Implementations swallow their own errors.
type Journal interface {
	RecordOrder(ctx context.Context, order *types.Order)
	RecordTrade(ctx context.Context, trade *types.TradeRecord)
	RecordFeatures(ctx context.Context, features *types.FeatureRecord)
	Close() error
}

// New selects a sink from config: dry-run logs only, an empty DSN keeps
// records in memory, anything else opens Postgres.
func New(cfg config.JournalConfig, met *metrics.Metrics, logger *slog.Logger) (Journal, error) {
	switch {
	case cfg.Mode == "dry-run":
		return NewDryRun(logger), nil
	case cfg.DSN == "":
		return NewMemory(cfg.Mode == "paper"), nil
	default:
		pg, err := NewPostgres(cfg.DSN, cfg.Mode == "paper", met, logger)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		return pg, nil
	}
}

// DryRun logs every record and writes nothing.
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun builds the logging-only sink.
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger.With("component", "journal", "mode", "dry-run")}
}

func (d *DryRun) RecordOrder(_ context.Context, order *types.Order) {
	d.logger.Info("order",
		"venue", order.Venue,
		"id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"status", order.Status,
		"filled", order.FilledQty,
	)
}

func (d *DryRun) RecordTrade(_ context.Context, trade *types.TradeRecord) {
	d.logger.Info("trade",
		"execution", trade.ExecutionID,
		"symbol", trade.Symbol,
		"result", trade.Result,
		"matched_qty", trade.MatchedQty,
		"realized_profit", trade.RealizedProfit,
	)
}

func (d *DryRun) RecordFeatures(_ context.Context, features *types.FeatureRecord) {
	d.logger.Debug("features",
		"execution", features.ExecutionID,
		"venue", features.Venue,
		"side", features.Side,
	)
}

func (d *DryRun) Close() error { return nil }

// memoryCap bounds each in-memory record list; older entries fall off.
const memoryCap = 512

// Memory keeps the most recent records in RAM. It backs the monitor's
// recent-trade view and tests.
type Memory struct {
	simulated bool

	mu       sync.Mutex
	orders   []types.Order
	trades   []types.TradeRecord
	features []types.FeatureRecord
}

// NewMemory builds the in-memory sink. simulated marks every trade the way
// the paper Postgres sink would.
func NewMemory(simulated bool) *Memory {
	return &Memory{simulated: simulated}
}

func (m *Memory) RecordOrder(_ context.Context, order *types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = appendCapped(m.orders, *order)
}

func (m *Memory) RecordTrade(_ context.Context, trade *types.TradeRecord) {
	row := *trade
	if m.simulated {
		row.Simulated = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = appendCapped(m.trades, row)
}

func (m *Memory) RecordFeatures(_ context.Context, features *types.FeatureRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = appendCapped(m.features, *features)
}

func (m *Memory) Close() error { return nil }

// Trades returns the recorded trades, oldest first.
func (m *Memory) Trades() []types.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TradeRecord, len(m.trades))
	copy(out, m.trades)
	return out
}

// Orders returns the recorded orders, oldest first.
func (m *Memory) Orders() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Order, len(m.orders))
	copy(out, m.orders)
	return out
}

// Features returns the recorded feature rows, oldest first.
func (m *Memory) Features() []types.FeatureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.FeatureRecord, len(m.features))
	copy(out, m.features)
	return out
}

func appendCapped[T any](list []T, item T) []T {
	list = append(list, item)
	if len(list) > memoryCap {
		list = list[len(list)-memoryCap:]
	}
	return list
}
