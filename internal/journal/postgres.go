package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// Postgres appends records to the orders, trades and features tables.
// Write errors are logged and counted, never returned to the caller.
type Postgres struct {
	db        *sql.DB
	simulated bool
	met       *metrics.Metrics
	logger    *slog.Logger
}

// NewPostgres opens the database, verifies connectivity and ensures the
// schema exists.
func NewPostgres(dsn string, simulated bool, met *metrics.Metrics, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	pg := newPostgresWithDB(db, simulated, met, logger)
	if err := pg.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return pg, nil
}

// newPostgresWithDB wires an existing handle; tests inject sqlmock here.
func newPostgresWithDB(db *sql.DB, simulated bool, met *metrics.Metrics, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:        db,
		simulated: simulated,
		met:       met,
		logger:    logger.With("component", "journal"),
	}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			venue            TEXT        NOT NULL,
			venue_order_id   TEXT        NOT NULL,
			symbol           TEXT        NOT NULL,
			side             TEXT        NOT NULL,
			order_type       TEXT        NOT NULL,
			quantity         NUMERIC     NOT NULL,
			price            NUMERIC     NOT NULL,
			post_only        BOOLEAN     NOT NULL,
			status           TEXT        NOT NULL,
			filled_qty       NUMERIC     NOT NULL,
			avg_price        NUMERIC     NOT NULL,
			fee              NUMERIC     NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id                TEXT        PRIMARY KEY,
			execution_id      TEXT        NOT NULL,
			symbol            TEXT        NOT NULL,
			buy_venue         TEXT        NOT NULL,
			sell_venue        TEXT        NOT NULL,
			buy_order_id      TEXT        NOT NULL,
			sell_order_id     TEXT        NOT NULL,
			buy_price         NUMERIC     NOT NULL,
			sell_price        NUMERIC     NOT NULL,
			matched_qty       NUMERIC     NOT NULL,
			expected_profit   NUMERIC     NOT NULL,
			realized_profit   NUMERIC     NOT NULL,
			result            TEXT        NOT NULL,
			reason            TEXT        NOT NULL,
			exposure_qty      NUMERIC     NOT NULL,
			exposure_currency TEXT        NOT NULL,
			exposure_side     TEXT        NOT NULL,
			simulated         BOOLEAN     NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS features (
			id           TEXT        PRIMARY KEY,
			execution_id TEXT        NOT NULL,
			venue        TEXT        NOT NULL,
			symbol       TEXT        NOT NULL,
			side         TEXT        NOT NULL,
			features     JSONB       NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) RecordOrder(ctx context.Context, order *types.Order) {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO orders (venue, venue_order_id, symbol, side, order_type, quantity,
			price, post_only, status, filled_qty, avg_price, fee, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		order.Venue, order.ID, order.Symbol.String(), string(order.Side),
		string(order.Type), order.Quantity.String(), order.Price.String(),
		order.PostOnly, string(order.Status), order.FilledQty.String(),
		order.AvgPrice.String(), order.Fee.String(), order.CreatedAt, order.UpdatedAt,
	)
	p.swallow("order", err)
}

func (p *Postgres) RecordTrade(ctx context.Context, trade *types.TradeRecord) {
	simulated := trade.Simulated || p.simulated
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trades (id, execution_id, symbol, buy_venue, sell_venue,
			buy_order_id, sell_order_id, buy_price, sell_price, matched_qty,
			expected_profit, realized_profit, result, reason,
			exposure_qty, exposure_currency, exposure_side, simulated, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		trade.ID, trade.ExecutionID, trade.Symbol, trade.BuyVenue, trade.SellVenue,
		trade.BuyOrderID, trade.SellOrderID, trade.BuyPrice.String(), trade.SellPrice.String(),
		trade.MatchedQty.String(), trade.ExpectedProfit.String(), trade.RealizedProfit.String(),
		string(trade.Result), string(trade.Reason),
		trade.ExposureQty.String(), trade.ExposureCurrency, string(trade.ExposureSide),
		simulated, trade.CreatedAt,
	)
	p.swallow("trade", err)
}

func (p *Postgres) RecordFeatures(ctx context.Context, features *types.FeatureRecord) {
	payload, err := json.Marshal(features.Features)
	if err != nil {
		p.swallow("features", err)
		return
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO features (id, execution_id, venue, symbol, side, features, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		features.ID, features.ExecutionID, features.Venue, features.Symbol,
		string(features.Side), payload, features.CreatedAt,
	)
	p.swallow("features", err)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// swallow logs and counts a write failure without propagating it.
func (p *Postgres) swallow(kind string, err error) {
	if err == nil {
		return
	}
	p.met.JournalError(kind)
	p.logger.Warn("journal write failed", "kind", kind, "error", err)
}
