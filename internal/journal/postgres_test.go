package journal

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockJournal(t *testing.T, simulated bool) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newPostgresWithDB(db, simulated, nil, discardLogger()), mock
}

func sampleTrade() *types.TradeRecord {
	return &types.TradeRecord{
		ID:             "rec-1",
		ExecutionID:    "exec-1",
		Symbol:         "BTCUSDT",
		BuyVenue:       "nobitex",
		SellVenue:      "kucoin",
		BuyOrderID:     "101",
		SellOrderID:    "202",
		BuyPrice:       decimal.RequireFromString("65000"),
		SellPrice:      decimal.RequireFromString("65300"),
		MatchedQty:     decimal.RequireFromString("0.5"),
		ExpectedProfit: decimal.RequireFromString("169.67"),
		RealizedProfit: decimal.RequireFromString("84.8"),
		Result:         types.ExecSuccess,
		ExposureQty:    decimal.Zero,
		ExposureSide:   types.BUY,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestRecordTrade(t *testing.T) {
	pg, mock := newMockJournal(t, false)

	mock.ExpectExec(`INSERT INTO trades`).
		WithArgs("rec-1", "exec-1", "BTCUSDT", "nobitex", "kucoin",
			"101", "202", "65000", "65300", "0.5",
			"169.67", "84.8", "SUCCESS", "",
			"0", "", "BUY", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pg.RecordTrade(context.Background(), sampleTrade())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRecordTradePaperModeMarksSimulated(t *testing.T) {
	pg, mock := newMockJournal(t, true)

	mock.ExpectExec(`INSERT INTO trades`).
		WithArgs("rec-1", "exec-1", "BTCUSDT", "nobitex", "kucoin",
			"101", "202", "65000", "65300", "0.5",
			"169.67", "84.8", "SUCCESS", "",
			"0", "", "BUY", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pg.RecordTrade(context.Background(), sampleTrade())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRecordOrder(t *testing.T) {
	pg, mock := newMockJournal(t, false)

	now := time.Now().UTC()
	mock.ExpectExec(`INSERT INTO orders`).
		WithArgs("wallex", "555", "BTCUSDT", "SELL", "LIMIT", "0.25",
			"65300", false, "FILLED", "0.25", "65310", "16.3", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pg.RecordOrder(context.Background(), &types.Order{
		ID:        "555",
		Venue:     "wallex",
		Symbol:    symbol.New("BTC", "USDT"),
		Side:      types.SELL,
		Type:      types.Limit,
		Quantity:  decimal.RequireFromString("0.25"),
		Price:     decimal.RequireFromString("65300"),
		Status:    types.StatusFilled,
		FilledQty: decimal.RequireFromString("0.25"),
		AvgPrice:  decimal.RequireFromString("65310"),
		Fee:       decimal.RequireFromString("16.3"),
		CreatedAt: now,
		UpdatedAt: now,
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRecordFeatures(t *testing.T) {
	pg, mock := newMockJournal(t, false)

	mock.ExpectExec(`INSERT INTO features`).
		WithArgs("f-1", "exec-1", "nobitex", "BTCUSDT", "BUY", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pg.RecordFeatures(context.Background(), &types.FeatureRecord{
		ID:          "f-1",
		ExecutionID: "exec-1",
		Venue:       "nobitex",
		Symbol:      "BTCUSDT",
		Side:        types.BUY,
		Features:    types.FeatureVector{"gross_spread_pct": 0.46},
		CreatedAt:   time.Now().UTC(),
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

// A failed insert is swallowed: RecordTrade must not panic or propagate.
func TestWriteFailureSwallowed(t *testing.T) {
	pg, mock := newMockJournal(t, false)

	mock.ExpectExec(`INSERT INTO trades`).
		WillReturnError(context.DeadlineExceeded)

	pg.RecordTrade(context.Background(), sampleTrade())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestMemorySinkPaperFlag(t *testing.T) {
	t.Parallel()

	m := NewMemory(true)
	m.RecordTrade(context.Background(), sampleTrade())

	trades := m.Trades()
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	if !trades[0].Simulated {
		t.Error("paper memory sink did not mark the trade simulated")
	}
}
