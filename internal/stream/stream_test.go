package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/metrics"
	"crossarb/internal/symbol"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// fakeVenue serves order books from a pluggable fetch func. Trading calls
// are never reached by the stream.
type fakeVenue struct {
	name   string
	quotes []string
	fetch  func(ctx context.Context, sym symbol.Symbol, depth int) (*types.OrderBookSnapshot, error)
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) FetchOrderBook(ctx context.Context, sym symbol.Symbol, depth int) (*types.OrderBookSnapshot, error) {
	return f.fetch(ctx, sym, depth)
}

func (f *fakeVenue) PlaceOrder(context.Context, types.OrderRequest) (*types.Order, error) {
	return nil, venue.ErrReadOnly
}

func (f *fakeVenue) CancelOrder(context.Context, string, symbol.Symbol) error {
	return venue.ErrReadOnly
}

func (f *fakeVenue) GetOrder(context.Context, string, symbol.Symbol) (*types.Order, error) {
	return nil, venue.ErrReadOnly
}

func (f *fakeVenue) OpenOrders(context.Context, *symbol.Symbol) ([]types.Order, error) {
	return nil, venue.ErrReadOnly
}

func (f *fakeVenue) Balance(context.Context, string) (*types.Balance, error) {
	return nil, venue.ErrReadOnly
}

func (f *fakeVenue) MakerFee() decimal.Decimal                 { return decimal.Zero }
func (f *fakeVenue) TakerFee() decimal.Decimal                 { return decimal.Zero }
func (f *fakeVenue) IsAuthenticated() bool                     { return false }
func (f *fakeVenue) SupportsPostOnly() bool                    { return false }
func (f *fakeVenue) MinQuantity(symbol.Symbol) decimal.Decimal { return decimal.Zero }

func (f *fakeVenue) Rendering() symbol.Rendering {
	return symbol.Rendering{Quotes: f.quotes}
}

// recordingSink counts poll outcomes the way the risk manager would.
type recordingSink struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingSink) RecordResult(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		PollingIntervalMS:      20,
		PerVenueConcurrency:    2,
		MaxConsecutiveFailures: 3,
	}
}

func bookAt(venueName string, sym symbol.Symbol, at time.Time) *types.OrderBookSnapshot {
	return &types.OrderBookSnapshot{
		Venue:  venueName,
		Symbol: sym,
		Bids: []types.BookLevel{
			{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)},
		},
		Asks: []types.BookLevel{
			{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(1)},
		},
		FetchedAt: at,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamDeliversInTimestampOrder(t *testing.T) {
	t.Parallel()

	sym := symbol.MustParse("BTCUSDT")
	fake := &fakeVenue{
		name:   "fastcoin",
		quotes: []string{"USDT"},
		fetch: func(_ context.Context, s symbol.Symbol, _ int) (*types.OrderBookSnapshot, error) {
			return bookAt("fastcoin", s, time.Now()), nil
		},
	}

	delivered := make(chan time.Time, 64)
	s := New(
		map[string]venue.Venue{"fastcoin": fake},
		[]symbol.Symbol{sym},
		testStreamConfig(),
		time.Second,
		nil,
		metrics.New(),
		discardLogger(),
	)
	s.Subscribe(func(snap *types.OrderBookSnapshot) {
		delivered <- snap.FetchedAt
	})
	s.Start(context.Background())
	defer s.Stop()

	var stamps []time.Time
	for len(stamps) < 3 {
		select {
		case ts := <-delivered:
			stamps = append(stamps, ts)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d deliveries, want 3", len(stamps))
		}
	}
	for i := 1; i < len(stamps); i++ {
		if !stamps[i].After(stamps[i-1]) {
			t.Errorf("delivery %d timestamp %v not after %v", i, stamps[i], stamps[i-1])
		}
	}

	snap, fresh := s.Latest("fastcoin", sym)
	if snap == nil || !fresh {
		t.Errorf("Latest() = %v, fresh %v, want fresh snapshot", snap, fresh)
	}
}

func TestStreamDropsNonAdvancingSnapshots(t *testing.T) {
	t.Parallel()

	sym := symbol.MustParse("BTCUSDT")
	fixed := time.Now()
	fake := &fakeVenue{
		name:   "frozen",
		quotes: []string{"USDT"},
		fetch: func(_ context.Context, s symbol.Symbol, _ int) (*types.OrderBookSnapshot, error) {
			return bookAt("frozen", s, fixed), nil
		},
	}

	rec := &recordingSink{}
	var delivered atomic.Int32
	s := New(
		map[string]venue.Venue{"frozen": fake},
		[]symbol.Symbol{sym},
		testStreamConfig(),
		time.Second,
		rec,
		nil,
		discardLogger(),
	)
	s.Subscribe(func(*types.OrderBookSnapshot) { delivered.Add(1) })
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, "three polls", func() bool { return rec.count() >= 3 })

	if got := delivered.Load(); got != 1 {
		t.Errorf("deliveries = %d, want 1 (repeat timestamps dropped)", got)
	}
}

func TestStreamStopsAfterFailureBudget(t *testing.T) {
	t.Parallel()

	sym := symbol.MustParse("BTCUSDT")
	fake := &fakeVenue{
		name:   "downcoin",
		quotes: []string{"USDT"},
		fetch: func(context.Context, symbol.Symbol, int) (*types.OrderBookSnapshot, error) {
			return nil, errors.New("connection refused")
		},
	}

	rec := &recordingSink{}
	s := New(
		map[string]venue.Venue{"downcoin": fake},
		[]symbol.Symbol{sym},
		testStreamConfig(),
		time.Second,
		rec,
		nil,
		discardLogger(),
	)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, "pair to stop", func() bool {
		status := s.Status()
		return len(status) == 1 && status[0].State == "STOPPED"
	})

	// The poll goroutine exits with the pair; no further outcomes arrive.
	n := rec.count()
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != n {
		t.Errorf("polls after stop: recorded %d, want %d", got, n)
	}
	if n != 3 {
		t.Errorf("recorded outcomes = %d, want 3 (the failure budget)", n)
	}

	if snap, fresh := s.Latest("downcoin", sym); snap != nil || fresh {
		t.Errorf("Latest() = %v, %v, want nil, false", snap, fresh)
	}
}

func TestStreamRecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	sym := symbol.MustParse("BTCUSDT")
	var calls atomic.Int32
	fake := &fakeVenue{
		name:   "flaky",
		quotes: []string{"USDT"},
		fetch: func(_ context.Context, s symbol.Symbol, _ int) (*types.OrderBookSnapshot, error) {
			if calls.Add(1) <= 2 {
				return nil, errors.New("read timeout")
			}
			return bookAt("flaky", s, time.Now()), nil
		},
	}

	cfg := testStreamConfig()
	cfg.MaxConsecutiveFailures = 5
	s := New(
		map[string]venue.Venue{"flaky": fake},
		[]symbol.Symbol{sym},
		cfg,
		time.Second,
		nil,
		nil,
		discardLogger(),
	)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, "fresh snapshot", func() bool {
		_, fresh := s.Latest("flaky", sym)
		return fresh
	})

	status := s.Status()
	if len(status) != 1 {
		t.Fatalf("status length = %d, want 1", len(status))
	}
	if status[0].Failures != 0 {
		t.Errorf("failures = %d, want 0 after recovery", status[0].Failures)
	}
}

func TestStreamSkipsUnlistedQuotes(t *testing.T) {
	t.Parallel()

	fetchNothing := func(context.Context, symbol.Symbol, int) (*types.OrderBookSnapshot, error) {
		return nil, errors.New("not expected to poll")
	}
	irtVenue := &fakeVenue{name: "rialex", quotes: []string{"IRT"}, fetch: fetchNothing}
	usdtVenue := &fakeVenue{name: "dollarex", quotes: []string{"USDT"}, fetch: fetchNothing}

	s := New(
		map[string]venue.Venue{"rialex": irtVenue, "dollarex": usdtVenue},
		[]symbol.Symbol{symbol.MustParse("BTCIRT"), symbol.MustParse("BTCUSDT")},
		testStreamConfig(),
		time.Second,
		nil,
		nil,
		discardLogger(),
	)

	status := s.Status()
	if len(status) != 2 {
		t.Fatalf("pairs = %d, want 2 (one per venue)", len(status))
	}
	if status[0].Venue != "dollarex" || status[0].Symbol != "BTCUSDT" {
		t.Errorf("status[0] = %s/%s, want dollarex/BTCUSDT", status[0].Venue, status[0].Symbol)
	}
	if status[1].Venue != "rialex" || status[1].Symbol != "BTCIRT" {
		t.Errorf("status[1] = %s/%s, want rialex/BTCIRT", status[1].Venue, status[1].Symbol)
	}
}
