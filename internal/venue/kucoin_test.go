package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

func TestKucoinFetchOrderBookPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Depth 30 snaps up to the 100-level endpoint.
		if r.URL.Path != "/api/v1/market/orderbook/level2_100" {
			t.Errorf("path = %q, want /api/v1/market/orderbook/level2_100", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTC-USDT" {
			t.Errorf("symbol = %q, want BTC-USDT", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":"200000","data":{"bids":[["64000","0.5"]],"asks":[["64100","0.2"]]}}`)
	}))
	defer srv.Close()

	v := testVenue(t, "kucoin", srv.URL, config.VenueConfig{})
	book, err := v.FetchOrderBook(context.Background(), symbol.MustParse("BTCUSDT"), 30)
	if err != nil {
		t.Fatalf("FetchOrderBook() error = %v", err)
	}
	bid, ok := book.BestBid()
	if !ok || bid.Price.String() != "64000" {
		t.Errorf("best bid = %+v, want 64000", bid)
	}
}

func TestKucoinPlaceOrderSigned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}

		ts := r.Header.Get("KC-API-TIMESTAMP")
		if ts == "" {
			t.Error("missing KC-API-TIMESTAMP")
		}
		wantSig := hmacBase64SHA256("sec", ts+"POST"+"/api/v1/orders"+string(body))
		if got := r.Header.Get("KC-API-SIGN"); got != wantSig {
			t.Errorf("KC-API-SIGN = %q, want %q", got, wantSig)
		}
		if got, want := r.Header.Get("KC-API-PASSPHRASE"), hmacBase64SHA256("sec", "pass"); got != want {
			t.Errorf("KC-API-PASSPHRASE = %q, want %q", got, want)
		}
		if got := r.Header.Get("KC-API-KEY-VERSION"); got != "2" {
			t.Errorf("KC-API-KEY-VERSION = %q, want 2", got)
		}

		var payload map[string]string
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if payload["clientOid"] == "" {
			t.Error("clientOid must be set")
		}
		if payload["side"] != "buy" || payload["type"] != "limit" {
			t.Errorf("side/type = %s/%s, want buy/limit", payload["side"], payload["type"])
		}
		if payload["symbol"] != "BTC-USDT" || payload["size"] != "0.5" || payload["price"] != "65000" {
			t.Errorf("payload = %v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":"200000","data":{"orderId":"abc123"}}`)
	}))
	defer srv.Close()

	v := testVenue(t, "kucoin", srv.URL, config.VenueConfig{APIKey: "key", APISecret: "sec", Passphrase: "pass"})
	order, err := v.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:   symbol.MustParse("BTCUSDT"),
		Side:     types.BUY,
		Type:     types.Limit,
		Quantity: decimal.RequireFromString("0.5"),
		Price:    decimal.RequireFromString("65000"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if order.ID != "abc123" {
		t.Errorf("order ID = %q, want abc123", order.ID)
	}
}

func TestKucoinGetOrderSignsPathOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders/oid1" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTC-USDT" {
			t.Errorf("symbol = %q, want BTC-USDT", got)
		}
		// The signature excludes the query string.
		ts := r.Header.Get("KC-API-TIMESTAMP")
		wantSig := hmacBase64SHA256("sec", ts+"GET"+r.URL.Path)
		if got := r.Header.Get("KC-API-SIGN"); got != wantSig {
			t.Errorf("KC-API-SIGN = %q, want %q", got, wantSig)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":"200000","data":{"id":"oid1","symbol":"BTC-USDT","side":"buy","type":"limit","size":"1","price":"64000","status":"open","dealSize":"0.5"}}`)
	}))
	defer srv.Close()

	v := testVenue(t, "kucoin", srv.URL, config.VenueConfig{APIKey: "key", APISecret: "sec", Passphrase: "pass"})
	order, err := v.GetOrder(context.Background(), "oid1", symbol.MustParse("BTCUSDT"))
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if order.Status != types.StatusPartiallyFilled {
		t.Errorf("status = %s, want %s", order.Status, types.StatusPartiallyFilled)
	}
	if order.FilledQty.String() != "0.5" {
		t.Errorf("filled = %s, want 0.5", order.FilledQty)
	}
}

func TestKucoinBusinessCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":"400100","msg":"order size below minimum"}`)
	}))
	defer srv.Close()

	v := testVenue(t, "kucoin", srv.URL, config.VenueConfig{})
	_, err := v.FetchOrderBook(context.Background(), symbol.MustParse("BTCUSDT"), 20)
	if err == nil {
		t.Fatal("expected error for non-success code")
	}
	if IsRetryable(err) {
		t.Errorf("business error must not be retryable: %v", err)
	}
}

func TestKucoinBalanceTradeAccount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("KC-API-SIGN") == "" {
			t.Error("accounts request must be signed")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":"200000","data":[{"currency":"USDT","type":"main","available":"10","holds":"0"},{"currency":"USDT","type":"trade","available":"250","holds":"5"}]}`)
	}))
	defer srv.Close()

	v := testVenue(t, "kucoin", srv.URL, config.VenueConfig{APIKey: "key", APISecret: "sec", Passphrase: "pass"})
	b, err := v.Balance(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if b.Available.String() != "250" || b.Locked.String() != "5" {
		t.Errorf("balance = %s/%s, want 250/5 from the trade account", b.Available, b.Locked)
	}
}

func TestKucoinStatusMapping(t *testing.T) {
	t.Parallel()

	boolPtr := func(b bool) *bool { return &b }

	tests := []struct {
		name string
		in   kucoinOrder
		want types.OrderStatus
	}{
		{"open no fills", kucoinOrder{Status: "open"}, types.StatusOpen},
		{"open with fills", kucoinOrder{Status: "open", DealSize: "0.1"}, types.StatusPartiallyFilled},
		{"match", kucoinOrder{Status: "match", DealSize: "0.1"}, types.StatusPartiallyFilled},
		{"done filled", kucoinOrder{Status: "done", DealSize: "1"}, types.StatusFilled},
		{"done cancelled", kucoinOrder{Status: "done", CancelExist: true}, types.StatusCancelled},
		{"cancel", kucoinOrder{Status: "cancel"}, types.StatusCancelled},
		{"flags active", kucoinOrder{IsActive: boolPtr(true)}, types.StatusOpen},
		{"flags done", kucoinOrder{IsActive: boolPtr(false)}, types.StatusFilled},
		{"flags cancelled", kucoinOrder{IsActive: boolPtr(false), CancelExist: true}, types.StatusCancelled},
		{"nothing", kucoinOrder{}, types.StatusUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := kucoinStatus(tt.in); got != tt.want {
				t.Errorf("kucoinStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}
