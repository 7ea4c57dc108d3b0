package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

func TestNobitexFetchOrderBook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/orderbook/BTCIRT" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("User-Agent"); got != browserAgent {
			t.Errorf("User-Agent = %q, want %q", got, browserAgent)
		}
		// Sides deliberately unsorted to prove normalization.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","bids":[["8200000000","0.2"],["8210000000","0.5"]],"asks":[["8230000000","0.1"],["8220000000","0.3"]]}`)
	}))
	defer srv.Close()

	v := testVenue(t, "nobitex", srv.URL, config.VenueConfig{})
	book, err := v.FetchOrderBook(context.Background(), symbol.MustParse("BTCIRT"), 20)
	if err != nil {
		t.Fatalf("FetchOrderBook() error = %v", err)
	}

	bid, ok := book.BestBid()
	if !ok || bid.Price.String() != "8210000000" || bid.Quantity.String() != "0.5" {
		t.Errorf("best bid = %+v, want 8210000000 x 0.5", bid)
	}
	ask, ok := book.BestAsk()
	if !ok || ask.Price.String() != "8220000000" {
		t.Errorf("best ask = %+v, want 8220000000", ask)
	}
	if book.Venue != "nobitex" {
		t.Errorf("venue = %q, want nobitex", book.Venue)
	}
	if book.FetchedAt.IsZero() {
		t.Error("FetchedAt not stamped")
	}
}

func TestNobitexPlaceOrder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/orders/add" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Token tok" {
			t.Errorf("Authorization = %q, want Token tok", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		want := map[string]any{
			"type":      "buy",
			"execution": "maker",
			"amount":    "0.05",
			"symbol":    "BTCIRT",
			"price":     "8200000000",
			"postOnly":  true,
		}
		for k, wv := range want {
			if body[k] != wv {
				t.Errorf("payload[%q] = %v, want %v", k, body[k], wv)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","order":{"id":12345}}`)
	}))
	defer srv.Close()

	v := testVenue(t, "nobitex", srv.URL, config.VenueConfig{Token: "tok"})
	order, err := v.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:   symbol.MustParse("BTCIRT"),
		Side:     types.BUY,
		Type:     types.Limit,
		Quantity: decimal.RequireFromString("0.05"),
		Price:    decimal.RequireFromString("8200000000"),
		PostOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if order.ID != "12345" {
		t.Errorf("order ID = %q, want 12345", order.ID)
	}
	if order.Status != types.StatusPending {
		t.Errorf("status = %s, want %s", order.Status, types.StatusPending)
	}
}

func TestNobitexPlaceOrderInsufficientBalance(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"failed","code":"overValue","message":"insufficient balance"}`)
	}))
	defer srv.Close()

	v := testVenue(t, "nobitex", srv.URL, config.VenueConfig{Token: "tok"})
	_, err := v.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:   symbol.MustParse("BTCIRT"),
		Side:     types.BUY,
		Type:     types.Market,
		Quantity: decimal.RequireFromString("1"),
	})
	if !IsInsufficientBalance(err) {
		t.Errorf("IsInsufficientBalance(%v) = false, want true", err)
	}
	if IsRetryable(err) {
		t.Errorf("business error must not be retryable: %v", err)
	}
}

func TestNobitexPlaceOrderReadOnly(t *testing.T) {
	t.Parallel()

	v := testVenue(t, "nobitex", "http://127.0.0.1:0", config.VenueConfig{})
	_, err := v.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:   symbol.MustParse("BTCIRT"),
		Side:     types.SELL,
		Type:     types.Market,
		Quantity: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("error = %v, want ErrReadOnly", err)
	}
	if !IsAuth(err) {
		t.Errorf("IsAuth(%v) = false, want true", err)
	}
}

func TestNobitexCancelOrderGone(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"status":"failed","message":"Order not found"}`)
	}))
	defer srv.Close()

	v := testVenue(t, "nobitex", srv.URL, config.VenueConfig{Token: "tok"})
	if err := v.CancelOrder(context.Background(), "99", symbol.MustParse("BTCIRT")); err != nil {
		t.Errorf("CancelOrder() on missing order = %v, want nil", err)
	}
}

func TestNobitexGetOrder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/orders/777" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","order":{"id":777,"market":"BTCIRT","type":"sell","orderType":"limit","amount":"0.5","price":"8000","status":"PartiallyMatched","matchedAmount":"0.2","fee":"0.0004"}}`)
	}))
	defer srv.Close()

	v := testVenue(t, "nobitex", srv.URL, config.VenueConfig{Token: "tok"})
	order, err := v.GetOrder(context.Background(), "777", symbol.MustParse("BTCIRT"))
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if order.Side != types.SELL {
		t.Errorf("side = %s, want SELL", order.Side)
	}
	if order.Status != types.StatusPartiallyFilled {
		t.Errorf("status = %s, want %s", order.Status, types.StatusPartiallyFilled)
	}
	if order.FilledQty.String() != "0.2" {
		t.Errorf("filled = %s, want 0.2", order.FilledQty)
	}
	if order.Symbol != symbol.MustParse("BTCIRT") {
		t.Errorf("symbol = %s, want BTCIRT", order.Symbol)
	}
}

func TestNobitexBalance(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/wallets" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","wallets":{"BTC":{"balance":"1.5","blocked":"0.25"},"IRT":{"balance":"900000","blocked":"0"}}}`)
	}))
	defer srv.Close()

	v := testVenue(t, "nobitex", srv.URL, config.VenueConfig{Token: "tok"})
	b, err := v.Balance(context.Background(), "btc")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if b.Available.String() != "1.5" || b.Locked.String() != "0.25" {
		t.Errorf("balance = %s/%s, want 1.5/0.25", b.Available, b.Locked)
	}

	missing, err := v.Balance(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if !missing.Available.IsZero() {
		t.Errorf("missing wallet available = %s, want 0", missing.Available)
	}
}

func TestNobitexStatusMapping(t *testing.T) {
	t.Parallel()

	qty := decimal.RequireFromString("1")
	half := decimal.RequireFromString("0.5")
	zero := decimal.Zero

	tests := []struct {
		status string
		filled decimal.Decimal
		want   types.OrderStatus
	}{
		{"Active", zero, types.StatusOpen},
		{"Active", half, types.StatusPartiallyFilled},
		{"PartiallyMatched", half, types.StatusPartiallyFilled},
		{"Matched", qty, types.StatusFilled},
		{"Done", qty, types.StatusFilled},
		{"Canceled", zero, types.StatusCancelled},
		{"Rejected", zero, types.StatusRejected},
		{"Weird", zero, types.StatusUnknown},
	}

	for _, tt := range tests {
		if got := nobitexStatus(tt.status, tt.filled, qty); got != tt.want {
			t.Errorf("nobitexStatus(%q, %s) = %s, want %s", tt.status, tt.filled, got, tt.want)
		}
	}
}
