package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

func TestTabdealFetchOrderBook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/depth" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCIRT" || q.Get("limit") != "5" {
			t.Errorf("query = %s, want symbol=BTCIRT&limit=5", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"bids":[["8200000000","1"]],"asks":[["8300000000","2"]]}`)
	}))
	defer srv.Close()

	v := testVenue(t, "tabdeal", srv.URL, config.VenueConfig{})
	book, err := v.FetchOrderBook(context.Background(), symbol.MustParse("BTCIRT"), 5)
	if err != nil {
		t.Fatalf("FetchOrderBook() error = %v", err)
	}
	bid, ok := book.BestBid()
	if !ok || bid.Price.String() != "8200000000" {
		t.Errorf("best bid = %+v, want 8200000000", bid)
	}
}

func TestTabdealPlaceOrderSignature(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("X-MBX-APIKEY"); got != "key" {
			t.Errorf("X-MBX-APIKEY = %q, want key", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		// The signature covers the body params plus the timestamp, all as
		// sorted query pairs.
		params := map[string]string{"timestamp": r.URL.Query().Get("timestamp")}
		for k, val := range body {
			switch tv := val.(type) {
			case string:
				params[k] = tv
			case bool:
				params[k] = strconv.FormatBool(tv)
			}
		}
		wantSig := hmacHexSHA256("sec", canonicalQuery(params))
		if got := r.URL.Query().Get("signature"); got != wantSig {
			t.Errorf("signature = %q, want %q", got, wantSig)
		}
		if body["postOnly"] != true {
			t.Errorf("postOnly = %v, want true", body["postOnly"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":777}`)
	}))
	defer srv.Close()

	v := testVenue(t, "tabdeal", srv.URL, config.VenueConfig{APIKey: "key", APISecret: "sec"})
	order, err := v.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:   symbol.MustParse("BTCIRT"),
		Side:     types.BUY,
		Type:     types.Limit,
		Quantity: decimal.RequireFromString("0.5"),
		Price:    decimal.RequireFromString("8200000000"),
		PostOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if order.ID != "777" {
		t.Errorf("order ID = %q, want 777", order.ID)
	}
}

func TestTabdealGetOrderEnvelopes(t *testing.T) {
	t.Parallel()

	wire := `{"orderId":42,"symbol":"BTCIRT","side":"sell","type":"limit","quantity":"1","price":"8000","status":"PARTIALLY_FILLED","executedQty":"0.4"}`
	tests := []struct {
		name string
		resp string
	}{
		{"wrapped", `{"order":` + wire + `}`},
		{"flat", wire},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tt.resp)
			}))
			defer srv.Close()

			v := testVenue(t, "tabdeal", srv.URL, config.VenueConfig{APIKey: "key", APISecret: "sec"})
			order, err := v.GetOrder(context.Background(), "42", symbol.MustParse("BTCIRT"))
			if err != nil {
				t.Fatalf("GetOrder() error = %v", err)
			}
			if order.ID != "42" {
				t.Errorf("order ID = %q, want 42", order.ID)
			}
			if order.Status != types.StatusPartiallyFilled {
				t.Errorf("status = %s, want %s", order.Status, types.StatusPartiallyFilled)
			}
			if order.Side != types.SELL {
				t.Errorf("side = %s, want SELL", order.Side)
			}
			if order.FilledQty.String() != "0.4" {
				t.Errorf("filled = %s, want 0.4", order.FilledQty)
			}
		})
	}
}

func TestTabdealCancelGone(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"order not found"}`)
	}))
	defer srv.Close()

	v := testVenue(t, "tabdeal", srv.URL, config.VenueConfig{APIKey: "key", APISecret: "sec"})
	if err := v.CancelOrder(context.Background(), "1", symbol.MustParse("BTCIRT")); err != nil {
		t.Errorf("CancelOrder() on missing order = %v, want nil", err)
	}
}

func TestTabdealBalance(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/account/balances" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("signature") == "" || r.URL.Query().Get("timestamp") == "" {
			t.Error("balance request must be signed")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"balances":[{"currency":"IRT","available":"5000000","locked":"0"},{"currency":"BTC","available":"0.7","locked":"0.1"}]}`)
	}))
	defer srv.Close()

	v := testVenue(t, "tabdeal", srv.URL, config.VenueConfig{APIKey: "key", APISecret: "sec"})
	b, err := v.Balance(context.Background(), "btc")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if b.Available.String() != "0.7" || b.Locked.String() != "0.1" {
		t.Errorf("balance = %s/%s, want 0.7/0.1", b.Available, b.Locked)
	}
}

func TestTabdealStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want types.OrderStatus
	}{
		{"NEW", types.StatusOpen},
		{"PARTIALLY_FILLED", types.StatusPartiallyFilled},
		{"FILLED", types.StatusFilled},
		{"CANCELED", types.StatusCancelled},
		{"REJECTED", types.StatusRejected},
		{"", types.StatusUnknown},
	}
	for _, tt := range tests {
		if got := tabdealStatus(tt.in); got != tt.want {
			t.Errorf("tabdealStatus(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
