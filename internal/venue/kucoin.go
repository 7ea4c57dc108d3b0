package venue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

// kucoin adapts the KuCoin REST API. The signature covers
// timestamp+METHOD+path+body with the path stripped of its query string,
// and the body must be signed byte-for-byte as sent, so request bodies
// are marshalled once and shipped raw.
type kucoin struct {
	base
	http  *resty.Client
	place *resty.Client
}

func newKucoin(spec Spec, creds Credentials, opts ClientOptions, logger *slog.Logger) *kucoin {
	return &kucoin{
		base:  newBase(spec, creds, logger),
		http:  newHTTPClient(spec, opts),
		place: newPlaceClient(spec, opts),
	}
}

// kucoinEnvelope is the common response wrapper; code 200000 is success.
type kucoinEnvelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e kucoinEnvelope) ok() bool { return e.Code == "" || e.Code == "200000" }

func (v *kucoin) FetchOrderBook(ctx context.Context, sym symbol.Symbol, depth int) (*types.OrderBookSnapshot, error) {
	const op = "orderbook"
	market, err := v.render(op, sym)
	if err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out struct {
		kucoinEnvelope
		Data struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		} `json:"data"`
	}
	path := "/api/v1/market/orderbook/level2_" + strconv.Itoa(clampDepth(v.spec.DepthMenu, depth))
	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", market).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.ok() {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), out.Code, out.Msg)
	}

	bids, err := levelsFromPairs(clip(out.Data.Bids, depth))
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	asks, err := levelsFromPairs(clip(out.Data.Asks, depth))
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	sortLevels(bids, types.BUY)
	sortLevels(asks, types.SELL)

	return &types.OrderBookSnapshot{
		Venue:     v.spec.Name,
		Symbol:    sym,
		Bids:      bids,
		Asks:      asks,
		FetchedAt: time.Now(),
	}, nil
}

func (v *kucoin) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	const op = "place"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	market, err := v.render(op, req.Symbol)
	if err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	payload := map[string]any{
		"clientOid": uuid.NewString(),
		"side":      strings.ToLower(string(req.Side)),
		"symbol":    market,
		"type":      strings.ToLower(string(req.Type)),
		"size":      req.Quantity.String(),
	}
	if req.Type == types.Limit {
		payload["price"] = req.Price.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}

	const path = "/api/v1/orders"
	var out struct {
		kucoinEnvelope
		Data struct {
			OrderID string `json:"orderId"`
		} `json:"data"`
	}
	resp, err := v.place.R().
		SetContext(ctx).
		SetHeaders(passphraseHeaders(v.creds, "POST", path, string(body), time.Now())).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.ok() {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), out.Code, out.Msg)
	}

	now := time.Now()
	order := &types.Order{
		ID:        out.Data.OrderID,
		Venue:     v.spec.Name,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	v.logger.Info("order placed", "symbol", market, "side", req.Side, "id", order.ID)
	return order, nil
}

func (v *kucoin) CancelOrder(ctx context.Context, id string, _ symbol.Symbol) error {
	const op = "cancel"
	if err := v.requireAuth(op); err != nil {
		return err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	path := "/api/v1/orders/" + id
	var out kucoinEnvelope
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeaders(passphraseHeaders(v.creds, "DELETE", path, "", time.Now())).
		SetResult(&out).
		Delete(path)
	if err != nil {
		return newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		if e := apiError(v.spec.Name, op, resp); !IsNotFound(e) {
			return e
		}
		return nil
	}
	if !out.ok() {
		if e := newAPIError(v.spec.Name, op, resp.StatusCode(), out.Code, out.Msg); !IsNotFound(e) {
			return e
		}
	}
	return nil
}

func (v *kucoin) GetOrder(ctx context.Context, id string, sym symbol.Symbol) (*types.Order, error) {
	const op = "get_order"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	market, err := v.render(op, sym)
	if err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// The signature excludes the query string.
	path := "/api/v1/orders/" + id
	var out struct {
		kucoinEnvelope
		Data kucoinOrder `json:"data"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeaders(passphraseHeaders(v.creds, "GET", path, "", time.Now())).
		SetQueryParam("symbol", market).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.ok() {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), out.Code, out.Msg)
	}
	if out.Data.ID == "" {
		return nil, &APIError{Venue: v.spec.Name, Op: op, Message: id, Err: ErrOrderNotFound}
	}
	return v.orderFromWire(out.Data, sym)
}

func (v *kucoin) OpenOrders(ctx context.Context, sym *symbol.Symbol) ([]types.Order, error) {
	const op = "open_orders"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	params := map[string]string{"status": "active"}
	fallback := symbol.Symbol{}
	if sym != nil {
		market, err := v.render(op, *sym)
		if err != nil {
			return nil, err
		}
		params["symbol"] = market
		fallback = *sym
	}

	const path = "/api/v1/orders"
	var out struct {
		kucoinEnvelope
		Data struct {
			Items []kucoinOrder `json:"items"`
		} `json:"data"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeaders(passphraseHeaders(v.creds, "GET", path, "", time.Now())).
		SetQueryParams(params).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.ok() {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), out.Code, out.Msg)
	}

	orders := make([]types.Order, 0, len(out.Data.Items))
	for _, w := range out.Data.Items {
		o, err := v.orderFromWire(w, fallback)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

func (v *kucoin) Balance(ctx context.Context, currency string) (*types.Balance, error) {
	const op = "balance"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	const path = "/api/v1/accounts"
	var out struct {
		kucoinEnvelope
		Data []struct {
			Currency  string      `json:"currency"`
			Type      string      `json:"type"`
			Available json.Number `json:"available"`
			Holds     json.Number `json:"holds"`
		} `json:"data"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeaders(passphraseHeaders(v.creds, "GET", path, "", time.Now())).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.ok() {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), out.Code, out.Msg)
	}

	// A currency can have several accounts; the trade account is the one
	// orders draw from.
	currency = strings.ToUpper(currency)
	balance := &types.Balance{Currency: currency}
	for _, a := range out.Data {
		if strings.ToUpper(a.Currency) != currency {
			continue
		}
		available, err := decFromNumber(a.Available)
		if err != nil {
			return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
		}
		locked, err := decFromNumber(a.Holds)
		if err != nil {
			return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
		}
		balance.Available = available
		balance.Locked = locked
		if a.Type == "trade" {
			break
		}
	}
	return balance, nil
}

type kucoinOrder struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Side        string      `json:"side"`
	Type        string      `json:"type"`
	Size        json.Number `json:"size"`
	Price       json.Number `json:"price"`
	Status      string      `json:"status"`
	DealSize    json.Number `json:"dealSize"`
	Fee         json.Number `json:"fee"`
	IsActive    *bool       `json:"isActive"`
	CancelExist bool        `json:"cancelExist"`
}

func (v *kucoin) orderFromWire(w kucoinOrder, fallback symbol.Symbol) (*types.Order, error) {
	const op = "map_order"
	sym := fallback
	if w.Symbol != "" {
		if parsed, err := symbol.Parse(w.Symbol); err == nil {
			sym = parsed
		}
	}
	qty, err := decFromNumber(w.Size)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	price, err := decFromNumber(w.Price)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	filled, err := decFromNumber(w.DealSize)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	fee, err := decFromNumber(w.Fee)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}

	side := types.BUY
	if strings.EqualFold(w.Side, "sell") {
		side = types.SELL
	}
	orderType := types.Limit
	if strings.EqualFold(w.Type, "market") {
		orderType = types.Market
	}

	return &types.Order{
		ID:        w.ID,
		Venue:     v.spec.Name,
		Symbol:    sym,
		Side:      side,
		Type:      orderType,
		Quantity:  qty,
		Price:     price,
		Status:    kucoinStatus(w),
		FilledQty: filled,
		Fee:       fee,
		UpdatedAt: time.Now(),
	}, nil
}

// kucoinStatus maps the status vocabulary, falling back to the
// isActive/cancelExist flags when the status field is absent.
func kucoinStatus(w kucoinOrder) types.OrderStatus {
	filled, _ := decFromNumber(w.DealSize)
	switch w.Status {
	case "open":
		if filled.IsPositive() {
			return types.StatusPartiallyFilled
		}
		return types.StatusOpen
	case "match":
		return types.StatusPartiallyFilled
	case "done":
		if w.CancelExist {
			return types.StatusCancelled
		}
		return types.StatusFilled
	case "cancel":
		return types.StatusCancelled
	}
	if w.IsActive != nil {
		if *w.IsActive {
			if filled.IsPositive() {
				return types.StatusPartiallyFilled
			}
			return types.StatusOpen
		}
		if w.CancelExist {
			return types.StatusCancelled
		}
		return types.StatusFilled
	}
	return types.StatusUnknown
}
