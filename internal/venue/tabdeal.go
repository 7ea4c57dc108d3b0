package venue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

// tabdeal adapts the Tabdeal REST API. Binance-style signing: the hex
// HMAC covers the sorted request params plus a millisecond timestamp, and
// signature and timestamp always travel as query params regardless of
// where the payload itself goes.
type tabdeal struct {
	base
	http  *resty.Client
	place *resty.Client
}

func newTabdeal(spec Spec, creds Credentials, opts ClientOptions, logger *slog.Logger) *tabdeal {
	return &tabdeal{
		base:  newBase(spec, creds, logger),
		http:  newHTTPClient(spec, opts),
		place: newPlaceClient(spec, opts),
	}
}

// signedParams stamps params with the current millisecond timestamp and
// the signature over the sorted pairs. The signature never signs itself.
func (v *tabdeal) signedParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params)+2)
	for k, p := range params {
		out[k] = p
	}
	out["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := hmacHexSHA256(v.creds.APISecret, canonicalQuery(out))
	out["signature"] = sig
	return out
}

func (v *tabdeal) FetchOrderBook(ctx context.Context, sym symbol.Symbol, depth int) (*types.OrderBookSnapshot, error) {
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
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": market,
			"limit":  strconv.Itoa(depth),
		}).
		SetResult(&out).
		Get("/api/v1/depth")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}

	bids, err := levelsFromPairs(clip(out.Bids, depth))
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	asks, err := levelsFromPairs(clip(out.Asks, depth))
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

func (v *tabdeal) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
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
		"symbol": market,
		"side":   strings.ToLower(string(req.Side)),
		"type":   strings.ToLower(string(req.Type)),
		"amount": req.Quantity.String(),
	}
	if req.Type == types.Limit {
		payload["price"] = req.Price.String()
	}
	if req.PostOnly {
		payload["postOnly"] = true
	}
	params := make(map[string]string, len(payload))
	for k, val := range payload {
		switch t := val.(type) {
		case string:
			params[k] = t
		case bool:
			params[k] = strconv.FormatBool(t)
		}
	}

	// The signature covers the body params; only signature and timestamp
	// ride in the query.
	signed := v.signedParams(params)
	var out struct {
		ID      json.Number `json:"id"`
		OrderID json.Number `json:"orderId"`
	}
	resp, err := v.place.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", v.creds.APIKey).
		SetQueryParams(map[string]string{
			"signature": signed["signature"],
			"timestamp": signed["timestamp"],
		}).
		SetBody(payload).
		SetResult(&out).
		Post("/api/v1/orders")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}

	id := out.ID.String()
	if id == "" {
		id = out.OrderID.String()
	}
	now := time.Now()
	order := &types.Order{
		ID:        id,
		Venue:     v.spec.Name,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		PostOnly:  req.PostOnly,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	v.logger.Info("order placed", "symbol", market, "side", req.Side, "id", order.ID)
	return order, nil
}

func (v *tabdeal) CancelOrder(ctx context.Context, id string, sym symbol.Symbol) error {
	const op = "cancel"
	if err := v.requireAuth(op); err != nil {
		return err
	}
	market, err := v.render(op, sym)
	if err != nil {
		return err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", v.creds.APIKey).
		SetQueryParams(v.signedParams(map[string]string{"symbol": market})).
		Delete("/api/v1/orders/" + id)
	if err != nil {
		return newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		if e := apiError(v.spec.Name, op, resp); !IsNotFound(e) {
			return e
		}
	}
	return nil
}

func (v *tabdeal) GetOrder(ctx context.Context, id string, sym symbol.Symbol) (*types.Order, error) {
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

	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", v.creds.APIKey).
		SetQueryParams(v.signedParams(map[string]string{"symbol": market})).
		Get("/api/v1/orders/" + id)
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}

	// The order comes either wrapped in an envelope or flat.
	raw := resp.Body()
	var envelope struct {
		Order json.RawMessage `json:"order"`
	}
	if json.Unmarshal(raw, &envelope) == nil && len(envelope.Order) > 0 && string(envelope.Order) != "null" {
		raw = envelope.Order
	}
	var w tabdealOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	order, err := v.orderFromWire(w, sym)
	if err != nil {
		return nil, err
	}
	if order.ID == "" {
		order.ID = id
	}
	return order, nil
}

func (v *tabdeal) OpenOrders(ctx context.Context, sym *symbol.Symbol) ([]types.Order, error) {
	const op = "open_orders"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	params := map[string]string{}
	fallback := symbol.Symbol{}
	if sym != nil {
		market, err := v.render(op, *sym)
		if err != nil {
			return nil, err
		}
		params["symbol"] = market
		fallback = *sym
	}

	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", v.creds.APIKey).
		SetQueryParams(v.signedParams(params)).
		Get("/api/v1/openOrders")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}

	var wire []tabdealOrder
	if err := json.Unmarshal(resp.Body(), &wire); err != nil {
		var envelope struct {
			Orders []tabdealOrder `json:"orders"`
		}
		if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
			return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
		}
		wire = envelope.Orders
	}

	orders := make([]types.Order, 0, len(wire))
	for _, w := range wire {
		o, err := v.orderFromWire(w, fallback)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

func (v *tabdeal) Balance(ctx context.Context, currency string) (*types.Balance, error) {
	const op = "balance"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out struct {
		Balances []struct {
			Currency  string      `json:"currency"`
			Available json.Number `json:"available"`
			Locked    json.Number `json:"locked"`
		} `json:"balances"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", v.creds.APIKey).
		SetQueryParams(v.signedParams(nil)).
		SetResult(&out).
		Get("/api/v1/account/balances")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}

	currency = strings.ToUpper(currency)
	for _, b := range out.Balances {
		if strings.ToUpper(b.Currency) != currency {
			continue
		}
		available, err := decFromNumber(b.Available)
		if err != nil {
			return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
		}
		locked, err := decFromNumber(b.Locked)
		if err != nil {
			return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
		}
		return &types.Balance{Currency: currency, Available: available, Locked: locked}, nil
	}
	return &types.Balance{Currency: currency}, nil
}

type tabdealOrder struct {
	OrderID     json.Number `json:"orderId"`
	ID          json.Number `json:"id"`
	Symbol      string      `json:"symbol"`
	Side        string      `json:"side"`
	Type        string      `json:"type"`
	Quantity    json.Number `json:"quantity"`
	Amount      json.Number `json:"amount"`
	Price       json.Number `json:"price"`
	Status      string      `json:"status"`
	ExecutedQty json.Number `json:"executedQty"`
}

func (v *tabdeal) orderFromWire(w tabdealOrder, fallback symbol.Symbol) (*types.Order, error) {
	const op = "map_order"
	sym := fallback
	if w.Symbol != "" {
		if parsed, err := symbol.Parse(w.Symbol); err == nil {
			sym = parsed
		}
	}
	qtyNum := w.Quantity
	if qtyNum == "" {
		qtyNum = w.Amount
	}
	qty, err := decFromNumber(qtyNum)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	price, err := decFromNumber(w.Price)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	filled, err := decFromNumber(w.ExecutedQty)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}

	id := w.OrderID.String()
	if id == "" {
		id = w.ID.String()
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
		ID:        id,
		Venue:     v.spec.Name,
		Symbol:    sym,
		Side:      side,
		Type:      orderType,
		Quantity:  qty,
		Price:     price,
		Status:    tabdealStatus(w.Status),
		FilledQty: filled,
		UpdatedAt: time.Now(),
	}, nil
}

func tabdealStatus(s string) types.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return types.StatusOpen
	case "PARTIALLY_FILLED":
		return types.StatusPartiallyFilled
	case "FILLED":
		return types.StatusFilled
	case "CANCELED", "CANCELLED":
		return types.StatusCancelled
	case "REJECTED":
		return types.StatusRejected
	default:
		return types.StatusUnknown
	}
}
