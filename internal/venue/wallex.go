package venue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

// wallex adapts the Wallex REST API. Binance-flavoured HMAC: GET and
// DELETE sign the sorted unencoded query string into X-API-Sign, POST
// sends only the lowercase x-api-key header.
type wallex struct {
	base
	http  *resty.Client
	place *resty.Client
}

func newWallex(spec Spec, creds Credentials, opts ClientOptions, logger *slog.Logger) *wallex {
	return &wallex{
		base:  newBase(spec, creds, logger),
		http:  newHTTPClient(spec, opts),
		place: newPlaceClient(spec, opts),
	}
}

// signedHeaders builds the auth headers for a query-signed request. The
// signature covers the canonical query and is omitted when there is none.
func (v *wallex) signedHeaders(params map[string]string) map[string]string {
	h := map[string]string{"x-api-key": v.creds.APIKey}
	if len(params) > 0 {
		h["X-API-Sign"] = hmacHexSHA256(v.creds.APISecret, canonicalQuery(params))
	}
	return h
}

type wallexBookEntry struct {
	Price    json.Number `json:"price"`
	Quantity json.Number `json:"quantity"`
}

func wallexLevels(entries []wallexBookEntry) ([]types.BookLevel, error) {
	levels := make([]types.BookLevel, 0, len(entries))
	for _, e := range entries {
		price, err := decFromNumber(e.Price)
		if err != nil {
			return nil, err
		}
		qty, err := decFromNumber(e.Quantity)
		if err != nil {
			return nil, err
		}
		levels = append(levels, types.BookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func (v *wallex) FetchOrderBook(ctx context.Context, sym symbol.Symbol, depth int) (*types.OrderBookSnapshot, error) {
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
		Success bool   `json:"success"`
		Message string `json:"message"`
		Result  struct {
			Bid []wallexBookEntry `json:"bid"`
			Ask []wallexBookEntry `json:"ask"`
		} `json:"result"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", market).
		SetResult(&out).
		Get("/v1/depth")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.Success {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message)
	}

	bids, err := wallexLevels(clip(out.Result.Bid, depth))
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	asks, err := wallexLevels(clip(out.Result.Ask, depth))
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

func (v *wallex) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
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

	payload := map[string]string{
		"symbol":   market,
		"side":     string(req.Side),
		"type":     string(req.Type),
		"quantity": req.Quantity.String(),
	}
	if req.Type == types.Limit {
		payload["price"] = req.Price.String()
	}

	var out struct {
		Success bool        `json:"success"`
		Message string      `json:"message"`
		Result  wallexOrder `json:"result"`
	}
	resp, err := v.place.R().
		SetContext(ctx).
		SetHeader("x-api-key", v.creds.APIKey).
		SetBody(payload).
		SetResult(&out).
		Post("/v1/account/orders")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.Success {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message)
	}

	order, err := v.orderFromWire(out.Result, req.Symbol)
	if err != nil {
		return nil, err
	}
	// The ack carries the assigned id; everything else follows the request.
	order.Side = req.Side
	order.Type = req.Type
	order.Quantity = req.Quantity
	order.Price = req.Price
	if order.Status == types.StatusUnknown {
		order.Status = types.StatusPending
	}
	order.CreatedAt = time.Now()
	v.logger.Info("order placed", "symbol", market, "side", req.Side, "id", order.ID)
	return order, nil
}

func (v *wallex) CancelOrder(ctx context.Context, id string, sym symbol.Symbol) error {
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

	params := map[string]string{"symbol": market}
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetHeaders(v.signedHeaders(params)).
		SetResult(&out).
		Delete("/v1/orders/" + id)
	if err != nil {
		return newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		if e := apiError(v.spec.Name, op, resp); !IsNotFound(e) {
			return e
		}
		return nil
	}
	if !out.Success {
		if e := newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message); !IsNotFound(e) {
			return e
		}
	}
	return nil
}

func (v *wallex) GetOrder(ctx context.Context, id string, sym symbol.Symbol) (*types.Order, error) {
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

	params := map[string]string{"symbol": market}
	var out struct {
		Success bool        `json:"success"`
		Message string      `json:"message"`
		Result  wallexOrder `json:"result"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetHeaders(v.signedHeaders(params)).
		SetResult(&out).
		Get("/v1/orders/" + id)
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.Success {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message)
	}
	order, err := v.orderFromWire(out.Result, sym)
	if err != nil {
		return nil, err
	}
	if order.ID == "" {
		order.ID = id
	}
	return order, nil
}

func (v *wallex) OpenOrders(ctx context.Context, sym *symbol.Symbol) ([]types.Order, error) {
	const op = "open_orders"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	params := map[string]string{"status": "NEW"}
	fallback := symbol.Symbol{}
	if sym != nil {
		market, err := v.render(op, *sym)
		if err != nil {
			return nil, err
		}
		params["symbol"] = market
		fallback = *sym
	}

	var out struct {
		Success bool          `json:"success"`
		Message string        `json:"message"`
		Result  []wallexOrder `json:"result"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetHeaders(v.signedHeaders(params)).
		SetResult(&out).
		Get("/v1/orders")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.Success {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message)
	}

	orders := make([]types.Order, 0, len(out.Result))
	for _, w := range out.Result {
		o, err := v.orderFromWire(w, fallback)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

func (v *wallex) Balance(ctx context.Context, currency string) (*types.Balance, error) {
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
		Success bool   `json:"success"`
		Message string `json:"message"`
		Result  struct {
			Balances map[string]struct {
				Value  json.Number `json:"value"`
				Locked json.Number `json:"locked"`
			} `json:"balances"`
		} `json:"result"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeaders(v.signedHeaders(nil)).
		SetResult(&out).
		Get("/v1/account/balances")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if !out.Success {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message)
	}

	currency = strings.ToUpper(currency)
	b, ok := out.Result.Balances[currency]
	if !ok {
		return &types.Balance{Currency: currency}, nil
	}
	available, err := decFromNumber(b.Value)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	locked, err := decFromNumber(b.Locked)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	return &types.Balance{Currency: currency, Available: available, Locked: locked}, nil
}

type wallexOrder struct {
	OrderID     json.Number `json:"orderId"`
	ID          json.Number `json:"id"`
	Symbol      string      `json:"symbol"`
	Side        string      `json:"side"`
	Type        string      `json:"type"`
	Quantity    json.Number `json:"quantity"`
	Price       json.Number `json:"price"`
	Status      string      `json:"status"`
	ExecutedQty json.Number `json:"executedQty"`
	Fee         json.Number `json:"fee"`
}

func (v *wallex) orderFromWire(w wallexOrder, fallback symbol.Symbol) (*types.Order, error) {
	const op = "map_order"
	sym := fallback
	if w.Symbol != "" {
		if parsed, err := symbol.Parse(w.Symbol); err == nil {
			sym = parsed
		}
	}
	qty, err := decFromNumber(w.Quantity)
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
	fee, err := decFromNumber(w.Fee)
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
		Status:    wallexStatus(w.Status),
		FilledQty: filled,
		Fee:       fee,
		UpdatedAt: time.Now(),
	}, nil
}

func wallexStatus(s string) types.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return types.StatusOpen
	case "PARTIALLY_FILLED":
		return types.StatusPartiallyFilled
	case "FILLED":
		return types.StatusFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return types.StatusCancelled
	case "REJECTED":
		return types.StatusRejected
	default:
		return types.StatusUnknown
	}
}
