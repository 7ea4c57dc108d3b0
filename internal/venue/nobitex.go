package venue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

// browserAgent is required on every request; the API rejects the Go
// default user agent.
const browserAgent = "Mozilla/5.0"

// nobitex adapts the Nobitex REST API: bearer-token auth, IRT-quoted
// markets, string-pair order books.
type nobitex struct {
	base
	http  *resty.Client
	place *resty.Client
}

func newNobitex(spec Spec, creds Credentials, opts ClientOptions, logger *slog.Logger) *nobitex {
	return &nobitex{
		base:  newBase(spec, creds, logger),
		http:  newHTTPClient(spec, opts).SetHeader("User-Agent", browserAgent),
		place: newPlaceClient(spec, opts).SetHeader("User-Agent", browserAgent),
	}
}

func (v *nobitex) authHeader() string { return "Token " + v.creds.Token }

func (v *nobitex) FetchOrderBook(ctx context.Context, sym symbol.Symbol, depth int) (*types.OrderBookSnapshot, error) {
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
		Status  string     `json:"status"`
		Message string     `json:"message"`
		Bids    [][]string `json:"bids"`
		Asks    [][]string `json:"asks"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v3/orderbook/" + market)
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if out.Status != "ok" {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message)
	}

	// The full book comes back; depth is applied locally.
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

func (v *nobitex) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
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
		"type":      strings.ToLower(string(req.Side)),
		"execution": "taker",
		"amount":    req.Quantity.String(),
		"symbol":    market,
	}
	if req.Type == types.Limit {
		payload["price"] = req.Price.String()
		if req.PostOnly {
			payload["execution"] = "maker"
			payload["postOnly"] = true
		}
	}

	var out struct {
		Status  string `json:"status"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Order   struct {
			ID json.Number `json:"id"`
		} `json:"order"`
	}
	resp, err := v.place.R().
		SetContext(ctx).
		SetHeader("Authorization", v.authHeader()).
		SetBody(payload).
		SetResult(&out).
		Post("/v2/orders/add")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if out.Status != "ok" {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), out.Code, out.Message)
	}

	now := time.Now()
	order := &types.Order{
		ID:        out.Order.ID.String(),
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

func (v *nobitex) CancelOrder(ctx context.Context, id string, sym symbol.Symbol) error {
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

	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("Authorization", v.authHeader()).
		SetBody(map[string]string{"symbol": market}).
		SetResult(&out).
		Post("/v2/orders/" + id + "/cancel")
	if err != nil {
		return newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		if e := apiError(v.spec.Name, op, resp); !IsNotFound(e) {
			return e
		}
		return nil
	}
	if out.Status != "ok" {
		if e := newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message); !IsNotFound(e) {
			return e
		}
	}
	return nil
}

func (v *nobitex) GetOrder(ctx context.Context, id string, sym symbol.Symbol) (*types.Order, error) {
	const op = "get_order"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out struct {
		Status  string       `json:"status"`
		Message string       `json:"message"`
		Order   nobitexOrder `json:"order"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("Authorization", v.authHeader()).
		SetResult(&out).
		Get("/v2/orders/" + id)
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if out.Status != "ok" {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message)
	}
	return v.orderFromWire(out.Order, sym)
}

func (v *nobitex) OpenOrders(ctx context.Context, sym *symbol.Symbol) ([]types.Order, error) {
	const op = "open_orders"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	r := v.http.R().
		SetContext(ctx).
		SetHeader("Authorization", v.authHeader())
	if sym != nil {
		market, err := v.render(op, *sym)
		if err != nil {
			return nil, err
		}
		r.SetQueryParam("market", market)
	}

	var out struct {
		Status  string         `json:"status"`
		Message string         `json:"message"`
		Orders  []nobitexOrder `json:"orders"`
	}
	resp, err := r.SetResult(&out).Get("/v2/orders/open")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if out.Status != "ok" {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message)
	}

	orders := make([]types.Order, 0, len(out.Orders))
	for _, w := range out.Orders {
		o, err := v.orderFromWire(w, symbol.Symbol{})
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

func (v *nobitex) Balance(ctx context.Context, currency string) (*types.Balance, error) {
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
		Status  string `json:"status"`
		Message string `json:"message"`
		Wallets map[string]struct {
			Balance json.Number `json:"balance"`
			Blocked json.Number `json:"blocked"`
		} `json:"wallets"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("Authorization", v.authHeader()).
		SetResult(&out).
		Get("/v2/wallets")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if out.Status != "ok" {
		return nil, newAPIError(v.spec.Name, op, resp.StatusCode(), "", out.Message)
	}

	currency = strings.ToUpper(currency)
	w, ok := out.Wallets[currency]
	if !ok {
		return &types.Balance{Currency: currency}, nil
	}
	available, err := decFromNumber(w.Balance)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	locked, err := decFromNumber(w.Blocked)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	return &types.Balance{Currency: currency, Available: available, Locked: locked}, nil
}

// nobitexOrder is the wire order shape shared by the status and open-order
// endpoints.
type nobitexOrder struct {
	ID            json.Number `json:"id"`
	Market        string      `json:"market"`
	Type          string      `json:"type"` // buy or sell
	OrderType     string      `json:"orderType"`
	Amount        json.Number `json:"amount"`
	Price         json.Number `json:"price"`
	Status        string      `json:"status"`
	MatchedAmount json.Number `json:"matchedAmount"`
	AveragePrice  json.Number `json:"averagePrice"`
	Fee           json.Number `json:"fee"`
}

// orderFromWire normalizes a wire order. fallback supplies the symbol when
// the caller already knows it; otherwise the market field is parsed.
func (v *nobitex) orderFromWire(w nobitexOrder, fallback symbol.Symbol) (*types.Order, error) {
	const op = "map_order"
	sym := fallback
	if w.Market != "" {
		parsed, err := symbol.Parse(w.Market)
		if err == nil {
			sym = parsed
		}
	}
	qty, err := decFromNumber(w.Amount)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	price, err := decFromNumber(w.Price)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	filled, err := decFromNumber(w.MatchedAmount)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	avg, err := decFromNumber(w.AveragePrice)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	fee, err := decFromNumber(w.Fee)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}

	side := types.BUY
	if strings.EqualFold(w.Type, "sell") {
		side = types.SELL
	}
	orderType := types.Limit
	if strings.EqualFold(w.OrderType, "market") {
		orderType = types.Market
	}

	return &types.Order{
		ID:        w.ID.String(),
		Venue:     v.spec.Name,
		Symbol:    sym,
		Side:      side,
		Type:      orderType,
		Quantity:  qty,
		Price:     price,
		Status:    nobitexStatus(w.Status, filled, qty),
		FilledQty: filled,
		AvgPrice:  avg,
		Fee:       fee,
		UpdatedAt: time.Now(),
	}, nil
}

// nobitexStatus maps the venue status vocabulary onto the normalized one.
func nobitexStatus(s string, filled, qty decimal.Decimal) types.OrderStatus {
	switch s {
	case "Active", "New", "Inactive":
		if filled.IsPositive() && filled.LessThan(qty) {
			return types.StatusPartiallyFilled
		}
		return types.StatusOpen
	case "PartiallyMatched":
		return types.StatusPartiallyFilled
	case "Matched", "Done":
		return types.StatusFilled
	case "Canceled", "Cancelled":
		return types.StatusCancelled
	case "Rejected":
		return types.StatusRejected
	default:
		return types.StatusUnknown
	}
}
