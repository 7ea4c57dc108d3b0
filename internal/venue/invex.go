package venue

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

// invex adapts the Invex REST API. Every private call carries an
// expire_at stamp 30 minutes out and an RSA-PSS-SHA256 signature over the
// canonical JSON payload; the signature travels in the body (or query for
// GET) and in the X-API-Sign-Invex header. The secret is the hex-encoded
// PKCS#8 private key.
type invex struct {
	base
	http  *resty.Client
	place *resty.Client
	key   *rsa.PrivateKey // nil when read-only
}

func newInvex(spec Spec, creds Credentials, opts ClientOptions, logger *slog.Logger) (*invex, error) {
	v := &invex{
		base:  newBase(spec, creds, logger),
		http:  newHTTPClient(spec, opts),
		place: newPlaceClient(spec, opts),
	}
	if creds.APISecret != "" {
		key, err := parseRSAPrivateKey(creds.APISecret)
		if err != nil {
			return nil, &APIError{Venue: spec.Name, Op: "new", Message: err.Error()}
		}
		v.key = key
	}
	return v, nil
}

// signPayload signs the canonical JSON form of payload. The caller has
// already stamped expire_at.
func (v *invex) signPayload(op string, payload map[string]any) (string, error) {
	body, err := canonicalJSON(payload)
	if err != nil {
		return "", newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	sig, err := signPSS(v.key, body)
	if err != nil {
		return "", newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	return sig, nil
}

func queryFromPayload(payload map[string]any) map[string]string {
	out := make(map[string]string, len(payload))
	for k, val := range payload {
		out[k] = fmt.Sprint(val)
	}
	return out
}

type invexBookEntry struct {
	Price    json.Number `json:"price"`
	Quantity json.Number `json:"quantity"`
}

func invexLevels(entries []invexBookEntry) ([]types.BookLevel, error) {
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

func (v *invex) FetchOrderBook(ctx context.Context, sym symbol.Symbol, depth int) (*types.OrderBookSnapshot, error) {
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
		BidOrders []invexBookEntry `json:"bid_orders"`
		AskOrders []invexBookEntry `json:"ask_orders"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": market,
			"depth":  strconv.Itoa(clampDepth(v.spec.DepthMenu, depth)),
		}).
		SetResult(&out).
		Get("/market-depth")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}

	bids, err := invexLevels(clip(out.BidOrders, depth))
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	asks, err := invexLevels(clip(out.AskOrders, depth))
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

func (v *invex) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
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

	side := "BUYER"
	if req.Side == types.SELL {
		side = "SELLER"
	}
	orderType := "LIMIT"
	if req.Type == types.Market {
		orderType = "MARKET_BY_AMOUNT"
	}
	payload := map[string]any{
		"symbol":    market,
		"side":      side,
		"type":      orderType,
		"quantity":  req.Quantity.String(),
		"expire_at": expireAt(time.Now()),
	}
	if req.Type == types.Limit {
		payload["price"] = req.Price.String()
	}
	sig, err := v.signPayload(op, payload)
	if err != nil {
		return nil, err
	}
	payload["signature"] = sig

	var out struct {
		OrderID  json.Number `json:"orderId"`
		ID       json.Number `json:"id"`
		OrderID2 json.Number `json:"order_id"`
		Message  string      `json:"message"`
	}
	resp, err := v.place.R().
		SetContext(ctx).
		SetHeader("X-API-Key-Invex", v.creds.APIKey).
		SetHeader("X-API-Sign-Invex", sig).
		SetBody(payload).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}

	id := firstNonEmpty(out.OrderID.String(), out.ID.String(), out.OrderID2.String())
	now := time.Now()
	order := &types.Order{
		ID:        id,
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

func (v *invex) CancelOrder(ctx context.Context, id string, sym symbol.Symbol) error {
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

	payload := map[string]any{
		"symbol":    market,
		"expire_at": expireAt(time.Now()),
	}
	sig, err := v.signPayload(op, payload)
	if err != nil {
		return err
	}
	payload["signature"] = sig

	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key-Invex", v.creds.APIKey).
		SetHeader("X-API-Sign-Invex", sig).
		SetBody(payload).
		Delete("/orders/" + id)
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

func (v *invex) GetOrder(ctx context.Context, id string, sym symbol.Symbol) (*types.Order, error) {
	const op = "get_order"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	payload := map[string]any{
		"order_id":  id,
		"expire_at": expireAt(time.Now()),
	}
	sig, err := v.signPayload(op, payload)
	if err != nil {
		return nil, err
	}
	params := queryFromPayload(payload)
	params["signature"] = sig

	var out struct {
		Order invexOrder `json:"order"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key-Invex", v.creds.APIKey).
		SetHeader("X-API-Sign-Invex", sig).
		SetQueryParams(params).
		SetResult(&out).
		Get("/order")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}
	if out.Order.OrderID == "" && out.Order.Status == "" {
		return nil, &APIError{Venue: v.spec.Name, Op: op, Message: id, Err: ErrOrderNotFound}
	}
	order, err := v.orderFromWire(out.Order, sym)
	if err != nil {
		return nil, err
	}
	if order.ID == "" {
		order.ID = id
	}
	return order, nil
}

func (v *invex) OpenOrders(ctx context.Context, sym *symbol.Symbol) ([]types.Order, error) {
	const op = "open_orders"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	payload := map[string]any{
		"expire_at": expireAt(time.Now()),
		"status":    "NOT_FILLED",
		"page":      1,
		"page_size": 100,
	}
	fallback := symbol.Symbol{}
	if sym != nil {
		market, err := v.render(op, *sym)
		if err != nil {
			return nil, err
		}
		payload["symbol"] = market
		fallback = *sym
	}
	sig, err := v.signPayload(op, payload)
	if err != nil {
		return nil, err
	}
	params := queryFromPayload(payload)
	params["signature"] = sig

	var out struct {
		Orders []invexOrder `json:"orders"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key-Invex", v.creds.APIKey).
		SetHeader("X-API-Sign-Invex", sig).
		SetQueryParams(params).
		SetResult(&out).
		Get("/orders")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}

	orders := make([]types.Order, 0, len(out.Orders))
	for _, w := range out.Orders {
		o, err := v.orderFromWire(w, fallback)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

func (v *invex) Balance(ctx context.Context, currency string) (*types.Balance, error) {
	const op = "balance"
	if err := v.requireAuth(op); err != nil {
		return nil, err
	}
	release, err := v.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	payload := map[string]any{
		"expire_at": expireAt(time.Now()),
	}
	if currency != "" {
		payload["currency"] = strings.ToUpper(currency)
	}
	sig, err := v.signPayload(op, payload)
	if err != nil {
		return nil, err
	}
	params := queryFromPayload(payload)
	params["signature"] = sig

	resp, err := v.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key-Invex", v.creds.APIKey).
		SetHeader("X-API-Sign-Invex", sig).
		SetQueryParams(params).
		Get("/accounts")
	if err != nil {
		return nil, newTransportError(v.spec.Name, op, err)
	}
	if !resp.IsSuccess() {
		return nil, apiError(v.spec.Name, op, resp)
	}

	// A single account object comes back for one currency, a list for all.
	currency = strings.ToUpper(currency)
	var single invexAccount
	if err := json.Unmarshal(resp.Body(), &single); err == nil && single.Currency != "" {
		return v.balanceFromWire(single)
	}
	var many []invexAccount
	if err := json.Unmarshal(resp.Body(), &many); err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	for _, a := range many {
		if strings.ToUpper(a.Currency) == currency {
			return v.balanceFromWire(a)
		}
	}
	return &types.Balance{Currency: currency}, nil
}

type invexAccount struct {
	Currency  string      `json:"currency"`
	Available json.Number `json:"available"`
	Blocked   json.Number `json:"blocked"`
}

func (v *invex) balanceFromWire(a invexAccount) (*types.Balance, error) {
	const op = "balance"
	available, err := decFromNumber(a.Available)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	locked, err := decFromNumber(a.Blocked)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}
	return &types.Balance{Currency: strings.ToUpper(a.Currency), Available: available, Locked: locked}, nil
}

type invexOrder struct {
	OrderID      json.Number `json:"order_id"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"` // BUYER or SELLER
	Type         string      `json:"type"`
	Quantity     json.Number `json:"quantity"`
	Price        json.Number `json:"price"`
	Status       string      `json:"status"`
	DealQuantity json.Number `json:"deal_quantity"`
}

func (v *invex) orderFromWire(w invexOrder, fallback symbol.Symbol) (*types.Order, error) {
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
	filled, err := decFromNumber(w.DealQuantity)
	if err != nil {
		return nil, newAPIError(v.spec.Name, op, 0, "", err.Error())
	}

	side := types.BUY
	if strings.EqualFold(w.Side, "SELLER") {
		side = types.SELL
	}
	orderType := types.Limit
	if strings.HasPrefix(strings.ToUpper(w.Type), "MARKET") {
		orderType = types.Market
	}

	return &types.Order{
		ID:        w.OrderID.String(),
		Venue:     v.spec.Name,
		Symbol:    sym,
		Side:      side,
		Type:      orderType,
		Quantity:  qty,
		Price:     price,
		Status:    invexStatus(w.Status, filled),
		FilledQty: filled,
		UpdatedAt: time.Now(),
	}, nil
}

func invexStatus(s string, filled decimal.Decimal) types.OrderStatus {
	switch strings.ToUpper(s) {
	case "NOT_FILLED":
		if filled.IsPositive() {
			return types.StatusPartiallyFilled
		}
		return types.StatusOpen
	case "PARTIALLY_FILLED":
		return types.StatusPartiallyFilled
	case "FULL_FILLED":
		return types.StatusFilled
	case "CANCELED_BY_USER", "CANCELED_BY_MATCH_ENGINE":
		return types.StatusCancelled
	case "REJECTED":
		return types.StatusRejected
	default:
		return types.StatusUnknown
	}
}
