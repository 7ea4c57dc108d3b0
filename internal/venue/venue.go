// Package venue implements the uniform trading surface over the supported
// spot venues.
//
// Each venue speaks its own REST dialect: different order book shapes,
// order payloads, status vocabularies and, above all, signing schemes
// (bearer token, two HMAC-SHA256 flavours, RSA-PSS-SHA256 and KuCoin's
// passphrase HMAC). The adapters in this package normalize all of that
// behind the Venue interface so the stream, detector and executor never
// see a venue-specific byte.
//
// Wire rules shared by every adapter:
//   - quantities and prices travel as plain decimal strings, never
//     scientific notation
//   - every request passes the venue's token bucket and concurrency
//     semaphore before the HTTP layer
//   - transient failures (transport, 5xx, 429) are retried with backoff;
//     business and auth failures are not
//   - failures normalize to *APIError
package venue

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/symbol"
	"crossarb/pkg/types"
)

// Venue is the uniform adapter surface. All blocking calls take a context
// and honour its cancellation.
type Venue interface {
	Name() string

	// FetchOrderBook returns the current book, bids descending and asks
	// ascending. depth is clamped to the venue's supported menu.
	FetchOrderBook(ctx context.Context, sym symbol.Symbol, depth int) (*types.OrderBookSnapshot, error)

	// PlaceOrder submits an order. The returned order has at least
	// StatusPending and, when the venue acknowledged synchronously, the
	// venue id.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)

	// CancelOrder cancels by venue id. Cancelling an already-terminal
	// order is not an error.
	CancelOrder(ctx context.Context, id string, sym symbol.Symbol) error

	// GetOrder fetches the current order state by venue id.
	GetOrder(ctx context.Context, id string, sym symbol.Symbol) (*types.Order, error)

	// OpenOrders lists resting orders, optionally filtered by symbol.
	// Used at startup to sweep leftovers from a previous run.
	OpenOrders(ctx context.Context, sym *symbol.Symbol) ([]types.Order, error)

	// Balance returns available and locked funds for one currency.
	Balance(ctx context.Context, currency string) (*types.Balance, error)

	MakerFee() decimal.Decimal
	TakerFee() decimal.Decimal
	IsAuthenticated() bool
	SupportsPostOnly() bool
	MinQuantity(sym symbol.Symbol) decimal.Decimal
	Rendering() symbol.Rendering
}

// Scheme names an authentication behaviour from the closed enumeration.
type Scheme string

const (
	SchemeBearer         Scheme = "bearer-token"
	SchemeHMAC           Scheme = "hmac-sha256"
	SchemeRSAPSS         Scheme = "rsa-pss-sha256"
	SchemePassphraseHMAC Scheme = "passphrase-hmac"
)

// Credentials is a venue credential bundle. Which fields matter depends on
// the scheme; Complete reports whether the bundle satisfies it.
type Credentials struct {
	Token      string // bearer venues
	APIKey     string
	APISecret  string
	Passphrase string // kucoin only
}

// Complete reports whether the bundle can authenticate under the scheme.
func (c Credentials) Complete(scheme Scheme) bool {
	switch scheme {
	case SchemeBearer:
		return c.Token != ""
	case SchemePassphraseHMAC:
		return c.APIKey != "" && c.APISecret != "" && c.Passphrase != ""
	default:
		return c.APIKey != "" && c.APISecret != ""
	}
}

// Spec is one registry entry: everything static about a venue.
type Spec struct {
	Name        string
	DisplayName string
	BaseURL     string
	Scheme      Scheme
	Rendering   symbol.Rendering
	MakerFee    decimal.Decimal
	TakerFee    decimal.Decimal
	PostOnly    bool  // venue accepts post-only orders
	DepthMenu   []int // supported order book depths, ascending; empty = free-form

	// Rate limit shape: continuous-refill token bucket.
	Burst float64
	RPS   float64

	// Minimum order quantity by base currency; DefaultMinQty otherwise.
	MinQty        map[string]decimal.Decimal
	DefaultMinQty decimal.Decimal
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// registry enumerates the supported venues. Base URLs and fees can be
// overridden per deployment through config; everything else is fixed.
var registry = map[string]Spec{
	"nobitex": {
		Name:        "nobitex",
		DisplayName: "Nobitex",
		BaseURL:     "https://apiv2.nobitex.ir",
		Scheme:      SchemeBearer,
		Rendering:   symbol.Rendering{Separator: symbol.SepNone, Quotes: []string{"IRT"}},
		MakerFee:    dec("0.0005"),
		TakerFee:    dec("0.001"),
		PostOnly:    true,
		Burst:       10,
		RPS:         5,
		MinQty: map[string]decimal.Decimal{
			"BTC": dec("0.0001"),
			"ETH": dec("0.001"),
		},
		DefaultMinQty: dec("0.01"),
	},
	"wallex": {
		Name:        "wallex",
		DisplayName: "Wallex",
		BaseURL:     "https://api.wallex.ir",
		Scheme:      SchemeHMAC,
		Rendering:   symbol.Rendering{Separator: symbol.SepNone, Quotes: []string{"USDT", "TMN"}},
		MakerFee:    dec("0.0005"),
		TakerFee:    dec("0.001"),
		PostOnly:    false,
		Burst:       10,
		RPS:         5,
		MinQty: map[string]decimal.Decimal{
			"BTC": dec("0.0001"),
			"ETH": dec("0.001"),
		},
		DefaultMinQty: dec("0.01"),
	},
	"tabdeal": {
		Name:        "tabdeal",
		DisplayName: "Tabdeal",
		BaseURL:     "https://api.tabdeal.org",
		Scheme:      SchemeHMAC,
		Rendering:   symbol.Rendering{Separator: symbol.SepNone, Quotes: []string{"IRT"}},
		MakerFee:    dec("0.0005"),
		TakerFee:    dec("0.001"),
		PostOnly:    true,
		Burst:       10,
		RPS:         5,
		MinQty: map[string]decimal.Decimal{
			"BTC": dec("0.0001"),
			"ETH": dec("0.001"),
		},
		DefaultMinQty: dec("0.01"),
	},
	"invex": {
		Name:        "invex",
		DisplayName: "Invex",
		BaseURL:     "https://api.invex.ir/trading/v1",
		Scheme:      SchemeRSAPSS,
		Rendering:   symbol.Rendering{Separator: symbol.SepUnderscore, Quotes: []string{"USDT", "IRR"}},
		MakerFee:    dec("0.0005"),
		TakerFee:    dec("0.001"),
		PostOnly:    false,
		DepthMenu:   []int{5, 20, 50},
		Burst:       10,
		RPS:         5,
		MinQty: map[string]decimal.Decimal{
			"BTC": dec("0.0001"),
			"ETH": dec("0.001"),
		},
		DefaultMinQty: dec("0.01"),
	},
	"kucoin": {
		Name:        "kucoin",
		DisplayName: "KuCoin",
		BaseURL:     "https://api.kucoin.com",
		Scheme:      SchemePassphraseHMAC,
		Rendering:   symbol.Rendering{Separator: symbol.SepHyphen, Quotes: []string{"USDT"}},
		MakerFee:    dec("0.001"),
		TakerFee:    dec("0.001"),
		PostOnly:    false,
		DepthMenu:   []int{20, 100},
		Burst:       20,
		RPS:         10,
		MinQty: map[string]decimal.Decimal{
			"BTC": dec("0.00001"),
			"ETH": dec("0.0001"),
		},
		DefaultMinQty: dec("0.001"),
	},
}

// Names returns the registry venue names. Order is unspecified.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// LookupSpec returns the registry entry for a venue name.
func LookupSpec(name string) (Spec, bool) {
	spec, ok := registry[name]
	return spec, ok
}

// ClientOptions bounds the HTTP behaviour of an adapter.
type ClientOptions struct {
	Timeout    time.Duration // per network call
	MaxRetries int           // transient retry budget
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// New builds the adapter for a registry venue, applying config overrides
// for base URL, fees and credentials. Unknown names fail; an empty
// credential bundle yields a read-only adapter.
func New(name string, vc config.VenueConfig, opts ClientOptions, logger *slog.Logger) (Venue, error) {
	spec, ok := LookupSpec(name)
	if !ok {
		return nil, &APIError{Venue: name, Op: "new", Message: "unknown venue"}
	}
	if vc.BaseURL != "" {
		spec.BaseURL = vc.BaseURL
	}
	if vc.MakerFee.IsPositive() {
		spec.MakerFee = vc.MakerFee
	}
	if vc.TakerFee.IsPositive() {
		spec.TakerFee = vc.TakerFee
	}
	creds := Credentials{
		Token:      vc.Token,
		APIKey:     vc.APIKey,
		APISecret:  vc.APISecret,
		Passphrase: vc.Passphrase,
	}
	opts = opts.withDefaults()

	switch name {
	case "nobitex":
		return newNobitex(spec, creds, opts, logger), nil
	case "wallex":
		return newWallex(spec, creds, opts, logger), nil
	case "tabdeal":
		return newTabdeal(spec, creds, opts, logger), nil
	case "invex":
		return newInvex(spec, creds, opts, logger)
	case "kucoin":
		return newKucoin(spec, creds, opts, logger), nil
	}
	return nil, &APIError{Venue: name, Op: "new", Message: "unknown venue"}
}

// base carries what every adapter shares: spec, credentials, limiter and
// a scoped logger. Adapters embed it.
type base struct {
	spec   Spec
	creds  Credentials
	lim    *Limiter
	logger *slog.Logger
}

func newBase(spec Spec, creds Credentials, logger *slog.Logger) base {
	return base{
		spec:   spec,
		creds:  creds,
		lim:    NewLimiter(spec.Burst, spec.RPS, defaultConcurrency),
		logger: logger.With("component", "venue", "venue", spec.Name),
	}
}

func (b *base) Name() string                { return b.spec.Name }
func (b *base) MakerFee() decimal.Decimal   { return b.spec.MakerFee }
func (b *base) TakerFee() decimal.Decimal   { return b.spec.TakerFee }
func (b *base) SupportsPostOnly() bool      { return b.spec.PostOnly }
func (b *base) Rendering() symbol.Rendering { return b.spec.Rendering }
func (b *base) IsAuthenticated() bool       { return b.creds.Complete(b.spec.Scheme) }

// MinQuantity returns the venue's minimum order size for the symbol's base
// currency.
func (b *base) MinQuantity(sym symbol.Symbol) decimal.Decimal {
	if q, ok := b.spec.MinQty[sym.Base]; ok {
		return q
	}
	return b.spec.DefaultMinQty
}

// requireAuth fails fast when the adapter is read-only.
func (b *base) requireAuth(op string) error {
	if b.IsAuthenticated() {
		return nil
	}
	return &APIError{Venue: b.spec.Name, Op: op, Err: ErrReadOnly}
}

// render maps the canonical symbol to this venue's wire form.
func (b *base) render(op string, sym symbol.Symbol) (string, error) {
	text, err := symbol.Render(sym, b.spec.Rendering)
	if err != nil {
		return "", &APIError{Venue: b.spec.Name, Op: op, Message: sym.String(), Err: ErrInvalidSymbol}
	}
	return text, nil
}

// clampDepth snaps a requested depth onto the venue's menu, rounding up to
// the next supported value and capping at the largest.
func clampDepth(menu []int, depth int) int {
	if depth < 1 {
		depth = 1
	}
	if len(menu) == 0 {
		return depth
	}
	for _, d := range menu {
		if depth <= d {
			return d
		}
	}
	return menu[len(menu)-1]
}
