// Package symbol implements canonical instrument identity: parsing venue
// symbol strings into (base, quote) pairs, rendering them back out in each
// venue's preferred shape, and deciding when two symbols refer to the same
// arbitrage market.
//
// The tricky part is the Iranian quote family. IRT, IRR and TMN all name
// the same currency; venues disagree on which code they use. The family
// function collapses the three onto one tag so BTCIRT on one venue and
// BTCTMN on another compare as the same market, while IRT and USDT never do.
package symbol

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Symbol is a canonical trading pair: uppercase base and quote codes.
// The zero value is invalid.
type Symbol struct {
	Base  string
	Quote string
}

// New builds a Symbol from raw codes, uppercasing both.
func New(base, quote string) Symbol {
	return Symbol{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// String returns the canonical separator-free form, e.g. "BTCUSDT".
// This is the shape used in config files and journal rows.
func (s Symbol) String() string {
	return s.Base + s.Quote
}

// IsZero reports whether the symbol is unset.
func (s Symbol) IsZero() bool {
	return s.Base == "" || s.Quote == ""
}

// Family tags a quote currency's equivalence class. Members of the Iranian
// family all map to FamilyIRT; every other code maps to itself.
type Family string

// FamilyIRT is the shared tag for IRT, IRR and TMN.
const FamilyIRT Family = "IRT-FAMILY"

// QuoteFamily returns the equivalence class of a quote currency code.
func QuoteFamily(code string) Family {
	switch strings.ToUpper(code) {
	case "IRT", "IRR", "TMN":
		return FamilyIRT
	}
	return Family(strings.ToUpper(code))
}

// Compatible reports whether two symbols name the same arbitrage market:
// identical bases and quote currencies in the same family. It is reflexive
// and symmetric.
func Compatible(a, b Symbol) bool {
	return a.Base == b.Base && QuoteFamily(a.Quote) == QuoteFamily(b.Quote)
}

// ParseError reports a symbol string that could not be split into known
// base and quote codes.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed symbol %q", e.Input)
}

// Known currency tables. Order does not matter here; lookups go through the
// length-sorted copies below so longer codes always win the split (USDT
// must not match as USD + T, SAND must not match as SAN + D).
var (
	baseCurrencies = []string{
		"BTC", "ETH", "LTC", "USDT", "USDC", "BNB", "ADA", "DOT", "LINK",
		"XRP", "BCH", "EOS", "XLM", "ETC", "TRX", "DOGE", "UNI", "DAI",
		"AAVE", "SHIB", "FTM", "MATIC", "AXS", "MANA", "SAND", "AVAX",
		"MKR", "GMT", "ATOM", "SOL", "NEAR", "TON", "FIL", "APT", "ARB",
	}
	quoteCurrencies = []string{"USDT", "USDC", "IRT", "IRR", "TMN", "BTC", "ETH"}

	basesByLength  = sortedByLength(baseCurrencies)
	quotesByLength = sortedByLength(quoteCurrencies)
	quoteSet       = toSet(quoteCurrencies)
	baseSet        = toSet(baseCurrencies)
)

func sortedByLength(codes []string) []string {
	out := make([]string, len(codes))
	copy(out, codes)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func toSet(codes []string) map[string]struct{} {
	m := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return m
}

// Parse splits a symbol string into its canonical form. It accepts the
// separator-free, hyphenated and underscored shapes ("BTCUSDT", "BTC-USDT",
// "BTC_USDT") in any case. The separator-free form is split against the
// known currency tables, longest codes first, so the result is
// deterministic. Unknown or unsplittable input fails with *ParseError.
func Parse(text string) (Symbol, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(text))
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, "_", "")
	if cleaned == "" {
		return Symbol{}, &ParseError{Input: text}
	}

	// Base-first: longest known base that prefixes the string and leaves
	// a known quote behind.
	for _, base := range basesByLength {
		if !strings.HasPrefix(cleaned, base) {
			continue
		}
		quote := cleaned[len(base):]
		if _, ok := quoteSet[quote]; ok {
			return Symbol{Base: base, Quote: quote}, nil
		}
	}

	// Fallback: longest known quote that suffixes the string and leaves
	// a known base in front.
	for _, quote := range quotesByLength {
		if !strings.HasSuffix(cleaned, quote) {
			continue
		}
		base := cleaned[:len(cleaned)-len(quote)]
		if _, ok := baseSet[base]; ok {
			return Symbol{Base: base, Quote: quote}, nil
		}
	}

	return Symbol{}, &ParseError{Input: text}
}

// MustParse is Parse for wiring code and tests with known-good input.
func MustParse(text string) Symbol {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

// Separator is the character a venue places between base and quote.
type Separator string

const (
	SepNone       Separator = ""
	SepHyphen     Separator = "-"
	SepUnderscore Separator = "_"
)

// Rendering describes how one venue writes symbols: which separator it
// uses and which quote currencies it lists, in preference order.
type Rendering struct {
	Separator Separator
	Quotes    []string // preference order, e.g. ["USDT", "TMN"]
}

// ErrUnsupported means the venue lists no quote currency compatible with
// the symbol, so the symbol cannot be rendered for it.
var ErrUnsupported = errors.New("symbol not supported by venue")

// Render writes a canonical symbol in the venue's shape. When the venue
// does not list the symbol's quote but does list another member of the
// same family, that member is substituted: (BTC, IRT) renders as "BTCTMN"
// on a TMN venue. For a quote the venue lists verbatim,
// Parse(Render(s, r)) round-trips back to s.
func Render(s Symbol, r Rendering) (string, error) {
	quote, ok := resolveQuote(s.Quote, r.Quotes)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, s)
	}
	return s.Base + string(r.Separator) + quote, nil
}

// Supports reports whether the venue trades the symbol under some quote
// in the symbol's family.
func Supports(s Symbol, r Rendering) bool {
	_, ok := resolveQuote(s.Quote, r.Quotes)
	return ok
}

func resolveQuote(quote string, listed []string) (string, bool) {
	for _, q := range listed {
		if q == quote {
			return q, true
		}
	}
	family := QuoteFamily(quote)
	if family != FamilyIRT {
		return "", false
	}
	for _, q := range listed {
		if QuoteFamily(q) == FamilyIRT {
			return q, true
		}
	}
	return "", false
}
