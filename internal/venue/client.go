package venue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// newHTTPClient builds a venue's general REST client: JSON in and out,
// bounded timeout, transient retry (transport error, 5xx, 429) with
// jittered backoff. Business and auth failures come back as responses and
// are never retried here.
func newHTTPClient(spec Spec, opts ClientOptions) *resty.Client {
	return resty.New().
		SetBaseURL(spec.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(opts.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r != nil && r.Request != nil && r.Request.Context().Err() != nil {
				return false
			}
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})
}

// newPlaceClient is the order-placement variant. A 5xx or timeout after
// the request went out may mean the venue accepted the order anyway, so
// only failures where no response arrived at all are retried; everything
// else surfaces for explicit reconciliation.
func newPlaceClient(spec Spec, opts ClientOptions) *resty.Client {
	return resty.New().
		SetBaseURL(spec.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(opts.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r != nil && r.Request != nil && r.Request.Context().Err() != nil {
				return false
			}
			return err != nil && (r == nil || r.RawResponse == nil)
		})
}

// apiError normalizes a non-2xx response into an *APIError, pulling the
// code and message out of the error envelopes the venues use.
func apiError(venueName, op string, resp *resty.Response) *APIError {
	var env struct {
		Status  string `json:"status"`
		Code    any    `json:"code"`
		Message string `json:"message"`
		Msg     string `json:"msg"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(resp.Body(), &env)

	code := ""
	switch v := env.Code.(type) {
	case string:
		code = v
	case float64:
		code = strconv.FormatFloat(v, 'f', -1, 64)
	}
	msg := firstNonEmpty(env.Message, env.Msg, env.Detail, env.Error)
	if msg == "" {
		msg = snip(resp.String(), 256)
	}
	return newAPIError(venueName, op, resp.StatusCode(), code, msg)
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

func snip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// levelsFromPairs parses the [[price, quantity], ...] book rows several
// venues use. Short rows and malformed numbers fail the whole book; a
// half-parsed snapshot is worse than none.
func levelsFromPairs(pairs [][]string) ([]types.BookLevel, error) {
	levels := make([]types.BookLevel, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("book row has %d cells", len(p))
		}
		price, err := decimal.NewFromString(p[0])
		if err != nil {
			return nil, fmt.Errorf("book price %q: %w", p[0], err)
		}
		qty, err := decimal.NewFromString(p[1])
		if err != nil {
			return nil, fmt.Errorf("book quantity %q: %w", p[1], err)
		}
		levels = append(levels, types.BookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// clip truncates raw book rows to depth for venues without a server-side
// depth parameter.
func clip[T any](rows []T, depth int) []T {
	if depth > 0 && len(rows) > depth {
		return rows[:depth]
	}
	return rows
}

// decFromNumber parses a string-or-number JSON cell. Empty decodes as
// zero; venues omit fields like averagePrice until there are fills.
func decFromNumber(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(n.String())
}

// sortLevels orders one book side in place, best price first: descending
// for bids, ascending for asks.
func sortLevels(levels []types.BookLevel, side types.Side) {
	sort.SliceStable(levels, func(i, j int) bool {
		c := levels[i].Price.Cmp(levels[j].Price)
		if side == types.BUY {
			return c > 0
		}
		return c < 0
	})
}
