// Package advisor is the optional maker-taker predictor the executor
// consults before placing each leg.
//
// The advisor is a separate service that scores a feature vector and says
// whether a post-only maker order is likely to fill at a better price than
// crossing the book. It is strictly advisory: any failure, timeout or
// malformed answer defaults the leg to taker and the execution proceeds.
package advisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// Advice is one maker-or-taker recommendation.
type Advice struct {
	UseMaker           bool             `json:"use_maker"`
	Confidence         float64          `json:"confidence"`
	PredictedFillPrice *decimal.Decimal `json:"predicted_fill_price,omitempty"`
}

// Advisor scores one leg's features. Implementations must be safe for
// concurrent use; both legs of an execution are advised in parallel.
type Advisor interface {
	AdviseMaker(ctx context.Context, features types.FeatureVector) (*Advice, error)
}

// Noop always recommends taker. Used when no advisor is configured.
type Noop struct{}

// AdviseMaker returns the taker default.
func (Noop) AdviseMaker(context.Context, types.FeatureVector) (*Advice, error) {
	return &Advice{UseMaker: false, Confidence: 1}, nil
}

// HTTP calls an advisor service over REST. One POST per leg with a short
// deadline so a slow model cannot stall the execution protocol.
type HTTP struct {
	client *resty.Client
	logger *slog.Logger
}

// NewHTTP builds the REST advisor client from config.
func NewHTTP(cfg config.AdvisorConfig, logger *slog.Logger) *HTTP {
	return &HTTP{
		client: resty.New().
			SetBaseURL(cfg.Endpoint).
			SetTimeout(cfg.Timeout()).
			SetHeader("Accept", "application/json"),
		logger: logger.With("component", "advisor"),
	}
}

// AdviseMaker posts the feature vector and decodes the recommendation.
// No retries: by the time a retry would land, the book has moved and the
// taker default is the safer answer.
func (h *HTTP) AdviseMaker(ctx context.Context, features types.FeatureVector) (*Advice, error) {
	var advice Advice
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"features": features}).
		SetResult(&advice).
		Post("/v1/advise")
	if err != nil {
		return nil, fmt.Errorf("advisor call: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("advisor call: status %d", resp.StatusCode())
	}
	h.logger.Debug("advice received",
		"use_maker", advice.UseMaker,
		"confidence", advice.Confidence,
	)
	return &advice, nil
}
