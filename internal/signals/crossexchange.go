package signals

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

// CrossExchangeSource compares the home price against a reference
// venue. A persistent premium on the reference venue leads the home
// market; the score is bounded so a feed glitch cannot dominate.
type CrossExchangeSource struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewCrossExchangeSource creates a source against the reference venue.
func NewCrossExchangeSource(baseURL string, timeout time.Duration, logger zerolog.Logger) *CrossExchangeSource {
	return &CrossExchangeSource{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
		logger: logger,
	}
}

func (c *CrossExchangeSource) Name() string { return "cross_exchange" }

type referenceTicker struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// Score emits >50 when the reference venue trades at a premium (home
// price expected to follow up), <50 at a discount.
func (c *CrossExchangeSource) Score(ctx context.Context, symbol string, mkt Context) models.Signal {
	if mkt.Ticker.Price <= 0 {
		return models.NeutralSignal(c.Name(), symbol)
	}

	var body referenceTicker
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&body).
		Get("/v1/ticker")
	if err != nil || resp.IsError() || body.Price <= 0 {
		c.logger.Debug().Err(err).Str("symbol", symbol).Msg("cross-exchange fetch failed")
		return models.NeutralSignal(c.Name(), symbol)
	}

	lead := (body.Price - mkt.Ticker.Price) / mkt.Ticker.Price

	// 10 bps of lead moves the score by 10 points, capped at +-25.
	delta := lead * 10000
	if delta > 25 {
		delta = 25
	}
	if delta < -25 {
		delta = -25
	}

	return models.Signal{
		Source:      c.Name(),
		Symbol:      symbol,
		Score:       50 + delta,
		Confidence:  0.7,
		GeneratedAt: time.Now().UTC(),
		Payload:     lead,
	}
}
