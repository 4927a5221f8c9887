package signals

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

// OnChainSource reads discrete whale and flow events and buckets them
// into a [0,100] score.
type OnChainSource struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewOnChainSource creates an on-chain source against the given API.
func NewOnChainSource(baseURL string, timeout time.Duration, logger zerolog.Logger) *OnChainSource {
	return &OnChainSource{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
		logger: logger,
	}
}

func (o *OnChainSource) Name() string { return "onchain" }

type onchainResponse struct {
	NetExchangeFlow float64 `json:"net_exchange_flow"` // negative = outflow
	WhaleBuys       int     `json:"whale_buys"`
	WhaleSells      int     `json:"whale_sells"`
}

// Score buckets net exchange flow and whale activity.
func (o *OnChainSource) Score(ctx context.Context, symbol string, mkt Context) models.Signal {
	var body onchainResponse
	resp, err := o.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&body).
		Get("/v1/onchain")
	if err != nil || resp.IsError() {
		o.logger.Debug().Err(err).Str("symbol", symbol).Msg("onchain fetch failed")
		return models.NeutralSignal(o.Name(), symbol)
	}

	score := 50.0
	// Exchange outflows read as accumulation.
	switch {
	case body.NetExchangeFlow < -0.02:
		score += 20
	case body.NetExchangeFlow < 0:
		score += 10
	case body.NetExchangeFlow > 0.02:
		score -= 20
	case body.NetExchangeFlow > 0:
		score -= 10
	}

	net := body.WhaleBuys - body.WhaleSells
	switch {
	case net >= 3:
		score += 20
	case net > 0:
		score += 10
	case net <= -3:
		score -= 20
	case net < 0:
		score -= 10
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return models.Signal{
		Source:      o.Name(),
		Symbol:      symbol,
		Score:       score,
		Confidence:  0.8,
		GeneratedAt: time.Now().UTC(),
		Payload:     body.NetExchangeFlow,
	}
}
