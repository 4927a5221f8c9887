package signals

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

// SentimentSource aggregates external sentiment feeds into a [0,100]
// score. Confidence reflects the share of healthy sub-sources.
type SentimentSource struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewSentimentSource creates a sentiment source against the given
// aggregator base URL.
func NewSentimentSource(baseURL string, timeout time.Duration, logger zerolog.Logger) *SentimentSource {
	return &SentimentSource{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
		logger: logger,
	}
}

func (s *SentimentSource) Name() string { return "sentiment" }

type sentimentResponse struct {
	Score   float64 `json:"score"`
	Sources int     `json:"sources"`
	Healthy int     `json:"healthy"`
}

// Score fetches aggregated sentiment for the symbol.
func (s *SentimentSource) Score(ctx context.Context, symbol string, mkt Context) models.Signal {
	var body sentimentResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&body).
		Get("/v1/sentiment")
	if err != nil || resp.IsError() {
		s.logger.Debug().Err(err).Str("symbol", symbol).Msg("sentiment fetch failed")
		return models.NeutralSignal(s.Name(), symbol)
	}

	confidence := 0.0
	if body.Sources > 0 {
		confidence = float64(body.Healthy) / float64(body.Sources)
	}
	score := body.Score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return models.Signal{
		Source:      s.Name(),
		Symbol:      symbol,
		Score:       score,
		Confidence:  confidence,
		GeneratedAt: time.Now().UTC(),
	}
}
