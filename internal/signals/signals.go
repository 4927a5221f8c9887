// Package signals provides pluggable external signal sources. Every
// source degrades to a zero-confidence neutral signal on failure so a
// dead feed can never veto or force a trade.
package signals

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ibis-agent/internal/models"
)

// Context carries the per-cycle market data a source may consult.
type Context struct {
	Ticker  models.Ticker
	Candles []models.Candle
}

// Source produces a bounded score for one symbol.
type Source interface {
	Name() string
	Score(ctx context.Context, symbol string, mkt Context) models.Signal
}

// Registry fans a symbol out to all registered sources and filters
// stale results.
type Registry struct {
	sources []Source
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewRegistry creates a registry with the given staleness TTL.
func NewRegistry(ttl time.Duration, logger zerolog.Logger, sources ...Source) *Registry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Registry{sources: sources, ttl: ttl, logger: logger}
}

// Collect gathers one signal per source for the symbol. Signals older
// than the TTL are replaced with neutral ones.
func (r *Registry) Collect(ctx context.Context, symbol string, mkt Context) map[string]models.Signal {
	now := time.Now().UTC()
	out := make(map[string]models.Signal, len(r.sources))
	for _, src := range r.sources {
		sig := src.Score(ctx, symbol, mkt)
		if sig.Stale(now, r.ttl) {
			r.logger.Debug().
				Str("source", src.Name()).
				Str("symbol", symbol).
				Time("generated_at", sig.GeneratedAt).
				Msg("stale signal discarded")
			sig = models.NeutralSignal(src.Name(), symbol)
		}
		out[src.Name()] = sig
	}
	return out
}

// Sources returns the registered source names.
func (r *Registry) Sources() []string {
	names := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		names = append(names, s.Name())
	}
	return names
}
