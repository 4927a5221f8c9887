// Package universe maintains the tradable symbol set and the durable
// exchange rule cache.
package universe

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "ibis-agent/internal/errors"
	"ibis-agent/internal/exchange"
	"ibis-agent/internal/models"
	"ibis-agent/pkg/utils"
)

// Config holds universe configuration.
type Config struct {
	QuoteAsset   string
	MinVolume24h float64
	CachePath    string
	MaxRuleAge   time.Duration
}

// Universe is the filtered tradable symbol set backed by a durable
// rule cache. Safe for concurrent reads.
type Universe struct {
	cfg    Config
	client exchange.Client
	logger zerolog.Logger

	mu          sync.RWMutex
	rules       map[string]models.SymbolRule
	tradable    []string
	refreshedAt time.Time
}

// New creates a Universe and loads the durable rule cache if present.
func New(cfg Config, client exchange.Client, logger zerolog.Logger) *Universe {
	u := &Universe{
		cfg:    cfg,
		client: client,
		logger: logger,
		rules:  make(map[string]models.SymbolRule),
	}
	if err := u.loadCache(); err != nil {
		logger.Warn().Err(err).Msg("rule cache unreadable, starting empty")
	}
	return u
}

type cacheFile struct {
	RefreshedAt time.Time           `json:"refreshed_at"`
	Rules       []models.SymbolRule `json:"rules"`
}

func (u *Universe) loadCache() error {
	data, err := os.ReadFile(u.cfg.CachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return apperrors.Wrap(apperrors.ErrCorruptState, "rule cache")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, r := range cf.Rules {
		u.rules[r.Symbol] = r
	}
	u.refreshedAt = cf.RefreshedAt
	u.rebuildTradableLocked()
	u.logger.Info().Int("rules", len(cf.Rules)).Time("refreshed_at", cf.RefreshedAt).Msg("rule cache loaded")
	return nil
}

func (u *Universe) saveCacheLocked() error {
	rules := make([]models.SymbolRule, 0, len(u.rules))
	for _, r := range u.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Symbol < rules[j].Symbol })
	data, err := json.MarshalIndent(cacheFile{RefreshedAt: u.refreshedAt, Rules: rules}, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(u.cfg.CachePath, data, 0644)
}

// Refresh fetches rules from the exchange and merges them into the
// cache. Symbols missing from the response keep their previous rule so
// held positions never lose their increments; a failed fetch keeps the
// whole cache as-is.
func (u *Universe) Refresh(ctx context.Context) error {
	fetched, err := u.client.SymbolRules(ctx)
	if err != nil {
		u.logger.Warn().Err(err).Msg("rule refresh failed, keeping cached rules")
		return err
	}

	now := time.Now().UTC()
	u.mu.Lock()
	defer u.mu.Unlock()

	seen := make(map[string]bool, len(fetched))
	for _, r := range fetched {
		if !r.Valid() {
			// A present symbol with a broken payload keeps its cached
			// rule; only symbols absent from the response deactivate.
			if _, cached := u.rules[r.Symbol]; cached {
				seen[r.Symbol] = true
				u.logger.Warn().Str("symbol", r.Symbol).Msg("invalid rule payload, keeping cached rule")
			}
			continue
		}
		r.RefreshedAt = now
		u.rules[r.Symbol] = r
		seen[r.Symbol] = true
	}
	for sym, r := range u.rules {
		if !seen[sym] {
			r.Active = false
			u.rules[sym] = r
		}
	}
	u.refreshedAt = now
	u.rebuildTradableLocked()

	if err := u.saveCacheLocked(); err != nil {
		u.logger.Error().Err(err).Msg("rule cache write failed")
	}
	u.logger.Info().Int("rules", len(u.rules)).Int("tradable", len(u.tradable)).Msg("universe refreshed")
	return nil
}

func (u *Universe) rebuildTradableLocked() {
	u.tradable = u.tradable[:0]
	for sym, r := range u.rules {
		if r.Active && r.QuoteAsset == u.cfg.QuoteAsset {
			u.tradable = append(u.tradable, sym)
		}
	}
	sort.Strings(u.tradable)
}

// Tradable returns the tradable symbols, optionally filtered by 24h
// volume from the given ticker snapshot.
func (u *Universe) Tradable(tickers map[string]models.Ticker) []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, 0, len(u.tradable))
	for _, sym := range u.tradable {
		if tickers != nil {
			t, ok := tickers[sym]
			if !ok || t.Volume24h < u.cfg.MinVolume24h {
				continue
			}
		}
		out = append(out, sym)
	}
	return out
}

// Rule returns the cached rule for a symbol. ErrUnknownSymbol when the
// symbol was never cached; ErrStaleData when the cache is older than
// MaxRuleAge.
func (u *Universe) Rule(symbol string) (models.SymbolRule, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	r, ok := u.rules[symbol]
	if !ok {
		return models.SymbolRule{}, apperrors.ErrUnknownSymbol
	}
	if u.cfg.MaxRuleAge > 0 && time.Since(u.refreshedAt) > u.cfg.MaxRuleAge {
		return r, apperrors.ErrStaleData
	}
	return r, nil
}

// RefreshedAt returns the time of the last successful refresh.
func (u *Universe) RefreshedAt() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.refreshedAt
}

// Size returns the tradable symbol count.
func (u *Universe) Size() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.tradable)
}
