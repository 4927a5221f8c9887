// Package reconcile converges in-memory state, the trade ledger and
// live exchange truth into one consistent view.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ibis-agent/internal/exchange"
	"ibis-agent/internal/ledger"
	"ibis-agent/internal/models"
	"ibis-agent/internal/state"
	"ibis-agent/internal/universe"
)

// Status grades a reconciliation pass.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarn     Status = "WARN"
	StatusCritical Status = "CRITICAL"
)

// Report is the structured outcome of one pass.
type Report struct {
	Status         Status
	Issues         []string
	CleanedDust    int
	AdoptedHolding int
	DroppedPending int
	AdoptedPending int
	SyncedFills    int
	At             time.Time
}

// historySyncWindow bounds the fill lookback on the first pass, before
// a last-sync watermark exists.
const historySyncWindow = 24 * time.Hour

// Config holds reconciliation parameters.
type Config struct {
	QuoteAsset    string
	DustThreshold float64 // quote currency value below which a holding is dust
	LotTolerance  float64
}

// DefaultConfig returns standard reconciliation parameters.
func DefaultConfig() Config {
	return Config{
		QuoteAsset:    "USDT",
		DustThreshold: 1.0,
		LotTolerance:  1e-9,
	}
}

// Reconciler cross-checks state against the exchange. It is the only
// component allowed to create or remove positions without an order
// round-trip.
type Reconciler struct {
	cfg      Config
	client   exchange.Client
	store    *state.Store
	ledger   *ledger.Ledger
	universe *universe.Universe
	logger   zerolog.Logger
	lastSync time.Time
}

// New creates a reconciler.
func New(cfg Config, client exchange.Client, store *state.Store, led *ledger.Ledger, uni *universe.Universe, logger zerolog.Logger) *Reconciler {
	return &Reconciler{cfg: cfg, client: client, store: store, ledger: led, universe: uni, logger: logger}
}

// Run executes one full pass. A pass that cannot fetch authoritative
// exchange data is CRITICAL; structural repairs degrade to WARN.
func (r *Reconciler) Run(ctx context.Context, now time.Time) *Report {
	report := &Report{Status: StatusOK, At: now}

	balances, err := r.client.Balances(ctx)
	if err != nil {
		return r.critical(report, "fetching balances: "+err.Error())
	}
	openOrders, err := r.client.OpenOrders(ctx)
	if err != nil {
		return r.critical(report, "fetching open orders: "+err.Error())
	}

	prices := make(map[string]float64)
	if tickers, err := r.client.Tickers(ctx); err != nil {
		r.warn(report, "ticker fetch failed, valuing at last known prices")
	} else {
		for _, t := range tickers {
			prices[t.Symbol] = t.Price
		}
	}

	balanceByAsset := make(map[string]models.Balance, len(balances))
	for _, b := range balances {
		balanceByAsset[b.Asset] = b
	}
	symbolByBase := r.symbolsByBase()

	snap := r.store.Snapshot()

	r.reconcilePositions(snap, balanceByAsset, prices, report)
	r.adoptHoldings(snap, balanceByAsset, symbolByBase, prices, report, now)
	r.reconcilePending(snap, openOrders, report, now)
	r.syncHistoryFills(ctx, snap, symbolByBase, report, now)
	r.recomputeCapital(balanceByAsset, prices, now)

	r.logger.Info().
		Str("status", string(report.Status)).
		Int("cleaned", report.CleanedDust).
		Int("adopted", report.AdoptedHolding).
		Int("dropped_pending", report.DroppedPending).
		Int("adopted_pending", report.AdoptedPending).
		Int("synced_fills", report.SyncedFills).
		Msg("reconciliation complete")
	return report
}

// syncHistoryFills adopts fills the exchange reports but the ledger
// never saw. Dedupe keys on the exchange order id plus a near-match
// against live records, since live fills carry ledger-assigned ids.
func (r *Reconciler) syncHistoryFills(ctx context.Context, snap state.Snapshot, symbolByBase map[string]string, report *Report, now time.Time) {
	since := r.lastSync
	if since.IsZero() {
		since = now.Add(-historySyncWindow)
	}

	known, bySymbol, err := r.ledgerIndex()
	if err != nil {
		r.warn(report, "reading ledger for history sync: "+err.Error())
		return
	}

	symbols := make(map[string]bool, len(snap.Positions))
	for symbol := range snap.Positions {
		symbols[symbol] = true
	}
	for _, symbol := range symbolByBase {
		symbols[symbol] = true
	}

	for symbol := range symbols {
		fills, err := r.client.RecentFills(ctx, symbol, since)
		if err != nil {
			r.warn(report, symbol+": fetching fill history: "+err.Error())
			continue
		}
		for _, fill := range fills {
			if known[fill.OrderID] || r.matchesLedger(bySymbol[fill.Symbol], fill) {
				continue
			}
			rec := models.TradeRecord{
				ID:        fill.OrderID,
				Symbol:    fill.Symbol,
				Side:      fill.Side,
				Quantity:  fill.Quantity,
				Price:     fill.Price,
				Fee:       fill.Fee,
				Timestamp: fill.FilledAt,
				Source:    models.FillSourceHistory,
			}
			if fill.Side == models.OrderSideSell {
				rec.Reason = models.CloseHistorySync
				if qty, avgEntry, err := r.ledger.OpenLots(fill.Symbol, r.cfg.LotTolerance); err == nil && qty > 0 && avgEntry > 0 {
					rec.RealizedPnL = (fill.Price-avgEntry)*fill.Quantity - fill.Fee
				}
			}
			if _, err := r.ledger.Append(rec); err != nil {
				r.warn(report, fill.Symbol+": recording history fill: "+err.Error())
				continue
			}
			known[rec.ID] = true
			report.SyncedFills++
			r.warn(report, fill.Symbol+": fill found only in exchange history, adopted into ledger")
		}
	}

	r.lastSync = now
}

// ledgerIndex returns the set of record ids and per-symbol records.
func (r *Reconciler) ledgerIndex() (map[string]bool, map[string][]models.TradeRecord, error) {
	recs, err := r.ledger.All()
	if err != nil {
		return nil, nil, err
	}
	ids := make(map[string]bool, len(recs))
	bySymbol := make(map[string][]models.TradeRecord)
	for _, rec := range recs {
		ids[rec.ID] = true
		bySymbol[rec.Symbol] = append(bySymbol[rec.Symbol], rec)
	}
	return ids, bySymbol, nil
}

// matchesLedger reports whether a fill is already represented by a
// ledger record of the same side, size and time.
func (r *Reconciler) matchesLedger(recs []models.TradeRecord, fill models.FilledOrder) bool {
	for _, rec := range recs {
		if rec.Side != fill.Side {
			continue
		}
		if diff := rec.Quantity - fill.Quantity; diff > r.cfg.LotTolerance || diff < -r.cfg.LotTolerance {
			continue
		}
		if gap := rec.Timestamp.Sub(fill.FilledAt); gap < 2*time.Minute && gap > -2*time.Minute {
			return true
		}
	}
	return false
}

// reconcilePositions checks every stored position against live base
// balances.
func (r *Reconciler) reconcilePositions(snap state.Snapshot, balances map[string]models.Balance, prices map[string]float64, report *Report) {
	for symbol, pos := range snap.Positions {
		rule, err := r.universe.Rule(symbol)
		base := rule.BaseAsset
		if err != nil && base == "" {
			r.warn(report, symbol+": no rule, position kept unverified")
			continue
		}

		live := balances[base].Total()
		price := prices[symbol]
		if price <= 0 {
			price = pos.CurrentPrice
		}

		if live*price < r.cfg.DustThreshold {
			r.store.RemovePosition(symbol)
			report.CleanedDust++
			r.warn(report, symbol+": live balance is dust, position removed")
			continue
		}

		if live < pos.Quantity && (pos.Quantity-live)*price >= r.cfg.DustThreshold {
			pos.Quantity = live
			r.store.UpdatePosition(pos)
			r.warn(report, symbol+": quantity shrunk to live balance")
		}

		if pos.EntryPrice <= 0 {
			qty, avgEntry, err := r.ledger.OpenLots(symbol, r.cfg.LotTolerance)
			if err == nil && qty > 0 && avgEntry > 0 {
				pos.EntryPrice = avgEntry
				r.store.UpdatePosition(pos)
				r.warn(report, symbol+": entry reconstructed from ledger")
			} else if price > 0 {
				pos.EntryPrice = price
				r.store.UpdatePosition(pos)
				r.warn(report, symbol+": entry unknown, set to current price")
			}
		}
	}
}

// adoptHoldings creates positions for live holdings the state does not
// know about.
func (r *Reconciler) adoptHoldings(snap state.Snapshot, balances map[string]models.Balance, symbolByBase map[string]string, prices map[string]float64, report *Report, now time.Time) {
	for asset, bal := range balances {
		if asset == r.cfg.QuoteAsset {
			continue
		}
		symbol, ok := symbolByBase[asset]
		if !ok {
			continue
		}
		if _, tracked := snap.Positions[symbol]; tracked {
			continue
		}
		if _, pending := snap.PendingBuys[symbol]; pending {
			continue
		}

		price := prices[symbol]
		if price <= 0 || bal.Total()*price < r.cfg.DustThreshold {
			continue
		}

		entry := price
		if qty, avgEntry, err := r.ledger.OpenLots(symbol, r.cfg.LotTolerance); err == nil && qty > 0 && avgEntry > 0 {
			entry = avgEntry
		}

		pos := models.Position{
			Symbol:        symbol,
			Quantity:      bal.Total(),
			EntryPrice:    entry,
			CurrentPrice:  price,
			HighWaterMark: price,
			OpenedAt:      now,
			Mode:          models.RegimeUnknown,
		}
		r.store.UpdatePosition(pos)
		report.AdoptedHolding++
		r.warn(report, symbol+": untracked holding adopted as position")
	}
}

// reconcilePending aligns pending buys with live open orders.
func (r *Reconciler) reconcilePending(snap state.Snapshot, openOrders []models.Order, report *Report, now time.Time) {
	liveByID := make(map[string]models.Order, len(openOrders))
	for _, o := range openOrders {
		liveByID[o.ID] = o
	}

	for symbol, pb := range snap.PendingBuys {
		if pb.OrderID == "" {
			continue
		}
		if _, alive := liveByID[pb.OrderID]; !alive {
			r.store.DropPendingBuy(symbol)
			report.DroppedPending++
			r.warn(report, symbol+": pending buy has no live order, reservation returned")
		}
	}

	tracked := make(map[string]bool, len(snap.PendingBuys))
	for _, pb := range snap.PendingBuys {
		if pb.OrderID != "" {
			tracked[pb.OrderID] = true
		}
	}
	for _, o := range openOrders {
		if o.Side != models.OrderSideBuy || tracked[o.ID] {
			continue
		}
		if _, exists := snap.Positions[o.Symbol]; exists {
			r.warn(report, o.Symbol+": live buy order alongside a position")
			continue
		}
		pb := models.PendingBuy{
			Symbol:   o.Symbol,
			OrderID:  o.ID,
			Notional: o.Quantity * o.Price,
			Price:    o.Price,
			Quantity: o.Quantity,
			PlacedAt: o.PlacedAt,
		}
		if pb.PlacedAt.IsZero() {
			pb.PlacedAt = now
		}
		if err := r.store.ReservePendingBuy(pb); err == nil {
			report.AdoptedPending++
			r.warn(report, o.Symbol+": untracked live order adopted as pending buy")
		}
	}
}

// recomputeCapital rebuilds the capital view from authoritative numbers.
func (r *Reconciler) recomputeCapital(balances map[string]models.Balance, prices map[string]float64, now time.Time) {
	quote := balances[r.cfg.QuoteAsset]

	snap := r.store.Snapshot()
	var locked float64
	for _, pb := range snap.PendingBuys {
		locked += pb.Notional
	}
	var holdings float64
	for _, pos := range snap.Positions {
		price := prices[pos.Symbol]
		if price <= 0 {
			price = pos.CurrentPrice
		}
		holdings += pos.Quantity * price
	}

	available := quote.Free
	r.store.SetCapital(models.CapitalAwareness{
		QuoteAvailable: available,
		QuoteLocked:    locked,
		HoldingsValue:  holdings,
		TotalAssets:    available + locked + holdings,
		UpdatedAt:      now,
	})
}

// symbolsByBase maps base assets to their tradable symbol.
func (r *Reconciler) symbolsByBase() map[string]string {
	out := make(map[string]string)
	for _, sym := range r.universe.Tradable(nil) {
		if rule, err := r.universe.Rule(sym); err == nil && rule.BaseAsset != "" {
			out[rule.BaseAsset] = sym
		}
	}
	return out
}

func (r *Reconciler) warn(report *Report, issue string) {
	report.Issues = append(report.Issues, issue)
	if report.Status == StatusOK {
		report.Status = StatusWarn
	}
	r.logger.Warn().Str("issue", issue).Msg("reconcile")
}

func (r *Reconciler) critical(report *Report, issue string) *Report {
	report.Issues = append(report.Issues, issue)
	report.Status = StatusCritical
	r.logger.Error().Str("issue", issue).Msg("reconcile critical")
	return report
}
