package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"ibis-agent/internal/models"
	"ibis-agent/internal/state"
	"ibis-agent/internal/store"
)

// addInspectCommands adds read-only inspection commands.
func addInspectCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
	rootCmd.AddCommand(newPerformanceCmd(app))
}

// readSnapshot loads the durable state file without taking the agent's
// lock, so inspection works while the agent is running.
func readSnapshot(path string) (state.Snapshot, error) {
	var snap state.Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse state file: %w", err)
	}
	return snap, nil
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent state, positions and capital",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			snap, err := readSnapshot(app.Config.Paths.StateFile)
			if err != nil {
				if os.IsNotExist(err) {
					output.Warning("no state file at %s, agent has not run yet", app.Config.Paths.StateFile)
					return nil
				}
				return err
			}

			if output.IsJSON() {
				return output.JSON(snap)
			}

			output.Bold("Agent")
			output.Printf("  mode:    %s\n", snap.AgentMode)
			output.Printf("  regime:  %s\n", snap.LastRegime)
			output.Printf("  updated: %s\n", snap.UpdatedAt.Format(time.RFC3339))

			output.Bold("Capital")
			output.Printf("  available: %.2f\n", snap.Capital.QuoteAvailable)
			output.Printf("  locked:    %.2f\n", snap.Capital.QuoteLocked)
			output.Printf("  holdings:  %.2f\n", snap.Capital.HoldingsValue)
			output.Printf("  total:     %.2f\n", snap.Capital.TotalAssets)

			output.Bold("Today (%s)", snap.Daily.Day)
			output.Printf("  trades: %d (%dW / %dL, %d consecutive losses)\n",
				snap.Daily.Trades, snap.Daily.Wins, snap.Daily.Losses, snap.Daily.ConsecutiveLosses)
			output.Printf("  pnl:    %s  fees: %.2f\n", output.Pnl(snap.Daily.RealizedPnL), snap.Daily.FeesPaid)

			output.Bold("Positions (%d)", len(snap.Positions))
			symbols := make([]string, 0, len(snap.Positions))
			for s := range snap.Positions {
				symbols = append(symbols, s)
			}
			sort.Strings(symbols)
			for _, s := range symbols {
				pos := snap.Positions[s]
				output.Printf("  %-12s qty %.6f @ %.6f  now %.6f  sl %.6f  tp %.6f  %s (%+.2f%%)\n",
					pos.Symbol, pos.Quantity, pos.EntryPrice, pos.CurrentPrice,
					pos.StopLoss, pos.TakeProfit,
					output.Pnl(pos.UnrealizedPnL()), pos.UnrealizedGainPct()*100)
			}

			if len(snap.PendingBuys) > 0 {
				output.Bold("Pending buys (%d)", len(snap.PendingBuys))
				pending := make([]string, 0, len(snap.PendingBuys))
				for s := range snap.PendingBuys {
					pending = append(pending, s)
				}
				sort.Strings(pending)
				for _, s := range pending {
					pb := snap.PendingBuys[s]
					output.Printf("  %-12s %.2f @ %.6f  order %s  placed %s\n",
						pb.Symbol, pb.Notional, pb.Price, pb.OrderID,
						pb.PlacedAt.Format(time.RFC3339))
				}
			}

			if len(snap.Quarantined) > 0 {
				quarantined := make([]string, 0, len(snap.Quarantined))
				for s := range snap.Quarantined {
					quarantined = append(quarantined, s)
				}
				sort.Strings(quarantined)
				output.Bold("Quarantined today")
				for _, s := range quarantined {
					output.Dim("  %s", s)
				}
			}
			return nil
		},
	}
}

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades [symbol]",
		Short: "List recorded trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			limit, _ := cmd.Flags().GetInt("limit")
			side, _ := cmd.Flags().GetString("side")
			days, _ := cmd.Flags().GetInt("days")

			db, err := store.NewSQLiteStore(app.Config.Paths.TradesDB)
			if err != nil {
				return err
			}
			defer db.Close()

			filter := store.TradeFilter{Limit: limit, Side: models.OrderSide(side)}
			if len(args) > 0 {
				filter.Symbol = args[0]
			}
			if days > 0 {
				filter.StartDate = time.Now().UTC().AddDate(0, 0, -days)
			}

			trades, err := db.GetTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Dim("no trades recorded")
				return nil
			}
			for _, t := range trades {
				line := fmt.Sprintf("%s  %-4s %-12s qty %.6f @ %.6f fee %.4f",
					t.Timestamp.Format("2006-01-02 15:04:05"), t.Side, t.Symbol,
					t.Quantity, t.Price, t.Fee)
				if t.Side == models.OrderSideSell {
					line += fmt.Sprintf("  %s [%s]", output.Pnl(t.RealizedPnL), t.Reason)
				}
				output.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum trades to show")
	cmd.Flags().String("side", "", "filter by side (BUY or SELL)")
	cmd.Flags().Int("days", 0, "only trades from the last N days")
	return cmd
}

func newPerformanceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "performance",
		Short: "Show realized performance per symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			days, _ := cmd.Flags().GetInt("days")

			db, err := store.NewSQLiteStore(app.Config.Paths.TradesDB)
			if err != nil {
				return err
			}
			defer db.Close()

			since := time.Time{}
			if days > 0 {
				since = time.Now().UTC().AddDate(0, 0, -days)
			}
			stats, err := db.SymbolPerformance(cmd.Context(), since)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(stats)
			}
			if len(stats) == 0 {
				output.Dim("no closed trades")
				return nil
			}
			output.Bold("%-12s %7s %5s %5s %12s %10s", "SYMBOL", "CLOSES", "WINS", "LOSS", "PNL", "FEES")
			for _, s := range stats {
				output.Printf("%-12s %7d %5d %5d %12s %10.4f\n",
					s.Symbol, s.Closes, s.Wins, s.Losses, output.Pnl(s.RealizedPnL), s.FeesPaid)
			}
			return nil
		},
	}
	cmd.Flags().Int("days", 0, "only trades from the last N days")
	return cmd
}
