// Package cli provides the command-line interface for the trading agent.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ibis-agent/internal/config"
	"ibis-agent/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-08-06"
)

// App holds the application dependencies shared by commands. Heavy
// components (state store, ledger, exchange client) are constructed per
// command because the state store takes an exclusive lock.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "ibis",
		Short: "Ibis - autonomous spot market trading agent",
		Long: `Ibis is an autonomous trading agent for crypto spot markets.

It scans a filtered symbol universe each cycle, blends technical and
intelligence signals into a composite score, sizes entries off live
capital and places maker-side limit orders with managed exits.

Use 'ibis run' to start the agent loop.
Use 'ibis status' to inspect a running or stopped agent's state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/ibis)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addAgentCommands(rootCmd, app)
	addInspectCommands(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("ibis %s (built %s)\n", Version, BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			output.Bold("Exchange")
			output.Printf("  base_url:    %s\n", app.Config.Exchange.BaseURL)
			output.Printf("  stream_url:  %s\n", app.Config.Exchange.StreamURL)
			output.Printf("  quote_asset: %s\n", app.Config.Exchange.QuoteAsset)
			output.Bold("Trading")
			output.Printf("  paper:         %v\n", app.Config.Trading.Paper)
			output.Printf("  capital/trade: %.2f - %.2f\n", app.Config.Trading.MinCapitalPerTrade, app.Config.Trading.MaxCapitalPerTrade)
			output.Printf("  max_positions: %d\n", app.Config.Trading.MaxTotalPositions)
			output.Bold("Agent")
			output.Printf("  scan_interval: %s (%s - %s)\n", app.Config.Agent.ScanInterval, app.Config.Agent.MinScanInterval, app.Config.Agent.MaxScanInterval)
			output.Printf("  workers:       %d\n", app.Config.Agent.Workers)
			output.Bold("Paths")
			output.Printf("  state:    %s\n", app.Config.Paths.StateFile)
			output.Printf("  ledger:   %s\n", app.Config.Paths.LedgerFile)
			output.Printf("  learning: %s\n", app.Config.Paths.LearningFile)
			output.Printf("  trades:   %s\n", app.Config.Paths.TradesDB)
			return nil
		},
	}
}
