// Package config provides configuration management for the trading agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	apperrors "ibis-agent/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Signals  SignalsConfig  `mapstructure:"signals"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// ExchangeConfig holds exchange connectivity configuration.
type ExchangeConfig struct {
	BaseURL       string  `mapstructure:"base_url"`
	StreamURL     string  `mapstructure:"stream_url"`
	QuoteAsset    string  `mapstructure:"quote_asset"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
	MakerFeePct   float64 `mapstructure:"maker_fee_pct"`
	TakerFeePct   float64 `mapstructure:"taker_fee_pct"`
	SlippagePct   float64 `mapstructure:"slippage_pct"`
}

// RoundTripFrictionPct returns the estimated total cost of an entry plus
// exit as a fraction of notional.
func (e ExchangeConfig) RoundTripFrictionPct() float64 {
	return e.MakerFeePct + e.TakerFeePct + 2*e.SlippagePct
}

// TradingConfig holds position sizing and entry configuration.
type TradingConfig struct {
	Paper               bool    `mapstructure:"paper"`
	MinCapitalPerTrade  float64 `mapstructure:"min_capital_per_trade"`
	MaxCapitalPerTrade  float64 `mapstructure:"max_capital_per_trade"`
	MaxTotalPositions   int     `mapstructure:"max_total_positions"`
	MinVolume24h        float64 `mapstructure:"min_volume_24h"`
	MinViableTargetPct  float64 `mapstructure:"min_viable_target_pct"`
	PendingBuyTTL       time.Duration `mapstructure:"pending_buy_ttl"`
	RecycleMinGainPct   float64 `mapstructure:"recycle_min_gain_pct"`
	RecycleMaxGainPct   float64 `mapstructure:"recycle_max_gain_pct"`
	RecycleScoreDrop    float64 `mapstructure:"recycle_score_drop"`
	AlphaDecayAge       time.Duration `mapstructure:"alpha_decay_age"`
	AlphaDecayMaxGain   float64 `mapstructure:"alpha_decay_max_gain_pct"`
}

// RiskConfig holds stop, target and circuit breaker configuration.
type RiskConfig struct {
	StopLossPct          float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct        float64 `mapstructure:"take_profit_pct"`
	StopLossFloorPct     float64 `mapstructure:"stop_loss_floor_pct"`
	StopLossCeilPct      float64 `mapstructure:"stop_loss_ceil_pct"`
	TrailActivatePct     float64 `mapstructure:"trail_activate_pct"`
	DailyLossLimit       float64 `mapstructure:"daily_loss_limit"`
	ConsecutiveLossLimit int     `mapstructure:"consecutive_loss_limit"`
	DustThreshold        float64 `mapstructure:"dust_threshold"`
}

// AgentConfig holds control loop configuration.
type AgentConfig struct {
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	MinScanInterval   time.Duration `mapstructure:"min_scan_interval"`
	MaxScanInterval   time.Duration `mapstructure:"max_scan_interval"`
	PhaseBudget       time.Duration `mapstructure:"phase_budget"`
	Workers           int           `mapstructure:"workers"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	UniverseRefresh   time.Duration `mapstructure:"universe_refresh"`
	TopOpportunities  int           `mapstructure:"top_opportunities"`
}

// SignalsConfig holds signal source configuration.
type SignalsConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	SentimentURL      string        `mapstructure:"sentiment_url"`
	OnChainURL        string        `mapstructure:"onchain_url"`
	CrossExchangeURL  string        `mapstructure:"cross_exchange_url"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// PathsConfig holds durable file locations.
type PathsConfig struct {
	StateFile    string `mapstructure:"state_file"`
	LedgerFile   string `mapstructure:"ledger_file"`
	LearningFile string `mapstructure:"learning_file"`
	RulesCache   string `mapstructure:"rules_cache"`
	TradesDB     string `mapstructure:"trades_db"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/ibis"
	}
	return filepath.Join(home, ".config", "ibis")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.yaml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("exchange.base_url", "https://api.exchange.local")
	v.SetDefault("exchange.stream_url", "wss://stream.exchange.local/ws")
	v.SetDefault("exchange.quote_asset", "USDT")
	v.SetDefault("exchange.rate_per_second", 10.0)
	v.SetDefault("exchange.rate_burst", 20)
	v.SetDefault("exchange.maker_fee_pct", 0.001)
	v.SetDefault("exchange.taker_fee_pct", 0.001)
	v.SetDefault("exchange.slippage_pct", 0.0005)

	v.SetDefault("trading.paper", true)
	v.SetDefault("trading.min_capital_per_trade", 11.0)
	v.SetDefault("trading.max_capital_per_trade", 30.0)
	v.SetDefault("trading.max_total_positions", 25)
	v.SetDefault("trading.min_volume_24h", 100000.0)
	v.SetDefault("trading.min_viable_target_pct", 0.005)
	v.SetDefault("trading.pending_buy_ttl", 2*time.Minute)
	v.SetDefault("trading.recycle_min_gain_pct", 0.005)
	v.SetDefault("trading.recycle_max_gain_pct", 0.010)
	v.SetDefault("trading.recycle_score_drop", 15.0)
	v.SetDefault("trading.alpha_decay_age", 2*time.Hour)
	v.SetDefault("trading.alpha_decay_max_gain_pct", 0.005)

	v.SetDefault("risk.stop_loss_pct", 0.02)
	v.SetDefault("risk.take_profit_pct", 0.015)
	v.SetDefault("risk.stop_loss_floor_pct", 0.005)
	v.SetDefault("risk.stop_loss_ceil_pct", 0.05)
	v.SetDefault("risk.trail_activate_pct", 0.01)
	v.SetDefault("risk.daily_loss_limit", 50.0)
	v.SetDefault("risk.consecutive_loss_limit", 5)
	v.SetDefault("risk.dust_threshold", 1.0)

	v.SetDefault("agent.scan_interval", 10*time.Second)
	v.SetDefault("agent.min_scan_interval", 3*time.Second)
	v.SetDefault("agent.max_scan_interval", 30*time.Second)
	v.SetDefault("agent.phase_budget", 60*time.Second)
	v.SetDefault("agent.workers", 8)
	v.SetDefault("agent.reconcile_interval", 5*time.Minute)
	v.SetDefault("agent.universe_refresh", 1*time.Hour)
	v.SetDefault("agent.top_opportunities", 25)

	v.SetDefault("signals.ttl", 60*time.Second)
	v.SetDefault("signals.fetch_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "agent.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("paths.state_file", filepath.Join(configDir, "state.json"))
	v.SetDefault("paths.ledger_file", filepath.Join(configDir, "trades.jsonl"))
	v.SetDefault("paths.learning_file", filepath.Join(configDir, "learning.json"))
	v.SetDefault("paths.rules_cache", filepath.Join(configDir, "rules.json"))
	v.SetDefault("paths.trades_db", filepath.Join(configDir, "trades.db"))
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PAPER_TRADING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.Paper = b
		}
	}
	if v := os.Getenv("MIN_CAPITAL_PER_TRADE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.MinCapitalPerTrade = f
		}
	}
	if v := os.Getenv("MAX_CAPITAL_PER_TRADE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.MaxCapitalPerTrade = f
		}
	}
	if v := os.Getenv("MAX_TOTAL_POSITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trading.MaxTotalPositions = n
		}
	}
	if v := os.Getenv("STOP_LOSS_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.StopLossPct = f
		}
	}
	if v := os.Getenv("TAKE_PROFIT_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.TakeProfitPct = f
		}
	}
	if v := os.Getenv("SCAN_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.ScanInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DAILY_LOSS_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.DailyLossLimit = f
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.MinCapitalPerTrade <= 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "min_capital_per_trade must be positive")
	}
	if c.Trading.MaxCapitalPerTrade < c.Trading.MinCapitalPerTrade {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "max_capital_per_trade below min_capital_per_trade")
	}
	if c.Trading.MaxTotalPositions <= 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "max_total_positions must be positive")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "stop_loss_pct must be in (0,1)")
	}
	if c.Risk.TakeProfitPct <= 0 || c.Risk.TakeProfitPct >= 1 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "take_profit_pct must be in (0,1)")
	}
	if c.Risk.StopLossFloorPct > c.Risk.StopLossCeilPct {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "stop_loss_floor_pct above stop_loss_ceil_pct")
	}
	if c.Risk.DailyLossLimit <= 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "daily_loss_limit must be positive")
	}
	if c.Agent.MinScanInterval > c.Agent.MaxScanInterval {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "min_scan_interval above max_scan_interval")
	}
	if c.Agent.ScanInterval < c.Agent.MinScanInterval || c.Agent.ScanInterval > c.Agent.MaxScanInterval {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "scan_interval outside bounds")
	}
	if c.Agent.Workers <= 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "workers must be positive")
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Paper
}
