// Package config defines all configuration for the trading core. Config is
// loaded from a YAML file (default: configs/config.yaml) with sensitive or
// frequently-overridden fields overridable via TRADECORE_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Autonomous AutonomousConfig `mapstructure:"autonomous"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// TradingConfig sets the platform-wide defaults new agents start with and
// the fee schedule applied to every fill.
type TradingConfig struct {
	DefaultStartingCapitalUsd float64  `mapstructure:"default_starting_capital_usd"`
	DefaultMode               string   `mapstructure:"default_mode"` // "paper" or "live"
	PlatformFeeBps            float64  `mapstructure:"platform_fee_bps"`
	TakerFeeBps               float64  `mapstructure:"taker_fee_bps"`
	SupportedSymbols          []string `mapstructure:"supported_symbols"`
}

// RiskConfig sets the default per-agent risk limits. New agents inherit
// these unless created with explicit overrides.
//
//   - MaxPositionSizePct: cap on a single symbol's position value as a
//     fraction of account equity.
//   - MaxOrderNotionalUsd: cap on a single order's notional.
//   - MaxGrossExposureUsd: cap on the sum of |position value| across all
//     symbols after the order.
//   - DailyLossCapUsd: realized-loss threshold for the current UTC day.
//   - MaxDrawdownPct: cap on (peakEquity - equity) / peakEquity.
//   - CooldownSeconds: minimum spacing between an agent's accepted trades.
type RiskConfig struct {
	MaxPositionSizePct  float64 `mapstructure:"max_position_size_pct"`
	MaxOrderNotionalUsd float64 `mapstructure:"max_order_notional_usd"`
	MaxGrossExposureUsd float64 `mapstructure:"max_gross_exposure_usd"`
	DailyLossCapUsd     float64 `mapstructure:"daily_loss_cap_usd"`
	MaxDrawdownPct      float64 `mapstructure:"max_drawdown_pct"`
	CooldownSeconds     int64   `mapstructure:"cooldown_seconds"`
}

// WorkerConfig tunes the execution worker's drain loop.
type WorkerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
}

// AutonomousConfig tunes the autonomous guard's halt and cooldown behavior.
//
//   - MaxDrawdownStopPct: drawdown at which an agent is halted outright.
//   - CooldownAfterConsecutiveFailures: consecutive execution failures
//     before a cooldown engages.
//   - Cooldown: how long the cooldown lasts once engaged.
type AutonomousConfig struct {
	MaxDrawdownStopPct               float64       `mapstructure:"max_drawdown_stop_pct"`
	CooldownAfterConsecutiveFailures int           `mapstructure:"cooldown_after_consecutive_failures"`
	Cooldown                         time.Duration `mapstructure:"cooldown"`
}

// PathsConfig sets where the store persists its snapshot and, optionally,
// where the daemon mirrors its log output on top of stdout.
type PathsConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	StateFile string `mapstructure:"state_file"`
	LogFile   string `mapstructure:"log_file"`
}

// LoggingConfig controls the slog handler main wires up.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// TRADECORE_DATA_DIR and TRADECORE_DEFAULT_MODE take precedence over the
// file when set, for container deployments that pin a data volume or flip
// an agent fleet between paper and live without editing YAML.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dir := os.Getenv("TRADECORE_DATA_DIR"); dir != "" {
		cfg.Paths.DataDir = dir
	}
	if mode := os.Getenv("TRADECORE_DEFAULT_MODE"); mode != "" {
		cfg.Trading.DefaultMode = mode
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Trading.DefaultStartingCapitalUsd <= 0 {
		return fmt.Errorf("trading.default_starting_capital_usd must be > 0")
	}
	switch c.Trading.DefaultMode {
	case "paper", "live":
	default:
		return fmt.Errorf("trading.default_mode must be one of: paper, live")
	}
	if len(c.Trading.SupportedSymbols) == 0 {
		return fmt.Errorf("trading.supported_symbols must not be empty")
	}
	if c.Risk.MaxOrderNotionalUsd <= 0 {
		return fmt.Errorf("risk.max_order_notional_usd must be > 0")
	}
	if c.Risk.MaxGrossExposureUsd <= 0 {
		return fmt.Errorf("risk.max_gross_exposure_usd must be > 0")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct > 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 1]")
	}
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 1 {
		return fmt.Errorf("risk.max_position_size_pct must be in (0, 1]")
	}
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("worker.interval must be > 0")
	}
	if c.Worker.MaxBatchSize <= 0 {
		return fmt.Errorf("worker.max_batch_size must be > 0")
	}
	if c.Autonomous.MaxDrawdownStopPct <= 0 || c.Autonomous.MaxDrawdownStopPct > 1 {
		return fmt.Errorf("autonomous.max_drawdown_stop_pct must be in (0, 1]")
	}
	if c.Autonomous.CooldownAfterConsecutiveFailures <= 0 {
		return fmt.Errorf("autonomous.cooldown_after_consecutive_failures must be > 0")
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if c.Paths.StateFile == "" {
		c.Paths.StateFile = "state.json"
	}
	return nil
}
