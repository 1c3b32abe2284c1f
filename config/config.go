// Package config loads and validates the engine configuration.
// Secrets come from the environment (.env); trading parameters come from
// config.json next to the binary.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"hypergrid/logger"
)

// AccountConfig holds exchange credentials. Loaded from environment only,
// never from config.json.
type AccountConfig struct {
	PrivateKey    string // hyperliquid agent key
	WalletAddress string // hyperliquid main wallet
	APIKey        string // binance
	APISecret     string // binance
	Testnet       bool
}

// GridConfig holds all tunable parameters for one grid instance
type GridConfig struct {
	// Trading parameters
	Symbol            string  `json:"symbol"`
	TotalCapital      float64 `json:"total_capital"`
	GridCount         int     `json:"grid_count"`
	TradeAmount       float64 `json:"trade_amount"`
	Leverage          int     `json:"leverage"`
	PricePrecision    int     `json:"price_precision"`
	QuantityPrecision int     `json:"quantity_precision"`

	// Grid spacing parameters (fractions, e.g. 0.005 = 0.5%)
	MinGridSpacing float64 `json:"min_grid_spacing"`
	MaxGridSpacing float64 `json:"max_grid_spacing"`

	// Order lifecycle parameters
	MaxActiveOrders   int     `json:"max_active_orders"`    // global order-count ceiling
	ImbalanceLimit    int     `json:"imbalance_limit"`      // max |buys - sells| before supplementation
	MaxOrderAgeSec    int     `json:"max_order_age_sec"`    // base expiry age, adapted at runtime
	MinOrderAgeSec    int     `json:"min_order_age_sec"`    // floor for the adaptive age
	OrderCheckSec     int     `json:"order_check_sec"`      // order-status reconciliation interval
	MaxOrdersPerBatch int     `json:"max_orders_per_batch"` // initial batch size for the throttle
	BatchDelayMs      int     `json:"batch_delay_ms"`       // inter-call delay inside a batch
	FeeRate           float64 `json:"fee_rate"`
	MinProfit         float64 `json:"min_profit"` // minimum profit margin per round trip (fraction)

	// Risk control parameters
	MaxDrawdown           float64 `json:"max_drawdown"`
	MaxSingleLoss         float64 `json:"max_single_loss"`
	MaxDailyLoss          float64 `json:"max_daily_loss"`
	TrailingStopRatio     float64 `json:"trailing_stop_ratio"`
	MarginSafetyThreshold float64 `json:"margin_safety_threshold"`
	SlippageTolerance     float64 `json:"slippage_tolerance"`

	// Stop-fraction curves, one per partial-stop tier. Each tier maps loss
	// severity to the fraction of the position to liquidate; curves differ
	// per tier and are deliberately tunable rather than unified.
	TrailingStopFraction StopFraction `json:"trailing_stop_fraction"`
	PositionStopFraction StopFraction `json:"position_stop_fraction"`
	DeclineStopFraction  StopFraction `json:"decline_stop_fraction"`

	// Adaptive tuner parameters
	OptimizeIntervalSec  int     `json:"optimize_interval_sec"`  // how often the tuner scores and adjusts
	RollbackThreshold    float64 `json:"rollback_threshold"`     // score drop that triggers rollback
	ObservationWindowSec int     `json:"observation_window_sec"` // min age of a checkpoint before rollback
	MaxCheckpoints       int     `json:"max_checkpoints"`

	// Engine timers
	CheckIntervalSec   int `json:"check_interval_sec"`
	MarginCheckSec     int `json:"margin_check_sec"`
	StatusReportSec    int `json:"status_report_sec"`
	RebalanceSec       int `json:"rebalance_sec"`
	HistoryLength      int `json:"history_length"`
	SnapshotMaxAgeSec  int `json:"snapshot_max_age_sec"` // persisted snapshots older than this are discarded
	ClosePositionOnExit bool `json:"close_position_on_exit"`
}

// StopFraction maps a normalized loss severity to a position fraction:
// fraction = clamp(Base + Slope*severity, Min, Max).
type StopFraction struct {
	Base  float64 `json:"base"`
	Slope float64 `json:"slope"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Fraction evaluates the curve for the given severity
func (s StopFraction) Fraction(severity float64) float64 {
	f := s.Base + s.Slope*severity
	if f < s.Min {
		f = s.Min
	}
	if f > s.Max {
		f = s.Max
	}
	return f
}

// Config is the root configuration
type Config struct {
	Exchange string         `json:"exchange"` // hyperliquid (default) or binance
	DataDir  string         `json:"data_dir"`
	Log      *logger.Config `json:"log"`
	Grid     GridConfig     `json:"grid"`

	Account AccountConfig `json:"-"`
}

// Load reads config.json (if present), applies defaults and environment
// overrides. Callers should run Validate before using the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Exchange: "hyperliquid",
		DataDir:  "data",
		Grid:     DefaultGridConfig(),
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		logger.Infof("📄 %s not found, using default configuration", path)
	}

	// Secrets only ever come from the environment
	cfg.Account.PrivateKey = strings.TrimSpace(os.Getenv("PRIVATE_KEY"))
	cfg.Account.WalletAddress = strings.TrimSpace(os.Getenv("WALLET_ADDRESS"))
	cfg.Account.APIKey = strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	cfg.Account.APISecret = strings.TrimSpace(os.Getenv("BINANCE_SECRET_KEY"))
	if v := os.Getenv("TESTNET"); v != "" {
		cfg.Account.Testnet = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("EXCHANGE"); v != "" {
		cfg.Exchange = strings.ToLower(strings.TrimSpace(v))
	}

	return cfg, nil
}

// DefaultGridConfig returns the built-in parameter defaults. Loaded values
// that fail range validation fall back to these.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		Symbol:            "BTC",
		TotalCapital:      1000,
		GridCount:         10,
		TradeAmount:       50,
		Leverage:          1,
		PricePrecision:    2,
		QuantityPrecision: 4,

		MinGridSpacing: 0.005,
		MaxGridSpacing: 0.02,

		MaxActiveOrders:   20,
		ImbalanceLimit:    3,
		MaxOrderAgeSec:    1800,
		MinOrderAgeSec:    300,
		OrderCheckSec:     30,
		MaxOrdersPerBatch: 5,
		BatchDelayMs:      200,
		FeeRate:           0.00035,
		MinProfit:         0.001,

		MaxDrawdown:           0.1,
		MaxSingleLoss:         0.03,
		MaxDailyLoss:          0.05,
		TrailingStopRatio:     0.02,
		MarginSafetyThreshold: 0.3,
		SlippageTolerance:     0.001,

		TrailingStopFraction: StopFraction{Base: 0, Slope: 0.3, Min: 0.3, Max: 0.8},
		PositionStopFraction: StopFraction{Base: 0, Slope: 0.3, Min: 0.3, Max: 0.8},
		DeclineStopFraction:  StopFraction{Base: 0.2, Slope: 0.3, Min: 0.2, Max: 0.6},

		OptimizeIntervalSec:  3600,
		RollbackThreshold:    15.0,
		ObservationWindowSec: 6 * 3600,
		MaxCheckpoints:       10,

		CheckIntervalSec:   5,
		MarginCheckSec:     300,
		StatusReportSec:    3600,
		RebalanceSec:       60,
		HistoryLength:      300,
		SnapshotMaxAgeSec:  24 * 3600,
		ClosePositionOnExit: false,
	}
}

// Validate performs startup validation. Any returned error is fatal: the
// process must exit non-zero with the message.
func (c *Config) Validate() error {
	if c.Exchange != "hyperliquid" && c.Exchange != "binance" {
		return fmt.Errorf("unsupported exchange %q (want hyperliquid or binance)", c.Exchange)
	}
	g := &c.Grid
	if g.Symbol == "" {
		return fmt.Errorf("grid.symbol must not be empty")
	}
	if g.TotalCapital <= 0 {
		return fmt.Errorf("grid.total_capital must be positive, got %.2f", g.TotalCapital)
	}
	if g.GridCount <= 0 {
		return fmt.Errorf("grid.grid_count must be positive, got %d", g.GridCount)
	}
	if g.TradeAmount <= 0 {
		return fmt.Errorf("grid.trade_amount must be positive, got %.2f", g.TradeAmount)
	}
	if g.TradeAmount > g.TotalCapital {
		return fmt.Errorf("grid.trade_amount (%.2f) exceeds total_capital (%.2f)", g.TradeAmount, g.TotalCapital)
	}
	if g.MinGridSpacing <= 0 || g.MaxGridSpacing <= 0 {
		return fmt.Errorf("grid spacings must be positive")
	}
	if g.MinGridSpacing >= g.MaxGridSpacing {
		return fmt.Errorf("grid.min_grid_spacing (%.4f) must be below max_grid_spacing (%.4f)",
			g.MinGridSpacing, g.MaxGridSpacing)
	}
	if g.MaxActiveOrders <= 0 {
		return fmt.Errorf("grid.max_active_orders must be positive, got %d", g.MaxActiveOrders)
	}
	if g.FeeRate < 0 || g.FeeRate >= 0.01 {
		return fmt.Errorf("grid.fee_rate %.5f out of range [0, 0.01)", g.FeeRate)
	}
	if g.MaxDrawdown <= 0 || g.MaxDrawdown >= 1 {
		return fmt.Errorf("grid.max_drawdown %.3f out of range (0, 1)", g.MaxDrawdown)
	}
	if g.TrailingStopRatio <= 0 || g.TrailingStopRatio >= 1 {
		return fmt.Errorf("grid.trailing_stop_ratio %.3f out of range (0, 1)", g.TrailingStopRatio)
	}
	if g.PricePrecision < 0 || g.PricePrecision > 10 {
		return fmt.Errorf("grid.price_precision %d out of range [0, 10]", g.PricePrecision)
	}
	if g.QuantityPrecision < 0 || g.QuantityPrecision > 10 {
		return fmt.Errorf("grid.quantity_precision %d out of range [0, 10]", g.QuantityPrecision)
	}

	// Soft checks: warn and repair instead of failing
	if g.GridCount > 50 {
		logger.Warnf("⚠️ grid.grid_count %d is unusually high, ladders will be capped by max_active_orders", g.GridCount)
	}
	if g.TradeAmount*float64(g.GridCount) > g.TotalCapital*2 {
		logger.Warnf("⚠️ trade_amount×grid_count (%.2f) well above total_capital (%.2f), most tiers will be unfunded",
			g.TradeAmount*float64(g.GridCount), g.TotalCapital)
	}
	if g.MaxCheckpoints <= 0 {
		logger.Warnf("⚠️ grid.max_checkpoints %d invalid, using 10", g.MaxCheckpoints)
		g.MaxCheckpoints = 10
	}
	if g.RollbackThreshold < 5 || g.RollbackThreshold > 50 {
		logger.Warnf("⚠️ grid.rollback_threshold %.1f out of [5, 50], using 15", g.RollbackThreshold)
		g.RollbackThreshold = 15
	}
	if g.MinOrderAgeSec <= 0 || g.MinOrderAgeSec > g.MaxOrderAgeSec {
		logger.Warnf("⚠️ grid.min_order_age_sec %d invalid, using max_order_age_sec/4", g.MinOrderAgeSec)
		g.MinOrderAgeSec = g.MaxOrderAgeSec / 4
	}

	return nil
}

// RequireCredentials validates that account secrets are present. Separated
// from Validate so tests and paper setups can skip it.
func (c *Config) RequireCredentials() error {
	switch c.Exchange {
	case "binance":
		if c.Account.APIKey == "" || c.Account.APISecret == "" {
			return fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY environment variables are required for binance")
		}
	default:
		if c.Account.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY environment variable is required")
		}
		if c.Account.WalletAddress == "" {
			return fmt.Errorf("WALLET_ADDRESS environment variable is required for hyperliquid")
		}
	}
	return nil
}
