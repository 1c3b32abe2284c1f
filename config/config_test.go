package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "hyperliquid", cfg.Exchange)
	assert.Equal(t, "BTC", cfg.Grid.Symbol)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"grid": {"symbol": "ETH", "total_capital": 5000, "grid_count": 8}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ETH", cfg.Grid.Symbol)
	assert.Equal(t, 5000.0, cfg.Grid.TotalCapital)
	assert.Equal(t, 8, cfg.Grid.GridCount)
	// untouched fields keep defaults
	assert.Equal(t, 0.00035, cfg.Grid.FeeRate)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "deadbeef")
	t.Setenv("WALLET_ADDRESS", "0xabc")
	t.Setenv("EXCHANGE", "Binance")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", cfg.Account.PrivateKey)
	assert.Equal(t, "0xabc", cfg.Account.WalletAddress)
	assert.Equal(t, "binance", cfg.Exchange)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capital", func(c *Config) { c.Grid.TotalCapital = 0 }},
		{"negative grid count", func(c *Config) { c.Grid.GridCount = -1 }},
		{"trade amount above capital", func(c *Config) { c.Grid.TradeAmount = c.Grid.TotalCapital + 1 }},
		{"inverted spacing", func(c *Config) { c.Grid.MinGridSpacing = 0.05; c.Grid.MaxGridSpacing = 0.01 }},
		{"drawdown over 1", func(c *Config) { c.Grid.MaxDrawdown = 1.5 }},
		{"unknown exchange", func(c *Config) { c.Exchange = "ftx" }},
		{"empty symbol", func(c *Config) { c.Grid.Symbol = "" }},
		{"fee rate too high", func(c *Config) { c.Grid.FeeRate = 0.02 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Exchange: "hyperliquid", Grid: DefaultGridConfig()}
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateRepairsSoftFields(t *testing.T) {
	cfg := &Config{Exchange: "hyperliquid", Grid: DefaultGridConfig()}
	cfg.Grid.MaxCheckpoints = 0
	cfg.Grid.RollbackThreshold = 100
	cfg.Grid.MinOrderAgeSec = -5
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Grid.MaxCheckpoints)
	assert.Equal(t, 15.0, cfg.Grid.RollbackThreshold)
	assert.Equal(t, cfg.Grid.MaxOrderAgeSec/4, cfg.Grid.MinOrderAgeSec)
}

func TestStopFractionClamps(t *testing.T) {
	s := StopFraction{Base: 0, Slope: 5, Min: 0.3, Max: 0.8}
	assert.Equal(t, 0.3, s.Fraction(0))    // below min
	assert.Equal(t, 0.5, s.Fraction(0.1))  // in range
	assert.Equal(t, 0.8, s.Fraction(10))   // above max
}

func TestRequireCredentials(t *testing.T) {
	cfg := &Config{Exchange: "hyperliquid"}
	assert.Error(t, cfg.RequireCredentials())
	cfg.Account.PrivateKey = "deadbeef"
	assert.Error(t, cfg.RequireCredentials()) // wallet still missing
	cfg.Account.WalletAddress = "0xabc"
	assert.NoError(t, cfg.RequireCredentials())

	cfg2 := &Config{Exchange: "binance"}
	assert.Error(t, cfg2.RequireCredentials())
	cfg2.Account.APIKey = "k"
	cfg2.Account.APISecret = "s"
	assert.NoError(t, cfg2.RequireCredentials())
}
