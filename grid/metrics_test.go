package grid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeMetricsEmpty(t *testing.T) {
	m := ComputeMetrics(nil)
	assert.Equal(t, 0, m.TotalTrades)
	assert.Equal(t, 0.0, m.WinRate)
}

func TestComputeMetrics(t *testing.T) {
	trades := []TradeRecord{
		{Side: "BUY", Profit: 0},
		{Side: "SELL", Profit: 10},
		{Side: "SELL", Profit: 6},
		{Side: "SELL", Profit: -4},
		{Side: "SELL", Profit: -2},
	}
	m := ComputeMetrics(trades)
	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinTrades)
	assert.Equal(t, 2, m.LossTrades)
	assert.Equal(t, 50.0, m.WinRate)
	assert.InDelta(t, 10.0, m.TotalProfit, 1e-9)
	assert.InDelta(t, 8.0, m.AvgWin, 1e-9)
	assert.InDelta(t, 3.0, m.AvgLoss, 1e-9)
	assert.InDelta(t, 10.0, m.LargestWin, 1e-9)
	assert.InDelta(t, 4.0, m.LargestLoss, 1e-9)
	assert.InDelta(t, 16.0/6.0, m.ProfitFactor, 1e-9)
	assert.GreaterOrEqual(t, m.RiskScore, 0.0)
	assert.LessOrEqual(t, m.RiskScore, 100.0)
}

func TestProfitFactorNoLosses(t *testing.T) {
	m := ComputeMetrics([]TradeRecord{
		{Side: "SELL", Profit: 5},
		{Side: "SELL", Profit: 3},
	})
	assert.True(t, math.IsInf(m.ProfitFactor, 1))
}
