package grid

import "math"

// PerformanceMetrics summary statistics over completed round trips
type PerformanceMetrics struct {
	TotalTrades  int     `json:"total_trades"`
	WinTrades    int     `json:"win_trades"`
	LossTrades   int     `json:"loss_trades"`
	WinRate      float64 `json:"win_rate"` // percent
	TotalProfit  float64 `json:"total_profit"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	LargestWin   float64 `json:"largest_win"`
	LargestLoss  float64 `json:"largest_loss"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
	RiskScore    float64 `json:"risk_score"` // 0 safest - 100 riskiest
}

// ComputeMetrics derives performance statistics from the trade
// history. Only sells realize profit, buys are ignored.
func ComputeMetrics(trades []TradeRecord) PerformanceMetrics {
	var m PerformanceMetrics
	var grossWin, grossLoss float64
	var profits []float64

	for _, t := range trades {
		if t.Side != "SELL" {
			continue
		}
		m.TotalTrades++
		m.TotalProfit += t.Profit
		profits = append(profits, t.Profit)
		if t.Profit > 0 {
			m.WinTrades++
			grossWin += t.Profit
			if t.Profit > m.LargestWin {
				m.LargestWin = t.Profit
			}
		} else {
			m.LossTrades++
			grossLoss += -t.Profit
			if -t.Profit > m.LargestLoss {
				m.LargestLoss = -t.Profit
			}
		}
	}
	if m.TotalTrades == 0 {
		return m
	}

	m.WinRate = float64(m.WinTrades) / float64(m.TotalTrades) * 100
	if m.WinTrades > 0 {
		m.AvgWin = grossWin / float64(m.WinTrades)
	}
	if m.LossTrades > 0 {
		m.AvgLoss = grossLoss / float64(m.LossTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	m.SharpeRatio = sharpe(profits)
	m.RiskScore = riskScore(m)
	return m
}

// sharpe mean over stddev of per-trade profit, unannualized
func sharpe(profits []float64) float64 {
	if len(profits) < 2 {
		return 0
	}
	var sum float64
	for _, p := range profits {
		sum += p
	}
	mean := sum / float64(len(profits))
	var sq float64
	for _, p := range profits {
		sq += (p - mean) * (p - mean)
	}
	std := math.Sqrt(sq / float64(len(profits)-1))
	if std == 0 {
		return 0
	}
	return mean / std
}

// riskScore blends win rate, profit factor and loss tail into a
// single 0-100 gauge, higher meaning riskier
func riskScore(m PerformanceMetrics) float64 {
	score := 50.0
	score -= (m.WinRate - 50) * 0.5
	if m.ProfitFactor > 0 && !math.IsInf(m.ProfitFactor, 1) {
		score -= (m.ProfitFactor - 1) * 10
	} else if math.IsInf(m.ProfitFactor, 1) {
		score -= 20
	}
	if m.AvgWin > 0 && m.LargestLoss > m.AvgWin*3 {
		score += 15
	}
	return clamp(score, 0, 100)
}
