package grid

import (
	"math"
	"time"

	"hypergrid/config"
	"hypergrid/logger"
)

const (
	scoreWindowTrades = 30
	scoreMinTrades    = 20
	aggressiveScore   = 70.0
	conservativeScore = 30.0
)

// ParamCheckpoint snapshot of tunable parameters taken before a
// mutation so a bad adjustment can be undone exactly
type ParamCheckpoint struct {
	MinSpacing  float64   `json:"min_spacing"`
	MaxSpacing  float64   `json:"max_spacing"`
	TradeAmount float64   `json:"trade_amount"`
	Time        time.Time `json:"time"`
	Score       float64   `json:"score"` // performance score before the mutation
	Reason      string    `json:"reason"`
}

// DynamicParams are the live tunable grid parameters. The tuner
// mutates them in small bounded steps, checkpointing before every
// change and rolling back when performance degrades after a change.
type DynamicParams struct {
	MinSpacing  float64 `json:"min_spacing"`
	MaxSpacing  float64 `json:"max_spacing"`
	TradeAmount float64 `json:"trade_amount"`

	OptimizationCount int               `json:"optimization_count"`
	LastOptimization  time.Time         `json:"last_optimization"`
	Checkpoints       []ParamCheckpoint `json:"checkpoints"`
	PerformanceWindow []float64         `json:"performance_window"`
}

// NewDynamicParams starts from the configured static values
func NewDynamicParams(cfg *config.GridConfig) *DynamicParams {
	return &DynamicParams{
		MinSpacing:  cfg.MinGridSpacing,
		MaxSpacing:  cfg.MaxGridSpacing,
		TradeAmount: cfg.TradeAmount,
	}
}

// Repair clamps loaded parameters back into sane ranges. Persisted
// state can predate a config change or be corrupted; out-of-range
// values are pulled to the nearest bound rather than trusted.
func (p *DynamicParams) Repair(cfg *config.GridConfig) {
	before := *p
	p.MinSpacing = clamp(p.MinSpacing, cfg.MinGridSpacing*0.1, cfg.MaxGridSpacing)
	p.MaxSpacing = clamp(p.MaxSpacing, p.MinSpacing, cfg.MaxGridSpacing*2)
	p.TradeAmount = clamp(p.TradeAmount, cfg.TradeAmount*0.1, cfg.TotalCapital*0.2)
	if len(p.Checkpoints) > cfg.MaxCheckpoints {
		p.Checkpoints = p.Checkpoints[len(p.Checkpoints)-cfg.MaxCheckpoints:]
	}
	if before.MinSpacing != p.MinSpacing || before.MaxSpacing != p.MaxSpacing || before.TradeAmount != p.TradeAmount {
		logger.Warnf("⚠️ loaded parameters out of range, repaired: spacing [%.4f, %.4f] amount %.2f",
			p.MinSpacing, p.MaxSpacing, p.TradeAmount)
	}
}

// Score grades recent performance 0-100: profitability (50), win rate
// (30) and consistency (20). ok is false until enough trades exist.
func Score(trades []TradeRecord) (score float64, ok bool) {
	sells := make([]TradeRecord, 0, scoreWindowTrades)
	for i := len(trades) - 1; i >= 0 && len(sells) < scoreWindowTrades; i-- {
		if trades[i].Side == "SELL" {
			sells = append(sells, trades[i])
		}
	}
	if len(sells) < scoreMinTrades {
		return 0, false
	}

	var total float64
	wins := 0
	for _, t := range sells {
		total += t.Profit
		if t.Profit > 0 {
			wins++
		}
	}
	if total > 0 {
		score += 50
	}
	score += float64(wins) / float64(len(sells)) * 30

	// consistency: profitable overall but bleeding through long losing
	// runs is not worth the last 20 points
	losingRun, worstRun := 0, 0
	for _, t := range sells {
		if t.Profit <= 0 {
			losingRun++
			if losingRun > worstRun {
				worstRun = losingRun
			}
		} else {
			losingRun = 0
		}
	}
	if worstRun <= 3 {
		score += 20
	}
	return score, true
}

// checkpoint records the current parameters before a mutation,
// evicting the oldest when the retention cap is hit
func (p *DynamicParams) checkpoint(score float64, reason string, maxCheckpoints int) {
	p.Checkpoints = append(p.Checkpoints, ParamCheckpoint{
		MinSpacing:  p.MinSpacing,
		MaxSpacing:  p.MaxSpacing,
		TradeAmount: p.TradeAmount,
		Time:        time.Now(),
		Score:       score,
		Reason:      reason,
	})
	if len(p.Checkpoints) > maxCheckpoints {
		p.Checkpoints = p.Checkpoints[1:]
	}
}

// ShouldRollback reports whether the latest mutation has been observed
// long enough and performance has dropped past the rollback threshold
func (p *DynamicParams) ShouldRollback(currentScore float64, now time.Time, cfg *config.GridConfig) bool {
	if len(p.Checkpoints) == 0 {
		return false
	}
	last := p.Checkpoints[len(p.Checkpoints)-1]
	if now.Sub(last.Time) < time.Duration(cfg.ObservationWindowSec)*time.Second {
		return false
	}
	return last.Score-currentScore > cfg.RollbackThreshold
}

// Rollback restores the latest checkpoint exactly and removes it
func (p *DynamicParams) Rollback() {
	if len(p.Checkpoints) == 0 {
		return
	}
	last := p.Checkpoints[len(p.Checkpoints)-1]
	p.Checkpoints = p.Checkpoints[:len(p.Checkpoints)-1]
	p.MinSpacing = last.MinSpacing
	p.MaxSpacing = last.MaxSpacing
	p.TradeAmount = last.TradeAmount
	logger.Warnf("⚠️ parameters rolled back to checkpoint from %s (%s)",
		last.Time.Format(time.RFC3339), last.Reason)
}

// Optimize runs one tuning pass against the trade history. Returns
// true when parameters changed; callers persist after every change.
func (p *DynamicParams) Optimize(trades []TradeRecord, volatility float64, cfg *config.GridConfig) (changed bool, reason string) {
	score, ok := Score(trades)
	if !ok {
		logger.Debugf("📊 tuner: not enough closed trades yet")
		return false, ""
	}
	p.PerformanceWindow = append(p.PerformanceWindow, score)
	if len(p.PerformanceWindow) > 10 {
		p.PerformanceWindow = p.PerformanceWindow[1:]
	}

	before := *p
	switch {
	case score >= aggressiveScore:
		reason = "aggressive"
		p.checkpoint(score, reason, cfg.MaxCheckpoints)
		p.MinSpacing = math.Min(p.MinSpacing*1.03, cfg.MaxGridSpacing*0.8)
		p.MaxSpacing = math.Min(p.MaxSpacing*1.03, cfg.MaxGridSpacing)
		p.TradeAmount = math.Min(p.TradeAmount*1.02, cfg.TotalCapital*0.1)
	case score <= conservativeScore:
		reason = "conservative"
		p.checkpoint(score, reason, cfg.MaxCheckpoints)
		p.MinSpacing = math.Max(p.MinSpacing*0.97, cfg.MinGridSpacing*0.5)
		p.MaxSpacing = math.Max(p.MaxSpacing*0.97, p.MinSpacing*1.5)
		p.TradeAmount = math.Max(p.TradeAmount*0.95, cfg.TradeAmount*0.3)
	default:
		switch {
		case volatility > 0.02:
			reason = "volatility widen"
			p.checkpoint(score, reason, cfg.MaxCheckpoints)
			p.MinSpacing = math.Min(p.MinSpacing*1.01, cfg.MaxGridSpacing*0.8)
			p.MaxSpacing = math.Min(p.MaxSpacing*1.01, cfg.MaxGridSpacing)
		case volatility < 0.005:
			reason = "volatility tighten"
			p.checkpoint(score, reason, cfg.MaxCheckpoints)
			p.MinSpacing = math.Max(p.MinSpacing*0.99, cfg.MinGridSpacing*0.5)
			p.MaxSpacing = math.Max(p.MaxSpacing*0.99, p.MinSpacing*1.5)
		}
	}

	changed = before.MinSpacing != p.MinSpacing || before.MaxSpacing != p.MaxSpacing || before.TradeAmount != p.TradeAmount
	if changed {
		p.OptimizationCount++
		p.LastOptimization = time.Now()
		logger.Infof("📊 tuner %s (score %.0f): spacing [%.4f, %.4f] amount %.2f",
			reason, score, p.MinSpacing, p.MaxSpacing, p.TradeAmount)
	} else if len(p.Checkpoints) > 0 && reason != "" {
		// mutation hit a bound and changed nothing: drop the checkpoint
		p.Checkpoints = p.Checkpoints[:len(p.Checkpoints)-1]
	}
	return changed, reason
}
