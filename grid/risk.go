package grid

import (
	"fmt"

	"hypergrid/config"
	"hypergrid/logger"
	"hypergrid/market"
)

// StopAction what the engine must do after a risk check
type StopAction int

const (
	ActionNone StopAction = iota
	ActionPartialStop
	ActionFullStop
)

func (a StopAction) String() string {
	switch a {
	case ActionPartialStop:
		return "partial_stop"
	case ActionFullStop:
		return "full_stop"
	default:
		return "none"
	}
}

// StopDecision is the outcome of one risk evaluation pass
type StopDecision struct {
	Action   StopAction
	Reason   string
	Fraction float64 // fraction of the position to liquidate
	Quantity float64 // absolute quantity to liquidate
}

// RiskChecker evaluates the layered stop-loss conditions against the
// ledger, the externally reported account equity and recent market
// data. It mutates only the ledger's Status field.
type RiskChecker struct {
	cfg *config.GridConfig
}

func NewRiskChecker(cfg *config.GridConfig) *RiskChecker {
	return &RiskChecker{cfg: cfg}
}

// Check runs the stop-loss tiers in severity order and returns the
// first decision that fires. equityKnown is false when the account
// endpoint could not be read this cycle; the drawdown tier is then
// skipped entirely rather than evaluated against stale numbers.
func (r *RiskChecker) Check(state *GridState, price float64, equity float64, equityKnown bool, report market.Report) StopDecision {
	state.ObservePrice(price)

	// Tier 1: total asset drawdown against the exchange's own equity
	// figure. Internal arithmetic can mistake reserved funds for losses,
	// so only the external number may trigger a full stop, and only
	// while a real position exists.
	if equityKnown && state.HasPosition() {
		drawdown := (state.TotalCapital - equity) / state.TotalCapital
		if drawdown > r.cfg.MaxDrawdown {
			state.Status = StatusFullStop
			reason := fmt.Sprintf("equity drawdown %.2f%% exceeds limit %.2f%% (equity %.2f / capital %.2f)",
				drawdown*100, r.cfg.MaxDrawdown*100, equity, state.TotalCapital)
			logger.Errorf("🚨 full stop: %s", reason)
			return StopDecision{
				Action:   ActionFullStop,
				Reason:   reason,
				Fraction: 1.0,
				Quantity: abs(state.PositionQuantity),
			}
		}
	}

	if !state.HasPosition() {
		// No tier can fire without a position. A capital shortfall here
		// is fee drag and reservation churn, not a loss event.
		if equityKnown && equity < state.TotalCapital {
			logger.Debugf("📊 no position, equity gap %.2f treated as trading cost", state.TotalCapital-equity)
		}
		if state.Status == StatusMonitoring || state.Status == StatusPartialStop {
			state.Status = StatusNormal
		}
		return StopDecision{Action: ActionNone}
	}

	// Tier 2: trailing stop. Retracement from the post-entry high,
	// liquidation fraction scales with how far past the ratio it went.
	if state.HighestPriceSinceEntry > 0 {
		retracement := (state.HighestPriceSinceEntry - price) / state.HighestPriceSinceEntry
		if retracement > r.cfg.TrailingStopRatio {
			severity := retracement / r.cfg.TrailingStopRatio
			fraction := r.cfg.TrailingStopFraction.Fraction(severity)
			return r.partial(state, fraction, fmt.Sprintf(
				"trailing retracement %.2f%% from high %.4f (limit %.2f%%)",
				retracement*100, state.HighestPriceSinceEntry, r.cfg.TrailingStopRatio*100))
		}
	}

	// Tier 3: per-position loss against cost basis, scaled by severity
	if state.PositionAvgPrice > 0 {
		lossRate := (price - state.PositionAvgPrice) / state.PositionAvgPrice
		if lossRate < -r.cfg.MaxSingleLoss {
			severity := abs(lossRate) / r.cfg.MaxSingleLoss
			fraction := r.cfg.PositionStopFraction.Fraction(severity)
			return r.partial(state, fraction, fmt.Sprintf(
				"position loss %.2f%% exceeds limit %.2f%%", abs(lossRate)*100, r.cfg.MaxSingleLoss*100))
		}
		if lossRate < -r.cfg.MaxSingleLoss*0.5 && state.Status == StatusNormal {
			state.Status = StatusMonitoring
			logger.Warnf("⚠️ position loss %.2f%% approaching limit, monitoring", abs(lossRate)*100)
		}
	}

	// Tier 4: rapid short-window decline while holding a position
	if report.PriceChange5Min < -r.cfg.MaxDailyLoss/2 {
		severity := abs(report.PriceChange5Min) / r.cfg.MaxDailyLoss
		fraction := r.cfg.DeclineStopFraction.Fraction(severity)
		return r.partial(state, fraction, fmt.Sprintf(
			"rapid decline %.2f%% in 5m (limit %.2f%%)",
			report.PriceChange5Min*100, r.cfg.MaxDailyLoss/2*100))
	}

	// A partial liquidation already executed and no tier fires against
	// the reduced position, so trading resumes under monitoring.
	if state.Status == StatusPartialStop {
		state.Status = StatusMonitoring
		logger.Infof("✓ partial stop cleared, resuming with monitoring")
	}
	return StopDecision{Action: ActionNone}
}

func (r *RiskChecker) partial(state *GridState, fraction float64, reason string) StopDecision {
	state.Status = StatusPartialStop
	qty := abs(state.PositionQuantity) * fraction
	logger.Warnf("🚨 partial stop (%.0f%% of position): %s", fraction*100, reason)
	return StopDecision{
		Action:   ActionPartialStop,
		Reason:   reason,
		Fraction: fraction,
		Quantity: qty,
	}
}

// StopSlippage computes the price concession for a stop order. Base
// tolerance widened by current volatility and by urgency, capped at 5%.
func StopSlippage(tolerance, volatility, urgency float64) float64 {
	s := tolerance + volatility*0.5 + tolerance*(urgency-1)
	if s > 0.05 {
		s = 0.05
	}
	return s
}
