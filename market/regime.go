package market

import "math"

// ============================================================================
// Regime Classification
// ============================================================================

// Regime classifies overall market conditions for ladder sizing and the
// pause decision
type Regime int

const (
	RegimeNormal Regime = iota
	RegimeConsolidation
	RegimeHighVolatility
	RegimeThinLiquidity
	RegimeExtreme
	RegimeFlash
)

func (r Regime) String() string {
	switch r {
	case RegimeConsolidation:
		return "consolidation"
	case RegimeHighVolatility:
		return "high_volatility"
	case RegimeThinLiquidity:
		return "thin_liquidity"
	case RegimeExtreme:
		return "extreme"
	case RegimeFlash:
		return "flash"
	default:
		return "normal"
	}
}

// RiskLevel maps the regime to a 1 (calm) .. 5 (flash move) scale
func (r Regime) RiskLevel() int {
	switch r {
	case RegimeConsolidation:
		return 1
	case RegimeNormal:
		return 2
	case RegimeHighVolatility:
		return 3
	case RegimeThinLiquidity, RegimeExtreme:
		return 4
	case RegimeFlash:
		return 5
	default:
		return 3
	}
}

// ReductionFactor is the multiplier applied to ladder size and per-leg funds
// under this regime
func (r Regime) ReductionFactor() float64 {
	switch r {
	case RegimeConsolidation:
		return 1.1
	case RegimeNormal:
		return 1.0
	case RegimeHighVolatility:
		return 0.7
	case RegimeThinLiquidity:
		return 0.5
	case RegimeExtreme:
		return 0.3
	case RegimeFlash:
		return 0.0
	default:
		return 0.7
	}
}

// ShouldPause reports whether new ladder placement must be suspended
func (r Regime) ShouldPause() bool {
	return r == RegimeFlash || r == RegimeExtreme
}

// Regime thresholds
const (
	flashMoveThreshold   = 0.03  // 3% move in 5 minutes
	extremeVolThreshold  = 0.015 // annualized-ish sample volatility
	highVolThreshold     = 0.008
	consolidationVol     = 0.002
	thinLiquidityCutoff  = 0.3
)

// ClassifyRegime derives the regime from an analysis report. Order matters:
// the most dangerous condition wins.
func ClassifyRegime(r Report) Regime {
	if math.Abs(r.PriceChange5Min) > flashMoveThreshold {
		return RegimeFlash
	}
	if r.Volatility > extremeVolThreshold {
		return RegimeExtreme
	}
	if r.LiquidityScore < thinLiquidityCutoff {
		return RegimeThinLiquidity
	}
	if r.Volatility > highVolThreshold {
		return RegimeHighVolatility
	}
	if r.Volatility < consolidationVol && r.Trend.IsSideways() {
		return RegimeConsolidation
	}
	return RegimeNormal
}
