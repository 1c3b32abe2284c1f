// Package market computes the technical indicators and regime classification
// consumed by the grid engine. All functions are pure: callers own the price
// history and pass it in.
package market

import "math"

// ============================================================================
// Trend
// ============================================================================

// Trend classifies the medium-term price direction
type Trend int

const (
	TrendSideways Trend = iota
	TrendUpward
	TrendDownward
)

func (t Trend) String() string {
	switch t {
	case TrendUpward:
		return "upward"
	case TrendDownward:
		return "downward"
	default:
		return "sideways"
	}
}

// IsBullish reports whether the trend is upward
func (t Trend) IsBullish() bool { return t == TrendUpward }

// IsBearish reports whether the trend is downward
func (t Trend) IsBearish() bool { return t == TrendDownward }

// IsSideways reports whether the market is ranging
func (t Trend) IsSideways() bool { return t == TrendSideways }

// ============================================================================
// Analysis report
// ============================================================================

// Report is the market-analysis snapshot handed to the grid engine each cycle
type Report struct {
	Volatility      float64
	Trend           Trend
	RSI             float64
	ShortMA         float64
	LongMA          float64
	PriceChange5Min float64
	Regime          Regime
	LiquidityScore  float64 // 0..1, 1 = deep book
	StabilityScore  float64 // 0..1, 1 = stable price
}

// Analyze builds a Report from a price history (oldest first). With fewer
// than 25 samples indicators cannot be computed reliably, so a neutral
// report is returned.
func Analyze(prices []float64) Report {
	if len(prices) < 25 {
		last := 0.0
		if len(prices) > 0 {
			last = prices[len(prices)-1]
		}
		return Report{
			Trend:          TrendSideways,
			RSI:            50.0,
			ShortMA:        last,
			LongMA:         last,
			Regime:         RegimeNormal,
			LiquidityScore: 1.0,
			StabilityScore: 1.0,
		}
	}

	volatility := Volatility(prices)
	shortMA := SMA(prices, 7)
	longMA := SMA(prices, 25)
	rsi := RSI(prices, 14)

	// Last 5 samples stand in for the most recent 5 minutes
	change5m := 0.0
	if old := prices[len(prices)-5]; old != 0 {
		change5m = (prices[len(prices)-1] - old) / old
	}

	trend := TrendSideways
	if shortMA > longMA*1.05 && rsi > 55.0 {
		trend = TrendUpward
	} else if shortMA < longMA*0.95 && rsi < 45.0 {
		trend = TrendDownward
	}

	stability := stabilityScore(volatility)
	report := Report{
		Volatility:      volatility,
		Trend:           trend,
		RSI:             rsi,
		ShortMA:         shortMA,
		LongMA:          longMA,
		PriceChange5Min: change5m,
		LiquidityScore:  1.0,
		StabilityScore:  stability,
	}
	report.Regime = ClassifyRegime(report)
	return report
}

// ============================================================================
// Indicators
// ============================================================================

// Volatility is the standard deviation of bar-to-bar returns scaled by the
// square root of the sample count
func Volatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	changes := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		changes = append(changes, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(changes) == 0 {
		return 0
	}
	mean := 0.0
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))
	variance := 0.0
	for _, c := range changes {
		variance += (c - mean) * (c - mean)
	}
	variance /= float64(len(changes))
	return math.Sqrt(variance) * math.Sqrt(float64(len(prices)))
}

// SMA is the simple moving average over the trailing period. With fewer
// samples than the period it averages what is available.
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		period = len(prices)
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// RSI computes the relative strength index over the trailing period.
// Returns the neutral value 50 when the history is too short.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50.0
	}
	gains, losses := 0.0, 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	if losses == 0 {
		return 100.0
	}
	rs := gains / losses
	return 100.0 - 100.0/(1.0+rs)
}

// Amplitude returns the mean positive and mean negative bar-to-bar change
func Amplitude(prices []float64) (avgUp, avgDown float64) {
	var ups, downs []float64
	for i := 0; i < len(prices)-1; i++ {
		if prices[i] == 0 {
			continue
		}
		change := (prices[i+1] - prices[i]) / prices[i]
		if change > 0 {
			ups = append(ups, change)
		} else {
			downs = append(downs, -change)
		}
	}
	for _, u := range ups {
		avgUp += u
	}
	if len(ups) > 0 {
		avgUp /= float64(len(ups))
	}
	for _, d := range downs {
		avgDown += d
	}
	if len(downs) > 0 {
		avgDown /= float64(len(downs))
	}
	return avgUp, avgDown
}

func stabilityScore(volatility float64) float64 {
	// Map volatility into a 0..1 stability score; 2% vol already counts
	// as fully unstable for ladder-sizing purposes.
	s := 1.0 - volatility/0.02
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
