package grid

import (
	"math"

	"hypergrid/config"
	"hypergrid/gateway"
	"hypergrid/logger"
	"hypergrid/market"
)

// Leg one planned grid order, not yet submitted
type Leg struct {
	Side     gateway.Side
	Price    float64
	Quantity float64
	Funds    float64       // buy legs: quote funds to reserve
	Priority PriorityClass // execution ordering hint
}

// Ladder is a full planned order set around the current price
type Ladder struct {
	Buys  []Leg
	Sells []Leg
}

func (l Ladder) Empty() bool { return len(l.Buys) == 0 && len(l.Sells) == 0 }

// Allocator turns ledger state, market conditions and tuner parameters
// into a concrete ladder. Pricing is anchored to the position cost
// basis: sell legs must clear the round trip, buy legs drift toward the
// basis as the position grows so averaging down stays controlled.
type Allocator struct {
	cfg *config.GridConfig
}

func NewAllocator(cfg *config.GridConfig) *Allocator {
	return &Allocator{cfg: cfg}
}

// MinProfitableSellPrice lowest sell price that still clears entry fee,
// exit fee and the configured minimum profit over the given cost basis
func MinProfitableSellPrice(costBasis, feeRate, minProfit float64) float64 {
	return costBasis * (1 + feeRate) * (1 + minProfit) / (1 - feeRate)
}

// ExpectedProfitRate net round-trip return for a buy/sell price pair
func ExpectedProfitRate(buyPrice, sellPrice, feeRate float64) float64 {
	cost := buyPrice * (1 + feeRate)
	return (sellPrice*(1-feeRate) - cost) / cost
}

// Plan builds the ideal ladder for the current cycle. Returns an empty
// ladder when the market regime demands a pause or the stop-loss state
// forbids new orders.
func (a *Allocator) Plan(state *GridState, price float64, report market.Report, params *DynamicParams) Ladder {
	if price <= 0 {
		return Ladder{}
	}
	if report.Regime.ShouldPause() {
		logger.Warnf("⚠️ regime %s, ladder paused", report.Regime)
		return Ladder{}
	}
	if !state.Status.AllowsNewOrders() {
		logger.Warnf("⚠️ stop-loss status %s, ladder paused", state.Status)
		return Ladder{}
	}

	spacing := a.baseSpacing(report, params)
	reduction := report.Regime.ReductionFactor()

	ladder := Ladder{
		Buys:  a.planBuys(state, price, spacing, reduction, report, params),
		Sells: a.planSells(state, price, spacing, report),
	}
	return ladder
}

// baseSpacing midpoint of the tuned spacing band, widened with
// realized volatility and clamped back into the band
func (a *Allocator) baseSpacing(report market.Report, params *DynamicParams) float64 {
	amp := clamp(1+report.Volatility*2, 0.5, 2.0)
	return clamp((params.MinSpacing+params.MaxSpacing)/2*amp, params.MinSpacing, params.MaxSpacing)
}

func (a *Allocator) planBuys(state *GridState, price, spacing, reduction float64, report market.Report, params *DynamicParams) []Leg {
	positionRatio := state.PositionValue(price) / state.TotalCapital
	buyBias := math.Max(1-2*positionRatio, 0.2)
	if report.RSI > 70 {
		buyBias *= 0.7
	}
	baseFund := state.TotalCapital / float64(a.cfg.GridCount) * 0.5

	// the deeper the position, the more the entry anchor drifts from the
	// market price toward the cost basis, never above market
	anchor := price
	if state.HasPosition() && state.PositionAvgPrice > 0 {
		w := clamp(positionRatio, 0, 1)
		anchor = math.Min(price*(1-w)+state.PositionAvgPrice*w, price)
	}

	budget := state.AvailableFunds * 0.7
	var legs []Leg
	var allocated float64
	p := anchor
	for len(legs) < a.cfg.GridCount {
		step := spacing * a.spacingFactor(state, p)
		p *= 1 - step
		if p <= price*0.8 {
			break
		}

		funds := baseFund * buyBias * reduction * a.buyFundFactor(state, p, price)
		funds = clamp(funds, baseFund*0.3, baseFund*2.0)
		if funds < baseFund*0.1 {
			break
		}
		if allocated+funds > budget {
			break
		}

		legPrice := roundTo(p, a.cfg.PricePrecision)
		qty := roundTo(funds/legPrice, a.cfg.QuantityPrecision)
		if qty <= 0 {
			break
		}
		legs = append(legs, Leg{
			Side:     gateway.SideBuy,
			Price:    legPrice,
			Quantity: qty,
			Funds:    legPrice * qty,
			Priority: PriorityNormal,
		})
		allocated += legPrice * qty
	}
	return legs
}

func (a *Allocator) planSells(state *GridState, price, spacing float64, report market.Report) []Leg {
	if !state.HasPosition() || state.PositionQuantity <= 0 {
		return nil
	}
	floor := MinProfitableSellPrice(state.PositionAvgPrice, a.cfg.FeeRate, a.cfg.MinProfit)
	sellBias := math.Min(1+state.PositionValue(price)/state.TotalCapital, 2.0)
	if report.RSI < 30 {
		sellBias *= 0.7
	}
	baseQty := state.PositionQuantity * 0.8 / float64(a.cfg.GridCount)
	baseFund := state.TotalCapital / float64(a.cfg.GridCount) * 0.5

	var legs []Leg
	var totalQty float64
	p := math.Max(price, floor)
	for len(legs) < a.cfg.GridCount {
		step := spacing * a.spacingFactor(state, p)
		p *= 1 + step
		if p >= price*1.2 {
			break
		}
		legPrice := math.Max(p, floor)

		dist := (legPrice - price) / price
		qty := baseQty * sellBias * (1 + dist)
		if totalQty+qty > state.PositionQuantity*0.8 {
			qty = state.PositionQuantity*0.8 - totalQty
		}
		legPrice = roundTo(legPrice, a.cfg.PricePrecision)
		qty = roundTo(qty, a.cfg.QuantityPrecision)
		if qty <= 0 || legPrice*qty < baseFund*0.1 {
			break
		}
		legs = append(legs, Leg{
			Side:     gateway.SideSell,
			Price:    legPrice,
			Quantity: qty,
			Priority: PriorityNormal,
		})
		totalQty += qty
	}
	return legs
}

// spacingFactor widens steps above the cost basis and narrows them
// below it, so exits spread out and averaging down stays tight
func (a *Allocator) spacingFactor(state *GridState, p float64) float64 {
	if !state.HasPosition() || state.PositionAvgPrice <= 0 {
		return 1.0
	}
	dist := (p - state.PositionAvgPrice) / state.PositionAvgPrice
	return clamp(1+dist*2, 0.5, 3.0)
}

// buyFundFactor boosts buy funding below the cost basis (up to +50%)
// and starves it above (down to -70%). Without a position, funding
// tapers with distance from the market price.
func (a *Allocator) buyFundFactor(state *GridState, p, price float64) float64 {
	if state.HasPosition() && state.PositionAvgPrice > 0 {
		dist := (p - state.PositionAvgPrice) / state.PositionAvgPrice
		if dist < 0 {
			return 1 + math.Min(0.5, -dist*5)
		}
		return 1 - math.Min(0.7, dist*5)
	}
	taper := 1 - (price-p)/price*3
	return math.Max(taper, 0.5)
}

// CounterSellPrice price of the sell leg paired to a filled buy,
// guaranteed both one spacing above the fill and above the
// profitability floor of the post-fill cost basis
func (a *Allocator) CounterSellPrice(state *GridState, fillPrice, spacing float64) float64 {
	p := fillPrice * (1 + spacing)
	if state.PositionAvgPrice > 0 {
		floor := MinProfitableSellPrice(state.PositionAvgPrice, a.cfg.FeeRate, a.cfg.MinProfit)
		p = math.Max(p, floor)
	}
	return roundTo(p, a.cfg.PricePrecision)
}

// OutwardLeg extends the ladder one step outward from the most extreme
// existing order on a side. Used by the rebalancer to top up thin
// sides without reshuffling inner levels. ok is false when the step
// would violate a budget or profitability constraint.
func (a *Allocator) OutwardLeg(state *GridState, side gateway.Side, fromPrice, marketPrice float64, report market.Report, params *DynamicParams) (Leg, bool) {
	spacing := a.baseSpacing(report, params)
	baseFund := state.TotalCapital / float64(a.cfg.GridCount) * 0.5

	if side == gateway.SideBuy {
		p := fromPrice * (1 - spacing*a.spacingFactor(state, fromPrice))
		if p <= marketPrice*0.8 || p <= 0 {
			return Leg{}, false
		}
		funds := clamp(baseFund*a.buyFundFactor(state, p, marketPrice), baseFund*0.3, baseFund*2.0)
		if funds > state.AvailableFunds {
			return Leg{}, false
		}
		legPrice := roundTo(p, a.cfg.PricePrecision)
		qty := roundTo(funds/legPrice, a.cfg.QuantityPrecision)
		if qty <= 0 {
			return Leg{}, false
		}
		return Leg{Side: side, Price: legPrice, Quantity: qty, Funds: legPrice * qty, Priority: PriorityLow}, true
	}

	p := fromPrice * (1 + spacing*a.spacingFactor(state, fromPrice))
	if p >= marketPrice*1.5 {
		return Leg{}, false
	}
	if state.PositionAvgPrice > 0 {
		p = math.Max(p, MinProfitableSellPrice(state.PositionAvgPrice, a.cfg.FeeRate, a.cfg.MinProfit))
	}
	qty := baseFund / p
	if state.PositionQuantity > positionEpsilon {
		qty = math.Min(qty, state.PositionQuantity*0.2)
	}
	legPrice := roundTo(p, a.cfg.PricePrecision)
	qty = roundTo(qty, a.cfg.QuantityPrecision)
	if qty <= 0 {
		return Leg{}, false
	}
	return Leg{Side: side, Price: legPrice, Quantity: qty, Priority: PriorityLow}, true
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
