// Package grid implements the unattended grid trading engine: the
// capital ledger, the layered stop-loss state machine, cost-basis
// aware ladder planning, order lifecycle management and the adaptive
// parameter tuner.
package grid

import (
	"fmt"
	"time"

	"hypergrid/logger"
)

// positionEpsilon below this absolute quantity the position is treated as flat
const positionEpsilon = 0.001

// StopLossStatus grid risk state machine states
type StopLossStatus int

const (
	StatusNormal StopLossStatus = iota
	StatusMonitoring
	StatusPartialStop
	StatusFullStop
)

func (s StopLossStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusMonitoring:
		return "monitoring"
	case StatusPartialStop:
		return "partial_stop"
	case StatusFullStop:
		return "full_stop"
	default:
		return "unknown"
	}
}

// AllowsNewOrders reports whether the engine may open fresh grid legs
func (s StopLossStatus) AllowsNewOrders() bool {
	return s == StatusNormal || s == StatusMonitoring
}

// IsStopped reports whether any stop action has been executed
func (s StopLossStatus) IsStopped() bool {
	return s == StatusPartialStop || s == StatusFullStop
}

// TradeRecord one completed round trip, used for scoring and reports
type TradeRecord struct {
	Time       time.Time `json:"time"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Profit     float64   `json:"profit"`
	TotalValue float64   `json:"total_value"`
}

// GridState is the engine's single authoritative ledger. It tracks
// capital, reservations, position cost basis and the risk state
// machine. All access goes through the engine mutex; GridState itself
// performs no locking and no I/O.
type GridState struct {
	TotalCapital   float64 `json:"total_capital"`
	AvailableFunds float64 `json:"available_funds"`
	ReservedFunds  float64 `json:"reserved_funds"`

	PositionQuantity float64 `json:"position_quantity"`
	PositionAvgPrice float64 `json:"position_avg_price"`

	RealizedProfit float64 `json:"realized_profit"`
	TotalFees      float64 `json:"total_fees"`

	Status StopLossStatus `json:"status"`

	// trailing stop bookkeeping, valid only while a position is open
	HighestPriceSinceEntry float64 `json:"highest_price_since_entry"`

	Trades []TradeRecord `json:"trades"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewGridState creates a fresh ledger with all capital available
func NewGridState(totalCapital float64) *GridState {
	return &GridState{
		TotalCapital:   totalCapital,
		AvailableFunds: totalCapital,
		Status:         StatusNormal,
		UpdatedAt:      time.Now(),
	}
}

// HasPosition reports whether the position is economically significant
func (g *GridState) HasPosition() bool {
	return abs(g.PositionQuantity) > positionEpsilon
}

// PositionValue marked value of the current position
func (g *GridState) PositionValue(markPrice float64) float64 {
	return abs(g.PositionQuantity) * markPrice
}

// TotalAssets internal estimate of account value: cash plus marked position
func (g *GridState) TotalAssets(markPrice float64) float64 {
	return g.AvailableFunds + g.ReservedFunds + g.PositionValue(markPrice)
}

// Reserve moves funds from available to reserved for a pending buy leg.
// Fails rather than letting the available balance go negative.
func (g *GridState) Reserve(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: reserve amount %.8f", ErrInvalidAmount, amount)
	}
	if amount > g.AvailableFunds {
		return fmt.Errorf("%w: need %.2f, available %.2f", ErrInsufficientFunds, amount, g.AvailableFunds)
	}
	g.AvailableFunds -= amount
	g.ReservedFunds += amount
	g.UpdatedAt = time.Now()
	return nil
}

// Release returns reserved funds to the available pool, e.g. after an
// order is cancelled or rejected. Clamped so reservations never go
// negative when the exchange reports a cancel twice.
func (g *GridState) Release(amount float64) {
	if amount <= 0 {
		return
	}
	if amount > g.ReservedFunds {
		logger.Warnf("⚠️ release %.2f exceeds reserved %.2f, clamping", amount, g.ReservedFunds)
		amount = g.ReservedFunds
	}
	g.ReservedFunds -= amount
	g.AvailableFunds += amount
	g.UpdatedAt = time.Now()
}

// ApplyBuyFill consumes the reserved funds of a filled buy leg and
// folds the fill into the volume-weighted cost basis. The fee is taken
// out of the acquired quantity, so the ledger never books more position
// than the exchange credits.
func (g *GridState) ApplyBuyFill(price, quantity, reserved, feeRate float64) {
	fee := price * quantity * feeRate
	netQty := quantity * (1 - feeRate)

	oldValue := g.PositionQuantity * g.PositionAvgPrice
	newQty := g.PositionQuantity + netQty
	if newQty > positionEpsilon {
		g.PositionAvgPrice = (oldValue + price*netQty) / newQty
	}
	g.PositionQuantity = newQty

	// the reservation covered the worst case, return any remainder
	spent := price * quantity
	if reserved > g.ReservedFunds {
		reserved = g.ReservedFunds
	}
	g.ReservedFunds -= reserved
	if reserved > spent {
		g.AvailableFunds += reserved - spent
	}

	g.TotalFees += fee
	if g.HighestPriceSinceEntry < price {
		g.HighestPriceSinceEntry = price
	}
	g.recordTrade("BUY", price, quantity, 0)
	logger.Infof("💰 buy fill %.6f @ %.4f, position %.6f avg %.4f",
		quantity, price, g.PositionQuantity, g.PositionAvgPrice)
}

// ApplySellFill books revenue and realized profit for a filled sell
// leg. Profit is measured against the cost basis at fill time, net of
// the exit fee. Returns the realized profit of this fill.
func (g *GridState) ApplySellFill(price, quantity, feeRate float64) float64 {
	if quantity > g.PositionQuantity {
		logger.Warnf("⚠️ sell fill %.6f exceeds tracked position %.6f, clamping", quantity, g.PositionQuantity)
		quantity = g.PositionQuantity
	}
	revenue := price * quantity * (1 - feeRate)
	cost := g.PositionAvgPrice * quantity
	profit := revenue - cost

	g.PositionQuantity -= quantity
	g.AvailableFunds += revenue
	g.RealizedProfit += profit
	g.TotalFees += price * quantity * feeRate

	if !g.HasPosition() {
		g.PositionQuantity = 0
		g.PositionAvgPrice = 0
		g.HighestPriceSinceEntry = 0
	}
	g.recordTrade("SELL", price, quantity, profit)
	logger.Infof("💰 sell fill %.6f @ %.4f, profit %+.4f, realized %+.4f",
		quantity, price, profit, g.RealizedProfit)
	return profit
}

// ObservePrice advances the trailing high-water mark
func (g *GridState) ObservePrice(price float64) {
	if g.HasPosition() && price > g.HighestPriceSinceEntry {
		g.HighestPriceSinceEntry = price
	}
}

// recordTrade appends a trade, keeping a bounded history
func (g *GridState) recordTrade(side string, price, quantity, profit float64) {
	g.Trades = append(g.Trades, TradeRecord{
		Time:       time.Now(),
		Side:       side,
		Price:      price,
		Quantity:   quantity,
		Profit:     profit,
		TotalValue: g.AvailableFunds + g.ReservedFunds + g.PositionValue(price),
	})
	const maxTrades = 500
	if len(g.Trades) > maxTrades {
		g.Trades = g.Trades[len(g.Trades)-maxTrades:]
	}
	g.UpdatedAt = time.Now()
}

// CheckInvariants verifies the ledger invariants, logging and
// returning an error when one is violated. feeTolerance allows the
// asset sum to exceed capital by accumulated fee rounding.
func (g *GridState) CheckInvariants(markPrice, feeTolerance float64) error {
	if g.AvailableFunds < -1e-9 {
		return fmt.Errorf("%w: available funds %.8f", ErrLedgerCorrupt, g.AvailableFunds)
	}
	if g.ReservedFunds < -1e-9 {
		return fmt.Errorf("%w: reserved funds %.8f", ErrLedgerCorrupt, g.ReservedFunds)
	}
	limit := g.TotalCapital * (1 + feeTolerance)
	if g.RealizedProfit > 0 {
		limit += g.RealizedProfit
	}
	deployed := g.AvailableFunds + g.ReservedFunds + abs(g.PositionQuantity)*g.PositionAvgPrice
	if deployed > limit+1e-6 {
		return fmt.Errorf("%w: deployed %.2f exceeds capital limit %.2f", ErrLedgerCorrupt, deployed, limit)
	}
	return nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
