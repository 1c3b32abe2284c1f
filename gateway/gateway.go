// Package gateway abstracts the exchange connection used by the grid engine.
// Implementations exist for Hyperliquid (primary) and Binance futures.
package gateway

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"hypergrid/config"
)

// Side is the order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Order is a live order as seen by the venue
type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      Side
	Price     float64
	Quantity  float64
	CreatedAt time.Time
}

// PlaceRequest describes a limit order to place
type PlaceRequest struct {
	Symbol     string
	Side       Side
	Price      float64
	Quantity   float64
	ReduceOnly bool
	ClientID   string
}

// Account is the authoritative account snapshot from the venue
type Account struct {
	Equity        float64 // total account value including unrealized PnL
	Available     float64
	MarginUsed    float64
	UnrealizedPnL float64
}

// MarginRatio is equity over margin used. With no margin in use the account
// cannot be liquidated, so the ratio is reported as +Inf.
func (a Account) MarginRatio() float64 {
	if a.MarginUsed <= 0 {
		return math.Inf(1)
	}
	return a.Equity / a.MarginUsed
}

// Position is the venue's view of the current position. Quantity is signed:
// positive long, negative short.
type Position struct {
	Symbol           string
	Quantity         float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnL    float64
	LiquidationPrice float64
}

// Gateway is the exchange surface the engine depends on. All calls block and
// honor the context deadline; implementations must be safe for concurrent use.
type Gateway interface {
	Name() string
	MarketPrice(ctx context.Context, symbol string) (float64, error)
	Account(ctx context.Context) (*Account, error)
	// Position returns (nil, nil) when flat
	Position(ctx context.Context, symbol string) (*Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	PlaceLimitOrder(ctx context.Context, req PlaceRequest) (*Order, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64, reduceOnly bool) error
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// CancelAllOrders returns the number of orders cancelled
	CancelAllOrders(ctx context.Context, symbol string) (int, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// New builds the gateway selected by cfg.Exchange
func New(cfg *config.Config) (Gateway, error) {
	switch strings.ToLower(cfg.Exchange) {
	case "hyperliquid":
		return NewHyperliquid(cfg.Account.PrivateKey, cfg.Account.WalletAddress, cfg.Account.Testnet)
	case "binance":
		return NewBinance(cfg.Account.APIKey, cfg.Account.APISecret, cfg.Account.Testnet), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Exchange)
	}
}
