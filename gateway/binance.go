package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"

	"hypergrid/logger"
)

// Binance implements Gateway on Binance USD-M futures
type Binance struct {
	client            *futures.Client
	pricePrecision    int
	quantityPrecision int
}

// NewBinance creates a Binance futures gateway
func NewBinance(apiKey, secretKey string, testnet bool) *Binance {
	futures.UseTestnet = testnet
	return &Binance{
		client:            futures.NewClient(apiKey, secretKey),
		pricePrecision:    2,
		quantityPrecision: 3,
	}
}

func (b *Binance) Name() string { return "binance" }

// SetPrecision overrides the default price/quantity formatting precision
func (b *Binance) SetPrecision(price, quantity int) {
	b.pricePrecision = price
	b.quantityPrecision = quantity
}

// MarketPrice returns the mark price from the premium index
func (b *Binance) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	list, err := b.client.NewPremiumIndexService().Symbol(toUSDT(symbol)).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price: %w", err)
	}
	if len(list) == 0 {
		return 0, fmt.Errorf("price not found for %s", symbol)
	}
	price := SafeParseFloat(list[0].MarkPrice, "markPrice", 0)
	if price <= 0 {
		return 0, fmt.Errorf("invalid mark price for %s", symbol)
	}
	return price, nil
}

// Account sums stablecoin assets into one account snapshot
func (b *Binance) Account(ctx context.Context) (*Account, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var wallet, available, marginBalance float64
	for _, asset := range account.Assets {
		if asset.Asset != "USDT" && asset.Asset != "USDC" && asset.Asset != "BUSD" {
			continue
		}
		wallet += SafeParseFloat(asset.WalletBalance, "walletBalance", 0)
		available += SafeParseFloat(asset.AvailableBalance, "availableBalance", 0)
		marginBalance += SafeParseFloat(asset.MarginBalance, "marginBalance", 0)
	}

	unrealized := 0.0
	for _, pos := range account.Positions {
		unrealized += SafeParseSignedFloat(pos.UnrealizedProfit, "unrealizedProfit", 0)
	}

	marginUsed := marginBalance - available
	if marginUsed < 0 {
		marginUsed = 0
	}

	return &Account{
		Equity:        wallet + unrealized,
		Available:     available,
		MarginUsed:    marginUsed,
		UnrealizedPnL: unrealized,
	}, nil
}

// Position returns the open position via the position-risk endpoint, which
// includes the mark and liquidation prices the account endpoint lacks
func (b *Binance) Position(ctx context.Context, symbol string) (*Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(toUSDT(symbol)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	for _, pos := range risks {
		qty := SafeParseSignedFloat(pos.PositionAmt, "positionAmt", 0)
		if qty == 0 {
			continue
		}
		return &Position{
			Symbol:           symbol,
			Quantity:         qty,
			EntryPrice:       SafeParseFloat(pos.EntryPrice, "entryPrice", 0),
			MarkPrice:        SafeParseFloat(pos.MarkPrice, "markPrice", 0),
			UnrealizedPnL:    SafeParseSignedFloat(pos.UnRealizedProfit, "unRealizedProfit", 0),
			LiquidationPrice: SafeParseFloat(pos.LiquidationPrice, "liquidationPrice", 0),
		}, nil
	}
	return nil, nil
}

// OpenOrders lists resting orders for the symbol
func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(toUSDT(symbol)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}

	var result []Order
	for _, o := range orders {
		side := SideSell
		if o.Side == futures.SideTypeBuy {
			side = SideBuy
		}
		result = append(result, Order{
			ID:       strconv.FormatInt(o.OrderID, 10),
			ClientID: o.ClientOrderID,
			Symbol:   symbol,
			Side:     side,
			Price:    SafeParseFloat(o.Price, "price", 0),
			Quantity: SafeParseFloat(o.OrigQuantity, "origQty", 0),
		})
	}
	return result, nil
}

// PlaceLimitOrder places a GTC limit order
func (b *Binance) PlaceLimitOrder(ctx context.Context, req PlaceRequest) (*Order, error) {
	priceStr := strconv.FormatFloat(req.Price, 'f', b.pricePrecision, 64)
	qtyStr := strconv.FormatFloat(req.Quantity, 'f', b.quantityPrecision, 64)

	svc := b.client.NewCreateOrderService().
		Symbol(toUSDT(req.Symbol)).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(qtyStr).
		Price(priceStr)
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to place %s limit order: %w", req.Side, err)
	}

	return &Order{
		ID:       strconv.FormatInt(resp.OrderID, 10),
		ClientID: resp.ClientOrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
	}, nil
}

// PlaceMarketOrder places a market order
func (b *Binance) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64, reduceOnly bool) error {
	qtyStr := strconv.FormatFloat(quantity, 'f', b.quantityPrecision, 64)

	svc := b.client.NewCreateOrderService().
		Symbol(toUSDT(symbol)).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr)
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}

	if _, err := svc.Do(ctx); err != nil {
		return fmt.Errorf("failed to place %s market order: %w", side, err)
	}
	return nil
}

// CancelOrder cancels a single order. An already-gone order is not an error.
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	_, err = b.client.NewCancelOrderService().
		Symbol(toUSDT(symbol)).
		OrderID(oid).
		Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "-2011") || strings.Contains(err.Error(), "Unknown order") {
			logger.Infof("ℹ️ order %s already gone, skipping cancel", orderID)
			return nil
		}
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every resting order for the symbol
func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	orders, err := b.OpenOrders(ctx, symbol)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, o := range orders {
		if err := b.CancelOrder(ctx, symbol, o.ID); err != nil {
			logger.Warnf("⚠️ failed to cancel order %s: %v", o.ID, err)
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// SetLeverage sets leverage for the symbol
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().
		Symbol(toUSDT(symbol)).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	return nil
}

// toUSDT converts bare coin names to Binance futures symbols
func toUSDT(symbol string) string {
	if strings.HasSuffix(symbol, "USDT") {
		return symbol
	}
	return symbol + "USDT"
}
