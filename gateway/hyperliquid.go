package gateway

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sonirico/go-hyperliquid"

	"hypergrid/logger"
)

// Hyperliquid implements Gateway on the Hyperliquid perpetuals API
type Hyperliquid struct {
	exchange   *hyperliquid.Exchange
	walletAddr string
	meta       *hyperliquid.Meta // cached precision info
	metaMu     sync.RWMutex
	isCross    bool
}

// NewHyperliquid creates a Hyperliquid gateway. The private key must belong
// to an agent wallet authorized for walletAddr; keeping funds on the agent
// wallet itself is a configuration mistake.
func NewHyperliquid(privateKeyHex, walletAddr string, testnet bool) (*Hyperliquid, error) {
	privateKeyHex = strings.TrimPrefix(strings.ToLower(privateKeyHex), "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	apiURL := hyperliquid.MainnetAPIURL
	if testnet {
		apiURL = hyperliquid.TestnetAPIURL
	}

	agentAddr := crypto.PubkeyToAddress(*privateKey.Public().(*ecdsa.PublicKey)).Hex()
	if walletAddr == "" {
		return nil, fmt.Errorf("wallet address not provided: configure the main wallet address " +
			"and use a separate agent key for signing (app.hyperliquid.xyz → Settings → API Wallets)")
	}
	if strings.EqualFold(walletAddr, agentAddr) {
		logger.Warnf("⚠️ wallet address matches the signing key address; you may be trading with your main wallet key")
	} else {
		logger.Infof("✓ agent wallet mode: signer=%s wallet=%s", agentAddr, walletAddr)
	}

	ctx := context.Background()
	exchange := hyperliquid.NewExchange(
		ctx,
		privateKey,
		apiURL,
		nil, // meta fetched below
		"",  // no vault
		walletAddr,
		nil, // spot meta not needed
	)

	meta, err := exchange.Info().Meta(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get meta information: %w", err)
	}

	logger.Infof("✓ hyperliquid gateway ready (testnet=%v, %d assets)", testnet, len(meta.Universe))

	return &Hyperliquid{
		exchange:   exchange,
		walletAddr: walletAddr,
		meta:       meta,
		isCross:    true,
	}, nil
}

func (h *Hyperliquid) Name() string { return "hyperliquid" }

// MarketPrice returns the mid price for the coin
func (h *Hyperliquid) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	coin := toCoin(symbol)
	allMids, err := h.exchange.Info().AllMids(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price: %w", err)
	}
	priceStr, ok := allMids[coin]
	if !ok {
		return 0, fmt.Errorf("price not found for %s", symbol)
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("invalid price for %s: %q", symbol, priceStr)
	}
	return price, nil
}

// Account returns the perpetuals account snapshot. AccountValue already
// includes unrealized PnL; it is the authoritative equity for risk checks.
func (h *Hyperliquid) Account(ctx context.Context) (*Account, error) {
	state, err := h.exchange.Info().UserState(ctx, h.walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get account state: %w", err)
	}

	equity := SafeParseFloat(state.CrossMarginSummary.AccountValue, "accountValue", 0)
	marginUsed := SafeParseFloat(state.CrossMarginSummary.TotalMarginUsed, "totalMarginUsed", 0)

	unrealized := 0.0
	for _, ap := range state.AssetPositions {
		unrealized += SafeParseSignedFloat(ap.Position.UnrealizedPnl, "unrealizedPnl", 0)
	}

	available := 0.0
	if state.Withdrawable != "" {
		available = SafeParseFloat(state.Withdrawable, "withdrawable", 0)
	}
	if available == 0 {
		available = equity - marginUsed
		if available < 0 {
			available = 0
		}
	}

	return &Account{
		Equity:        equity,
		Available:     available,
		MarginUsed:    marginUsed,
		UnrealizedPnL: unrealized,
	}, nil
}

// Position returns the open position for the coin, or (nil, nil) when flat
func (h *Hyperliquid) Position(ctx context.Context, symbol string) (*Position, error) {
	coin := toCoin(symbol)
	state, err := h.exchange.Info().UserState(ctx, h.walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	for _, ap := range state.AssetPositions {
		pos := ap.Position
		if pos.Coin != coin {
			continue
		}
		qty := SafeParseSignedFloat(pos.Szi, "szi", 0)
		if qty == 0 {
			continue
		}
		var entry, liq float64
		if pos.EntryPx != nil {
			entry = SafeParseFloat(*pos.EntryPx, "entryPx", 0)
		}
		if pos.LiquidationPx != nil {
			liq = SafeParseFloat(*pos.LiquidationPx, "liquidationPx", 0)
		}
		value := SafeParseFloat(pos.PositionValue, "positionValue", 0)
		mark := 0.0
		if qty != 0 {
			mark = value / math.Abs(qty)
		}
		return &Position{
			Symbol:           symbol,
			Quantity:         qty,
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedPnL:    SafeParseSignedFloat(pos.UnrealizedPnl, "unrealizedPnl", 0),
			LiquidationPrice: liq,
		}, nil
	}
	return nil, nil
}

// OpenOrders lists resting orders for the coin
func (h *Hyperliquid) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	coin := toCoin(symbol)
	openOrders, err := h.exchange.Info().OpenOrders(ctx, h.walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}

	var result []Order
	for _, o := range openOrders {
		if o.Coin != coin {
			continue
		}
		result = append(result, orderFromOpen(o, symbol))
	}
	return result, nil
}

// orderFromOpen maps an SDK resting order onto the gateway shape. The SDK
// already decodes the string-encoded numeric fields, so the values are
// taken as-is.
func orderFromOpen(o hyperliquid.OpenOrder, symbol string) Order {
	side := SideSell
	if o.Side == "B" {
		side = SideBuy
	}
	return Order{
		ID:       fmt.Sprintf("%d", o.Oid),
		Symbol:   symbol,
		Side:     side,
		Price:    o.LimitPx,
		Quantity: o.Size,
	}
}

// PlaceLimitOrder places a GTC limit order. The API does not echo the order
// id into the SDK response shape we depend on, so the resting oid is
// resolved by re-reading open orders and matching price and side.
func (h *Hyperliquid) PlaceLimitOrder(ctx context.Context, req PlaceRequest) (*Order, error) {
	coin := toCoin(req.Symbol)

	qty := h.roundToSzDecimals(coin, req.Quantity)
	price := roundPriceToSigfigs(req.Price)
	if qty <= 0 {
		return nil, fmt.Errorf("quantity %.8f rounds to zero for %s", req.Quantity, coin)
	}

	order := hyperliquid.CreateOrderRequest{
		Coin:  coin,
		IsBuy: req.Side == SideBuy,
		Size:  qty,
		Price: price,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{
				Tif: hyperliquid.TifGtc,
			},
		},
		ReduceOnly: req.ReduceOnly,
	}

	if _, err := h.exchange.Order(ctx, order, nil); err != nil {
		return nil, fmt.Errorf("failed to place %s limit order: %w", req.Side, err)
	}

	placed := &Order{
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    price,
		Quantity: qty,
	}

	open, err := h.OpenOrders(ctx, req.Symbol)
	if err != nil {
		// Order is live but unidentified; caller reconciles on the next sync
		logger.Warnf("⚠️ placed order but failed to resolve its id: %v", err)
		return placed, nil
	}
	bestOid := int64(0)
	for _, o := range open {
		if o.Side != req.Side || math.Abs(o.Price-price) > price*1e-6 {
			continue
		}
		oid, err := strconv.ParseInt(o.ID, 10, 64)
		if err != nil {
			continue
		}
		// oids are monotonically increasing; the newest match is ours
		if oid > bestOid {
			bestOid = oid
		}
	}
	if bestOid > 0 {
		placed.ID = strconv.FormatInt(bestOid, 10)
	}
	return placed, nil
}

// PlaceMarketOrder emulates a market order with an aggressive IOC limit,
// which is the venue's recommended pattern
func (h *Hyperliquid) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64, reduceOnly bool) error {
	coin := toCoin(symbol)

	price, err := h.MarketPrice(ctx, symbol)
	if err != nil {
		return err
	}
	slip := 1.01
	if side == SideSell {
		slip = 0.99
	}

	order := hyperliquid.CreateOrderRequest{
		Coin:  coin,
		IsBuy: side == SideBuy,
		Size:  h.roundToSzDecimals(coin, quantity),
		Price: roundPriceToSigfigs(price * slip),
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{
				Tif: hyperliquid.TifIoc,
			},
		},
		ReduceOnly: reduceOnly,
	}

	if _, err := h.exchange.Order(ctx, order, nil); err != nil {
		return fmt.Errorf("failed to place %s market order: %w", side, err)
	}
	return nil
}

// CancelOrder cancels a single order by oid
func (h *Hyperliquid) CancelOrder(ctx context.Context, symbol, orderID string) error {
	coin := toCoin(symbol)
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	if _, err := h.exchange.Cancel(ctx, coin, oid); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every resting order for the coin
func (h *Hyperliquid) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	coin := toCoin(symbol)
	openOrders, err := h.exchange.Info().OpenOrders(ctx, h.walletAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to get open orders: %w", err)
	}

	cancelled := 0
	for _, o := range openOrders {
		if o.Coin != coin {
			continue
		}
		if _, err := h.exchange.Cancel(ctx, coin, o.Oid); err != nil {
			logger.Warnf("⚠️ failed to cancel order (oid=%d): %v", o.Oid, err)
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// SetLeverage sets cross-margin leverage for the coin
func (h *Hyperliquid) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	coin := toCoin(symbol)
	if _, err := h.exchange.UpdateLeverage(ctx, leverage, coin, h.isCross); err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	return nil
}

// getSzDecimals reads the quantity precision for the coin from cached meta
func (h *Hyperliquid) getSzDecimals(coin string) int {
	h.metaMu.RLock()
	defer h.metaMu.RUnlock()

	if h.meta == nil {
		return 4
	}
	for _, asset := range h.meta.Universe {
		if asset.Name == coin {
			return asset.SzDecimals
		}
	}
	logger.Warnf("⚠️ no precision info for %s, using default 4", coin)
	return 4
}

func (h *Hyperliquid) roundToSzDecimals(coin string, quantity float64) float64 {
	multiplier := math.Pow(10, float64(h.getSzDecimals(coin)))
	return math.Floor(quantity*multiplier+0.5) / multiplier
}

// roundPriceToSigfigs rounds to the venue's 5 significant figure price rule
func roundPriceToSigfigs(price float64) float64 {
	if price == 0 {
		return 0
	}
	const sigfigs = 5
	magnitude := math.Floor(math.Log10(math.Abs(price)))
	multiplier := math.Pow(10, float64(sigfigs-1)-magnitude)
	return math.Floor(price*multiplier+0.5) / multiplier
}

// toCoin converts "BTCUSDT" style symbols to the venue's bare coin name
func toCoin(symbol string) string {
	return strings.TrimSuffix(symbol, "USDT")
}
