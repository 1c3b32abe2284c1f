package gateway

import (
	"testing"

	"github.com/sonirico/go-hyperliquid"
	"github.com/stretchr/testify/assert"
)

func TestOrderFromOpen(t *testing.T) {
	o := orderFromOpen(hyperliquid.OpenOrder{
		Coin:    "BTC",
		Oid:     98765,
		Side:    "B",
		LimitPx: 64250.5,
		Size:    0.015,
	}, "BTCUSDT")

	assert.Equal(t, "98765", o.ID)
	assert.Equal(t, "BTCUSDT", o.Symbol)
	assert.Equal(t, SideBuy, o.Side)
	assert.Equal(t, 64250.5, o.Price)
	assert.Equal(t, 0.015, o.Quantity)

	ask := orderFromOpen(hyperliquid.OpenOrder{Coin: "BTC", Oid: 1, Side: "A", LimitPx: 65000, Size: 0.01}, "BTCUSDT")
	assert.Equal(t, SideSell, ask.Side)
}
