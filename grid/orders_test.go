package grid

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypergrid/config"
	"hypergrid/gateway"
	"hypergrid/market"
)

func testOrderConfig() *config.GridConfig {
	cfg := config.DefaultGridConfig()
	cfg.TotalCapital = 10000
	cfg.GridCount = 4
	cfg.MaxActiveOrders = 8
	cfg.ImbalanceLimit = 2
	cfg.PricePrecision = 4
	cfg.QuantityPrecision = 6
	return &cfg
}

func normalReport() market.Report {
	return market.Report{Regime: market.RegimeNormal, RSI: 50}
}

func trackLeg(m *Manager, side gateway.Side, price float64, i int) *LiveOrder {
	leg := Leg{Side: side, Price: price, Quantity: 1, Priority: PriorityNormal}
	if side == gateway.SideBuy {
		leg.Funds = price
	}
	return m.Track(leg, fmt.Sprintf("oid-%s-%d", side, i), fmt.Sprintf("cid-%d", i), time.Now(), time.Hour)
}

func TestCapacityCeiling(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	for i := 0; i < cfg.MaxActiveOrders; i++ {
		trackLeg(m, gateway.SideBuy, 100-float64(i), i)
	}
	assert.Equal(t, 0, m.Capacity())

	_, _, total := m.Counts()
	assert.Equal(t, cfg.MaxActiveOrders, total)

	// a full book offers no rebalance slots
	s := NewGridState(cfg.TotalCapital)
	plan := m.RebalancePlan(s, 100, normalReport(), NewDynamicParams(cfg), NewAllocator(cfg))
	assert.Empty(t, plan)
}

// A balanced full ladder needs nothing; planning twice in a row must
// not invent work.
func TestRebalanceIdempotentOnBalancedLadder(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	s := NewGridState(cfg.TotalCapital)
	require.NoError(t, s.Reserve(1000))
	s.ApplyBuyFill(100, 10, 1000, 0)

	for i := 0; i < cfg.GridCount; i++ {
		trackLeg(m, gateway.SideBuy, 99-float64(i), i)
		trackLeg(m, gateway.SideSell, 101+float64(i), 100+i)
	}
	assert.False(t, m.NeedsRebalance())
	plan := m.RebalancePlan(s, 100, normalReport(), NewDynamicParams(cfg), NewAllocator(cfg))
	assert.Empty(t, plan)
	plan = m.RebalancePlan(s, 100, normalReport(), NewDynamicParams(cfg), NewAllocator(cfg))
	assert.Empty(t, plan)
}

// After exactly one sell fill on a balanced full ladder the planner
// must supplement exactly one sell leg, walking outward from the
// highest remaining sell.
func TestSingleSellFillSupplementsOneSell(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	s := NewGridState(cfg.TotalCapital)
	require.NoError(t, s.Reserve(1000))
	s.ApplyBuyFill(100, 10, 1000, 0)

	for i := 0; i < cfg.GridCount; i++ {
		trackLeg(m, gateway.SideBuy, 99-float64(i), i)
		trackLeg(m, gateway.SideSell, 101+float64(i), 100+i)
	}
	// the closest sell fills
	m.Untrack("oid-SELL-100")
	s.ApplySellFill(101, 1, 0)

	require.True(t, m.NeedsRebalance())
	plan := m.RebalancePlan(s, 100, normalReport(), NewDynamicParams(cfg), NewAllocator(cfg))
	require.Len(t, plan, 1)
	assert.Equal(t, gateway.SideSell, plan[0].Side)
	assert.Greater(t, plan[0].Price, 104.0, "walks outward from the highest live sell")
}

// Flat position, 8 buys / 8 sells live, one sell fills: the next
// reconciliation must supplement exactly one sell, not a buy, because
// live sells still anchor the ladder even with no position.
func TestFlatPositionSellFillSupplementsSell(t *testing.T) {
	cfg := testOrderConfig()
	cfg.TotalCapital = 1000
	cfg.GridCount = 8
	cfg.MaxActiveOrders = 16
	m := NewManager(cfg)
	s := NewGridState(cfg.TotalCapital)

	for i := 0; i < 8; i++ {
		trackLeg(m, gateway.SideBuy, 99-float64(i), i)
		trackLeg(m, gateway.SideSell, 101+float64(i), 100+i)
	}
	m.Untrack("oid-SELL-100")

	require.True(t, m.NeedsRebalance())
	plan := m.RebalancePlan(s, 100, normalReport(), NewDynamicParams(cfg), NewAllocator(cfg))
	require.Len(t, plan, 1)
	assert.Equal(t, gateway.SideSell, plan[0].Side)
}

func TestRebalanceTriggersOnEmptySide(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	for i := 0; i < 3; i++ {
		trackLeg(m, gateway.SideBuy, 99-float64(i), i)
	}
	assert.True(t, m.NeedsRebalance())
}

func TestRebalanceTriggersOnImbalance(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	for i := 0; i < 4; i++ {
		trackLeg(m, gateway.SideBuy, 99-float64(i), i)
	}
	trackLeg(m, gateway.SideSell, 101, 100)
	// |4-1| = 3 > limit 2
	assert.True(t, m.NeedsRebalance())
}

// With no position and no live sells, sell supplementation is
// forbidden: there is nothing to anchor the walk and nothing to sell.
func TestNoSellSupplementationWhenFlatAndNoSells(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	s := NewGridState(cfg.TotalCapital)
	for i := 0; i < 2; i++ {
		trackLeg(m, gateway.SideBuy, 99-float64(i), i)
	}
	plan := m.RebalancePlan(s, 100, normalReport(), NewDynamicParams(cfg), NewAllocator(cfg))
	for _, leg := range plan {
		assert.Equal(t, gateway.SideBuy, leg.Side)
	}
}

// Flat position but live sells exist (counter-orders of in-flight
// buys): outward sell supplementation is allowed.
func TestSellSupplementationAllowedWhenSellsExist(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	s := NewGridState(cfg.TotalCapital)
	trackLeg(m, gateway.SideBuy, 99, 0)
	trackLeg(m, gateway.SideSell, 101, 100)

	plan := m.RebalancePlan(s, 100, normalReport(), NewDynamicParams(cfg), NewAllocator(cfg))
	var sells int
	for _, leg := range plan {
		if leg.Side == gateway.SideSell {
			sells++
			assert.Greater(t, leg.Price, 101.0)
		}
	}
	assert.Greater(t, sells, 0)
}

func TestRebalanceHaltedByStopState(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	s := NewGridState(cfg.TotalCapital)
	s.Status = StatusFullStop
	trackLeg(m, gateway.SideBuy, 99, 0)

	plan := m.RebalancePlan(s, 100, normalReport(), NewDynamicParams(cfg), NewAllocator(cfg))
	assert.Empty(t, plan)
}

func TestAdaptiveMaxAgeBounds(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)

	calm := m.AdaptiveMaxAge(0)
	assert.Equal(t, time.Duration(cfg.MaxOrderAgeSec)*time.Second, calm)

	// violent market with nothing filling pins the floor
	for i := 0; i < 10; i++ {
		m.MarkExpired()
	}
	fast := m.AdaptiveMaxAge(0.2)
	assert.Less(t, fast, calm)
	assert.GreaterOrEqual(t, fast, time.Duration(cfg.MinOrderAgeSec)*time.Second)
}

func TestExpiryPolicies(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	now := time.Now()
	mk := func(priority PriorityClass, price float64, i int) *LiveOrder {
		o := m.Track(Leg{Side: gateway.SideBuy, Price: price, Quantity: 1, Priority: priority},
			fmt.Sprintf("exp-%d", i), fmt.Sprintf("cexp-%d", i), now.Add(-2*time.Hour), time.Hour)
		return o
	}
	high := mk(PriorityHigh, 99, 1)
	near := mk(PriorityNormal, 99.99, 2) // within one min spacing of market
	normal := mk(PriorityNormal, 95, 3)
	low := mk(PriorityLow, 90, 4)

	decisions := m.Expired(now, 100)
	require.Len(t, decisions, 4)
	byID := map[string]ExpiryPolicy{}
	for _, d := range decisions {
		byID[d.Order.ID] = d.Policy
	}
	assert.Equal(t, ExpiryConvertToMarket, byID[high.ID])
	assert.Equal(t, ExpiryExtend, byID[near.ID])
	assert.Equal(t, ExpiryReprice, byID[normal.ID])
	assert.Equal(t, ExpiryCancel, byID[low.ID])

	// an extension is granted once
	m.Extend(near, now, time.Hour)
	assert.True(t, near.Extended)
	decisions = m.Expired(now.Add(2*time.Hour), 100)
	for _, d := range decisions {
		if d.Order.ID == near.ID {
			assert.Equal(t, ExpiryReprice, d.Policy)
		}
	}
}

func TestSortForExecution(t *testing.T) {
	legs := []Leg{
		{Side: gateway.SideBuy, Price: 90, Priority: PriorityLow},
		{Side: gateway.SideBuy, Price: 99, Priority: PriorityNormal},
		{Side: gateway.SideSell, Price: 101, Priority: PriorityHigh},
		{Side: gateway.SideBuy, Price: 95, Priority: PriorityNormal},
	}
	SortForExecution(legs, 100)
	assert.Equal(t, PriorityHigh, legs[0].Priority)
	assert.Equal(t, 99.0, legs[1].Price, "same priority orders by proximity")
	assert.Equal(t, 95.0, legs[2].Price)
	assert.Equal(t, PriorityLow, legs[3].Priority)
}

func TestReservedFundsTracksBuys(t *testing.T) {
	cfg := testOrderConfig()
	m := NewManager(cfg)
	trackLeg(m, gateway.SideBuy, 100, 0)
	trackLeg(m, gateway.SideBuy, 99, 1)
	trackLeg(m, gateway.SideSell, 101, 2)
	assert.Equal(t, 199.0, m.ReservedFunds())
}
