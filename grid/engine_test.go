package grid

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypergrid/config"
	"hypergrid/gateway"
	"hypergrid/market"
)

// mockGateway is an in-memory venue for engine tests
type mockGateway struct {
	mu        sync.Mutex
	price     float64
	account   gateway.Account
	position  *gateway.Position
	open      map[string]gateway.Order
	nextID    int
	markets   []gateway.PlaceRequest // market orders, Price unset
	cancelled []string
}

func newMockGateway(price float64, equity float64) *mockGateway {
	return &mockGateway{
		price:   price,
		account: gateway.Account{Equity: equity, Available: equity},
		open:    make(map[string]gateway.Order),
	}
}

func (m *mockGateway) Name() string { return "mock" }

func (m *mockGateway) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}

func (m *mockGateway) Account(ctx context.Context) (*gateway.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account
	return &acct, nil
}

func (m *mockGateway) Position(ctx context.Context, symbol string) (*gateway.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, nil
}

func (m *mockGateway) OpenOrders(ctx context.Context, symbol string) ([]gateway.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gateway.Order, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, o)
	}
	return out, nil
}

func (m *mockGateway) PlaceLimitOrder(ctx context.Context, req gateway.PlaceRequest) (*gateway.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o := gateway.Order{
		ID:       fmt.Sprintf("%d", m.nextID),
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
	}
	m.open[o.ID] = o
	return &o, nil
}

func (m *mockGateway) PlaceMarketOrder(ctx context.Context, symbol string, side gateway.Side, quantity float64, reduceOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets = append(m.markets, gateway.PlaceRequest{
		Symbol: symbol, Side: side, Quantity: quantity, ReduceOnly: reduceOnly,
	})
	return nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, orderID)
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockGateway) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.open)
	m.open = make(map[string]gateway.Order)
	return n, nil
}

func (m *mockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

// simulateFill removes an open order as if the venue filled it
func (m *mockGateway) simulateFill(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, orderID)
}

func testEngine(t *testing.T, mock *mockGateway) *Engine {
	t.Helper()
	gcfg := config.DefaultGridConfig()
	gcfg.TotalCapital = 10000
	gcfg.GridCount = 4
	gcfg.MaxActiveOrders = 10
	gcfg.BatchDelayMs = 0
	gcfg.PricePrecision = 4
	gcfg.QuantityPrecision = 6
	cfg := &config.Config{Exchange: "hyperliquid", Grid: gcfg}
	return NewEngine(cfg, mock, nil)
}

func TestCyclePlacesInitialLadder(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)

	e.cycle(context.Background())

	_, _, total := e.manager.Counts()
	require.Greater(t, total, 0)
	assert.LessOrEqual(t, total, e.cfg.Grid.MaxActiveOrders)
	assert.Greater(t, e.state.ReservedFunds, 0.0)
	assert.GreaterOrEqual(t, e.state.AvailableFunds, 0.0)
	assert.Len(t, mock.open, total)

	// a second cycle with live orders must not duplicate the ladder
	e.cycle(context.Background())
	_, _, again := e.manager.Counts()
	assert.Equal(t, total, again)
}

func TestSyncOrdersBooksBuyFillAndCountersIt(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)
	e.cycle(context.Background())

	// fill the buy closest to the market
	var filled *LiveOrder
	for _, o := range e.manager.All() {
		if o.Side == gateway.SideBuy && (filled == nil || o.Price > filled.Price) {
			filled = o
		}
	}
	require.NotNil(t, filled)
	mock.simulateFill(filled.ID)
	filled.CreatedAt = time.Now().Add(-time.Minute) // past the listing grace

	e.syncOrders(context.Background())

	assert.True(t, e.state.HasPosition())
	assert.InDelta(t, filled.Price, e.state.PositionAvgPrice, filled.Price*0.001)

	// the paired counter-sell is live and clears the profit floor
	floor := MinProfitableSellPrice(e.state.PositionAvgPrice, e.cfg.Grid.FeeRate, e.cfg.Grid.MinProfit)
	var sells int
	for _, o := range e.manager.All() {
		if o.Side == gateway.SideSell {
			sells++
			assert.GreaterOrEqual(t, o.Price, floor-1e-4)
		}
	}
	assert.Greater(t, sells, 0)
}

func TestSyncOrdersBooksSellFill(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)
	e.cycle(context.Background())

	// fabricate a position and a live sell, then fill the sell
	e.mu.Lock()
	require.NoError(t, e.state.Reserve(1000))
	e.state.ApplyBuyFill(100, 10, 1000, 0)
	leg := Leg{Side: gateway.SideSell, Price: 102, Quantity: 2}
	e.manager.Track(leg, "sell-1", "csell-1", time.Now().Add(-time.Minute), time.Hour)
	e.mu.Unlock()

	before := e.state.RealizedProfit
	e.syncOrders(context.Background())
	assert.Greater(t, e.state.RealizedProfit, before)
}

func TestDrawdownTriggersStopShutdown(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)
	e.cfg.Grid.MaxDrawdown = 0.03

	e.mu.Lock()
	require.NoError(t, e.state.Reserve(1000))
	e.state.ApplyBuyFill(100, 10, 1000, 0)
	e.mu.Unlock()
	mock.account.Equity = 9500 // 5% drawdown

	e.cycle(context.Background())

	select {
	case reason := <-e.shutdownCh:
		assert.Equal(t, ShutdownStopLoss, reason)
	default:
		t.Fatal("expected a stop-loss shutdown request")
	}
	assert.Equal(t, StatusFullStop, e.state.Status)
}

func TestPartialStopSellsAndThinsUpperSells(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)
	e.cfg.Grid.MaxSingleLoss = 0.02
	e.cfg.Grid.TrailingStopRatio = 0.5

	e.mu.Lock()
	require.NoError(t, e.state.Reserve(1000))
	e.state.ApplyBuyFill(100, 10, 1000, 0)
	for i := 0; i < 4; i++ {
		leg := Leg{Side: gateway.SideSell, Price: 103 + float64(i), Quantity: 1}
		e.manager.Track(leg, fmt.Sprintf("s-%d", i), fmt.Sprintf("cs-%d", i), time.Now(), time.Hour)
		mock.open[fmt.Sprintf("s-%d", i)] = gateway.Order{ID: fmt.Sprintf("s-%d", i), Side: gateway.SideSell, Price: leg.Price, Quantity: 1}
	}
	e.mu.Unlock()

	mock.price = 96 // 4% under basis with a 2% limit
	e.cycle(context.Background())

	require.Len(t, mock.markets, 1)
	assert.Equal(t, gateway.SideSell, mock.markets[0].Side)
	assert.True(t, mock.markets[0].ReduceOnly)
	assert.Less(t, e.state.PositionQuantity, 10.0)

	// the two highest sells were cancelled
	assert.Len(t, mock.cancelled, 2)
	_, _, total := e.manager.Counts()
	assert.Equal(t, 2, total)

	// the liquidation is booked, so trading resumes under monitoring
	// instead of idling in the stop state
	assert.Equal(t, StatusMonitoring, e.state.Status)
	assert.True(t, e.state.Status.AllowsNewOrders())

	mock.price = 100
	e.rebalance(context.Background())
	_, _, total = e.manager.Counts()
	assert.Greater(t, total, 2, "ladder is replenished after the partial stop")
}

func TestSnapshotAgeGate(t *testing.T) {
	assert.NoError(t, checkSnapshotAge(time.Now().Add(-time.Minute), time.Hour))
	err := checkSnapshotAge(time.Now().Add(-2*time.Hour), time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleSnapshot)
}

// Planned legs are dropped when a stop intervened after planning or
// the live-order ceiling is already full.
func TestPlaceLegsGatedByStopAndCeiling(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)
	rep := market.Report{Regime: market.RegimeNormal, RSI: 50}

	e.mu.Lock()
	e.state.Status = StatusFullStop
	e.mu.Unlock()
	e.placeLegs(context.Background(), []Leg{{Side: gateway.SideSell, Price: 105, Quantity: 1}}, 100, rep)
	assert.Empty(t, mock.open)

	e.mu.Lock()
	e.state.Status = StatusNormal
	for i := 0; i < e.cfg.Grid.MaxActiveOrders; i++ {
		leg := Leg{Side: gateway.SideSell, Price: 110 + float64(i), Quantity: 1}
		e.manager.Track(leg, fmt.Sprintf("f-%d", i), fmt.Sprintf("cf-%d", i), time.Now(), time.Hour)
	}
	e.mu.Unlock()
	e.placeLegs(context.Background(), []Leg{{Side: gateway.SideSell, Price: 105, Quantity: 1}}, 100, rep)
	assert.Empty(t, mock.open)
}

// A parameter rollback must tear down the grid legs priced under the
// abandoned spacing; only high-priority counter-sells survive.
func TestRollbackTearsDownStaleLadder(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)

	e.mu.Lock()
	for i := 0; i < 3; i++ {
		leg := Leg{Side: gateway.SideSell, Price: 103 + float64(i), Quantity: 1, Priority: PriorityNormal}
		id := fmt.Sprintf("s-%d", i)
		e.manager.Track(leg, id, fmt.Sprintf("cs-%d", i), time.Now(), time.Hour)
		mock.open[id] = gateway.Order{ID: id, Side: gateway.SideSell, Price: leg.Price, Quantity: 1}
	}
	counter := Leg{Side: gateway.SideSell, Price: 102, Quantity: 1, Priority: PriorityHigh}
	e.manager.Track(counter, "hi-0", "chi-0", time.Now(), time.Hour)
	mock.open["hi-0"] = gateway.Order{ID: "hi-0", Side: gateway.SideSell, Price: 102, Quantity: 1}

	// a stale checkpoint whose score the recent trades fall far short of
	e.state.Trades = sellTrades(25, -1)
	e.params.MinSpacing = e.params.MinSpacing * 1.5
	e.params.Checkpoints = []ParamCheckpoint{{
		MinSpacing:  e.cfg.Grid.MinGridSpacing,
		MaxSpacing:  e.cfg.Grid.MaxGridSpacing,
		TradeAmount: e.cfg.Grid.TradeAmount,
		Time:        time.Now().Add(-8 * time.Hour),
		Score:       80,
	}}
	e.mu.Unlock()

	e.optimizeParams(context.Background())

	assert.Equal(t, e.cfg.Grid.MinGridSpacing, e.params.MinSpacing)
	assert.Empty(t, e.params.Checkpoints)
	assert.Len(t, mock.cancelled, 3)
	_, _, total := e.manager.Counts()
	assert.Equal(t, 1, total)
	_, ok := e.manager.Get("hi-0")
	assert.True(t, ok, "high-priority counter-sell survives the teardown")
}

func TestShutdownDrainsAndReleases(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)
	e.cycle(context.Background())
	require.Greater(t, e.state.ReservedFunds, 0.0)

	require.NoError(t, e.shutdown(ShutdownUserSignal))

	assert.Empty(t, mock.open)
	assert.Equal(t, 0.0, e.state.ReservedFunds)
	assert.Empty(t, mock.markets, "user signal with no close flag leaves the position alone")
}

func TestShutdownStopLossClosesPosition(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)
	e.mu.Lock()
	require.NoError(t, e.state.Reserve(1000))
	e.state.ApplyBuyFill(100, 10, 1000, 0)
	e.prices = []float64{100}
	e.mu.Unlock()

	require.NoError(t, e.shutdown(ShutdownStopLoss))

	require.Len(t, mock.markets, 1)
	assert.Equal(t, gateway.SideSell, mock.markets[0].Side)
	assert.True(t, mock.markets[0].ReduceOnly)
	assert.False(t, e.state.HasPosition())
}

func TestMarginEmergencyRequestsShutdown(t *testing.T) {
	mock := newMockGateway(100, 10000)
	e := testEngine(t, mock)
	mock.account = gateway.Account{Equity: 100, MarginUsed: 1000}

	e.checkMargin(context.Background())

	select {
	case reason := <-e.shutdownCh:
		assert.Equal(t, ShutdownMarginInsufficient, reason)
	default:
		t.Fatal("expected a margin shutdown request")
	}
}

func TestRestoreAdoptsVenueState(t *testing.T) {
	mock := newMockGateway(100, 10000)
	mock.position = &gateway.Position{Symbol: "BTC", Quantity: 3, EntryPrice: 98}
	mock.open["77"] = gateway.Order{ID: "77", Side: gateway.SideBuy, Price: 97, Quantity: 1}
	e := testEngine(t, mock)

	require.NoError(t, e.restore(context.Background()))

	assert.InDelta(t, 3, e.state.PositionQuantity, 1e-9)
	assert.InDelta(t, 98, e.state.PositionAvgPrice, 1e-9)
	o, ok := e.manager.Get("77")
	require.True(t, ok)
	assert.Equal(t, gateway.SideBuy, o.Side)
	assert.InDelta(t, 97.0, e.state.ReservedFunds, 1e-9)
}

func TestRiskCheckUsesAnalyzedHistory(t *testing.T) {
	// sanity: the market report built from engine history feeds tier 4
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100
	}
	prices[29] = 95 // -5% final tick
	rep := market.Analyze(prices)
	assert.Less(t, rep.PriceChange5Min, -0.04)
}
