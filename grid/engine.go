package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hypergrid/config"
	"hypergrid/gateway"
	"hypergrid/logger"
	"hypergrid/market"
	"hypergrid/store"
)

// Engine wires the ledger, risk checker, allocator, order manager and
// tuner into the trading loop. A single mutex serializes all state;
// every gateway call happens outside the lock so a slow venue never
// stalls risk accounting.
type Engine struct {
	cfg *config.Config
	gw  gateway.Gateway
	st  *store.Store

	mu       sync.Mutex
	state    *GridState
	manager  *Manager
	params   *DynamicParams
	prices   []float64
	lastTick time.Time

	alloc    *Allocator
	risk     *RiskChecker
	throttle *BatchThrottle

	netFailures  int
	shutdownCh   chan ShutdownReason
	shutdownOnce sync.Once
}

// NewEngine builds an engine from validated configuration
func NewEngine(cfg *config.Config, gw gateway.Gateway, st *store.Store) *Engine {
	g := &cfg.Grid
	return &Engine{
		cfg:     cfg,
		gw:      gw,
		st:      st,
		state:   NewGridState(g.TotalCapital),
		manager: NewManager(g),
		params:  NewDynamicParams(g),
		alloc:   NewAllocator(g),
		risk:    NewRiskChecker(g),
		throttle: NewBatchThrottle(g.MaxOrdersPerBatch,
			2*time.Second, time.Duration(g.BatchDelayMs)*time.Millisecond),
		shutdownCh: make(chan ShutdownReason, 1),
	}
}

// RequestShutdown asks the run loop to stop with the given reason.
// Safe to call from signal handlers and internal monitors alike.
func (e *Engine) RequestShutdown(reason ShutdownReason) {
	select {
	case e.shutdownCh <- reason:
	default:
	}
}

// Run restores persisted state, places the initial ladder and drives
// the periodic loops until the context ends or a monitor requests
// shutdown. Always exits through the drain-and-flush shutdown path.
func (e *Engine) Run(ctx context.Context) error {
	g := &e.cfg.Grid
	if err := e.restore(ctx); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	if err := e.gw.SetLeverage(ctx, g.Symbol, g.Leverage); err != nil {
		logger.Warnf("⚠️ failed to set leverage: %v", err)
	}
	logger.Infof("✓ engine started: %s on %s, capital %.2f, %d tiers",
		g.Symbol, e.gw.Name(), g.TotalCapital, g.GridCount)

	check := time.NewTicker(time.Duration(g.CheckIntervalSec) * time.Second)
	orders := time.NewTicker(time.Duration(g.OrderCheckSec) * time.Second)
	margin := time.NewTicker(time.Duration(g.MarginCheckSec) * time.Second)
	rebalance := time.NewTicker(time.Duration(g.RebalanceSec) * time.Second)
	optimize := time.NewTicker(time.Duration(g.OptimizeIntervalSec) * time.Second)
	report := time.NewTicker(time.Duration(g.StatusReportSec) * time.Second)
	defer func() {
		for _, t := range []*time.Ticker{check, orders, margin, rebalance, optimize, report} {
			t.Stop()
		}
	}()

	e.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return e.shutdown(ShutdownUserSignal)
		case reason := <-e.shutdownCh:
			return e.shutdown(reason)
		case <-check.C:
			e.cycle(ctx)
		case <-orders.C:
			e.syncOrders(ctx)
		case <-margin.C:
			e.checkMargin(ctx)
		case <-rebalance.C:
			e.rebalance(ctx)
		case <-optimize.C:
			e.optimizeParams(ctx)
		case <-report.C:
			e.statusReport()
		}
	}
}

// ==================== Main Cycle ====================

// cycle fetches market data, runs the risk tiers and maintains the
// ladder. One network failure is tolerated per call; persistent
// failures escalate to a network shutdown.
func (e *Engine) cycle(ctx context.Context) {
	g := &e.cfg.Grid
	price, err := e.gw.MarketPrice(ctx, g.Symbol)
	if err != nil {
		e.noteNetworkFailure(err)
		return
	}
	equity, equityKnown := 0.0, false
	if acct, err := e.gw.Account(ctx); err != nil {
		logger.Warnf("⚠️ account fetch failed, drawdown tier skipped: %v", err)
	} else {
		equity, equityKnown = acct.Equity, true
	}
	e.netFailures = 0

	e.mu.Lock()
	e.prices = append(e.prices, price)
	if len(e.prices) > g.HistoryLength {
		e.prices = e.prices[len(e.prices)-g.HistoryLength:]
	}
	e.lastTick = time.Now()
	rep := market.Analyze(e.prices)
	decision := e.risk.Check(e.state, price, equity, equityKnown, rep)
	if err := e.state.CheckInvariants(price, g.FeeRate*10); err != nil {
		logger.Errorf("🚨 %v", err)
	}
	e.mu.Unlock()

	if decision.Action != ActionNone {
		e.executeStop(ctx, decision, price, rep)
		return
	}
	e.maintainLadder(ctx, price, rep)
	e.persist()
}

// noteNetworkFailure counts consecutive failures and backs off,
// escalating to shutdown past the per-kind retry budget
func (e *Engine) noteNetworkFailure(err error) {
	kind := gateway.Classify(err)
	e.netFailures++
	logger.Warnf("⚠️ network failure %d (%s): %v", e.netFailures, kind, err)
	if e.netFailures > kind.MaxRetries() {
		logger.Errorf("🚨 retry budget for %s exhausted, shutting down", kind)
		e.RequestShutdown(ShutdownNetworkError)
		return
	}
	time.Sleep(kind.Backoff(e.netFailures))
}

// maintainLadder plans the ideal ladder and submits whatever legs are
// not already live. Existing orders are never churned here; expiry and
// rebalancing have their own paths.
func (e *Engine) maintainLadder(ctx context.Context, price float64, rep market.Report) {
	e.mu.Lock()
	_, _, total := e.manager.Counts()
	var want []Leg
	if total == 0 {
		ladder := e.alloc.Plan(e.state, price, rep, e.params)
		want = append(ladder.Buys, ladder.Sells...)
	}
	want = e.filterDuplicates(want)
	capacity := e.manager.Capacity()
	e.mu.Unlock()

	if len(want) > capacity {
		want = want[:capacity]
	}
	if len(want) > 0 {
		e.placeLegs(ctx, want, price, rep)
	}
}

// filterDuplicates drops planned legs that already have a live order
// at effectively the same price. Caller holds the lock.
func (e *Engine) filterDuplicates(legs []Leg) []Leg {
	if len(legs) == 0 {
		return legs
	}
	out := legs[:0]
	for _, leg := range legs {
		dup := false
		for _, o := range e.manager.All() {
			if o.Side == leg.Side && abs(o.Price-leg.Price) < leg.Price*1e-6 {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, leg)
		}
	}
	return out
}

// ==================== Order Placement ====================

// placeLegs submits legs in throttled batches, highest priority and
// closest to market first. Buy funds are reserved before the network
// call and released again if the venue rejects the order.
func (e *Engine) placeLegs(ctx context.Context, legs []Leg, price float64, rep market.Report) {
	g := &e.cfg.Grid
	SortForExecution(legs, price)

	e.mu.Lock()
	maxAge := e.manager.AdaptiveMaxAge(rep.Volatility)
	e.mu.Unlock()

	for len(legs) > 0 {
		// a stop or the ceiling may have intervened since planning
		e.mu.Lock()
		var gateErr error
		if !e.state.Status.AllowsNewOrders() {
			gateErr = ErrTradingHalted
		} else if e.manager.Capacity() <= 0 {
			gateErr = ErrOrderCeiling
		}
		e.mu.Unlock()
		if gateErr != nil {
			logger.Warnf("⚠️ dropping %d planned legs: %v", len(legs), gateErr)
			return
		}

		n := e.throttle.Next(len(legs))
		batch := legs[:n]
		legs = legs[n:]
		for _, leg := range batch {
			if !e.reserveFor(leg) {
				continue
			}
			clientID := NewClientID()
			start := time.Now()
			order, err := e.gw.PlaceLimitOrder(ctx, gateway.PlaceRequest{
				Symbol:   g.Symbol,
				Side:     leg.Side,
				Price:    leg.Price,
				Quantity: leg.Quantity,
				ClientID: clientID,
			})
			e.throttle.Record(time.Since(start))
			if err != nil {
				logger.Warnf("⚠️ place %s %.6f @ %.4f failed: %v", leg.Side, leg.Quantity, leg.Price, err)
				e.releaseFor(leg)
				continue
			}
			e.mu.Lock()
			id := clientID
			if order != nil && order.ID != "" {
				id = order.ID
			}
			e.manager.Track(leg, id, clientID, time.Now(), maxAge)
			e.mu.Unlock()
			time.Sleep(e.throttle.InterCallWait())
		}
	}
}

func (e *Engine) reserveFor(leg Leg) bool {
	if leg.Side != gateway.SideBuy {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.Reserve(leg.Funds); err != nil {
		logger.Debugf("📊 skipping buy @ %.4f: %v", leg.Price, err)
		return false
	}
	return true
}

func (e *Engine) releaseFor(leg Leg) {
	if leg.Side != gateway.SideBuy {
		return
	}
	e.mu.Lock()
	e.state.Release(leg.Funds)
	e.mu.Unlock()
}

// ==================== Order Sync & Expiry ====================

// syncOrders reconciles the live index against the venue. A tracked
// order missing from the venue's open list is treated as filled at its
// limit price, then expiry policies run on what remains.
func (e *Engine) syncOrders(ctx context.Context) {
	g := &e.cfg.Grid
	open, err := e.gw.OpenOrders(ctx, g.Symbol)
	if err != nil {
		e.noteNetworkFailure(err)
		return
	}
	price, err := e.gw.MarketPrice(ctx, g.Symbol)
	if err != nil {
		e.noteNetworkFailure(err)
		return
	}
	e.netFailures = 0

	openIDs := make(map[string]bool, len(open))
	for _, o := range open {
		openIDs[o.ID] = true
	}

	e.mu.Lock()
	e.adoptUnresolvedIDs(open)
	var counterLegs []Leg
	for _, o := range e.manager.All() {
		if openIDs[o.key()] {
			continue
		}
		// grace period for venues that take a moment to list fresh orders
		if time.Since(o.CreatedAt) < 10*time.Second {
			continue
		}
		e.manager.Untrack(o.key())
		e.manager.MarkFilled()
		if leg, ok := e.applyFill(o); ok {
			counterLegs = append(counterLegs, leg)
		}
	}
	rep := market.Analyze(e.prices)
	expired := e.manager.Expired(time.Now(), price)
	e.mu.Unlock()

	e.resolveExpiry(ctx, expired, price, rep)
	if len(counterLegs) > 0 {
		e.placeLegs(ctx, counterLegs, price, rep)
	}
	e.persist()
}

// adoptUnresolvedIDs matches orders tracked only by client id against
// the venue's open list by side and price. Caller holds the lock.
func (e *Engine) adoptUnresolvedIDs(open []gateway.Order) {
	for _, tracked := range e.manager.All() {
		if tracked.ID != "" {
			continue
		}
		for _, o := range open {
			if o.Side == tracked.Side && abs(o.Price-tracked.Price) < tracked.Price*1e-6 {
				e.manager.Untrack(tracked.key())
				tracked.ID = o.ID
				e.manager.orders[o.ID] = tracked
				break
			}
		}
	}
}

// applyFill books a fill into the ledger. A filled buy returns its
// paired counter-sell leg at high priority. Caller holds the lock.
func (e *Engine) applyFill(o *LiveOrder) (Leg, bool) {
	g := &e.cfg.Grid
	if o.Side == gateway.SideBuy {
		e.state.ApplyBuyFill(o.Price, o.Quantity, o.Funds, g.FeeRate)
		spacing := (e.params.MinSpacing + e.params.MaxSpacing) / 2
		counter := Leg{
			Side:     gateway.SideSell,
			Price:    e.alloc.CounterSellPrice(e.state, o.Price, spacing),
			Quantity: roundTo(o.Quantity*(1-g.FeeRate), g.QuantityPrecision),
			Priority: PriorityHigh,
		}
		e.recordTradeRow("BUY", o.Price, o.Quantity, 0)
		return counter, counter.Quantity > 0
	}
	profit := e.state.ApplySellFill(o.Price, o.Quantity, g.FeeRate)
	e.recordTradeRow("SELL", o.Price, o.Quantity, profit)
	return Leg{}, false
}

func (e *Engine) recordTradeRow(side string, price, qty, profit float64) {
	if e.st == nil {
		return
	}
	row := store.TradeRow{
		Symbol:     e.cfg.Grid.Symbol,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Profit:     profit,
		TotalValue: e.state.TotalAssets(price),
		TradedAt:   time.Now(),
	}
	go func() {
		if err := e.st.RecordTrade(row); err != nil {
			logger.Warnf("⚠️ trade log write failed: %v", err)
		}
	}()
}

// resolveExpiry executes each expiry decision: cancel, reprice toward
// the market, grant one extension, or convert high priority to market
func (e *Engine) resolveExpiry(ctx context.Context, expired []ExpiryDecision, price float64, rep market.Report) {
	g := &e.cfg.Grid
	var replacements []Leg
	for _, d := range expired {
		o := d.Order
		switch d.Policy {
		case ExpiryExtend:
			e.mu.Lock()
			e.manager.Extend(o, time.Now(), e.manager.AdaptiveMaxAge(rep.Volatility))
			e.mu.Unlock()
			continue
		case ExpiryConvertToMarket:
			if err := e.cancelTracked(ctx, o); err != nil {
				continue
			}
			if err := e.gw.PlaceMarketOrder(ctx, g.Symbol, o.Side, o.Quantity, false); err != nil {
				logger.Warnf("⚠️ convert-to-market failed: %v", err)
				continue
			}
			e.mu.Lock()
			// cancelTracked released the original reservation; re-reserve
			// at the market price so the fill books against real funds
			funds := 0.0
			if o.Side == gateway.SideBuy {
				funds = price * o.Quantity
				if err := e.state.Reserve(funds); err != nil {
					funds = e.state.AvailableFunds
					if funds > 0 {
						_ = e.state.Reserve(funds)
					}
				}
			}
			counter, ok := e.applyFill(&LiveOrder{
				Side: o.Side, Price: price, Quantity: o.Quantity, Funds: funds,
			})
			if ok {
				replacements = append(replacements, counter)
			}
			e.mu.Unlock()
		case ExpiryReprice:
			if err := e.cancelTracked(ctx, o); err != nil {
				continue
			}
			e.mu.Lock()
			leg, ok := e.repriceLeg(o, price)
			e.mu.Unlock()
			if ok {
				replacements = append(replacements, leg)
			}
		default: // ExpiryCancel
			if err := e.cancelTracked(ctx, o); err != nil {
				continue
			}
			e.mu.Lock()
			e.manager.MarkExpired()
			e.mu.Unlock()
		}
	}
	if len(replacements) > 0 {
		e.placeLegs(ctx, replacements, price, rep)
	}
}

// repriceLeg rebuilds an expired order one half step closer to the
// market. Sell legs still respect the profitability floor. Caller
// holds the lock.
func (e *Engine) repriceLeg(o *LiveOrder, price float64) (Leg, bool) {
	g := &e.cfg.Grid
	spacing := (e.params.MinSpacing + e.params.MaxSpacing) / 2
	var p float64
	if o.Side == gateway.SideBuy {
		p = price * (1 - spacing/2)
	} else {
		p = price * (1 + spacing/2)
		if e.state.PositionAvgPrice > 0 {
			floor := MinProfitableSellPrice(e.state.PositionAvgPrice, g.FeeRate, g.MinProfit)
			if p < floor {
				p = floor
			}
		}
	}
	p = roundTo(p, g.PricePrecision)
	if p <= 0 {
		return Leg{}, false
	}
	leg := Leg{Side: o.Side, Price: p, Quantity: o.Quantity, Priority: o.Priority}
	if o.Side == gateway.SideBuy {
		leg.Funds = p * o.Quantity
	}
	return leg, true
}

// cancelTracked cancels on the venue first, then untracks and
// releases the reservation
func (e *Engine) cancelTracked(ctx context.Context, o *LiveOrder) error {
	if err := e.gw.CancelOrder(ctx, e.cfg.Grid.Symbol, o.ID); err != nil {
		logger.Warnf("⚠️ cancel %s failed: %v", o.ID, err)
		return err
	}
	e.mu.Lock()
	if removed := e.manager.Untrack(o.key()); removed != nil && removed.Side == gateway.SideBuy {
		e.state.Release(removed.Funds)
	}
	e.mu.Unlock()
	return nil
}

// ==================== Rebalancing ====================

// rebalance tops up thin ladder sides per the supplementation rules
func (e *Engine) rebalance(ctx context.Context) {
	g := &e.cfg.Grid
	price, err := e.gw.MarketPrice(ctx, g.Symbol)
	if err != nil {
		e.noteNetworkFailure(err)
		return
	}
	e.mu.Lock()
	rep := market.Analyze(e.prices)
	var legs []Leg
	if e.manager.NeedsRebalance() {
		legs = e.manager.RebalancePlan(e.state, price, rep, e.params, e.alloc)
	}
	e.mu.Unlock()

	if len(legs) > 0 {
		e.placeLegs(ctx, legs, price, rep)
		e.persist()
	}
}

// ==================== Risk Execution ====================

// executeStop liquidates per the risk decision. Partial stops sell a
// fraction with bounded slippage and thin out the upper sell ladder;
// full stops drain everything and exit through the shutdown path.
func (e *Engine) executeStop(ctx context.Context, d StopDecision, price float64, rep market.Report) {
	g := &e.cfg.Grid
	logger.Errorf("🚨 executing %s: %s", d.Action, d.Reason)

	if d.Action == ActionFullStop {
		e.RequestShutdown(ShutdownStopLoss)
		return
	}

	urgency := 1.5
	slip := StopSlippage(g.SlippageTolerance, rep.Volatility, urgency)
	qty := roundTo(d.Quantity, g.QuantityPrecision)
	if qty <= 0 {
		return
	}
	if err := e.gw.PlaceMarketOrder(ctx, g.Symbol, gateway.SideSell, qty, true); err != nil {
		logger.Errorf("🚨 partial stop order failed: %v", err)
		return
	}
	fillEstimate := price * (1 - slip)

	e.mu.Lock()
	profit := e.state.ApplySellFill(fillEstimate, qty, g.FeeRate)
	e.recordTradeRow("SELL", fillEstimate, qty, profit)
	sells := e.upperSellHalf()
	// liquidation is booked; the next cycle trades again under monitoring
	if e.state.Status == StatusPartialStop {
		e.state.Status = StatusMonitoring
	}
	e.mu.Unlock()

	// the top half of the sell ladder now overhangs a smaller position
	for _, o := range sells {
		_ = e.cancelTracked(ctx, o)
	}
	e.persist()
}

// upperSellHalf returns the higher-priced half of live sell orders.
// Caller holds the lock.
func (e *Engine) upperSellHalf() []*LiveOrder {
	var sells []*LiveOrder
	for _, o := range e.manager.All() {
		if o.Side == gateway.SideSell {
			sells = append(sells, o)
		}
	}
	if len(sells) < 2 {
		return nil
	}
	for i := 0; i < len(sells); i++ {
		for j := i + 1; j < len(sells); j++ {
			if sells[j].Price > sells[i].Price {
				sells[i], sells[j] = sells[j], sells[i]
			}
		}
	}
	return sells[:len(sells)/2]
}

// ==================== Margin Monitor ====================

// checkMargin compares the venue margin ratio to the safety
// threshold; falling below half the threshold is treated as an
// emergency
func (e *Engine) checkMargin(ctx context.Context) {
	g := &e.cfg.Grid
	acct, err := e.gw.Account(ctx)
	if err != nil {
		logger.Warnf("⚠️ margin check skipped: %v", err)
		return
	}
	ratio := acct.MarginRatio()
	switch {
	case ratio < g.MarginSafetyThreshold/2:
		logger.Errorf("🚨 margin ratio %.2f below emergency floor %.2f", ratio, g.MarginSafetyThreshold/2)
		e.RequestShutdown(ShutdownMarginInsufficient)
	case ratio < g.MarginSafetyThreshold:
		logger.Warnf("⚠️ margin ratio %.2f below safety threshold %.2f", ratio, g.MarginSafetyThreshold)
	}
}

// ==================== Tuner ====================

// optimizeParams runs one tuner pass and the rollback check,
// persisting whenever parameters move. A rollback also tears down the
// grid legs priced under the abandoned parameters so the next cycle
// rebuilds the ladder with the restored spacing.
func (e *Engine) optimizeParams(ctx context.Context) {
	g := &e.cfg.Grid
	e.mu.Lock()
	rep := market.Analyze(e.prices)
	if score, ok := Score(e.state.Trades); ok && e.params.ShouldRollback(score, time.Now(), g) {
		e.params.Rollback()
		var stale []*LiveOrder
		for _, o := range e.manager.All() {
			if o.Priority != PriorityHigh {
				stale = append(stale, o)
			}
		}
		e.mu.Unlock()
		for _, o := range stale {
			_ = e.cancelTracked(ctx, o)
		}
		if len(stale) > 0 {
			logger.Infof("✓ rollback tore down %d grid legs for rebuild", len(stale))
		}
		e.persist()
		return
	}
	changed, _ := e.params.Optimize(e.state.Trades, rep.Volatility, g)
	e.mu.Unlock()
	if changed {
		e.persist()
	}
}

// ==================== Status Report ====================

func (e *Engine) statusReport() {
	e.mu.Lock()
	defer e.mu.Unlock()
	var price float64
	if len(e.prices) > 0 {
		price = e.prices[len(e.prices)-1]
	}
	buys, sells, total := e.manager.Counts()
	m := ComputeMetrics(e.state.Trades)
	logger.Infof("📊 status: price %.4f | position %.6f @ %.4f | funds %.2f avail / %.2f reserved | orders %d (%dB/%dS) | realized %+.2f | win %.0f%% | status %s",
		price, e.state.PositionQuantity, e.state.PositionAvgPrice,
		e.state.AvailableFunds, e.state.ReservedFunds,
		total, buys, sells, e.state.RealizedProfit, m.WinRate, e.state.Status)
}

// ==================== Persistence & Restore ====================

// persist flushes ledger, live orders and tuner parameters
func (e *Engine) persist() {
	if e.st == nil {
		return
	}
	e.mu.Lock()
	stateCopy := *e.state
	orders := make([]LiveOrder, 0, len(e.manager.orders))
	for _, o := range e.manager.All() {
		orders = append(orders, *o)
	}
	paramsCopy := *e.params
	e.mu.Unlock()

	if err := e.st.SaveSnapshot(store.KindLedger, &stateCopy); err != nil {
		logger.Warnf("⚠️ ledger snapshot failed: %v", err)
	}
	if err := e.st.SaveSnapshot(store.KindOrders, orders); err != nil {
		logger.Warnf("⚠️ order snapshot failed: %v", err)
	}
	if err := e.st.SaveSnapshot(store.KindParams, &paramsCopy); err != nil {
		logger.Warnf("⚠️ params snapshot failed: %v", err)
	}
}

// restore loads persisted state and reconciles it against the venue.
// Stale snapshots are discarded rather than trusted; the venue's
// position and open orders always win a disagreement.
// checkSnapshotAge returns ErrStaleSnapshot when a persisted snapshot
// is older than the configured trust window.
func checkSnapshotAge(when time.Time, maxAge time.Duration) error {
	if time.Since(when) > maxAge {
		return fmt.Errorf("%w (written %s)", ErrStaleSnapshot, when.Format(time.RFC3339))
	}
	return nil
}

func (e *Engine) restore(ctx context.Context) error {
	g := &e.cfg.Grid
	maxAge := time.Duration(g.SnapshotMaxAgeSec) * time.Second

	if e.st != nil {
		var saved GridState
		when, err := e.st.LoadSnapshot(store.KindLedger, &saved)
		ageErr := checkSnapshotAge(when, maxAge)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			logger.Warnf("⚠️ ledger restore failed: %v", err)
		case ageErr != nil:
			logger.Warnf("⚠️ ledger restore skipped, starting fresh: %v", ageErr)
		default:
			saved.TotalCapital = g.TotalCapital
			e.state = &saved
			logger.Infof("✓ ledger restored: position %.6f @ %.4f, realized %+.2f",
				saved.PositionQuantity, saved.PositionAvgPrice, saved.RealizedProfit)
		}

		var params DynamicParams
		if _, err := e.st.LoadSnapshot(store.KindParams, &params); err == nil {
			params.Repair(g)
			e.params = &params
		}

	}

	var saved []LiveOrder
	if e.st != nil {
		when, err := e.st.LoadSnapshot(store.KindOrders, &saved)
		if err != nil {
			saved = nil
		} else if ageErr := checkSnapshotAge(when, maxAge); ageErr != nil {
			logger.Warnf("⚠️ reconciling from venue only: %v", ageErr)
			saved = nil
		}
	}
	e.readoptOrders(ctx, saved)

	// the venue's position is authoritative after downtime
	if pos, err := e.gw.Position(ctx, g.Symbol); err != nil {
		logger.Warnf("⚠️ position sync failed: %v", err)
	} else if pos != nil && abs(pos.Quantity-e.state.PositionQuantity) > positionEpsilon {
		logger.Warnf("⚠️ position drift: ledger %.6f vs venue %.6f, adopting venue",
			e.state.PositionQuantity, pos.Quantity)
		e.state.PositionQuantity = pos.Quantity
		if pos.EntryPrice > 0 {
			e.state.PositionAvgPrice = pos.EntryPrice
		}
	} else if pos == nil && e.state.HasPosition() {
		logger.Warnf("⚠️ ledger shows position %.6f but venue is flat, clearing", e.state.PositionQuantity)
		e.state.PositionQuantity = 0
		e.state.PositionAvgPrice = 0
		e.state.HighestPriceSinceEntry = 0
	}
	return nil
}

// readoptOrders re-tracks venue open orders, preserving snapshot
// metadata where ids match. Snapshot-only entries are dropped and
// their reservations released; their fate is unknowable after
// downtime and the position sync has already settled the books.
func (e *Engine) readoptOrders(ctx context.Context, saved []LiveOrder) {
	g := &e.cfg.Grid
	open, err := e.gw.OpenOrders(ctx, g.Symbol)
	if err != nil {
		logger.Warnf("⚠️ open order sync failed: %v", err)
		return
	}
	savedByID := make(map[string]LiveOrder, len(saved))
	for _, o := range saved {
		savedByID[o.ID] = o
	}
	now := time.Now()
	adopted := 0
	for _, o := range open {
		if prev, ok := savedByID[o.ID]; ok {
			restored := prev
			e.manager.orders[o.ID] = &restored
		} else {
			e.manager.orders[o.ID] = &LiveOrder{
				ID:        o.ID,
				Side:      o.Side,
				Price:     o.Price,
				Quantity:  o.Quantity,
				Funds:     orderFunds(o),
				Priority:  PriorityNormal,
				CreatedAt: now,
				ExpiresAt: now.Add(time.Duration(g.MaxOrderAgeSec) * time.Second),
			}
		}
		adopted++
	}
	// rebuild reservations from what is actually live
	e.state.Release(e.state.ReservedFunds)
	for _, o := range e.manager.All() {
		if o.Side == gateway.SideBuy && o.Funds > 0 {
			if err := e.state.Reserve(o.Funds); err != nil {
				logger.Warnf("⚠️ could not re-reserve %.2f for order %s: %v", o.Funds, o.ID, err)
			}
		}
	}
	if adopted > 0 {
		logger.Infof("✓ re-adopted %d open orders from venue", adopted)
	}
}

func orderFunds(o gateway.Order) float64 {
	if o.Side == gateway.SideBuy {
		return o.Price * o.Quantity
	}
	return 0
}

// ==================== Shutdown ====================

// shutdown drains and flushes: cancel open orders within the reason's
// budget, optionally close the position, persist, report. Runs once.
func (e *Engine) shutdown(reason ShutdownReason) error {
	var err error
	e.shutdownOnce.Do(func() {
		g := &e.cfg.Grid
		logger.Warnf("⚠️ shutting down: %s", reason)
		ctx, cancel := context.WithTimeout(context.Background(), reason.CancelTimeout())
		defer cancel()

		if n, cerr := e.gw.CancelAllOrders(ctx, g.Symbol); cerr != nil {
			logger.Errorf("🚨 cancel-all failed during shutdown: %v", cerr)
		} else {
			logger.Infof("✓ cancelled %d open orders", n)
		}
		e.mu.Lock()
		for _, o := range e.manager.All() {
			if removed := e.manager.Untrack(o.key()); removed != nil && removed.Side == gateway.SideBuy {
				e.state.Release(removed.Funds)
			}
		}
		closePosition := (reason.RequiresPositionClose() || g.ClosePositionOnExit) && e.state.HasPosition()
		qty := roundTo(e.state.PositionQuantity, g.QuantityPrecision)
		e.mu.Unlock()

		if closePosition && qty > 0 {
			if cerr := e.gw.PlaceMarketOrder(ctx, g.Symbol, gateway.SideSell, qty, true); cerr != nil {
				logger.Errorf("🚨 position close failed during shutdown: %v", cerr)
				err = cerr
			} else {
				logger.Infof("✓ position %.6f closed", qty)
				e.mu.Lock()
				var price float64
				if len(e.prices) > 0 {
					price = e.prices[len(e.prices)-1]
				}
				if price > 0 {
					profit := e.state.ApplySellFill(price, qty, g.FeeRate)
					e.recordTradeRow("SELL", price, qty, profit)
				}
				e.mu.Unlock()
			}
		}

		e.persist()
		e.finalReport()
	})
	return err
}

func (e *Engine) finalReport() {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := ComputeMetrics(e.state.Trades)
	logger.Infof("📊 final: realized %+.2f over %d trades | win %.0f%% | profit factor %.2f | fees %.2f",
		e.state.RealizedProfit, m.TotalTrades, m.WinRate, m.ProfitFactor, e.state.TotalFees)
}
