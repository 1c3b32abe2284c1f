package grid

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"hypergrid/config"
	"hypergrid/gateway"
	"hypergrid/logger"
	"hypergrid/market"
)

// PriorityClass execution priority of a grid order
type PriorityClass int

const (
	PriorityHigh PriorityClass = iota
	PriorityNormal
	PriorityLow
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ExpiryPolicy what to do with an order that outlived its max age
type ExpiryPolicy int

const (
	ExpiryCancel ExpiryPolicy = iota
	ExpiryReprice
	ExpiryExtend
	ExpiryConvertToMarket // high priority only
)

func (p ExpiryPolicy) String() string {
	switch p {
	case ExpiryReprice:
		return "reprice"
	case ExpiryExtend:
		return "extend"
	case ExpiryConvertToMarket:
		return "convert_to_market"
	default:
		return "cancel"
	}
}

// LiveOrder one order tracked in the live index
type LiveOrder struct {
	ID        string        `json:"id"`
	ClientID  string        `json:"client_id"`
	Side      gateway.Side  `json:"side"`
	Price     float64       `json:"price"`
	Quantity  float64       `json:"quantity"`
	Funds     float64       `json:"funds"` // reserved quote funds, buy legs only
	Priority  PriorityClass `json:"priority"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Extended  bool          `json:"extended"` // an extend is granted at most once
}

// ExpiryDecision pairs an expired order with its resolution
type ExpiryDecision struct {
	Order  *LiveOrder
	Policy ExpiryPolicy
}

// Manager owns the live order index and the rebalancing rules: the
// global ceiling, buy/sell balance and supplementation of thin sides.
// Like GridState it does no locking and no I/O; the engine serializes
// access and talks to the exchange.
type Manager struct {
	cfg    *config.GridConfig
	orders map[string]*LiveOrder

	filled  int
	expired int
}

func NewManager(cfg *config.GridConfig) *Manager {
	return &Manager{cfg: cfg, orders: make(map[string]*LiveOrder)}
}

// NewClientID returns a fresh client order id
func NewClientID() string {
	return "hg-" + uuid.NewString()[:18]
}

// Track registers a submitted order in the live index
func (m *Manager) Track(leg Leg, orderID, clientID string, now time.Time, maxAge time.Duration) *LiveOrder {
	o := &LiveOrder{
		ID:        orderID,
		ClientID:  clientID,
		Side:      leg.Side,
		Price:     leg.Price,
		Quantity:  leg.Quantity,
		Funds:     leg.Funds,
		Priority:  leg.Priority,
		CreatedAt: now,
		ExpiresAt: now.Add(maxAge),
	}
	m.orders[o.key()] = o
	return o
}

func (o *LiveOrder) key() string {
	if o.ID != "" {
		return o.ID
	}
	return o.ClientID
}

// Untrack removes an order from the index, returning it if present
func (m *Manager) Untrack(id string) *LiveOrder {
	o, ok := m.orders[id]
	if !ok {
		return nil
	}
	delete(m.orders, id)
	return o
}

// Get looks up a live order by exchange id or client id
func (m *Manager) Get(id string) (*LiveOrder, bool) {
	o, ok := m.orders[id]
	return o, ok
}

// All returns the live orders in no particular order
func (m *Manager) All() []*LiveOrder {
	out := make([]*LiveOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

// Counts returns (buy, sell, total) live order counts
func (m *Manager) Counts() (buys, sells, total int) {
	for _, o := range m.orders {
		if o.Side == gateway.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	return buys, sells, buys + sells
}

// ReservedFunds total quote funds reserved by live buy orders
func (m *Manager) ReservedFunds() float64 {
	var sum float64
	for _, o := range m.orders {
		if o.Side == gateway.SideBuy {
			sum += o.Funds
		}
	}
	return sum
}

// Capacity remaining room under the global live-order ceiling
func (m *Manager) Capacity() int {
	c := m.cfg.MaxActiveOrders - len(m.orders)
	if c < 0 {
		return 0
	}
	return c
}

// MarkFilled records a fill for the adaptive age statistics
func (m *Manager) MarkFilled() { m.filled++ }

// MarkExpired records an expiry for the adaptive age statistics
func (m *Manager) MarkExpired() { m.expired++ }

// SuccessRate fraction of resolved orders that filled rather than aged
// out. Optimistic 1.0 before any orders resolve.
func (m *Manager) SuccessRate() float64 {
	n := m.filled + m.expired
	if n == 0 {
		return 1.0
	}
	return float64(m.filled) / float64(n)
}

// AdaptiveMaxAge shortens order lifetime in fast markets and when few
// orders fill, bounded by the configured floor and ceiling
func (m *Manager) AdaptiveMaxAge(volatility float64) time.Duration {
	base := float64(m.cfg.MaxOrderAgeSec)
	volCut := clamp(volatility*10, 0, 0.5)
	age := base * (1 - volCut) * (0.5 + 0.5*m.SuccessRate())
	age = clamp(age, float64(m.cfg.MinOrderAgeSec), base)
	return time.Duration(age) * time.Second
}

// Expired returns the resolution for every order past its deadline.
// High priority converts to market, orders still near the market get a
// single extension, normal priority is repriced, the rest cancel.
func (m *Manager) Expired(now time.Time, marketPrice float64) []ExpiryDecision {
	var out []ExpiryDecision
	for _, o := range m.orders {
		if now.Before(o.ExpiresAt) {
			continue
		}
		out = append(out, ExpiryDecision{Order: o, Policy: m.policyFor(o, marketPrice)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Order.ExpiresAt.Before(out[j].Order.ExpiresAt)
	})
	return out
}

func (m *Manager) policyFor(o *LiveOrder, marketPrice float64) ExpiryPolicy {
	if o.Priority == PriorityHigh {
		return ExpiryConvertToMarket
	}
	if !o.Extended && marketPrice > 0 {
		// an order the market is about to reach earns one more lifetime
		if math.Abs(o.Price-marketPrice)/marketPrice < m.cfg.MinGridSpacing {
			return ExpiryExtend
		}
	}
	if o.Priority == PriorityNormal {
		return ExpiryReprice
	}
	return ExpiryCancel
}

// Extend pushes an order's deadline out by maxAge, once
func (m *Manager) Extend(o *LiveOrder, now time.Time, maxAge time.Duration) {
	o.ExpiresAt = now.Add(maxAge)
	o.Extended = true
}

// SortForExecution orders legs by priority class, then by proximity to
// the current price so the legs most likely to fill go out first
func SortForExecution(legs []Leg, marketPrice float64) {
	sort.SliceStable(legs, func(i, j int) bool {
		if legs[i].Priority != legs[j].Priority {
			return legs[i].Priority < legs[j].Priority
		}
		return math.Abs(legs[i].Price-marketPrice) < math.Abs(legs[j].Price-marketPrice)
	})
}

// ==================== Rebalancing ====================

// NeedsRebalance reports whether the live set is degraded enough to
// supplement: an empty side, a half-empty book, or a buy/sell
// imbalance past the configured threshold.
func (m *Manager) NeedsRebalance() bool {
	buys, sells, total := m.Counts()
	ideal := m.idealTotal()
	switch {
	case total == 0:
		return false // initial placement, not a rebalance
	case buys == 0 || sells == 0:
		return true
	case total < ideal/2:
		return true
	case absInt(buys-sells) > m.cfg.ImbalanceLimit:
		return true
	case total < ideal:
		return true
	}
	return false
}

func (m *Manager) idealTotal() int {
	ideal := 2 * m.cfg.GridCount
	if ideal > m.cfg.MaxActiveOrders {
		ideal = m.cfg.MaxActiveOrders
	}
	return ideal
}

// RebalancePlan computes the legs that restore the ladder toward its
// ideal shape. Slots are split evenly between sides (odd slot goes to
// buys), each side capped by its own deficit, and new legs walk
// outward from the most extreme existing order so inner levels are
// never disturbed. Sell supplementation with a flat position is only
// allowed when sell orders already exist to anchor the walk.
func (m *Manager) RebalancePlan(state *GridState, price float64, report market.Report, params *DynamicParams, alloc *Allocator) []Leg {
	if !state.Status.AllowsNewOrders() || report.Regime.ShouldPause() {
		return nil
	}
	buys, sells, total := m.Counts()
	ideal := m.idealTotal()
	slots := ideal - total
	if slots > m.Capacity() {
		slots = m.Capacity()
	}
	if slots <= 0 {
		return nil
	}

	perSide := ideal / 2
	buyDeficit := maxInt(perSide-buys, 0)
	sellDeficit := maxInt(perSide-sells, 0)

	// split evenly, odd slot to buys, each side capped by its deficit;
	// slots one side cannot use flow to the other
	buyWant := minInt(slots/2+slots%2, buyDeficit)
	sellWant := minInt(slots/2, sellDeficit)
	if extra := slots - buyWant - sellWant; extra > 0 {
		give := minInt(extra, buyDeficit-buyWant)
		buyWant += give
		extra -= give
		sellWant += minInt(extra, sellDeficit-sellWant)
	}

	// a flat book cannot anchor outward sells: with no position, only
	// supplement sells when existing sell orders mark the ladder edge
	if sellWant > 0 && !state.HasPosition() && sells == 0 {
		sellWant = 0
	}

	var legs []Leg
	if buyWant > 0 {
		legs = append(legs, m.walkOutward(state, gateway.SideBuy, buyWant, price, report, params, alloc)...)
	}
	if sellWant > 0 {
		legs = append(legs, m.walkOutward(state, gateway.SideSell, sellWant, price, report, params, alloc)...)
	}
	if len(legs) > 0 {
		logger.Infof("📊 rebalance: %d buys / %d sells live, supplementing %d legs", buys, sells, len(legs))
	}
	return legs
}

// walkOutward generates up to n legs stepping away from the side's
// most extreme live order, or from the market price on an empty side
func (m *Manager) walkOutward(state *GridState, side gateway.Side, n int, price float64, report market.Report, params *DynamicParams, alloc *Allocator) []Leg {
	from := m.extremePrice(side)
	if from <= 0 {
		from = price
	}
	var legs []Leg
	for i := 0; i < n; i++ {
		leg, ok := alloc.OutwardLeg(state, side, from, price, report, params)
		if !ok {
			break
		}
		legs = append(legs, leg)
		from = leg.Price
	}
	return legs
}

// extremePrice lowest live buy or highest live sell, 0 when the side is empty
func (m *Manager) extremePrice(side gateway.Side) float64 {
	var extreme float64
	for _, o := range m.orders {
		if o.Side != side {
			continue
		}
		switch {
		case extreme == 0:
			extreme = o.Price
		case side == gateway.SideBuy && o.Price < extreme:
			extreme = o.Price
		case side == gateway.SideSell && o.Price > extreme:
			extreme = o.Price
		}
	}
	return extreme
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
