package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSnapshot struct {
	Funds    float64 `json:"funds"`
	Position float64 `json:"position"`
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := testSnapshot{Funds: 123.45, Position: 0.5}
	require.NoError(t, s.SaveSnapshot(KindLedger, in))

	var out testSnapshot
	when, err := s.LoadSnapshot(KindLedger, &out)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.WithinDuration(t, time.Now(), when, time.Minute)
}

func TestLoadMissingSnapshot(t *testing.T) {
	s := openTestStore(t)
	var out testSnapshot
	_, err := s.LoadSnapshot(KindParams, &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestGenerationWins(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.SaveSnapshot(KindLedger, testSnapshot{Funds: float64(i)}))
	}
	var out testSnapshot
	_, err := s.LoadSnapshot(KindLedger, &out)
	require.NoError(t, err)
	assert.Equal(t, 3.0, out.Funds)
}

func TestSnapshotRotation(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < snapshotKeep+10; i++ {
		require.NoError(t, s.SaveSnapshot(KindOrders, testSnapshot{Funds: float64(i)}))
	}
	var n int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM snapshots WHERE kind = ?`, KindOrders).Scan(&n))
	assert.Equal(t, snapshotKeep, n)
}

func TestKindsAreIndependent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveSnapshot(KindLedger, testSnapshot{Funds: 1}))
	require.NoError(t, s.SaveSnapshot(KindParams, testSnapshot{Funds: 2}))

	var ledger, params testSnapshot
	_, err := s.LoadSnapshot(KindLedger, &ledger)
	require.NoError(t, err)
	_, err = s.LoadSnapshot(KindParams, &params)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ledger.Funds)
	assert.Equal(t, 2.0, params.Funds)
}

func TestTradeLog(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordTrade(TradeRow{
			Symbol:   "BTC",
			Side:     "SELL",
			Price:    100 + float64(i),
			Quantity: 1,
			Profit:   float64(i),
			TradedAt: now,
		}))
	}
	require.NoError(t, s.RecordTrade(TradeRow{Symbol: "ETH", Side: "BUY", Price: 10, Quantity: 1, TradedAt: now}))

	rows, err := s.RecentTrades("BTC", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	// newest first
	assert.Equal(t, 104.0, rows[0].Price)
	for _, r := range rows {
		assert.Equal(t, "BTC", r.Symbol)
	}
}
