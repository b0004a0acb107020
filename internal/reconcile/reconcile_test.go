package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/config"
	"gridengine/internal/gateway"
	"gridengine/internal/ladder"
	"gridengine/internal/logging"
	"gridengine/internal/notify"
	"gridengine/internal/store"
	"gridengine/internal/ticktable"
)

func testSetup(t *testing.T) (*Reconciler, *gateway.Mock, *ladder.Snapshot) {
	t.Helper()
	gw := gateway.NewMock()
	ticks := ticktable.Default()
	st := store.New(t.TempDir())
	notifier := notify.NewManager(logging.Nop{})
	r := New(gw, ticks, st, notifier, logging.Nop{})

	cfg := config.MarketConfig{
		StartPrice: 100000, KRWAmount: 100000, MaxLevels: 4,
		BuyGap: 0.2, BuyMode: config.ModePercent, SellGap: 0.3, SellMode: config.ModePercent,
	}
	snap, err := ladder.Build("BTC", cfg, ticks)
	require.NoError(t, err)
	return r, gw, snap
}

func TestSyncByIDClearsUnknownOrder(t *testing.T) {
	r, _, snap := testSetup(t)
	snap.Levels[0].BuyOrderID = "does-not-exist"

	require.NoError(t, r.syncByID(context.Background(), "BTC", snap))
	assert.Empty(t, snap.Levels[0].BuyOrderID)
}

func TestSyncByIDDetectsFill(t *testing.T) {
	r, gw, snap := testSetup(t)
	res := gw.PlaceLimitOrder(context.Background(), gateway.OrderRequest{
		Market: "BTC", Side: gateway.SideBuy, Price: snap.Levels[0].BuyPrice, Volume: snap.Levels[0].Volume,
	})
	snap.Levels[0].BuyOrderID = res.OrderID
	gw.Fill(res.OrderID)

	require.NoError(t, r.syncByID(context.Background(), "BTC", snap))
	assert.True(t, snap.Levels[0].BuyFilled)
}

func TestSweepOrphansCancelsUntrackedOrder(t *testing.T) {
	r, gw, snap := testSetup(t)
	res := gw.PlaceLimitOrder(context.Background(), gateway.OrderRequest{
		Market: "BTC", Side: gateway.SideSell, Price: decimal.NewFromInt(999999999), Volume: decimal.NewFromFloat(0.1),
	})

	require.NoError(t, r.sweepOrphans(context.Background(), "BTC", snap))

	open, err := gw.GetOpenOrders(context.Background(), "BTC", 0)
	require.NoError(t, err)
	for _, o := range open {
		assert.NotEqual(t, res.OrderID, o.OrderID, "orphan should have been cancelled")
	}
}

func TestSweepOrphansReattachesMatchingOrder(t *testing.T) {
	r, gw, snap := testSetup(t)
	res := gw.PlaceLimitOrder(context.Background(), gateway.OrderRequest{
		Market: "BTC", Side: gateway.SideBuy, Price: snap.Levels[0].BuyPrice, Volume: snap.Levels[0].Volume,
	})

	require.NoError(t, r.sweepOrphans(context.Background(), "BTC", snap))
	assert.Equal(t, res.OrderID, snap.Levels[0].BuyOrderID)
}

func TestRecoverByBalanceReconstructsFilledLevels(t *testing.T) {
	r, gw, snap := testSetup(t)
	// Balance equals exactly level 1's volume (1) with no level marked filled.
	// Reconstruction runs from the highest level down; level 4's volume
	// 1.01010101 passes the 0.99*volume threshold (0.9999999999) first, so
	// level 4 takes the whole balance.
	gw.SetBalance("BTC", snap.Levels[0].Volume)

	require.NoError(t, r.recoverByBalance(context.Background(), "BTC", snap))
	assert.True(t, snap.Levels[3].BuyFilled)
	assert.False(t, snap.Levels[3].SellFilled)
}

func TestRecoverByBalanceNoOpWithinThreshold(t *testing.T) {
	r, gw, snap := testSetup(t)
	snap.Levels[0].BuyFilled = true
	gw.SetBalance("BTC", snap.Levels[0].Volume) // matches expected exactly

	require.NoError(t, r.recoverByBalance(context.Background(), "BTC", snap))
	assert.True(t, snap.Levels[0].BuyFilled)
	assert.False(t, snap.Levels[1].BuyFilled)
}

func TestRepairAnchorRegistersBuyOneWhenEmpty(t *testing.T) {
	r, gw, snap := testSetup(t)
	require.NoError(t, r.repairAnchor(context.Background(), "BTC", snap))

	open, err := gw.GetOpenOrders(context.Background(), "BTC", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, gateway.SideBuy, open[0].Side)
}
