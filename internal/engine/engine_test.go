package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/config"
	"gridengine/internal/gateway"
	"gridengine/internal/logging"
	"gridengine/internal/notify"
	"gridengine/internal/store"
	"gridengine/internal/ticktable"
)

func testConfig() config.MarketConfig {
	return config.MarketConfig{
		Enabled: true, StartPrice: 100000, KRWAmount: 100000, MaxLevels: 4,
		BuyGap: 0.2, BuyMode: config.ModePercent, SellGap: 0.3, SellMode: config.ModePercent,
		FeeRate: 0.0004, SleepSeconds: 5,
	}
}

func newTestEngine(t *testing.T) (*Engine, *gateway.Mock) {
	t.Helper()
	gw := gateway.NewMock()
	ticks := ticktable.Default()
	st := store.New(t.TempDir())
	notifier := notify.NewManager(logging.Nop{})
	eng := New("BTC", testConfig(), ticks, gw, st, notifier, logging.Nop{})
	return eng, gw
}

func TestColdStartRegistersBuyOne(t *testing.T) {
	eng, gw := newTestEngine(t)
	require.NoError(t, eng.Start(context.Background()))

	assert.NotEmpty(t, eng.Snapshot().Levels[0].BuyOrderID)

	open, err := gw.GetOpenOrders(context.Background(), "BTC", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, gateway.SideBuy, open[0].Side)
}

func TestBuyFillRegistersSellAndNextBuy(t *testing.T) {
	eng, gw := newTestEngine(t)
	require.NoError(t, eng.Start(context.Background()))

	gw.Fill(eng.Snapshot().Levels[0].BuyOrderID)
	require.NoError(t, eng.Tick(context.Background()))

	snap := eng.Snapshot()
	assert.True(t, snap.Levels[0].BuyFilled)
	assert.NotEmpty(t, snap.Levels[0].SellOrderID)
	assert.NotEmpty(t, snap.Levels[1].BuyOrderID)

	_, ok := snap.Anchor()
	assert.True(t, ok)
}

func TestSellFillRecyclesLevelAndRecordsProfit(t *testing.T) {
	eng, gw := newTestEngine(t)
	require.NoError(t, eng.Start(context.Background()))

	firstBuyID := eng.Snapshot().Levels[0].BuyOrderID
	gw.Fill(firstBuyID)
	require.NoError(t, eng.Tick(context.Background()))

	gw.Fill(eng.Snapshot().Levels[0].SellOrderID)
	require.NoError(t, eng.Tick(context.Background()))

	snap := eng.Snapshot()
	assert.False(t, snap.Levels[0].BuyFilled)
	assert.False(t, snap.Levels[0].SellFilled)
	assert.NotEqual(t, firstBuyID, snap.Levels[0].BuyOrderID, "the filled buy's ID is cleared on reset")
	assert.Empty(t, snap.Levels[0].SellOrderID)
	require.Len(t, snap.TradeHistory, 1)
	assert.True(t, snap.RealizedProfit.IsPositive(), "buy-low-sell-high minus fees should net a positive profit")

	// Level 1 recycled back to buy-open: the next buy is re-registered at the
	// level vacated by the completed cycle.
	assert.NotEmpty(t, snap.Levels[0].BuyOrderID)
}

func TestSellFillAtLevelTwoPreStagesNothing(t *testing.T) {
	eng, gw := newTestEngine(t)
	require.NoError(t, eng.Start(context.Background()))

	gw.Fill(eng.Snapshot().Levels[0].BuyOrderID)
	require.NoError(t, eng.Tick(context.Background())) // buy@1 filled -> sell@1 + buy@2
	gw.Fill(eng.Snapshot().Levels[1].BuyOrderID)
	require.NoError(t, eng.Tick(context.Background())) // buy@2 filled -> sell@2 + buy@3

	// Fill sell@2: the rung two below level 2 would be level 0, which does
	// not exist, so no sell is pre-staged and only this one trade is recorded.
	gw.Fill(eng.Snapshot().Levels[1].SellOrderID)
	require.NoError(t, eng.Tick(context.Background()))

	snap := eng.Snapshot()
	assert.Len(t, snap.TradeHistory, 1)
}

func TestHeartbeatAndHealthCheckCadence(t *testing.T) {
	eng, _ := newTestEngine(t)
	assert.False(t, eng.HeartbeatDue(1))
	assert.True(t, eng.HeartbeatDue(6))
	assert.False(t, eng.HealthCheckDue(6))
	assert.True(t, eng.HealthCheckDue(12))
}

func TestManualResumeMarksPriorLevelsDone(t *testing.T) {
	cfg := testConfig()
	cfg.Resume = 3
	gw := gateway.NewMock()
	notifier := notify.NewManager(logging.Nop{})
	eng := New("BTC", cfg, ticktable.Default(), gw, store.New(t.TempDir()), notifier, logging.Nop{})

	require.NoError(t, eng.Start(context.Background()))

	snap := eng.Snapshot()
	assert.True(t, snap.Levels[0].BuyFilled && snap.Levels[0].SellFilled, "level 1 fully cycled before resume point")
	assert.Empty(t, snap.Levels[0].BuyOrderID)
	assert.NotEmpty(t, snap.Levels[2].BuyOrderID, "buy registered at the resume level")
	assert.NotEmpty(t, snap.Levels[1].SellOrderID, "sell re-registered at the level just below the resume level")
	assert.True(t, snap.Levels[1].BuyFilled, "level below resume point has its buy filled")
	assert.False(t, snap.Levels[1].SellFilled, "level below resume point must be sell-open, not idle, or its sell fill is never polled")
}
