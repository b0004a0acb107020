package pairing

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

func testDeps(t *testing.T) (Deps, *gateway.Mock) {
	t.Helper()
	gw := gateway.NewMock()
	return Deps{
		Gateway:  gw,
		Ticks:    ticktable.Default(),
		Store:    store.New(t.TempDir()),
		Notifier: notify.NewManager(logging.Nop{}),
		Logger:   logging.Nop{},
	}, gw
}

func testSnapshot(t *testing.T) *ladder.Snapshot {
	t.Helper()
	cfg := config.MarketConfig{
		StartPrice: 100000, KRWAmount: 100000, MaxLevels: 3,
		BuyGap: 0.2, BuyMode: config.ModePercent, SellGap: 0.3, SellMode: config.ModePercent,
	}
	snap, err := ladder.Build("BTC", cfg, ticktable.Default())
	require.NoError(t, err)
	return snap
}

func TestPlacePairRegistersBothSides(t *testing.T) {
	deps, gw := testDeps(t)
	snap := testSnapshot(t)
	snap.Levels[0].BuyFilled = true

	err := PlacePair(context.Background(), deps, "BTC", snap, snap.Level(1), snap.Level(2))
	require.NoError(t, err)

	assert.NotEmpty(t, snap.Levels[0].SellOrderID)
	assert.NotEmpty(t, snap.Levels[1].BuyOrderID)

	open, err := gw.GetOpenOrders(context.Background(), "BTC", 0)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestPlacePairSellOnly(t *testing.T) {
	deps, _ := testDeps(t)
	snap := testSnapshot(t)
	snap.Levels[0].BuyFilled = true

	err := PlacePair(context.Background(), deps, "BTC", snap, snap.Level(1), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Levels[0].SellOrderID)
	assert.Empty(t, snap.Levels[1].BuyOrderID)
}

func TestCancelAllExceptKeepsOnlyMarked(t *testing.T) {
	deps, gw := testDeps(t)
	snap := testSnapshot(t)
	snap.Levels[0].BuyFilled = true

	require.NoError(t, PlacePair(context.Background(), deps, "BTC", snap, snap.Level(1), snap.Level(2)))
	keepID := snap.Levels[0].SellOrderID

	CancelAllExcept(context.Background(), deps, "BTC", snap, map[string]bool{keepID: true})

	assert.Equal(t, keepID, snap.Levels[0].SellOrderID)
	assert.Empty(t, snap.Levels[1].BuyOrderID)

	open, err := gw.GetOpenOrders(context.Background(), "BTC", 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, keepID, open[0].OrderID)
}

func TestConfirmToleratesSmallDrift(t *testing.T) {
	tick := decimal.NewFromInt(1000)
	open := []gateway.OpenOrder{
		{Side: gateway.SideBuy, Price: decimal.NewFromInt(100000), Volume: decimal.NewFromFloat(0.001)},
	}
	assert.True(t, Confirm(open, gateway.SideBuy, decimal.NewFromInt(100500), decimal.NewFromFloat(0.00101), tick))
	assert.False(t, Confirm(open, gateway.SideSell, decimal.NewFromInt(100000), decimal.NewFromFloat(0.001), tick))
}
