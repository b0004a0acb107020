package ladder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridengine/internal/config"
	"gridengine/internal/ticktable"
)

func testConfig() config.MarketConfig {
	return config.MarketConfig{
		Enabled:    true,
		StartPrice: 100000,
		KRWAmount:  100000,
		MaxLevels:  5,
		BuyGap:     0.2,
		BuyMode:    config.ModePercent,
		SellGap:    0.3,
		SellMode:   config.ModePercent,
	}
}

func TestBuildProducesDescendingBuyPrices(t *testing.T) {
	ticks := ticktable.Default()
	snap, err := Build("BTC", testConfig(), ticks)
	require.NoError(t, err)
	require.Len(t, snap.Levels, 5)

	for i := 1; i < len(snap.Levels); i++ {
		assert.True(t, snap.Levels[i].BuyPrice.LessThan(snap.Levels[i-1].BuyPrice),
			"level %d buy price should be below level %d", i+1, i)
	}
}

func TestBuildSellAboveBuy(t *testing.T) {
	ticks := ticktable.Default()
	snap, err := Build("BTC", testConfig(), ticks)
	require.NoError(t, err)

	for _, lvl := range snap.Levels {
		assert.True(t, lvl.SellPrice.GreaterThan(lvl.BuyPrice), "level %d sell must exceed buy", lvl.Level)
	}
}

func TestBuildUnknownSymbol(t *testing.T) {
	ticks := ticktable.Default()
	_, err := Build("NOPE", testConfig(), ticks)
	assert.Error(t, err)
}

func TestAnchorFindsUniqueBuyFilledLevel(t *testing.T) {
	ticks := ticktable.Default()
	snap, err := Build("BTC", testConfig(), ticks)
	require.NoError(t, err)

	_, ok := snap.Anchor()
	assert.False(t, ok, "fresh ladder has no anchor")

	snap.Levels[2].BuyFilled = true
	anchor, ok := snap.Anchor()
	require.True(t, ok)
	assert.Equal(t, 3, anchor.Level)
}

func TestLevelOutOfRange(t *testing.T) {
	ticks := ticktable.Default()
	snap, err := Build("BTC", testConfig(), ticks)
	require.NoError(t, err)

	assert.Nil(t, snap.Level(0))
	assert.Nil(t, snap.Level(len(snap.Levels)+1))
	assert.NotNil(t, snap.Level(1))
}

func TestGridLevelState(t *testing.T) {
	cases := []struct {
		name string
		lvl  GridLevel
		want State
	}{
		{"idle", GridLevel{}, StateIdle},
		{"buy open", GridLevel{BuyOrderID: "o1"}, StateBuyOpen},
		{"anchor, no sell order yet", GridLevel{BuyFilled: true}, StateBuyDone},
		{"sell open", GridLevel{BuyFilled: true, SellOrderID: "o2"}, StateSellOpen},
		{"fully done collapses to idle on next build", GridLevel{BuyFilled: true, SellFilled: true}, StateIdle},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.lvl.State())
		})
	}
}
