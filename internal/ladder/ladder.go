// Package ladder owns the GridLevel/LadderSnapshot data model and the
// geometry math that builds a ladder once at cold start. Price arithmetic
// uses shopspring/decimal throughout; float64 never touches money.
package ladder

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gridengine/internal/config"
	"gridengine/internal/ticktable"
)

// GridLevel is one rung of the ladder (spec §3).
type GridLevel struct {
	Level      int             `json:"level"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	SellPrice  decimal.Decimal `json:"sell_price"`
	Volume     decimal.Decimal `json:"volume"`
	BuyOrderID string          `json:"buy_order_id,omitempty"`
	SellOrderID string         `json:"sell_order_id,omitempty"`
	BuyFilled  bool            `json:"buy_filled"`
	SellFilled bool            `json:"sell_filled"`
}

// State classifies a level per spec §4.4.
type State int

const (
	StateIdle State = iota
	StateBuyOpen
	StateBuyDone // the anchor, if unique
	StateSellOpen
)

// State derives the level's lifecycle state from its flags and tracked IDs.
func (g GridLevel) State() State {
	switch {
	case g.BuyFilled && !g.SellFilled && g.SellOrderID != "":
		return StateSellOpen
	case g.BuyFilled && !g.SellFilled:
		return StateBuyDone
	case g.BuyOrderID != "" && !g.BuyFilled:
		return StateBuyOpen
	default:
		return StateIdle
	}
}

// TradeRecord is one completed sell-fill entry in trade_history (spec §3).
type TradeRecord struct {
	Level      int             `json:"level"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	SellPrice  decimal.Decimal `json:"sell_price"`
	Volume     decimal.Decimal `json:"volume"`
	Profit     decimal.Decimal `json:"profit"`
	FilledTime time.Time       `json:"filled_time"`
}

// Snapshot is the persisted LadderSnapshot (spec §3).
type Snapshot struct {
	Market         string            `json:"market"`
	Config         config.MarketConfig `json:"config"`
	RealizedProfit decimal.Decimal   `json:"realized_profit"`
	Levels         []GridLevel       `json:"levels"`
	TradeHistory   []TradeRecord     `json:"trade_history"`
	LastUpdated    time.Time         `json:"last_updated"`
}

// Anchor returns the unique level with buy_filled && !sell_filled, if any
// (spec invariant 1). Returns (nil, false) if no anchor exists.
func (s *Snapshot) Anchor() (*GridLevel, bool) {
	for i := range s.Levels {
		if s.Levels[i].BuyFilled && !s.Levels[i].SellFilled {
			return &s.Levels[i], true
		}
	}
	return nil, false
}

// stepDown/stepUp implement spec §4.1's gap application.
func stepDown(p decimal.Decimal, gap decimal.Decimal, mode config.PriceMode) decimal.Decimal {
	if mode == config.ModePercent {
		return p.Mul(decimal.NewFromInt(1).Sub(gap.Div(decimal.NewFromInt(100))))
	}
	return p.Sub(gap)
}

func stepUp(p decimal.Decimal, gap decimal.Decimal, mode config.PriceMode) decimal.Decimal {
	if mode == config.ModePercent {
		return p.Mul(decimal.NewFromInt(1).Add(gap.Div(decimal.NewFromInt(100))))
	}
	return p.Add(gap)
}

// Build constructs a fresh ladder from cfg, per spec §4.1. Fails with an
// apperrors.ErrUnknownSymbol-wrapping error if market has no registered tick.
func Build(market string, cfg config.MarketConfig, ticks *ticktable.Table) (*Snapshot, error) {
	startPrice := decimal.NewFromFloat(cfg.StartPrice)
	quoteAmount := decimal.NewFromFloat(cfg.KRWAmount)
	buyGap := decimal.NewFromFloat(cfg.BuyGap)
	sellGap := decimal.NewFromFloat(cfg.SellGap)

	levels := make([]GridLevel, 0, cfg.MaxLevels)
	for i := 0; i < cfg.MaxLevels; i++ {
		gapMultiple := buyGap.Mul(decimal.NewFromInt(int64(i)))
		rawBuy := stepDown(startPrice, gapMultiple, cfg.BuyMode)
		rawSell := stepUp(rawBuy, sellGap, cfg.SellMode)

		buyPrice, err := ticks.QuantizeFloor(market, rawBuy)
		if err != nil {
			return nil, fmt.Errorf("ladder: build level %d: %w", i+1, err)
		}
		sellPrice, err := ticks.QuantizeFloor(market, rawSell)
		if err != nil {
			return nil, fmt.Errorf("ladder: build level %d: %w", i+1, err)
		}
		if buyPrice.Sign() <= 0 {
			return nil, fmt.Errorf("ladder: level %d buy price quantized to non-positive", i+1)
		}
		volume := quoteAmount.Div(buyPrice).Round(8)

		levels = append(levels, GridLevel{
			Level:     i + 1,
			BuyPrice:  buyPrice,
			SellPrice: sellPrice,
			Volume:    volume,
		})
	}

	return &Snapshot{
		Market:         market,
		Config:         cfg,
		RealizedProfit: decimal.Zero,
		Levels:         levels,
		TradeHistory:   nil,
		LastUpdated:    time.Now(),
	}, nil
}

// Level returns a pointer to the 1-indexed level, or nil if out of range.
func (s *Snapshot) Level(levelNum int) *GridLevel {
	if levelNum < 1 || levelNum > len(s.Levels) {
		return nil
	}
	return &s.Levels[levelNum-1]
}
