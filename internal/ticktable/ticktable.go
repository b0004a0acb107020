// Package ticktable is the static symbol -> minimum price increment lookup
// named in spec §6. An absent entry means the worker must refuse to operate
// on that symbol.
package ticktable

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"gridengine/internal/apperrors"
)

// Table maps a market code (e.g. "BTC") to its tick size.
type Table struct {
	ticks map[string]decimal.Decimal
}

// New builds a Table from a market -> tick-size map of decimal strings.
func New(entries map[string]string) (*Table, error) {
	t := &Table{ticks: make(map[string]decimal.Decimal, len(entries))}
	for market, tickStr := range entries {
		tick, err := decimal.NewFromString(tickStr)
		if err != nil {
			return nil, fmt.Errorf("ticktable: %s: %w", market, err)
		}
		if tick.Sign() <= 0 {
			return nil, fmt.Errorf("ticktable: %s: tick must be positive, got %s", market, tickStr)
		}
		t.ticks[strings.ToUpper(market)] = tick
	}
	return t, nil
}

// Default returns the built-in tick table for the exchanges this engine was
// grounded against (KRW-quoted spot markets, whole-KRW ticks for every
// symbol except DOGE's 0.1). Operators extend this via New for additional
// symbols.
func Default() *Table {
	t, _ := New(map[string]string{
		"BTC":  "1000",
		"ETH":  "1000",
		"XRP":  "1",
		"SOL":  "10",
		"DOGE": "0.1",
	})
	return t
}

// Tick returns the tick size for market, or ErrUnknownSymbol if unregistered.
func (t *Table) Tick(market string) (decimal.Decimal, error) {
	tick, ok := t.ticks[strings.ToUpper(market)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrUnknownSymbol, market)
	}
	return tick, nil
}

// QuantizeFloor rounds price down to the nearest multiple of the symbol's tick.
func (t *Table) QuantizeFloor(market string, price decimal.Decimal) (decimal.Decimal, error) {
	tick, err := t.Tick(market)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Div(tick).Floor().Mul(tick), nil
}
