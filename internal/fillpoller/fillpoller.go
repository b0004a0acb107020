// Package fillpoller normalizes heterogeneous exchange order-detail payloads
// into a single FillVerdict, per spec §4.3. The exchange payload is a
// duck-typed map at the boundary (spec §9); this package is the sole
// translator between that and the typed value the engine consumes.
package fillpoller

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FillVerdict is the normalized (filled, executed, remaining) triple.
type FillVerdict struct {
	Filled    bool
	Executed  decimal.Decimal
	Remaining decimal.Decimal
}

var executedKeys = []string{"executed_volume", "executed_qty", "acc_trade_volume", "traded_volume"}
var remainingKeys = []string{"remaining_volume", "remaining_qty", "remain_qty", "remain_volume"}
var stateKeys = []string{"state", "ord_state", "order_state", "status_text"}

var doneStates = map[string]bool{
	"done":         true,
	"completed":    true,
	"filled":       true,
	"fully_filled": true,
	"terminated":   true,
}

// epsilon below which remaining volume is considered zero, matching the
// tolerance auto_trade.py applies to floating point exchange payloads.
var epsilon = decimal.New(1, -12) // 1e-12

// Normalize classifies an order-detail payload into a FillVerdict.
// Missing numeric fields default to 0; unparseable strings default to 0.
func Normalize(payload map[string]interface{}) FillVerdict {
	executed := firstDecimal(payload, executedKeys)
	remaining := firstDecimal(payload, remainingKeys)

	if stateSaysDone(payload) {
		return FillVerdict{Filled: true, Executed: executed, Remaining: remaining}
	}

	filled := executed.Sign() > 0 && remaining.LessThanOrEqual(epsilon)
	return FillVerdict{Filled: filled, Executed: executed, Remaining: remaining}
}

func stateSaysDone(payload map[string]interface{}) bool {
	for _, key := range stateKeys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if doneStates[strings.ToLower(strings.TrimSpace(s))] {
			return true
		}
	}
	return false
}

func firstDecimal(payload map[string]interface{}, keys []string) decimal.Decimal {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		if d, ok := toDecimal(v); ok {
			return d
		}
	}
	return decimal.Zero
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case string:
		if t == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}
