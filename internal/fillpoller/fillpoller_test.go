package fillpoller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name   string
		in     map[string]interface{}
		filled bool
	}{
		{"executed_volume nothing remaining", map[string]interface{}{
			"executed_volume": "1.5", "remaining_volume": "0",
		}, true},
		{"qty variant partial", map[string]interface{}{
			"executed_qty": "1.0", "remaining_qty": "0.5",
		}, false},
		{"state says done despite nonzero remaining field typo", map[string]interface{}{
			"acc_trade_volume": "2.0", "remain_qty": "0.01", "state": "Filled",
		}, true},
		{"status_text terminated", map[string]interface{}{
			"traded_volume": "3.0", "remain_volume": "0", "status_text": "terminated",
		}, true},
		{"no fields at all", map[string]interface{}{}, false},
		{"unparseable strings default to zero", map[string]interface{}{
			"executed_qty": "not-a-number", "remaining_qty": "also-bad",
		}, false},
		{"executed zero never filled", map[string]interface{}{
			"executed_qty": "0", "remaining_qty": "0",
		}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := Normalize(c.in)
			assert.Equal(t, c.filled, v.Filled)
		})
	}
}
