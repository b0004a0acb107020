// Package reconcile implements the three-way reconciliation from spec §4.5:
// persisted snapshot, exchange open-orders list, and on-exchange balance are
// reconciled against each other on warm start and opportunistically. Grounded
// on auto_trade.py's warm-start block (reattach_missing_orders,
// find_matching_order, balance-divergence recovery) and on
// market_maker/internal/risk/reconciler.go for the Go struct/run shape.
package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridengine/internal/fillpoller"
	"gridengine/internal/gateway"
	"gridengine/internal/ladder"
	"gridengine/internal/logging"
	"gridengine/internal/notify"
	"gridengine/internal/pairing"
	"gridengine/internal/store"
	"gridengine/internal/ticktable"
)

// balanceDivergenceThreshold is the 10% divergence spec §4.5(b) names.
const balanceDivergenceThreshold = 0.10

// Reconciler runs the three reconciliation passes plus anchor repair.
type Reconciler struct {
	gw       gateway.Gateway
	ticks    *ticktable.Table
	store    *store.Store
	notifier *notify.Manager
	logger   logging.ILogger
}

// New builds a Reconciler.
func New(gw gateway.Gateway, ticks *ticktable.Table, st *store.Store, notifier *notify.Manager, logger logging.ILogger) *Reconciler {
	return &Reconciler{gw: gw, ticks: ticks, store: st, notifier: notifier, logger: logger}
}

func (r *Reconciler) deps() pairing.Deps {
	return pairing.Deps{Gateway: r.gw, Ticks: r.ticks, Store: r.store, Notifier: r.notifier, Logger: r.logger}
}

// Reconcile runs passes (a), (b), (c) in order, persisting after each, then
// registers any missing pair at the resulting anchor (or buy@1 if none).
func (r *Reconciler) Reconcile(ctx context.Context, market string, snap *ladder.Snapshot) error {
	if err := r.syncByID(ctx, market, snap); err != nil {
		return fmt.Errorf("reconcile: id-sync: %w", err)
	}
	if err := r.store.SaveSnapshot(market, snap); err != nil {
		return fmt.Errorf("reconcile: persist after id-sync: %w", err)
	}

	if err := r.recoverByBalance(ctx, market, snap); err != nil {
		return fmt.Errorf("reconcile: balance-recovery: %w", err)
	}
	if err := r.store.SaveSnapshot(market, snap); err != nil {
		return fmt.Errorf("reconcile: persist after balance-recovery: %w", err)
	}

	if err := r.sweepOrphans(ctx, market, snap); err != nil {
		return fmt.Errorf("reconcile: orphan-sweep: %w", err)
	}
	if err := r.store.SaveSnapshot(market, snap); err != nil {
		return fmt.Errorf("reconcile: persist after orphan-sweep: %w", err)
	}

	return r.repairAnchor(ctx, market, snap)
}

// (a) ID-based sync: poll every level with a tracked, unfilled order ID.
func (r *Reconciler) syncByID(ctx context.Context, market string, snap *ladder.Snapshot) error {
	for i := range snap.Levels {
		lvl := &snap.Levels[i]

		if lvl.BuyOrderID != "" && !lvl.BuyFilled {
			payload, err := r.gw.GetOrderDetail(ctx, market, lvl.BuyOrderID)
			if err != nil {
				r.logger.Warn("id-sync: buy order unknown, clearing", "market", market, "level", lvl.Level, "error", err)
				lvl.BuyOrderID = ""
			} else if fillpoller.Normalize(payload).Filled {
				lvl.BuyFilled = true
			}
		}

		if lvl.SellOrderID != "" && !lvl.SellFilled {
			payload, err := r.gw.GetOrderDetail(ctx, market, lvl.SellOrderID)
			if err != nil {
				r.logger.Warn("id-sync: sell order unknown, clearing", "market", market, "level", lvl.Level, "error", err)
				lvl.SellOrderID = ""
			} else if fillpoller.Normalize(payload).Filled {
				lvl.SellFilled = true
			}
		}
	}
	return nil
}

// (b) Balance-based recovery: reconstruct ownership from on-exchange balance
// when it diverges from the locally expected holding by more than 10%.
func (r *Reconciler) recoverByBalance(ctx context.Context, market string, snap *ladder.Snapshot) error {
	balances, err := r.gw.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}

	baseCurrency := market
	var balance decimal.Decimal
	for _, b := range balances {
		if b.Currency == baseCurrency {
			balance = b.Free
			break
		}
	}

	expected := decimal.Zero
	for _, lvl := range snap.Levels {
		if lvl.BuyFilled && !lvl.SellFilled {
			expected = expected.Add(lvl.Volume)
		}
	}

	denom := expected
	if denom.IsZero() {
		denom = decimal.New(1, -9)
	}
	divergence := balance.Sub(expected).Abs().Div(denom)
	if divergence.LessThanOrEqual(decimal.NewFromFloat(balanceDivergenceThreshold)) {
		return nil
	}

	r.logger.Warn("balance diverges from expected holding, reconstructing levels",
		"market", market, "balance", balance, "expected", expected)

	remaining := balance
	var reconstructed []int
	for i := len(snap.Levels) - 1; i >= 0; i-- {
		lvl := &snap.Levels[i]
		threshold := lvl.Volume.Mul(decimal.NewFromFloat(0.99))
		if remaining.GreaterThanOrEqual(threshold) {
			lvl.BuyFilled = true
			lvl.SellFilled = false
			lvl.BuyOrderID = ""
			lvl.SellOrderID = ""
			remaining = remaining.Sub(lvl.Volume)
			reconstructed = append(reconstructed, lvl.Level)
		}
	}

	if len(reconstructed) > 0 {
		r.notifier.Notify(ctx, market, notify.LevelWarning,
			fmt.Sprintf("balance-based recovery reconstructed levels %v", reconstructed))
	}
	return nil
}

// (c) Orphan sweep + ID reattachment.
func (r *Reconciler) sweepOrphans(ctx context.Context, market string, snap *ladder.Snapshot) error {
	open, err := r.gw.GetOpenOrders(ctx, market, 0)
	if err != nil {
		return fmt.Errorf("get open orders: %w", err)
	}

	tick, err := r.ticks.Tick(market)
	if err != nil {
		return err
	}

	tracked := make(map[string]bool)
	for _, lvl := range snap.Levels {
		if lvl.BuyOrderID != "" {
			tracked[lvl.BuyOrderID] = true
		}
		if lvl.SellOrderID != "" {
			tracked[lvl.SellOrderID] = true
		}
	}

	used := make(map[string]bool)
	for i := range snap.Levels {
		lvl := &snap.Levels[i]

		if lvl.BuyOrderID == "" && !lvl.BuyFilled {
			if o, ok := matchOrder(open, used, gateway.SideBuy, lvl.BuyPrice, lvl.Volume, tick); ok {
				lvl.BuyOrderID = o.OrderID
				used[o.OrderID] = true
				tracked[o.OrderID] = true
			}
		}
		if lvl.BuyFilled && !lvl.SellFilled && lvl.SellOrderID == "" {
			if o, ok := matchOrder(open, used, gateway.SideSell, lvl.SellPrice, lvl.Volume, tick); ok {
				lvl.SellOrderID = o.OrderID
				used[o.OrderID] = true
				tracked[o.OrderID] = true
			}
		}
	}

	for _, o := range open {
		if tracked[o.OrderID] {
			continue
		}
		r.logger.Warn("cancelling orphan order", "market", market, "order_id", o.OrderID)
		if err := r.gw.CancelOrder(ctx, market, o.OrderID); err != nil {
			r.logger.Warn("cancel orphan failed", "market", market, "order_id", o.OrderID, "error", err)
		}
		r.notifier.Notify(ctx, market, notify.LevelWarning, "cancelled orphan order "+o.OrderID)
	}

	return nil
}

func matchOrder(open []gateway.OpenOrder, used map[string]bool, side gateway.Side, price, volume, tick decimal.Decimal) (gateway.OpenOrder, bool) {
	var candidates []gateway.OpenOrder
	for _, o := range open {
		if !used[o.OrderID] {
			candidates = append(candidates, o)
		}
	}
	if !pairing.Confirm(candidates, side, price, volume, tick) {
		return gateway.OpenOrder{}, false
	}
	for _, o := range candidates {
		if o.Side == side && pairing.Confirm([]gateway.OpenOrder{o}, side, price, volume, tick) {
			return o, true
		}
	}
	return gateway.OpenOrder{}, false
}

// repairAnchor locates the anchor and registers whatever part of the
// canonical (sell@anchor, buy@anchor+1) pair — or buy@1 if no anchor — is
// currently missing.
func (r *Reconciler) repairAnchor(ctx context.Context, market string, snap *ladder.Snapshot) error {
	anchor, ok := snap.Anchor()
	if !ok {
		first := snap.Level(1)
		if first != nil && first.BuyOrderID == "" && !first.BuyFilled {
			return pairing.PlacePair(ctx, r.deps(), market, snap, nil, first)
		}
		return nil
	}

	var sellTarget, buyTarget *ladder.GridLevel
	if anchor.SellOrderID == "" {
		sellTarget = anchor
	}
	next := snap.Level(anchor.Level + 1)
	if next != nil && next.BuyOrderID == "" && !next.BuyFilled {
		buyTarget = next
	}
	if sellTarget == nil && buyTarget == nil {
		return nil
	}
	return pairing.PlacePair(ctx, r.deps(), market, snap, sellTarget, buyTarget)
}
