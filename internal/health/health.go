// Package health implements the periodic invariant check from spec §4.6:
// infer the desired order set from level state, compare it against the
// exchange's actual open orders, and repair on any mismatch. Grounded on
// auto_trade.py's infer_targets/perform_health_check and on
// market_maker/internal/infrastructure/health/manager.go's Register/
// IsHealthy shape, adapted here from a named-check registry to this single
// desired-vs-actual order-set check.
package health

import (
	"context"
	"fmt"

	"gridengine/internal/gateway"
	"gridengine/internal/ladder"
	"gridengine/internal/logging"
	"gridengine/internal/notify"
	"gridengine/internal/pairing"
	"gridengine/internal/store"
	"gridengine/internal/ticktable"
)

// Checker runs the periodic health check.
type Checker struct {
	gw       gateway.Gateway
	ticks    *ticktable.Table
	store    *store.Store
	notifier *notify.Manager
	logger   logging.ILogger
}

// New builds a Checker.
func New(gw gateway.Gateway, ticks *ticktable.Table, st *store.Store, notifier *notify.Manager, logger logging.ILogger) *Checker {
	return &Checker{gw: gw, ticks: ticks, store: st, notifier: notifier, logger: logger}
}

// inferTargets computes the desired sell/buy levels from level state, per
// spec §4.6: a sell-open level wants {sell@L, buy@L+1}; else a buy-open level
// wants {buy@L, sell@L-1 if L-1.buy_filled}; else the anchor wants
// {buy@anchor+1}; else {buy@1} with no anchor. Either return value may be
// nil. This is the single source of truth for both InferDesired (the
// comparison set) and Check's repair targets, so the two can never diverge.
func inferTargets(snap *ladder.Snapshot) (sellTarget, buyTarget *ladder.GridLevel) {
	for i := range snap.Levels {
		lvl := &snap.Levels[i]
		if lvl.State() == ladder.StateSellOpen {
			return lvl, snap.Level(lvl.Level + 1)
		}
	}

	for i := range snap.Levels {
		lvl := &snap.Levels[i]
		if lvl.State() == ladder.StateBuyOpen {
			if prev := snap.Level(lvl.Level - 1); prev != nil && prev.BuyFilled {
				sellTarget = prev
			}
			return sellTarget, lvl
		}
	}

	if anchor, ok := snap.Anchor(); ok {
		return nil, snap.Level(anchor.Level + 1)
	}

	return nil, snap.Level(1)
}

// InferDesired computes the desired order set from level state, per spec
// §4.6 (see inferTargets).
func InferDesired(snap *ladder.Snapshot) []gateway.OrderRequest {
	sellTarget, buyTarget := inferTargets(snap)

	var out []gateway.OrderRequest
	if sellTarget != nil {
		out = append(out, gateway.OrderRequest{Side: gateway.SideSell, Price: sellTarget.SellPrice, Volume: sellTarget.Volume})
	}
	if buyTarget != nil {
		out = append(out, gateway.OrderRequest{Side: gateway.SideBuy, Price: buyTarget.BuyPrice, Volume: buyTarget.Volume})
	}
	return out
}

func (c *Checker) deps() pairing.Deps {
	return pairing.Deps{Gateway: c.gw, Ticks: c.ticks, Store: c.store, Notifier: c.notifier, Logger: c.logger}
}

// Check compares the desired order set to what's actually open on the
// exchange. On any mismatch it cancels every symbol order, clears all
// tracked IDs, re-registers the inferred pair, and emits a repair
// notification.
func (c *Checker) Check(ctx context.Context, market string, snap *ladder.Snapshot) (repaired bool, err error) {
	wanted := InferDesired(snap)

	open, err := c.gw.GetOpenOrders(ctx, market, 0)
	if err != nil {
		return false, fmt.Errorf("health: get open orders: %w", err)
	}

	tick, err := c.ticks.Tick(market)
	if err != nil {
		return false, fmt.Errorf("health: %w", err)
	}

	mismatch := len(open) != len(wanted)
	if !mismatch {
		for _, w := range wanted {
			if !pairing.Confirm(open, w.Side, w.Price, w.Volume, tick) {
				mismatch = true
				break
			}
		}
	}
	if !mismatch {
		return false, nil
	}

	c.logger.Warn("health check found actual/desired order set mismatch, repairing", "market", market)

	// Decide which levels the repair should target before clearing any IDs,
	// since State() depends on the very order IDs CancelAllOrders is about to
	// invalidate. Reuse inferTargets — the same function InferDesired used to
	// compute wanted above — so the repair can never target a different pair
	// than the one the mismatch was actually detected against. The returned
	// pointers alias snap.Levels, so clearing order IDs below doesn't
	// invalidate them.
	sellTarget, buyTarget := inferTargets(snap)

	if err := c.gw.CancelAllOrders(ctx, market); err != nil {
		c.logger.Warn("health: cancel-all before repair failed", "market", market, "error", err)
	}
	for i := range snap.Levels {
		snap.Levels[i].BuyOrderID = ""
		snap.Levels[i].SellOrderID = ""
	}

	if err := pairing.PlacePair(ctx, c.deps(), market, snap, sellTarget, buyTarget); err != nil {
		return false, fmt.Errorf("health: repair: %w", err)
	}

	c.notifier.Notify(ctx, market, notify.LevelWarning, "health check repaired order set mismatch")
	return true, nil
}
