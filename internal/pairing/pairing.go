// Package pairing holds the cancel-all-except-self and paired-order
// registration logic shared by the Grid Engine, Reconciler, and Health
// Checker (spec §4.4.1), so none of those three needs to import another.
// Grounded on auto_trade.py's place_pair_orders and find_matching_order.
package pairing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gridengine/internal/gateway"
	"gridengine/internal/ladder"
	"gridengine/internal/logging"
	"gridengine/internal/notify"
	"gridengine/internal/store"
	"gridengine/internal/ticktable"
)

// Deps bundles the collaborators PlacePair and CancelAllExcept need.
type Deps struct {
	Gateway  gateway.Gateway
	Ticks    *ticktable.Table
	Store    *store.Store
	Notifier *notify.Manager
	Logger   logging.ILogger
}

// CancelAllExcept cancels every tracked order in snap except those whose ID
// is in keep, clearing the corresponding level fields. The ID of a side that
// is already filled is left in place and not cancelled. Mirrors spec §4.4's
// "cancel-all-except-self" step, run before every new pair registration.
func CancelAllExcept(ctx context.Context, d Deps, market string, snap *ladder.Snapshot, keep map[string]bool) {
	for i := range snap.Levels {
		lvl := &snap.Levels[i]
		if lvl.BuyOrderID != "" && !keep[lvl.BuyOrderID] && !lvl.BuyFilled {
			if err := d.Gateway.CancelOrder(ctx, market, lvl.BuyOrderID); err != nil {
				d.Logger.Warn("cancel buy order failed", "market", market, "level", lvl.Level, "order_id", lvl.BuyOrderID, "error", err)
			}
			lvl.BuyOrderID = ""
		}
		if lvl.SellOrderID != "" && !keep[lvl.SellOrderID] && !lvl.SellFilled {
			if err := d.Gateway.CancelOrder(ctx, market, lvl.SellOrderID); err != nil {
				d.Logger.Warn("cancel sell order failed", "market", market, "level", lvl.Level, "order_id", lvl.SellOrderID, "error", err)
			}
			lvl.SellOrderID = ""
		}
	}
}

// target describes one side of a desired pair for confirmation purposes.
type target struct {
	side   gateway.Side
	price  decimal.Decimal
	volume decimal.Decimal
}

// PlacePair registers a sell at sellTarget (if non-nil) and a buy at
// buyTarget (if non-nil), sell first per spec §4.4.1 so base asset freed by
// a fill is parked in an ask before a new bid consumes quote currency. It
// confirms both via GetOpenOrders with tolerance, and on a rejected or
// missing order cancels everything for the symbol and retries registration
// once before giving up, notifying, and returning an error.
func PlacePair(ctx context.Context, d Deps, market string, snap *ladder.Snapshot, sellTarget, buyTarget *ladder.GridLevel) error {
	return placePairAttempt(ctx, d, market, snap, sellTarget, buyTarget, true)
}

func placePairAttempt(ctx context.Context, d Deps, market string, snap *ladder.Snapshot, sellTarget, buyTarget *ladder.GridLevel, allowRetry bool) error {
	var wanted []target
	rejected := false

	if sellTarget != nil {
		res := d.Gateway.PlaceLimitOrder(ctx, gateway.OrderRequest{
			Market: market, Side: gateway.SideSell, Volume: sellTarget.Volume, Price: sellTarget.SellPrice,
		})
		if res.Err != nil {
			d.Logger.Error("place sell failed", "market", market, "level", sellTarget.Level, "error", res.Err)
			rejected = true
		} else {
			sellTarget.SellOrderID = res.OrderID
			wanted = append(wanted, target{side: gateway.SideSell, price: sellTarget.SellPrice, volume: sellTarget.Volume})
		}
	}

	time.Sleep(100 * time.Millisecond)

	if buyTarget != nil {
		res := d.Gateway.PlaceLimitOrder(ctx, gateway.OrderRequest{
			Market: market, Side: gateway.SideBuy, Volume: buyTarget.Volume, Price: buyTarget.BuyPrice,
		})
		if res.Err != nil {
			d.Logger.Error("place buy failed", "market", market, "level", buyTarget.Level, "error", res.Err)
			rejected = true
		} else {
			buyTarget.BuyOrderID = res.OrderID
			wanted = append(wanted, target{side: gateway.SideBuy, price: buyTarget.BuyPrice, volume: buyTarget.Volume})
		}
	}

	tick, err := d.Ticks.Tick(market)
	if err != nil {
		return fmt.Errorf("pairing: %w", err)
	}

	open, err := d.Gateway.GetOpenOrders(ctx, market, 0)
	if err != nil {
		return fmt.Errorf("pairing: confirm open orders: %w", err)
	}

	missing := rejected
	for _, want := range wanted {
		if !Confirm(open, want.side, want.price, want.volume, tick) {
			missing = true
			break
		}
	}

	if !missing {
		return nil
	}

	d.Logger.Warn("pair registration not confirmed, retrying", "market", market, "allow_retry", allowRetry)
	if !allowRetry {
		d.Notifier.Notify(ctx, market, notify.LevelError, "pair registration failed after retry: "+market)
		return fmt.Errorf("pairing: order registration could not be confirmed for %s", market)
	}

	if err := d.Gateway.CancelAllOrders(ctx, market); err != nil {
		d.Logger.Warn("cancel-all before retry failed", "market", market, "error", err)
	}
	if sellTarget != nil {
		sellTarget.SellOrderID = ""
	}
	if buyTarget != nil {
		buyTarget.BuyOrderID = ""
	}
	if err := d.Store.SaveSnapshot(market, snap); err != nil {
		d.Logger.Error("persist before pair retry failed", "market", market, "error", err)
	}
	d.Notifier.Notify(ctx, market, notify.LevelWarning, "retrying pair registration after missing order")

	return placePairAttempt(ctx, d, market, snap, sellTarget, buyTarget, false)
}

// Confirm reports whether open contains an order on the given side within
// price tolerance max(tick, price*0.1%) and volume tolerance
// max(volume*2%, 1e-10) — the matching rule spec §4.4.1/§4.5(c) share.
func Confirm(open []gateway.OpenOrder, side gateway.Side, price, volume, tick decimal.Decimal) bool {
	priceTol := decimal.Max(tick, price.Mul(decimal.NewFromFloat(0.001)))
	volTol := decimal.Max(volume.Mul(decimal.NewFromFloat(0.02)), decimal.New(1, -10))

	for _, o := range open {
		if o.Side != side {
			continue
		}
		if o.Price.Sub(price).Abs().GreaterThan(priceTol) {
			continue
		}
		if o.Volume.Sub(volume).Abs().GreaterThan(volTol) {
			continue
		}
		return true
	}
	return false
}
