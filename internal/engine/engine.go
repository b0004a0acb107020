// Package engine implements the Grid Engine: the per-market main state
// machine from spec §4.4. Grounded on auto_trade.py's main loop and
// place_pair_orders (the literal algorithm source), and on
// market_maker/internal/engine/simple/engine.go for the Go structuring
// (persist-before-mutate ordering, OTel span/counter wiring, Start()'s
// cold/warm dispatch).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gridengine/internal/apperrors"
	"gridengine/internal/config"
	"gridengine/internal/fillpoller"
	"gridengine/internal/gateway"
	"gridengine/internal/ladder"
	"gridengine/internal/logging"
	"gridengine/internal/notify"
	"gridengine/internal/pairing"
	"gridengine/internal/reconcile"
	"gridengine/internal/store"
	"gridengine/internal/telemetry"
	"gridengine/internal/ticktable"
)

// feeRate default matches spec §4.4's fee=0.0004; overridable via MarketConfig.FeeRate.
const defaultFeeRate = 0.0004

// Engine drives one market's ladder. A single Engine instance is
// single-threaded cooperative per spec §5: the caller's loop (cmd/worker's
// runLoop, driving Tick) is the only mutator of level state.
type Engine struct {
	market string
	cfg    config.MarketConfig
	ticks  *ticktable.Table
	gw     gateway.Gateway
	store  *store.Store
	notifier *notify.Manager
	logger logging.ILogger
	recon  *reconcile.Reconciler

	heartbeatEveryTicks   int // supplemented feature: default 6, distinct from health check cadence
	healthCheckEveryTicks int // default 12

	tracer     trace.Tracer
	fillCount  metric.Int64Counter
	repairCount metric.Int64Counter

	snap *ladder.Snapshot
}

// New builds an Engine for market.
func New(market string, cfg config.MarketConfig, ticks *ticktable.Table, gw gateway.Gateway, st *store.Store, notifier *notify.Manager, logger logging.ILogger) *Engine {
	tracer := telemetry.Tracer("grid-engine")
	meter := telemetry.Meter("grid-engine")
	fillCount, _ := meter.Int64Counter("grid_engine_fills_total")
	repairCount, _ := meter.Int64Counter("grid_engine_repairs_total")

	return &Engine{
		market:                market,
		cfg:                   cfg,
		ticks:                 ticks,
		gw:                    gw,
		store:                 st,
		notifier:              notifier,
		logger:                logger.With("market", market),
		recon:                 reconcile.New(gw, ticks, st, notifier, logger),
		heartbeatEveryTicks:   6,
		healthCheckEveryTicks: 12,
		tracer:                tracer,
		fillCount:             fillCount,
		repairCount:           repairCount,
	}
}

func (e *Engine) deps() pairing.Deps {
	return pairing.Deps{Gateway: e.gw, Ticks: e.ticks, Store: e.store, Notifier: e.notifier, Logger: e.logger}
}

func (e *Engine) feeRate() decimal.Decimal {
	fee := e.cfg.FeeRate
	if fee == 0 {
		fee = defaultFeeRate
	}
	return decimal.NewFromFloat(fee)
}

// Start loads the persisted snapshot (if any) and decides cold vs warm start
// per spec §4.4.2, or performs a manual resume if cfg.Resume > 0.
func (e *Engine) Start(ctx context.Context) error {
	persisted, err := e.store.LoadSnapshot(e.market)
	if err != nil {
		return apperrors.Fatal(e.market, err)
	}

	if e.cfg.Resume > 0 {
		return e.manualResume(ctx, e.cfg.Resume)
	}

	if persisted == nil || !e.cfg.MatchesGeometry(persisted.Config) {
		e.logger.Info("cold start: building fresh ladder")
		snap, err := ladder.Build(e.market, e.cfg, e.ticks)
		if err != nil {
			return apperrors.Fatal(e.market, err)
		}
		e.snap = snap
		if err := e.store.SaveSnapshot(e.market, e.snap); err != nil {
			return fmt.Errorf("engine: persist cold-start snapshot: %w", err)
		}
		return pairing.PlacePair(ctx, e.deps(), e.market, e.snap, nil, e.snap.Level(1))
	}

	e.logger.Info("warm start: reconciling against exchange")
	e.snap = persisted
	return e.recon.Reconcile(ctx, e.market, e.snap)
}

// manualResume implements spec §4.4.2's manual-resume-at-level-K path.
func (e *Engine) manualResume(ctx context.Context, resumeLevel int) error {
	snap, err := ladder.Build(e.market, e.cfg, e.ticks)
	if err != nil {
		return apperrors.Fatal(e.market, err)
	}
	e.snap = snap

	for i := 0; i < resumeLevel-1 && i < len(snap.Levels); i++ {
		snap.Levels[i].BuyFilled = true
		snap.Levels[i].SellFilled = true
		snap.Levels[i].BuyOrderID = ""
		snap.Levels[i].SellOrderID = ""
	}

	if err := e.gw.CancelAllOrders(ctx, e.market); err != nil {
		e.logger.Warn("manual resume: cancel-all failed", "error", err)
	}

	k := snap.Level(resumeLevel)
	if k == nil {
		return apperrors.Fatal(e.market, fmt.Errorf("manual resume: level %d out of range", resumeLevel))
	}
	kMinus1 := snap.Level(resumeLevel - 1)

	if err := e.store.SaveSnapshot(e.market, snap); err != nil {
		return fmt.Errorf("engine: persist manual-resume snapshot: %w", err)
	}

	if err := pairing.PlacePair(ctx, e.deps(), e.market, snap, kMinus1, k); err != nil {
		e.notifier.Notify(ctx, e.market, notify.LevelCritical,
			fmt.Sprintf("manual resume aborted: buy@%d failed to register", resumeLevel))
		return apperrors.Fatal(e.market, fmt.Errorf("manual resume: %w", err))
	}
	if kMinus1 != nil {
		kMinus1.BuyFilled = true
		kMinus1.SellFilled = false
	}
	return e.store.SaveSnapshot(e.market, snap)
}

// SleepDuration is the configured inter-tick sleep (spec §4.4's "wake every
// sleep_sec"), defaulting to 5s.
func (e *Engine) SleepDuration() time.Duration {
	if e.cfg.SleepSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(e.cfg.SleepSeconds) * time.Second
}

// PersistOnShutdown writes one final snapshot on clean shutdown (spec §5:
// "Shutdown persists one final snapshot; open orders are not cancelled").
func (e *Engine) PersistOnShutdown() error {
	return e.store.SaveSnapshot(e.market, e.snap)
}

// Tick exposes a single iteration for callers (cmd/worker) that interleave
// health checks between ticks without duplicating the poll/fill logic.
func (e *Engine) Tick(ctx context.Context) error { return e.tickOnce(ctx) }

// HeartbeatDue reports whether tick n should write a heartbeat, per the
// heartbeat/health-check cadence split carried over from original_source/
// (see SPEC_FULL.md's supplemented features).
func (e *Engine) HeartbeatDue(n int) bool { return n%e.heartbeatEveryTicks == 0 }

// HealthCheckDue reports whether tick n should run the health check.
func (e *Engine) HealthCheckDue(n int) bool { return n%e.healthCheckEveryTicks == 0 }

// WriteHeartbeat is the exported form cmd/worker calls on HeartbeatDue.
func (e *Engine) WriteHeartbeat() { e.writeHeartbeat() }

// NoteRepair records that an out-of-band health check repaired this market's
// order set, for the grid_engine_repairs_total counter.
func (e *Engine) NoteRepair(ctx context.Context) {
	e.repairCount.Add(ctx, 1)
}

// Snapshot exposes the engine's in-memory ladder state for health checks,
// heartbeats, and the supervisor's summary report.
func (e *Engine) Snapshot() *ladder.Snapshot { return e.snap }

func (e *Engine) tickOnce(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.tick", trace.WithAttributes(attribute.String("market", e.market)))
	defer span.End()

	for i := range e.snap.Levels {
		lvl := &e.snap.Levels[i]

		switch lvl.State() {
		case ladder.StateBuyOpen:
			if err := e.pollBuy(ctx, lvl); err != nil {
				return err
			}
		case ladder.StateSellOpen:
			if err := e.pollSell(ctx, lvl); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) pollBuy(ctx context.Context, lvl *ladder.GridLevel) error {
	payload, err := e.gw.GetOrderDetail(ctx, e.market, lvl.BuyOrderID)
	if err != nil {
		e.logger.Warn("poll buy order failed", "level", lvl.Level, "error", err)
		return nil
	}
	if !fillpoller.Normalize(payload).Filled {
		return nil
	}

	e.logger.Info("buy filled", "level", lvl.Level, "price", lvl.BuyPrice)
	lvl.BuyFilled = true
	if err := e.store.SaveSnapshot(e.market, e.snap); err != nil {
		return fmt.Errorf("persist after buy fill: %w", err)
	}

	pairing.CancelAllExcept(ctx, e.deps(), e.market, e.snap, map[string]bool{lvl.SellOrderID: true})
	if err := e.store.SaveSnapshot(e.market, e.snap); err != nil {
		return fmt.Errorf("persist after cancel-all-except-self: %w", err)
	}

	next := e.snap.Level(lvl.Level + 1)
	if err := pairing.PlacePair(ctx, e.deps(), e.market, e.snap, lvl, next); err != nil {
		e.logger.Error("place pair after buy fill failed", "level", lvl.Level, "error", err)
	}
	e.fillCount.Add(ctx, 1, metric.WithAttributes(attribute.String("side", "buy")))
	return e.store.SaveSnapshot(e.market, e.snap)
}

func (e *Engine) pollSell(ctx context.Context, lvl *ladder.GridLevel) error {
	payload, err := e.gw.GetOrderDetail(ctx, e.market, lvl.SellOrderID)
	if err != nil {
		e.logger.Warn("poll sell order failed", "level", lvl.Level, "error", err)
		return nil
	}
	if !fillpoller.Normalize(payload).Filled {
		return nil
	}

	fee := e.feeRate()
	profit := lvl.SellPrice.Mul(decimal.NewFromInt(1).Sub(fee)).
		Sub(lvl.BuyPrice.Mul(decimal.NewFromInt(1).Add(fee))).
		Mul(lvl.Volume)

	e.logger.Info("sell filled", "level", lvl.Level, "price", lvl.SellPrice, "profit", profit)

	e.snap.TradeHistory = append(e.snap.TradeHistory, ladder.TradeRecord{
		Level: lvl.Level, BuyPrice: lvl.BuyPrice, SellPrice: lvl.SellPrice,
		Volume: lvl.Volume, Profit: profit, FilledTime: time.Now(),
	})
	e.snap.RealizedProfit = e.snap.RealizedProfit.Add(profit)

	level := lvl.Level
	lvl.BuyFilled = false
	lvl.SellFilled = false
	lvl.BuyOrderID = ""
	lvl.SellOrderID = ""

	if err := e.store.SaveSnapshot(e.market, e.snap); err != nil {
		return fmt.Errorf("persist after sell fill: %w", err)
	}

	pairing.CancelAllExcept(ctx, e.deps(), e.market, e.snap, nil)
	if err := e.store.SaveSnapshot(e.market, e.snap); err != nil {
		return fmt.Errorf("persist after cancel-all-except-self: %w", err)
	}

	buyTarget := e.snap.Level(level)
	var sellTarget *ladder.GridLevel
	// Spec §9 open question: pre-staging a sell two rungs below requires that
	// rung's buy already filled, else skip (preserves invariant 2).
	if below := e.snap.Level(level - 2); below != nil && below.BuyFilled {
		sellTarget = below
	}

	if err := pairing.PlacePair(ctx, e.deps(), e.market, e.snap, sellTarget, buyTarget); err != nil {
		e.logger.Error("place pair after sell fill failed", "level", level, "error", err)
	}
	e.fillCount.Add(ctx, 1, metric.WithAttributes(attribute.String("side", "sell")))
	return e.store.SaveSnapshot(e.market, e.snap)
}

func (e *Engine) writeHeartbeat() {
	anchorLevel := 0
	if anchor, ok := e.snap.Anchor(); ok {
		anchorLevel = anchor.Level
	}
	pending := 0
	for _, lvl := range e.snap.Levels {
		if lvl.BuyOrderID != "" || lvl.SellOrderID != "" {
			pending++
		}
	}
	hb := store.Heartbeat{
		Market:         e.market,
		Timestamp:      time.Now(),
		Status:         "running",
		RealizedProfit: e.snap.RealizedProfit.String(),
		LastBuyLevel:   anchorLevel,
		PendingOrders:  pending,
	}
	if err := e.store.SaveHeartbeat(hb); err != nil {
		e.logger.Error("write heartbeat failed", "error", err)
	}
}
