// Command worker runs one market's Grid Engine: the CLI contract from
// spec §6, grounded literally on worker.py (per-market config file + CLI
// override layering, start/stop/fatal-error notifications, exit codes).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gridengine/internal/apperrors"
	"gridengine/internal/config"
	"gridengine/internal/engine"
	"gridengine/internal/gateway"
	"gridengine/internal/health"
	"gridengine/internal/logging"
	"gridengine/internal/notify"
	"gridengine/internal/store"
	"gridengine/internal/telemetry"
	"gridengine/internal/ticktable"
)

func main() {
	market := flag.String("market", "BTC", "market code")
	startPrice := flag.Float64("start-price", 0, "starting price (0 = use config default)")
	krwAmount := flag.Float64("krw-amount", 0, "quote-currency amount per level (0 = use config default)")
	maxLevels := flag.Int("max-levels", 0, "ladder depth (0 = use config default)")
	buyGap := flag.Float64("buy-gap", 0, "buy gap (0 = use config default)")
	sellGap := flag.Float64("sell-gap", 0, "sell gap (0 = use config default)")
	resumeLevel := flag.Int("resume-level", 0, "manual resume level (0 = new start)")
	configDir := flag.String("config-dir", "config", "directory holding strategy_<MARKET>.json")
	logsDir := flag.String("logs-dir", "logs", "directory holding state/heartbeat files")
	logLevel := flag.String("log-level", "INFO", "log level")
	telegramToken := flag.String("telegram-bot-token", os.Getenv("TELEGRAM_BOT_TOKEN"), "telegram bot token")
	telegramChat := flag.String("telegram-chat-id", os.Getenv("TELEGRAM_CHAT_ID"), "telegram chat id")
	flag.Parse()

	marketCode := strings.ToUpper(*market)

	logger, err := logging.New(*logLevel, "grid-worker-"+marketCode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	tel, err := telemetry.Setup("grid-worker-" + marketCode)
	if err != nil {
		logger.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer tel.Shutdown(context.Background())

	notifier := notify.NewManager(logger)
	notifier.AddChannel(notify.NewTelegramChannel(*telegramToken, *telegramChat))

	cfg, err := config.LoadMarketConfig(filepath.Join(*configDir, fmt.Sprintf("strategy_%s.json", marketCode)))
	if err != nil {
		logger.Error("load market config failed", "error", err)
		os.Exit(1)
	}
	if *startPrice != 0 {
		cfg.StartPrice = *startPrice
	}
	if *krwAmount != 0 {
		cfg.KRWAmount = *krwAmount
	}
	if *maxLevels != 0 {
		cfg.MaxLevels = *maxLevels
	}
	if *buyGap != 0 {
		cfg.BuyGap = *buyGap
	}
	if *sellGap != 0 {
		cfg.SellGap = *sellGap
	}
	cfg.Resume = *resumeLevel

	if err := cfg.Validate(); err != nil {
		logger.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st := store.New(*logsDir)
	ticks := ticktable.Default()
	gw := gateway.NewMock() // the signed venue client is an external collaborator per spec §1; see DESIGN.md

	eng := engine.New(marketCode, cfg, ticks, gw, st, notifier, logger)
	checker := health.New(gw, ticks, st, notifier, logger)

	notifier.Notify(ctx, marketCode, notify.LevelInfo, fmt.Sprintf("worker starting: %s", cfg))

	if err := eng.Start(ctx); err != nil {
		notifier.Notify(ctx, marketCode, notify.LevelCritical, "worker failed to start: "+err.Error())
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runLoop(gctx, eng, checker, marketCode)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		var fatal *apperrors.FatalError
		if errors.As(err, &fatal) {
			notifier.Notify(context.Background(), marketCode, notify.LevelCritical, "worker fatal error: "+err.Error())
			logger.Error("fatal error, exiting", "error", err)
			os.Exit(1)
		}
		notifier.Notify(context.Background(), marketCode, notify.LevelError, "worker error: "+err.Error())
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}

	notifier.Notify(context.Background(), marketCode, notify.LevelInfo, "worker stopped")
	logger.Info("clean stop")
}

// runLoop is the cooperative main loop (spec §4.4/§5): poll, react to fills,
// run the health check and heartbeat on their own cadences, sleep, repeat.
// It checks ctx.Done() at the top of every iteration and persists one final
// snapshot on the way out.
func runLoop(ctx context.Context, eng *engine.Engine, checker *health.Checker, market string) error {
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return eng.PersistOnShutdown()
		default:
		}

		if err := eng.Tick(ctx); err != nil {
			return fmt.Errorf("worker: tick: %w", err)
		}

		tick++
		if eng.HealthCheckDue(tick) {
			repaired, err := checker.Check(ctx, market, eng.Snapshot())
			if err != nil {
				return fmt.Errorf("worker: health check: %w", err)
			}
			if repaired {
				eng.NoteRepair(ctx)
			}
		}
		if eng.HeartbeatDue(tick) {
			eng.WriteHeartbeat()
		}

		select {
		case <-ctx.Done():
			return eng.PersistOnShutdown()
		case <-time.After(eng.SleepDuration()):
		}
	}
}
