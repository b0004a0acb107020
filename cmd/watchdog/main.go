// Command watchdog is the Supervisor from spec §4.7/§6: it restarts any
// worker whose heartbeat has gone stale, and posts an hourly summary report.
// Grounded literally on watchdog.py (heartbeat staleness, restart-by-exec,
// --status, send_summary_report) and on
// market_maker/pkg/concurrency/pool.go for the bounded per-market fan-out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alitto/pond"

	"gridengine/internal/config"
	"gridengine/internal/gateway"
	"gridengine/internal/logging"
	"gridengine/internal/notify"
	"gridengine/internal/store"
)

func main() {
	status := flag.Bool("status", false, "print current status for every enabled market and exit")
	configDir := flag.String("config-dir", "config", "directory holding markets_config.json")
	logsDir := flag.String("logs-dir", "logs", "directory holding heartbeat files")
	workerBin := flag.String("worker-bin", "./worker", "path to the worker binary")
	checkInterval := flag.Duration("check-interval", 30*time.Second, "heartbeat check cadence")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 120*time.Second, "age at which a heartbeat is declared stale")
	summaryInterval := flag.Duration("summary-interval", time.Hour, "periodic summary report cadence")
	logLevel := flag.String("log-level", "INFO", "log level")
	telegramToken := flag.String("telegram-bot-token", os.Getenv("TELEGRAM_BOT_TOKEN"), "telegram bot token")
	telegramChat := flag.String("telegram-chat-id", os.Getenv("TELEGRAM_CHAT_ID"), "telegram chat id")
	flag.Parse()

	logger, err := logging.New(*logLevel, "grid-watchdog")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	marketsConfig, err := config.LoadMarketsConfig(filepath.Join(*configDir, "markets_config.json"))
	if err != nil {
		logger.Error("load markets config failed", "error", err)
		os.Exit(1)
	}

	st := store.New(*logsDir)

	if *status {
		logStatus(st, marketsConfig, *heartbeatTimeout)
		return
	}

	notifier := notify.NewManager(logger)
	notifier.AddChannel(notify.NewTelegramChannel(*telegramToken, *telegramChat))

	gw := gateway.NewMock() // read-only GetOpenOrders for the summary report; see DESIGN.md

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := &watchdog{
		logger:           logger,
		notifier:         notifier,
		store:            st,
		gateway:          gw,
		workerBin:        *workerBin,
		heartbeatTimeout: *heartbeatTimeout,
		startedAt:        time.Now(),
		active:           make(map[string]*exec.Cmd),
	}

	w.run(ctx, marketsConfig, *checkInterval, *summaryInterval)
}

// watchdog owns the process table and the two timers (check, summary).
type watchdog struct {
	logger           logging.ILogger
	notifier         *notify.Manager
	store            *store.Store
	gateway          gateway.Gateway
	workerBin        string
	heartbeatTimeout time.Duration
	startedAt        time.Time
	active           map[string]*exec.Cmd
}

func (w *watchdog) run(ctx context.Context, markets config.MarketsConfig, checkInterval, summaryInterval time.Duration) {
	enabled := enabledMarkets(markets)
	if len(enabled) == 0 {
		w.logger.Error("no enabled markets in markets_config.json")
		os.Exit(1)
	}

	w.logger.Info("watchdog starting", "markets", enabled, "check_interval", checkInterval, "summary_interval", summaryInterval)

	for _, market := range enabled {
		w.restart(market, markets[market])
	}

	checkTicker := time.NewTicker(checkInterval)
	defer checkTicker.Stop()
	summaryTicker := time.NewTicker(summaryInterval)
	defer summaryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopping")
			return
		case <-checkTicker.C:
			w.checkAndRestart(ctx, enabled, markets)
		case <-summaryTicker.C:
			w.sendSummary(ctx, enabled)
		}
	}
}

// checkAndRestart fans the per-market heartbeat check out across a bounded
// pool, matching market_maker/pkg/concurrency/pool.go's Submit shape; each
// task restarts its own market independently so one slow exec.Command never
// blocks the rest.
func (w *watchdog) checkAndRestart(ctx context.Context, markets []string, cfg config.MarketsConfig) {
	pool := pond.New(4, len(markets), pond.MinWorkers(1))
	for _, market := range markets {
		market := market
		pool.Submit(func() {
			if w.isStale(market) {
				hb, _ := w.store.LoadHeartbeat(market)
				if hb != nil {
					w.logger.Warn("heartbeat stale, restarting", "market", market,
						"realized_profit", hb.RealizedProfit, "pending_orders", hb.PendingOrders)
				} else {
					w.logger.Warn("no heartbeat found, restarting", "market", market)
				}
				w.restart(market, cfg[market])
				w.notifier.Notify(ctx, market, notify.LevelWarning, "watchdog restarted worker after stale heartbeat")
			} else {
				w.logger.Debug("heartbeat healthy", "market", market)
			}
		})
	}
	pool.StopAndWait()
}

func (w *watchdog) isStale(market string) bool {
	hb, err := w.store.LoadHeartbeat(market)
	if err != nil || hb == nil {
		return true
	}
	return time.Since(hb.Timestamp) > w.heartbeatTimeout
}

// restart kills any process this watchdog still tracks for market, then
// spawns a fresh worker with its markets_config.json parameters as CLI
// flags, mirroring watchdog.py's restart_worker.
func (w *watchdog) restart(market string, cfg config.MarketConfig) {
	if old, ok := w.active[market]; ok && old.Process != nil {
		_ = old.Process.Kill()
	}

	args := []string{
		"--market", market,
		"--start-price", strconv.FormatFloat(cfg.StartPrice, 'f', -1, 64),
		"--krw-amount", strconv.FormatFloat(cfg.KRWAmount, 'f', -1, 64),
		"--max-levels", strconv.Itoa(cfg.MaxLevels),
		"--buy-gap", strconv.FormatFloat(cfg.BuyGap, 'f', -1, 64),
		"--sell-gap", strconv.FormatFloat(cfg.SellGap, 'f', -1, 64),
		"--resume-level", strconv.Itoa(cfg.Resume),
	}

	cmd := exec.Command(w.workerBin, args...)
	if err := cmd.Start(); err != nil {
		w.logger.Error("restart worker failed", "market", market, "error", err)
		return
	}
	w.active[market] = cmd
	w.logger.Info("worker started", "market", market, "pid", cmd.Process.Pid)

	// Reap the child asynchronously so it doesn't become a zombie; the
	// watchdog doesn't otherwise wait on worker exit.
	go func() { _ = cmd.Wait() }()
}

// sendSummary builds and sends the periodic progress report (spec §4.7),
// including the top-5 most-recent live orders per market (SPEC_FULL addition
// 3): GetOpenOrders sorted by created_at descending and truncated to 5.
func (w *watchdog) sendSummary(ctx context.Context, markets []string) {
	uptime := time.Since(w.startedAt)
	var b strings.Builder
	fmt.Fprintf(&b, "watchdog summary report\nuptime: %dh%dm\n\n", int(uptime.Hours()), int(uptime.Minutes())%60)

	totalProfit := 0.0
	active := 0
	var issues []string

	for _, market := range markets {
		hb, err := w.store.LoadHeartbeat(market)
		if err != nil || hb == nil {
			issues = append(issues, market+" - no heartbeat")
			continue
		}
		active++
		profit, _ := strconv.ParseFloat(hb.RealizedProfit, 64)
		totalProfit += profit

		fmt.Fprintf(&b, "%s: level=%d profit=%s pending=%d\n", market, hb.LastBuyLevel, hb.RealizedProfit, hb.PendingOrders)

		orders, err := w.gateway.GetOpenOrders(ctx, market, 0)
		if err != nil {
			fmt.Fprintf(&b, "  order lookup failed: %v\n", err)
		} else if len(orders) == 0 {
			b.WriteString("  no open orders\n")
		} else {
			sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
			top := orders
			if len(top) > 5 {
				top = top[:5]
			}
			for _, o := range top {
				fmt.Fprintf(&b, "  %s %s x %s @ %s\n", o.Side, o.Volume.String(), o.Price.String(), o.CreatedAt.Format(time.RFC3339))
			}
			if len(orders) > 5 {
				fmt.Fprintf(&b, "  ... and %d more\n", len(orders)-5)
			}
		}

		if w.isStale(market) {
			issues = append(issues, market+" - stale")
		}
	}

	fmt.Fprintf(&b, "\ntotal realized profit: %.0f\nactive markets: %d/%d\n", totalProfit, active, len(markets))
	if len(issues) > 0 {
		b.WriteString("\nissues:\n")
		for _, i := range issues {
			b.WriteString("  " + i + "\n")
		}
	} else {
		b.WriteString("\nall markets healthy\n")
	}

	report := b.String()
	w.logger.Info("summary report", "report", report)
	w.notifier.Notify(ctx, "watchdog", notify.LevelInfo, report)
}

// logStatus implements watchdog.py's log_status / --status: a one-shot dump
// of every enabled market's last heartbeat (disabled markets are skipped).
func logStatus(st *store.Store, markets config.MarketsConfig, heartbeatTimeout time.Duration) {
	for _, market := range enabledMarkets(markets) {
		hb, err := st.LoadHeartbeat(market)
		if err != nil || hb == nil {
			fmt.Printf("%s: no heartbeat file\n", market)
			continue
		}
		age := time.Since(hb.Timestamp)
		fmt.Printf("%s: status=%s realized_profit=%s last_buy_level=%d pending_orders=%d age=%s stale=%v\n",
			market, hb.Status, hb.RealizedProfit, hb.LastBuyLevel, hb.PendingOrders, age.Round(time.Second), age > heartbeatTimeout)
	}
}

func enabledMarkets(markets config.MarketsConfig) []string {
	var out []string
	for market, cfg := range markets {
		if cfg.Enabled {
			out = append(out, market)
		}
	}
	sort.Strings(out)
	return out
}
