// Package notify implements the notification contract from spec §6:
// SendMessage(text) is best-effort, failures are swallowed, and must never
// block the engine. Grounded on market_maker/internal/alert/alert.go,
// generalized from its richer AlertPayload shape down to the single-string
// contract spec names, with market/level folded into the formatted text the
// way worker.py/watchdog.py format their Telegram messages.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridengine/internal/logging"
)

// Level is the severity of a notification; it selects the emoji prefix
// spec §7 requires ("User-visible failures are emitted ... with a severity
// emoji prefix").
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

func icon(l Level) string {
	switch l {
	case LevelWarning:
		return "⚠️"
	case LevelError:
		return "❌"
	case LevelCritical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// Channel is one outbound notification transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Manager fans a notification out to every registered channel, asynchronously
// and without ever blocking or propagating channel failures to the caller.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   logging.ILogger
}

// NewManager builds an empty Manager. Register channels with AddChannel.
func NewManager(logger logging.ILogger) *Manager {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Manager{logger: logger.With("component", "notify")}
}

// AddChannel registers a channel for future Notify calls.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Notify sends text, prefixed with market and a severity icon, to every
// channel. Always returns immediately; per-channel failures are logged, not
// returned, and never block the caller (engine/reconciler/health loops).
func (m *Manager) Notify(ctx context.Context, market string, level Level, text string) {
	formatted := fmt.Sprintf("%s [%s] %s", icon(level), market, text)

	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.Send(timeoutCtx, formatted); err != nil {
				m.logger.Error("notification delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
