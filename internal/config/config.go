// Package config loads and validates the per-market trading configuration.
// The file format is JSON, not YAML: spec fixes logs/autotrade_state and
// config/markets_config.json as external contracts (see SPEC_FULL.md), so no
// serialization library is interposed here — see DESIGN.md for why this one
// ambient surface stays stdlib-only.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// PriceMode is the closed two-variant tag for buy_mode/sell_mode.
type PriceMode string

const (
	ModePercent PriceMode = "percent"
	ModePrice   PriceMode = "price"
)

// MarketConfig is one entry of config/markets_config.json.
type MarketConfig struct {
	Enabled       bool      `json:"enabled"`
	StartPrice    float64   `json:"start_price"`
	KRWAmount     float64   `json:"krw_amount"`
	MaxLevels     int       `json:"max_levels"`
	Resume        int       `json:"resume"`
	BuyGap        float64   `json:"buy_gap"`
	BuyMode       PriceMode `json:"buy_mode"`
	SellGap       float64   `json:"sell_gap"`
	SellMode      PriceMode `json:"sell_mode"`
	FeeRate       float64   `json:"fee_rate"`
	SleepSeconds  int       `json:"sleep_seconds"`
	APIKeyEnv     string    `json:"api_key_env"`
	APISecretEnv  string    `json:"api_secret_env"`
}

// MarketsConfig is the root of config/markets_config.json: market_code -> MarketConfig.
type MarketsConfig map[string]MarketConfig

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// defaults mirror worker.py's load_config fallback dict.
func defaults() MarketConfig {
	return MarketConfig{
		Enabled:      true,
		StartPrice:   100000,
		KRWAmount:    1000000,
		MaxLevels:    60,
		BuyGap:       0.2,
		BuyMode:      ModePercent,
		SellGap:      0.3,
		SellMode:     ModePercent,
		FeeRate:      0.0004,
		SleepSeconds: 5,
	}
}

// LoadMarketsConfig reads and validates config/markets_config.json, expanding
// ${VAR} references in any string field against the process environment.
func LoadMarketsConfig(path string) (MarketsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))

	var cfg MarketsConfig
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for market, mc := range cfg {
		if err := mc.Validate(); err != nil {
			return nil, fmt.Errorf("config: market %s: %w", market, err)
		}
	}
	return cfg, nil
}

// LoadMarketConfig reads a single per-market strategy file
// (config/strategy_<MARKET>.json), falling back to built-in defaults for any
// field the file omits. Matches worker.py's load_config layering.
func LoadMarketConfig(path string) (MarketConfig, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields a cold-start ladder build and engine loop depend on.
func (c MarketConfig) Validate() error {
	if c.StartPrice <= 0 {
		return ValidationError{Field: "start_price", Value: c.StartPrice, Message: "must be positive"}
	}
	if c.KRWAmount <= 0 {
		return ValidationError{Field: "krw_amount", Value: c.KRWAmount, Message: "must be positive"}
	}
	if c.MaxLevels <= 0 {
		return ValidationError{Field: "max_levels", Value: c.MaxLevels, Message: "must be positive"}
	}
	if c.BuyMode != ModePercent && c.BuyMode != ModePrice {
		return ValidationError{Field: "buy_mode", Value: c.BuyMode, Message: "must be 'percent' or 'price'"}
	}
	if c.SellMode != ModePercent && c.SellMode != ModePrice {
		return ValidationError{Field: "sell_mode", Value: c.SellMode, Message: "must be 'percent' or 'price'"}
	}
	if c.FeeRate < 0 || c.FeeRate > 1 {
		return ValidationError{Field: "fee_rate", Value: c.FeeRate, Message: "must be in [0,1]"}
	}
	if c.Resume < 0 {
		return ValidationError{Field: "resume", Value: c.Resume, Message: "must be >= 0"}
	}
	return nil
}

// MatchesGeometry reports whether c describes the same ladder geometry as
// other — used to decide cold start (mismatch) vs warm start (match) per
// spec §4.4.2 and scenario 5.
func (c MarketConfig) MatchesGeometry(other MarketConfig) bool {
	return c.StartPrice == other.StartPrice &&
		c.KRWAmount == other.KRWAmount &&
		c.MaxLevels == other.MaxLevels &&
		c.BuyGap == other.BuyGap &&
		c.BuyMode == other.BuyMode &&
		c.SellGap == other.SellGap &&
		c.SellMode == other.SellMode
}

// String renders c with API credential env-var names intact but never
// resolves or prints their values (there is nothing to mask: MarketConfig
// carries env var *names*, not secrets, by construction).
func (c MarketConfig) String() string {
	return fmt.Sprintf("MarketConfig{start=%.2f krw=%.0f levels=%d buy=%.3g(%s) sell=%.3g(%s)}",
		c.StartPrice, c.KRWAmount, c.MaxLevels, c.BuyGap, c.BuyMode, c.SellGap, c.SellMode)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}
