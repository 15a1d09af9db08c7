package policy

import (
	"fmt"
	"strings"
)

// ConfigVersion is the current schema version; stored records from older
// versions are migrated in order on load.
const ConfigVersion = 3

// Config is the strongly typed policy record. Keys and ranges follow the
// admin-facing names; Set rejects anything not listed in keySetters.
type Config struct {
	Version int `json:"config_version"`

	MaxPositions        int      `json:"max_positions"`
	MaxNotionalPerTrade float64  `json:"max_notional_per_trade"`
	PositionSizePct     float64  `json:"position_size_pct"`
	MaxDailyLossPct     float64  `json:"max_daily_loss_pct"`
	StopLossPct         float64  `json:"stop_loss_pct"`
	TakeProfitPct       float64  `json:"take_profit_pct"`
	CooldownMinutes     int      `json:"cooldown_minutes"`
	ScanIntervalMinutes int      `json:"scan_interval_minutes"`
	AllowShorting       bool     `json:"allow_shorting"`
	SymbolAllowlist     []string `json:"symbol_allowlist"`
	SymbolDenylist      []string `json:"symbol_denylist"`

	MinSentimentScore    float64 `json:"min_sentiment_score"`
	MinAnalystConfidence float64 `json:"min_analyst_confidence"`

	OptionsEnabled            bool     `json:"options_enabled"`
	OptionsMaxPositions       int      `json:"options_max_positions"`
	OptionsMaxPremiumPerTrade float64  `json:"options_max_premium_per_trade"`
	OptionsMaxDailyLoss       float64  `json:"options_max_daily_loss"`
	OptionsMaxSpreadPct       float64  `json:"options_max_spread_pct"`
	OptionsMinOpenInterest    int      `json:"options_min_open_interest"`
	OptionsMinDelta           float64  `json:"options_min_delta"`
	OptionsMaxDelta           float64  `json:"options_max_delta"`
	OptionsMinConviction      int      `json:"options_min_conviction"`
	OptionsCloseBeforeMinutes int      `json:"options_close_before_minutes"`
	OptionsCooldownMinutes    int      `json:"options_cooldown_minutes"`
	OptionsScalpTakeProfitPct float64  `json:"options_scalp_take_profit_pct"`
	OptionsScalpStopLossPct   float64  `json:"options_scalp_stop_loss_pct"`
	OptionsSwingTakeProfitPct float64  `json:"options_swing_take_profit_pct"`
	OptionsSwingStopLossPct   float64  `json:"options_swing_stop_loss_pct"`
	OptionsUnderlyings        []string `json:"options_underlyings"`
}

// DefaultConfig returns conservative paper-trading defaults.
func DefaultConfig() Config {
	return Config{
		Version: ConfigVersion,

		MaxPositions:        5,
		MaxNotionalPerTrade: 5000,
		PositionSizePct:     0.10,
		MaxDailyLossPct:     0.03,
		StopLossPct:         0.05,
		TakeProfitPct:       0.10,
		CooldownMinutes:     30,
		ScanIntervalMinutes: 5,
		AllowShorting:       false,

		MinSentimentScore:    0.4,
		MinAnalystConfidence: 0.5,

		OptionsEnabled:            true,
		OptionsMaxPositions:       2,
		OptionsMaxPremiumPerTrade: 500,
		OptionsMaxDailyLoss:       750,
		OptionsMaxSpreadPct:       0.10,
		OptionsMinOpenInterest:    500,
		OptionsMinDelta:           0.25,
		OptionsMaxDelta:           0.55,
		OptionsMinConviction:      5,
		OptionsCloseBeforeMinutes: 20,
		OptionsCooldownMinutes:    30,
		OptionsScalpTakeProfitPct: 0.25,
		OptionsScalpStopLossPct:   0.20,
		OptionsSwingTakeProfitPct: 0.50,
		OptionsSwingStopLossPct:   0.30,
		OptionsUnderlyings:        []string{"SPY", "QQQ"},
	}
}

// migrations upgrade a stored record to the current version; migrations[v]
// brings version v up to v+1 and is run in order.
var migrations = map[int]func(*Config){
	1: func(c *Config) {
		// v1 predates the options cycle; seed the options block.
		d := DefaultConfig()
		if len(c.OptionsUnderlyings) == 0 {
			c.OptionsUnderlyings = d.OptionsUnderlyings
		}
		if c.OptionsMaxPositions == 0 {
			c.OptionsMaxPositions = d.OptionsMaxPositions
		}
		if c.OptionsMinConviction == 0 {
			c.OptionsMinConviction = d.OptionsMinConviction
		}
	},
	2: func(c *Config) {
		// v2 allowed inverted delta windows; normalize.
		if c.OptionsMinDelta > c.OptionsMaxDelta {
			c.OptionsMinDelta, c.OptionsMaxDelta = c.OptionsMaxDelta, c.OptionsMinDelta
		}
	},
}

// migrate runs pending migrations in order and stamps the current version.
func migrate(c *Config) {
	if c.Version <= 0 {
		c.Version = 1
	}
	for v := c.Version; v < ConfigVersion; v++ {
		if m, ok := migrations[v]; ok {
			m(c)
		}
	}
	c.Version = ConfigVersion
}

type setter func(*Config, any) error

// keySetters enumerates every recognized key with its coercion and range
// check. Unknown keys are rejected by Set.
var keySetters = map[string]setter{
	"max_positions": func(c *Config, v any) error {
		return setInt(&c.MaxPositions, v, 1, 1000)
	},
	"max_notional_per_trade": func(c *Config, v any) error {
		return setFloat(&c.MaxNotionalPerTrade, v, 10, 1e9)
	},
	"position_size_pct": func(c *Config, v any) error {
		return setFloat(&c.PositionSizePct, v, 0, 1)
	},
	"max_daily_loss_pct": func(c *Config, v any) error {
		return setFloat(&c.MaxDailyLossPct, v, 0, 1)
	},
	"stop_loss_pct": func(c *Config, v any) error {
		return setFloat(&c.StopLossPct, v, 0, 1)
	},
	"take_profit_pct": func(c *Config, v any) error {
		return setFloat(&c.TakeProfitPct, v, 0, 1)
	},
	"cooldown_minutes": func(c *Config, v any) error {
		return setInt(&c.CooldownMinutes, v, 0, 1440)
	},
	"scan_interval_minutes": func(c *Config, v any) error {
		return setInt(&c.ScanIntervalMinutes, v, 1, 60)
	},
	"allow_shorting": func(c *Config, v any) error {
		return setBool(&c.AllowShorting, v)
	},
	"symbol_allowlist": func(c *Config, v any) error {
		return setList(&c.SymbolAllowlist, v)
	},
	"symbol_denylist": func(c *Config, v any) error {
		return setList(&c.SymbolDenylist, v)
	},
	"min_sentiment_score": func(c *Config, v any) error {
		return setFloat(&c.MinSentimentScore, v, 0, 1)
	},
	"min_analyst_confidence": func(c *Config, v any) error {
		return setFloat(&c.MinAnalystConfidence, v, 0, 1)
	},
	"options_enabled": func(c *Config, v any) error {
		return setBool(&c.OptionsEnabled, v)
	},
	"options_max_positions": func(c *Config, v any) error {
		return setInt(&c.OptionsMaxPositions, v, 1, 100)
	},
	"options_max_premium_per_trade": func(c *Config, v any) error {
		return setFloat(&c.OptionsMaxPremiumPerTrade, v, 10, 1e6)
	},
	"options_max_daily_loss": func(c *Config, v any) error {
		return setFloat(&c.OptionsMaxDailyLoss, v, 0, 1e6)
	},
	"options_max_spread_pct": func(c *Config, v any) error {
		return setFloat(&c.OptionsMaxSpreadPct, v, 0, 1)
	},
	"options_min_open_interest": func(c *Config, v any) error {
		return setInt(&c.OptionsMinOpenInterest, v, 0, 1e6)
	},
	"options_min_delta": func(c *Config, v any) error {
		return setFloat(&c.OptionsMinDelta, v, 0, 1)
	},
	"options_max_delta": func(c *Config, v any) error {
		return setFloat(&c.OptionsMaxDelta, v, 0, 1)
	},
	"options_min_conviction": func(c *Config, v any) error {
		return setInt(&c.OptionsMinConviction, v, 1, 10)
	},
	"options_close_before_minutes": func(c *Config, v any) error {
		return setInt(&c.OptionsCloseBeforeMinutes, v, 0, 180)
	},
	"options_cooldown_minutes": func(c *Config, v any) error {
		return setInt(&c.OptionsCooldownMinutes, v, 0, 1440)
	},
	"options_scalp_take_profit_pct": func(c *Config, v any) error {
		return setFloat(&c.OptionsScalpTakeProfitPct, v, 0, 1)
	},
	"options_scalp_stop_loss_pct": func(c *Config, v any) error {
		return setFloat(&c.OptionsScalpStopLossPct, v, 0, 1)
	},
	"options_swing_take_profit_pct": func(c *Config, v any) error {
		return setFloat(&c.OptionsSwingTakeProfitPct, v, 0, 1)
	},
	"options_swing_stop_loss_pct": func(c *Config, v any) error {
		return setFloat(&c.OptionsSwingStopLossPct, v, 0, 1)
	},
	"options_underlyings": func(c *Config, v any) error {
		return setList(&c.OptionsUnderlyings, v)
	},
}

// Set coerces and applies one key; unknown keys and out-of-range values
// return an error without mutating the record.
func (c *Config) Set(key string, value any) error {
	s, ok := keySetters[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	return s(c, value)
}

func coerceFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func setFloat(dst *float64, v any, lo, hi float64) error {
	f, ok := coerceFloat(v)
	if !ok {
		return fmt.Errorf("expected number, got %T", v)
	}
	if f < lo || f > hi {
		return fmt.Errorf("value %v out of range [%v, %v]", f, lo, hi)
	}
	*dst = f
	return nil
}

func setInt(dst *int, v any, lo, hi int) error {
	f, ok := coerceFloat(v)
	if !ok {
		return fmt.Errorf("expected integer, got %T", v)
	}
	n := int(f)
	if float64(n) != f {
		return fmt.Errorf("expected integer, got %v", f)
	}
	if n < lo || n > hi {
		return fmt.Errorf("value %d out of range [%d, %d]", n, lo, hi)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("expected bool, got %T", v)
	}
	*dst = b
	return nil
}

func setList(dst *[]string, v any) error {
	switch x := v.(type) {
	case []string:
		*dst = append([]string(nil), x...)
		return nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string list element, got %T", item)
			}
			out = append(out, s)
		}
		*dst = out
		return nil
	}
	return fmt.Errorf("expected string list, got %T", v)
}

// dangerousOverlay is the prebaked aggressive parameter set applied by
// dangerous mode; the prior record is snapshotted and restored on disable.
func dangerousOverlay(c *Config) {
	c.OptionsMaxPositions = 4
	c.OptionsMaxPremiumPerTrade = 1500
	c.OptionsMinConviction = 3
	c.OptionsMaxSpreadPct = 0.20
	c.PositionSizePct = 0.25
	c.MaxNotionalPerTrade = 15000
}
