package models

import (
	"fmt"
	"time"
)

// TradeStrategy selects which exit thresholds apply to a tracked trade.
type TradeStrategy string

const (
	StrategyScalp TradeStrategy = "scalp"
	StrategySwing TradeStrategy = "swing"
)

// ParseStrategy normalizes a stored strategy string, defaulting to scalp
// for anything unrecognized.
func ParseStrategy(s string) TradeStrategy {
	if TradeStrategy(s) == StrategySwing {
		return StrategySwing
	}
	return StrategyScalp
}

// TrackedTrade mirrors one held option contract locally. The broker owns the
// position; this record carries the entry context the broker does not keep
// (strategy, conviction, reasons) so exits can be evaluated against the right
// thresholds. Persisted in storage, removed on exit.
type TrackedTrade struct {
	ID         string        `json:"id"`
	Symbol     string        `json:"symbol"` // OSI symbol
	Underlying string        `json:"underlying"`
	Strike     float64       `json:"strike"`
	OptionType string        `json:"optionType"` // "call" or "put"
	Strategy   TradeStrategy `json:"strategy"`
	Qty        int           `json:"qty"`
	EntryPrice float64       `json:"entryPrice"` // per-contract premium
	EntryTime  time.Time     `json:"entryTime"`
	Conviction int           `json:"conviction"`
	Reason     string        `json:"reason"`
	OrderID    string        `json:"orderId"`

	State       TradeState `json:"state"`
	ExitReason  string     `json:"exitReason,omitempty"`
	ExitTime    time.Time  `json:"exitTime,omitempty"`
	ExitOrderID string     `json:"exitOrderId,omitempty"`
}

// Notional returns the dollar premium at entry (premium x 100 x qty).
func (t *TrackedTrade) Notional() float64 {
	return t.EntryPrice * 100 * float64(t.Qty)
}

// HoldMinutes returns how long the trade has been open as of now.
func (t *TrackedTrade) HoldMinutes(now time.Time) float64 {
	if t.EntryTime.IsZero() {
		return 0
	}
	return now.Sub(t.EntryTime).Minutes()
}

// Validate checks the fields a trade must carry before it is persisted.
func (t *TrackedTrade) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("tracked trade missing symbol")
	}
	if t.Underlying == "" {
		return fmt.Errorf("tracked trade %s missing underlying", t.Symbol)
	}
	if t.Qty <= 0 {
		return fmt.Errorf("tracked trade %s has non-positive qty %d", t.Symbol, t.Qty)
	}
	if t.EntryPrice <= 0 {
		return fmt.Errorf("tracked trade %s has non-positive entry price %v", t.Symbol, t.EntryPrice)
	}
	if t.OptionType != "call" && t.OptionType != "put" {
		return fmt.Errorf("tracked trade %s has invalid option type %q", t.Symbol, t.OptionType)
	}
	return nil
}
