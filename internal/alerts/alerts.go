// Package alerts defines the external alert contract (inbound webhook
// payloads) and the outbound notification surface.
package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Inbound alert actions.
const (
	ActionBuy        = "BUY"
	ActionSell       = "SELL"
	ActionTakeProfit = "TAKE_PROFIT"
	ActionAlert      = "ALERT"
)

// Confidence labels.
const (
	ConfidenceLow    = "LOW"
	ConfidenceMedium = "MEDIUM"
	ConfidenceHigh   = "HIGH"
)

// Alert is an external trading signal, typically from a charting webhook.
type Alert struct {
	Action     string  `json:"action"`
	Ticker     string  `json:"ticker"`
	Price      float64 `json:"price,omitempty"`
	Confidence string  `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Interval   string  `json:"interval,omitempty"`
}

// Normalize upper-cases the enum fields and validates them.
func (a *Alert) Normalize() error {
	a.Action = strings.ToUpper(strings.TrimSpace(a.Action))
	a.Ticker = strings.ToUpper(strings.TrimSpace(a.Ticker))
	a.Confidence = strings.ToUpper(strings.TrimSpace(a.Confidence))

	switch a.Action {
	case ActionBuy, ActionSell, ActionTakeProfit, ActionAlert:
	default:
		return fmt.Errorf("unknown alert action %q", a.Action)
	}
	if a.Ticker == "" {
		return fmt.Errorf("alert missing ticker")
	}
	switch a.Confidence {
	case "", ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
	default:
		return fmt.Errorf("unknown alert confidence %q", a.Confidence)
	}
	return nil
}

// Direction maps the action to an assessor direction hint, or "" when the
// alert carries no directional intent.
func (a *Alert) Direction() string {
	switch a.Action {
	case ActionBuy:
		return "bullish"
	case ActionSell:
		return "bearish"
	}
	return ""
}

// Event is an outbound notification: trade entries and exits, breaker
// trips, kill-switch activations.
type Event struct {
	Kind   string            `json:"kind"`
	Title  string            `json:"title"`
	Body   string            `json:"body,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Outbound event kinds.
const (
	EventEntry       = "entry"
	EventExit        = "exit"
	EventBreakerTrip = "breaker_trip"
	EventKillSwitch  = "kill_switch"
	EventInfo        = "info"
)

// Notifier delivers outbound events. Implementations must not block the
// trading cycle; failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	Logger *logrus.Logger
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, event Event) {
	if n.Logger == nil {
		return
	}
	entry := n.Logger.WithField("kind", event.Kind)
	for k, v := range event.Fields {
		entry = entry.WithField(k, v)
	}
	entry.Info(event.Title + " " + event.Body)
}
