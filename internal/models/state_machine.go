package models

import (
	"fmt"
	"time"
)

// TradeState represents the lifecycle state of a tracked trade.
type TradeState string

const (
	// StateOpen means the position is held and being monitored for exits.
	StateOpen TradeState = "open"
	// StateExitPending means a close has been requested but the broker has
	// not yet reported the position flat.
	StateExitPending TradeState = "exit_pending"
	// StateClosed means the broker reports qty=0 and the trade is final.
	StateClosed TradeState = "closed"
)

// TradeTransition defines one valid lifecycle transition.
type TradeTransition struct {
	From      TradeState
	To        TradeState
	Condition string
}

// Valid trade transitions. A trade in ExitPending whose close order fails
// stays in ExitPending and is retried next cycle; that is a no-op, not a
// transition.
var validTradeTransitions = []TradeTransition{
	{StateOpen, StateExitPending, "exit_signal"},
	{StateOpen, StateExitPending, "external_close"},
	{StateExitPending, StateClosed, "broker_flat"},
}

// TransitionTrade advances a trade's state, validating against the
// transition table. The condition string is recorded as the exit reason for
// exit_signal transitions only when the trade has none yet.
func TransitionTrade(t *TrackedTrade, to TradeState, condition string, now time.Time) error {
	if t.State == "" {
		t.State = StateOpen
	}

	valid := false
	for _, tr := range validTradeTransitions {
		if tr.From == t.State && tr.To == to && tr.Condition == condition {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid trade transition for %s: %s -> %s (%s)",
			t.Symbol, t.State, to, condition)
	}

	t.State = to
	switch to {
	case StateExitPending:
		if t.ExitReason == "" {
			t.ExitReason = condition
		}
	case StateClosed:
		t.ExitTime = now
	}
	return nil
}

// IsTerminal reports whether the trade has reached its final state.
func (t *TrackedTrade) IsTerminal() bool {
	return t.State == StateClosed
}
