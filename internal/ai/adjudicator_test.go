package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/assess"
	"github.com/eddiefleurent/stamford_scalper/internal/gex"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
)

type fakeCompleter struct {
	response string
	err      error
	prompt   string
	delay    time.Duration
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompt = prompt
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.response, f.err
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantAction string
		wantNil    bool
	}{
		{
			name:       "clean json",
			raw:        `{"action":"BUY_CALL","conviction":7,"reason":"oversold bounce"}`,
			wantAction: ActionBuyCall,
		},
		{
			name:       "json with surrounding prose",
			raw:        "Based on the setup, here is my verdict:\n{\"action\":\"BUY_PUT\",\"conviction\":6}\nGood luck.",
			wantAction: ActionBuyPut,
		},
		{
			name:       "markdown fenced",
			raw:        "```json\n{\"action\":\"SKIP\",\"reason\":\"chop\"}\n```",
			wantAction: ActionSkip,
		},
		{
			name:       "first object lacks action, second has it",
			raw:        `{"note":"context"} {"action":"BUY_CALL","conviction":5}`,
			wantAction: ActionBuyCall,
		},
		{
			name:       "object without action defaults to skip",
			raw:        `{"conviction":8,"reason":"no action key"}`,
			wantAction: ActionSkip,
		},
		{
			name:       "unrecognized action becomes skip",
			raw:        `{"action":"SELL_EVERYTHING","conviction":9}`,
			wantAction: ActionSkip,
		},
		{
			name:       "lowercase action normalized",
			raw:        `{"action":"buy_call","conviction":5}`,
			wantAction: ActionBuyCall,
		},
		{
			name:    "no json at all",
			raw:     "I cannot decide right now.",
			wantNil: true,
		},
		{
			name:    "unbalanced braces",
			raw:     `{"action":"BUY_CALL","conviction":`,
			wantNil: true,
		},
		{
			name:       "braces inside strings ignored",
			raw:        `{"action":"BUY_CALL","reason":"support at {499.5} holds"}`,
			wantAction: ActionBuyCall,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ParseDecision(tt.raw)
			if tt.wantNil {
				if d != nil {
					t.Fatalf("expected nil, got %+v", d)
				}
				return
			}
			if d == nil {
				t.Fatal("expected a decision")
			}
			if d.Action != tt.wantAction {
				t.Errorf("action = %q, want %q", d.Action, tt.wantAction)
			}
		})
	}
}

func TestParseDecisionClipsConviction(t *testing.T) {
	d := ParseDecision(`{"action":"BUY_CALL","conviction":14}`)
	if d == nil || d.Conviction != 10 {
		t.Errorf("decision = %+v, conviction should clip to 10", d)
	}
	d = ParseDecision(`{"action":"BUY_CALL","conviction":-2}`)
	if d == nil || d.Conviction != 0 {
		t.Errorf("decision = %+v, conviction should clip to 0", d)
	}
}

func TestDecideReturnsNilOnError(t *testing.T) {
	adj := New(&fakeCompleter{err: errors.New("endpoint down")}, time.Second)
	if d := adj.Decide(context.Background(), Bundle{Underlying: "SPY"}); d != nil {
		t.Errorf("expected nil on completion error, got %+v", d)
	}
}

func TestDecideReturnsNilOnTimeout(t *testing.T) {
	adj := New(&fakeCompleter{response: `{"action":"BUY_CALL"}`, delay: 200 * time.Millisecond}, 20*time.Millisecond)
	if d := adj.Decide(context.Background(), Bundle{Underlying: "SPY"}); d != nil {
		t.Errorf("expected nil on timeout, got %+v", d)
	}
}

func TestDecideNilCompleter(t *testing.T) {
	var adj *Adjudicator
	if d := adj.Decide(context.Background(), Bundle{}); d != nil {
		t.Errorf("nil adjudicator should decide nil, got %+v", d)
	}
}

func TestBuildPromptIncludesFeatureBundle(t *testing.T) {
	flip := 499.50
	fc := &fakeCompleter{response: `{"action":"SKIP"}`}
	adj := New(fc, time.Second)

	adj.Decide(context.Background(), Bundle{
		Underlying: "SPY",
		Spot:       500.25,
		Signal: assess.Signal{
			Direction:  assess.DirectionBullish,
			Conviction: 6,
			Reasons:    []string{"RSI oversold (28.0)"},
		},
		Technicals: indicators.Technicals{RSI: 28, RSIOK: true},
		GEX: &gex.Summary{
			Regime:    gex.RegimeLongGamma,
			GammaFlip: &flip,
			CallWalls: []gex.Wall{{Strike: 502, GEX: 5e8}},
		},
		TimeOfDay:      "10:45",
		MinutesToClose: 315,
	})

	for _, want := range []string{
		"SPY", "500.25", "Long Gamma", "499.50", "Call wall: 502",
		"RSI: 28.0", "bullish", "RSI oversold", "315 minutes",
	} {
		if !strings.Contains(fc.prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
