// Package ai adjudicates proposed trades through an external text-completion
// model with a strict JSON response contract.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/assess"
	"github.com/eddiefleurent/stamford_scalper/internal/gex"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/macro"
	"github.com/eddiefleurent/stamford_scalper/internal/mtf"
)

// Actions the model may return.
const (
	ActionBuyCall = "BUY_CALL"
	ActionBuyPut  = "BUY_PUT"
	ActionBuy     = "BUY"
	ActionSkip    = "SKIP"
)

const defaultTimeout = 20 * time.Second

// Completer is the external text-completion endpoint.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Decision is the parsed model verdict.
type Decision struct {
	Action     string  `json:"action"`
	Conviction float64 `json:"conviction"`
	Strategy   string  `json:"strategy,omitempty"`
	Target     string  `json:"target,omitempty"`
	StopLevel  string  `json:"stopLevel,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Bundle is the full feature set serialized into the prompt.
type Bundle struct {
	Underlying     string
	Spot           float64
	Signal         assess.Signal
	Technicals     indicators.Technicals
	GEX            *gex.Summary
	Macro          *macro.Assessment
	MTF            *mtf.Consensus
	TimeOfDay      string
	MinutesToClose int
}

// Adjudicator wraps a Completer with timeouts and safe parsing.
type Adjudicator struct {
	completer Completer
	timeout   time.Duration
}

// New creates an adjudicator; a zero timeout uses the 20s default.
func New(completer Completer, timeout time.Duration) *Adjudicator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adjudicator{completer: completer, timeout: timeout}
}

// Decide asks the model to adjudicate the proposed trade. Any failure
// (timeout, network, unparseable response) returns nil, which callers treat
// as SKIP.
func (a *Adjudicator) Decide(ctx context.Context, bundle Bundle) *Decision {
	if a == nil || a.completer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.completer.Complete(ctx, BuildPrompt(bundle))
	if err != nil {
		log.Printf("[AI] %s completion failed: %v", bundle.Underlying, err)
		return nil
	}
	decision := ParseDecision(raw)
	if decision == nil {
		log.Printf("[AI] %s unparseable response (%d bytes)", bundle.Underlying, len(raw))
	}
	return decision
}

// BuildPrompt renders the feature bundle into the adjudication prompt.
func BuildPrompt(b Bundle) string {
	var sb strings.Builder
	sb.WriteString("You are adjudicating a proposed 0DTE options trade. ")
	sb.WriteString("Respond with a single JSON object: ")
	sb.WriteString(`{"action":"BUY_CALL"|"BUY_PUT"|"SKIP","conviction":0-10,"strategy":"scalp"|"swing","target":"...","stopLevel":"...","reason":"..."}.`)
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "Underlying: %s @ %.2f\n", b.Underlying, b.Spot)
	fmt.Fprintf(&sb, "Time of day: %s (ET), %d minutes to close\n", b.TimeOfDay, b.MinutesToClose)

	if b.Macro != nil {
		fmt.Fprintf(&sb, "Macro regime: %s (score %d, multiplier %.1f)\n",
			b.Macro.Regime, b.Macro.Score, b.Macro.Multiplier)
	}
	if b.GEX != nil {
		fmt.Fprintf(&sb, "Gamma regime: %s (confidence %.2f, net GEX $%.0f)\n",
			b.GEX.Regime, b.GEX.Confidence, b.GEX.TotalNetGEX)
		if b.GEX.GammaFlip != nil {
			fmt.Fprintf(&sb, "Gamma flip: %.2f\n", *b.GEX.GammaFlip)
		}
		for _, w := range b.GEX.CallWalls {
			fmt.Fprintf(&sb, "Call wall: %.0f ($%.0f)\n", w.Strike, w.GEX)
		}
		for _, w := range b.GEX.PutWalls {
			fmt.Fprintf(&sb, "Put wall: %.0f ($%.0f)\n", w.Strike, w.GEX)
		}
	}

	t := b.Technicals
	if t.RSIOK {
		fmt.Fprintf(&sb, "RSI: %.1f\n", t.RSI)
	}
	if t.MACDOK {
		fmt.Fprintf(&sb, "MACD: %.3f signal %.3f histogram %.3f\n",
			t.MACD.MACD, t.MACD.Signal, t.MACD.Histogram)
	}
	if t.VWAPOK {
		fmt.Fprintf(&sb, "VWAP: %.2f (price %s)\n", t.VWAP, aboveBelow(t.PriceAboveVWAP))
	}
	fmt.Fprintf(&sb, "Momentum (5-bar): %.2f%%, volume trend %.2fx, choppiness %.1f\n",
		t.Momentum, t.VolumeTrend, t.Choppiness)

	if b.MTF != nil {
		fmt.Fprintf(&sb, "Multi-timeframe consensus: %s (score %.2f)\n", b.MTF.Label, b.MTF.Score)
	}

	fmt.Fprintf(&sb, "\nInternal assessment: %s, conviction %d/10, strategy %s\n",
		b.Signal.Direction, b.Signal.Conviction, b.Signal.Strategy)
	for _, r := range b.Signal.Reasons {
		fmt.Fprintf(&sb, "- %s\n", r)
	}
	sb.WriteString("\nAdjudicate now.")
	return sb.String()
}

func aboveBelow(above bool) string {
	if above {
		return "above"
	}
	return "below"
}

// ParseDecision extracts the first JSON object containing an "action" key
// from the response, tolerating surrounding prose and markdown fences. When
// no object has an action key, the first parseable object is used with
// action defaulted to SKIP. Returns nil when nothing parses.
func ParseDecision(raw string) *Decision {
	text := stripMarkdownFences(raw)

	var fallback *Decision
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		obj, end := balancedObject(text[i:])
		if obj == "" {
			continue
		}
		var d Decision
		if err := json.Unmarshal([]byte(obj), &d); err != nil {
			continue
		}
		if d.Action != "" {
			return normalize(&d)
		}
		if fallback == nil {
			fallback = &d
		}
		i += end
	}
	if fallback != nil {
		return normalize(fallback)
	}
	return nil
}

// normalize maps unrecognized actions to SKIP and clips conviction.
func normalize(d *Decision) *Decision {
	switch strings.ToUpper(strings.TrimSpace(d.Action)) {
	case ActionBuyCall:
		d.Action = ActionBuyCall
	case ActionBuyPut:
		d.Action = ActionBuyPut
	case ActionBuy:
		d.Action = ActionBuy
	default:
		d.Action = ActionSkip
	}
	if d.Conviction < 0 {
		d.Conviction = 0
	}
	if d.Conviction > 10 {
		d.Conviction = 10
	}
	return d
}

// stripMarkdownFences removes ``` fences so fenced JSON parses cleanly.
func stripMarkdownFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	var sb strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// balancedObject returns the prefix of s forming a complete brace-balanced
// JSON object (string-aware) and the index just past it, or "" when the
// braces never balance.
func balancedObject(s string) (string, int) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[:i+1], i
				}
			}
		}
	}
	return "", 0
}
