package assess

import (
	"strings"
	"testing"

	"github.com/eddiefleurent/stamford_scalper/internal/gex"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/macro"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
)

func floatPtr(v float64) *float64 { return &v }

// longGammaBounce mirrors an oversold tape pinned between gamma walls.
func longGammaBounce() Features {
	return Features{
		Technicals: indicators.Technicals{
			Price:          500.00,
			RSI:            28,
			RSIOK:          true,
			VWAP:           500.10,
			VWAPOK:         true,
			PriceAboveVWAP: false,
			Momentum:       -0.05,
			VolumeTrend:    1.1,
		},
		GEX: &gex.Summary{
			Spot:      500.00,
			Regime:    gex.RegimeLongGamma,
			GammaFlip: floatPtr(499.50),
			CallWalls: []gex.Wall{{Strike: 502, GEX: 5e8}},
			PutWalls:  []gex.Wall{{Strike: 498, GEX: 4e8}},
		},
		Macro: &macro.Assessment{Regime: macro.RegimeCautious, Multiplier: 1.0},
	}
}

func TestAssessLongGammaBounce(t *testing.T) {
	sig := Assess(longGammaBounce())

	if sig.Direction != DirectionBullish {
		t.Fatalf("direction = %q bull=%v bear=%v reasons=%v",
			sig.Direction, sig.BullPoints, sig.BearPoints, sig.Reasons)
	}
	if sig.Conviction < 5 {
		t.Errorf("conviction = %d, expected >= 5", sig.Conviction)
	}
	if sig.Strategy != models.StrategyScalp {
		t.Errorf("strategy = %q, expected scalp in long gamma", sig.Strategy)
	}

	// Long-gamma mean reversion (+2), oversold RSI (+1.5), put wall support
	// (+1.5) drive the bull side; VWAP contributes to the bear side.
	if sig.BullPoints != 5.0 {
		t.Errorf("bullPoints = %v, expected 5.0", sig.BullPoints)
	}
	wantReasons := []string{"mean reversion up", "put wall", "RSI oversold", "below VWAP"}
	for _, want := range wantReasons {
		if !containsReason(sig.Reasons, want) {
			t.Errorf("reasons missing %q: %v", want, sig.Reasons)
		}
	}
}

func containsReason(reasons []string, substr string) bool {
	for _, r := range reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func TestAssessBearishSymmetry(t *testing.T) {
	f := Features{
		Technicals: indicators.Technicals{
			Price:          500,
			RSI:            75,
			RSIOK:          true,
			VWAP:           499.5,
			VWAPOK:         true,
			PriceAboveVWAP: true,
			Momentum:       -0.3,
		},
		GEX:   &gex.Summary{Regime: gex.RegimeShortGamma},
		Macro: &macro.Assessment{Regime: macro.RegimeRiskOff},
	}

	sig := Assess(f)
	if sig.Direction != DirectionBearish {
		t.Fatalf("direction = %q bull=%v bear=%v", sig.Direction, sig.BullPoints, sig.BearPoints)
	}
	// RISK_OFF +2, short gamma trend follow +2, RSI overbought +1.5.
	if sig.BearPoints < 5.5 {
		t.Errorf("bearPoints = %v", sig.BearPoints)
	}
	if sig.Strategy != models.StrategySwing {
		t.Errorf("strategy = %q, expected swing in short gamma", sig.Strategy)
	}
}

func TestAssessMissingFeaturesComposeCleanly(t *testing.T) {
	sig := Assess(Features{Technicals: indicators.Technicals{Price: 500}})
	if sig.Conviction != 0 {
		t.Errorf("conviction = %d with no evidence", sig.Conviction)
	}
	if sig.Direction != DirectionBullish {
		t.Errorf("direction = %q, ties resolve bullish", sig.Direction)
	}
}

func TestAssessConvictionClamp(t *testing.T) {
	// Stack every bullish contributor to overflow the raw score.
	f := longGammaBounce()
	f.Macro.Regime = macro.RegimeRiskOn
	f.Technicals.PriceAboveVWAP = true
	f.Technicals.Momentum = 0.5
	f.Technicals.VolumeTrend = 2.0
	f.Technicals.TodayMoveSigma = 2.0

	sig := Assess(f)
	if sig.Conviction > 10 || sig.Conviction < 0 {
		t.Errorf("conviction = %d, out of [0,10]", sig.Conviction)
	}
}

func TestChoppinessPenalizesBothSides(t *testing.T) {
	f := Features{
		Technicals: indicators.Technicals{
			Price:      500,
			RSI:        28,
			RSIOK:      true,
			Choppiness: 4,
		},
	}
	sig := Assess(f)
	if sig.BullPoints != 1.0 {
		t.Errorf("bullPoints = %v, expected 1.5 - 0.5", sig.BullPoints)
	}
	if sig.BearPoints != 0 {
		t.Errorf("bearPoints = %v, must not go negative", sig.BearPoints)
	}
}

func TestSwingOnWideATR(t *testing.T) {
	f := Features{
		Technicals: indicators.Technicals{Price: 500, ATR: 3.0, ATROK: true},
	}
	if sig := Assess(f); sig.Strategy != models.StrategySwing {
		t.Errorf("strategy = %q, ATR 0.6%% of price should be swing", sig.Strategy)
	}

	f.Technicals.ATR = 1.0
	if sig := Assess(f); sig.Strategy != models.StrategyScalp {
		t.Errorf("strategy = %q, ATR 0.2%% of price should be scalp", sig.Strategy)
	}
}

func TestApplyBoosts(t *testing.T) {
	tests := []struct {
		name   string
		start  int
		boosts []int
		want   int
	}{
		{"floor at 1", 0, []int{-1}, 1},
		{"ceiling at 10", 9, []int{2}, 10},
		{"sum of boosts", 5, []int{2, 1}, 8},
		{"negative boost", 5, []int{-1}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := ApplyBoosts(Signal{Conviction: tt.start}, tt.boosts...)
			if sig.Conviction != tt.want {
				t.Errorf("conviction = %d, want %d", sig.Conviction, tt.want)
			}
		})
	}
}

func TestApplyAlertHint(t *testing.T) {
	t.Run("matching hint boosts", func(t *testing.T) {
		sig := ApplyAlertHint(Signal{Direction: DirectionBullish, Conviction: 4}, DirectionBullish, "MEDIUM")
		if sig.Conviction != 6 {
			t.Errorf("conviction = %d, want 6", sig.Conviction)
		}
		if !containsReason(sig.Reasons, "confirms") {
			t.Errorf("reasons = %v", sig.Reasons)
		}
	})

	t.Run("conflict penalty with high-confidence bonus", func(t *testing.T) {
		// Bearish internal view, BUY HIGH alert: -2 conflict +1 HIGH.
		sig := ApplyAlertHint(Signal{Direction: DirectionBearish, Conviction: 3}, DirectionBullish, "HIGH")
		if sig.Conviction != 2 {
			t.Errorf("conviction = %d, want 2", sig.Conviction)
		}
		if !containsReason(sig.Reasons, "conflicts") {
			t.Errorf("reasons = %v", sig.Reasons)
		}
	})
}

func TestAssessEquity(t *testing.T) {
	f := EquityFeatures{
		Technicals: indicators.Technicals{
			Price:          150,
			RSI:            28,
			RSIOK:          true,
			VWAP:           149,
			VWAPOK:         true,
			PriceAboveVWAP: true,
		},
		Sentiment:   floatPtr(0.8),
		Fundamental: floatPtr(0.9),
	}

	sig := AssessEquity(f)
	if sig.Direction != DirectionBullish {
		t.Fatalf("direction = %q", sig.Direction)
	}
	// RSI +1.5, VWAP +0.5, sentiment +1.0, fundamental +1.5.
	if sig.BullPoints != 4.5 {
		t.Errorf("bullPoints = %v, want 4.5", sig.BullPoints)
	}
	if !containsReason(sig.Reasons, "sentiment") || !containsReason(sig.Reasons, "fundamental") {
		t.Errorf("reasons = %v", sig.Reasons)
	}
}

func TestAssessEquityIgnoresMissingScores(t *testing.T) {
	f := EquityFeatures{
		Technicals: indicators.Technicals{Price: 150, RSI: 28, RSIOK: true},
	}
	sig := AssessEquity(f)
	if sig.BullPoints != 1.5 {
		t.Errorf("bullPoints = %v, nil scores must contribute nothing", sig.BullPoints)
	}
}
