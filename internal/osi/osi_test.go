package osi

import (
	"math"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		symbol     string
		underlying string
		expiration string
		optType    string
		strike     float64
	}{
		{
			name:       "SPY call",
			symbol:     "SPY260212C00500000",
			underlying: "SPY",
			expiration: "2026-02-12",
			optType:    TypeCall,
			strike:     500,
		},
		{
			name:       "QQQ put",
			symbol:     "QQQ260320P00435000",
			underlying: "QQQ",
			expiration: "2026-03-20",
			optType:    TypePut,
			strike:     435,
		},
		{
			name:       "single char root",
			symbol:     "F251219C00012500",
			underlying: "F",
			expiration: "2025-12-19",
			optType:    TypeCall,
			strike:     12.5,
		},
		{
			name:       "fractional strike",
			symbol:     "IWM260102P00219500",
			underlying: "IWM",
			expiration: "2026-01-02",
			optType:    TypePut,
			strike:     219.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Parse(tt.symbol)
			if c.Underlying != tt.underlying {
				t.Errorf("underlying = %q, expected %q", c.Underlying, tt.underlying)
			}
			if c.Expiration != tt.expiration {
				t.Errorf("expiration = %q, expected %q", c.Expiration, tt.expiration)
			}
			if c.Type != tt.optType {
				t.Errorf("type = %q, expected %q", c.Type, tt.optType)
			}
			if math.Abs(c.Strike-tt.strike) > 1e-9 {
				t.Errorf("strike = %v, expected %v", c.Strike, tt.strike)
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	malformed := []string{
		"",
		"SPY",
		"SPY260212X00500000",        // bad type code
		"spy260212C00500000",        // lowercase root
		"SPY260212C0050000",         // 7-digit strike
		"TOOLONGG260212C00500000",   // 8-char root
		"SPY2602C00500000",          // truncated date
		"SPY260212C005000001",      // 9-digit strike
	}

	for _, symbol := range malformed {
		c := Parse(symbol)
		if c.Type != TypeUnknown {
			t.Errorf("Parse(%q).Type = %q, expected %q", symbol, c.Type, TypeUnknown)
		}
		if c.Strike != 0 || c.Underlying != "" {
			t.Errorf("Parse(%q) = %+v, expected zero contract", symbol, c)
		}
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	symbols := []string{
		"SPY260212C00500000",
		"SPY260212P00498000",
		"QQQ251231C00435500",
		"IWM260102P00219500",
		"A260612C00150000",
		"GOOGL260918P00175000",
	}

	for _, symbol := range symbols {
		c := Parse(symbol)
		if c.Type == TypeUnknown {
			t.Fatalf("Parse(%q) unexpectedly failed", symbol)
		}
		if rebuilt := c.Symbol(); rebuilt != symbol {
			t.Errorf("round trip: Parse(%q).Symbol() = %q", symbol, rebuilt)
		}
	}
}

func TestBuild(t *testing.T) {
	expiration := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)

	if got := Build("SPY", expiration, TypeCall, 500); got != "SPY260212C00500000" {
		t.Errorf("Build call = %q", got)
	}
	if got := Build("spy", expiration, "P", 498.5); got != "SPY260212P00498500" {
		t.Errorf("Build put = %q", got)
	}
}

func TestSymbolOnUnknownContract(t *testing.T) {
	c := Contract{Type: TypeUnknown}
	if got := c.Symbol(); got != "" {
		t.Errorf("Symbol on unknown contract = %q, expected empty", got)
	}
}

func TestExpirationTime(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("failed to load timezone: %v", err)
	}

	c := Parse("SPY260212C00500000")
	exp := c.ExpirationTime(ny)
	if exp.Year() != 2026 || exp.Month() != time.February || exp.Day() != 12 {
		t.Errorf("ExpirationTime = %v", exp)
	}
	if exp.Location() != ny {
		t.Errorf("ExpirationTime location = %v, expected %v", exp.Location(), ny)
	}

	bad := Contract{Type: TypeCall, Expiration: "garbage"}
	if !bad.ExpirationTime(nil).IsZero() {
		t.Error("expected zero time for malformed expiration")
	}
}
