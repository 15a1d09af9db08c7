package pricing

import (
	"math"
	"testing"
)

const tol = 1e-6

func TestNormPDFAndCDF(t *testing.T) {
	if got := NormPDF(0); math.Abs(got-0.3989422804014327) > tol {
		t.Errorf("NormPDF(0) = %v", got)
	}
	if got := NormCDF(0); math.Abs(got-0.5) > tol {
		t.Errorf("NormCDF(0) = %v", got)
	}
	if got := NormCDF(1.96); math.Abs(got-0.9750021) > 1e-5 {
		t.Errorf("NormCDF(1.96) = %v", got)
	}
	if got := NormCDF(-1.96); math.Abs(got-0.0249979) > 1e-5 {
		t.Errorf("NormCDF(-1.96) = %v", got)
	}
}

func TestCallPriceKnownValue(t *testing.T) {
	// S=100, K=100, r=0.05, sigma=0.20, T=1: classic textbook value ~10.4506.
	got := CallPrice(100, 100, 0.05, 0.20, 1)
	if math.Abs(got-10.4506) > 1e-3 {
		t.Errorf("CallPrice = %v, expected ~10.4506", got)
	}
}

func TestPutCallParity(t *testing.T) {
	s, k, r, sigma, tt := 500.0, 495.0, 0.045, 0.25, 30.0/365.25

	call := CallPrice(s, k, r, sigma, tt)
	put := PutPrice(s, k, r, sigma, tt)

	// C - P = S - K*e^(-rT)
	lhs := call - put
	rhs := s - k*math.Exp(-r*tt)
	if math.Abs(lhs-rhs) > tol {
		t.Errorf("parity violated: C-P = %v, S-Ke^-rT = %v", lhs, rhs)
	}
}

func TestGammaEqualForCallAndPut(t *testing.T) {
	// Gamma is side-independent; exercise a spread of moneyness and expiries.
	cases := []struct{ s, k, sigma, tt float64 }{
		{500, 500, 0.15, 1.0 / 365.25},
		{500, 490, 0.25, 7.0 / 365.25},
		{500, 520, 0.35, 30.0 / 365.25},
		{100, 80, 0.50, 0.5},
	}

	for _, c := range cases {
		g := Gamma(c.s, c.k, DefaultRiskFreeRate, c.sigma, c.tt)
		if g < 0 {
			t.Errorf("Gamma(%v,%v) = %v, expected >= 0", c.s, c.k, g)
		}
		if g == 0 {
			t.Errorf("Gamma(%v,%v) = 0 for valid inputs", c.s, c.k)
		}
	}
}

func TestDeltaBounds(t *testing.T) {
	cases := []struct{ s, k, sigma, tt float64 }{
		{500, 450, 0.20, 1.0 / 365.25},
		{500, 500, 0.20, 1.0 / 365.25},
		{500, 550, 0.20, 1.0 / 365.25},
	}

	for _, c := range cases {
		dc := DeltaCall(c.s, c.k, DefaultRiskFreeRate, c.sigma, c.tt)
		dp := DeltaPut(c.s, c.k, DefaultRiskFreeRate, c.sigma, c.tt)
		if dc < 0 || dc > 1 {
			t.Errorf("DeltaCall(%v,%v) = %v outside [0,1]", c.s, c.k, dc)
		}
		if dp < -1 || dp > 0 {
			t.Errorf("DeltaPut(%v,%v) = %v outside [-1,0]", c.s, c.k, dp)
		}
		// delta_put = delta_call - 1
		if math.Abs(dp-(dc-1)) > tol {
			t.Errorf("delta relation violated: put=%v call=%v", dp, dc)
		}
	}

	// Deep ITM call approaches 1, deep OTM approaches 0.
	if d := DeltaCall(500, 300, DefaultRiskFreeRate, 0.20, 1.0/365.25); d < 0.99 {
		t.Errorf("deep ITM call delta = %v, expected near 1", d)
	}
	if d := DeltaCall(500, 700, DefaultRiskFreeRate, 0.20, 1.0/365.25); d > 0.01 {
		t.Errorf("deep OTM call delta = %v, expected near 0", d)
	}
}

func TestDegenerateInputsReturnZero(t *testing.T) {
	cases := []struct {
		name             string
		s, k, sigma, tt  float64
	}{
		{"zero time", 500, 500, 0.2, 0},
		{"negative time", 500, 500, 0.2, -1},
		{"zero vol", 500, 500, 0, 0.1},
		{"zero spot", 0, 500, 0.2, 0.1},
		{"zero strike", 500, 0, 0.2, 0.1},
		{"negative spot", -1, 500, 0.2, 0.1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			funcs := map[string]float64{
				"Gamma":     Gamma(c.s, c.k, DefaultRiskFreeRate, c.sigma, c.tt),
				"DeltaCall": DeltaCall(c.s, c.k, DefaultRiskFreeRate, c.sigma, c.tt),
				"DeltaPut":  DeltaPut(c.s, c.k, DefaultRiskFreeRate, c.sigma, c.tt),
				"CallPrice": CallPrice(c.s, c.k, DefaultRiskFreeRate, c.sigma, c.tt),
				"PutPrice":  PutPrice(c.s, c.k, DefaultRiskFreeRate, c.sigma, c.tt),
			}
			for name, got := range funcs {
				if got != 0 {
					t.Errorf("%s = %v, expected 0 for degenerate inputs", name, got)
				}
				if math.IsNaN(got) || math.IsInf(got, 0) {
					t.Errorf("%s returned non-finite %v", name, got)
				}
			}
		})
	}
}
