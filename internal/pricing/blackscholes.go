// Package pricing implements the Black-Scholes closed forms used for option
// valuation and greeks estimation.
package pricing

import "math"

// DefaultRiskFreeRate is the annualized risk-free rate assumed when callers
// do not supply one.
const DefaultRiskFreeRate = 0.045

const invSqrt2Pi = 0.3989422804014327 // 1/sqrt(2*pi)

// NormPDF is the standard normal probability density function.
func NormPDF(x float64) float64 {
	return invSqrt2Pi * math.Exp(-0.5*x*x)
}

// NormCDF is the standard normal cumulative distribution function.
func NormCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// d1 for spot S, strike K, rate r, volatility sigma, and T years to expiry.
// Inputs must already be validated positive.
func d1(s, k, r, sigma, t float64) float64 {
	return (math.Log(s/k) + (r+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
}

// validInputs guards every exported function: degenerate inputs produce a
// zero result instead of NaN or Inf.
func validInputs(s, k, sigma, t float64) bool {
	return s > 0 && k > 0 && sigma > 0 && t > 0
}

// Gamma returns the Black-Scholes gamma, identical for calls and puts.
func Gamma(s, k, r, sigma, t float64) float64 {
	if !validInputs(s, k, sigma, t) {
		return 0
	}
	return NormPDF(d1(s, k, r, sigma, t)) / (s * sigma * math.Sqrt(t))
}

// DeltaCall returns the call delta, in [0, 1].
func DeltaCall(s, k, r, sigma, t float64) float64 {
	if !validInputs(s, k, sigma, t) {
		return 0
	}
	return NormCDF(d1(s, k, r, sigma, t))
}

// DeltaPut returns the put delta, in [-1, 0].
func DeltaPut(s, k, r, sigma, t float64) float64 {
	if !validInputs(s, k, sigma, t) {
		return 0
	}
	return NormCDF(d1(s, k, r, sigma, t)) - 1
}

// CallPrice returns the Black-Scholes price of a European call.
func CallPrice(s, k, r, sigma, t float64) float64 {
	if !validInputs(s, k, sigma, t) {
		return 0
	}
	dOne := d1(s, k, r, sigma, t)
	dTwo := dOne - sigma*math.Sqrt(t)
	return s*NormCDF(dOne) - k*math.Exp(-r*t)*NormCDF(dTwo)
}

// PutPrice returns the Black-Scholes price of a European put via parity.
func PutPrice(s, k, r, sigma, t float64) float64 {
	if !validInputs(s, k, sigma, t) {
		return 0
	}
	return CallPrice(s, k, r, sigma, t) - s + k*math.Exp(-r*t)
}

// Price returns the call or put price depending on isCall.
func Price(isCall bool, s, k, r, sigma, t float64) float64 {
	if isCall {
		return CallPrice(s, k, r, sigma, t)
	}
	return PutPrice(s, k, r, sigma, t)
}
