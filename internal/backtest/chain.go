package backtest

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/pricing"
)

const (
	// Strikes synthesized per side around the rounded spot, $1 apart.
	strikesPerSide = 10

	// Liquidity decays away from the money; these anchor the scorer's OI
	// and volume brackets so ATM contracts win on liquidity as they do live.
	atmOpenInterest = 5000
	atmVolume       = 800
	liquidityDecay  = 400

	minutesPerYear = 365.25 * 24 * 60

	// Floor BS time at one minute so the final bars keep a usable price.
	minPricingMinutes = 1
)

// impliedVol applies the linear smile: base IV plus skew per dollar of
// distance from spot.
func (h *Harness) impliedVol(strike, spot float64) float64 {
	return h.cfg.IVBase + h.cfg.IVSkew*math.Abs(strike-spot)
}

// optionValue is the Black-Scholes mid with intrinsic as a floor, so deep
// ITM contracts never price below parity as T approaches zero.
func optionValue(isCall bool, spot, strike, rate, iv float64, minutesToClose int) float64 {
	minutes := minutesToClose
	if minutes < minPricingMinutes {
		minutes = minPricingMinutes
	}
	t := float64(minutes) / minutesPerYear

	value := pricing.Price(isCall, spot, strike, rate, iv, t)
	intrinsic := spot - strike
	if !isCall {
		intrinsic = strike - spot
	}
	if intrinsic > value {
		value = intrinsic
	}
	return value
}

// syntheticChain builds a same-day chain around the spot: BS mids with the
// smile, a fixed proportional spread, and liquidity decaying with distance
// from the money. Fully deterministic.
func (h *Harness) syntheticChain(spot float64, minutesToClose int) []broker.OptionContract {
	atm := math.Round(spot)
	chain := make([]broker.OptionContract, 0, strikesPerSide*4+2)

	for i := -strikesPerSide; i <= strikesPerSide; i++ {
		strike := atm + float64(i)
		if strike <= 0 {
			continue
		}
		iv := h.impliedVol(strike, spot)
		distance := math.Abs(strike - spot)

		oi := int64(atmOpenInterest - liquidityDecay*distance)
		if oi < 50 {
			oi = 50
		}
		volume := int64(atmVolume - 60*distance)
		if volume < 5 {
			volume = 5
		}

		for _, optType := range []string{"call", "put"} {
			isCall := optType == "call"
			mid := optionValue(isCall, spot, strike, h.cfg.RiskFreeRate, iv, minutesToClose)
			if mid < 0.01 {
				continue
			}
			half := mid * h.cfg.SpreadPct / 2
			delta := pricing.DeltaCall(spot, strike, h.cfg.RiskFreeRate, iv,
				float64(maxInt(minutesToClose, minPricingMinutes))/minutesPerYear)
			if !isCall {
				delta -= 1
			}
			chain = append(chain, broker.OptionContract{
				Symbol:       syntheticSymbol(h.cfg.Symbol, optType, strike),
				Underlying:   h.cfg.Symbol,
				Strike:       strike,
				Type:         optType,
				IV:           iv,
				OpenInterest: oi,
				Volume:       volume,
				Greeks:       broker.Greeks{Delta: delta},
				Quote: broker.Quote{
					Bid: math.Max(0.01, mid-half),
					Ask: mid + half,
				},
			})
		}
	}
	return chain
}

func syntheticSymbol(underlying, optType string, strike float64) string {
	side := "C"
	if optType == "put" {
		side = "P"
	}
	return fmt.Sprintf("%s-%s%d", underlying, side, int(strike))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
