// Package assess folds multi-source market evidence into a directional
// signal with an integer conviction and a strategy label.
package assess

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/stamford_scalper/internal/gex"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/macro"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
)

// Directions.
const (
	DirectionBullish = "bullish"
	DirectionBearish = "bearish"
)

// Scoring weights, documented once. Each contributor below references these
// rather than scattering magic numbers.
const (
	macroWeight       = 2.0
	gammaRegimeWeight = 2.0
	wallWeight        = 1.5
	flipWeight        = 1.0
	rsiExtremeWeight  = 1.5
	rsiLeanWeight     = 0.5
	macdWeight        = 1.0
	vwapWeight        = 0.5
	bollingerWeight   = 1.0
	volumeWeight      = 0.5
	sigmaMoveWeight   = 1.0
	choppinessPenalty = 0.5

	rsiOversold      = 30.0
	rsiOverbought    = 70.0
	rsiLeanLow       = 40.0
	rsiLeanHigh      = 60.0
	rsiRegimeLow     = 35.0
	rsiRegimeHigh    = 65.0
	momentumTrendPct = 0.15
	wallProximityPct = 0.5
	flipDistancePct  = 1.0
	bandProximityPct = 0.2
	volumeSurge      = 1.5
	bigMoveSigma     = 1.5
	choppinessLimit  = 3.0

	// Swing when dealers are short gamma or realized range is wide.
	swingATRPct = 0.5

	convictionScale = 2.5
)

// Signal is the assessor output consumed by adjudication and sizing.
type Signal struct {
	Direction  string               `json:"direction"`
	Conviction int                  `json:"conviction"`
	Strategy   models.TradeStrategy `json:"strategy"`
	BullPoints float64              `json:"bullPoints"`
	BearPoints float64              `json:"bearPoints"`
	Reasons    []string             `json:"reasons"`
}

// Features is the bundle of evidence for one underlying. GEX and Macro are
// advisory: nil means the feature was unavailable and contributes nothing.
type Features struct {
	Technicals indicators.Technicals
	GEX        *gex.Summary
	Macro      *macro.Assessment
}

// side tags which accumulator a contribution feeds.
type side int

const (
	sideBull side = iota
	sideBear
	sideBoth // penalty applied to both accumulators
)

type contribution struct {
	points float64
	side   side
	reason string
}

type contributor func(Features) []contribution

// contributors run in a fixed order so the reasons list is stable.
var contributors = []contributor{
	macroRegime,
	gammaRegime,
	gammaWalls,
	gammaFlip,
	rsiLevel,
	macdCross,
	vwapSide,
	bollingerTouch,
	volumeConfirmation,
	sigmaMove,
	choppiness,
}

// Assess folds the contributors and derives direction, conviction, and
// strategy. Conviction here is pre-boost; ApplyBoosts re-clips to [1,10].
func Assess(f Features) Signal {
	var sig Signal
	for _, c := range contributors {
		for _, contrib := range c(f) {
			switch contrib.side {
			case sideBull:
				sig.BullPoints += contrib.points
			case sideBear:
				sig.BearPoints += contrib.points
			case sideBoth:
				sig.BullPoints = math.Max(0, sig.BullPoints-contrib.points)
				sig.BearPoints = math.Max(0, sig.BearPoints-contrib.points)
			}
			sig.Reasons = append(sig.Reasons, contrib.reason)
		}
	}

	dominant := sig.BullPoints
	sig.Direction = DirectionBullish
	if sig.BearPoints > sig.BullPoints {
		dominant = sig.BearPoints
		sig.Direction = DirectionBearish
	}

	total := sig.BullPoints + sig.BearPoints
	if total > 0 {
		clarity := dominant / total
		sig.Conviction = clipInt(int(math.Round(dominant*clarity*convictionScale)), 0, 10)
	}

	sig.Strategy = models.StrategyScalp
	if shortGamma(f.GEX) || atrPct(f.Technicals) > swingATRPct {
		sig.Strategy = models.StrategySwing
	}
	return sig
}

// ApplyBoosts adds conviction adjustments from MTF confluence or a squeeze
// signal and re-clips to [1, 10].
func ApplyBoosts(sig Signal, boosts ...int) Signal {
	c := sig.Conviction
	for _, b := range boosts {
		c += b
	}
	sig.Conviction = clipInt(c, 1, 10)
	return sig
}

// ApplyAlertHint folds an external directional hint into the signal:
// a matching hint adds 2, a conflicting one subtracts 2, and HIGH confidence
// adds 1 regardless. Result re-clipped to [1, 10].
func ApplyAlertHint(sig Signal, hintDirection, confidence string) Signal {
	boost := 0
	if hintDirection == sig.Direction {
		boost += 2
		sig.Reasons = append(sig.Reasons,
			fmt.Sprintf("external %s alert confirms internal direction", hintDirection))
	} else {
		boost -= 2
		sig.Reasons = append(sig.Reasons,
			fmt.Sprintf("external %s alert conflicts with internal %s", hintDirection, sig.Direction))
	}
	if confidence == "HIGH" {
		boost++
		sig.Reasons = append(sig.Reasons, "high-confidence alert")
	}
	sig.Conviction = clipInt(sig.Conviction+boost, 1, 10)
	return sig
}

func macroRegime(f Features) []contribution {
	if f.Macro == nil {
		return nil
	}
	switch f.Macro.Regime {
	case macro.RegimeRiskOn:
		return []contribution{{macroWeight, sideBull, "macro RISK_ON"}}
	case macro.RegimeRiskOff:
		return []contribution{{macroWeight, sideBear, "macro RISK_OFF"}}
	}
	return nil
}

// gammaRegime plays mean reversion in long gamma and trend in short gamma.
func gammaRegime(f Features) []contribution {
	if f.GEX == nil {
		return nil
	}
	t := f.Technicals
	switch f.GEX.Regime {
	case gex.RegimeLongGamma:
		if t.RSIOK && t.RSI < rsiRegimeLow {
			return []contribution{{gammaRegimeWeight, sideBull, "long gamma + oversold: mean reversion up"}}
		}
		if t.RSIOK && t.RSI > rsiRegimeHigh {
			return []contribution{{gammaRegimeWeight, sideBear, "long gamma + overbought: mean reversion down"}}
		}
	case gex.RegimeShortGamma:
		if t.Momentum > momentumTrendPct {
			return []contribution{{gammaRegimeWeight, sideBull, "short gamma + upward momentum: trend follow"}}
		}
		if t.Momentum < -momentumTrendPct {
			return []contribution{{gammaRegimeWeight, sideBear, "short gamma + downward momentum: trend follow"}}
		}
	}
	return nil
}

func gammaWalls(f Features) []contribution {
	if f.GEX == nil || f.Technicals.Price <= 0 {
		return nil
	}
	price := f.Technicals.Price
	var out []contribution
	if len(f.GEX.PutWalls) > 0 {
		wall := f.GEX.PutWalls[0].Strike
		if math.Abs(price-wall)/price*100 <= wallProximityPct {
			out = append(out, contribution{wallWeight, sideBull,
				fmt.Sprintf("spot near put wall %.0f (support)", wall)})
		}
	}
	if len(f.GEX.CallWalls) > 0 {
		wall := f.GEX.CallWalls[0].Strike
		if math.Abs(price-wall)/price*100 <= wallProximityPct {
			out = append(out, contribution{wallWeight, sideBear,
				fmt.Sprintf("spot near call wall %.0f (resistance)", wall)})
		}
	}
	return out
}

func gammaFlip(f Features) []contribution {
	if f.GEX == nil || f.GEX.GammaFlip == nil || f.Technicals.Price <= 0 {
		return nil
	}
	price := f.Technicals.Price
	flip := *f.GEX.GammaFlip
	distPct := (price - flip) / price * 100
	if distPct > flipDistancePct {
		return []contribution{{flipWeight, sideBull, fmt.Sprintf("spot above gamma flip %.2f", flip)}}
	}
	if distPct < -flipDistancePct {
		return []contribution{{flipWeight, sideBear, fmt.Sprintf("spot below gamma flip %.2f", flip)}}
	}
	return nil
}

func rsiLevel(f Features) []contribution {
	t := f.Technicals
	if !t.RSIOK {
		return nil
	}
	switch {
	case t.RSI < rsiOversold:
		return []contribution{{rsiExtremeWeight, sideBull, fmt.Sprintf("RSI oversold (%.1f)", t.RSI)}}
	case t.RSI > rsiOverbought:
		return []contribution{{rsiExtremeWeight, sideBear, fmt.Sprintf("RSI overbought (%.1f)", t.RSI)}}
	case t.RSI < rsiLeanLow:
		return []contribution{{rsiLeanWeight, sideBull, fmt.Sprintf("RSI leaning oversold (%.1f)", t.RSI)}}
	case t.RSI > rsiLeanHigh:
		return []contribution{{rsiLeanWeight, sideBear, fmt.Sprintf("RSI leaning overbought (%.1f)", t.RSI)}}
	}
	return nil
}

func macdCross(f Features) []contribution {
	t := f.Technicals
	if !t.MACDOK {
		return nil
	}
	if t.MACD.MACD > t.MACD.Signal && t.MACD.Histogram > 0 {
		return []contribution{{macdWeight, sideBull, "MACD bullish crossover"}}
	}
	if t.MACD.MACD < t.MACD.Signal && t.MACD.Histogram < 0 {
		return []contribution{{macdWeight, sideBear, "MACD bearish crossover"}}
	}
	return nil
}

func vwapSide(f Features) []contribution {
	t := f.Technicals
	if !t.VWAPOK {
		return nil
	}
	if t.PriceAboveVWAP {
		return []contribution{{vwapWeight, sideBull, "price above VWAP"}}
	}
	return []contribution{{vwapWeight, sideBear, "price below VWAP"}}
}

func bollingerTouch(f Features) []contribution {
	t := f.Technicals
	if !t.BollingerOK || t.Price <= 0 {
		return nil
	}
	if math.Abs(t.Price-t.Bollinger.Lower)/t.Price*100 <= bandProximityPct {
		return []contribution{{bollingerWeight, sideBull, "at lower Bollinger band"}}
	}
	if math.Abs(t.Price-t.Bollinger.Upper)/t.Price*100 <= bandProximityPct {
		return []contribution{{bollingerWeight, sideBear, "at upper Bollinger band"}}
	}
	return nil
}

func volumeConfirmation(f Features) []contribution {
	t := f.Technicals
	if t.VolumeTrend <= volumeSurge || t.Momentum == 0 {
		return nil
	}
	if t.Momentum > 0 {
		return []contribution{{volumeWeight, sideBull, "volume surge confirms upward momentum"}}
	}
	return []contribution{{volumeWeight, sideBear, "volume surge confirms downward momentum"}}
}

func sigmaMove(f Features) []contribution {
	t := f.Technicals
	if math.Abs(t.TodayMoveSigma) < bigMoveSigma || t.Momentum == 0 {
		return nil
	}
	if t.Momentum > 0 {
		return []contribution{{sigmaMoveWeight, sideBull,
			fmt.Sprintf("%.1f-sigma day with upward momentum", t.TodayMoveSigma)}}
	}
	return []contribution{{sigmaMoveWeight, sideBear,
		fmt.Sprintf("%.1f-sigma day with downward momentum", t.TodayMoveSigma)}}
}

func choppiness(f Features) []contribution {
	if f.Technicals.Choppiness > choppinessLimit {
		return []contribution{{choppinessPenalty, sideBoth, "choppy tape: confidence reduced"}}
	}
	return nil
}

func shortGamma(s *gex.Summary) bool {
	return s != nil && s.Regime == gex.RegimeShortGamma
}

func atrPct(t indicators.Technicals) float64 {
	if !t.ATROK || t.Price <= 0 {
		return 0
	}
	return t.ATR / t.Price * 100
}

func clipInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
