package backtest

import (
	"math/rand"

	"github.com/eddiefleurent/stamford_scalper/internal/models"
)

// Stress modes.
const (
	StressDowntrend  = "downtrend"
	StressVolSpike   = "volatility_spike"
	StressVReversal  = "v_reversal"
	downtrendGrind   = 0.02 // total linear decline over the day
	volSpikeMaxWiden = 0.004
)

// applyStress transforms a day's bars per the selected mode. The input is
// never mutated; unknown or empty modes return it unchanged. Randomized
// modes are deterministic for a given seed.
func applyStress(bars []models.Bar, mode string, seed int64) []models.Bar {
	switch mode {
	case StressDowntrend:
		return stressDowntrend(bars)
	case StressVolSpike:
		return stressVolSpike(bars, seed)
	case StressVReversal:
		return stressVReversal(bars)
	default:
		return bars
	}
}

func scaleBar(b models.Bar, factor float64) models.Bar {
	b.Open *= factor
	b.High *= factor
	b.Low *= factor
	b.Close *= factor
	return b
}

// stressDowntrend grinds the day down linearly by 2% from first bar to last.
func stressDowntrend(bars []models.Bar) []models.Bar {
	n := len(bars)
	out := make([]models.Bar, n)
	for i, b := range bars {
		progress := 0.0
		if n > 1 {
			progress = float64(i) / float64(n-1)
		}
		out[i] = scaleBar(b, 1-downtrendGrind*progress)
	}
	return out
}

// stressVolSpike widens each candle's range by a seeded random factor while
// keeping the close path intact.
func stressVolSpike(bars []models.Bar, seed int64) []models.Bar {
	rng := rand.New(rand.NewSource(seed))
	out := make([]models.Bar, len(bars))
	for i, b := range bars {
		widen := 1 + rng.Float64()*volSpikeMaxWiden
		b.High *= widen
		b.Low /= widen
		out[i] = b
	}
	return out
}

// stressVReversal sells the first half down 2% and recovers it in the
// second half.
func stressVReversal(bars []models.Bar) []models.Bar {
	n := len(bars)
	out := make([]models.Bar, n)
	half := n / 2
	for i, b := range bars {
		var progress float64
		if i < half && half > 0 {
			progress = float64(i) / float64(half)
		} else if n-1-half > 0 {
			progress = float64(n-1-i) / float64(n-1-half)
		}
		out[i] = scaleBar(b, 1-downtrendGrind*progress)
	}
	return out
}
