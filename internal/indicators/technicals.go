package indicators

import (
	"math"

	"github.com/eddiefleurent/stamford_scalper/internal/models"
)

const (
	// MinSnapshotBars is the minimum number of intraday bars a scan needs
	// before a snapshot is worth computing.
	MinSnapshotBars = 10

	momentumLookback    = 5
	choppinessLookback  = 10
	volumeTrendLookback = 20
	supportLookback     = 30
)

// Technicals is the per-scan indicator bundle fed to the direction assessor.
// Each *OK flag reports whether the corresponding value could be computed
// from the available samples.
type Technicals struct {
	Price float64 `json:"price"`

	RSI   float64 `json:"rsi"`
	RSIOK bool    `json:"rsiOk"`

	MACD   MACDResult `json:"macd"`
	MACDOK bool       `json:"macdOk"`

	Bollinger   BollingerBands `json:"bollinger"`
	BollingerOK bool           `json:"bollingerOk"`

	ATR   float64 `json:"atr"`
	ATROK bool    `json:"atrOk"`

	VWAP          float64 `json:"vwap"`
	VWAPOK        bool    `json:"vwapOk"`
	PriceAboveVWAP bool   `json:"priceAboveVwap"`

	// Momentum is the percent change over the last 5 bars.
	Momentum float64 `json:"momentum"`

	// VolumeTrend is the last bar's volume relative to the average of the
	// preceding bars (1.0 = average).
	VolumeTrend float64 `json:"volumeTrend"`

	NearestSupport    float64 `json:"nearestSupport"`
	NearestResistance float64 `json:"nearestResistance"`

	// DailySigma is the standard deviation of daily close-to-close percent
	// returns; TodayMoveSigma expresses today's move in those units.
	DailySigma     float64 `json:"dailySigma"`
	TodayMoveSigma float64 `json:"todayMoveSigma"`

	// Choppiness counts close-to-close direction flips over the last 10
	// bars. Above ~3 the tape is considered directionless.
	Choppiness float64 `json:"choppiness"`
}

// BuildTechnicals computes the snapshot from the session's intraday bars and
// an optional daily history (used for sigma context; may be nil). Returns
// false when there are too few intraday bars to assess anything.
func BuildTechnicals(intraday, daily []models.Bar) (Technicals, bool) {
	if len(intraday) < MinSnapshotBars {
		return Technicals{}, false
	}

	closes := models.Closes(intraday)
	price := closes[len(closes)-1]

	t := Technicals{Price: price}

	t.RSI, t.RSIOK = RSI(closes, RSIPeriod)
	t.MACD, t.MACDOK = MACD(closes)
	t.Bollinger, t.BollingerOK = Bollinger(closes, BollingerPeriod, BollingerStdDev)
	t.ATR, t.ATROK = ATR(intraday, ATRPeriod)

	t.VWAP, t.VWAPOK = VWAP(intraday)
	t.PriceAboveVWAP = t.VWAPOK && price > t.VWAP

	t.Momentum = percentChange(closes, momentumLookback)
	t.VolumeTrend = volumeTrend(intraday)
	t.NearestSupport, t.NearestResistance = supportResistance(intraday)
	t.Choppiness = choppiness(closes)

	t.DailySigma = dailySigma(daily)
	if t.DailySigma > 0 && len(daily) > 0 {
		prevClose := daily[len(daily)-1].Close
		if prevClose > 0 {
			todayMove := (price - prevClose) / prevClose * 100
			t.TodayMoveSigma = todayMove / t.DailySigma
		}
	}

	return t, true
}

// percentChange returns the percent change of the last close versus the
// close lookback bars earlier.
func percentChange(closes []float64, lookback int) float64 {
	if len(closes) < lookback+1 {
		return 0
	}
	base := closes[len(closes)-1-lookback]
	if base == 0 {
		return 0
	}
	return (closes[len(closes)-1] - base) / base * 100
}

// volumeTrend compares the last bar's volume to the average of the preceding
// window. Returns 1.0 when there is no history to compare against.
func volumeTrend(bars []models.Bar) float64 {
	if len(bars) < 2 {
		return 1.0
	}
	start := len(bars) - 1 - volumeTrendLookback
	if start < 0 {
		start = 0
	}
	prior := bars[start : len(bars)-1]

	sum := 0.0
	for _, b := range prior {
		sum += float64(b.Volume)
	}
	avg := sum / float64(len(prior))
	if avg == 0 {
		return 1.0
	}
	return float64(bars[len(bars)-1].Volume) / avg
}

// supportResistance returns the lowest low and highest high of the recent
// window.
func supportResistance(bars []models.Bar) (support, resistance float64) {
	start := len(bars) - supportLookback
	if start < 0 {
		start = 0
	}
	window := bars[start:]

	support = window[0].Low
	resistance = window[0].High
	for _, b := range window[1:] {
		support = math.Min(support, b.Low)
		resistance = math.Max(resistance, b.High)
	}
	return support, resistance
}

// choppiness counts direction flips in close-to-close moves over the last
// choppinessLookback bars.
func choppiness(closes []float64) float64 {
	start := len(closes) - choppinessLookback - 1
	if start < 0 {
		start = 0
	}
	window := closes[start:]
	if len(window) < 3 {
		return 0
	}

	flips := 0
	prevDir := 0
	for i := 1; i < len(window); i++ {
		dir := 0
		if window[i] > window[i-1] {
			dir = 1
		} else if window[i] < window[i-1] {
			dir = -1
		}
		if dir != 0 && prevDir != 0 && dir != prevDir {
			flips++
		}
		if dir != 0 {
			prevDir = dir
		}
	}
	return float64(flips)
}

// dailySigma is the standard deviation of daily close-to-close percent
// returns. Needs at least 10 daily bars; returns 0 otherwise.
func dailySigma(daily []models.Bar) float64 {
	if len(daily) < 10 {
		return 0
	}

	returns := make([]float64, 0, len(daily)-1)
	for i := 1; i < len(daily); i++ {
		prev := daily[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (daily[i].Close-prev)/prev*100)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(returns)-1))
}
