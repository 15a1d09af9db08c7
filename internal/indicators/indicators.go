// Package indicators implements the technical indicators used by the
// direction assessor. All functions are pure, operate on series ordered
// oldest to newest, and report availability through a second return value
// instead of sentinel numbers.
package indicators

import (
	"math"

	"github.com/eddiefleurent/stamford_scalper/internal/models"
)

// Standard periods. Documented here once; callers do not override them
// except through the explicit period parameters.
const (
	RSIPeriod        = 14
	MACDFastPeriod   = 12
	MACDSlowPeriod   = 26
	MACDSignalPeriod = 9
	BollingerPeriod  = 20
	BollingerStdDev  = 2.0
	ATRPeriod        = 14
)

// MACDResult bundles the MACD line, its signal line, and the histogram.
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerBands bundles the three bands plus the relative band width.
type BollingerBands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"`
}

// SMA returns the simple moving average of the last period samples.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMA returns the exponential moving average of the series, seeded with the
// SMA of the first period samples and smoothed with multiplier 2/(period+1).
func EMA(values []float64, period int) (float64, bool) {
	series, ok := EMASeries(values, period)
	if !ok {
		return 0, false
	}
	return series[len(series)-1], true
}

// EMASeries returns the full EMA series starting at the seed point. The
// returned slice has len(values)-period+1 entries; element 0 is the seed SMA.
func EMASeries(values []float64, period int) ([]float64, bool) {
	if period <= 0 || len(values) < period {
		return nil, false
	}

	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	multiplier := 2.0 / (float64(period) + 1.0)
	series := make([]float64, 0, len(values)-period+1)
	series = append(series, seed)

	ema := seed
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
		series = append(series, ema)
	}
	return series, true
}

// RSI computes the relative strength index with Wilder's smoothing.
// Returns 100 when the average loss is zero.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// MACD computes the 12/26 MACD line with a 9-period signal.
func MACD(values []float64) (MACDResult, bool) {
	if len(values) < MACDSlowPeriod+MACDSignalPeriod-1 {
		return MACDResult{}, false
	}

	fast, okFast := EMASeries(values, MACDFastPeriod)
	slow, okSlow := EMASeries(values, MACDSlowPeriod)
	if !okFast || !okSlow {
		return MACDResult{}, false
	}

	// Align: the slow series starts MACDSlowPeriod-MACDFastPeriod samples
	// after the fast one.
	offset := MACDSlowPeriod - MACDFastPeriod
	macdLine := make([]float64, len(slow))
	for i := range slow {
		macdLine[i] = fast[i+offset] - slow[i]
	}

	signal, ok := EMASeries(macdLine, MACDSignalPeriod)
	if !ok {
		return MACDResult{}, false
	}

	macd := macdLine[len(macdLine)-1]
	sig := signal[len(signal)-1]
	return MACDResult{MACD: macd, Signal: sig, Histogram: macd - sig}, true
}

// Bollinger computes 20-period bands at 2 standard deviations plus the
// relative band width (upper-lower)/middle.
func Bollinger(values []float64, period int, stdDevs float64) (BollingerBands, bool) {
	middle, ok := SMA(values, period)
	if !ok {
		return BollingerBands{}, false
	}

	variance := 0.0
	for _, v := range values[len(values)-period:] {
		d := v - middle
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))

	bands := BollingerBands{
		Upper:  middle + stdDevs*sd,
		Middle: middle,
		Lower:  middle - stdDevs*sd,
	}
	if middle != 0 {
		bands.Width = (bands.Upper - bands.Lower) / middle
	}
	return bands, true
}

// ATR computes the average true range with Wilder's smoothing.
func ATR(bars []models.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}

	trueRanges := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		highLow := bars[i].High - bars[i].Low
		highClose := math.Abs(bars[i].High - bars[i-1].Close)
		lowClose := math.Abs(bars[i].Low - bars[i-1].Close)
		trueRanges = append(trueRanges, math.Max(highLow, math.Max(highClose, lowClose)))
	}

	atr := 0.0
	for _, tr := range trueRanges[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trueRanges[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// VWAP computes the cumulative volume-weighted average price across the
// session's bars using the typical price (H+L+C)/3.
func VWAP(bars []models.Bar) (float64, bool) {
	var priceVolume, volume float64
	for _, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		priceVolume += typical * float64(b.Volume)
		volume += float64(b.Volume)
	}
	if volume == 0 {
		return 0, false
	}
	return priceVolume / volume, true
}
