// Package mtf computes 9/20 EMA alignment across a ladder of timeframes and
// folds the per-timeframe calls into a consensus with a conviction boost.
package mtf

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
)

// Per-timeframe classifications.
const (
	TrendBullish     = "bullish"
	TrendLeanBullish = "lean_bullish"
	TrendNeutral     = "neutral"
	TrendLeanBearish = "lean_bearish"
	TrendBearish     = "bearish"
)

// Consensus labels.
const (
	ConsensusStrongBullish = "strong_bullish"
	ConsensusBullish       = "bullish"
	ConsensusNeutral       = "neutral"
	ConsensusBearish       = "bearish"
	ConsensusStrongBearish = "strong_bearish"
)

const (
	fastPeriod = 9
	slowPeriod = 20
	// minBars is what the slow EMA needs plus a couple of smoothing samples.
	minBars = 22
)

// timeframeSpec describes how to obtain one rung of the ladder: a base
// gateway timeframe plus an aggregation factor.
type timeframeSpec struct {
	label  string
	base   string // gateway timeframe, "" means daily history
	factor int    // how many base bars per ladder bar
}

// The ladder, fastest first.
var ladder = []timeframeSpec{
	{label: "2m", base: "1min", factor: 2},
	{label: "5m", base: "5min", factor: 1},
	{label: "15m", base: "15min", factor: 1},
	{label: "30m", base: "15min", factor: 2},
	{label: "1h", base: "15min", factor: 4},
	{label: "4h", base: "15min", factor: 16},
	{label: "1D", base: "", factor: 1},
}

// TimeframeResult is one rung's classification.
type TimeframeResult struct {
	Timeframe string  `json:"timeframe"`
	Trend     string  `json:"trend"`
	Price     float64 `json:"price"`
	FastEMA   float64 `json:"fastEma"`
	SlowEMA   float64 `json:"slowEma"`
}

// Consensus is the cross-timeframe fold.
type Consensus struct {
	Timeframes      []TimeframeResult `json:"timeframes"`
	Score           float64           `json:"score"` // [-1, 1]
	Label           string            `json:"label"`
	ConvictionBoost int               `json:"convictionBoost"`
}

// Analyzer fetches the ladder and classifies each timeframe.
type Analyzer struct {
	gateway broker.Gateway
}

// NewAnalyzer creates an MTF analyzer over the gateway.
func NewAnalyzer(gateway broker.Gateway) *Analyzer {
	return &Analyzer{gateway: gateway}
}

// Analyze fetches each timeframe in parallel and folds the classifications.
// Rungs that fail or lack bars are skipped; nil is returned only when no
// timeframe could be classified.
func (a *Analyzer) Analyze(ctx context.Context, ticker string) *Consensus {
	results := make([]*TimeframeResult, len(ladder))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range ladder {
		i, spec := i, spec
		g.Go(func() error {
			bars, err := a.fetch(gctx, ticker, spec)
			if err != nil {
				log.Printf("[MTF] %s %s fetch failed: %v", ticker, spec.label, err)
				return nil // optional feature: skip, never abort siblings
			}
			if r := Classify(spec.label, bars); r != nil {
				mu.Lock()
				results[i] = r
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	classified := make([]TimeframeResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			classified = append(classified, *r)
		}
	}
	if len(classified) == 0 {
		return nil
	}
	return Fold(classified)
}

func (a *Analyzer) fetch(ctx context.Context, ticker string, spec timeframeSpec) ([]models.Bar, error) {
	if spec.base == "" {
		return a.gateway.GetHistory(ctx, ticker, minBars*2)
	}
	bars, err := a.gateway.GetIntradayBars(ctx, ticker, spec.base, minBars*spec.factor+spec.factor)
	if err != nil {
		return nil, err
	}
	if spec.factor > 1 {
		bars = Resample(bars, spec.factor)
	}
	return bars, nil
}

// Resample aggregates consecutive groups of factor bars into one, aligned to
// the end of the series so the latest bar is always complete history.
func Resample(bars []models.Bar, factor int) []models.Bar {
	if factor <= 1 || len(bars) == 0 {
		return bars
	}
	// Drop the oldest remainder so groups align with the newest data.
	if rem := len(bars) % factor; rem != 0 {
		bars = bars[rem:]
	}

	out := make([]models.Bar, 0, len(bars)/factor)
	for i := 0; i+factor <= len(bars); i += factor {
		group := bars[i : i+factor]
		agg := models.Bar{
			Timestamp: group[0].Timestamp,
			Open:      group[0].Open,
			High:      group[0].High,
			Low:       group[0].Low,
			Close:     group[len(group)-1].Close,
		}
		for _, b := range group {
			if b.High > agg.High {
				agg.High = b.High
			}
			if b.Low < agg.Low {
				agg.Low = b.Low
			}
			agg.Volume += b.Volume
		}
		out = append(out, agg)
	}
	return out
}

// Classify labels one timeframe from its bars. Returns nil when fewer than
// 22 bars are available.
func Classify(timeframe string, bars []models.Bar) *TimeframeResult {
	if len(bars) < minBars {
		return nil
	}
	closes := models.Closes(bars)
	price := closes[len(closes)-1]

	fast, okFast := indicators.EMA(closes, fastPeriod)
	slow, okSlow := indicators.EMA(closes, slowPeriod)
	if !okFast || !okSlow {
		return nil
	}

	result := &TimeframeResult{
		Timeframe: timeframe,
		Price:     price,
		FastEMA:   fast,
		SlowEMA:   slow,
	}

	switch {
	case price > fast && price > slow && fast > slow:
		result.Trend = TrendBullish
	case price < fast && price < slow && fast < slow:
		result.Trend = TrendBearish
	case price > fast && price > slow:
		result.Trend = TrendLeanBullish
	case price < fast && price < slow:
		result.Trend = TrendLeanBearish
	default:
		result.Trend = TrendNeutral
	}
	return result
}

// Fold computes the confluence score and conviction boost from classified
// timeframes. Weights: full trend 1.0, lean 0.5.
func Fold(timeframes []TimeframeResult) *Consensus {
	n := len(timeframes)
	if n == 0 {
		return nil
	}

	bull, bear := 0.0, 0.0
	for _, tf := range timeframes {
		switch tf.Trend {
		case TrendBullish:
			bull += 1.0
		case TrendLeanBullish:
			bull += 0.5
		case TrendBearish:
			bear += 1.0
		case TrendLeanBearish:
			bear += 0.5
		}
	}

	score := (bull - bear) / float64(n)
	c := &Consensus{Timeframes: timeframes, Score: score}

	switch {
	case score >= 0.7:
		c.Label = ConsensusStrongBullish
	case score >= 0.3:
		c.Label = ConsensusBullish
	case score <= -0.7:
		c.Label = ConsensusStrongBearish
	case score <= -0.3:
		c.Label = ConsensusBearish
	default:
		c.Label = ConsensusNeutral
	}

	abs := score
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 0.7:
		c.ConvictionBoost = 2
	case abs >= 0.5:
		c.ConvictionBoost = 1
	case abs < 0.2 && n >= 4:
		// Broad disagreement across many timeframes argues against the trade.
		c.ConvictionBoost = -1
	}
	return c
}
