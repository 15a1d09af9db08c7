package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/eddiefleurent/stamford_scalper/internal/assess"
	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/policy"
	"github.com/eddiefleurent/stamford_scalper/internal/util"
)

const (
	// Delta-window widening brackets as the close approaches.
	lateWindowMinutes  = 120
	finalWindowMinutes = 60
	lateWiden          = 0.05
	finalWiden         = 0.10
	deltaFloor         = 0.05
	deltaCeil          = 0.90

	// Liquidity relaxation when nothing clears the configured OI floor.
	relaxedOpenInterest = 100

	// Spread cap relaxation when delta had to be estimated.
	estimatedSpreadFloor = 0.20
)

// Candidate is a selected contract plus its selection diagnostics.
type Candidate struct {
	Contract       broker.OptionContract
	Delta          float64
	DeltaEstimated bool
	Score          float64
	SpreadPct      float64
}

// DeltaWindow returns the [lo, hi] |delta| bounds for the given minutes to
// close. The window only ever widens as time shrinks.
func DeltaWindow(minutesToClose int, cfg policy.Config) (float64, float64) {
	lo, hi := cfg.OptionsMinDelta, cfg.OptionsMaxDelta
	switch {
	case minutesToClose < finalWindowMinutes:
		lo, hi = lo-finalWiden, hi+finalWiden
	case minutesToClose <= lateWindowMinutes:
		lo, hi = lo-lateWiden, hi+lateWiden
	}
	return util.Clamp(lo, deltaFloor, deltaCeil), util.Clamp(hi, deltaFloor, deltaCeil)
}

// estimateDelta approximates |delta| from moneyness when the chain carries
// no greeks: an ATM contract sits near 0.50 and loses roughly 10 delta per
// percent out of the money.
func estimateDelta(spot, strike float64, optionType string) float64 {
	if spot <= 0 || strike <= 0 {
		return 0
	}
	var pctOTM float64
	if optionType == "call" {
		pctOTM = (strike - spot) / spot
	} else {
		pctOTM = (spot - strike) / spot
	}
	return util.Clamp(0.50-10*pctOTM, 0.02, 0.95)
}

// scoreContract implements the liquidity/delta quality score.
func scoreContract(spreadPct, absDelta float64, openInterest, volume int64) float64 {
	var score float64

	switch {
	case spreadPct < 0.05:
		score += 3
	case spreadPct < 0.10:
		score += 2
	case spreadPct < 0.15:
		score += 1
	}

	switch {
	case absDelta >= 0.35 && absDelta <= 0.45:
		score += 2
	case absDelta >= 0.30 && absDelta <= 0.50:
		score += 1
	}

	switch {
	case openInterest > 1000:
		score += 2
	case openInterest > 500:
		score += 1
	case openInterest > 100:
		score += 0.5
	}

	switch {
	case volume > 100:
		score += 1
	case volume > 10:
		score += 0.5
	}

	return score
}

// SelectContract picks the best 0DTE contract for the direction from the
// chain. The chain must already be filtered to the target expiration.
func SelectContract(
	chain []broker.OptionContract,
	direction string,
	spot float64,
	minutesToClose int,
	cfg policy.Config,
) (*Candidate, error) {
	wantType := "call"
	if direction == assess.DirectionBearish {
		wantType = "put"
	}

	lo, hi := DeltaWindow(minutesToClose, cfg)

	build := func(minOI int64) []Candidate {
		var out []Candidate
		for _, c := range chain {
			if c.Type != wantType {
				continue
			}
			if c.Quote.Bid <= 0 || c.Quote.Ask <= 0 {
				continue
			}
			if c.OpenInterest < minOI {
				continue
			}
			delta := math.Abs(c.Greeks.Delta)
			estimated := false
			if delta == 0 {
				delta = estimateDelta(spot, c.Strike, wantType)
				estimated = true
			}
			if delta < lo || delta > hi {
				continue
			}
			spread := c.SpreadPct()
			out = append(out, Candidate{
				Contract:       c,
				Delta:          delta,
				DeltaEstimated: estimated,
				Score:          scoreContract(spread, delta, c.OpenInterest, c.Volume),
				SpreadPct:      spread,
			})
		}
		return out
	}

	candidates := build(int64(cfg.OptionsMinOpenInterest))
	if len(candidates) == 0 {
		// Thin chain: relax the liquidity floor before giving up.
		candidates = build(relaxedOpenInterest)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no %s within delta window [%.2f, %.2f]", wantType, lo, hi)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].SpreadPct < candidates[j].SpreadPct
	})
	best := candidates[0]

	maxSpread := cfg.OptionsMaxSpreadPct
	if best.DeltaEstimated {
		maxSpread = math.Max(maxSpread, estimatedSpreadFloor)
	}
	if best.SpreadPct > maxSpread {
		return nil, fmt.Errorf("best %s spread %.1f%% exceeds cap %.1f%%",
			wantType, best.SpreadPct*100, maxSpread*100)
	}
	return &best, nil
}
