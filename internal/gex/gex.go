// Package gex computes dealer gamma exposure from an options chain: per-strike
// rows, the regime label, call/put walls, and the gamma-flip strike.
package gex

import (
	"log"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/pricing"
	"github.com/eddiefleurent/stamford_scalper/internal/util"
)

// Regime labels.
const (
	RegimeLongGamma  = "Long Gamma"
	RegimeShortGamma = "Short Gamma"
	RegimeUnknown    = "Unknown"
)

const (
	// Strikes outside ±15% of spot carry no useful dealer positioning.
	strikeFilterPct = 0.15

	// DefaultReferenceScale normalizes total net GEX into a confidence.
	// $1B of net exposure maps to full confidence.
	DefaultReferenceScale = 1e9

	defaultTopWalls = 3

	// A wall is "stacked" when an adjacent strike also clears this fraction
	// of the side's largest wall.
	stackedFraction = 0.5

	yearMs = 365.25 * 24 * float64(time.Hour/time.Millisecond)
)

// StrikeRow aggregates dealer gamma exposure at one strike.
type StrikeRow struct {
	Strike    float64 `json:"strike"`
	CallOI    int64   `json:"callOI"`
	PutOI     int64   `json:"putOI"`
	CallGamma float64 `json:"callGamma"`
	PutGamma  float64 `json:"putGamma"`
	CallGEX   float64 `json:"callGEX"`
	PutGEX    float64 `json:"putGEX"` // always <= 0
	NetGEX    float64 `json:"netGEX"`
}

// Wall is one high-exposure strike.
type Wall struct {
	Strike  float64 `json:"strike"`
	GEX     float64 `json:"gex"`
	Stacked bool    `json:"stacked"`
}

// Summary is the derived GEX picture for one underlying. Never persisted.
type Summary struct {
	Spot        float64     `json:"spot"`
	Regime      string      `json:"regime"`
	Confidence  float64     `json:"confidence"`
	GammaFlip   *float64    `json:"gammaFlip,omitempty"`
	CallWalls   []Wall      `json:"callWalls"`
	PutWalls    []Wall      `json:"putWalls"`
	TotalNetGEX float64     `json:"totalNetGEX"`
	Rows        []StrikeRow `json:"rows,omitempty"`
}

// Engine computes GEX summaries. The zero value is not usable; call New.
type Engine struct {
	referenceScale float64
	topWalls       int
	riskFreeRate   float64
}

// Option configures the engine.
type Option func(*Engine)

// WithReferenceScale overrides the confidence normalization scale.
func WithReferenceScale(scale float64) Option {
	return func(e *Engine) {
		if scale > 0 {
			e.referenceScale = scale
		}
	}
}

// WithTopWalls overrides how many walls per side are reported.
func WithTopWalls(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.topWalls = n
		}
	}
}

// New creates a GEX engine with defaults.
func New(opts ...Option) *Engine {
	e := &Engine{
		referenceScale: DefaultReferenceScale,
		topWalls:       defaultTopWalls,
		riskFreeRate:   pricing.DefaultRiskFreeRate,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// unknownSummary is the non-fatal failure result: callers proceed without GEX.
func unknownSummary(spot float64) *Summary {
	return &Summary{
		Spot:      spot,
		Regime:    RegimeUnknown,
		CallWalls: []Wall{},
		PutWalls:  []Wall{},
	}
}

// Compute aggregates the chain into a Summary. Failures are absorbed: a bad
// or empty chain yields an Unknown regime, never an error.
func (e *Engine) Compute(chain []broker.OptionContract, spot float64, now time.Time) *Summary {
	if spot <= 0 || len(chain) == 0 {
		return unknownSummary(spot)
	}

	rows := e.aggregate(chain, spot, now)
	if len(rows) == 0 {
		return unknownSummary(spot)
	}

	total := 0.0
	for _, row := range rows {
		total += row.NetGEX
	}

	summary := &Summary{
		Spot:        spot,
		TotalNetGEX: total,
		Rows:        rows,
	}

	switch {
	case total > 0:
		summary.Regime = RegimeLongGamma
	case total < 0:
		summary.Regime = RegimeShortGamma
	default:
		summary.Regime = RegimeUnknown
	}
	summary.Confidence = util.Clamp(math.Abs(total)/e.referenceScale, 0, 1)

	summary.CallWalls = topWalls(rows, e.topWalls, func(r StrikeRow) float64 { return r.CallGEX })
	summary.PutWalls = topWalls(rows, e.topWalls, func(r StrikeRow) float64 { return math.Abs(r.PutGEX) })
	summary.GammaFlip = findFlip(rows)

	return summary
}

// aggregate buckets per-contract exposure by strike, filtered to ±15% of spot
// and sorted ascending.
func (e *Engine) aggregate(chain []broker.OptionContract, spot float64, now time.Time) []StrikeRow {
	lo := spot * (1 - strikeFilterPct)
	hi := spot * (1 + strikeFilterPct)

	byStrike := make(map[float64]*StrikeRow)
	for i := range chain {
		c := &chain[i]
		if c.OpenInterest == 0 || c.IV <= 0 {
			continue
		}
		if c.Quote.Bid <= 0 && c.Quote.Ask <= 0 && c.Quote.Last <= 0 {
			continue
		}
		if c.Strike < lo || c.Strike > hi {
			continue
		}

		gamma := c.Greeks.Gamma
		if gamma <= 0 {
			t := e.yearsToExpiry(c, now)
			gamma = pricing.Gamma(spot, c.Strike, e.riskFreeRate, c.IV, t)
		}
		if gamma <= 0 {
			continue
		}

		exposure := float64(c.OpenInterest) * gamma * 100 * spot

		row, ok := byStrike[c.Strike]
		if !ok {
			row = &StrikeRow{Strike: c.Strike}
			byStrike[c.Strike] = row
		}
		switch c.Type {
		case "call":
			row.CallOI += c.OpenInterest
			row.CallGamma = gamma
			row.CallGEX += exposure
		case "put":
			// Dealer convention: dealers are short puts, so put exposure
			// subtracts.
			row.PutOI += c.OpenInterest
			row.PutGamma = gamma
			row.PutGEX -= exposure
		default:
			continue
		}
		row.NetGEX = row.CallGEX + row.PutGEX
	}

	rows := make([]StrikeRow, 0, len(byStrike))
	for _, row := range byStrike {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Strike < rows[j].Strike })
	return rows
}

// yearsToExpiry converts the contract expiration into BS time, flooring at
// one day so 0DTE contracts keep a usable gamma.
func (e *Engine) yearsToExpiry(c *broker.OptionContract, now time.Time) float64 {
	exp, err := time.ParseInLocation("2006-01-02", c.Expiration, now.Location())
	if err != nil {
		log.Printf("gex: bad expiration %q on %s: %v", c.Expiration, c.Symbol, err)
		return 1.0 / 365.25
	}
	// Expiration is end of that trading day.
	exp = exp.Add(16 * time.Hour)

	ms := float64(exp.Sub(now) / time.Millisecond)
	dayMs := float64(24 * time.Hour / time.Millisecond)
	if ms < dayMs {
		ms = dayMs
	}
	return ms / yearMs
}

// topWalls picks the n largest strikes by the side metric, flagging a wall
// stacked when an adjacent strike row also clears half the side's maximum.
func topWalls(rows []StrikeRow, n int, metric func(StrikeRow) float64) []Wall {
	type candidate struct {
		idx   int
		value float64
	}
	candidates := make([]candidate, 0, len(rows))
	maxValue := 0.0
	for i, row := range rows {
		v := metric(row)
		if v <= 0 {
			continue
		}
		candidates = append(candidates, candidate{idx: i, value: v})
		if v > maxValue {
			maxValue = v
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].value > candidates[j].value })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	threshold := maxValue * stackedFraction
	walls := make([]Wall, 0, len(candidates))
	for _, c := range candidates {
		stacked := false
		if c.idx > 0 && metric(rows[c.idx-1]) >= threshold {
			stacked = true
		}
		if c.idx < len(rows)-1 && metric(rows[c.idx+1]) >= threshold {
			stacked = true
		}
		walls = append(walls, Wall{Strike: rows[c.idx].Strike, GEX: c.value, Stacked: stacked})
	}
	return walls
}

// findFlip walks ascending strikes accumulating net GEX and linearly
// interpolates the first sign change. Nil when cumulative exposure never
// crosses zero.
func findFlip(rows []StrikeRow) *float64 {
	if len(rows) < 2 {
		return nil
	}

	acc := rows[0].NetGEX
	for i := 1; i < len(rows); i++ {
		next := acc + rows[i].NetGEX
		if (acc < 0 && next > 0) || (acc > 0 && next < 0) {
			prev := rows[i-1].Strike
			delta := rows[i].Strike - prev
			flip := prev + math.Abs(acc)/(math.Abs(acc)+math.Abs(next))*delta
			return &flip
		}
		if next == 0 && acc != 0 {
			flip := rows[i].Strike
			return &flip
		}
		acc = next
	}
	return nil
}
