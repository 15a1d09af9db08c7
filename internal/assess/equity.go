package assess

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/macro"
)

// Equity scoring weights. The equity cycle folds the same technical
// contributors as the options path plus sentiment and fundamental inputs.
const (
	sentimentWeight   = 1.0
	redditWeight      = 0.5
	fundamentalWeight = 1.5

	sentimentBullish = 0.6
	sentimentBearish = 0.4
	fundamentalGood  = 0.7
	fundamentalPoor  = 0.3
)

// EquityFeatures extends the technical bundle with advisory external scores,
// each in [0,1]. A nil score means the provider was unavailable.
type EquityFeatures struct {
	Technicals  indicators.Technicals
	Macro       *macro.Assessment
	Sentiment   *float64 // social sentiment aggregate
	Reddit      *float64 // forum chatter score
	Fundamental *float64 // value/quality composite
}

// AssessEquity scores an equity symbol. Structurally the same fold as
// Assess: technical contributors first, then the external scores.
func AssessEquity(f EquityFeatures) Signal {
	base := Assess(Features{Technicals: f.Technicals, Macro: f.Macro})

	sig := Signal{
		BullPoints: base.BullPoints,
		BearPoints: base.BearPoints,
		Reasons:    base.Reasons,
	}
	for _, contrib := range equityContributions(f) {
		switch contrib.side {
		case sideBull:
			sig.BullPoints += contrib.points
		case sideBear:
			sig.BearPoints += contrib.points
		}
		sig.Reasons = append(sig.Reasons, contrib.reason)
	}

	dominant := sig.BullPoints
	sig.Direction = DirectionBullish
	if sig.BearPoints > sig.BullPoints {
		dominant = sig.BearPoints
		sig.Direction = DirectionBearish
	}
	if total := sig.BullPoints + sig.BearPoints; total > 0 {
		clarity := dominant / total
		sig.Conviction = clipInt(int(math.Round(dominant*clarity*convictionScale)), 0, 10)
	}
	sig.Strategy = base.Strategy
	return sig
}

func equityContributions(f EquityFeatures) []contribution {
	var out []contribution
	if f.Sentiment != nil {
		switch {
		case *f.Sentiment > sentimentBullish:
			out = append(out, contribution{sentimentWeight, sideBull,
				fmt.Sprintf("social sentiment bullish (%.2f)", *f.Sentiment)})
		case *f.Sentiment < sentimentBearish:
			out = append(out, contribution{sentimentWeight, sideBear,
				fmt.Sprintf("social sentiment bearish (%.2f)", *f.Sentiment)})
		}
	}
	if f.Reddit != nil {
		switch {
		case *f.Reddit > sentimentBullish:
			out = append(out, contribution{redditWeight, sideBull, "forum chatter bullish"})
		case *f.Reddit < sentimentBearish:
			out = append(out, contribution{redditWeight, sideBear, "forum chatter bearish"})
		}
	}
	if f.Fundamental != nil {
		switch {
		case *f.Fundamental > fundamentalGood:
			out = append(out, contribution{fundamentalWeight, sideBull,
				fmt.Sprintf("fundamental composite strong (%.2f)", *f.Fundamental)})
		case *f.Fundamental < fundamentalPoor:
			out = append(out, contribution{fundamentalWeight, sideBear,
				fmt.Sprintf("fundamental composite weak (%.2f)", *f.Fundamental)})
		}
	}
	return out
}
