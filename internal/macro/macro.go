// Package macro scores broad market conditions from a fixed ETF universe and
// maps the score to a trading regime with a position-size multiplier.
package macro

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
)

// Regimes and their position-size multipliers.
const (
	RegimeRiskOn   = "RISK_ON"
	RegimeCautious = "CAUTIOUS"
	RegimeRiskOff  = "RISK_OFF"
)

const (
	riskOnThreshold  = 30
	riskOffThreshold = -30

	cacheTTL = 30 * time.Minute

	primaryIndex = "SPY"
	historyDays  = 250
)

// Sector ETFs for breadth, split into offense and defense for the risk
// appetite spread.
var (
	sectorETFs = []string{
		"XLK", "XLY", "XLC", "XLF", "XLI", "XLE",
		"XLB", "XLRE", "XLU", "XLP", "XLV",
	}
	benchmarkETFs = []string{"SPY", "QQQ", "IWM", "DIA"}

	offenseSectors = []string{"XLK", "XLY", "XLC"}
	defenseSectors = []string{"XLU", "XLP", "XLV"}
)

// Assessment is the cached regime result.
type Assessment struct {
	Regime     string    `json:"regime"`
	Score      int       `json:"score"`
	Multiplier float64   `json:"multiplier"`
	Reasons    []string  `json:"reasons"`
	AsOf       time.Time `json:"asOf"`
}

// Multiplier maps a regime to its position-size multiplier.
func Multiplier(regime string) float64 {
	switch regime {
	case RegimeRiskOn:
		return 1.2
	case RegimeRiskOff:
		return 0.5
	}
	return 1.0
}

// fallback is returned on any data failure: never block the pipeline on macro.
func fallback() *Assessment {
	return &Assessment{
		Regime:     RegimeCautious,
		Multiplier: 1.0,
		Reasons:    []string{"macro data unavailable"},
		AsOf:       time.Now().UTC(),
	}
}

// Assessor fetches and scores the ETF universe, caching results for 30 minutes.
type Assessor struct {
	gateway broker.Gateway

	mu     sync.Mutex
	cached *Assessment
	now    func() time.Time
}

// NewAssessor creates a macro assessor over the gateway.
func NewAssessor(gateway broker.Gateway) *Assessor {
	return &Assessor{gateway: gateway, now: time.Now}
}

// Assess returns the current regime, serving from cache inside the TTL.
// It never returns an error: failures degrade to CAUTIOUS with multiplier 1.0.
func (a *Assessor) Assess(ctx context.Context) *Assessment {
	a.mu.Lock()
	if a.cached != nil && a.now().Sub(a.cached.AsOf) < cacheTTL {
		cached := a.cached
		a.mu.Unlock()
		return cached
	}
	a.mu.Unlock()

	assessment, err := a.compute(ctx)
	if err != nil {
		log.Printf("[MACRO] assessment failed, defaulting to CAUTIOUS: %v", err)
		return fallback()
	}

	a.mu.Lock()
	a.cached = assessment
	a.mu.Unlock()
	return assessment
}

// Invalidate drops the cache so the next Assess refetches.
func (a *Assessor) Invalidate() {
	a.mu.Lock()
	a.cached = nil
	a.mu.Unlock()
}

func (a *Assessor) compute(ctx context.Context) (*Assessment, error) {
	universe := append(append([]string{}, sectorETFs...), benchmarkETFs...)

	var (
		snapshots map[string]broker.Snapshot
		history   []models.Bar
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snapshots, err = a.gateway.GetSnapshots(gctx, universe)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = a.gateway.GetHistory(gctx, primaryIndex, historyDays)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	score, reasons := scoreUniverse(snapshots, history)

	regime := RegimeCautious
	switch {
	case score >= riskOnThreshold:
		regime = RegimeRiskOn
	case score <= riskOffThreshold:
		regime = RegimeRiskOff
	}

	return &Assessment{
		Regime:     regime,
		Score:      score,
		Multiplier: Multiplier(regime),
		Reasons:    reasons,
		AsOf:       a.now().UTC(),
	}, nil
}

// scoreUniverse accumulates the bounded macro score. Each contribution is
// documented once here; the weights are fixed.
func scoreUniverse(snapshots map[string]broker.Snapshot, history []models.Bar) (int, []string) {
	score := 0
	var reasons []string
	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	closes := models.Closes(history)

	// Trend vs 200-SMA: +/-20.
	if sma200, ok := indicators.SMA(closes, 200); ok {
		price := closes[len(closes)-1]
		if price > sma200 {
			add(20, "above 200-SMA")
		} else {
			add(-20, "below 200-SMA")
		}
	}

	// Golden/death cross: +/-10.
	sma50, ok50 := indicators.SMA(closes, 50)
	sma200, ok200 := indicators.SMA(closes, 200)
	if ok50 && ok200 {
		if sma50 > sma200 {
			add(10, "golden cross")
		} else {
			add(-10, "death cross")
		}
	}

	// 1-month and 3-month returns: +/-10 each past the band.
	if r, ok := trailingReturn(closes, 21); ok {
		if r > 3 {
			add(10, "1-month return strong")
		} else if r < -3 {
			add(-10, "1-month return weak")
		}
	}
	if r, ok := trailingReturn(closes, 63); ok {
		if r > 5 {
			add(10, "3-month return strong")
		} else if r < -5 {
			add(-10, "3-month return weak")
		}
	}

	// Breadth: fraction of sector ETFs advancing today.
	advancing, counted := 0, 0
	for _, etf := range sectorETFs {
		snap, ok := snapshots[etf]
		if !ok {
			continue
		}
		counted++
		if snap.ChangePct > 0 {
			advancing++
		}
	}
	if counted > 0 {
		ratio := float64(advancing) / float64(counted)
		if ratio > 0.7 {
			add(15, "broad sector advance")
		} else if ratio < 0.3 {
			add(-15, "broad sector decline")
		}
	}

	// Risk appetite: offense minus defense daily change.
	if spread, ok := sectorSpread(snapshots, offenseSectors, defenseSectors); ok {
		if spread > 0.5 {
			add(10, "offense leading defense")
		} else if spread < -0.5 {
			add(-10, "defense leading offense")
		}
	}

	// Small-cap spread: IWM minus SPY daily change.
	iwm, okIWM := snapshots["IWM"]
	spy, okSPY := snapshots["SPY"]
	if okIWM && okSPY {
		spread := iwm.ChangePct - spy.ChangePct
		if spread > 0.5 {
			add(5, "small caps leading")
		} else if spread < -0.5 {
			add(-5, "small caps lagging")
		}
	}

	return score, reasons
}

// trailingReturn is the percent change over the last n trading days.
func trailingReturn(closes []float64, n int) (float64, bool) {
	if len(closes) < n+1 {
		return 0, false
	}
	base := closes[len(closes)-1-n]
	if base == 0 {
		return 0, false
	}
	return (closes[len(closes)-1] - base) / base * 100, true
}

// sectorSpread is mean daily %change of group a minus group b.
func sectorSpread(snapshots map[string]broker.Snapshot, a, b []string) (float64, bool) {
	meanA, okA := meanChange(snapshots, a)
	meanB, okB := meanChange(snapshots, b)
	if !okA || !okB {
		return 0, false
	}
	return meanA - meanB, true
}

func meanChange(snapshots map[string]broker.Snapshot, tickers []string) (float64, bool) {
	sum, counted := 0.0, 0
	for _, t := range tickers {
		if snap, ok := snapshots[t]; ok {
			sum += snap.ChangePct
			counted++
		}
	}
	if counted == 0 {
		return 0, false
	}
	return sum / float64(counted), true
}
