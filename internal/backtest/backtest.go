// Package backtest replays the live decision stack over historical bars with
// a self-contained Black-Scholes option simulator. The assessor, theta
// timing gates, and contract scorer are the same code the live engine runs;
// only the market is synthetic.
package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/assess"
	"github.com/eddiefleurent/stamford_scalper/internal/engine"
	"github.com/eddiefleurent/stamford_scalper/internal/gex"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/macro"
	"github.com/eddiefleurent/stamford_scalper/internal/marketclock"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/policy"
)

// Exit reasons, in evaluation priority order.
const (
	ExitEODClose     = "eod_close"
	ExitPremiumStop  = "premium_stop"
	ExitProfitTarget = "profit_target"
	ExitMaxHold      = "max_hold_time"
	ExitTimeStop     = "time_stop_no_profit"
)

// Config drives one backtest run. Policy supplies the delta window, spread
// cap, and liquidity floors so selection matches the live engine.
type Config struct {
	Symbol string

	ScanIntervalBars int
	SkipFirstMinutes int
	WindowBars       int

	// MacroRegime is the synthetic regime fed to the assessor; GEX is the
	// optional injected summary (nil = absent, as in a degraded live cycle).
	MacroRegime string
	GEX         *gex.Summary

	Policy        policy.Config
	MinConviction int
	Qty           int

	IVBase       float64
	IVSkew       float64 // added IV per dollar of distance from spot
	RiskFreeRate float64
	SpreadPct    float64 // synthetic half-spread around the BS mid

	SlippagePct           float64 // per leg, fraction of the leg premium
	CommissionPerContract float64 // per contract per side

	PremiumStopPct   float64 // negative fraction, e.g. -0.30
	PremiumTargetPct float64
	MaxHoldMinutes   int
	TimeStopMinutes  int
	EODCloseMinutes  int

	StressMode string // "", downtrend, volatility_spike, v_reversal
	Seed       int64
}

// DefaultConfig mirrors the live defaults where they exist.
func DefaultConfig(symbol string) Config {
	p := policy.DefaultConfig()
	return Config{
		Symbol:                symbol,
		ScanIntervalBars:      3,
		SkipFirstMinutes:      15,
		WindowBars:            50,
		MacroRegime:           macro.RegimeCautious,
		Policy:                p,
		MinConviction:         p.OptionsMinConviction,
		Qty:                   1,
		IVBase:                0.20,
		IVSkew:                0.004,
		RiskFreeRate:          0.045,
		SpreadPct:             0.03,
		SlippagePct:           0.01,
		CommissionPerContract: 0.65,
		PremiumStopPct:        -0.30,
		PremiumTargetPct:      0.50,
		MaxHoldMinutes:        120,
		TimeStopMinutes:       45,
		EODCloseMinutes:       15,
		Seed:                  1,
	}
}

// Trade is one ledger row. NetPnL always equals GrossPnL minus Slippage
// minus Commission, exact to cents.
type Trade struct {
	Symbol       string    `json:"symbol"`
	Direction    string    `json:"direction"`
	Strike       float64   `json:"strike"`
	OptionType   string    `json:"optionType"`
	Qty          int       `json:"qty"`
	Conviction   int       `json:"conviction"`
	EntrySpot    float64   `json:"entrySpot"`
	ExitSpot     float64   `json:"exitSpot"`
	EntryPremium float64   `json:"entryPremium"`
	ExitPremium  float64   `json:"exitPremium"`
	EntryTime    time.Time `json:"entryTime"`
	ExitTime     time.Time `json:"exitTime"`
	ExitReason   string    `json:"exitReason"`
	HoldMinutes  float64   `json:"holdMinutes"`
	PnLPct       float64   `json:"pnlPct"`
	GrossPnL     float64   `json:"grossPnL"`
	Slippage     float64   `json:"slippage"`
	Commission   float64   `json:"commission"`
	NetPnL       float64   `json:"netPnL"`
}

// DayResult is the ledger and P&L for one trading day.
type DayResult struct {
	Date         string  `json:"date"`
	Trades       []Trade `json:"trades"`
	NetPnL       float64 `json:"netPnL"`
	MarketChange float64 `json:"marketChange"` // close vs open, percent
}

// Result is a full run: per-day ledgers plus aggregate metrics.
type Result struct {
	Symbol  string      `json:"symbol"`
	Days    []DayResult `json:"days"`
	Trades  []Trade     `json:"trades"`
	Metrics Metrics     `json:"metrics"`
}

// Harness replays bars through the live decision stack.
type Harness struct {
	cfg Config
}

// New validates the config and returns a harness.
func New(cfg Config) (*Harness, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("backtest: symbol required")
	}
	if cfg.ScanIntervalBars <= 0 {
		return nil, fmt.Errorf("backtest: scan interval must be positive")
	}
	if cfg.WindowBars < indicators.MinSnapshotBars {
		return nil, fmt.Errorf("backtest: window of %d bars is below the indicator minimum %d",
			cfg.WindowBars, indicators.MinSnapshotBars)
	}
	if cfg.Qty <= 0 {
		cfg.Qty = 1
	}
	if cfg.PremiumStopPct >= 0 {
		return nil, fmt.Errorf("backtest: premium stop must be negative")
	}
	return &Harness{cfg: cfg}, nil
}

// Run replays the bars, which may span multiple days, and aggregates.
func (h *Harness) Run(bars []models.Bar) (*Result, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("backtest: no bars")
	}

	days := splitDays(bars)
	result := &Result{Symbol: h.cfg.Symbol}
	for _, dayBars := range days {
		day := h.runDay(dayBars)
		result.Days = append(result.Days, day)
		result.Trades = append(result.Trades, day.Trades...)
	}
	result.Metrics = computeMetrics(result.Days)
	return result, nil
}

// splitDays buckets bars by their Eastern calendar date, preserving order.
func splitDays(bars []models.Bar) [][]models.Bar {
	grouped := make(map[string][]models.Bar)
	var order []string
	for _, b := range bars {
		key := marketclock.DateString(b.Timestamp)
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], b)
	}
	sort.Strings(order)

	out := make([][]models.Bar, 0, len(order))
	for _, key := range order {
		out = append(out, grouped[key])
	}
	return out
}

// openTrade is the in-flight simulated position during a day replay.
type openTrade struct {
	trade   Trade
	iv      float64
	peakPct float64
}

func (h *Harness) runDay(bars []models.Bar) DayResult {
	bars = applyStress(bars, h.cfg.StressMode, h.cfg.Seed)

	day := DayResult{Date: marketclock.DateString(bars[0].Timestamp)}
	if open := bars[0].Open; open > 0 {
		day.MarketChange = (bars[len(bars)-1].Close - open) / open * 100
	}

	var position *openTrade
	closeTrade := func(t Trade) {
		day.Trades = append(day.Trades, t)
		day.NetPnL += t.NetPnL
		position = nil
	}

	for i, bar := range bars {
		minutesToClose := marketclock.MinutesToClose(bar.Timestamp)
		sinceOpen := marketclock.MinutesSinceOpen(bar.Timestamp)

		if position != nil {
			if done, t := h.checkExit(position, bar, minutesToClose); done {
				closeTrade(t)
			}
		}

		if position != nil || i+1 < h.cfg.WindowBars {
			continue
		}
		if sinceOpen < h.cfg.SkipFirstMinutes || i%h.cfg.ScanIntervalBars != 0 {
			continue
		}

		window := bars[i+1-h.cfg.WindowBars : i+1]
		if entered := h.tryEnter(window, bar, minutesToClose); entered != nil {
			position = entered
		}
	}

	// Never carry overnight: force-close at the final bar.
	if position != nil {
		closeTrade(h.close(position, bars[len(bars)-1], ExitEODClose))
	}
	return day
}

// requiredConviction implements the theta-timing floor: entries need more
// edge as time value burns faster. Below 60 minutes the bar is 11, which a
// [1,10] conviction can never clear.
func (h *Harness) requiredConviction(minutesToClose int) int {
	switch {
	case minutesToClose > 240:
		return h.cfg.MinConviction
	case minutesToClose > 120:
		return h.cfg.MinConviction + 1
	case minutesToClose > 60:
		return h.cfg.MinConviction + 2
	default:
		return 11
	}
}

// alignmentBlocked rejects entries where short-term momentum already argues
// against the direction while RSI offers no mean-reversion excuse.
func alignmentBlocked(direction string, t indicators.Technicals) bool {
	if !t.RSIOK {
		return false
	}
	if direction == assess.DirectionBullish && t.Momentum < -0.10 && t.RSI > 55 {
		return true
	}
	if direction == assess.DirectionBearish && t.Momentum > 0.10 && t.RSI < 45 {
		return true
	}
	return false
}

func (h *Harness) tryEnter(window []models.Bar, bar models.Bar, minutesToClose int) *openTrade {
	technicals, ok := indicators.BuildTechnicals(window, nil)
	if !ok {
		return nil
	}

	macroView := &macro.Assessment{
		Regime:     h.cfg.MacroRegime,
		Multiplier: macro.Multiplier(h.cfg.MacroRegime),
	}
	signal := assess.Assess(assess.Features{
		Technicals: technicals,
		GEX:        h.cfg.GEX,
		Macro:      macroView,
	})

	if signal.Conviction < h.requiredConviction(minutesToClose) {
		return nil
	}
	if alignmentBlocked(signal.Direction, technicals) {
		return nil
	}

	spot := bar.Close
	chain := h.syntheticChain(spot, minutesToClose)
	candidate, err := engine.SelectContract(chain, signal.Direction, spot, minutesToClose, h.cfg.Policy)
	if err != nil {
		return nil
	}

	contract := candidate.Contract
	entryPremium := contract.Mid()
	if entryPremium <= 0 {
		return nil
	}

	return &openTrade{
		iv: h.impliedVol(contract.Strike, spot),
		trade: Trade{
			Symbol:       h.cfg.Symbol,
			Direction:    signal.Direction,
			Strike:       contract.Strike,
			OptionType:   contract.Type,
			Qty:          h.cfg.Qty,
			Conviction:   signal.Conviction,
			EntrySpot:    spot,
			EntryPremium: entryPremium,
			EntryTime:    bar.Timestamp,
		},
	}
}

// checkExit re-prices the position at the bar and applies the exit rules in
// priority order. Returns the closed trade when a rule fires.
func (h *Harness) checkExit(p *openTrade, bar models.Bar, minutesToClose int) (bool, Trade) {
	pnlPct := h.pnlPct(p, bar, minutesToClose)
	if pnlPct > p.peakPct {
		p.peakPct = pnlPct
	}
	hold := bar.Timestamp.Sub(p.trade.EntryTime).Minutes()

	switch {
	case minutesToClose <= h.cfg.EODCloseMinutes:
		return true, h.close(p, bar, ExitEODClose)
	case pnlPct <= h.cfg.PremiumStopPct:
		return true, h.close(p, bar, ExitPremiumStop)
	case pnlPct >= h.cfg.PremiumTargetPct:
		return true, h.close(p, bar, ExitProfitTarget)
	case hold >= float64(h.cfg.MaxHoldMinutes):
		return true, h.close(p, bar, ExitMaxHold)
	case hold >= float64(h.cfg.TimeStopMinutes) && pnlPct <= 0:
		return true, h.close(p, bar, ExitTimeStop)
	}
	return false, Trade{}
}

func (h *Harness) pnlPct(p *openTrade, bar models.Bar, minutesToClose int) float64 {
	current := h.repriceMid(p, bar.Close, minutesToClose)
	if p.trade.EntryPremium <= 0 {
		return 0
	}
	return (current - p.trade.EntryPremium) / p.trade.EntryPremium
}

// close books the trade at the bar, decomposing P&L into gross, slippage,
// and commission so the ledger reconciles to the cent.
func (h *Harness) close(p *openTrade, bar models.Bar, reason string) Trade {
	t := p.trade
	minutesToClose := marketclock.MinutesToClose(bar.Timestamp)

	t.ExitSpot = bar.Close
	t.ExitPremium = h.repriceMid(p, bar.Close, minutesToClose)
	t.ExitTime = bar.Timestamp
	t.ExitReason = reason
	t.HoldMinutes = t.ExitTime.Sub(t.EntryTime).Minutes()
	if t.EntryPremium > 0 {
		t.PnLPct = (t.ExitPremium - t.EntryPremium) / t.EntryPremium
	}

	contracts := float64(t.Qty)
	t.GrossPnL = roundCents((t.ExitPremium - t.EntryPremium) * 100 * contracts)
	t.Slippage = roundCents((t.EntryPremium + t.ExitPremium) * h.cfg.SlippagePct * 100 * contracts)
	t.Commission = roundCents(h.cfg.CommissionPerContract * contracts * 2)
	t.NetPnL = roundCents(t.GrossPnL - t.Slippage - t.Commission)
	return t
}

// repriceMid values the held contract at the given spot with shrinking time.
func (h *Harness) repriceMid(p *openTrade, spot float64, minutesToClose int) float64 {
	return optionValue(p.trade.OptionType == "call", spot, p.trade.Strike,
		h.cfg.RiskFreeRate, p.iv, minutesToClose)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
