package backtest

import (
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/assess"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/macro"
	"github.com/eddiefleurent/stamford_scalper/internal/marketclock"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
)

// sessionBars builds one full 5-min session (09:30-16:00 ET) with a linear
// drift per bar. 2026-02-12 is a Thursday.
func sessionBars(start, drift float64) []models.Bar {
	open := time.Date(2026, 2, 12, 14, 30, 0, 0, time.UTC) // 09:30 ET
	n := 78
	bars := make([]models.Bar, n)
	price := start
	for i := range bars {
		next := price + drift
		high := math.Max(price, next) + 0.05
		low := math.Min(price, next) - 0.05
		bars[i] = models.Bar{
			Timestamp: open.Add(time.Duration(i) * 5 * time.Minute),
			Open:      price,
			High:      high,
			Low:       low,
			Close:     next,
			Volume:    100000,
		}
		price = next
	}
	return bars
}

// sellOffConfig produces entries: risk-on macro plus an oversold tape
// clears a low conviction floor.
func sellOffConfig() Config {
	cfg := DefaultConfig("SPY")
	cfg.MacroRegime = macro.RegimeRiskOn
	cfg.MinConviction = 1
	return cfg
}

func mustRun(t *testing.T, cfg Config, bars []models.Bar) *Result {
	t.Helper()
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := h.Run(bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return result
}

func TestRunProducesTrades(t *testing.T) {
	result := mustRun(t, sellOffConfig(), sessionBars(510, -0.25))

	if len(result.Trades) == 0 {
		t.Fatal("expected at least one trade from the sell-off session")
	}
	for i, tr := range result.Trades {
		if tr.Direction != assess.DirectionBullish {
			t.Errorf("trade %d direction = %s (oversold tape reads bullish)", i, tr.Direction)
		}
		if tr.OptionType != "call" {
			t.Errorf("trade %d bought a %s for a bullish read", i, tr.OptionType)
		}
		if tr.ExitReason == "" {
			t.Errorf("trade %d has no exit reason", i)
		}
		if tr.ExitTime.Before(tr.EntryTime) {
			t.Errorf("trade %d exits before entry", i)
		}
	}
}

func TestPnLDecomposesExactly(t *testing.T) {
	result := mustRun(t, sellOffConfig(), sessionBars(510, -0.25))
	if len(result.Trades) == 0 {
		t.Fatal("need trades to verify decomposition")
	}
	for i, tr := range result.Trades {
		want := roundCents(tr.GrossPnL - tr.Slippage - tr.Commission)
		if tr.NetPnL != want {
			t.Errorf("trade %d: net %.2f != gross %.2f - slippage %.2f - commission %.2f",
				i, tr.NetPnL, tr.GrossPnL, tr.Slippage, tr.Commission)
		}
	}
}

func TestRunIsDeterministic(t *testing.T) {
	bars := sessionBars(510, -0.25)
	first := mustRun(t, sellOffConfig(), bars)
	second := mustRun(t, sellOffConfig(), bars)

	if !reflect.DeepEqual(first.Trades, second.Trades) {
		t.Error("identical bars and config produced different ledgers")
	}
	if !reflect.DeepEqual(first.Metrics, second.Metrics) {
		t.Error("identical runs produced different metrics")
	}
}

func TestStressModesAreDeterministicForSeed(t *testing.T) {
	bars := sessionBars(510, -0.25)
	cfg := sellOffConfig()
	cfg.StressMode = StressVolSpike
	cfg.Seed = 42

	first := mustRun(t, cfg, bars)
	second := mustRun(t, cfg, bars)
	if !reflect.DeepEqual(first.Trades, second.Trades) {
		t.Error("fixed seed must reproduce the stress ledger")
	}
}

func TestNoOvernightPositions(t *testing.T) {
	result := mustRun(t, sellOffConfig(), sessionBars(510, -0.25))
	for _, day := range result.Days {
		for _, tr := range day.Trades {
			if got := marketclock.DateString(tr.ExitTime); got != day.Date {
				t.Errorf("trade exited on %s but belongs to day %s", got, day.Date)
			}
		}
	}
}

func TestRequiredConvictionBrackets(t *testing.T) {
	h, err := New(DefaultConfig("SPY")) // min conviction 5
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		minutes int
		want    int
	}{
		{300, 5},
		{241, 5},
		{240, 6},
		{121, 6},
		{120, 7},
		{61, 7},
		{60, 11},
		{10, 11},
	}
	for _, tt := range tests {
		if got := h.requiredConviction(tt.minutes); got != tt.want {
			t.Errorf("requiredConviction(%d) = %d, want %d", tt.minutes, got, tt.want)
		}
	}
}

func TestAlignmentGate(t *testing.T) {
	tests := []struct {
		name      string
		direction string
		momentum  float64
		rsi       float64
		want      bool
	}{
		{"bullish against falling momentum and firm RSI", assess.DirectionBullish, -0.20, 60, true},
		{"bullish with oversold RSI allowed", assess.DirectionBullish, -0.20, 30, false},
		{"bullish with rising momentum allowed", assess.DirectionBullish, 0.05, 60, false},
		{"bearish against rising momentum and soft RSI", assess.DirectionBearish, 0.20, 40, true},
		{"bearish with overbought RSI allowed", assess.DirectionBearish, 0.20, 70, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tech := indicators.Technicals{RSI: tt.rsi, RSIOK: true, Momentum: tt.momentum}
			if got := alignmentBlocked(tt.direction, tech); got != tt.want {
				t.Errorf("alignmentBlocked = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThetaFloorBlocksLateEntries(t *testing.T) {
	// Start the replay with under an hour left: required conviction is 11
	// and nothing can enter.
	open := time.Date(2026, 2, 12, 20, 10, 0, 0, time.UTC) // 15:10 ET
	bars := make([]models.Bar, 60)
	price := 510.0
	for i := range bars {
		bars[i] = models.Bar{
			Timestamp: open.Add(time.Duration(i) * 30 * time.Second),
			Open:      price, High: price + 0.1, Low: price - 0.3, Close: price - 0.25,
			Volume: 100000,
		}
		price -= 0.25
	}
	result := mustRun(t, sellOffConfig(), bars)
	if len(result.Trades) != 0 {
		t.Errorf("trades = %d, want 0 inside the final hour", len(result.Trades))
	}
}

func TestSyntheticChainShape(t *testing.T) {
	h, err := New(DefaultConfig("SPY"))
	if err != nil {
		t.Fatal(err)
	}
	chain := h.syntheticChain(500, 180)
	if len(chain) == 0 {
		t.Fatal("empty synthetic chain")
	}
	for _, c := range chain {
		if c.Quote.Ask < c.Quote.Bid {
			t.Errorf("%s: crossed quote %.2f/%.2f", c.Symbol, c.Quote.Bid, c.Quote.Ask)
		}
		wantIV := h.cfg.IVBase + h.cfg.IVSkew*math.Abs(c.Strike-500)
		if math.Abs(c.IV-wantIV) > 1e-9 {
			t.Errorf("%s: IV %.4f, want smile %.4f", c.Symbol, c.IV, wantIV)
		}
		if c.Type == "call" && c.Greeks.Delta < 0 {
			t.Errorf("%s: negative call delta", c.Symbol)
		}
		if c.Type == "put" && c.Greeks.Delta > 0 {
			t.Errorf("%s: positive put delta", c.Symbol)
		}
	}
	// ATM carries the deepest book.
	var atmOI, wingOI int64
	for _, c := range chain {
		if c.Strike == 500 && c.Type == "call" {
			atmOI = c.OpenInterest
		}
		if c.Strike == 508 && c.Type == "call" {
			wingOI = c.OpenInterest
		}
	}
	if atmOI <= wingOI {
		t.Errorf("ATM OI %d not above wing OI %d", atmOI, wingOI)
	}
}

func TestStressDowntrendGrind(t *testing.T) {
	bars := sessionBars(500, 0)
	out := applyStress(bars, StressDowntrend, 1)

	if out[0].Close != bars[0].Close {
		t.Errorf("first bar moved: %.2f", out[0].Close)
	}
	last := out[len(out)-1].Close
	want := bars[len(bars)-1].Close * 0.98
	if math.Abs(last-want) > 1e-9 {
		t.Errorf("last close = %.4f, want %.4f (2%% grind)", last, want)
	}
	// Input untouched.
	if bars[len(bars)-1].Close == last {
		t.Error("stress transform mutated the input bars")
	}
}

func TestStressVReversalRecovers(t *testing.T) {
	bars := sessionBars(500, 0)
	out := applyStress(bars, StressVReversal, 1)

	mid := out[len(out)/2].Close
	if mid >= bars[len(bars)/2].Close {
		t.Error("midday must be depressed")
	}
	last := out[len(out)-1].Close
	if math.Abs(last-bars[len(bars)-1].Close) > bars[len(bars)-1].Close*0.001 {
		t.Errorf("day must recover by the close, got %.4f", last)
	}
}

func TestSplitDaysGroupsByDate(t *testing.T) {
	day1 := sessionBars(510, -0.25)
	day2 := sessionBars(505, 0.10)
	for i := range day2 {
		day2[i].Timestamp = day2[i].Timestamp.AddDate(0, 0, 1)
	}
	days := splitDays(append(append([]models.Bar{}, day1...), day2...))
	if len(days) != 2 {
		t.Fatalf("days = %d, want 2", len(days))
	}
	if len(days[0]) != len(day1) || len(days[1]) != len(day2) {
		t.Errorf("bucket sizes = %d/%d", len(days[0]), len(days[1]))
	}
}

func TestMetricsAggregation(t *testing.T) {
	days := []DayResult{
		{
			Date:         "2026-02-12",
			MarketChange: -1.5,
			NetPnL:       30,
			Trades: []Trade{
				{Direction: "bullish", ExitReason: ExitProfitTarget, NetPnL: 80, Slippage: 4, Commission: 1.30, HoldMinutes: 30},
				{Direction: "bullish", ExitReason: ExitPremiumStop, NetPnL: -50, Slippage: 3, Commission: 1.30, HoldMinutes: 20},
			},
		},
		{
			Date:         "2026-02-13",
			MarketChange: 0.8,
			NetPnL:       -40,
			Trades: []Trade{
				{Direction: "bearish", ExitReason: ExitPremiumStop, NetPnL: -40, Slippage: 2, Commission: 1.30, HoldMinutes: 10},
			},
		},
	}
	m := computeMetrics(days)

	if m.TotalTrades != 3 || m.Wins != 1 || m.Losses != 2 {
		t.Errorf("counts = %d/%d/%d", m.TotalTrades, m.Wins, m.Losses)
	}
	if math.Abs(m.WinRate-1.0/3.0) > 1e-9 {
		t.Errorf("win rate = %.4f", m.WinRate)
	}
	if m.NetPnL != -10 {
		t.Errorf("net = %.2f, want -10", m.NetPnL)
	}
	if math.Abs(m.ProfitFactor-80.0/90.0) > 1e-9 {
		t.Errorf("profit factor = %.4f", m.ProfitFactor)
	}
	// Peak +80 after the first trade, trough -10 at the end: drawdown 90.
	if m.MaxDrawdown != 90 {
		t.Errorf("max drawdown = %.2f, want 90", m.MaxDrawdown)
	}
	if m.ByExitReason[ExitPremiumStop].Trades != 2 {
		t.Errorf("stop bucket = %+v", m.ByExitReason[ExitPremiumStop])
	}
	if m.ByMarketDay["down"].Trades != 2 || m.ByMarketDay["up"].Trades != 1 {
		t.Errorf("market-day buckets = %+v", m.ByMarketDay)
	}
	if m.TotalSlippage != 9 || m.TotalCommission != 3.90 {
		t.Errorf("slippage/commission = %.2f/%.2f", m.TotalSlippage, m.TotalCommission)
	}
}

func TestReadBarsCSV(t *testing.T) {
	csv := `timestamp,open,high,low,close,volume
2026-02-12T14:30:00Z,510.00,510.20,509.80,510.10,120000
2026-02-12T14:35:00Z,510.10,510.30,509.90,510.00,110000`

	bars, err := ReadBars(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	if bars[0].Close != 510.10 || bars[1].Volume != 110000 {
		t.Errorf("bars = %+v", bars)
	}
}

func TestReadBarsRejectsGarbage(t *testing.T) {
	if _, err := ReadBars(strings.NewReader("timestamp,open,high,low,close,volume\nnot-a-time,1,2,3,4,5")); err == nil {
		t.Error("expected error for bad timestamp row")
	}
	if _, err := ReadBars(strings.NewReader("")); err == nil {
		t.Error("expected error for empty input")
	}
}
