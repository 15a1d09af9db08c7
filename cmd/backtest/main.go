// Command backtest replays a CSV bar series through the live decision stack
// and prints the resulting ledger metrics.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sort"

	"github.com/eddiefleurent/stamford_scalper/internal/backtest"
)

func main() {
	var (
		barsPath   = flag.String("bars", "", "CSV bar file (timestamp,open,high,low,close,volume)")
		symbol     = flag.String("symbol", "SPY", "underlying symbol")
		stress     = flag.String("stress", "", "stress transform: downtrend, volatility_spike, v_reversal")
		seed       = flag.Int64("seed", 1, "seed for stress noise")
		qty        = flag.Int("qty", 1, "contracts per trade")
		conviction = flag.Int("min-conviction", 0, "minimum conviction override (0 = policy default)")
		asJSON     = flag.Bool("json", false, "emit the full result as JSON instead of a summary")
	)
	flag.Parse()

	if *barsPath == "" {
		fmt.Fprintln(os.Stderr, "usage: backtest -bars <file.csv> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	bars, err := backtest.LoadBarsCSV(*barsPath)
	if err != nil {
		log.Fatalf("Failed to load bars: %v", err)
	}

	cfg := backtest.DefaultConfig(*symbol)
	cfg.StressMode = *stress
	cfg.Seed = *seed
	cfg.Qty = *qty
	if *conviction > 0 {
		cfg.MinConviction = *conviction
	}

	harness, err := backtest.New(cfg)
	if err != nil {
		log.Fatalf("Invalid backtest config: %v", err)
	}
	result, err := harness.Run(bars)
	if err != nil {
		log.Fatalf("Backtest failed: %v", err)
	}

	if *asJSON {
		// encoding/json rejects IEEE infinities; -1 marks a run with wins
		// and no losing trades.
		if math.IsInf(result.Metrics.ProfitFactor, 1) {
			result.Metrics.ProfitFactor = -1
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Fatalf("Failed to encode result: %v", err)
		}
		return
	}

	printSummary(os.Stdout, result)
}

func printSummary(w io.Writer, r *backtest.Result) {
	m := r.Metrics
	fmt.Fprintf(w, "Backtest %s: %d day(s), %d trade(s)\n", r.Symbol, len(r.Days), m.TotalTrades)
	if m.TotalTrades == 0 {
		fmt.Fprintln(w, "  No entries cleared the conviction and selection gates.")
		return
	}

	fmt.Fprintf(w, "  Net P&L:        $%.2f\n", m.NetPnL)
	fmt.Fprintf(w, "  Win rate:       %.1f%% (%dW / %dL)\n", m.WinRate*100, m.Wins, m.Losses)
	fmt.Fprintf(w, "  Profit factor:  %s\n", formatProfitFactor(m.ProfitFactor))
	fmt.Fprintf(w, "  Max drawdown:   $%.2f\n", m.MaxDrawdown)
	fmt.Fprintf(w, "  Sharpe:         %.2f\n", m.Sharpe)
	fmt.Fprintf(w, "  Avg hold:       %.1f min\n", m.AvgHoldMinutes)
	fmt.Fprintf(w, "  Costs:          $%.2f slippage, $%.2f commission\n", m.TotalSlippage, m.TotalCommission)

	printBreakdown(w, "By direction", m.ByDirection)
	printBreakdown(w, "By exit reason", m.ByExitReason)
	printBreakdown(w, "By market day", m.ByMarketDay)
}

func printBreakdown(w io.Writer, title string, buckets map[string]backtest.SliceMetrics) {
	if len(buckets) == 0 {
		return
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		s := buckets[k]
		fmt.Fprintf(w, "  %-20s %3d trade(s)  %5.1f%% win  $%.2f\n", k, s.Trades, s.WinRate*100, s.NetPnL)
	}
}

func formatProfitFactor(pf float64) string {
	if math.IsInf(pf, 1) {
		return "no losing trades"
	}
	return fmt.Sprintf("%.2f", pf)
}
