package backtest

import "math"

// Metrics aggregates a run's ledger.
type Metrics struct {
	TotalTrades     int     `json:"totalTrades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRate         float64 `json:"winRate"`
	NetPnL          float64 `json:"netPnL"`
	ProfitFactor    float64 `json:"profitFactor"`
	MaxDrawdown     float64 `json:"maxDrawdown"`
	Sharpe          float64 `json:"sharpe"`
	AvgHoldMinutes  float64 `json:"avgHoldMinutes"`
	TotalSlippage   float64 `json:"totalSlippage"`
	TotalCommission float64 `json:"totalCommission"`

	ByDirection  map[string]SliceMetrics `json:"byDirection"`
	ByExitReason map[string]SliceMetrics `json:"byExitReason"`
	ByMarketDay  map[string]SliceMetrics `json:"byMarketDay"`
}

// SliceMetrics is one breakdown bucket.
type SliceMetrics struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	NetPnL  float64 `json:"netPnL"`
	WinRate float64 `json:"winRate"`
}

const annualization = 252

// marketDayLabel classifies the session by its close-vs-open change.
func marketDayLabel(changePct float64) string {
	switch {
	case changePct > 0.1:
		return "up"
	case changePct < -0.1:
		return "down"
	default:
		return "flat"
	}
}

func computeMetrics(days []DayResult) Metrics {
	m := Metrics{
		ByDirection:  make(map[string]SliceMetrics),
		ByExitReason: make(map[string]SliceMetrics),
		ByMarketDay:  make(map[string]SliceMetrics),
	}

	var (
		grossWins   float64
		grossLosses float64
		totalHold   float64
		cumulative  float64
		peak        float64
		dailyPnL    []float64
	)

	bump := func(bucket map[string]SliceMetrics, key string, t Trade) {
		s := bucket[key]
		s.Trades++
		if t.NetPnL > 0 {
			s.Wins++
		}
		s.NetPnL = roundCents(s.NetPnL + t.NetPnL)
		if s.Trades > 0 {
			s.WinRate = float64(s.Wins) / float64(s.Trades)
		}
		bucket[key] = s
	}

	for _, day := range days {
		dailyPnL = append(dailyPnL, day.NetPnL)
		dayLabel := marketDayLabel(day.MarketChange)

		for _, t := range day.Trades {
			m.TotalTrades++
			m.NetPnL = roundCents(m.NetPnL + t.NetPnL)
			m.TotalSlippage = roundCents(m.TotalSlippage + t.Slippage)
			m.TotalCommission = roundCents(m.TotalCommission + t.Commission)
			totalHold += t.HoldMinutes

			if t.NetPnL > 0 {
				m.Wins++
				grossWins += t.NetPnL
			} else {
				m.Losses++
				grossLosses += -t.NetPnL
			}

			cumulative += t.NetPnL
			if cumulative > peak {
				peak = cumulative
			}
			if dd := peak - cumulative; dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}

			bump(m.ByDirection, t.Direction, t)
			bump(m.ByExitReason, t.ExitReason, t)
			bump(m.ByMarketDay, dayLabel, t)
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.TotalTrades)
		m.AvgHoldMinutes = totalHold / float64(m.TotalTrades)
	}
	if grossLosses > 0 {
		m.ProfitFactor = grossWins / grossLosses
	} else if grossWins > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	m.MaxDrawdown = roundCents(m.MaxDrawdown)
	m.Sharpe = sharpe(dailyPnL)
	return m
}

// sharpe annualizes mean/stddev of daily P&L. Zero when fewer than two days
// or flat P&L.
func sharpe(daily []float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range daily {
		mean += v
	}
	mean /= float64(len(daily))

	variance := 0.0
	for _, v := range daily {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(daily)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(annualization)
}
