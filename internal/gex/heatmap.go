package gex

import (
	"sort"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
)

// Heatmap is a strikes x expirations grid of net GEX, used by the dashboard.
type Heatmap struct {
	Strikes     []float64 `json:"strikes"`     // ascending
	Expirations []string  `json:"expirations"` // ascending YYYY-MM-DD
	// Cells[i][j] is net GEX at Strikes[i] for Expirations[j].
	Cells [][]float64 `json:"cells"`
}

// ComputeHeatmap builds the grid from a multi-expiry chain. Contracts that
// the per-expiry aggregation would skip are skipped here too.
func (e *Engine) ComputeHeatmap(chain []broker.OptionContract, spot float64, now time.Time) *Heatmap {
	byExpiry := make(map[string][]broker.OptionContract)
	for _, c := range chain {
		byExpiry[c.Expiration] = append(byExpiry[c.Expiration], c)
	}

	expirations := make([]string, 0, len(byExpiry))
	for exp := range byExpiry {
		expirations = append(expirations, exp)
	}
	sort.Strings(expirations)

	// Collect the strike axis across all expirations.
	strikeSet := make(map[float64]struct{})
	rowsByExpiry := make(map[string][]StrikeRow, len(expirations))
	for _, exp := range expirations {
		rows := e.aggregate(byExpiry[exp], spot, now)
		rowsByExpiry[exp] = rows
		for _, row := range rows {
			strikeSet[row.Strike] = struct{}{}
		}
	}

	strikes := make([]float64, 0, len(strikeSet))
	for s := range strikeSet {
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)

	strikeIdx := make(map[float64]int, len(strikes))
	for i, s := range strikes {
		strikeIdx[s] = i
	}

	cells := make([][]float64, len(strikes))
	for i := range cells {
		cells[i] = make([]float64, len(expirations))
	}
	for j, exp := range expirations {
		for _, row := range rowsByExpiry[exp] {
			cells[strikeIdx[row.Strike]][j] = row.NetGEX
		}
	}

	return &Heatmap{Strikes: strikes, Expirations: expirations, Cells: cells}
}
