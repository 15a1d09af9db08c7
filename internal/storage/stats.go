package storage

import (
	"errors"
	"sync"
)

// DayStats is one trading day's realized results.
type DayStats struct {
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	PnL    float64 `json:"pnl"`
}

// StatsState is the persisted roll-up across all recorded trades.
type StatsState struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	TotalPnL    float64 `json:"total_pnl"`
	// Streak counts consecutive results: positive for wins, negative for
	// losses.
	Streak int                 `json:"streak"`
	Days   map[string]DayStats `json:"days"`
}

// Statistics accumulates realized trade results per day and persists the
// roll-up after every record. Breakeven trades count as losses.
type Statistics struct {
	mu    sync.Mutex
	store Store
	state StatsState
}

// NewStatistics loads any persisted roll-up from the store.
func NewStatistics(store Store) *Statistics {
	s := &Statistics{store: store}
	if store != nil {
		var st StatsState
		if err := store.Get(NamespaceDailyStats, &st); err == nil {
			s.state = st
		} else if !errors.Is(err, ErrNotFound) {
			// Corrupt stats are not worth failing startup over; start fresh.
			s.state = StatsState{}
		}
	}
	if s.state.Days == nil {
		s.state.Days = make(map[string]DayStats)
	}
	return s
}

// RecordTrade folds one realized exit into the roll-up. date is the ET
// trading day, "2006-01-02".
func (s *Statistics) RecordTrade(date string, pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.TotalTrades++
	s.state.TotalPnL += pnl
	day := s.state.Days[date]
	day.Trades++
	day.PnL += pnl
	if pnl > 0 {
		s.state.Wins++
		day.Wins++
		if s.state.Streak < 0 {
			s.state.Streak = 0
		}
		s.state.Streak++
	} else {
		s.state.Losses++
		if s.state.Streak > 0 {
			s.state.Streak = 0
		}
		s.state.Streak--
	}
	s.state.Days[date] = day

	if s.store != nil {
		// Best effort; the in-memory roll-up stays authoritative.
		_ = s.store.Put(NamespaceDailyStats, s.state)
	}
}

// Snapshot returns a copy of the current roll-up.
func (s *Statistics) Snapshot() StatsState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.Days = make(map[string]DayStats, len(s.state.Days))
	for k, v := range s.state.Days {
		out.Days[k] = v
	}
	return out
}

// WinRate is wins over total, 0 when no trades are recorded.
func (s *Statistics) WinRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.TotalTrades == 0 {
		return 0
	}
	return float64(s.state.Wins) / float64(s.state.TotalTrades)
}
