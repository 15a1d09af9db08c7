package storage

import (
	"math"
	"testing"
)

func TestStatisticsRollUp(t *testing.T) {
	s := NewStatistics(nil)

	s.RecordTrade("2026-02-12", 40)
	s.RecordTrade("2026-02-12", -15)
	s.RecordTrade("2026-02-13", 25)
	s.RecordTrade("2026-02-13", 10)

	st := s.Snapshot()
	if st.TotalTrades != 4 || st.Wins != 3 || st.Losses != 1 {
		t.Errorf("counts = %d/%d/%d", st.TotalTrades, st.Wins, st.Losses)
	}
	if st.TotalPnL != 60 {
		t.Errorf("total pnl = %.2f", st.TotalPnL)
	}
	if st.Streak != 2 {
		t.Errorf("streak = %d, want 2 after two wins", st.Streak)
	}

	day := st.Days["2026-02-12"]
	if day.Trades != 2 || day.Wins != 1 || day.PnL != 25 {
		t.Errorf("day stats = %+v", day)
	}
	if math.Abs(s.WinRate()-0.75) > 1e-9 {
		t.Errorf("win rate = %.4f", s.WinRate())
	}
}

func TestStatisticsBreakevenIsLoss(t *testing.T) {
	s := NewStatistics(nil)
	s.RecordTrade("2026-02-12", 0)
	st := s.Snapshot()
	if st.Losses != 1 || st.Streak != -1 {
		t.Errorf("breakeven counted as %+v", st)
	}
}

func TestStatisticsLossResetsWinStreak(t *testing.T) {
	s := NewStatistics(nil)
	s.RecordTrade("2026-02-12", 10)
	s.RecordTrade("2026-02-12", 10)
	s.RecordTrade("2026-02-12", -5)
	if st := s.Snapshot(); st.Streak != -1 {
		t.Errorf("streak = %d, want -1", st.Streak)
	}
}

func TestStatisticsPersistAndReload(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	s := NewStatistics(store)
	s.RecordTrade("2026-02-12", 12.5)
	s.RecordTrade("2026-02-12", -4)

	reloaded := NewStatistics(store)
	st := reloaded.Snapshot()
	if st.TotalTrades != 2 || st.TotalPnL != 8.5 {
		t.Errorf("reloaded = %+v", st)
	}
	if st.Days["2026-02-12"].Trades != 2 {
		t.Errorf("day missing after reload: %+v", st.Days)
	}
}

func TestStatisticsSnapshotIsCopy(t *testing.T) {
	s := NewStatistics(nil)
	s.RecordTrade("2026-02-12", 1)
	snap := s.Snapshot()
	snap.Days["2026-02-12"] = DayStats{Trades: 99}
	if s.Snapshot().Days["2026-02-12"].Trades != 1 {
		t.Error("snapshot shares the internal day map")
	}
}
