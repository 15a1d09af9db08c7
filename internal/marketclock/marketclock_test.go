package marketclock

import (
	"testing"
	"time"
)

// 2026-02-12 is a Thursday; February keeps the test on EST year-round.
func eastern(hour, minute int) time.Time {
	return time.Date(2026, 2, 12, hour, minute, 0, 0, Eastern())
}

func TestInSession(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"mid-session", eastern(11, 0), true},
		{"at the open", eastern(9, 30), true},
		{"before the open", eastern(9, 29), false},
		{"at the close", eastern(16, 0), false},
		{"after hours", eastern(19, 0), false},
		{"saturday", time.Date(2026, 2, 14, 11, 0, 0, 0, Eastern()), false},
		{"sunday", time.Date(2026, 2, 15, 11, 0, 0, 0, Eastern()), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InSession(tt.t); got != tt.want {
				t.Errorf("InSession(%s) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestSessionMinutes(t *testing.T) {
	at := eastern(10, 0)
	if got := MinutesSinceOpen(at); got != 30 {
		t.Errorf("MinutesSinceOpen = %d, want 30", got)
	}
	if got := MinutesToClose(at); got != 360 {
		t.Errorf("MinutesToClose = %d, want 360", got)
	}

	pre := eastern(9, 0)
	if got := MinutesSinceOpen(pre); got >= 0 {
		t.Errorf("MinutesSinceOpen before the bell = %d, want negative", got)
	}
	post := eastern(16, 30)
	if got := MinutesToClose(post); got >= 0 {
		t.Errorf("MinutesToClose after the bell = %d, want negative", got)
	}
}

func TestSessionMinutesConvertsZones(t *testing.T) {
	// 15:00 UTC on an EST day is 10:00 ET.
	at := time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)
	if got := MinutesSinceOpen(at); got != 30 {
		t.Errorf("MinutesSinceOpen(UTC) = %d, want 30", got)
	}
}

func TestDateString(t *testing.T) {
	// 02:00 UTC is still the previous evening in New York.
	late := time.Date(2026, 2, 13, 2, 0, 0, 0, time.UTC)
	if got := DateString(late); got != "2026-02-12" {
		t.Errorf("DateString = %s, want 2026-02-12", got)
	}
}
