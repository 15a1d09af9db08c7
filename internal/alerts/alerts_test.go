package alerts

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestAlertNormalize(t *testing.T) {
	tests := []struct {
		name    string
		alert   Alert
		wantErr bool
		want    Alert
	}{
		{
			name:  "lowercase fields upper-cased",
			alert: Alert{Action: "buy", Ticker: " spy ", Confidence: "high"},
			want:  Alert{Action: ActionBuy, Ticker: "SPY", Confidence: ConfidenceHigh},
		},
		{
			name:  "confidence optional",
			alert: Alert{Action: "TAKE_PROFIT", Ticker: "QQQ"},
			want:  Alert{Action: ActionTakeProfit, Ticker: "QQQ"},
		},
		{
			name:    "unknown action",
			alert:   Alert{Action: "HOLD", Ticker: "SPY"},
			wantErr: true,
		},
		{
			name:    "missing ticker",
			alert:   Alert{Action: "SELL"},
			wantErr: true,
		},
		{
			name:    "unknown confidence",
			alert:   Alert{Action: "SELL", Ticker: "SPY", Confidence: "HUGE"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.alert.Normalize()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if tt.alert != tt.want {
				t.Errorf("normalized = %+v, want %+v", tt.alert, tt.want)
			}
		})
	}
}

func TestAlertDirection(t *testing.T) {
	tests := []struct {
		action string
		want   string
	}{
		{ActionBuy, "bullish"},
		{ActionSell, "bearish"},
		{ActionTakeProfit, ""},
		{ActionAlert, ""},
	}
	for _, tt := range tests {
		a := Alert{Action: tt.action}
		if got := a.Direction(); got != tt.want {
			t.Errorf("Direction(%s) = %q, want %q", tt.action, got, tt.want)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	logger := logrus.New()
	var hook capturingHook
	logger.AddHook(&hook)

	n := &LogNotifier{Logger: logger}
	n.Notify(context.Background(), Event{
		Kind:   EventEntry,
		Title:  "Opened SPY call",
		Fields: map[string]string{"qty": "2"},
	})

	if len(hook.entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(hook.entries))
	}
	e := hook.entries[0]
	if e.Data["kind"] != EventEntry {
		t.Errorf("kind field = %v", e.Data["kind"])
	}
	if e.Data["qty"] != "2" {
		t.Errorf("qty field = %v", e.Data["qty"])
	}
}

func TestLogNotifierNilLogger(t *testing.T) {
	n := &LogNotifier{}
	n.Notify(context.Background(), Event{Kind: EventInfo, Title: "noop"})
}

type capturingHook struct {
	entries []*logrus.Entry
}

func (h *capturingHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *capturingHook) Fire(e *logrus.Entry) error {
	h.entries = append(h.entries, e)
	return nil
}
