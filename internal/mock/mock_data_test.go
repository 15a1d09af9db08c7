package mock

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/osi"
)

// Tuesday 13:00 ET.
var sessionTime = time.Date(2026, 1, 6, 18, 0, 0, 0, time.UTC)

func newTestGateway(seed int64) *Gateway {
	g := New(seed)
	g.SetNow(func() time.Time { return sessionTime })
	return g
}

func TestDeterministicForSeed(t *testing.T) {
	ctx := context.Background()
	a := newTestGateway(7)
	b := newTestGateway(7)

	sa, _ := a.GetSnapshot(ctx, "SPY")
	sb, _ := b.GetSnapshot(ctx, "SPY")
	if sa.Price != sb.Price {
		t.Errorf("same seed diverged: %.4f vs %.4f", sa.Price, sb.Price)
	}

	ba, _ := a.GetIntradayBars(ctx, "SPY", "5min", 50)
	bb, _ := b.GetIntradayBars(ctx, "SPY", "5min", 50)
	for i := range ba {
		if ba[i].Close != bb[i].Close {
			t.Fatalf("bar %d diverged", i)
		}
	}
}

func TestClockFollowsSession(t *testing.T) {
	g := newTestGateway(1)
	clock, err := g.GetClock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !clock.IsOpen {
		t.Error("13:00 ET Tuesday should be open")
	}

	g.SetNow(func() time.Time {
		return time.Date(2026, 1, 10, 18, 0, 0, 0, time.UTC) // Saturday
	})
	clock, _ = g.GetClock(context.Background())
	if clock.IsOpen {
		t.Error("Saturday should be closed")
	}
}

func TestChainShape(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(1)
	expirations, err := g.GetOptionExpirations(ctx, "SPY")
	if err != nil || len(expirations) != 1 {
		t.Fatalf("expirations = %v, %v", expirations, err)
	}
	if expirations[0] != "2026-01-06" {
		t.Errorf("expiration = %s, want same-day", expirations[0])
	}

	chain, err := g.GetOptionsSnapshots(ctx, "SPY", expirations[0], "")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) == 0 {
		t.Fatal("empty chain")
	}
	for _, c := range chain {
		if !osi.Valid(c.Symbol) {
			t.Errorf("bad OSI symbol %q", c.Symbol)
		}
		if c.Quote.Ask < c.Quote.Bid {
			t.Errorf("%s crossed quote", c.Symbol)
		}
		if c.IV <= 0 || c.OpenInterest <= 0 {
			t.Errorf("%s missing IV/OI", c.Symbol)
		}
		if c.Type == osi.TypePut && c.Greeks.Delta > 0 {
			t.Errorf("%s positive put delta", c.Symbol)
		}
	}

	callsOnly, err := g.GetOptionsSnapshots(ctx, "SPY", expirations[0], "call")
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range callsOnly {
		if c.Type != "call" {
			t.Errorf("type filter leaked a %s", c.Type)
		}
	}
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(1)

	expiration := "2026-01-06"
	chain, err := g.GetOptionsSnapshots(ctx, "SPY", expiration, "call")
	if err != nil || len(chain) == 0 {
		t.Fatalf("chain: %v", err)
	}
	symbol := chain[0].Symbol

	order, err := g.CreateOptionsOrder(ctx, broker.OptionsOrderRequest{
		Symbol:     symbol,
		Side:       "buy_to_open",
		Qty:        2,
		Type:       "limit",
		LimitPrice: 1.50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != broker.OrderStatusFilled {
		t.Errorf("status = %s", order.Status)
	}

	fetched, err := g.GetOrder(ctx, order.ID)
	if err != nil || fetched.AvgFillPrice != 1.50 {
		t.Errorf("GetOrder = %+v, %v", fetched, err)
	}

	positions, _ := g.GetOptionsPositions(ctx)
	if len(positions) != 1 || positions[0].Qty != 2 {
		t.Fatalf("positions = %+v", positions)
	}

	if _, err := g.CloseOptionsPosition(ctx, symbol, 2); err != nil {
		t.Fatal(err)
	}
	positions, _ = g.GetOptionsPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("position not flat after close: %+v", positions)
	}
}

func TestCloseAllPositions(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(1)

	if _, err := g.CreateOrder(ctx, broker.OrderRequest{
		Symbol: "SPY", Side: "buy", Qty: 10, Type: "market", TimeInForce: "day",
	}); err != nil {
		t.Fatal(err)
	}
	if err := g.CloseAllPositions(ctx); err != nil {
		t.Fatal(err)
	}
	positions, _ := g.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("positions remain: %+v", positions)
	}
}

func TestHistoryEndsNearSpot(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(1)
	bars, err := g.GetHistory(ctx, "SPY", 250)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 250 {
		t.Fatalf("bars = %d", len(bars))
	}
	last := bars[len(bars)-1].Close
	if last < 400 || last > 600 {
		t.Errorf("terminal close %.2f far from seeded spot", last)
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			t.Fatalf("timestamps not increasing at %d", i)
		}
	}
}

func TestRejectsBadExpiration(t *testing.T) {
	g := newTestGateway(1)
	if _, err := g.GetOptionsSnapshots(context.Background(), "SPY", "not-a-date", ""); err == nil {
		t.Error("expected error for malformed expiration")
	}
}
