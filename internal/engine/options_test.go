package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/ai"
	"github.com/eddiefleurent/stamford_scalper/internal/alerts"
	"github.com/eddiefleurent/stamford_scalper/internal/breaker"
	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/gex"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/policy"
	"github.com/eddiefleurent/stamford_scalper/internal/storage"
)

// fakeGateway returns canned data and records order traffic.
type fakeGateway struct {
	broker.Gateway

	mu sync.Mutex

	clock     broker.Clock
	clockErr  error
	account   broker.Account
	positions []broker.Position
	equities  []broker.Position
	snapshot     broker.Snapshot
	intraday     []models.Bar
	daily        []models.Bar
	macroHistory []models.Bar
	chain        []broker.OptionContract
	changePct    map[string]float64

	snapshotCalls int
	orders        []broker.OptionsOrderRequest
	equityOrders  []broker.OrderRequest
	closes        []string
	canceledAll   bool
	closedAll     bool
}

func (f *fakeGateway) GetClock(ctx context.Context) (*broker.Clock, error) {
	if f.clockErr != nil {
		return nil, f.clockErr
	}
	c := f.clock
	return &c, nil
}

func (f *fakeGateway) GetAccount(ctx context.Context) (*broker.Account, error) {
	a := f.account
	return &a, nil
}

func (f *fakeGateway) GetOptionsPositions(ctx context.Context) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Position(nil), f.positions...), nil
}

func (f *fakeGateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Position(nil), f.equities...), nil
}

func (f *fakeGateway) GetSnapshot(ctx context.Context, ticker string) (*broker.Snapshot, error) {
	f.mu.Lock()
	f.snapshotCalls++
	f.mu.Unlock()
	s := f.snapshot
	s.Symbol = ticker
	return &s, nil
}

func (f *fakeGateway) GetIntradayBars(ctx context.Context, ticker, timeframe string, limit int) ([]models.Bar, error) {
	return f.intraday, nil
}

func (f *fakeGateway) GetHistory(ctx context.Context, ticker string, days int) ([]models.Bar, error) {
	// Long lookbacks are macro requests; short ones feed technicals.
	if days >= 200 && f.macroHistory != nil {
		return f.macroHistory, nil
	}
	return f.daily, nil
}

func (f *fakeGateway) GetSnapshots(ctx context.Context, tickers []string) (map[string]broker.Snapshot, error) {
	out := make(map[string]broker.Snapshot, len(tickers))
	for _, t := range tickers {
		change := 1.0
		if pct, ok := f.changePct[t]; ok {
			change = pct
		}
		out[t] = broker.Snapshot{Symbol: t, Price: 100, ChangePct: change}
	}
	return out, nil
}

func (f *fakeGateway) CreateOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.equityOrders = append(f.equityOrders, req)
	return &broker.Order{ID: "eq-1", Status: broker.OrderStatusPending}, nil
}

func (f *fakeGateway) ClosePosition(ctx context.Context, symbol string, qty int) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, symbol)
	return &broker.Order{ID: "eq-close-1", Status: broker.OrderStatusPending}, nil
}

func (f *fakeGateway) GetOptionExpirations(ctx context.Context, ticker string) ([]string, error) {
	return []string{"2026-02-12"}, nil
}

func (f *fakeGateway) GetOptionsSnapshots(ctx context.Context, ticker, expiration, optionType string) ([]broker.OptionContract, error) {
	return f.chain, nil
}

func (f *fakeGateway) CreateOptionsOrder(ctx context.Context, req broker.OptionsOrderRequest) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	return &broker.Order{ID: "ord-1", Status: broker.OrderStatusPending}, nil
}

func (f *fakeGateway) CloseOptionsPosition(ctx context.Context, symbol string, qty int) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, symbol)
	return &broker.Order{ID: "close-1", Status: broker.OrderStatusPending}, nil
}

func (f *fakeGateway) CancelAllOrders(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceledAll = true
	return nil
}

func (f *fakeGateway) CloseAllPositions(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedAll = true
	return nil
}

type cannedCompleter struct{ response string }

func (c *cannedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return c.response, nil
}

// decliningBars produces a monotone sell-off: RSI pins oversold and price
// sits below VWAP, which the assessor reads as a mean-reversion setup.
func decliningBars(n int, start float64) []models.Bar {
	bars := make([]models.Bar, n)
	ts := time.Date(2026, 1, 6, 14, 30, 0, 0, time.UTC)
	price := start
	for i := range bars {
		bars[i] = models.Bar{
			Timestamp: ts.Add(time.Duration(i) * 5 * time.Minute),
			Open:      price,
			High:      price + 0.05,
			Low:       price - 0.30,
			Close:     price - 0.25,
			Volume:    100000,
		}
		price -= 0.25
	}
	return bars
}

func flatDailyBars(n int, price float64) []models.Bar {
	bars := make([]models.Bar, n)
	ts := time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = models.Bar{
			Timestamp: ts.AddDate(0, 0, i),
			Open:      price,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price,
			Volume:    50000000,
		}
	}
	return bars
}

// callHeavyChain yields positive net GEX (long gamma) with strikes kept
// away from spot so no wall contribution muddies the direction.
func callHeavyChain(spot float64) []broker.OptionContract {
	call := contract("call", spot+10, 2.00, 2.05, 0.40, 20000, 500)
	call.Expiration = "2026-02-12"
	call.IV = 0.25
	call.Greeks.Gamma = 0.05
	put := contract("put", spot-10, 2.00, 2.05, -0.40, 1000, 100)
	put.Expiration = "2026-02-12"
	put.IV = 0.25
	put.Greeks.Gamma = 0.05
	return []broker.OptionContract{call, put}
}

// sessionTime is a Tuesday 13:00 ET, mid-session.
func sessionTime() time.Time {
	return time.Date(2026, 1, 6, 18, 0, 0, 0, time.UTC)
}

func bullishGateway() *fakeGateway {
	spot := 495.0
	return &fakeGateway{
		clock:    broker.Clock{IsOpen: true},
		account:  broker.Account{Equity: 100000, BuyingPower: 200000},
		snapshot: broker.Snapshot{Price: spot, PrevClose: spot, Volume: 1000000},
		intraday: decliningBars(60, 510),
		daily:    flatDailyBars(30, spot),
		chain:    callHeavyChain(spot),
	}
}

func newTestEngine(t *testing.T, gw *fakeGateway, aiResponse string) *OptionsEngine {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	e := NewOptionsEngine(Options{
		Gateway:     gw,
		Policy:      policy.NewEngine(store),
		Breaker:     breaker.New(store),
		GEX:         gex.New(),
		Adjudicator: ai.New(&cannedCompleter{response: aiResponse}, time.Second),
		Store:       store,
		Logger:      log.New(io.Discard, "", 0),
	})
	e.now = sessionTime
	return e
}

const buyCallResponse = `{"action":"BUY_CALL","conviction":8,"reason":"oversold bounce at support"}`

func TestCycleEntersOnBullishSetup(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, buyCallResponse)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if len(gw.orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(gw.orders))
	}
	order := gw.orders[0]
	if order.Side != "buy_to_open" || order.Type != "limit" {
		t.Errorf("order = %+v", order)
	}
	// Mid of 2.00/2.05 rounded to the cent.
	if order.LimitPrice < 2.02 || order.LimitPrice > 2.03 {
		t.Errorf("limit price = %.4f, want ~2.03", order.LimitPrice)
	}
	// floor(500 / (mid*100)) = 2 contracts.
	if order.Qty != 2 {
		t.Errorf("qty = %d, want 2", order.Qty)
	}

	trades := e.TrackedTrades()
	if len(trades) != 1 {
		t.Fatalf("tracked trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.State != models.StateOpen || tr.OptionType != "call" || tr.Qty != 2 {
		t.Errorf("trade = %+v", tr)
	}
	if tr.Conviction < 3 {
		t.Errorf("conviction = %d", tr.Conviction)
	}
	if !e.policy.OptionsCooldownActive("SPY") {
		t.Error("post-trade cooldown not armed")
	}
}

func TestCycleSkipsWhenAdjudicatorSaysSkip(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, `{"action":"SKIP","conviction":2,"reason":"chop"}`)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(gw.orders) != 0 {
		t.Errorf("orders = %d, want 0 after SKIP", len(gw.orders))
	}
}

func TestCycleSkipsOnUnparseableAIResponse(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, "I think you should definitely buy calls here!")

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(gw.orders) != 0 {
		t.Errorf("orders = %d, want 0 when the verdict does not parse", len(gw.orders))
	}
}

func TestCycleSkipsWhenMarketClosed(t *testing.T) {
	gw := bullishGateway()
	gw.clock.IsOpen = false
	e := newTestEngine(t, gw, buyCallResponse)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if gw.snapshotCalls != 0 {
		t.Error("scanned while market closed")
	}
}

func TestCycleSkipsInsideDiscoveryWindow(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, buyCallResponse)
	// 09:40 ET, ten minutes after the open.
	e.now = func() time.Time { return time.Date(2026, 1, 6, 14, 40, 0, 0, time.UTC) }

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if gw.snapshotCalls != 0 {
		t.Error("scanned inside the discovery window")
	}
}

func TestCycleBreakerPausedBlocksScanNotMonitor(t *testing.T) {
	gw := bullishGateway()
	gw.positions = []broker.Position{
		{Symbol: "SPY260212C00505000", Qty: 1, UnrealizedPL: -60, UnrealizedPLPC: -0.25},
	}
	e := newTestEngine(t, gw, buyCallResponse)
	for i := 0; i < 5; i++ {
		e.breaker.RecordError()
	}

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	// The pause stops new entries; open positions stay managed, so the
	// stopped-out call still gets its close order.
	if gw.snapshotCalls != 0 {
		t.Error("scanned while breaker paused")
	}
	if len(gw.orders) != 0 {
		t.Errorf("orders = %d, want 0 while paused", len(gw.orders))
	}
	if len(gw.closes) != 1 || gw.closes[0] != "SPY260212C00505000" {
		t.Errorf("closes = %v, want the stopped-out position closed", gw.closes)
	}
}

func TestCycleClockErrorCountsAgainstBreaker(t *testing.T) {
	gw := bullishGateway()
	gw.clockErr = errors.New("gateway 500")
	e := newTestEngine(t, gw, buyCallResponse)

	if err := e.Cycle(context.Background()); err == nil {
		t.Fatal("expected clock error to surface")
	}
	if e.breaker.Snapshot().ConsecutiveErrors != 1 {
		t.Errorf("errors = %d, want 1", e.breaker.Snapshot().ConsecutiveErrors)
	}
}

func TestCycleRespectsCapacity(t *testing.T) {
	gw := bullishGateway()
	gw.positions = []broker.Position{
		{Symbol: "SPY260212C00505000", Qty: 1, UnrealizedPLPC: 0.05},
		{Symbol: "QQQ260212C00430000", Qty: 1, UnrealizedPLPC: 0.02},
	}
	e := newTestEngine(t, gw, buyCallResponse)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	// Default max is 2; at capacity means no scanning at all.
	if gw.snapshotCalls != 0 {
		t.Error("scanned at capacity")
	}
	if len(gw.orders) != 0 {
		t.Error("ordered at capacity")
	}
}

func TestMonitorClosesStoppedOutPosition(t *testing.T) {
	gw := bullishGateway()
	gw.positions = []broker.Position{
		{Symbol: "SPY260212C00505000", Qty: 2, UnrealizedPL: -120, UnrealizedPLPC: -0.25},
	}
	e := newTestEngine(t, gw, `{"action":"SKIP","conviction":0}`)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(gw.closes) != 1 || gw.closes[0] != "SPY260212C00505000" {
		t.Fatalf("closes = %v", gw.closes)
	}
	// The loss feeds the daily cap and the bad-trade streak.
	if got := e.policy.OptionsDailyLoss(); got != 120 {
		t.Errorf("daily loss = %.0f, want 120", got)
	}
	if e.breaker.Snapshot().ConsecutiveBadTrades != 1 {
		t.Errorf("bad trades = %d, want 1", e.breaker.Snapshot().ConsecutiveBadTrades)
	}
}

func TestReconcileClosesVanishedTrade(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, buyCallResponse)
	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("entry cycle failed: %v", err)
	}
	if len(e.TrackedTrades()) != 1 {
		t.Fatal("expected one tracked trade")
	}

	// Broker reports flat (manual close in the broker UI); the tracked
	// trade must resolve instead of monitoring a ghost.
	e.lastScan = map[string]time.Time{}
	e.policy.SetKillSwitch(true) // suppress re-entry on the next cycle
	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("reconcile cycle failed: %v", err)
	}
	if got := len(e.TrackedTrades()); got != 0 {
		t.Errorf("tracked trades = %d, want 0 after reconcile", got)
	}
}

func TestCycleSingleFlight(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, buyCallResponse)
	e.inFlight.Store(true)
	if err := e.Cycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("err = %v, want ErrCycleInProgress", err)
	}
}

func TestHandleAlertEnters(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, buyCallResponse)

	alert := alerts.Alert{Action: "BUY", Ticker: "SPY", Confidence: "HIGH"}
	if err := alert.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := e.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("alert failed: %v", err)
	}
	if len(gw.orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(gw.orders))
	}
	trades := e.TrackedTrades()
	if len(trades) != 1 || !strings.Contains(trades[0].Reason, "alert") {
		t.Errorf("trade reason = %q, want alert provenance", trades[0].Reason)
	}
}

func TestHandleAlertIgnoredWhilePaused(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, buyCallResponse)
	for i := 0; i < 5; i++ {
		e.breaker.RecordError()
	}

	alert := alerts.Alert{Action: "BUY", Ticker: "SPY", Confidence: "HIGH"}
	if err := alert.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := e.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("alert failed: %v", err)
	}
	if len(gw.orders) != 0 {
		t.Errorf("orders = %d, want 0 while paused", len(gw.orders))
	}
}

func TestKillSweep(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, buyCallResponse)
	e.policy.SetKillSwitch(true)

	e.KillSweep(context.Background())

	if !gw.canceledAll || !gw.closedAll {
		t.Errorf("canceledAll=%v closedAll=%v, want both", gw.canceledAll, gw.closedAll)
	}
	var snapshot map[string]interface{}
	if err := e.store.Get(storage.NamespacePostMortem, &snapshot); err != nil {
		t.Fatalf("post-mortem not persisted: %v", err)
	}
	if _, ok := snapshot["account"]; !ok {
		t.Error("post-mortem missing account")
	}
}

func TestKillSwitchBlocksEntries(t *testing.T) {
	gw := bullishGateway()
	e := newTestEngine(t, gw, buyCallResponse)
	e.policy.SetKillSwitch(true)

	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(gw.orders) != 0 {
		t.Errorf("orders = %d, want 0 under kill switch", len(gw.orders))
	}
}

func TestTrackedTradesSurviveRestart(t *testing.T) {
	gw := bullishGateway()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	mk := func() *OptionsEngine {
		e := NewOptionsEngine(Options{
			Gateway:     gw,
			Policy:      policy.NewEngine(store),
			Breaker:     breaker.New(store),
			GEX:         gex.New(),
			Adjudicator: ai.New(&cannedCompleter{response: buyCallResponse}, time.Second),
			Store:       store,
			Logger:      log.New(io.Discard, "", 0),
		})
		e.now = sessionTime
		return e
	}

	e := mk()
	if err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	want := e.TrackedTrades()
	if len(want) != 1 {
		t.Fatal("expected one tracked trade")
	}

	restarted := mk()
	got := restarted.TrackedTrades()
	if len(got) != 1 || got[0].Symbol != want[0].Symbol || got[0].Qty != want[0].Qty {
		t.Errorf("restored trades = %+v, want %+v", got, want)
	}
}
