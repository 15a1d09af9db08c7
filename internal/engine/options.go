// Package engine drives the trading cycles: the 0DTE options scanner with
// its position monitor, the equity cycle, and the alert-triggered fast path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/stamford_scalper/internal/ai"
	"github.com/eddiefleurent/stamford_scalper/internal/alerts"
	"github.com/eddiefleurent/stamford_scalper/internal/assess"
	"github.com/eddiefleurent/stamford_scalper/internal/breaker"
	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/gex"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/macro"
	"github.com/eddiefleurent/stamford_scalper/internal/marketclock"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/mtf"
	"github.com/eddiefleurent/stamford_scalper/internal/orders"
	"github.com/eddiefleurent/stamford_scalper/internal/policy"
	"github.com/eddiefleurent/stamford_scalper/internal/retry"
	"github.com/eddiefleurent/stamford_scalper/internal/storage"
	"github.com/eddiefleurent/stamford_scalper/internal/util"
)

const (
	// Gate 5: skip the first minutes after the open while price discovers.
	discoveryWindowMinutes = 15

	// Per-underlying re-scan cooldown, independent of the post-trade one.
	rescanCooldown = 90 * time.Second

	// Conviction floors before AI adjudication.
	scanConvictionFloor  = 3
	alertConvictionFloor = 2

	maxContractsPerTrade = 3

	intradayBarTimeframe = "5min"
	intradayBarLimit     = 120
)

// ErrCycleInProgress is returned when a cycle is invoked while another is
// still running; the caller simply waits for the next tick.
var ErrCycleInProgress = errors.New("cycle already in progress")

// OptionsEngine owns the options trading cycle and its tracked trades.
type OptionsEngine struct {
	gateway     broker.Gateway
	policy      *policy.Engine
	breaker     *breaker.Breaker
	gexEngine   *gex.Engine
	macros      *macro.Assessor
	mtfs        *mtf.Analyzer
	adjudicator *ai.Adjudicator
	closer      *retry.Client
	watcher     *orders.Watcher
	store       storage.Store
	audit       *storage.AuditLog
	cache       *storage.SignalCache
	stats       *storage.Statistics
	notifier    alerts.Notifier
	logger      *log.Logger
	tail        *util.TailWriter
	now         func() time.Time

	inFlight atomic.Bool

	mu       sync.Mutex
	trades   map[string]*models.TrackedTrade // OSI symbol -> trade
	peaks    map[string]float64              // OSI symbol -> best plpc seen
	lastScan map[string]time.Time            // underlying -> last scan
	lastGEX  map[string]*gex.Summary         // underlying -> latest summary
}

// Options bundles the engine's collaborators.
type Options struct {
	Gateway     broker.Gateway
	Policy      *policy.Engine
	Breaker     *breaker.Breaker
	GEX         *gex.Engine
	Macro       *macro.Assessor
	MTF         *mtf.Analyzer
	Adjudicator *ai.Adjudicator
	Watcher     *orders.Watcher
	Store       storage.Store
	Audit       *storage.AuditLog
	Cache       *storage.SignalCache
	Stats       *storage.Statistics
	Notifier    alerts.Notifier
	Logger      *log.Logger
	Tail        *util.TailWriter
}

// NewOptionsEngine builds the engine and restores tracked trades from
// storage.
func NewOptionsEngine(opts Options) *OptionsEngine {
	e := &OptionsEngine{
		gateway:     opts.Gateway,
		policy:      opts.Policy,
		breaker:     opts.Breaker,
		gexEngine:   opts.GEX,
		macros:      opts.Macro,
		mtfs:        opts.MTF,
		adjudicator: opts.Adjudicator,
		watcher:     opts.Watcher,
		store:       opts.Store,
		audit:       opts.Audit,
		cache:       opts.Cache,
		stats:       opts.Stats,
		notifier:    opts.Notifier,
		logger:      opts.Logger,
		tail:        opts.Tail,
		now:         time.Now,
		trades:      make(map[string]*models.TrackedTrade),
		peaks:       make(map[string]float64),
		lastScan:    make(map[string]time.Time),
		lastGEX:     make(map[string]*gex.Summary),
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	if e.gateway != nil {
		e.closer = retry.NewClient(e.gateway, e.logger)
	}
	e.restoreTrades()
	return e
}

func (e *OptionsEngine) restoreTrades() {
	if e.store == nil {
		return
	}
	var saved []models.TrackedTrade
	if err := e.store.Get(storage.NamespaceOptionsEngine, &saved); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Printf("warning: tracked trade restore failed: %v", err)
		}
		return
	}
	for i := range saved {
		t := saved[i]
		if t.State != models.StateClosed {
			e.trades[t.Symbol] = &t
		}
	}
	if len(e.trades) > 0 {
		e.logger.Printf("restored %d tracked trade(s)", len(e.trades))
	}
}

func (e *OptionsEngine) persistTrades() {
	if e.store == nil {
		return
	}
	out := make([]models.TrackedTrade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, *t)
	}
	if err := e.store.Put(storage.NamespaceOptionsEngine, out); err != nil {
		e.logger.Printf("warning: tracked trade persist failed: %v", err)
	}
}

// TrackedTrades returns a snapshot of the live trade map.
func (e *OptionsEngine) TrackedTrades() []models.TrackedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.TrackedTrade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, *t)
	}
	return out
}

// GEXSummaries returns the most recent dealer-positioning summary per
// underlying, from the last scan that had a chain.
func (e *OptionsEngine) GEXSummaries() map[string]*gex.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*gex.Summary, len(e.lastGEX))
	for k, v := range e.lastGEX {
		out[k] = v
	}
	return out
}

// Cycle runs one full options tick: gates, accounting, monitor, scan.
// Account or clock failures abort the cycle and count against the error
// breaker; a clean completion resets it.
func (e *OptionsEngine) Cycle(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer e.inFlight.Store(false)

	proceed, err := e.gates(ctx)
	if err != nil {
		e.breaker.RecordError()
		return err
	}
	if !proceed {
		return nil
	}

	if err := e.runCycle(ctx); err != nil {
		e.breaker.RecordError()
		return err
	}
	e.breaker.RecordSuccessfulCycle()
	return nil
}

// gates evaluates the cycle entry conditions in order. A false return with
// nil error means "skip this tick quietly"; an error is a gate that could
// not be evaluated.
func (e *OptionsEngine) gates(ctx context.Context) (bool, error) {
	if !e.policy.Config().OptionsEnabled {
		return false, nil
	}
	if e.gateway == nil {
		e.logger.Printf("[OPTIONS] no gateway configured, skipping cycle")
		return false, nil
	}

	clock, err := e.gateway.GetClock(ctx)
	if err != nil {
		return false, fmt.Errorf("reading market clock: %w", err)
	}
	now := e.now()
	if !clock.IsOpen || !marketclock.InSession(now) {
		return false, nil
	}
	if marketclock.MinutesSinceOpen(now) < discoveryWindowMinutes {
		e.logger.Printf("[OPTIONS] inside discovery window, skipping scan tick")
		return false, nil
	}
	return true, nil
}

func (e *OptionsEngine) runCycle(ctx context.Context) error {
	// Step A: accounting.
	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("reading account: %w", err)
	}
	if e.policy.ResetDaily(account.Equity) {
		e.logger.Printf("[OPTIONS] daily counters reset, start equity %.2f", account.Equity)
	}

	positions, err := e.gateway.GetOptionsPositions(ctx)
	if err != nil {
		return fmt.Errorf("reading option positions: %w", err)
	}
	e.reconcile(positions)

	// Step B: monitor runs whenever positions exist.
	minutesToClose := marketclock.MinutesToClose(e.now())
	if len(positions) > 0 {
		e.monitor(ctx, positions, minutesToClose)
	}

	if e.policy.KillSwitchActive() {
		e.logger.Printf("[OPTIONS] kill switch active, no new entries")
		return nil
	}
	// A tripped breaker blocks new entries only; open positions above were
	// still monitored.
	if e.breaker.IsPaused() {
		e.logger.Printf("[OPTIONS] circuit breaker paused until %s, no new entries",
			e.breaker.PausedUntil().Format(time.Kitchen))
		return nil
	}

	// Step C: capacity.
	active := e.activeCount(positions)
	cfg := e.policy.Config()
	if active >= cfg.OptionsMaxPositions {
		e.logger.Printf("[OPTIONS] at capacity (%d/%d), skipping scan", active, cfg.OptionsMaxPositions)
		return nil
	}

	// Step D: scan.
	for _, underlying := range cfg.OptionsUnderlyings {
		if active >= cfg.OptionsMaxPositions {
			break
		}
		entered, err := e.scanUnderlying(ctx, underlying, minutesToClose, nil)
		if err != nil {
			e.logger.Printf("[OPTIONS] %s scan failed: %v", underlying, err)
			continue
		}
		if entered {
			active++
		}
	}
	return nil
}

// reconcile drives tracked-trade state from the broker's position list:
// trades whose position vanished move to Closed (external close), and
// exit-pending trades confirm Closed once the broker is flat.
func (e *OptionsEngine) reconcile(positions []broker.Position) {
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Qty != 0 {
			held[p.Symbol] = true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	changed := false
	for symbol, trade := range e.trades {
		if held[symbol] {
			continue
		}
		now := e.now()
		if trade.State == models.StateOpen {
			if err := models.TransitionTrade(trade, models.StateExitPending, "external_close", now); err != nil {
				e.logger.Printf("warning: reconcile %s: %v", symbol, err)
				continue
			}
		}
		if err := models.TransitionTrade(trade, models.StateClosed, "broker_flat", now); err != nil {
			e.logger.Printf("warning: reconcile %s: %v", symbol, err)
			continue
		}
		e.logger.Printf("[OPTIONS] %s closed (broker flat, reason %s)", symbol, trade.ExitReason)
		delete(e.trades, symbol)
		delete(e.peaks, symbol)
		changed = true
	}
	if changed {
		e.persistTrades()
	}
}

// monitor applies the exit rules to every open option position and submits
// close orders for the intents.
func (e *OptionsEngine) monitor(ctx context.Context, positions []broker.Position, minutesToClose int) {
	strategies := make(map[string]models.TradeStrategy, len(positions))
	e.mu.Lock()
	for _, p := range positions {
		if t, ok := e.trades[p.Symbol]; ok {
			strategies[p.Symbol] = t.Strategy
		}
		if p.UnrealizedPLPC > e.peaks[p.Symbol] {
			e.peaks[p.Symbol] = p.UnrealizedPLPC
		}
	}
	peaks := make(map[string]float64, len(e.peaks))
	for k, v := range e.peaks {
		peaks[k] = v
	}
	e.mu.Unlock()

	intents := e.policy.CheckOptionsExits(positions, strategies, peaks, minutesToClose)
	for _, intent := range intents {
		e.executeExit(ctx, intent, positions)
	}
}

func (e *OptionsEngine) executeExit(ctx context.Context, intent policy.ExitIntent, positions []broker.Position) {
	var pos *broker.Position
	for i := range positions {
		if positions[i].Symbol == intent.Symbol {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		return
	}

	e.mu.Lock()
	trade := e.trades[intent.Symbol]
	if trade != nil && trade.State == models.StateOpen {
		trade.ExitReason = intent.Reason
		if err := models.TransitionTrade(trade, models.StateExitPending, "exit_signal", e.now()); err != nil {
			e.logger.Printf("warning: exit transition %s: %v", intent.Symbol, err)
		}
		e.persistTrades()
	}
	e.mu.Unlock()

	order, err := e.closer.CloseOptionsPosition(ctx, intent.Symbol, pos.Qty)
	if err != nil {
		// Stay ExitPending; the next cycle retries.
		e.logger.Printf("[OPTIONS] close %s failed, will retry: %v", intent.Symbol, err)
		return
	}

	e.mu.Lock()
	if trade != nil {
		trade.ExitOrderID = order.ID
		e.persistTrades()
	}
	e.mu.Unlock()

	realized := pos.UnrealizedPL
	e.policy.RecordOptionsPnL(realized)
	e.breaker.RecordExit(intent.Symbol, intent.Reason, realized)
	if e.stats != nil {
		e.stats.RecordTrade(marketclock.DateString(e.now()), realized)
	}

	strategy := models.StrategyScalp
	if trade != nil {
		strategy = trade.Strategy
	}
	e.logger.Printf("[OPTIONS] exit %s reason=%s pnl=%.2f (%.1f%%) strategy=%s",
		intent.Symbol, intent.Reason, realized, intent.PnLPct*100, strategy)
	if e.audit != nil {
		e.audit.Record(storage.AuditTradeExit, intent.Symbol, map[string]interface{}{
			"reason":   intent.Reason,
			"pnl":      realized,
			"pnlPct":   intent.PnLPct,
			"strategy": string(strategy),
			"orderId":  order.ID,
		})
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, alerts.Event{
			Kind:  alerts.EventExit,
			Title: fmt.Sprintf("auto-exit %s (%s)", intent.Symbol, intent.Reason),
			Body:  fmt.Sprintf("P&L %.2f (%.1f%%), strategy %s", realized, intent.PnLPct*100, strategy),
		})
	}
}

// features is the per-underlying evidence bundle assembled before
// assessment. GEX and MTF are optional; technicals are required.
type features struct {
	spot       float64
	technicals indicators.Technicals
	gexSummary *gex.Summary
	consensus  *mtf.Consensus
	macroView  *macro.Assessment
	expiration string
	chain      []broker.OptionContract
}

// buildFeatures fans out the independent fetches and degrades optional
// features to nil on failure.
func (e *OptionsEngine) buildFeatures(ctx context.Context, underlying string) (*features, error) {
	var (
		snapshot *broker.Snapshot
		intraday []models.Bar
		daily    []models.Bar
		chain    []broker.OptionContract
		expiry   string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snapshot, err = e.gateway.GetSnapshot(gctx, underlying)
		return err
	})
	g.Go(func() error {
		var err error
		intraday, err = e.gateway.GetIntradayBars(gctx, underlying, intradayBarTimeframe, intradayBarLimit)
		return err
	})
	g.Go(func() error {
		bars, err := e.gateway.GetHistory(gctx, underlying, 30)
		if err != nil {
			// Daily context is optional; intraday technicals still work.
			e.logger.Printf("[OPTIONS] %s daily history unavailable: %v", underlying, err)
			return nil
		}
		daily = bars
		return nil
	})
	g.Go(func() error {
		expirations, err := e.gateway.GetOptionExpirations(gctx, underlying)
		if err != nil || len(expirations) == 0 {
			e.logger.Printf("[OPTIONS] %s expirations unavailable: %v", underlying, err)
			return nil // GEX degrades to nil
		}
		expiry = expirations[0]
		chain, err = e.gateway.GetOptionsSnapshots(gctx, underlying, expiry, "")
		if err != nil {
			e.logger.Printf("[OPTIONS] %s chain unavailable: %v", underlying, err)
			chain = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	f := &features{spot: snapshot.Price, expiration: expiry, chain: chain}

	technicals, ok := indicators.BuildTechnicals(intraday, daily)
	if !ok {
		return nil, fmt.Errorf("insufficient bars for %s", underlying)
	}
	f.technicals = technicals

	if len(chain) > 0 {
		f.gexSummary = e.gexEngine.Compute(chain, snapshot.Price, e.now())
		e.mu.Lock()
		e.lastGEX[underlying] = f.gexSummary
		e.mu.Unlock()
	}
	if e.mtfs != nil {
		f.consensus = e.mtfs.Analyze(ctx, underlying)
	}
	if e.macros != nil {
		f.macroView = e.macros.Assess(ctx)
	}
	return f, nil
}

// scanUnderlying runs the assessment/adjudication/selection/execution path
// for one underlying. hint is non-nil on the alert-triggered fast path.
// Returns true when a position was entered.
func (e *OptionsEngine) scanUnderlying(
	ctx context.Context,
	underlying string,
	minutesToClose int,
	hint *alerts.Alert,
) (bool, error) {
	cfg := e.policy.Config()

	e.mu.Lock()
	last := e.lastScan[underlying]
	tooSoon := hint == nil && e.now().Sub(last) < rescanCooldown
	if !tooSoon {
		e.lastScan[underlying] = e.now()
	}
	e.mu.Unlock()
	if tooSoon {
		return false, nil
	}
	if e.policy.OptionsCooldownActive(underlying) {
		e.logger.Printf("[OPTIONS] %s in post-trade cooldown", underlying)
		return false, nil
	}
	if e.cache != nil && hint == nil {
		if cached, ok := e.cache.Get(underlying); ok {
			e.logger.Printf("[OPTIONS] %s recent decision cached (%v), skipping", underlying, cached)
			return false, nil
		}
	}

	f, err := e.buildFeatures(ctx, underlying)
	if err != nil {
		return false, err
	}

	signal := assess.Assess(assess.Features{
		Technicals: f.technicals,
		GEX:        f.gexSummary,
		Macro:      f.macroView,
	})
	if f.consensus != nil {
		signal = assess.ApplyBoosts(signal, f.consensus.ConvictionBoost)
	}

	floor := scanConvictionFloor
	if hint != nil {
		signal = assess.ApplyAlertHint(signal, hint.Direction(), hint.Confidence)
		floor = alertConvictionFloor
	}
	if signal.Conviction < floor {
		e.cacheDecision(underlying, "pass")
		e.logger.Printf("[OPTIONS] %s conviction %d below floor %d, passing",
			underlying, signal.Conviction, floor)
		return false, nil
	}

	decision := e.adjudicator.Decide(ctx, ai.Bundle{
		Underlying:     underlying,
		Spot:           f.spot,
		Signal:         signal,
		Technicals:     f.technicals,
		GEX:            f.gexSummary,
		Macro:          f.macroView,
		MTF:            f.consensus,
		TimeOfDay:      e.now().In(marketclock.Eastern()).Format("15:04"),
		MinutesToClose: minutesToClose,
	})
	if decision == nil || decision.Action == ai.ActionSkip {
		e.cacheDecision(underlying, "skip")
		e.logger.Printf("[OPTIONS] %s adjudicator skipped", underlying)
		return false, nil
	}
	if int(decision.Conviction) < cfg.OptionsMinConviction {
		e.cacheDecision(underlying, "skip")
		e.logger.Printf("[OPTIONS] %s adjudicated conviction %.0f below minimum %d",
			underlying, decision.Conviction, cfg.OptionsMinConviction)
		return false, nil
	}

	// The adjudicated action overrides the assessor's lean.
	direction := signal.Direction
	switch decision.Action {
	case ai.ActionBuyCall:
		direction = assess.DirectionBullish
	case ai.ActionBuyPut:
		direction = assess.DirectionBearish
	}

	if len(f.chain) == 0 {
		return false, fmt.Errorf("no chain available for %s", underlying)
	}
	candidate, err := SelectContract(f.chain, direction, f.spot, minutesToClose, cfg)
	if err != nil {
		e.cacheDecision(underlying, "pass")
		return false, fmt.Errorf("selecting contract: %w", err)
	}

	return e.execute(ctx, underlying, candidate, signal, decision, hint, minutesToClose)
}

func (e *OptionsEngine) execute(
	ctx context.Context,
	underlying string,
	candidate *Candidate,
	signal assess.Signal,
	decision *ai.Decision,
	hint *alerts.Alert,
	minutesToClose int,
) (bool, error) {
	cfg := e.policy.Config()
	contract := candidate.Contract
	mid := util.RoundToTick(contract.Mid(), 0.01)
	if mid <= 0 {
		return false, fmt.Errorf("unusable quote for %s", contract.Symbol)
	}

	qty := util.ClampInt(int(math.Floor(cfg.OptionsMaxPremiumPerTrade/(mid*100))), 1, maxContractsPerTrade)
	totalPremium := mid * 100 * float64(qty)

	e.mu.Lock()
	active := len(e.trades)
	e.mu.Unlock()

	token, result := e.policy.PreviewOptions(policy.OptionsOrderCtx{
		Underlying:      underlying,
		Symbol:          contract.Symbol,
		Premium:         totalPremium,
		Delta:           candidate.Delta,
		SpreadPct:       candidate.SpreadPct,
		Conviction:      signal.Conviction,
		MinutesToClose:  minutesToClose,
		ActivePositions: active,
	})
	if token == nil {
		e.logger.Printf("[OPTIONS] %s blocked by policy: %v", underlying, result.Violations)
		if e.audit != nil {
			e.audit.Record(storage.AuditPolicyReject, contract.Symbol, map[string]interface{}{
				"violations": result.Violations,
			})
		}
		return false, nil
	}
	if err := e.policy.ValidateToken(token.ID, contract.Symbol); err != nil {
		return false, fmt.Errorf("consuming approval token: %w", err)
	}

	order, err := e.gateway.CreateOptionsOrder(ctx, broker.OptionsOrderRequest{
		Symbol:      contract.Symbol,
		Side:        "buy_to_open",
		Qty:         qty,
		Type:        "limit",
		LimitPrice:  mid,
		TimeInForce: "day",
	})
	if err != nil {
		return false, fmt.Errorf("submitting order: %w", err)
	}

	reason := joinReasons(signal.Reasons)
	if decision.Reason != "" {
		reason = reason + "; AI: " + decision.Reason
	}
	if hint != nil {
		reason = fmt.Sprintf("%s alert %s; %s", hint.Action, hint.Confidence, reason)
	}

	trade := &models.TrackedTrade{
		ID:         uuid.NewString(),
		Symbol:     contract.Symbol,
		Underlying: underlying,
		Strike:     contract.Strike,
		OptionType: contract.Type,
		Strategy:   signal.Strategy,
		Qty:        qty,
		EntryPrice: mid,
		EntryTime:  e.now(),
		Conviction: signal.Conviction,
		Reason:     reason,
		OrderID:    order.ID,
		State:      models.StateOpen,
	}

	e.mu.Lock()
	e.trades[contract.Symbol] = trade
	e.persistTrades()
	e.mu.Unlock()

	e.policy.RecordOptionsTrade(underlying)
	e.cacheDecision(underlying, "buy")
	if e.watcher != nil {
		go e.confirmEntry(contract.Symbol, order.ID)
	}

	estFlag := ""
	if candidate.DeltaEstimated {
		estFlag = " (delta estimated)"
	}
	e.logger.Printf("[OPTIONS] entry %s %dx @ %.2f delta %.2f%s conviction %d strategy %s",
		contract.Symbol, qty, mid, candidate.Delta, estFlag, signal.Conviction, signal.Strategy)
	if e.audit != nil {
		e.audit.Record(storage.AuditTradeEntry, contract.Symbol, map[string]interface{}{
			"underlying": underlying,
			"qty":        qty,
			"premium":    totalPremium,
			"delta":      candidate.Delta,
			"estimated":  candidate.DeltaEstimated,
			"conviction": signal.Conviction,
			"strategy":   string(signal.Strategy),
			"orderId":    order.ID,
		})
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, alerts.Event{
			Kind:  alerts.EventEntry,
			Title: fmt.Sprintf("entry %s %s %dx @ %.2f", underlying, contract.Symbol, qty, mid),
			Body:  fmt.Sprintf("conviction %d, %s", signal.Conviction, reason),
		})
	}
	return true, nil
}

// confirmEntry follows the entry order to its terminal state. A terminal
// non-fill untracks the trade so capacity frees immediately; an unresolved
// order is left for reconciliation against broker positions.
func (e *OptionsEngine) confirmEntry(symbol, orderID string) {
	final, err := e.watcher.Await(context.Background(), orderID)
	if err != nil {
		e.logger.Printf("[OPTIONS] entry order %s for %s unresolved: %v", orderID, symbol, err)
		return
	}
	if orders.Filled(final) {
		e.mu.Lock()
		if trade := e.trades[symbol]; trade != nil && final.AvgFillPrice > 0 {
			trade.EntryPrice = final.AvgFillPrice
			e.persistTrades()
		}
		e.mu.Unlock()
		return
	}

	e.logger.Printf("[OPTIONS] entry order %s for %s ended %s without a fill, untracking",
		orderID, symbol, final.Status)
	e.mu.Lock()
	delete(e.trades, symbol)
	e.persistTrades()
	e.mu.Unlock()
	if e.audit != nil {
		e.audit.Record(storage.AuditError, symbol, map[string]interface{}{
			"orderId": orderID,
			"status":  final.Status,
			"detail":  "entry order terminal without fill",
		})
	}
}

// HandleAlert runs the alert-triggered fast path: same accounting, capacity
// and scan body, with the external hint folded into conviction and a lower
// floor.
func (e *OptionsEngine) HandleAlert(ctx context.Context, alert alerts.Alert) error {
	if alert.Direction() == "" {
		// TAKE_PROFIT / ALERT carry no entry intent; record and move on.
		if e.audit != nil {
			e.audit.Record(storage.AuditAlert, alert.Ticker, map[string]interface{}{
				"action": alert.Action,
				"reason": alert.Reason,
			})
		}
		return nil
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer e.inFlight.Store(false)

	proceed, err := e.gates(ctx)
	if err != nil {
		e.breaker.RecordError()
		return err
	}
	if !proceed {
		return nil
	}
	if e.breaker.IsPaused() {
		e.logger.Printf("[OPTIONS] alert %s ignored, circuit breaker paused", alert.Ticker)
		return nil
	}

	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		e.breaker.RecordError()
		return fmt.Errorf("reading account: %w", err)
	}
	e.policy.ResetDaily(account.Equity)

	positions, err := e.gateway.GetOptionsPositions(ctx)
	if err != nil {
		e.breaker.RecordError()
		return fmt.Errorf("reading option positions: %w", err)
	}
	if e.activeCount(positions) >= e.policy.Config().OptionsMaxPositions {
		e.logger.Printf("[OPTIONS] alert %s ignored, at capacity", alert.Ticker)
		return nil
	}

	minutesToClose := marketclock.MinutesToClose(e.now())
	if _, err := e.scanUnderlying(ctx, alert.Ticker, minutesToClose, &alert); err != nil {
		e.breaker.RecordError()
		return err
	}
	e.breaker.RecordSuccessfulCycle()
	return nil
}

// KillSweep cancels open orders and closes everything; invoked when the
// kill switch trips. A post-mortem snapshot is persisted for diagnosis.
func (e *OptionsEngine) KillSweep(ctx context.Context) {
	e.logger.Printf("[OPTIONS] kill switch sweep: canceling orders, closing positions")
	if err := e.gateway.CancelAllOrders(ctx); err != nil {
		e.logger.Printf("warning: cancel-all failed: %v", err)
	}
	if err := e.gateway.CloseAllPositions(ctx); err != nil {
		e.logger.Printf("warning: close-all failed: %v", err)
	}

	account, _ := e.gateway.GetAccount(ctx)
	positions, _ := e.gateway.GetPositions(ctx)
	if e.store != nil {
		snapshot := map[string]interface{}{
			"at":        e.now(),
			"account":   account,
			"positions": positions,
			"trades":    e.TrackedTrades(),
		}
		if e.tail != nil {
			snapshot["log"] = e.tail.Lines()
		}
		if err := e.store.Put(storage.NamespacePostMortem, snapshot); err != nil {
			e.logger.Printf("warning: post-mortem snapshot failed: %v", err)
		}
	}
	if e.audit != nil {
		e.audit.Record(storage.AuditKillSwitch, "", map[string]interface{}{
			"positions": len(positions),
		})
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, alerts.Event{
			Kind:  alerts.EventKillSwitch,
			Title: "kill switch activated: close-all sweep issued",
		})
	}
}

func (e *OptionsEngine) activeCount(positions []broker.Position) int {
	n := 0
	for _, p := range positions {
		if p.Qty != 0 {
			n++
		}
	}
	return n
}

func (e *OptionsEngine) cacheDecision(underlying, decision string) {
	if e.cache != nil {
		e.cache.Put(underlying, decision)
	}
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}
