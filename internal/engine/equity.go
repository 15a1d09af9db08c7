package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/stamford_scalper/internal/alerts"
	"github.com/eddiefleurent/stamford_scalper/internal/assess"
	"github.com/eddiefleurent/stamford_scalper/internal/breaker"
	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/indicators"
	"github.com/eddiefleurent/stamford_scalper/internal/macro"
	"github.com/eddiefleurent/stamford_scalper/internal/marketclock"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/policy"
	"github.com/eddiefleurent/stamford_scalper/internal/retry"
	"github.com/eddiefleurent/stamford_scalper/internal/storage"
)

const equityConvictionFloor = 5

// EquityEngine runs the share-based cycle: simpler evidence (no chain, no
// MTF ladder), notional sizing, and stop/take-profit exits only.
type EquityEngine struct {
	gateway  broker.Gateway
	policy   *policy.Engine
	breaker  *breaker.Breaker
	macros   *macro.Assessor
	closer   *retry.Client
	audit    *storage.AuditLog
	stats    *storage.Statistics
	notifier alerts.Notifier
	logger   *log.Logger
	now      func() time.Time

	inFlight atomic.Bool

	mu       sync.Mutex
	lastScan map[string]time.Time

	// Symbols the scanner considers; set from config at construction.
	watchlist []string
}

// EquityOptions bundles the equity engine's collaborators.
type EquityOptions struct {
	Gateway   broker.Gateway
	Policy    *policy.Engine
	Breaker   *breaker.Breaker
	Macro     *macro.Assessor
	Audit     *storage.AuditLog
	Stats     *storage.Statistics
	Notifier  alerts.Notifier
	Logger    *log.Logger
	Watchlist []string
}

// NewEquityEngine builds the equity cycle engine.
func NewEquityEngine(opts EquityOptions) *EquityEngine {
	e := &EquityEngine{
		gateway:   opts.Gateway,
		policy:    opts.Policy,
		breaker:   opts.Breaker,
		macros:    opts.Macro,
		audit:     opts.Audit,
		stats:     opts.Stats,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		now:       time.Now,
		lastScan:  make(map[string]time.Time),
		watchlist: opts.Watchlist,
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	if e.gateway != nil {
		e.closer = retry.NewClient(e.gateway, e.logger)
	}
	return e
}

// Cycle runs one equity tick: exits first, then entries while capacity
// remains.
func (e *EquityEngine) Cycle(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer e.inFlight.Store(false)

	if e.gateway == nil {
		return nil
	}
	clock, err := e.gateway.GetClock(ctx)
	if err != nil {
		e.breaker.RecordError()
		return fmt.Errorf("reading market clock: %w", err)
	}
	if !clock.IsOpen || !marketclock.InSession(e.now()) {
		return nil
	}

	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		e.breaker.RecordError()
		return fmt.Errorf("reading account: %w", err)
	}
	e.policy.ResetDaily(account.Equity)

	positions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		e.breaker.RecordError()
		return fmt.Errorf("reading positions: %w", err)
	}
	equities := equityPositions(positions)

	e.monitor(ctx, equities)

	if e.policy.KillSwitchActive() {
		return nil
	}
	// Paused breaker: keep managing exits, take no new entries.
	if e.breaker.IsPaused() {
		e.breaker.RecordSuccessfulCycle()
		return nil
	}

	cfg := e.policy.Config()
	held := make(map[string]bool, len(equities))
	for _, p := range equities {
		held[p.Symbol] = true
	}

	open := len(equities)
	for _, symbol := range e.watchlist {
		if open >= cfg.MaxPositions {
			break
		}
		if held[symbol] {
			continue
		}
		entered, err := e.scanSymbol(ctx, symbol, account, open)
		if err != nil {
			e.logger.Printf("[EQUITY] %s scan failed: %v", symbol, err)
			continue
		}
		if entered {
			open++
		}
	}
	e.breaker.RecordSuccessfulCycle()
	return nil
}

func equityPositions(positions []broker.Position) []broker.Position {
	var out []broker.Position
	for _, p := range positions {
		if !p.IsOption() && p.Qty != 0 {
			out = append(out, p)
		}
	}
	return out
}

func (e *EquityEngine) monitor(ctx context.Context, positions []broker.Position) {
	for _, intent := range e.policy.CheckExits(positions) {
		var pos *broker.Position
		for i := range positions {
			if positions[i].Symbol == intent.Symbol {
				pos = &positions[i]
				break
			}
		}
		if pos == nil {
			continue
		}
		order, err := e.closer.ClosePosition(ctx, intent.Symbol, pos.Qty)
		if err != nil {
			e.logger.Printf("[EQUITY] close %s failed, will retry: %v", intent.Symbol, err)
			continue
		}
		e.policy.RecordDailyPnL(pos.UnrealizedPL)
		e.breaker.RecordExit(intent.Symbol, intent.Reason, pos.UnrealizedPL)
		if e.stats != nil {
			e.stats.RecordTrade(marketclock.DateString(e.now()), pos.UnrealizedPL)
		}
		e.logger.Printf("[EQUITY] exit %s reason=%s pnl=%.2f (%.1f%%)",
			intent.Symbol, intent.Reason, pos.UnrealizedPL, intent.PnLPct*100)
		if e.audit != nil {
			e.audit.Record(storage.AuditTradeExit, intent.Symbol, map[string]interface{}{
				"reason":  intent.Reason,
				"pnl":     pos.UnrealizedPL,
				"pnlPct":  intent.PnLPct,
				"orderId": order.ID,
			})
		}
		if e.notifier != nil {
			e.notifier.Notify(ctx, alerts.Event{
				Kind:  alerts.EventExit,
				Title: fmt.Sprintf("auto-exit %s (%s)", intent.Symbol, intent.Reason),
				Body:  fmt.Sprintf("P&L %.2f (%.1f%%)", pos.UnrealizedPL, intent.PnLPct*100),
			})
		}
	}
}

func (e *EquityEngine) scanSymbol(
	ctx context.Context,
	symbol string,
	account *broker.Account,
	openPositions int,
) (bool, error) {
	cfg := e.policy.Config()

	e.mu.Lock()
	tooSoon := e.now().Sub(e.lastScan[symbol]) < time.Duration(cfg.ScanIntervalMinutes)*time.Minute
	if !tooSoon {
		e.lastScan[symbol] = e.now()
	}
	e.mu.Unlock()
	if tooSoon {
		return false, nil
	}

	var (
		snapshot     *broker.Snapshot
		intradayBars []models.Bar
		dailyBars    []models.Bar
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snapshot, err = e.gateway.GetSnapshot(gctx, symbol)
		return err
	})
	g.Go(func() error {
		var err error
		intradayBars, err = e.gateway.GetIntradayBars(gctx, symbol, intradayBarTimeframe, intradayBarLimit)
		return err
	})
	g.Go(func() error {
		b, err := e.gateway.GetHistory(gctx, symbol, 30)
		if err != nil {
			e.logger.Printf("[EQUITY] %s daily history unavailable: %v", symbol, err)
			return nil
		}
		dailyBars = b
		return nil
	})
	if err := g.Wait(); err != nil {
		return false, err
	}

	technicals, ok := indicators.BuildTechnicals(intradayBars, dailyBars)
	if !ok {
		return false, fmt.Errorf("insufficient bars for %s", symbol)
	}

	var macroView *macro.Assessment
	if e.macros != nil {
		macroView = e.macros.Assess(ctx)
	}

	signal := assess.AssessEquity(assess.EquityFeatures{
		Technicals: technicals,
		Macro:      macroView,
	})
	if signal.Conviction < equityConvictionFloor {
		return false, nil
	}
	if signal.Direction != assess.DirectionBullish && !cfg.AllowShorting {
		return false, nil
	}

	notional := math.Min(cfg.MaxNotionalPerTrade, account.BuyingPower*cfg.PositionSizePct)
	qty := math.Floor(notional / snapshot.Price)
	if qty < 1 {
		return false, nil
	}

	side := "buy"
	if signal.Direction == assess.DirectionBearish {
		side = "sell"
	}
	token, result := e.policy.Preview(policy.OrderCtx{
		Symbol:           symbol,
		Side:             side,
		Qty:              qty,
		Notional:         qty * snapshot.Price,
		CurrentPositions: openPositions,
		BuyingPower:      account.BuyingPower,
	})
	if token == nil {
		e.logger.Printf("[EQUITY] %s blocked by policy: %v", symbol, result.Violations)
		if e.audit != nil {
			e.audit.Record(storage.AuditPolicyReject, symbol, map[string]interface{}{
				"violations": result.Violations,
			})
		}
		return false, nil
	}
	if err := e.policy.ValidateToken(token.ID, symbol); err != nil {
		return false, fmt.Errorf("consuming approval token: %w", err)
	}

	order, err := e.gateway.CreateOrder(ctx, broker.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Qty:         int(qty),
		Type:        "market",
		TimeInForce: "day",
	})
	if err != nil {
		return false, fmt.Errorf("submitting order: %w", err)
	}

	e.policy.RecordTrade(symbol)
	e.logger.Printf("[EQUITY] entry %s %s %dx @ ~%.2f conviction %d",
		symbol, side, int(qty), snapshot.Price, signal.Conviction)
	if e.audit != nil {
		e.audit.Record(storage.AuditTradeEntry, symbol, map[string]interface{}{
			"side":       side,
			"qty":        int(qty),
			"notional":   qty * snapshot.Price,
			"conviction": signal.Conviction,
			"orderId":    order.ID,
		})
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, alerts.Event{
			Kind:  alerts.EventEntry,
			Title: fmt.Sprintf("equity entry %s %s %dx", symbol, side, int(qty)),
			Body:  fmt.Sprintf("conviction %d, %s", signal.Conviction, joinReasons(signal.Reasons)),
		})
	}
	return true, nil
}
