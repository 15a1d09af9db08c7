package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/osi"
	"github.com/eddiefleurent/stamford_scalper/internal/storage"
)

const positionsFetchTimeout = 8 * time.Second

// Reconciler aligns the persisted tracked-trade set with the broker's option
// positions. It runs at startup before the options engine restores state, so
// the engine only ever sees trades the broker actually holds.
type Reconciler struct {
	gateway broker.Gateway
	store   storage.Store
	logger  *log.Logger

	coldStartOnce sync.Once
	now           func() time.Time
}

// NewReconciler creates a startup reconciler over the gateway and store.
func NewReconciler(gateway broker.Gateway, store storage.Store, logger *log.Logger) *Reconciler {
	return &Reconciler{gateway: gateway, store: store, logger: logger, now: time.Now}
}

// Reconcile handles three cases:
//  1. Tracked trades with no backing broker position (phantoms from orders
//     that never filled, or closes that happened while the bot was down):
//     dropped.
//  2. Broker option positions nothing tracks (fills that landed after a poll
//     deadline, or manual entries): adopted with strategy defaulting to
//     scalp so the tighter exit thresholds apply.
//  3. Cold start: empty local state while the broker holds positions; logged
//     once, then the adoption pass recovers everything.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	var saved []models.TrackedTrade
	if err := r.store.Get(storage.NamespaceOptionsEngine, &saved); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading tracked trades: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()
	positions, err := r.gateway.GetOptionsPositions(fetchCtx)
	if err != nil {
		return fmt.Errorf("loading broker positions: %w", err)
	}

	r.logger.Printf("Reconciling %d tracked trade(s) against %d broker option position(s)",
		len(saved), len(positions))

	if len(saved) == 0 && len(positions) > 0 {
		r.coldStartOnce.Do(func() {
			r.logger.Printf("COLD START: no tracked trades but %d option position(s) held, adopting from broker",
				len(positions))
		})
	}

	held := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		if p.Qty != 0 {
			held[p.Symbol] = p
		}
	}

	// First pass: keep only tracked trades the broker still holds.
	kept := make([]models.TrackedTrade, 0, len(saved))
	tracked := make(map[string]bool, len(saved))
	phantoms := 0
	for _, trade := range saved {
		if trade.State == models.StateClosed {
			continue
		}
		if _, ok := held[trade.Symbol]; !ok {
			r.logger.Printf("Dropping phantom trade %s (%s): broker holds no position",
				shortID(trade.ID), trade.Symbol)
			phantoms++
			continue
		}
		tracked[trade.Symbol] = true
		kept = append(kept, trade)
	}

	// Second pass: adopt held option positions nothing tracks. Deterministic
	// order keeps restart logs diffable.
	symbols := make([]string, 0, len(held))
	for symbol := range held {
		if !tracked[symbol] {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	adopted, skipped := 0, 0
	for _, symbol := range symbols {
		trade, err := r.adopt(symbol, held[symbol])
		if err != nil {
			// Exits still apply through the broker position list; the trade
			// just monitors with scalp defaults and no entry context.
			r.logger.Printf("Warning: not adopting %s: %v", symbol, err)
			skipped++
			continue
		}
		r.logger.Printf("Adopted untracked position %s (%dx @ %.2f) as %s trade %s",
			symbol, trade.Qty, trade.EntryPrice, trade.Strategy, shortID(trade.ID))
		kept = append(kept, *trade)
		adopted++
	}

	if phantoms > 0 || adopted > 0 || len(kept) != len(saved) {
		if err := r.store.Put(storage.NamespaceOptionsEngine, kept); err != nil {
			return fmt.Errorf("persisting reconciled trades: %w", err)
		}
	}

	r.logger.Printf("METRIC: reconcile_phantoms_dropped=%d", phantoms)
	r.logger.Printf("METRIC: reconcile_positions_adopted=%d", adopted)
	if skipped > 0 {
		r.logger.Printf("METRIC: reconcile_positions_unadoptable=%d", skipped)
	}
	return nil
}

// adopt builds a tracked trade for a position entered outside the engine.
// The original entry context is unknown, so conviction is zero and the
// entry price falls back to a market-value estimate when the broker does
// not report an average fill.
func (r *Reconciler) adopt(symbol string, pos broker.Position) (*models.TrackedTrade, error) {
	contract := osi.Parse(symbol)
	if contract.Type == osi.TypeUnknown {
		return nil, fmt.Errorf("symbol is not a parseable option code")
	}
	if pos.Qty < 0 {
		return nil, fmt.Errorf("short option positions are not managed")
	}

	entryPrice := pos.AvgEntryPrice
	if entryPrice <= 0 {
		entryPrice = math.Abs(pos.MarketValue) / (float64(pos.Qty) * 100)
	}

	trade := &models.TrackedTrade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Underlying: contract.Underlying,
		Strike:     contract.Strike,
		OptionType: contract.Type,
		Strategy:   models.StrategyScalp,
		Qty:        pos.Qty,
		EntryPrice: entryPrice,
		EntryTime:  r.now(),
		Reason:     "adopted from broker at startup",
		State:      models.StateOpen,
	}
	if err := trade.Validate(); err != nil {
		return nil, err
	}
	return trade, nil
}
