// Package breaker pauses trading after consecutive bad trades or repeated
// cycle errors. Distinct from the transport-level breaker wrapping the
// broker client: this one reacts to trading outcomes, not HTTP failures.
package breaker

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/storage"
)

const (
	badTradeThreshold = 3
	errorThreshold    = 5
	pauseDuration     = 60 * time.Minute
	exitRingSize      = 20
)

// ExitRecord is one position exit retained for diagnostics.
type ExitRecord struct {
	Symbol string    `json:"symbol"`
	Reason string    `json:"reason"`
	PnL    float64   `json:"pnl"`
	At     time.Time `json:"at"`
}

// State is the persisted breaker record.
type State struct {
	ConsecutiveBadTrades int          `json:"consecutiveBadTrades"`
	ConsecutiveErrors    int          `json:"consecutiveErrors"`
	TotalBadTrades       int          `json:"totalBadTrades"`
	TotalTrips           int          `json:"totalTrips"`
	PausedUntil          int64        `json:"pausedUntil"` // epoch ms, 0 = not paused
	LastBadTrade         time.Time    `json:"lastBadTrade"`
	LastTrip             time.Time    `json:"lastTrip"`
	RecentExits          []ExitRecord `json:"recentExits"`
}

// Breaker tracks trading outcomes and enforces the pause window. All
// mutations persist immediately.
type Breaker struct {
	mu    sync.Mutex
	state State
	store storage.Store
	now   func() time.Time

	// onTrip fires once per trip, outside the lock.
	onTrip func(State)
}

// New loads persisted state or starts clean.
func New(store storage.Store) *Breaker {
	b := &Breaker{store: store, now: time.Now}
	if store != nil {
		var st State
		if err := store.Get(storage.NamespaceCircuitBreaker, &st); err == nil {
			b.state = st
		} else if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("warning: circuit breaker state load failed: %v", err)
		}
	}
	return b
}

// OnTrip registers a callback invoked once per trip with the state snapshot.
func (b *Breaker) OnTrip(fn func(State)) {
	b.mu.Lock()
	b.onTrip = fn
	b.mu.Unlock()
}

// IsPaused reports whether trading is paused; the pause auto-clears when
// the deadline passes.
func (b *Breaker) IsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.PausedUntil == 0 {
		return false
	}
	if b.now().UnixMilli() >= b.state.PausedUntil {
		b.state.PausedUntil = 0
		b.persistLocked()
		return false
	}
	return true
}

// PausedUntil returns the pause deadline, or the zero time when not paused.
func (b *Breaker) PausedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.PausedUntil == 0 {
		return time.Time{}
	}
	return time.UnixMilli(b.state.PausedUntil)
}

// RecordExit folds one position exit into the counters: a stop-loss exit
// increments consecutive bad trades (tripping at 3); a take-profit exit
// resets the streak.
func (b *Breaker) RecordExit(symbol, reason string, pnl float64) {
	b.mu.Lock()

	b.state.RecentExits = append(b.state.RecentExits, ExitRecord{
		Symbol: symbol,
		Reason: reason,
		PnL:    pnl,
		At:     b.now(),
	})
	if len(b.state.RecentExits) > exitRingSize {
		b.state.RecentExits = b.state.RecentExits[len(b.state.RecentExits)-exitRingSize:]
	}

	var tripped bool
	switch reason {
	case "options_stop_loss", "stop_loss", "premium_stop":
		b.state.ConsecutiveBadTrades++
		b.state.TotalBadTrades++
		b.state.LastBadTrade = b.now()
		if b.state.ConsecutiveBadTrades >= badTradeThreshold {
			tripped = b.tripLocked()
		}
	case "options_take_profit", "take_profit", "profit_target":
		b.state.ConsecutiveBadTrades = 0
	}
	b.persistLocked()

	onTrip, snapshot := b.onTrip, b.state
	b.mu.Unlock()

	if tripped && onTrip != nil {
		onTrip(snapshot)
	}
}

// RecordError counts a cycle exception, tripping at 5 consecutive.
func (b *Breaker) RecordError() {
	b.mu.Lock()
	b.state.ConsecutiveErrors++
	var tripped bool
	if b.state.ConsecutiveErrors >= errorThreshold {
		tripped = b.tripLocked()
	}
	b.persistLocked()

	onTrip, snapshot := b.onTrip, b.state
	b.mu.Unlock()

	if tripped && onTrip != nil {
		onTrip(snapshot)
	}
}

// RecordSuccessfulCycle resets the consecutive error counter.
func (b *Breaker) RecordSuccessfulCycle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.ConsecutiveErrors != 0 {
		b.state.ConsecutiveErrors = 0
		b.persistLocked()
	}
}

// Reset clears all counters and the pause deadline (manual intervention).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	exits := b.state.RecentExits
	b.state = State{RecentExits: exits, TotalTrips: b.state.TotalTrips, TotalBadTrades: b.state.TotalBadTrades}
	b.persistLocked()
}

// Snapshot returns a copy of the current state.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state
	st.RecentExits = append([]ExitRecord(nil), b.state.RecentExits...)
	return st
}

// tripLocked arms the pause; returns false when already paused so a trip
// alert fires only once.
func (b *Breaker) tripLocked() bool {
	deadline := b.now().Add(pauseDuration).UnixMilli()
	alreadyPaused := b.state.PausedUntil != 0 && b.now().UnixMilli() < b.state.PausedUntil
	b.state.PausedUntil = deadline
	if alreadyPaused {
		return false
	}
	b.state.TotalTrips++
	b.state.LastTrip = b.now()
	log.Printf("[BREAKER] tripped: %d consecutive bad trades, %d consecutive errors, paused for %s",
		b.state.ConsecutiveBadTrades, b.state.ConsecutiveErrors, pauseDuration)
	return true
}

func (b *Breaker) persistLocked() {
	if b.store == nil {
		return
	}
	if err := b.store.Put(storage.NamespaceCircuitBreaker, b.state); err != nil {
		log.Printf("warning: circuit breaker persist failed: %v", err)
	}
}
