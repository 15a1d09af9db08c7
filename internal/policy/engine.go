// Package policy owns the trading rulebook: the versioned config record,
// order evaluation, the preview/approval-token two-phase commit, exit rules,
// cooldowns, and daily loss accounting.
package policy

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/marketclock"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/storage"
)

const tokenTTL = 5 * time.Minute

// Token validation errors.
var (
	ErrTokenUnknown  = errors.New("unknown or expired approval token")
	ErrTokenSymbol   = errors.New("approval token bound to a different symbol")
	ErrTokenConsumed = errors.New("approval token already consumed")
)

// ApprovalToken permits exactly one order submission for the symbol it was
// minted for.
type ApprovalToken struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Notional  float64   `json:"notional"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	consumed bool
}

// OrderCtx describes a proposed equity order.
type OrderCtx struct {
	Symbol           string
	Side             string // "buy" or "sell"
	Qty              float64
	Notional         float64
	IsClosing        bool
	CurrentPositions int
	BuyingPower      float64

	// Advisory scores; nil when the provider was unavailable.
	SentimentScore    *float64
	AnalystConfidence *float64
}

// OptionsOrderCtx describes a proposed options order.
type OptionsOrderCtx struct {
	Underlying      string
	Symbol          string // OSI
	Premium         float64
	Delta           float64
	SpreadPct       float64
	Conviction      int
	MinutesToClose  int
	ActivePositions int
}

// Result is an evaluation verdict. Any violation blocks the order; warnings
// are advisory.
type Result struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings"`
}

// ExitIntent asks the engine to close a position for the stated reason.
type ExitIntent struct {
	Symbol string  `json:"symbol"`
	Reason string  `json:"reason"`
	PnLPct float64 `json:"pnlPct"`
}

// Exit reasons, in evaluation priority order.
const (
	ExitStopLoss     = "stop_loss"
	ExitTakeProfit   = "take_profit"
	ExitOptionsStop  = "options_stop_loss"
	ExitOptionsTP    = "options_take_profit"
	ExitTimeExit     = "time_exit"
	ExitTrailingStop = "trailing_stop"
)

// persistedState is the engine's durable slice: the config plus daily
// accounting that must survive restarts.
type persistedState struct {
	Config           Config  `json:"config"`
	KillSwitch       bool    `json:"killSwitch"`
	DailyDate        string  `json:"dailyDate"`
	DailyStartEquity float64 `json:"dailyStartEquity"`
	DailyPnL         float64 `json:"dailyPnl"`
	OptionsDailyLoss float64 `json:"optionsDailyLoss"`
}

// Engine is the policy engine. All methods are safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	store storage.Store

	killSwitch    bool
	dangerousMode bool
	snapshot      *Config // config before the dangerous overlay

	tokens           map[string]*ApprovalToken
	cooldowns        map[string]time.Time // equity symbol -> last trade
	optionsCooldowns map[string]time.Time // underlying -> last trade

	dailyDate        string
	dailyStartEquity float64
	dailyPnL         float64
	optionsDailyLoss float64

	now func() time.Time
}

// NewEngine loads persisted state from the store (migrating old config
// versions) or starts from defaults.
func NewEngine(store storage.Store) *Engine {
	e := &Engine{
		cfg:              DefaultConfig(),
		store:            store,
		tokens:           make(map[string]*ApprovalToken),
		cooldowns:        make(map[string]time.Time),
		optionsCooldowns: make(map[string]time.Time),
		now:              time.Now,
	}
	if store != nil {
		var st persistedState
		if err := store.Get(storage.NamespacePolicyConfig, &st); err == nil {
			migrate(&st.Config)
			e.cfg = st.Config
			e.killSwitch = st.KillSwitch
			e.dailyDate = st.DailyDate
			e.dailyStartEquity = st.DailyStartEquity
			e.dailyPnL = st.DailyPnL
			e.optionsDailyLoss = st.OptionsDailyLoss
		} else if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("warning: policy state load failed: %v", err)
		}
	}
	return e
}

// Config returns a copy of the current record.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig applies one key and persists. Unknown keys or out-of-range
// values are rejected.
func (e *Engine) SetConfig(key string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.cfg.Set(key, value); err != nil {
		return err
	}
	e.persistLocked()
	return nil
}

// SetKillSwitch toggles the hard halt.
func (e *Engine) SetKillSwitch(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = on
	e.persistLocked()
}

// KillSwitchActive reports the hard-halt flag.
func (e *Engine) KillSwitchActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killSwitch
}

// SetDangerousMode applies the aggressive overlay, snapshotting the prior
// record; disabling restores the snapshot.
func (e *Engine) SetDangerousMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on == e.dangerousMode {
		return
	}
	if on {
		snap := e.cfg
		e.snapshot = &snap
		dangerousOverlay(&e.cfg)
	} else if e.snapshot != nil {
		e.cfg = *e.snapshot
		e.snapshot = nil
	}
	e.dangerousMode = on
	e.persistLocked()
}

// ResetDaily rolls the daily counters when the ET date changes. Returns
// true on rollover.
func (e *Engine) ResetDaily(equity float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	today := marketclock.DateString(e.now())
	if e.dailyDate == today {
		return false
	}
	e.dailyDate = today
	e.dailyStartEquity = equity
	e.dailyPnL = 0
	e.optionsDailyLoss = 0
	e.persistLocked()
	return true
}

// RecordDailyPnL accumulates realized equity P&L for the day.
func (e *Engine) RecordDailyPnL(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyPnL += pnl
	e.persistLocked()
}

// RecordOptionsPnL accumulates realized options P&L; only losses count
// against the daily options cap.
func (e *Engine) RecordOptionsPnL(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pnl < 0 {
		e.optionsDailyLoss += -pnl
	}
	e.persistLocked()
}

// OptionsDailyLoss returns the accumulated options loss for the day.
func (e *Engine) OptionsDailyLoss() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.optionsDailyLoss
}

// RecordTrade starts the per-symbol equity cooldown.
func (e *Engine) RecordTrade(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[symbol] = e.now()
}

// CooldownActive reports whether the symbol traded within the configured
// equity cooldown window.
func (e *Engine) CooldownActive(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.cooldowns[symbol]
	if !ok {
		return false
	}
	return e.now().Sub(last) < time.Duration(e.cfg.CooldownMinutes)*time.Minute
}

// RecordOptionsTrade starts the per-underlying options cooldown.
func (e *Engine) RecordOptionsTrade(underlying string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsCooldowns[underlying] = e.now()
}

// OptionsCooldownActive reports whether the underlying traded within the
// configured cooldown window.
func (e *Engine) OptionsCooldownActive(underlying string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.optionsCooldowns[underlying]
	if !ok {
		return false
	}
	return e.now().Sub(last) < time.Duration(e.cfg.OptionsCooldownMinutes)*time.Minute
}

// Evaluate applies the equity rulebook to a proposed order.
func (e *Engine) Evaluate(ctx OrderCtx) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	var r Result
	violate := func(format string, args ...any) {
		r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
	}

	if e.killSwitch {
		violate("kill switch active")
	}
	if e.dailyStartEquity > 0 && e.dailyPnL <= -e.cfg.MaxDailyLossPct*e.dailyStartEquity {
		violate("daily loss limit reached (%.2f)", e.dailyPnL)
	}
	isBuy := ctx.Side == "buy"
	if isBuy && ctx.CurrentPositions >= e.cfg.MaxPositions {
		violate("max positions reached (%d)", e.cfg.MaxPositions)
	}
	if ctx.Notional > e.cfg.MaxNotionalPerTrade {
		violate("notional %.2f exceeds per-trade cap %.2f", ctx.Notional, e.cfg.MaxNotionalPerTrade)
	}
	if isBuy && ctx.Notional > ctx.BuyingPower {
		violate("notional %.2f exceeds buying power %.2f", ctx.Notional, ctx.BuyingPower)
	}
	if !isBuy && !ctx.IsClosing && !e.cfg.AllowShorting {
		violate("shorting not allowed")
	}
	if onList(e.cfg.SymbolDenylist, ctx.Symbol) {
		violate("symbol %s on denylist", ctx.Symbol)
	}
	if len(e.cfg.SymbolAllowlist) > 0 && !onList(e.cfg.SymbolAllowlist, ctx.Symbol) {
		violate("symbol %s not on allowlist", ctx.Symbol)
	}
	if last, ok := e.cooldowns[ctx.Symbol]; ok && !ctx.IsClosing {
		if e.now().Sub(last) < time.Duration(e.cfg.CooldownMinutes)*time.Minute {
			violate("symbol %s in cooldown", ctx.Symbol)
		}
	}

	if ctx.SentimentScore != nil && *ctx.SentimentScore < e.cfg.MinSentimentScore {
		r.Warnings = append(r.Warnings, fmt.Sprintf("sentiment %.2f below threshold", *ctx.SentimentScore))
	}
	if ctx.AnalystConfidence != nil && *ctx.AnalystConfidence < e.cfg.MinAnalystConfidence {
		r.Warnings = append(r.Warnings, fmt.Sprintf("analyst confidence %.2f below threshold", *ctx.AnalystConfidence))
	}

	r.Allowed = len(r.Violations) == 0
	return r
}

// EvaluateOptionsOrder applies the options rulebook.
func (e *Engine) EvaluateOptionsOrder(ctx OptionsOrderCtx) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	var r Result
	violate := func(format string, args ...any) {
		r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
	}

	if e.killSwitch {
		violate("kill switch active")
	}
	if e.optionsDailyLoss >= e.cfg.OptionsMaxDailyLoss {
		violate("options daily loss cap reached (%.2f)", e.optionsDailyLoss)
	}
	if ctx.ActivePositions >= e.cfg.OptionsMaxPositions {
		violate("options max positions reached (%d)", e.cfg.OptionsMaxPositions)
	}
	if ctx.Premium > e.cfg.OptionsMaxPremiumPerTrade {
		violate("premium %.2f exceeds per-trade cap %.2f", ctx.Premium, e.cfg.OptionsMaxPremiumPerTrade)
	}
	if ctx.SpreadPct > e.cfg.OptionsMaxSpreadPct {
		violate("spread %.1f%% exceeds cap %.1f%%", ctx.SpreadPct*100, e.cfg.OptionsMaxSpreadPct*100)
	}
	if ctx.Conviction < e.cfg.OptionsMinConviction {
		violate("conviction %d below floor %d", ctx.Conviction, e.cfg.OptionsMinConviction)
	}
	if ctx.MinutesToClose <= e.cfg.OptionsCloseBeforeMinutes {
		violate("too close to the bell (%d min)", ctx.MinutesToClose)
	}
	if last, ok := e.optionsCooldowns[ctx.Underlying]; ok {
		if e.now().Sub(last) < time.Duration(e.cfg.OptionsCooldownMinutes)*time.Minute {
			violate("underlying %s in cooldown", ctx.Underlying)
		}
	}

	r.Allowed = len(r.Violations) == 0
	return r
}

// Preview evaluates the order and, on approval, mints a single-use token
// bound to the symbol, valid for five minutes.
func (e *Engine) Preview(ctx OrderCtx) (*ApprovalToken, Result) {
	result := e.Evaluate(ctx)
	if !result.Allowed {
		return nil, result
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	token := &ApprovalToken{
		ID:        uuid.NewString(),
		Symbol:    ctx.Symbol,
		Side:      ctx.Side,
		Notional:  ctx.Notional,
		CreatedAt: now,
		ExpiresAt: now.Add(tokenTTL),
	}
	e.tokens[token.ID] = token
	return token, result
}

// PreviewOptions is the options-side preview path.
func (e *Engine) PreviewOptions(ctx OptionsOrderCtx) (*ApprovalToken, Result) {
	result := e.EvaluateOptionsOrder(ctx)
	if !result.Allowed {
		return nil, result
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	token := &ApprovalToken{
		ID:        uuid.NewString(),
		Symbol:    ctx.Symbol,
		Side:      "buy",
		Notional:  ctx.Premium,
		CreatedAt: now,
		ExpiresAt: now.Add(tokenTTL),
	}
	e.tokens[token.ID] = token
	return token, result
}

// ValidateToken atomically consumes the token. The first caller wins;
// expired, consumed, or symbol-mismatched tokens are rejected. Expired
// tokens are evicted as a side effect.
func (e *Engine) ValidateToken(id, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	token, ok := e.tokens[id]
	if !ok {
		return ErrTokenUnknown
	}
	if e.now().After(token.ExpiresAt) {
		delete(e.tokens, id)
		return ErrTokenUnknown
	}
	if token.consumed {
		return ErrTokenConsumed
	}
	if token.Symbol != symbol {
		return ErrTokenSymbol
	}
	token.consumed = true
	delete(e.tokens, id)
	return nil
}

// CheckExits returns exit intents for equity positions, stop-loss first.
func (e *Engine) CheckExits(positions []broker.Position) []ExitIntent {
	cfg := e.Config()
	var out []ExitIntent
	for _, p := range positions {
		plpc := p.UnrealizedPLPC
		switch {
		case plpc <= -cfg.StopLossPct:
			out = append(out, ExitIntent{Symbol: p.Symbol, Reason: ExitStopLoss, PnLPct: plpc})
		case plpc >= cfg.TakeProfitPct:
			out = append(out, ExitIntent{Symbol: p.Symbol, Reason: ExitTakeProfit, PnLPct: plpc})
		}
	}
	return out
}

// CheckOptionsExits returns exit intents for open option positions.
// strategies maps OSI symbol to the trade's strategy (default scalp);
// peaks maps OSI symbol to the highest unrealized P&L fraction observed,
// used by the trailing stop. Rules apply in priority order: stop loss,
// take profit, time exit, trailing stop. The time exit fires regardless of
// P&L once inside the close-before window.
func (e *Engine) CheckOptionsExits(
	positions []broker.Position,
	strategies map[string]models.TradeStrategy,
	peaks map[string]float64,
	minutesToClose int,
) []ExitIntent {
	cfg := e.Config()
	var out []ExitIntent
	for _, p := range positions {
		plpc := p.UnrealizedPLPC

		strategy := models.StrategyScalp
		if s, ok := strategies[p.Symbol]; ok {
			strategy = s
		}
		stop, tp := cfg.OptionsScalpStopLossPct, cfg.OptionsScalpTakeProfitPct
		if strategy == models.StrategySwing {
			stop, tp = cfg.OptionsSwingStopLossPct, cfg.OptionsSwingTakeProfitPct
		}

		switch {
		case plpc <= -stop:
			out = append(out, ExitIntent{Symbol: p.Symbol, Reason: ExitOptionsStop, PnLPct: plpc})
		case plpc >= tp:
			out = append(out, ExitIntent{Symbol: p.Symbol, Reason: ExitOptionsTP, PnLPct: plpc})
		case minutesToClose <= cfg.OptionsCloseBeforeMinutes:
			out = append(out, ExitIntent{Symbol: p.Symbol, Reason: ExitTimeExit, PnLPct: plpc})
		case trailingStopHit(plpc, peaks[p.Symbol], stop, tp):
			out = append(out, ExitIntent{Symbol: p.Symbol, Reason: ExitTrailingStop, PnLPct: plpc})
		}
	}
	return out
}

// trailingStopHit locks in gains: once the position has seen at least half
// the take-profit target, a retrace of half the stop distance from the peak
// exits while still profitable.
func trailingStopHit(plpc, peak, stop, tp float64) bool {
	if peak < tp/2 || plpc <= 0 {
		return false
	}
	return peak-plpc >= stop/2
}

func onList(list []string, symbol string) bool {
	for _, s := range list {
		if s == symbol {
			return true
		}
	}
	return false
}

func (e *Engine) persistLocked() {
	if e.store == nil {
		return
	}
	st := persistedState{
		Config:           e.cfg,
		KillSwitch:       e.killSwitch,
		DailyDate:        e.dailyDate,
		DailyStartEquity: e.dailyStartEquity,
		DailyPnL:         e.dailyPnL,
		OptionsDailyLoss: e.optionsDailyLoss,
	}
	if err := e.store.Put(storage.NamespacePolicyConfig, st); err != nil {
		log.Printf("warning: policy state persist failed: %v", err)
	}
}
