package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/stamford_scalper/internal/ai"
	"github.com/eddiefleurent/stamford_scalper/internal/alerts"
	"github.com/eddiefleurent/stamford_scalper/internal/breaker"
	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/config"
	"github.com/eddiefleurent/stamford_scalper/internal/dashboard"
	"github.com/eddiefleurent/stamford_scalper/internal/engine"
	"github.com/eddiefleurent/stamford_scalper/internal/gex"
	"github.com/eddiefleurent/stamford_scalper/internal/macro"
	"github.com/eddiefleurent/stamford_scalper/internal/mock"
	"github.com/eddiefleurent/stamford_scalper/internal/mtf"
	"github.com/eddiefleurent/stamford_scalper/internal/orders"
	"github.com/eddiefleurent/stamford_scalper/internal/policy"
	"github.com/eddiefleurent/stamford_scalper/internal/storage"
	"github.com/eddiefleurent/stamford_scalper/internal/util"
)

// logTailLines is how much recent log the kill-switch post-mortem captures.
const logTailLines = 50

// heartbeatInterval paces the scrapeable liveness line.
const heartbeatInterval = 5 * time.Minute

// Bot owns the wired subsystems and drives the cycle schedulers.
type Bot struct {
	config     *config.Config
	gateway    broker.Gateway
	policy     *policy.Engine
	breaker    *breaker.Breaker
	macros     *macro.Assessor
	cache      *storage.SignalCache
	audit      *storage.AuditLog
	options    *engine.OptionsEngine
	equity     *engine.EquityEngine
	dash       *dashboard.Server
	logger     *log.Logger
	structured *logrus.Logger
	stop       chan struct{}
	started    time.Time
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	tail := util.NewTailWriter(logTailLines)
	logger := log.New(io.MultiWriter(os.Stdout, tail), "[BOT] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting Stamford Scalper in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	bot, err := newBot(cfg, logger, tail)
	if err != nil {
		logger.Fatalf("Failed to initialize bot: %v", err)
	}
	defer bot.audit.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping bot...")
		close(bot.stop)
		cancel()
	}()

	if err := bot.Run(ctx); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}

	logger.Println("Bot stopped")
}

// newBot wires storage, gateway, policy, breaker, engines, and dashboard
// from the loaded config. Persisted trade state is reconciled against the
// broker before the options engine restores it.
func newBot(cfg *config.Config, logger *log.Logger, tail *util.TailWriter) (*Bot, error) {
	store, err := storage.NewFileStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	audit, err := storage.NewAuditLog(filepath.Join(cfg.Storage.Path, "audit"))
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	cache := storage.NewSignalCache(storage.DefaultSignalTTL)
	stats := storage.NewStatistics(store)

	structured := newStructuredLogger(cfg.Environment.LogLevel)
	notifier := &alerts.LogNotifier{Logger: structured}

	gateway := buildGateway(cfg, logger)

	pol := policy.NewEngine(store)
	if err := seedPolicy(pol, cfg); err != nil {
		return nil, fmt.Errorf("seeding policy config: %w", err)
	}

	brk := breaker.New(store)
	brk.OnTrip(func(state breaker.State) {
		audit.Record(storage.AuditBreakerTrip, "", map[string]interface{}{
			"consecutiveBadTrades": state.ConsecutiveBadTrades,
			"consecutiveErrors":    state.ConsecutiveErrors,
			"pausedUntil":          state.PausedUntil,
		})
		notifier.Notify(context.Background(), alerts.Event{
			Kind:  alerts.EventBreakerTrip,
			Title: "circuit breaker tripped, trading paused",
			Fields: map[string]string{
				"pausedUntil": time.UnixMilli(state.PausedUntil).Format(time.RFC3339),
			},
		})
	})

	var adjudicator *ai.Adjudicator
	if cfg.AI.Enabled {
		completer := ai.NewClient(cfg.AI.Endpoint, cfg.AI.APIKey, cfg.AI.Model)
		adjudicator = ai.New(completer, cfg.AITimeout())
		logger.Printf("AI adjudication enabled (model %s)", cfg.AI.Model)
	} else {
		logger.Println("AI adjudication disabled, trading on assessor output alone")
	}

	// Align persisted trades with the broker before the engine restores them.
	reconciler := NewReconciler(gateway, store, logger)
	if err := reconciler.Reconcile(context.Background()); err != nil {
		logger.Printf("Warning: startup reconciliation failed: %v", err)
	}

	macros := macro.NewAssessor(gateway)
	optionsEngine := engine.NewOptionsEngine(engine.Options{
		Gateway:     gateway,
		Policy:      pol,
		Breaker:     brk,
		GEX:         gex.New(),
		Macro:       macros,
		MTF:         mtf.NewAnalyzer(gateway),
		Adjudicator: adjudicator,
		Watcher:     orders.NewWatcher(gateway, logger),
		Store:       store,
		Audit:       audit,
		Cache:       cache,
		Stats:       stats,
		Notifier:    notifier,
		Logger:      logger,
		Tail:        tail,
	})

	var equityEngine *engine.EquityEngine
	if cfg.Engines.Equity.Enabled {
		equityEngine = engine.NewEquityEngine(engine.EquityOptions{
			Gateway:   gateway,
			Policy:    pol,
			Breaker:   brk,
			Macro:     macros,
			Audit:     audit,
			Stats:     stats,
			Notifier:  notifier,
			Logger:    logger,
			Watchlist: cfg.Engines.Equity.Watchlist,
		})
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, gateway, pol, brk, optionsEngine, stats, structured)
	}

	return &Bot{
		config:     cfg,
		gateway:    gateway,
		policy:     pol,
		breaker:    brk,
		macros:     macros,
		cache:      cache,
		audit:      audit,
		options:    optionsEngine,
		equity:     equityEngine,
		dash:       dash,
		logger:     logger,
		structured: structured,
		stop:       make(chan struct{}),
		started:    time.Now(),
	}, nil
}

// buildGateway selects the market-data provider and wraps it in the request
// circuit breaker. The mock provider replays a deterministic walk for local
// runs without credentials.
func buildGateway(cfg *config.Config, logger *log.Logger) broker.Gateway {
	if cfg.Broker.Provider == "mock" {
		logger.Println("Using mock market data provider")
		return broker.NewCircuitBreakerGateway(mock.New(time.Now().UnixNano()))
	}

	var api *broker.TradierAPI
	if cfg.Broker.APIEndpoint != "" {
		api = broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID,
			cfg.IsPaperTrading(), cfg.Broker.APIEndpoint)
	} else {
		api = broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsPaperTrading())
	}
	return broker.NewCircuitBreakerGateway(api)
}

// seedPolicy pushes the YAML-side underlying list into the persisted policy
// config so the dashboard and the file agree on what gets scanned.
func seedPolicy(pol *policy.Engine, cfg *config.Config) error {
	if len(cfg.Engines.Options.Underlyings) == 0 {
		return nil
	}
	return pol.SetConfig("options_underlyings", cfg.Engines.Options.Underlyings)
}

func newStructuredLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// Run verifies broker connectivity, starts the dashboard, and drives the
// cycle tickers until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Println("Verifying broker connection...")
	account, err := b.gateway.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	b.logger.Printf("Connected to broker. Equity: $%.2f, buying power: $%.2f",
		account.Equity, account.BuyingPower)

	if b.dash != nil {
		go func() {
			b.logger.Printf("Dashboard listening on :%d", b.config.Dashboard.Port)
			if err := b.dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Printf("Dashboard server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.dash.Shutdown(shutdownCtx); err != nil {
				b.logger.Printf("Dashboard shutdown error: %v", err)
			}
		}()
	}

	jobs := []cycleJob{
		{name: "options cycle", interval: b.config.OptionsInterval(), immediate: true, run: b.runOptionsCycle},
		{name: "macro refresh", interval: b.config.MacroInterval(), immediate: true, run: b.refreshMacro},
		{name: "signal cache sweep", interval: storage.DefaultSignalTTL, run: b.sweepSignalCache},
		{name: "heartbeat", interval: heartbeatInterval, run: b.heartbeat},
	}
	if b.equity != nil {
		jobs = append(jobs, cycleJob{
			name: "equity cycle", interval: b.config.EquityInterval(), immediate: true, run: b.runEquityCycle,
		})
	}

	b.runJobs(ctx, jobs)
	return nil
}

func (b *Bot) runOptionsCycle(ctx context.Context) {
	if err := b.options.Cycle(ctx); err != nil {
		if errors.Is(err, engine.ErrCycleInProgress) {
			b.logger.Println("Options cycle still running, skipping tick")
			return
		}
		b.logger.Printf("Options cycle error: %v", err)
	}
}

func (b *Bot) runEquityCycle(ctx context.Context) {
	if err := b.equity.Cycle(ctx); err != nil {
		if errors.Is(err, engine.ErrCycleInProgress) {
			b.logger.Println("Equity cycle still running, skipping tick")
			return
		}
		b.logger.Printf("Equity cycle error: %v", err)
	}
}

// refreshMacro drops the regime cache and recomputes so cycle ticks always
// read a warm assessment.
func (b *Bot) refreshMacro(ctx context.Context) {
	b.macros.Invalidate()
	assessment := b.macros.Assess(ctx)
	b.logger.Printf("Macro regime: %s (score %d, multiplier %.1f)",
		assessment.Regime, assessment.Score, assessment.Multiplier)
}

func (b *Bot) sweepSignalCache(_ context.Context) {
	if n := b.cache.Purge(); n > 0 {
		b.logger.Printf("Purged %d expired signal cache entries", n)
	}
}

func (b *Bot) heartbeat(_ context.Context) {
	state := b.breaker.Snapshot()
	b.logger.Printf("METRIC: uptime_min=%.0f open_trades=%d breaker_bad=%d breaker_errors=%d paused=%t",
		time.Since(b.started).Minutes(), len(b.options.TrackedTrades()),
		state.ConsecutiveBadTrades, state.ConsecutiveErrors, b.breaker.IsPaused())
}
