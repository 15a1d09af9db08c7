// Package mock is a deterministic in-memory Gateway for paper/demo runs and
// tests. Prices follow a seeded random walk; the option chain is a
// Black-Scholes surface over it, so repeated runs with the same seed replay
// identically.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/marketclock"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/osi"
	"github.com/eddiefleurent/stamford_scalper/internal/pricing"
)

const (
	defaultEquity      = 50000
	defaultIV          = 0.20
	chainStrikesAround = 10
	chainSpreadPct     = 0.02
)

// Gateway is the deterministic mock provider.
type Gateway struct {
	mu        sync.Mutex
	rng       *rand.Rand
	now       func() time.Time
	prices    map[string]float64
	account   broker.Account
	positions map[string]*broker.Position // symbol -> position
	orders    map[string]*broker.Order
}

var _ broker.Gateway = (*Gateway)(nil)

// New seeds the walk. The same seed replays the same market.
func New(seed int64) *Gateway {
	return &Gateway{
		rng: rand.New(rand.NewSource(seed)), // #nosec G404 -- simulation, not security
		now: time.Now,
		prices: map[string]float64{
			"SPY": 500,
			"QQQ": 430,
		},
		account:   broker.Account{Equity: defaultEquity, BuyingPower: defaultEquity / 2, Cash: defaultEquity / 2},
		positions: make(map[string]*broker.Position),
		orders:    make(map[string]*broker.Order),
	}
}

// SetNow overrides the clock, pinning the simulated session.
func (g *Gateway) SetNow(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// price walks the symbol by up to ±0.05% per call and returns the new level.
func (g *Gateway) price(symbol string) float64 {
	p, ok := g.prices[symbol]
	if !ok {
		p = 100
	}
	p *= 1 + (g.rng.Float64()-0.5)*0.001
	g.prices[symbol] = p
	return p
}

// GetClock reports the real ET session for the simulated timestamp.
func (g *Gateway) GetClock(context.Context) (*broker.Clock, error) {
	g.mu.Lock()
	now := g.now()
	g.mu.Unlock()
	return &broker.Clock{
		IsOpen:    marketclock.InSession(now),
		NextOpen:  marketclock.SessionOpen(now.AddDate(0, 0, 1)),
		NextClose: marketclock.SessionClose(now),
	}, nil
}

func (g *Gateway) GetAccount(context.Context) (*broker.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.account
	return &a, nil
}

func (g *Gateway) GetPositions(context.Context) ([]broker.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]broker.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (g *Gateway) GetOptionsPositions(ctx context.Context) ([]broker.Position, error) {
	all, err := g.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	return broker.FilterOptionsPositions(all), nil
}

func (g *Gateway) GetSnapshot(_ context.Context, ticker string) (*broker.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.price(ticker)
	prev := p / (1 + (g.rng.Float64()-0.45)*0.01)
	return &broker.Snapshot{
		Symbol:    ticker,
		Price:     p,
		PrevClose: prev,
		ChangePct: (p - prev) / prev * 100,
		Volume:    int64(1_000_000 + g.rng.Intn(9_000_000)),
	}, nil
}

func (g *Gateway) GetSnapshots(ctx context.Context, tickers []string) (map[string]broker.Snapshot, error) {
	out := make(map[string]broker.Snapshot, len(tickers))
	for _, t := range tickers {
		s, err := g.GetSnapshot(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t] = *s
	}
	return out, nil
}

// GetHistory returns daily bars ending yesterday with a gentle drift so the
// long-horizon macro indicators have something to chew on.
func (g *Gateway) GetHistory(_ context.Context, ticker string, days int) ([]models.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if days <= 0 {
		return nil, fmt.Errorf("history days must be positive, got %d", days)
	}

	end := g.now().Truncate(24 * time.Hour)
	level := g.prices[ticker]
	if level == 0 {
		level = 100
	}
	// Walk backwards so the series ends near the live price.
	closes := make([]float64, days)
	closes[days-1] = level
	for i := days - 2; i >= 0; i-- {
		closes[i] = closes[i+1] / (1 + 0.0004 + (g.rng.Float64()-0.5)*0.01)
	}

	bars := make([]models.Bar, days)
	for i, c := range closes {
		open := c * (1 + (g.rng.Float64()-0.5)*0.004)
		bars[i] = models.Bar{
			Timestamp: end.AddDate(0, 0, i-days),
			Open:      open,
			High:      math.Max(open, c) * 1.004,
			Low:       math.Min(open, c) * 0.996,
			Close:     c,
			Volume:    int64(40_000_000 + g.rng.Intn(40_000_000)),
		}
	}
	return bars, nil
}

// GetIntradayBars returns limit bars ending at the simulated now.
func (g *Gateway) GetIntradayBars(_ context.Context, ticker, timeframe string, limit int) ([]models.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit <= 0 {
		return nil, fmt.Errorf("bar limit must be positive, got %d", limit)
	}
	step := 5 * time.Minute
	if timeframe == "1min" {
		step = time.Minute
	}

	level := g.prices[ticker]
	if level == 0 {
		level = 100
	}
	end := g.now().Truncate(step)
	closes := make([]float64, limit)
	closes[limit-1] = level
	for i := limit - 2; i >= 0; i-- {
		closes[i] = closes[i+1] / (1 + (g.rng.Float64()-0.5)*0.002)
	}

	bars := make([]models.Bar, limit)
	for i, c := range closes {
		open := c * (1 + (g.rng.Float64()-0.5)*0.001)
		bars[i] = models.Bar{
			Timestamp: end.Add(time.Duration(i-limit) * step),
			Open:      open,
			High:      math.Max(open, c) * 1.001,
			Low:       math.Min(open, c) * 0.999,
			Close:     c,
			Volume:    int64(100_000 + g.rng.Intn(400_000)),
		}
	}
	return bars, nil
}

// GetOptionExpirations always offers today's expiration, as a 0DTE venue does.
func (g *Gateway) GetOptionExpirations(_ context.Context, _ string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return []string{marketclock.DateString(g.now())}, nil
}

// GetOptionsSnapshots synthesizes a chain around the live spot: BS pricing
// with a flat smile, liquidity decaying from the money.
func (g *Gateway) GetOptionsSnapshots(_ context.Context, ticker, expiration, optionType string) ([]broker.OptionContract, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	expDay, err := time.ParseInLocation("2006-01-02", expiration, marketclock.Eastern())
	if err != nil {
		return nil, fmt.Errorf("invalid expiration %q: %w", expiration, err)
	}
	spot := g.prices[ticker]
	if spot == 0 {
		spot = g.price(ticker)
	}

	expiry := marketclock.SessionClose(expDay)
	years := expiry.Sub(g.now()).Hours() / 24 / 365.25
	if years < 1.0/365.25/390 {
		years = 1.0 / 365.25 / 390
	}

	atm := math.Round(spot)
	var chain []broker.OptionContract
	for i := -chainStrikesAround; i <= chainStrikesAround; i++ {
		strike := atm + float64(i)
		if strike <= 0 {
			continue
		}
		iv := defaultIV + 0.003*math.Abs(strike-spot)
		distance := math.Abs(strike - spot)
		oi := int64(4000 - 300*distance)
		if oi < 100 {
			oi = 100
		}
		volume := int64(600 - 50*distance)
		if volume < 10 {
			volume = 10
		}

		for _, side := range []string{osi.TypeCall, osi.TypePut} {
			if optionType != "" && optionType != side {
				continue
			}
			isCall := side == osi.TypeCall
			mid := pricing.Price(isCall, spot, strike, pricing.DefaultRiskFreeRate, iv, years)
			if mid < 0.01 {
				continue
			}
			delta := pricing.DeltaCall(spot, strike, pricing.DefaultRiskFreeRate, iv, years)
			if !isCall {
				delta -= 1
			}
			half := mid * chainSpreadPct / 2
			chain = append(chain, broker.OptionContract{
				Symbol:       osi.Build(ticker, expDay, side, strike),
				Underlying:   ticker,
				Strike:       strike,
				Expiration:   expiration,
				Type:         side,
				Volume:       volume,
				OpenInterest: oi,
				IV:           iv,
				Greeks: broker.Greeks{
					Delta: delta,
					Gamma: pricing.Gamma(spot, strike, pricing.DefaultRiskFreeRate, iv, years),
				},
				Quote: broker.Quote{
					Bid:  math.Max(0.01, mid-half),
					Ask:  mid + half,
					Last: mid,
				},
			})
		}
	}
	return chain, nil
}

func (g *Gateway) fill(symbol, side string, qty int, price float64) *broker.Order {
	order := &broker.Order{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Side:         side,
		Status:       broker.OrderStatusFilled,
		Qty:          float64(qty),
		FilledQty:    float64(qty),
		AvgFillPrice: price,
		CreatedAt:    g.now(),
	}
	g.orders[order.ID] = order
	return order
}

// CreateOrder fills equity orders immediately at the walked price.
func (g *Gateway) CreateOrder(_ context.Context, req broker.OrderRequest) (*broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.Qty <= 0 && req.Notional <= 0 {
		return nil, fmt.Errorf("order needs qty or notional")
	}
	price := g.price(req.Symbol)
	qty := req.Qty
	if qty == 0 {
		qty = int(req.Notional / price)
	}
	signed := qty
	if req.Side == "sell" {
		signed = -qty
	}
	g.applyFill(req.Symbol, signed, price, 1)
	return g.fill(req.Symbol, req.Side, qty, price), nil
}

// CreateOptionsOrder fills single-leg option orders at the limit (or a
// repriced mid for market orders).
func (g *Gateway) CreateOptionsOrder(_ context.Context, req broker.OptionsOrderRequest) (*broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.Qty <= 0 {
		return nil, fmt.Errorf("options order needs positive qty")
	}
	contract := osi.Parse(req.Symbol)
	if contract.Type == osi.TypeUnknown {
		return nil, fmt.Errorf("not an OSI symbol: %q", req.Symbol)
	}
	price := req.LimitPrice
	if price <= 0 {
		price = 1.00
	}
	signed := req.Qty
	if req.Side == "sell_to_open" || req.Side == "sell_to_close" {
		signed = -req.Qty
	}
	g.applyFill(req.Symbol, signed, price, 100)
	return g.fill(req.Symbol, req.Side, req.Qty, price), nil
}

// applyFill updates the position book; multiplier is 100 for options.
func (g *Gateway) applyFill(symbol string, signedQty int, price float64, multiplier float64) {
	pos, ok := g.positions[symbol]
	if !ok {
		g.positions[symbol] = &broker.Position{
			Symbol:        symbol,
			Qty:           signedQty,
			AvgEntryPrice: price,
			MarketValue:   float64(signedQty) * price * multiplier,
		}
		return
	}
	pos.Qty += signedQty
	if pos.Qty == 0 {
		delete(g.positions, symbol)
		return
	}
	pos.MarketValue = float64(pos.Qty) * price * multiplier
}

func (g *Gateway) GetOrder(_ context.Context, orderID string) (*broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", orderID)
	}
	o := *order
	return &o, nil
}

func (g *Gateway) ClosePosition(_ context.Context, symbol string, qty int) (*broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("no position in %q", symbol)
	}
	price := g.price(symbol)
	side := "sell"
	if pos.Qty < 0 {
		side = "buy"
	}
	delete(g.positions, symbol)
	return g.fill(symbol, side, qty, price), nil
}

func (g *Gateway) CloseOptionsPosition(_ context.Context, osiSymbol string, qty int) (*broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[osiSymbol]
	if !ok {
		return nil, fmt.Errorf("no position in %q", osiSymbol)
	}
	side := "sell_to_close"
	if pos.Qty < 0 {
		side = "buy_to_close"
	}
	delete(g.positions, osiSymbol)
	return g.fill(osiSymbol, side, qty, pos.AvgEntryPrice), nil
}

func (g *Gateway) CancelAllOrders(context.Context) error {
	return nil
}

func (g *Gateway) CloseAllPositions(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for symbol := range g.positions {
		delete(g.positions, symbol)
	}
	return nil
}
