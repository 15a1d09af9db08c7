package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/osi"
)

// Gateway defines the interface for the market-data and brokerage provider.
type Gateway interface {
	// Account and clock
	GetClock(ctx context.Context) (*Clock, error)
	GetAccount(ctx context.Context) (*Account, error)

	// Positions
	GetPositions(ctx context.Context) ([]Position, error)
	GetOptionsPositions(ctx context.Context) ([]Position, error)

	// Market data
	GetSnapshot(ctx context.Context, ticker string) (*Snapshot, error)
	GetSnapshots(ctx context.Context, tickers []string) (map[string]Snapshot, error)
	GetHistory(ctx context.Context, ticker string, days int) ([]models.Bar, error)
	GetIntradayBars(ctx context.Context, ticker, timeframe string, limit int) ([]models.Bar, error)

	// Options chain
	GetOptionsSnapshots(ctx context.Context, ticker, expiration, optionType string) ([]OptionContract, error)
	GetOptionExpirations(ctx context.Context, ticker string) ([]string, error)

	// Orders
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CreateOptionsOrder(ctx context.Context, req OptionsOrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// Closing
	ClosePosition(ctx context.Context, symbol string, qty int) (*Order, error)
	CloseOptionsPosition(ctx context.Context, osiSymbol string, qty int) (*Order, error)
	CancelAllOrders(ctx context.Context) error
	CloseAllPositions(ctx context.Context) error
}

// Clock describes the market session state.
type Clock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// Account holds the balances the engines size against.
type Account struct {
	Equity        float64 `json:"equity"`
	BuyingPower   float64 `json:"buying_power"`
	Cash          float64 `json:"cash"`
	DaytradeCount int     `json:"daytrade_count"`
}

// Position is a broker-held position. Qty is signed: negative means short.
type Position struct {
	Symbol         string  `json:"symbol"`
	Qty            int     `json:"qty"`
	AvgEntryPrice  float64 `json:"avg_entry_price"`
	MarketValue    float64 `json:"market_value"`
	UnrealizedPL   float64 `json:"unrealized_pl"`
	UnrealizedPLPC float64 `json:"unrealized_plpc"`
}

// IsOption reports whether the position symbol is a well-formed OSI code.
func (p *Position) IsOption() bool {
	return osi.Parse(p.Symbol).Type != osi.TypeUnknown
}

// Snapshot is a one-ticker price snapshot.
type Snapshot struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	PrevClose float64 `json:"prev_close"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
}

// Quote carries the NBBO for one contract.
type Quote struct {
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Last    float64 `json:"last"`
	BidSize int     `json:"bid_size"`
	AskSize int     `json:"ask_size"`
}

// Greeks contains per-contract greeks from the provider; zero when absent.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// OptionContract is one unified chain record.
type OptionContract struct {
	Symbol       string  `json:"symbol"` // OSI
	Underlying   string  `json:"underlying"`
	Strike       float64 `json:"strike"`
	Expiration   string  `json:"expiration"` // YYYY-MM-DD
	Type         string  `json:"type"`       // "call" or "put"
	Volume       int64   `json:"volume"`
	OpenInterest int64   `json:"open_interest"`
	IV           float64 `json:"implied_volatility"`
	Greeks       Greeks  `json:"greeks"`
	Quote        Quote   `json:"quote"`
}

// Mid returns the bid/ask midpoint, falling back to last when the book is
// one-sided or crossed.
func (c *OptionContract) Mid() float64 {
	if c.Quote.Bid > 0 && c.Quote.Ask > 0 && c.Quote.Ask >= c.Quote.Bid {
		return (c.Quote.Bid + c.Quote.Ask) / 2
	}
	return c.Quote.Last
}

// SpreadPct returns (ask-bid)/mid, or 1.0 when the quote is unusable.
func (c *OptionContract) SpreadPct() float64 {
	mid := c.Mid()
	if mid <= 0 || c.Quote.Bid <= 0 || c.Quote.Ask <= 0 {
		return 1.0
	}
	return (c.Quote.Ask - c.Quote.Bid) / mid
}

// OrderRequest describes an equity order. Exactly one of Qty or Notional
// must be set.
type OrderRequest struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"` // "buy" or "sell"
	Qty         int     `json:"qty,omitempty"`
	Notional    float64 `json:"notional,omitempty"`
	Type        string  `json:"type"` // "market" or "limit"
	TimeInForce string  `json:"time_in_force"`
	LimitPrice  float64 `json:"limit_price,omitempty"`
}

// OptionsOrderRequest describes a single-leg option order.
type OptionsOrderRequest struct {
	Symbol      string  `json:"symbol"` // OSI
	Side        string  `json:"side"`   // "buy_to_open", "sell_to_close"
	Qty         int     `json:"qty"`
	Type        string  `json:"type"`
	LimitPrice  float64 `json:"limit_price,omitempty"`
	TimeInForce string  `json:"time_in_force"`
	Tag         string  `json:"tag,omitempty"`
}

// Order is the provider's view of a submitted order.
type Order struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Status       string    `json:"status"`
	Qty          float64   `json:"qty"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	CreatedAt    time.Time `json:"created_at"`
}

// Order status values reported by the provider.
const (
	OrderStatusPending  = "pending"
	OrderStatusOpen     = "open"
	OrderStatusFilled   = "filled"
	OrderStatusCanceled = "canceled"
	OrderStatusRejected = "rejected"
	OrderStatusExpired  = "expired"
)

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// FilterOptionsPositions keeps only positions whose symbols parse as OSI.
func FilterOptionsPositions(positions []Position) []Position {
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		if p.IsOption() {
			out = append(out, p)
		}
	}
	return out
}

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
// so a flapping provider cannot stall the trading cycle.
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerGateway implements Gateway at compile time.
var _ Gateway = (*CircuitBreakerGateway)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with sensible defaults.
func NewCircuitBreakerGateway(gateway Gateway) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with custom settings.
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, settings CircuitBreakerSettings) *CircuitBreakerGateway {
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetClock wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetClock(ctx context.Context) (*Clock, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Clock, error) { return g.GetClock(ctx) })
}

// GetAccount wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetAccount(ctx context.Context) (*Account, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Account, error) { return g.GetAccount(ctx) })
}

// GetPositions wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Position, error) { return g.GetPositions(ctx) })
}

// GetOptionsPositions wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetOptionsPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Position, error) { return g.GetOptionsPositions(ctx) })
}

// GetSnapshot wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetSnapshot(ctx context.Context, ticker string) (*Snapshot, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Snapshot, error) { return g.GetSnapshot(ctx, ticker) })
}

// GetSnapshots wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetSnapshots(ctx context.Context, tickers []string) (map[string]Snapshot, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (map[string]Snapshot, error) {
		return g.GetSnapshots(ctx, tickers)
	})
}

// GetHistory wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetHistory(ctx context.Context, ticker string, days int) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]models.Bar, error) {
		return g.GetHistory(ctx, ticker, days)
	})
}

// GetIntradayBars wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetIntradayBars(ctx context.Context, ticker, timeframe string, limit int) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]models.Bar, error) {
		return g.GetIntradayBars(ctx, ticker, timeframe, limit)
	})
}

// GetOptionsSnapshots wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetOptionsSnapshots(ctx context.Context, ticker, expiration, optionType string) ([]OptionContract, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]OptionContract, error) {
		return g.GetOptionsSnapshots(ctx, ticker, expiration, optionType)
	})
}

// GetOptionExpirations wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetOptionExpirations(ctx context.Context, ticker string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]string, error) {
		return g.GetOptionExpirations(ctx, ticker)
	})
}

// CreateOrder wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Order, error) { return g.CreateOrder(ctx, req) })
}

// CreateOptionsOrder wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) CreateOptionsOrder(ctx context.Context, req OptionsOrderRequest) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Order, error) {
		return g.CreateOptionsOrder(ctx, req)
	})
}

// GetOrder wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Order, error) { return g.GetOrder(ctx, orderID) })
}

// ClosePosition wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) ClosePosition(ctx context.Context, symbol string, qty int) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Order, error) {
		return g.ClosePosition(ctx, symbol, qty)
	})
}

// CloseOptionsPosition wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) CloseOptionsPosition(ctx context.Context, osiSymbol string, qty int) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Order, error) {
		return g.CloseOptionsPosition(ctx, osiSymbol, qty)
	})
}

// CancelAllOrders wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) CancelAllOrders(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CancelAllOrders(ctx)
	})
	return err
}

// CloseAllPositions wraps the underlying gateway call with circuit breaker.
func (c *CircuitBreakerGateway) CloseAllPositions(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CloseAllPositions(ctx)
	})
	return err
}
