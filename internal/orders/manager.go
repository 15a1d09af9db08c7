// Package orders tracks submitted orders to their terminal state. The
// engines submit day-limit orders and move on; a Watcher polls the broker
// with backoff so fills and cancels feed back into trade tracking.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
)

// Config tunes the polling loop.
type Config struct {
	PollInterval time.Duration // first poll delay; grows by backoffFactor
	MaxInterval  time.Duration // backoff cap
	Deadline     time.Duration // total wall-clock budget per order
	CallTimeout  time.Duration // per GetOrder call
}

// DefaultConfig is tuned for day orders on liquid contracts.
var DefaultConfig = Config{
	PollInterval: 2 * time.Second,
	MaxInterval:  15 * time.Second,
	Deadline:     5 * time.Minute,
	CallTimeout:  5 * time.Second,
}

const backoffFactor = 1.5

// ErrAwaitDeadline reports that the order was still live when the polling
// budget ran out. The order itself may yet fill; reconciliation against
// broker positions owns that case.
var ErrAwaitDeadline = errors.New("orders: await deadline exceeded")

// Watcher polls order status until terminal.
type Watcher struct {
	gateway broker.Gateway
	logger  *log.Logger
	config  Config
}

// NewWatcher builds a watcher. A nil logger falls back to stderr.
func NewWatcher(gateway broker.Gateway, logger *log.Logger, config ...Config) *Watcher {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.MaxInterval < cfg.PollInterval {
		cfg.MaxInterval = cfg.PollInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultConfig.Deadline
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	return &Watcher{gateway: gateway, logger: logger, config: cfg}
}

// Await polls until the order reaches a terminal state or the deadline
// passes. Transient lookup errors keep the loop alive; the last known order
// is returned alongside ErrAwaitDeadline on timeout.
func (w *Watcher) Await(ctx context.Context, orderID string) (*broker.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.Deadline)
	defer cancel()

	interval := w.config.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var last *broker.Order
	for {
		select {
		case <-ctx.Done():
			return last, ErrAwaitDeadline
		case <-timer.C:
		}

		callCtx, callCancel := context.WithTimeout(ctx, w.config.CallTimeout)
		order, err := w.gateway.GetOrder(callCtx, orderID)
		callCancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			// Parent deadline is handled at the top of the loop.
		case err != nil:
			w.logger.Printf("order %s status check failed: %v", orderID, err)
		case order != nil:
			last = order
			if order.IsTerminal() {
				return order, nil
			}
		}

		interval = time.Duration(float64(interval) * backoffFactor)
		if interval > w.config.MaxInterval {
			interval = w.config.MaxInterval
		}
		timer.Reset(interval)
	}
}

// Filled reports whether the terminal order actually executed; a canceled
// or rejected order is terminal but not filled.
func Filled(order *broker.Order) bool {
	return order != nil && order.Status == broker.OrderStatusFilled && order.FilledQty > 0
}

// AwaitFill is Await plus the fill check, returning an error for terminal
// non-fills so callers can unwind.
func (w *Watcher) AwaitFill(ctx context.Context, orderID string) (*broker.Order, error) {
	order, err := w.Await(ctx, orderID)
	if err != nil {
		return order, err
	}
	if !Filled(order) {
		return order, fmt.Errorf("order %s terminal without fill: %s", orderID, order.Status)
	}
	return order, nil
}
