// Package retry wraps position-close calls with bounded retries. Closing is
// the one operation that must not silently fail: an unclosed position keeps
// accruing risk, so transient gateway errors are retried with backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/broker"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig retries three times over at most two minutes.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries close orders against the gateway.
type Client struct {
	gateway broker.Gateway
	logger  *log.Logger
	config  Config
}

// NewClient builds a retry client; omit config to use DefaultConfig.
func NewClient(gateway broker.Gateway, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Client{gateway: gateway, logger: logger, config: cfg}
}

// CloseOptionsPosition submits a sell-to-close for the OSI symbol, retrying
// transient failures with jittered backoff.
func (c *Client) CloseOptionsPosition(ctx context.Context, symbol string, qty int) (*broker.Order, error) {
	return c.withRetry(ctx, symbol, func(callCtx context.Context) (*broker.Order, error) {
		return c.gateway.CloseOptionsPosition(callCtx, symbol, qty)
	})
}

// ClosePosition is the equity-side close with the same retry discipline.
func (c *Client) ClosePosition(ctx context.Context, symbol string, qty int) (*broker.Order, error) {
	return c.withRetry(ctx, symbol, func(callCtx context.Context) (*broker.Order, error) {
		return c.gateway.ClosePosition(callCtx, symbol, qty)
	})
}

func (c *Client) withRetry(
	ctx context.Context,
	symbol string,
	call func(context.Context) (*broker.Order, error),
) (*broker.Order, error) {
	closeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := closeCtx.Err(); err != nil {
			return nil, fmt.Errorf("close operation timed out after %v: %w", c.config.Timeout, err)
		}

		order, err := call(closeCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("close order for %s placed on attempt %d: %s", symbol, attempt+1, order.ID)
			}
			return order, nil
		}

		lastErr = err
		c.logger.Printf("close attempt %d/%d for %s failed: %v",
			attempt+1, c.config.MaxRetries+1, symbol, err)

		if !isTransientError(err) || attempt >= c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-closeCtx.Done():
			return nil, fmt.Errorf("close operation timed out during backoff: %w", closeCtx.Err())
		}
	}

	return nil, fmt.Errorf("failed to close %s after %d attempts: %w", symbol, c.config.MaxRetries+1, lastErr)
}

// nextBackoff grows the delay 1.5x with up to 25% jitter, capped.
func (c *Client) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > c.config.MaxBackoff {
		next = c.config.MaxBackoff
	}
	if maxJitter := int64(next / 4); maxJitter > 0 {
		jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("warning: jitter generation failed: %v", err)
		} else {
			next += time.Duration(jitter.Int64())
		}
	}
	return next
}

// isTransientError combines the gateway's structured classification with
// string patterns for errors that arrive unwrapped.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if broker.IsTransient(err) {
		return true
	}
	if broker.IsPermanent(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
