// Package retry provides bounded retries with backoff for broker operations.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/sirupsen/logrus"
)

// Config bounds a retried operation
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // overall deadline across all attempts
}

// DefaultConfig is used when no Config is passed
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs fn until it succeeds, returns a non-transient error, or attempts run out.
// op names the operation in logs and errors.
func Do[T any](ctx context.Context, cfg Config, logger logrus.FieldLogger, op string,
	fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	opCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}
		if opCtx.Err() != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", op, cfg.Timeout, opCtx.Err())
		}

		res, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				logger.WithField("attempt", attempt+1).Infof("%s succeeded after retry", op)
			}
			return res, nil
		}

		lastErr = err
		entry := logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"of":      cfg.MaxRetries + 1,
			"error":   err,
		})

		if !IsTransientError(err) || attempt == cfg.MaxRetries {
			entry.Warnf("%s failed", op)
			break
		}

		entry.WithField("backoff", backoff).Warnf("%s failed with transient error, retrying", op)
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			if ctx.Err() != nil {
				return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
			}
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}

// nextBackoff grows the delay by 1.5x, caps it, then adds up to 25% jitter
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if maxBackoff > 0 && backoff > maxBackoff {
		backoff = maxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			logrus.Warnf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransientError reports whether err is worth another attempt. Typed broker
// errors decide first; bare errors fall back to message patterns.
func IsTransientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if broker.IsTransient(err) {
		return true
	}
	if errors.Is(err, broker.ErrOrderRejected) || errors.Is(err, broker.ErrInsufficientFunds) ||
		errors.Is(err, broker.ErrUnknownSymbol) || errors.Is(err, ErrNothingHeld) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// ErrNothingHeld means the broker holds none of the shares a retried sell was
// about to resubmit, so an earlier attempt most likely went through.
var ErrNothingHeld = errors.New("broker holds no shares to sell")

// OrderPlacer submits an order and waits for its fill
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, side broker.Side, symbol string, quantity int64) (*models.Fill, error)
}

// HoldingsSource reports the account's open positions
type HoldingsSource interface {
	GetPositions(ctx context.Context) ([]broker.PositionItem, error)
}

// Client retries order placement on transient failures
type Client struct {
	placer   OrderPlacer
	holdings HoldingsSource
	logger   logrus.FieldLogger
	config   Config
}

// NewClient creates a retrying client; an optional Config overrides DefaultConfig
func NewClient(placer OrderPlacer, logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		placer: placer,
		logger: logger,
		config: cfg,
	}
}

// WithHoldings makes every resubmitted sell first confirm the shares are still held
func (c *Client) WithHoldings(h HoldingsSource) *Client {
	c.holdings = h
	return c
}

// SellWithRetry sells the position's full quantity, retrying transient failures.
// A fill timeout is not retried: the first order may still be working. A failed
// submission may still have reached the broker, so with a HoldingsSource each
// resubmission sells at most what is still held and none at all when flat.
func (c *Client) SellWithRetry(ctx context.Context, position *models.Position) (*models.Fill, error) {
	if position == nil {
		return nil, errors.New("no position to sell")
	}

	log := c.logger.WithFields(logrus.Fields{
		"position_id": position.ID,
		"symbol":      position.Symbol,
		"quantity":    position.Quantity,
	})
	log.Info("Placing exit order")

	attempt := 0
	qty := position.Quantity
	fill, err := Do(ctx, c.config, log, "exit order", func(ctx context.Context) (*models.Fill, error) {
		attempt++
		if attempt > 1 && c.holdings != nil {
			held, err := c.heldQuantity(ctx, position.Symbol)
			if err != nil {
				return nil, err
			}
			if held <= 0 {
				return nil, fmt.Errorf("%w: %s", ErrNothingHeld, position.Symbol)
			}
			if held < qty {
				log.WithField("held", held).Warn("Earlier exit attempt partly filled, selling the remainder")
				qty = held
			}
		}
		return c.placer.PlaceOrder(ctx, broker.SideSell, position.Symbol, qty)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"order_id":   fill.OrderID,
		"fill_price": fill.Price.String(),
	}).Info("Exit order filled")
	return fill, nil
}

func (c *Client) heldQuantity(ctx context.Context, symbol string) (int64, error) {
	positions, err := c.holdings.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("checking holdings before resubmitting: %w", err)
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) && p.Quantity > 0 {
			return int64(math.Round(p.Quantity)), nil
		}
	}
	return 0, nil
}
