// Package orders places equity orders and waits for their fills.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrFillTimeout means the order was accepted but not filled before the deadline.
// The order may still be working at the broker.
var ErrFillTimeout = errors.New("order not filled before deadline")

// PendingOrderError means the broker accepted the order but the wait for its
// fill ended first. Shares may still change hands under OrderID.
type PendingOrderError struct {
	OrderID int
	Err     error
}

func (e *PendingOrderError) Error() string {
	return fmt.Sprintf("order %d still working: %v", e.OrderID, e.Err)
}

func (e *PendingOrderError) Unwrap() error { return e.Err }

// tagPrefix marks orders placed by this bot in the broker's order history
const tagPrefix = "vr-"

// Config contains configuration for the order manager.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration // how long to wait for a fill
	CallTimeout  time.Duration // per broker call
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	PollInterval: 2 * time.Second,
	Timeout:      2 * time.Minute,
	CallTimeout:  10 * time.Second,
}

// Observer receives one event per finished order attempt
type Observer interface {
	ObserveOrder(side, result string)
}

// Manager handles order execution and status polling.
type Manager struct {
	broker   broker.Broker
	logger   logrus.FieldLogger
	observer Observer
	config   Config
}

// NewManager creates a new order manager instance.
func NewManager(b broker.Broker, logger logrus.FieldLogger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	if b == nil {
		panic("orders.NewManager: broker must not be nil")
	}

	return &Manager{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// WithObserver attaches an order observer (metrics)
func (m *Manager) WithObserver(o Observer) *Manager {
	m.observer = o
	return m
}

// NewOrderTag returns a short client tag for an order
func NewOrderTag() string {
	id := uuid.New()
	return tagPrefix + base62.EncodeToString(id[:])
}

// PlaceOrder submits a market order and blocks until it fills, fails, or times out.
func (m *Manager) PlaceOrder(ctx context.Context, side broker.Side, symbol string, quantity int64) (*models.Fill, error) {
	tag := NewOrderTag()
	log := m.logger.WithFields(logrus.Fields{
		"side":     side,
		"symbol":   symbol,
		"quantity": quantity,
		"tag":      tag,
	})

	submitCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	resp, err := m.broker.PlaceEquityOrder(submitCtx, side, symbol, quantity, tag)
	cancel()
	if err != nil {
		m.observe(side, "submit_failed")
		log.WithError(err).Warn("Order submission failed")
		return nil, fmt.Errorf("submitting %s %d %s: %w", side, quantity, symbol, err)
	}
	if resp == nil || resp.Order.ID == 0 {
		m.observe(side, "submit_failed")
		return nil, fmt.Errorf("%w: broker returned no order id for %s %s", broker.ErrOrderRejected, side, symbol)
	}

	orderID := resp.Order.ID
	log = log.WithField("order_id", orderID)
	log.Info("Order submitted")

	fill, err := m.AwaitFill(ctx, orderID)
	if err != nil {
		switch {
		case errors.Is(err, ErrFillTimeout):
			m.observe(side, "timeout")
		case errors.Is(err, broker.ErrOrderRejected):
			m.observe(side, "rejected")
		default:
			m.observe(side, "error")
		}
		if errors.Is(err, broker.ErrOrderRejected) {
			log.WithError(err).Warn("Order did not fill")
			return nil, err
		}
		log.WithError(err).Error("Order outcome unknown, it may still fill")
		return nil, &PendingOrderError{OrderID: orderID, Err: err}
	}

	if fill.Symbol == "" {
		fill.Symbol = symbol
	}
	if fill.Side == "" {
		fill.Side = string(side)
	}
	m.observe(side, "filled")
	log.WithFields(logrus.Fields{
		"fill_price": fill.Price.String(),
		"filled_qty": fill.Quantity,
	}).Info("Order filled")
	return fill, nil
}

// AwaitFill polls an order until it is completely filled or reaches a failed state.
// The first check happens immediately.
func (m *Manager) AwaitFill(ctx context.Context, orderID int) (*models.Fill, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, fmt.Errorf("waiting for order %d: %w", orderID, ctx.Err())
			}
			return nil, fmt.Errorf("%w: order %d after %v", ErrFillTimeout, orderID, m.config.Timeout)
		case <-timer.C:
		}

		statusCtx, statusCancel := context.WithTimeout(waitCtx, m.config.CallTimeout)
		orderStatus, err := m.broker.GetOrderStatus(statusCtx, orderID)
		statusCancel()

		if err != nil {
			m.logger.WithFields(logrus.Fields{"order_id": orderID, "error": err}).Debug("Order status check failed")
			timer.Reset(m.config.PollInterval)
			continue
		}
		if orderStatus == nil || orderStatus.Order.ID == 0 || orderStatus.Order.Status == "" {
			m.logger.WithField("order_id", orderID).Debug("Order payload missing or without status")
			timer.Reset(m.config.PollInterval)
			continue
		}

		order := orderStatus.Order
		if isOrderCompletelyFilled(order) {
			return fillFromOrder(orderID, order), nil
		}

		status := strings.ToLower(order.Status)
		switch status {
		case broker.OrderStatusCanceled, "cancelled", broker.OrderStatusRejected,
			broker.OrderStatusExpired, broker.OrderStatusError:
			if order.ExecQuantity > 0 {
				// Shares changed hands before the order died; report what filled.
				m.logger.WithFields(logrus.Fields{
					"order_id": orderID,
					"status":   status,
					"exec_qty": order.ExecQuantity,
				}).Warn("Order ended partially filled")
				return fillFromOrder(orderID, order), nil
			}
			reason := order.ReasonDescription
			if reason == "" {
				reason = status
			}
			return nil, fmt.Errorf("%w: order %d %s", broker.ErrOrderRejected, orderID, reason)
		default:
			timer.Reset(m.config.PollInterval)
		}
	}
}

func (m *Manager) observe(side broker.Side, result string) {
	if m.observer != nil {
		m.observer.ObserveOrder(string(side), result)
	}
}

// isOrderCompletelyFilled checks status first, then executed against requested quantity
func isOrderCompletelyFilled(order broker.Order) bool {
	if strings.EqualFold(order.Status, broker.OrderStatusFilled) {
		return true
	}

	const epsilon = 1e-6
	if order.Quantity <= epsilon || order.ExecQuantity <= epsilon {
		return false
	}
	return order.ExecQuantity >= order.Quantity-epsilon
}

func fillFromOrder(orderID int, order broker.Order) *models.Fill {
	price := order.AvgFillPrice
	if price <= 0 {
		price = order.LastFillPrice
	}
	qty := int64(order.ExecQuantity)
	if qty <= 0 {
		qty = int64(order.Quantity)
	}

	fill := &models.Fill{
		OrderID:   strconv.Itoa(orderID),
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  qty,
		Timestamp: time.Now().UTC(),
	}
	if price > 0 {
		fill.Price = decimal.NewFromFloat(price)
	}
	return fill
}
