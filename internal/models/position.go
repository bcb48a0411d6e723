package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidPosition is returned when position parameters violate the entry invariants
var ErrInvalidPosition = errors.New("invalid position")

// Position represents a single long equity position held for one trade cycle.
type Position struct {
	StateMachine    *StateMachine   `json:"-"`     // Runtime only, excluded from JSON
	State           CycleState      `json:"state"` // Canonical persisted state
	ID              string          `json:"id"`
	CycleID         string          `json:"cycle_id"`
	Symbol          string          `json:"symbol"`
	EntryOrderID    string          `json:"entry_order_id,omitempty"`
	ExitOrderID     string          `json:"exit_order_id,omitempty"`
	ExitReason      ExitReason      `json:"exit_reason,omitempty"`
	EntryTime       time.Time       `json:"entry_time"`
	ExitTime        time.Time       `json:"exit_time,omitempty"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	ExitPrice       decimal.Decimal `json:"exit_price"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	Quantity        int64           `json:"quantity"`
}

// NewPosition creates an open position after the entry order filled.
// stopLoss and takeProfit are absolute trigger prices.
func NewPosition(id, cycleID, symbol string, entryPrice decimal.Decimal, quantity int64,
	stopLoss, takeProfit decimal.Decimal) (*Position, error) {
	if !entryPrice.IsPositive() {
		return nil, fmt.Errorf("%w: entry price must be > 0 (got %s)", ErrInvalidPosition, entryPrice)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be > 0 (got %d)", ErrInvalidPosition, quantity)
	}
	if !stopLoss.LessThan(entryPrice) || !entryPrice.LessThan(takeProfit) {
		return nil, fmt.Errorf("%w: thresholds must satisfy stop loss %s < entry %s < take profit %s",
			ErrInvalidPosition, stopLoss, entryPrice, takeProfit)
	}

	return &Position{
		ID:              id,
		CycleID:         cycleID,
		Symbol:          symbol,
		EntryPrice:      entryPrice,
		Quantity:        quantity,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
		EntryTime:       time.Now().UTC(),
		State:           StateMonitoring,
	}, nil
}

// CostBasis returns entry price times quantity
func (p *Position) CostBasis() decimal.Decimal {
	return p.EntryPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPnL returns the mark-to-market P&L at price
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.Quantity))
}

// RealizedPnL returns (exit - entry) * quantity
func (p *Position) RealizedPnL(exitPrice decimal.Decimal) decimal.Decimal {
	return p.UnrealizedPnL(exitPrice)
}

// MarkClosed records the exit fill on the position
func (p *Position) MarkClosed(exitPrice decimal.Decimal, reason ExitReason, orderID string) {
	p.ExitPrice = exitPrice
	p.ExitReason = reason
	p.ExitOrderID = orderID
	if p.ExitTime.IsZero() {
		p.ExitTime = time.Now().UTC()
	}
}

// IsOpen reports whether shares are (or may still be) held for this position
func (p *Position) IsOpen() bool {
	switch p.State {
	case StateMonitoring, StateExiting, StateUnresolved:
		return true
	default:
		return false
	}
}

// Copy returns a detached copy safe to hand to storage or other goroutines
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.StateMachine = nil
	return &c
}
