package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason explains why a position was closed
type ExitReason string

const (
	ExitReasonStopLoss   ExitReason = "stop_loss"
	ExitReasonTakeProfit ExitReason = "take_profit"
	ExitReasonForced     ExitReason = "forced" // shutdown or lost market data
	ExitReasonManual     ExitReason = "manual" // operator close-out after a halt
)

// CycleOutcome distinguishes completed cycles from aborted and escalated ones
type CycleOutcome string

const (
	// OutcomeSettled means the position was opened and closed; P&L is realized
	OutcomeSettled CycleOutcome = "settled"
	// OutcomeNoOp means the cycle aborted before a position existed; nothing changed
	OutcomeNoOp CycleOutcome = "no_op"
	// OutcomeUnresolved means the exit order could not be completed; the position is abandoned
	OutcomeUnresolved CycleOutcome = "unresolved"
)

// Fill is the broker's confirmation of an executed order
type Fill struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// CycleResult is produced once per trade cycle and consumed by the session loop
type CycleResult struct {
	Started     time.Time       `json:"started"`
	Finished    time.Time       `json:"finished"`
	Err         error           `json:"-"`
	Position    *Position       `json:"position,omitempty"`
	CycleID     string          `json:"cycle_id"`
	Outcome     CycleOutcome    `json:"outcome"`
	ExitReason  ExitReason      `json:"exit_reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// NewNoOpResult builds the result of a cycle that aborted before entry
func NewNoOpResult(cycleID string, started time.Time, cause error) CycleResult {
	r := CycleResult{
		CycleID:  cycleID,
		Outcome:  OutcomeNoOp,
		Started:  started,
		Finished: time.Now().UTC(),
		Err:      cause,
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	return r
}

// IsLoss reports whether the cycle settled with a negative P&L
func (r CycleResult) IsLoss() bool {
	return r.Outcome == OutcomeSettled && r.RealizedPnL.IsNegative()
}

// CycleRecord is the persisted form of a finished cycle
type CycleRecord struct {
	Started     time.Time       `json:"started"`
	Finished    time.Time       `json:"finished"`
	CycleID     string          `json:"cycle_id"`
	Outcome     CycleOutcome    `json:"outcome"`
	Symbol      string          `json:"symbol,omitempty"`
	ExitReason  ExitReason      `json:"exit_reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Quantity    int64           `json:"quantity"`
}

// Record flattens a result for storage
func (r CycleResult) Record() CycleRecord {
	rec := CycleRecord{
		Started:     r.Started,
		Finished:    r.Finished,
		CycleID:     r.CycleID,
		Outcome:     r.Outcome,
		ExitReason:  r.ExitReason,
		Error:       r.Error,
		RealizedPnL: r.RealizedPnL,
	}
	if rec.Error == "" && r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if r.Position != nil {
		rec.Symbol = r.Position.Symbol
		rec.EntryPrice = r.Position.EntryPrice
		rec.ExitPrice = r.Position.ExitPrice
		rec.Quantity = r.Position.Quantity
	}
	return rec
}
