package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus describes whether the session is still trading and, if not, why
type SessionStatus string

const (
	SessionRunning        SessionStatus = "running"
	SessionTargetReached  SessionStatus = "target_reached"
	SessionCircuitBreaker SessionStatus = "circuit_breaker"
	SessionUnresolved     SessionStatus = "unresolved" // halted pending manual intervention
	SessionStopped        SessionStatus = "stopped"    // operator shutdown
)

// SessionState is the run-wide aggregate owned by the session loop.
// It is passed by value; only the session loop mutates its copy.
type SessionState struct {
	StartedAt         time.Time       `json:"started_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Status            SessionStatus   `json:"status"`
	LastCycleID       string          `json:"last_cycle_id,omitempty"`
	Capital           decimal.Decimal `json:"capital"`
	InitialCapital    decimal.Decimal `json:"initial_capital"`
	CumulativeProfit  decimal.Decimal `json:"cumulative_profit"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	CyclesCompleted   int             `json:"cycles_completed"`
	NoOpCycles        int             `json:"no_op_cycles"`
}

// NewSessionState starts a session with the configured pot
func NewSessionState(initialPot decimal.Decimal) SessionState {
	now := time.Now().UTC()
	return SessionState{
		StartedAt:      now,
		UpdatedAt:      now,
		Status:         SessionRunning,
		Capital:        initialPot,
		InitialCapital: initialPot,
	}
}

// Apply folds a cycle result into the aggregate and returns the updated copy.
// Only settled cycles touch the loss streak. An unresolved cycle still books
// whatever P&L it realized on shares it did sell.
func (s SessionState) Apply(r CycleResult) SessionState {
	s.UpdatedAt = time.Now().UTC()
	s.LastCycleID = r.CycleID

	switch r.Outcome {
	case OutcomeSettled:
		s = s.book(r.RealizedPnL)
		if r.RealizedPnL.IsNegative() {
			s.ConsecutiveLosses++
		} else {
			s.ConsecutiveLosses = 0
		}
		s.CyclesCompleted++
	case OutcomeNoOp:
		s.NoOpCycles++
	case OutcomeUnresolved:
		s = s.book(r.RealizedPnL)
		s.Status = SessionUnresolved
	}
	return s
}

func (s SessionState) book(pnl decimal.Decimal) SessionState {
	s.Capital = s.Capital.Add(pnl)
	if s.Capital.IsNegative() {
		s.Capital = decimal.Zero
	}
	s.CumulativeProfit = s.CumulativeProfit.Add(pnl)
	return s
}

// ProfitTargetReached reports whether cumulative profit met the target
func (s SessionState) ProfitTargetReached(target decimal.Decimal) bool {
	return s.CumulativeProfit.GreaterThanOrEqual(target)
}

// CircuitBreakerTripped reports whether the loss streak hit the limit
func (s SessionState) CircuitBreakerTripped(maxConsecutiveLosses int) bool {
	return s.ConsecutiveLosses >= maxConsecutiveLosses
}

// IsTerminal returns true once the session must not start another cycle
func (s SessionState) IsTerminal() bool {
	return s.Status != SessionRunning
}
