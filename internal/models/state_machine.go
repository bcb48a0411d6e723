// Package models provides data structures and state management for trade cycles.
package models

import (
	"fmt"
	"time"
)

// CycleState represents the current phase of a trade cycle
type CycleState string

const (
	// Core states
	StateSelecting  CycleState = "selecting"  // Picking the symbol to trade
	StateEntering   CycleState = "entering"   // Sizing and buying
	StateMonitoring CycleState = "monitoring" // Position open, polling price against exit thresholds
	StateExiting    CycleState = "exiting"    // Sell order in flight
	StateSettled    CycleState = "settled"    // Position closed, P&L realized

	// Terminal failure states
	StateAborted    CycleState = "aborted"    // Cycle ended before a position existed
	StateUnresolved CycleState = "unresolved" // Shares may be held but the cycle lost track of them - manual intervention required
)

// Transition conditions
const (
	ConditionSymbolSelected   = "symbol_selected"
	ConditionNoEligibleSymbol = "no_eligible_symbol"
	ConditionOrderFilled      = "order_filled"
	ConditionEntryFailed      = "entry_failed"
	ConditionEntryUnconfirmed = "entry_unconfirmed"
	ConditionExitSignal       = "exit_signal"
	ConditionForcedExit       = "forced_exit"
	ConditionExitFilled       = "exit_filled"
	ConditionExitFailed       = "exit_failed"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        CycleState
	To          CycleState
	Condition   string
	Description string
}

// ValidTransitions lists every legal move of the cycle state machine
var ValidTransitions = []StateTransition{
	// Entry
	{StateSelecting, StateEntering, ConditionSymbolSelected, "Eligible symbol found"},
	{StateSelecting, StateAborted, ConditionNoEligibleSymbol, "No symbol inside the price band"},
	{StateEntering, StateMonitoring, ConditionOrderFilled, "Buy order filled"},
	{StateEntering, StateAborted, ConditionEntryFailed, "Sizing or buy order failed"},
	{StateEntering, StateUnresolved, ConditionEntryUnconfirmed, "Buy order accepted but its fill is unknown"},

	// Exit
	{StateMonitoring, StateExiting, ConditionExitSignal, "Stop loss or take profit hit"},
	{StateMonitoring, StateExiting, ConditionForcedExit, "Shutdown or lost market data"},
	{StateExiting, StateSettled, ConditionExitFilled, "Sell order filled"},
	{StateExiting, StateUnresolved, ConditionExitFailed, "Sell order failed after retries"},
}

// StateMachine manages cycle state transitions
type StateMachine struct {
	transitionTime time.Time
	history        []CycleState
	currentState   CycleState
	previousState  CycleState
}

// NewStateMachine creates a new state machine positioned at StateSelecting
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:   StateSelecting,
		previousState:  StateSelecting,
		transitionTime: time.Now().UTC(),
		history:        []CycleState{StateSelecting},
	}
}

// NewStateMachineFromState rebuilds a machine for a persisted state
func NewStateMachineFromState(state CycleState) *StateMachine {
	sm := NewStateMachine()
	if state != "" {
		sm.currentState = state
		sm.previousState = state
		sm.history = []CycleState{state}
	}
	return sm
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() CycleState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() CycleState {
	return sm.previousState
}

// GetTransitionTime returns when the machine last changed state
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// History returns the states visited, oldest first
func (sm *StateMachine) History() []CycleState {
	out := make([]CycleState, len(sm.history))
	copy(out, sm.history)
	return out
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to CycleState, condition string) error {
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to && transition.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to CycleState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.history = append(sm.history, to)
	return nil
}

// IsTerminal returns true once the cycle can make no further progress
func (sm *StateMachine) IsTerminal() bool {
	switch sm.currentState {
	case StateSettled, StateAborted, StateUnresolved:
		return true
	default:
		return false
	}
}

// HoldsPosition returns true while shares are (or may be) held
func (sm *StateMachine) HoldsPosition() bool {
	switch sm.currentState {
	case StateMonitoring, StateExiting, StateUnresolved:
		return true
	default:
		return false
	}
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateSelecting:
		return "Selecting the highest-volume symbol inside the price band"
	case StateEntering:
		return "Sizing the position and placing the buy order"
	case StateMonitoring:
		return "Position open, watching stop loss and take profit"
	case StateExiting:
		return "Sell order submitted, waiting for fill"
	case StateSettled:
		return "Position closed, P&L realized"
	case StateAborted:
		return "Cycle aborted before a position was opened"
	case StateUnresolved:
		return "Position abandoned after a failed exit or an unconfirmed buy, manual intervention required"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	return &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
		history:        sm.History(),
	}
}
