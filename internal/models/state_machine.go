// Package models provides data structures and state management for calendar positions.
package models

import (
	"fmt"
	"time"
)

// PositionState represents the current state of a position
type PositionState string

const (
	StateIdle      PositionState = "idle"      // No order placed yet
	StateSubmitted PositionState = "submitted" // Entry order submitted, waiting for fill
	StateOpen      PositionState = "open"      // Entry filled, calendar on the book
	StateClosing   PositionState = "closing"   // Closing order working
	StateClosed    PositionState = "closed"    // Position flat
	StateError     PositionState = "error"     // Error state requiring intervention
)

// Transition conditions.
const (
	ConditionOrderPlaced        = "order_placed"
	ConditionOrderFilled        = "order_filled"
	ConditionOrderFailed        = "order_failed"
	ConditionOrderTimeout       = "order_timeout"
	ConditionRecoveredPosition  = "recovered_position"
	ConditionCloseSubmitted     = "close_submitted"
	ConditionCloseFilled        = "close_filled"
	ConditionCloseFailed        = "close_failed"
	ConditionPositionClosed     = "position_closed"
	ConditionForceClose         = "force_close"
	ConditionManualIntervention = "manual_intervention"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions lists every allowed state change.
var ValidTransitions = []StateTransition{
	{StateIdle, StateSubmitted, ConditionOrderPlaced, "Order submitted to broker"},
	{StateIdle, StateOpen, ConditionRecoveredPosition, "Calendar found on the broker during reconciliation"},
	{StateSubmitted, StateOpen, ConditionOrderFilled, "Order filled successfully"},
	{StateSubmitted, StateError, ConditionOrderFailed, "Order failed or canceled"},
	{StateSubmitted, StateClosed, ConditionOrderTimeout, "Order timed out without fill"},

	{StateOpen, StateClosing, ConditionCloseSubmitted, "Closing combo submitted"},
	{StateOpen, StateClosed, ConditionPositionClosed, "Closed outside the bot (profit target, expiry)"},
	{StateClosing, StateClosed, ConditionCloseFilled, "Closing combo filled"},
	{StateClosing, StateOpen, ConditionCloseFailed, "Closing combo did not fill"},

	{StateError, StateIdle, ConditionManualIntervention, "Manual intervention completed"},
	{StateError, StateClosed, ConditionForceClose, "Force close position"},
}

// StateMachine manages position state transitions
type StateMachine struct {
	transitionTime   time.Time
	transitionCount  map[PositionState]int
	currentState     PositionState
	previousState    PositionState
	maxCloseAttempts int
}

// DefaultMaxCloseAttempts bounds how often a position may enter closing.
const DefaultMaxCloseAttempts = 3

// NewStateMachine creates a new state machine
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:     StateIdle,
		previousState:    StateIdle,
		transitionTime:   time.Now().UTC(),
		transitionCount:  make(map[PositionState]int),
		maxCloseAttempts: DefaultMaxCloseAttempts,
	}
}

// NewStateMachineFromState rebuilds a machine for a persisted state.
func NewStateMachineFromState(state PositionState) *StateMachine {
	sm := NewStateMachine()
	if state == "" {
		return sm
	}
	sm.currentState = state
	sm.previousState = state
	if state != StateIdle {
		sm.transitionCount[state] = 1
	}
	return sm
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// GetTransitionTime returns when the last transition happened.
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	if !sm.isTransitionDefined(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
			sm.currentState, to, condition)
	}
	return sm.validateTransitionLimits(to)
}

func (sm *StateMachine) isTransitionDefined(to PositionState, condition string) bool {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

func (sm *StateMachine) validateTransitionLimits(to PositionState) error {
	if to == StateClosing && sm.transitionCount[StateClosing] >= sm.maxCloseAttempts {
		return fmt.Errorf("maximum close attempts (%d) exceeded", sm.maxCloseAttempts)
	}
	return nil
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to PositionState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times we've been in a state
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// CanClose reports whether another close attempt is allowed from the current state.
func (sm *StateMachine) CanClose() bool {
	return sm.currentState == StateOpen && sm.transitionCount[StateClosing] < sm.maxCloseAttempts
}

// IsActive reports whether the position holds (or may hold) broker exposure.
func (sm *StateMachine) IsActive() bool {
	switch sm.currentState {
	case StateSubmitted, StateOpen, StateClosing:
		return true
	}
	return false
}

// Reset returns the machine to idle.
func (sm *StateMachine) Reset() {
	sm.currentState = StateIdle
	sm.previousState = StateIdle
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount = make(map[PositionState]int)
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateIdle:
		return "No order placed"
	case StateSubmitted:
		return "Entry order submitted, waiting for broker confirmation"
	case StateOpen:
		return "Calendar open"
	case StateClosing:
		return "Closing order working"
	case StateClosed:
		return "Position closed"
	case StateError:
		return "Error state - manual intervention required"
	default:
		return "Unknown state"
	}
}

// ValidateStateConsistency ensures the state machine is in a valid state
func (sm *StateMachine) ValidateStateConsistency() error {
	total := 0
	for _, count := range sm.transitionCount {
		total += count
	}
	if total == 0 && sm.currentState == StateIdle {
		return nil
	}
	if sm.transitionTime.IsZero() {
		return fmt.Errorf("missing transition time: transitionTime is zero")
	}
	if sm.transitionCount[StateClosing] > sm.maxCloseAttempts {
		return fmt.Errorf("close attempt count %d exceeds maximum %d",
			sm.transitionCount[StateClosing], sm.maxCloseAttempts)
	}
	return nil
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	cp := &StateMachine{
		currentState:     sm.currentState,
		previousState:    sm.previousState,
		transitionTime:   sm.transitionTime,
		maxCloseAttempts: sm.maxCloseAttempts,
		transitionCount:  make(map[PositionState]int, len(sm.transitionCount)),
	}
	for k, v := range sm.transitionCount {
		cp.transitionCount[k] = v
	}
	return cp
}
