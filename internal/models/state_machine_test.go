package models

import (
	"testing"
)

func TestStateMachine_BasicTransitions(t *testing.T) {
	sm := NewStateMachine()

	if sm.GetCurrentState() != StateIdle {
		t.Errorf("Initial state should be StateIdle, got %s", sm.GetCurrentState())
	}

	if err := sm.Transition(StateSubmitted, ConditionOrderPlaced); err != nil {
		t.Fatalf("Valid transition failed: %v", err)
	}
	if err := sm.Transition(StateOpen, ConditionOrderFilled); err != nil {
		t.Fatalf("Valid transition failed: %v", err)
	}

	if sm.GetCurrentState() != StateOpen {
		t.Errorf("State should be StateOpen, got %s", sm.GetCurrentState())
	}
	if sm.GetPreviousState() != StateSubmitted {
		t.Errorf("Previous state should be StateSubmitted, got %s", sm.GetPreviousState())
	}
	if sm.GetTransitionTime().IsZero() {
		t.Error("transition time should be set")
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name      string
		path      []StateTransition
		to        PositionState
		condition string
	}{
		{"idle to open without fill", nil, StateOpen, ConditionOrderFilled},
		{"idle to closing", nil, StateClosing, ConditionCloseSubmitted},
		{"wrong condition", nil, StateSubmitted, "punt_executed"},
		{"empty condition", nil, StateSubmitted, ""},
		{
			"recovered from submitted",
			[]StateTransition{{To: StateSubmitted, Condition: ConditionOrderPlaced}},
			StateOpen, ConditionRecoveredPosition,
		},
		{
			"closed is terminal",
			[]StateTransition{
				{To: StateSubmitted, Condition: ConditionOrderPlaced},
				{To: StateClosed, Condition: ConditionOrderTimeout},
			},
			StateOpen, ConditionOrderFilled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, step := range tt.path {
				if err := sm.Transition(step.To, step.Condition); err != nil {
					t.Fatalf("setup transition to %s failed: %v", step.To, err)
				}
			}
			before := sm.GetCurrentState()
			if err := sm.Transition(tt.to, tt.condition); err == nil {
				t.Errorf("transition %s -> %s (%s) should fail", before, tt.to, tt.condition)
			}
			if sm.GetCurrentState() != before {
				t.Errorf("state changed after failed transition: %s", sm.GetCurrentState())
			}
		})
	}
}

func TestStateMachine_FullLifecycle(t *testing.T) {
	sm := NewStateMachine()
	steps := []struct {
		to        PositionState
		condition string
	}{
		{StateSubmitted, ConditionOrderPlaced},
		{StateOpen, ConditionOrderFilled},
		{StateClosing, ConditionCloseSubmitted},
		{StateOpen, ConditionCloseFailed},
		{StateClosing, ConditionCloseSubmitted},
		{StateClosed, ConditionCloseFilled},
	}
	for _, s := range steps {
		if err := sm.Transition(s.to, s.condition); err != nil {
			t.Fatalf("transition to %s failed: %v", s.to, err)
		}
	}
	if got := sm.GetTransitionCount(StateClosing); got != 2 {
		t.Errorf("closing count = %d, want 2", got)
	}
	if sm.IsActive() {
		t.Error("closed machine should not be active")
	}
}

func TestStateMachine_CloseAttemptLimit(t *testing.T) {
	sm := NewStateMachineFromState(StateOpen)
	for i := 0; i < DefaultMaxCloseAttempts; i++ {
		if !sm.CanClose() {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		if err := sm.Transition(StateClosing, ConditionCloseSubmitted); err != nil {
			t.Fatalf("close attempt %d failed: %v", i+1, err)
		}
		if err := sm.Transition(StateOpen, ConditionCloseFailed); err != nil {
			t.Fatalf("close failure %d failed: %v", i+1, err)
		}
	}
	if sm.CanClose() {
		t.Error("CanClose should be false after max attempts")
	}
	if err := sm.Transition(StateClosing, ConditionCloseSubmitted); err == nil {
		t.Error("expected max close attempts error")
	}
}

func TestStateMachine_ErrorRecovery(t *testing.T) {
	sm := NewStateMachine()
	_ = sm.Transition(StateSubmitted, ConditionOrderPlaced)
	if err := sm.Transition(StateError, ConditionOrderFailed); err != nil {
		t.Fatalf("submitted -> error failed: %v", err)
	}
	cp := sm.Copy()

	if err := sm.Transition(StateIdle, ConditionManualIntervention); err != nil {
		t.Errorf("error -> idle failed: %v", err)
	}
	if err := cp.Transition(StateClosed, ConditionForceClose); err != nil {
		t.Errorf("error -> closed failed: %v", err)
	}
	if sm.GetCurrentState() == cp.GetCurrentState() {
		t.Error("copy should be independent of the original")
	}
}

func TestStateMachine_RecoveredPosition(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Transition(StateOpen, ConditionRecoveredPosition); err != nil {
		t.Fatalf("idle -> open (recovered) failed: %v", err)
	}
	if err := sm.Transition(StateClosing, ConditionCloseSubmitted); err != nil {
		t.Errorf("recovered position should be closable: %v", err)
	}
}

func TestNewStateMachineFromState(t *testing.T) {
	sm := NewStateMachineFromState(StateClosing)
	if sm.GetCurrentState() != StateClosing || !sm.IsActive() {
		t.Errorf("unexpected machine state %s", sm.GetCurrentState())
	}
	if err := sm.ValidateStateConsistency(); err != nil {
		t.Errorf("restored machine should be consistent: %v", err)
	}
	if NewStateMachineFromState("").GetCurrentState() != StateIdle {
		t.Error("empty state should restore as idle")
	}
}

func TestStateMachine_Reset(t *testing.T) {
	sm := NewStateMachine()
	_ = sm.Transition(StateSubmitted, ConditionOrderPlaced)
	sm.Reset()
	if sm.GetCurrentState() != StateIdle || sm.GetTransitionCount(StateSubmitted) != 0 {
		t.Error("Reset should clear state and counts")
	}
}

func TestStateMachine_Descriptions(t *testing.T) {
	for _, s := range []PositionState{StateIdle, StateSubmitted, StateOpen, StateClosing, StateClosed, StateError} {
		if d := NewStateMachineFromState(s).GetStateDescription(); d == "" || d == "Unknown state" {
			t.Errorf("state %s has no description", s)
		}
	}
}
