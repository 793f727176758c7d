package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eddiefleurent/double_calendar/internal/broker"
)

const defaultMultiplier = 100.0

// Exit reasons recorded on closed positions.
const (
	ExitReasonScheduled    = "scheduled_close"
	ExitReasonProfitTarget = "profit_target"
	ExitReasonExpired      = "expired"
	ExitReasonManual       = "manual"
	ExitReasonTimeout      = "order_timeout"
	ExitReasonReconciled   = "reconciled"
)

// Position is one double calendar opened by the bot.
type Position struct {
	StateMachine *StateMachine `json:"-"`     // Runtime only, excluded from JSON
	State        PositionState `json:"state"` // Canonical persisted state

	ID       string            `json:"id"`
	Strategy string            `json:"strategy"`
	Symbol   string            `json:"symbol"`
	Legs     []broker.ComboLeg `json:"legs"`
	Quantity int               `json:"quantity"`
	SecType  broker.SecType    `json:"sec_type"`

	ShortExpiry time.Time `json:"short_expiry"`
	LongExpiry  time.Time `json:"long_expiry"`

	EntryOrderID        string `json:"entry_order_id,omitempty"`
	ProfitTargetOrderID string `json:"profit_target_order_id,omitempty"`
	ExitOrderID         string `json:"exit_order_id,omitempty"`
	ExitReason          string `json:"exit_reason,omitempty"`

	EntryDate time.Time `json:"entry_date,omitempty"`
	ExitDate  time.Time `json:"exit_date,omitempty"`

	// Prices are per combo, debit positive.
	EntryLimitPrice float64 `json:"entry_limit_price"`
	EntryPrice      float64 `json:"entry_price"`
	ExitPrice       float64 `json:"exit_price"`
	EntrySpot       float64 `json:"entry_spot"`
	Multiplier      float64 `json:"multiplier"`
	RealizedPnL     float64 `json:"realized_pnl"`

	AutoClose bool `json:"auto_close"`
}

// NewPosition creates a new position with initialized state machine
func NewPosition(id, strategy, symbol string, legs []broker.ComboLeg, shortExpiry, longExpiry time.Time,
	quantity int) *Position {
	return &Position{
		ID:           id,
		Strategy:     strategy,
		Symbol:       symbol,
		Legs:         append([]broker.ComboLeg(nil), legs...),
		ShortExpiry:  shortExpiry,
		LongExpiry:   longExpiry,
		Quantity:     quantity,
		Multiplier:   defaultMultiplier,
		StateMachine: NewStateMachine(),
		State:        StateIdle,
	}
}

// TransitionState moves the position to a new state
func (p *Position) TransitionState(to PositionState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s state transition failed: %w", p.ID, err)
	}
	p.State = to

	now := time.Now().UTC()
	switch to {
	case StateOpen:
		if p.EntryDate.IsZero() {
			p.EntryDate = now
		}
	case StateClosed:
		if p.ExitDate.IsZero() {
			p.ExitDate = now
		}
		if p.ExitReason == "" {
			p.ExitReason = condition
		}
	case StateError:
		p.EntryDate = time.Time{}
		p.ExitDate = time.Time{}
		p.ExitReason = ""
		p.EntryPrice = 0
	}
	return nil
}

// GetCurrentState returns the canonical persisted state
func (p *Position) GetCurrentState() PositionState {
	return p.State
}

func (p *Position) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.State)
	}
	return p.StateMachine
}

// IsOpen reports whether the calendar is on the book (open or closing).
func (p *Position) IsOpen() bool {
	return p.State == StateOpen || p.State == StateClosing
}

// IsActive reports whether the position may hold broker exposure.
func (p *Position) IsActive() bool {
	return p.ensureMachine().IsActive()
}

// CanClose reports whether a closing order may be submitted.
func (p *Position) CanClose() bool {
	return p.ensureMachine().CanClose()
}

// mult returns the contract multiplier, defaulting to 100.
func (p *Position) mult() float64 {
	if p.Multiplier <= 0 || math.IsNaN(p.Multiplier) {
		return defaultMultiplier
	}
	return p.Multiplier
}

// Cost is the total debit paid for the position in currency.
func (p *Position) Cost() float64 {
	return p.EntryPrice * float64(p.Quantity) * p.mult()
}

// PnL returns the profit for exiting at exitPrice per combo.
func (p *Position) PnL(exitPrice float64) float64 {
	return (exitPrice - p.EntryPrice) * float64(p.Quantity) * p.mult()
}

// ProfitPercent returns realized P&L as a percentage of cost.
func (p *Position) ProfitPercent() float64 {
	cost := math.Abs(p.Cost())
	if cost == 0 {
		return 0
	}
	return p.RealizedPnL / cost * 100
}

// ShortExpiryReached reports whether the near-term legs expire on or before now's date.
func (p *Position) ShortExpiryReached(now time.Time) bool {
	if p.ShortExpiry.IsZero() {
		return false
	}
	y, m, d := p.ShortExpiry.Date()
	exp := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return !exp.After(now)
}

// ShortLegs returns the sold legs.
func (p *Position) ShortLegs() []broker.ComboLeg {
	var out []broker.ComboLeg
	for _, l := range p.Legs {
		if l.Action == broker.ActionSell {
			out = append(out, l)
		}
	}
	return out
}

// ConIDs returns the conids of every leg.
func (p *Position) ConIDs() []int {
	ids := make([]int, 0, len(p.Legs))
	for _, l := range p.Legs {
		ids = append(ids, l.Contract.ConID)
	}
	return ids
}

// Strike returns the strike of the leg with the given right and action.
func (p *Position) Strike(right broker.Right, action broker.Action) float64 {
	for _, l := range p.Legs {
		if l.Contract.Right == right && l.Action == action {
			return l.Contract.Strike
		}
	}
	return 0
}

// ValidateState ensures the position data is consistent with its state.
func (p *Position) ValidateState() error {
	if err := p.ensureMachine().ValidateStateConsistency(); err != nil {
		return fmt.Errorf("position %s state validation failed: %w", p.ID, err)
	}

	state := p.State
	switch state {
	case StateIdle, StateSubmitted, StateError:
		if !p.EntryDate.IsZero() {
			return fmt.Errorf("position %s in state %s: EntryDate must be zero (current: %v)",
				p.ID, state, p.EntryDate)
		}
		if !p.ExitDate.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitDate must be zero for non-closed positions (current: %v)",
				p.ID, state, p.ExitDate)
		}
	case StateOpen, StateClosing:
		if p.EntryDate.IsZero() {
			return fmt.Errorf("position %s in state %s: EntryDate must be set for active positions", p.ID, state)
		}
		if !p.ExitDate.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitDate must be zero for non-closed positions (current: %v)",
				p.ID, state, p.ExitDate)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("position %s in state %s: Quantity must be > 0 for active positions (current: %d)",
				p.ID, state, p.Quantity)
		}
		if math.IsNaN(p.EntryPrice) {
			return fmt.Errorf("position %s in state %s: EntryPrice must be a number", p.ID, state)
		}
	case StateClosed:
		if p.ExitDate.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitDate must be set for closed positions", p.ID, state)
		}
		if strings.TrimSpace(p.ExitReason) == "" {
			return fmt.Errorf("position %s in state %s: ExitReason must be set for closed positions", p.ID, state)
		}
		if !p.EntryDate.IsZero() && p.ExitDate.Before(p.EntryDate) {
			return fmt.Errorf("position %s in state %s: EntryDate (%v) must not be after ExitDate (%v)",
				p.ID, state, p.EntryDate, p.ExitDate)
		}
	default:
		return fmt.Errorf("position %s: unknown state %q", p.ID, state)
	}

	if state != StateIdle && len(p.Legs) == 0 {
		return fmt.Errorf("position %s in state %s: legs must be recorded", p.ID, state)
	}
	return nil
}

// GetStateDescription returns a human-readable state description
func (p *Position) GetStateDescription() string {
	return p.ensureMachine().GetStateDescription()
}

// Copy returns a deep copy safe to hand to other goroutines.
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Legs = append([]broker.ComboLeg(nil), p.Legs...)
	cp.StateMachine = p.StateMachine.Copy()
	return &cp
}
