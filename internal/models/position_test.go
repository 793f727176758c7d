package models

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/double_calendar/internal/broker"
)

func testLegs() []broker.ComboLeg {
	short := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	long := short.AddDate(0, 0, 1)
	opt := func(conid int, right broker.Right, strike float64, exp time.Time) broker.Contract {
		return broker.Contract{ConID: conid, Symbol: "SPX", SecType: broker.SecTypeOption,
			Expiry: broker.FormatExpiry(exp), Strike: strike, Right: right}
	}
	return []broker.ComboLeg{
		{Contract: opt(1, broker.RightCall, 5850, long), Action: broker.ActionBuy, Ratio: 1},
		{Contract: opt(2, broker.RightCall, 5850, short), Action: broker.ActionSell, Ratio: 1},
		{Contract: opt(3, broker.RightPut, 5750, long), Action: broker.ActionBuy, Ratio: 1},
		{Contract: opt(4, broker.RightPut, 5750, short), Action: broker.ActionSell, Ratio: 1},
	}
}

func newTestPosition() *Position {
	short := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	return NewPosition("pos-1", "DDC", "SPX", testLegs(), short, short.AddDate(0, 0, 1), 2)
}

func TestNewPosition(t *testing.T) {
	p := newTestPosition()
	if p.State != StateIdle || p.StateMachine == nil {
		t.Fatalf("new position should be idle with a machine, got %s", p.State)
	}
	if len(p.Legs) != 4 || p.Multiplier != 100 {
		t.Errorf("unexpected legs/multiplier: %d %v", len(p.Legs), p.Multiplier)
	}
	if err := p.ValidateState(); err != nil {
		t.Errorf("new position should validate: %v", err)
	}
}

func TestPosition_Lifecycle(t *testing.T) {
	p := newTestPosition()

	if err := p.TransitionState(StateSubmitted, ConditionOrderPlaced); err != nil {
		t.Fatal(err)
	}
	if err := p.ValidateState(); err != nil {
		t.Errorf("submitted position invalid: %v", err)
	}

	p.EntryPrice = 6.40
	if err := p.TransitionState(StateOpen, ConditionOrderFilled); err != nil {
		t.Fatal(err)
	}
	if p.EntryDate.IsZero() || !p.IsOpen() || !p.CanClose() {
		t.Errorf("open position should have entry date and be closable")
	}
	if err := p.ValidateState(); err != nil {
		t.Errorf("open position invalid: %v", err)
	}

	if err := p.TransitionState(StateClosing, ConditionCloseSubmitted); err != nil {
		t.Fatal(err)
	}
	if !p.IsOpen() || !p.IsActive() {
		t.Error("closing position still holds exposure")
	}

	p.ExitPrice = 8.00
	p.RealizedPnL = p.PnL(p.ExitPrice)
	if err := p.TransitionState(StateClosed, ConditionCloseFilled); err != nil {
		t.Fatal(err)
	}
	if p.ExitReason != ConditionCloseFilled || p.ExitDate.IsZero() {
		t.Errorf("closed position should record exit: %q %v", p.ExitReason, p.ExitDate)
	}
	if err := p.ValidateState(); err != nil {
		t.Errorf("closed position invalid: %v", err)
	}
	if math.Abs(p.RealizedPnL-320) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want 320", p.RealizedPnL)
	}
	if math.Abs(p.ProfitPercent()-25) > 1e-9 {
		t.Errorf("ProfitPercent = %v, want 25", p.ProfitPercent())
	}
}

func TestPosition_ErrorClearsEntry(t *testing.T) {
	p := newTestPosition()
	_ = p.TransitionState(StateSubmitted, ConditionOrderPlaced)
	p.EntryPrice = 5
	if err := p.TransitionState(StateError, ConditionOrderFailed); err != nil {
		t.Fatal(err)
	}
	if p.EntryPrice != 0 || !p.EntryDate.IsZero() {
		t.Error("error state should clear entry data")
	}
	if err := p.ValidateState(); err != nil {
		t.Errorf("error position invalid: %v", err)
	}
}

func TestPosition_ValidateStateFailures(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name   string
		mutate func(p *Position)
		want   string
	}{
		{"open without entry date", func(p *Position) { p.State = StateOpen }, "EntryDate must be set"},
		{"open without quantity", func(p *Position) {
			p.State, p.EntryDate, p.Quantity = StateOpen, now, 0
		}, "Quantity must be > 0"},
		{"submitted with exit date", func(p *Position) {
			p.State, p.ExitDate = StateSubmitted, now
		}, "ExitDate must be zero"},
		{"closed without reason", func(p *Position) {
			p.State, p.ExitDate = StateClosed, now
		}, "ExitReason must be set"},
		{"closed before entry", func(p *Position) {
			p.State, p.EntryDate, p.ExitDate, p.ExitReason = StateClosed, now, now.Add(-time.Hour), "manual"
		}, "must not be after"},
		{"missing legs", func(p *Position) {
			p.State, p.Legs = StateSubmitted, nil
		}, "legs must be recorded"},
		{"unknown state", func(p *Position) { p.State = "first_down" }, "unknown state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPosition()
			tt.mutate(p)
			p.StateMachine = nil
			err := p.ValidateState()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ValidateState() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestPosition_Helpers(t *testing.T) {
	p := newTestPosition()
	if got := p.Strike(broker.RightPut, broker.ActionSell); got != 5750 {
		t.Errorf("short put strike = %v", got)
	}
	if got := p.Strike(broker.RightCall, broker.ActionBuy); got != 5850 {
		t.Errorf("long call strike = %v", got)
	}
	if len(p.ShortLegs()) != 2 {
		t.Errorf("ShortLegs = %d, want 2", len(p.ShortLegs()))
	}
	if ids := p.ConIDs(); len(ids) != 4 || ids[0] != 1 {
		t.Errorf("ConIDs = %v", ids)
	}

	p.EntryPrice = 5
	p.Multiplier = 0
	if p.Cost() != 1000 {
		t.Errorf("Cost = %v, want 1000 with default multiplier", p.Cost())
	}
	if p.PnL(4) != -200 {
		t.Errorf("PnL = %v, want -200", p.PnL(4))
	}

	before := time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)
	on := time.Date(2026, 10, 19, 15, 50, 0, 0, time.UTC)
	if p.ShortExpiryReached(before) || !p.ShortExpiryReached(on) {
		t.Error("ShortExpiryReached should flip on the expiry date")
	}
}

func TestPosition_JSONRoundTripRestoresMachine(t *testing.T) {
	p := newTestPosition()
	_ = p.TransitionState(StateSubmitted, ConditionOrderPlaced)
	p.EntryPrice = 6
	_ = p.TransitionState(StateOpen, ConditionOrderFilled)

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var restored Position
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatal(err)
	}
	if restored.StateMachine != nil {
		t.Error("state machine must not be persisted")
	}
	if err := restored.TransitionState(StateClosing, ConditionCloseSubmitted); err != nil {
		t.Errorf("restored position should continue its lifecycle: %v", err)
	}
}

func TestPosition_Copy(t *testing.T) {
	p := newTestPosition()
	cp := p.Copy()
	cp.Legs[0].Contract.Strike = 1
	if p.Legs[0].Contract.Strike == 1 {
		t.Error("Copy should not share legs")
	}
	var nilPos *Position
	if nilPos.Copy() != nil {
		t.Error("nil copy should be nil")
	}
}
