package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/models"
)

// TestInterface tests the storage interface with both implementations
func TestInterface(t *testing.T) {
	t.Run("MockStorage", func(t *testing.T) {
		testInterface(t, NewMockStorage())
	})

	t.Run("JSONStorage", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), fmt.Sprintf("positions_%d.json", time.Now().UnixNano()))
		s, err := NewJSONStorage(path)
		if err != nil {
			t.Fatalf("Failed to create JSON storage: %v", err)
		}
		testInterface(t, s)
	})
}

func testPosition(id string) *models.Position {
	short := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	legs := []broker.ComboLeg{
		{Contract: broker.Contract{ConID: 11, Right: broker.RightCall, Strike: 5850}, Action: broker.ActionBuy, Ratio: 1},
		{Contract: broker.Contract{ConID: 12, Right: broker.RightCall, Strike: 5850}, Action: broker.ActionSell, Ratio: 1},
		{Contract: broker.Contract{ConID: 13, Right: broker.RightPut, Strike: 5750}, Action: broker.ActionBuy, Ratio: 1},
		{Contract: broker.Contract{ConID: 14, Right: broker.RightPut, Strike: 5750}, Action: broker.ActionSell, Ratio: 1},
	}
	return models.NewPosition(id, "DDC", "SPX", legs, short, short.AddDate(0, 0, 1), 1)
}

func openPosition(t *testing.T, id string, entry float64) *models.Position {
	t.Helper()
	p := testPosition(id)
	if err := p.TransitionState(models.StateSubmitted, models.ConditionOrderPlaced); err != nil {
		t.Fatal(err)
	}
	p.EntryPrice = entry
	if err := p.TransitionState(models.StateOpen, models.ConditionOrderFilled); err != nil {
		t.Fatal(err)
	}
	return p
}

// testInterface runs common tests on any storage implementation
func testInterface(t *testing.T, s Interface) {
	if got := s.GetCurrentPositions(); len(got) != 0 {
		t.Fatalf("Expected no positions initially, got %d", len(got))
	}

	submitted := testPosition("sub-1")
	if err := submitted.TransitionState(models.StateSubmitted, models.ConditionOrderPlaced); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPosition(submitted); err != nil {
		t.Fatalf("AddPosition failed: %v", err)
	}
	if err := s.AddPosition(submitted); !errors.Is(err, ErrDuplicatePosition) {
		t.Errorf("expected ErrDuplicatePosition, got %v", err)
	}

	open := openPosition(t, "open-1", 6.0)
	if err := s.AddPosition(open); err != nil {
		t.Fatalf("AddPosition failed: %v", err)
	}

	if got := s.GetCurrentPositions(); len(got) != 2 {
		t.Errorf("Expected 2 current positions, got %d", len(got))
	}
	openPositions := s.GetOpenPositions()
	if len(openPositions) != 1 || openPositions[0].ID != "open-1" {
		t.Fatalf("Expected only open-1 to be open, got %v", openPositions)
	}

	// Mutating the returned copy must not affect storage.
	openPositions[0].Symbol = "MUTATED"
	got, err := s.GetPositionByID("open-1")
	if err != nil {
		t.Fatalf("GetPositionByID failed: %v", err)
	}
	if got.Symbol != "SPX" || got.GetCurrentState() != models.StateOpen {
		t.Errorf("stored position changed: %+v", got)
	}

	// Fill the submitted order through UpdatePosition.
	fetched, _ := s.GetPositionByID("sub-1")
	fetched.EntryPrice = 5.5
	if err := fetched.TransitionState(models.StateOpen, models.ConditionOrderFilled); err != nil {
		t.Fatalf("restored position should transition: %v", err)
	}
	if err := s.UpdatePosition(fetched); err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}
	if len(s.GetOpenPositions()) != 2 {
		t.Error("expected two open positions after fill")
	}

	if err := s.ClosePositionByID("open-1", 150, models.ExitReasonScheduled); err != nil {
		t.Fatalf("ClosePositionByID failed: %v", err)
	}
	if !s.HasInHistory("open-1") {
		t.Error("closed position should be in history")
	}
	closed, err := s.GetPositionByID("open-1")
	if err != nil || closed.State != models.StateClosed || closed.ExitReason != models.ExitReasonScheduled {
		t.Errorf("unexpected closed position %+v, %v", closed, err)
	}
	if err := s.ClosePositionByID("open-1", 0, "again"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}

	// Closing through UpdatePosition archives as well.
	fetched, _ = s.GetPositionByID("sub-1")
	_ = fetched.TransitionState(models.StateClosing, models.ConditionCloseSubmitted)
	fetched.RealizedPnL = -50
	_ = fetched.TransitionState(models.StateClosed, models.ConditionCloseFilled)
	if err := s.UpdatePosition(fetched); err != nil {
		t.Fatalf("UpdatePosition(closed) failed: %v", err)
	}
	if len(s.GetCurrentPositions()) != 0 || len(s.GetHistory()) != 2 {
		t.Errorf("expected empty book and 2 history entries")
	}

	stats := s.GetStatistics()
	if stats.TotalTrades != 2 || stats.WinningTrades != 1 || stats.LosingTrades != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.TotalPnL != 100 || stats.WinRate != 50 {
		t.Errorf("TotalPnL=%v WinRate=%v, want 100 and 50", stats.TotalPnL, stats.WinRate)
	}

	today := time.Now().UTC().Format("2006-01-02")
	if pnl := s.GetDailyPnL(today); pnl != 100 {
		t.Errorf("daily P&L = %v, want 100", pnl)
	}

	if _, err := s.GetPositionByID("missing"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
	if err := s.UpdatePosition(testPosition("missing")); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestMockStorage_Errors(t *testing.T) {
	m := NewMockStorage()
	m.SetSaveError(errors.New("disk full"))
	if err := m.Save(); err == nil {
		t.Error("expected save error")
	}
	m.SetLoadError(errors.New("corrupt"))
	if err := m.Load(); err == nil {
		t.Error("expected load error")
	}
	if m.GetSaveCallCount() != 1 || m.GetLoadCallCount() != 1 {
		t.Errorf("call counts = %d/%d", m.GetSaveCallCount(), m.GetLoadCallCount())
	}
}
