package storage

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/double_calendar/internal/models"
)

func TestNewJSONStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.json")

	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	if len(s.GetCurrentPositions()) != 0 {
		t.Error("Expected 0 initial positions")
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("store file not written: %v", err)
	}
}

func TestJSONStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddPosition(openPosition(t, "p1", 6.25)); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPosition(openPosition(t, "p2", 4.00)); err != nil {
		t.Fatal(err)
	}
	if err := s.ClosePositionByID("p2", -80, models.ExitReasonManual); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	open := reopened.GetOpenPositions()
	if len(open) != 1 || open[0].ID != "p1" || open[0].EntryPrice != 6.25 || len(open[0].Legs) != 4 {
		t.Fatalf("unexpected reopened positions %+v", open)
	}
	if !reopened.HasInHistory("p2") {
		t.Error("history lost on reopen")
	}

	// The restored position continues its lifecycle.
	p := open[0]
	if err := p.TransitionState(models.StateClosing, models.ConditionCloseSubmitted); err != nil {
		t.Errorf("restored state machine rejected close: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestJSONStorage_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJSONStorage(path); err == nil {
		t.Error("expected error for corrupt store")
	}
}

func TestComputeStatistics(t *testing.T) {
	base := time.Date(2026, 10, 1, 20, 0, 0, 0, time.UTC)
	mk := func(day int, pnl float64) models.Position {
		return models.Position{
			ID:          "p",
			State:       models.StateClosed,
			EntryDate:   base.AddDate(0, 0, day).Add(-6 * time.Hour),
			ExitDate:    base.AddDate(0, 0, day),
			RealizedPnL: pnl,
		}
	}
	history := []models.Position{
		mk(3, -300),
		mk(1, 200),
		mk(2, 100),
		mk(4, 0),
		mk(5, -100),
		{ID: "never-filled", State: models.StateClosed, ExitDate: base, ExitReason: "order_timeout"},
	}

	s := ComputeStatistics(history)
	if s.TotalTrades != 5 || s.WinningTrades != 2 || s.LosingTrades != 2 {
		t.Fatalf("unexpected counts %+v", s)
	}
	if s.WinRate != 50 {
		t.Errorf("WinRate = %v, want 50", s.WinRate)
	}
	if s.TotalPnL != -100 || s.MeanPnL != -20 || s.MedianPnL != 0 {
		t.Errorf("Total/Mean/Median = %v/%v/%v", s.TotalPnL, s.MeanPnL, s.MedianPnL)
	}
	if s.AverageWin != 150 || s.AverageLoss != -200 {
		t.Errorf("AverageWin/Loss = %v/%v", s.AverageWin, s.AverageLoss)
	}
	// Peak 300 after day 2, trough -100 after day 5.
	if s.MaxDrawdown != -400 {
		t.Errorf("MaxDrawdown = %v, want -400", s.MaxDrawdown)
	}
	if s.CurrentStreak != -2 {
		t.Errorf("CurrentStreak = %d, want -2", s.CurrentStreak)
	}
	if math.IsNaN(s.StdDevPnL) || s.StdDevPnL <= 0 {
		t.Errorf("StdDevPnL = %v", s.StdDevPnL)
	}

	empty := ComputeStatistics(nil)
	if empty.TotalTrades != 0 || empty.WinRate != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}
