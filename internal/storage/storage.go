package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/double_calendar/internal/models"
)

const dateLayout = "2006-01-02"

// JSONStorage persists positions and history to a single JSON file.
type JSONStorage struct {
	data     *storageData
	filepath string
	mu       sync.RWMutex
}

type storageData struct {
	Positions   []models.Position  `json:"positions"`
	History     []models.Position  `json:"history"`
	DailyPnL    map[string]float64 `json:"daily_pnl"`
	LastUpdated time.Time          `json:"last_updated"`
}

// NewJSONStorage opens (or creates) the JSON store at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data: &storageData{
			DailyPnL: make(map[string]float64),
		},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

// Load reads the store from disk, replacing in-memory state.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	data := &storageData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("decoding %s: %w", s.filepath, err)
	}
	if data.DailyPnL == nil {
		data.DailyPnL = make(map[string]float64)
	}
	s.data = data
	return nil
}

// Save writes the store atomically (temp file then rename).
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filepath), filepath.Base(s.filepath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.filepath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *JSONStorage) indexOf(id string) int {
	for i := range s.data.Positions {
		if s.data.Positions[i].ID == id {
			return i
		}
	}
	return -1
}

func copyPositions(in []models.Position) []models.Position {
	out := make([]models.Position, 0, len(in))
	for i := range in {
		out = append(out, *in[i].Copy())
	}
	return out
}

// AddPosition stores a new position.
func (s *JSONStorage) AddPosition(pos *models.Position) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("position must have an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(pos.ID) >= 0 || s.hasInHistoryLocked(pos.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, pos.ID)
	}
	s.data.Positions = append(s.data.Positions, *pos.Copy())
	return s.saveLocked()
}

// UpdatePosition replaces the stored copy of pos. A position updated into the
// closed state is moved to history.
func (s *JSONStorage) UpdatePosition(pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("nil position")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(pos.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, pos.ID)
	}
	if pos.State == models.StateClosed {
		s.archiveLocked(i, *pos.Copy())
	} else {
		s.data.Positions[i] = *pos.Copy()
	}
	return s.saveLocked()
}

// archiveLocked moves position i to history as closed.
func (s *JSONStorage) archiveLocked(i int, closed models.Position) {
	s.data.Positions = append(s.data.Positions[:i], s.data.Positions[i+1:]...)
	s.data.History = append(s.data.History, closed)
	if !closed.ExitDate.IsZero() {
		s.data.DailyPnL[closed.ExitDate.Format(dateLayout)] += closed.RealizedPnL
	}
}

// GetCurrentPositions returns every position not yet in history.
func (s *JSONStorage) GetCurrentPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyPositions(s.data.Positions)
}

// GetOpenPositions returns positions whose calendar is on the book.
func (s *JSONStorage) GetOpenPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for i := range s.data.Positions {
		if s.data.Positions[i].IsOpen() {
			out = append(out, *s.data.Positions[i].Copy())
		}
	}
	return out
}

// GetPositionByID looks up a current or historical position.
func (s *JSONStorage) GetPositionByID(id string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.data.Positions[i].Copy(), nil
	}
	for i := range s.data.History {
		if s.data.History[i].ID == id {
			return s.data.History[i].Copy(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
}

// ClosePositionByID closes a current position with the final P&L and moves it to history.
func (s *JSONStorage) ClosePositionByID(id string, finalPnL float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	pos := s.data.Positions[i].Copy()
	if err := closePosition(pos, finalPnL, reason); err != nil {
		return err
	}
	s.archiveLocked(i, *pos)
	return s.saveLocked()
}

// closeCondition maps a state to the transition that closes it.
func closeCondition(state models.PositionState) string {
	switch state {
	case models.StateClosing:
		return models.ConditionCloseFilled
	case models.StateSubmitted:
		return models.ConditionOrderTimeout
	case models.StateError:
		return models.ConditionForceClose
	default:
		return models.ConditionPositionClosed
	}
}

func closePosition(pos *models.Position, finalPnL float64, reason string) error {
	pos.ExitReason = reason
	pos.RealizedPnL = finalPnL
	if err := pos.TransitionState(models.StateClosed, closeCondition(pos.State)); err != nil {
		return fmt.Errorf("failed to transition position to closed state: %w", err)
	}
	return nil
}

// GetHistory returns closed positions sorted by exit date.
func (s *JSONStorage) GetHistory() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := copyPositions(s.data.History)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitDate.Before(out[j].ExitDate) })
	return out
}

// HasInHistory reports whether id has been closed.
func (s *JSONStorage) HasInHistory(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasInHistoryLocked(id)
}

func (s *JSONStorage) hasInHistoryLocked(id string) bool {
	for i := range s.data.History {
		if s.data.History[i].ID == id {
			return true
		}
	}
	return false
}

// GetStatistics computes statistics over the closed history.
func (s *JSONStorage) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ComputeStatistics(s.data.History)
}

// GetDailyPnL returns realized P&L for a YYYY-MM-DD date.
func (s *JSONStorage) GetDailyPnL(date string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}
