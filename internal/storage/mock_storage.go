package storage

import (
	"fmt"
	"sync"

	"github.com/eddiefleurent/double_calendar/internal/models"
)

// MockStorage is an in-memory Interface for tests.
type MockStorage struct {
	saveError     error
	loadError     error
	positions     []models.Position
	history       []models.Position
	dailyPnL      map[string]float64
	saveCallCount int
	loadCallCount int
	mu            sync.Mutex
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{dailyPnL: make(map[string]float64)}
}

func (m *MockStorage) indexOf(id string) int {
	for i := range m.positions {
		if m.positions[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *MockStorage) AddPosition(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("position must have an ID")
	}
	if m.indexOf(pos.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, pos.ID)
	}
	m.positions = append(m.positions, *pos.Copy())
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) UpdatePosition(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(pos.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, pos.ID)
	}
	if pos.State == models.StateClosed {
		m.archive(i, *pos.Copy())
	} else {
		m.positions[i] = *pos.Copy()
	}
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) archive(i int, closed models.Position) {
	m.positions = append(m.positions[:i], m.positions[i+1:]...)
	m.history = append(m.history, closed)
	if !closed.ExitDate.IsZero() {
		m.dailyPnL[closed.ExitDate.Format(dateLayout)] += closed.RealizedPnL
	}
}

func (m *MockStorage) GetCurrentPositions() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyPositions(m.positions)
}

func (m *MockStorage) GetOpenPositions() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for i := range m.positions {
		if m.positions[i].IsOpen() {
			out = append(out, *m.positions[i].Copy())
		}
	}
	return out
}

func (m *MockStorage) GetPositionByID(id string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(id); i >= 0 {
		return m.positions[i].Copy(), nil
	}
	for i := range m.history {
		if m.history[i].ID == id {
			return m.history[i].Copy(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
}

func (m *MockStorage) ClosePositionByID(id string, finalPnL float64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	pos := m.positions[i].Copy()
	if err := closePosition(pos, finalPnL, reason); err != nil {
		return err
	}
	m.archive(i, *pos)
	m.saveCallCount++
	return m.saveError
}

// Data persistence methods (mocked)
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

func (m *MockStorage) GetHistory() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyPositions(m.history)
}

func (m *MockStorage) HasInHistory(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		if m.history[i].ID == id {
			return true
		}
	}
	return false
}

func (m *MockStorage) GetStatistics() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ComputeStatistics(m.history)
}

func (m *MockStorage) GetDailyPnL(date string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[date]
}

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

func (m *MockStorage) AddHistoryPosition(pos models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, pos)
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
