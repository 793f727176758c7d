package storage

import (
	"github.com/eddiefleurent/double_calendar/internal/models"
)

// Interface defines the contract for position and trade data persistence.
//
// Implementations must be safe for concurrent use. Returned positions are
// copies; callers mutate them and hand them back through UpdatePosition.
type Interface interface {
	// Position management
	AddPosition(pos *models.Position) error
	UpdatePosition(pos *models.Position) error
	GetCurrentPositions() []models.Position
	GetOpenPositions() []models.Position
	GetPositionByID(id string) (*models.Position, error)
	ClosePositionByID(id string, finalPnL float64, reason string) error

	// Data persistence
	Save() error
	Load() error

	// Historical data and analytics
	GetHistory() []models.Position
	HasInHistory(id string) bool
	GetStatistics() *Statistics
	GetDailyPnL(date string) float64
}

// NewStorage creates a new storage implementation (currently JSON-based)
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
