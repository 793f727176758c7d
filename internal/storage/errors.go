package storage

import "errors"

var (
	// ErrPositionNotFound is returned when no position has the requested ID.
	ErrPositionNotFound = errors.New("position not found")
	// ErrDuplicatePosition is returned when adding a position whose ID already exists.
	ErrDuplicatePosition = errors.New("position already exists")
)
