package storage

import (
	"context"
	"errors"
	"time"

	"livetimeline/internal/timeline"
)

// ErrPersistence wraps every driver-level load/save failure.
var ErrPersistence = errors.New("persistence failure")

// Store is the persistence API used by the dispatcher.
type Store interface {
	// Load returns the saved timeline. A store that was never written
	// returns an error wrapping os.ErrNotExist.
	Load(ctx context.Context) (timeline.Timeline, error)
	// Save replaces the stored timeline with tl.
	Save(ctx context.Context, tl timeline.Timeline) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": JSON document (YAML when Path ends in .yaml/.yml)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
