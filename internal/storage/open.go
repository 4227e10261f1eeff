package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"livetimeline/internal/timeline"
	logx "livetimeline/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// LoadOrEmpty loads the stored timeline, degrading to an empty one when the
// store is missing, unreadable or holds an invalid timeline. The error is
// returned for logging only.
func LoadOrEmpty(ctx context.Context, s Store) (timeline.Timeline, error) {
	tl, err := s.Load(ctx)
	if err != nil {
		return timeline.Timeline{}, err
	}
	if err := tl.Validate(); err != nil {
		return timeline.Timeline{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if tl == nil {
		tl = timeline.Timeline{}
	}
	return tl, nil
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
