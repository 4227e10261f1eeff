package dispatcher

import (
	"errors"
	"time"

	"livetimeline/internal/timeline"
)

var (
	ErrStopped    = errors.New("dispatcher stopped")
	ErrNotRunning = errors.New("dispatcher not running")
)

// Broadcaster receives every committed timeline, in commit order.
//
// Broadcast is called from the dispatcher loop and must not block on slow
// clients. The timeline must be treated as read-only.
type Broadcaster interface {
	Broadcast(tl timeline.Timeline)
}

// Config controls the dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 256
//   - save_timeout: 5s
type Config struct {
	QueueSize   int
	SaveTimeout time.Duration
}

// Outcome is what the originator of a command learns about it.
type Outcome struct {
	Changed bool
	// Item is the created/updated item for create and update commands.
	Item *timeline.Item
	// Version counts committed changes since start.
	Version uint64
}

type requestKind int

const (
	reqCommand requestKind = iota
	reqAttach
	reqFlush
)

type request struct {
	kind   requestKind
	cmd    timeline.Command
	attach func(tl timeline.Timeline)
	reply  chan reply
}

type reply struct {
	out Outcome
	err error
}
