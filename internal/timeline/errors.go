package timeline

import "errors"

var (
	// ErrNotFound reports that the command's target id is absent.
	ErrNotFound = errors.New("item not found")
	// ErrUnknownCommand reports an unrecognized command name.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidCommand reports a malformed command payload.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrInvalidState reports a timeline that violates its invariants.
	ErrInvalidState = errors.New("invalid timeline state")
)
