// Package storage persists the timeline.
//
// It currently supports:
//   - "file": one human-readable document (JSON, or YAML by extension)
//   - "sqlite": one row per item, ordered by position
//
// Stores are opaque to the rest of the system: Load returns the last saved
// ordered sequence, Save replaces it wholesale.
package storage
