// Package timeline holds the event timeline model and its transition engine.
//
// The engine is pure: Apply maps (state, command) to (next state, changed)
// without touching I/O. Callers own serialization, persistence and
// broadcast. Input states are never mutated; modified items are copied.
package timeline
