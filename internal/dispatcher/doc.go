// Package dispatcher is the single writer of the timeline.
//
// Commands from any number of goroutines are queued and applied one at a
// time by one loop goroutine. For each committed change the loop saves the
// full timeline, then hands it to the Broadcaster, so saves and broadcasts
// happen in commit order. Reads go through Snapshot, which returns a copy of
// the last committed state.
package dispatcher
