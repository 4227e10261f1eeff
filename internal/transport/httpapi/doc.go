// Package httpapi serves the REST surface of the timeline (login and item
// CRUD) and mounts the push channel, on a gorilla/mux router.
//
// PUT /api/timeline/{id} merges fields into the item. Bodies that set
// status, actual_start, actual_end or a different id are rejected with 400;
// those move only through the push channel's status events.
//
// A 504 means the request stopped waiting on the dispatcher. The command
// may still have been applied and broadcast.
package httpapi
