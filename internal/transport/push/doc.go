// Package push is the websocket side of the timeline: it fans committed
// snapshots out to every connected client and turns inbound admin events
// into dispatcher commands.
//
// Wire format is one JSON envelope per text frame:
//
//	{"event": "timeline:data", "data": [...items]}
//	{"event": "admin:start_item", "data": "item-id"}
//	{"event": "error", "data": {"event": "...", "message": "..."}}
//
// A client is registered inside the dispatcher loop (dispatcher.Attach), so
// its first frame is always the snapshot current at that point in the
// commit order, and every later broadcast is newer.
package push
