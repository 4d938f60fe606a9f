// Package protocol defines the event vocabulary exchanged over the persistent connection.
//
// Event names are the wire contract with the server and must match exactly.
// Frames are JSON text messages:
//
//	out:  {"event": "post:like", "data": {...}, "ack": 7}
//	in:   {"event": "post:like:update", "data": {...}}
//	ack:  {"event": "ack", "ack": 7, "data": {...}, "error": {"code": "...", "message": "..."}}
//
// Lifecycle events (connect, disconnect, connect_error, connect_failed) never cross the
// wire; the connection manager injects them into the inbound stream.
package protocol
