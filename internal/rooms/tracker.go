// Package rooms tracks the rooms the session should be joined to.
//
// Membership is reference counted: several subscribers may hold the same room and the
// server is told to leave only when the last one lets go. The server forgets all room
// state when a connection drops, so every held room is joined again on connect.
package rooms

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/protocol"
)

// Tracker is the room membership of one session.
type Tracker struct {
	logger *slog.Logger

	mu     sync.Mutex
	refs   map[protocol.RoomID]int
	sender connection.Sender // non-nil while live
	joins  int64
	leaves int64
}

// Stats counts wire emissions.
type Stats struct {
	Rooms  int
	Joins  int64 // join_room frames written
	Leaves int64 // leave_room frames written
	Live   bool
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger: logger,
		refs:   make(map[protocol.RoomID]int),
	}
}

// Hooks wires the tracker to a connection manager.
func (t *Tracker) Hooks() connection.Hooks {
	return connection.Hooks{
		OnConnected:    t.Replay,
		OnDisconnected: t.MarkOffline,
		OnTeardown:     t.Reset,
	}
}

// Join takes a reference on room. The join is written on the first reference if the
// connection is live; otherwise it waits for the next Replay.
func (t *Tracker) Join(room protocol.RoomID) {
	if !room.Valid() {
		t.logger.Warn("ignoring invalid room", "room", room)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.refs[room]++
	if t.refs[room] > 1 || t.sender == nil {
		return
	}
	t.emitLocked(protocol.EventJoinRoom, room)
}

// Leave drops a reference on room. The leave is written when the last reference goes
// and the connection is live. Leaving a room that is not held is a no-op.
func (t *Tracker) Leave(room protocol.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.refs[room]
	if !ok {
		return
	}
	if n > 1 {
		t.refs[room] = n - 1
		return
	}
	delete(t.refs, room)
	if t.sender != nil {
		t.emitLocked(protocol.EventLeaveRoom, room)
	}
}

// Replay writes one join per held room and marks the tracker live. It is the connect hook.
func (t *Tracker) Replay(s connection.Sender) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sender = s
	rooms := t.membersLocked()
	for _, room := range rooms {
		if err := t.emitLocked(protocol.EventJoinRoom, room); err != nil {
			return err
		}
	}
	t.logger.Debug("rooms replayed", "count", len(rooms))
	return nil
}

// MarkOffline stops wire emissions; membership is kept for the next Replay.
func (t *Tracker) MarkOffline() {
	t.mu.Lock()
	t.sender = nil
	t.mu.Unlock()
}

// Reset forgets every room. Used on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.sender = nil
	t.refs = make(map[protocol.RoomID]int)
	t.mu.Unlock()
}

// Has reports whether room is held.
func (t *Tracker) Has(room protocol.RoomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.refs[room]
	return ok
}

// RefCount returns the number of references on room.
func (t *Tracker) RefCount(room protocol.RoomID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[room]
}

// Members returns the held rooms, sorted.
func (t *Tracker) Members() []protocol.RoomID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.membersLocked()
}

// Stats returns tracker statistics.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Rooms:  len(t.refs),
		Joins:  t.joins,
		Leaves: t.leaves,
		Live:   t.sender != nil,
	}
}

func (t *Tracker) membersLocked() []protocol.RoomID {
	rooms := make([]protocol.RoomID, 0, len(t.refs))
	for r := range t.refs {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// emitLocked writes a room control frame. A failed write means the connection is
// going down; the room stays in membership and is joined on the next Replay.
func (t *Tracker) emitLocked(event protocol.EventName, room protocol.RoomID) error {
	if err := t.sender.Send(event, string(room)); err != nil {
		t.logger.Warn("room control failed", "event", event, "room", room, "error", err)
		return err
	}
	if event == protocol.EventJoinRoom {
		t.joins++
	} else {
		t.leaves++
	}
	t.logger.Debug("room control", "event", event, "room", room)
	return nil
}
