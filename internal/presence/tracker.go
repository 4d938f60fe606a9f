// Package presence tracks which users are online.
//
// The map is replaced by each get_users_online snapshot and patched by
// user_status_change. Unknown users are reported offline. Nothing outlives the
// connection: the map is cleared on disconnect.
package presence

import (
	"log/slog"
	"sort"

	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/store"
)

// Tracker is the presence map of one session.
type Tracker struct {
	logger *slog.Logger
	users  *store.Store[string, bool]
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger: logger,
		users:  store.New[string, bool](),
	}
}

// IsOnline reports whether userID is online. Unknown users are offline.
func (t *Tracker) IsOnline(userID string) bool {
	online, _ := t.users.Get(userID)
	return online
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	var ids []string
	for _, id := range t.users.Keys() {
		if t.IsOnline(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ReplaceSnapshot makes ids the complete set of online users.
func (t *Tracker) ReplaceSnapshot(ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	for _, id := range t.users.Keys() {
		if _, ok := want[id]; !ok {
			t.users.Delete(id)
		}
	}
	for id := range want {
		t.SetStatus(id, true)
	}
	t.logger.Debug("presence snapshot", "online", len(want))
}

// SetStatus patches one user. Setting the current value publishes nothing.
func (t *Tracker) SetStatus(userID string, online bool) {
	if userID == "" {
		return
	}
	t.users.Update(userID, func(cur bool, exists bool) (bool, bool) {
		return online, !exists || cur != online
	})
}

// Reset forgets every user.
func (t *Tracker) Reset() {
	t.users.Clear()
}

// RequestSnapshot asks the server for the online users. It is the connect hook.
func (t *Tracker) RequestSnapshot(s connection.Sender) error {
	return s.Send(protocol.EventGetOnlineUsers, nil)
}

// Hooks wires the tracker to a connection manager.
func (t *Tracker) Hooks() connection.Hooks {
	return connection.Hooks{
		OnConnected: t.RequestSnapshot,
		OnTeardown:  t.Reset,
	}
}

// Watch registers fn for presence changes. The returned function removes it.
func (t *Tracker) Watch(fn func(userID string, online bool)) func() {
	return t.users.Watch(func(id string, online bool, deleted bool) {
		fn(id, online && !deleted)
	})
}

// Attach subscribes the tracker to presence events on d.
func (t *Tracker) Attach(d *dispatch.Dispatcher) dispatch.Unsubscribe {
	unsubs := []dispatch.Unsubscribe{
		dispatch.Handle(d, protocol.EventGetUsersOnline, func(ids protocol.OnlineUsers) error {
			t.ReplaceSnapshot(ids)
			return nil
		}),
		dispatch.Handle(d, protocol.EventUserStatusChange, func(c protocol.UserStatusChange) error {
			t.SetStatus(c.UserID, c.Online())
			return nil
		}),
		d.On(protocol.EventDisconnect, func(protocol.Event) error {
			t.Reset()
			return nil
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
