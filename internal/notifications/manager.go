// Package notifications keeps the local user's notification feed in sync.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/reconcile"
	"github.com/rickgao/socialsync/internal/rooms"
	"github.com/rickgao/socialsync/internal/store"
)

// ErrNotStarted is returned by operations that need a started feed.
var ErrNotStarted = errors.New("notifications feed is not started")

// markAllKey is the ledger key of MarkAllRead; one may be in flight.
const markAllKey = "all"

// Backend is the REST surface for notifications.
type Backend interface {
	ListNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationsRead(ctx context.Context) (int, error)
}

// Config configures a Manager.
type Config struct {
	Self           string
	ConfirmTimeout time.Duration
}

// Manager owns the notification feed.
type Manager struct {
	cfg     Config
	rooms   *rooms.Tracker
	backend Backend
	logger  *slog.Logger

	items *store.Store[string, model.Notification]
	marks *reconcile.Ledger[[]string]

	mu      sync.Mutex
	started bool
}

// NewManager creates a notifications manager for cfg.Self.
func NewManager(cfg Config, tracker *rooms.Tracker, backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		rooms:   tracker,
		backend: backend,
		logger:  logger.With("component", "notifications"),
		items:   store.New[string, model.Notification](),
		marks:   reconcile.NewLedger[[]string](reconcile.KindNotice),
	}
}

// Start joins the user room and loads the feed. Starting twice is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.rooms.Join(protocol.UserRoom(m.cfg.Self))
	if err := m.load(ctx); err != nil {
		m.Stop()
		return err
	}
	return nil
}

// Stop leaves the user room and clears the feed.
func (m *Manager) Stop() {
	m.mu.Lock()
	was := m.started
	m.started = false
	m.mu.Unlock()

	if was {
		m.rooms.Leave(protocol.UserRoom(m.cfg.Self))
	}
	m.items.Clear()
}

// Notifications returns the feed, newest first.
func (m *Manager) Notifications() []model.Notification {
	keys := m.items.Keys()
	out := make([]model.Notification, 0, len(keys))
	for _, k := range keys {
		if n, ok := m.items.Get(k); ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Unread returns the number of unread notifications.
func (m *Manager) Unread() int {
	var n int
	for _, item := range m.Notifications() {
		if !item.Read {
			n++
		}
	}
	return n
}

// Watch registers fn for feed changes.
func (m *Manager) Watch(fn func(n model.Notification)) func() {
	return m.items.Watch(func(_ string, n model.Notification, deleted bool) {
		if !deleted {
			fn(n)
		}
	})
}

// MarkAllRead marks every notification read locally and on the server. On
// failure the notifications it flipped are marked unread again and a
// *reconcile.MutationError is returned.
func (m *Manager) MarkAllRead(ctx context.Context) error {
	if !m.isStarted() {
		return ErrNotStarted
	}

	var flipped []string
	for _, n := range m.Notifications() {
		if !n.Read {
			flipped = append(flipped, n.ID)
		}
	}
	if len(flipped) == 0 {
		return nil
	}

	mut, err := m.marks.Begin(markAllKey, flipped, nil)
	if err != nil {
		return err
	}
	m.setRead(flipped, true)

	ctx, cancel := m.confirmContext(ctx)
	defer cancel()

	modified, err := m.backend.MarkNotificationsRead(ctx)
	if err != nil {
		if _, ok := m.marks.Rollback(mut.LocalID); ok {
			m.setRead(flipped, false)
		}
		m.logger.Warn("mark all read rolled back", "count", len(flipped), "error", err)
		return &reconcile.MutationError{Kind: reconcile.KindNotice, Key: markAllKey, Err: err}
	}
	m.marks.Confirm(mut.LocalID)
	m.logger.Debug("notifications marked read", "local", len(flipped), "modified", modified)
	return nil
}

// Refetch merges the server feed into the local one. Entries are never
// dropped, since a notification:new may land while the list is in flight.
// Notifications flipped by a pending MarkAllRead stay read.
func (m *Manager) Refetch(ctx context.Context) error {
	if !m.isStarted() {
		return nil
	}
	return m.load(ctx)
}

// Reset clears the feed without leaving the user room.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.items.Clear()
}

// Attach subscribes the manager to notification:new on d.
func (m *Manager) Attach(d *dispatch.Dispatcher) dispatch.Unsubscribe {
	return dispatch.Handle(d, protocol.EventNotificationNew, func(n model.Notification) error {
		if n.ID == "" {
			return errors.New("notification:new without id")
		}
		if !m.isStarted() {
			return nil
		}
		m.items.Update(n.ID, func(cur model.Notification, exists bool) (model.Notification, bool) {
			if exists {
				return cur, false
			}
			return n, true
		})
		return nil
	})
}

func (m *Manager) load(ctx context.Context) error {
	baseline, err := m.backend.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}

	marking := make(map[string]bool)
	if mut, ok := m.marks.Pending(markAllKey); ok {
		for _, id := range mut.Snapshot {
			marking[id] = true
		}
	}

	for _, n := range baseline {
		if n.ID == "" {
			continue
		}
		if marking[n.ID] {
			n.Read = true
		}
		m.items.Update(n.ID, func(cur model.Notification, exists bool) (model.Notification, bool) {
			return n, !exists || cur != n
		})
	}
	return nil
}

func (m *Manager) setRead(ids []string, read bool) {
	for _, id := range ids {
		m.items.Update(id, func(cur model.Notification, exists bool) (model.Notification, bool) {
			if !exists || cur.Read == read {
				return cur, false
			}
			cur.Read = read
			return cur, true
		})
	}
}

func (m *Manager) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Manager) confirmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || m.cfg.ConfirmTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.cfg.ConfirmTimeout)
}
