// Package likes keeps like counters of tracked posts in sync.
//
// A toggle is applied locally first and emitted as post:like. The post room's
// post:like:update broadcasts carry absolute counts and are reconciled against
// the pending toggle, so an echo of the local user's own action never counts
// twice and other users' likes only move the shared count.
package likes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/reconcile"
	"github.com/rickgao/socialsync/internal/rooms"
	"github.com/rickgao/socialsync/internal/store"
)

// ErrNotTracked is returned when toggling a post that is not tracked.
var ErrNotTracked = errors.New("post is not tracked")

// Backend is the REST surface used for like baselines.
type Backend interface {
	GetPostLikes(ctx context.Context, postID string) (model.LikeState, error)
}

// Config configures a Manager.
type Config struct {
	Self           string
	ConfirmTimeout time.Duration
}

// Manager owns the like state of tracked posts.
type Manager struct {
	cfg     Config
	conn    connection.Emitter
	rooms   *rooms.Tracker
	backend Backend
	logger  *slog.Logger

	states  *store.Store[string, model.LikeState]
	pending *reconcile.Ledger[model.LikeState]

	mu   sync.Mutex
	refs map[string]int
}

// NewManager creates a likes manager for cfg.Self.
func NewManager(cfg Config, conn connection.Emitter, tracker *rooms.Tracker, backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		conn:    conn,
		rooms:   tracker,
		backend: backend,
		logger:  logger.With("component", "likes"),
		states:  store.New[string, model.LikeState](),
		pending: reconcile.NewLedger[model.LikeState](reconcile.KindLike),
		refs:    make(map[string]int),
	}
}

// Track joins the post room and loads the like baseline. Calls are reference
// counted and must be matched by Untrack.
func (m *Manager) Track(ctx context.Context, postID string) error {
	if postID == "" {
		return errors.New("track: post id is required")
	}

	m.mu.Lock()
	m.refs[postID]++
	first := m.refs[postID] == 1
	m.mu.Unlock()

	m.rooms.Join(protocol.PostRoom(postID))
	if !first {
		return nil
	}

	if err := m.load(ctx, postID); err != nil {
		m.Untrack(postID)
		return err
	}
	return nil
}

// Untrack releases one Track. The state is dropped with the last reference
// unless a toggle is still pending.
func (m *Manager) Untrack(postID string) {
	m.mu.Lock()
	n, ok := m.refs[postID]
	if !ok {
		m.mu.Unlock()
		return
	}
	last := n == 1
	if last {
		delete(m.refs, postID)
	} else {
		m.refs[postID] = n - 1
	}
	m.mu.Unlock()

	m.rooms.Leave(protocol.PostRoom(postID))
	if last {
		if _, busy := m.pending.Pending(postID); !busy {
			m.states.Delete(postID)
		}
	}
}

// Tracked returns the tracked post ids, sorted.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.refs))
	for id := range m.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns the like state of a post.
func (m *Manager) State(postID string) (model.LikeState, bool) {
	return m.states.Get(postID)
}

// Watch registers fn for like state commits.
func (m *Manager) Watch(fn func(model.LikeState)) func() {
	return m.states.Watch(func(_ string, s model.LikeState, deleted bool) {
		if !deleted {
			fn(s)
		}
	})
}

// ToggleLike flips the local user's like, applying the predicted state
// immediately. At most one toggle per post is in flight; a second call returns
// reconcile.ErrMutationInFlight. On failure the prior state is restored and a
// *reconcile.MutationError is returned.
func (m *Manager) ToggleLike(ctx context.Context, postID string) (model.LikeState, error) {
	current, ok := m.states.Get(postID)
	if !ok {
		m.mu.Lock()
		_, tracked := m.refs[postID]
		m.mu.Unlock()
		if !tracked {
			return model.LikeState{}, ErrNotTracked
		}
		current = model.LikeState{PostID: postID}
	}

	expected := reconcile.PredictToggle(current)
	mut, err := m.pending.Begin(postID, current, expected)
	if err != nil {
		return current, err
	}
	m.states.Set(postID, expected)

	ctx, cancel := m.confirmContext(ctx)
	defer cancel()

	_, err = m.conn.EmitWithAck(ctx, protocol.EventPostLike, protocol.PostLike{
		PostID: postID,
		UserID: m.cfg.Self,
		Action: reconcile.ToggleAction(current),
	})
	if err != nil {
		if _, ok := m.pending.Rollback(mut.LocalID); !ok {
			// The room broadcast already confirmed the toggle.
			final, _ := m.states.Get(postID)
			return final, nil
		}
		m.states.Update(postID, func(cur model.LikeState, exists bool) (model.LikeState, bool) {
			if !exists {
				return cur, false
			}
			next := reconcile.RollbackLike(cur, mut)
			return next, next != cur
		})
		m.logger.Warn("like toggle rolled back", "post", postID, "error", err)
		final, _ := m.states.Get(postID)
		return final, &reconcile.MutationError{Kind: reconcile.KindLike, Key: postID, Err: err}
	}
	m.pending.Confirm(mut.LocalID)

	final, _ := m.states.Get(postID)
	return final, nil
}

// Refetch reloads the baseline of every tracked post without a pending toggle.
func (m *Manager) Refetch(ctx context.Context) error {
	var errs []error
	for _, id := range m.Tracked() {
		if err := m.load(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset forgets every tracked post without leaving rooms.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.refs = make(map[string]int)
	m.mu.Unlock()
	m.states.Clear()
}

// Attach subscribes the manager to post:like:update on d.
func (m *Manager) Attach(d *dispatch.Dispatcher) dispatch.Unsubscribe {
	return dispatch.Handle(d, protocol.EventPostLikeUpdate, func(u protocol.PostLikeUpdate) error {
		if u.PostID == "" {
			return errors.New("post:like:update without postId")
		}
		m.apply(u)
		return nil
	})
}

// apply reconciles one canonical update with local state.
func (m *Manager) apply(u protocol.PostLikeUpdate) {
	var pending *reconcile.Mutation[model.LikeState]
	if p, ok := m.pending.Pending(u.PostID); ok {
		if reconcile.ConfirmsLike(&p, m.cfg.Self, u) {
			m.pending.Confirm(p.LocalID)
		} else {
			pending = &p
		}
	}

	m.states.Update(u.PostID, func(cur model.LikeState, exists bool) (model.LikeState, bool) {
		if !exists && !m.isTracked(u.PostID) {
			return cur, false
		}
		next, out := reconcile.ReconcileLike(cur, pending, m.cfg.Self, u)
		if out.Changed() {
			m.logger.Debug("like reconciled", "post", u.PostID, "actor", u.UserID, "count", next.Count, "outcome", out)
		}
		return next, out.Changed() || !exists
	})
}

func (m *Manager) load(ctx context.Context, postID string) error {
	baseline, err := m.backend.GetPostLikes(ctx, postID)
	if err != nil {
		return fmt.Errorf("load likes %s: %w", postID, err)
	}
	baseline.PostID = postID

	m.states.Update(postID, func(cur model.LikeState, exists bool) (model.LikeState, bool) {
		if !m.isTracked(postID) {
			return cur, false
		}
		if _, busy := m.pending.Pending(postID); busy {
			// The prediction stands until the toggle resolves.
			return cur, false
		}
		return baseline, !exists || cur != baseline
	})
	return nil
}

func (m *Manager) isTracked(postID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[postID]
	return ok
}

func (m *Manager) confirmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || m.cfg.ConfirmTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.cfg.ConfirmTimeout)
}
