// Package comments keeps the comment threads of open posts in sync.
//
// Comments are written over REST and broadcast to the post room as
// new_comment and delete_comment. Adds show up immediately under a
// provisional id, deletes disappear immediately, and both are reconciled
// with the broadcast by comment id so replays and echoes are no-ops.
package comments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/reconcile"
	"github.com/rickgao/socialsync/internal/rooms"
	"github.com/rickgao/socialsync/internal/store"
)

// Errors
var (
	ErrPostNotOpen     = errors.New("post is not open")
	ErrEmptyComment    = errors.New("comment has no content")
	ErrCommentNotFound = errors.New("comment not found")
	ErrNotConfirmed    = errors.New("comment is not confirmed yet")
)

// Backend is the REST surface for comments.
type Backend interface {
	ListComments(ctx context.Context, postID string) ([]model.Comment, error)
	CreateComment(ctx context.Context, postID, content string) (model.Comment, error)
	DeleteComment(ctx context.Context, commentID string) error
}

// Config configures a Manager.
type Config struct {
	Self           string
	DedupeWindow   time.Duration
	ConfirmTimeout time.Duration
}

// Manager owns the threads of open posts.
type Manager struct {
	cfg     Config
	rooms   *rooms.Tracker
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	threads *store.Store[string, Thread]
	adds    *reconcile.Ledger[model.Comment]
	deletes *reconcile.Ledger[model.Comment]

	mu    sync.Mutex
	posts map[string]int
}

// NewManager creates a comments manager for cfg.Self. Comments travel over
// REST only, so the manager needs the room tracker but no emitter.
func NewManager(cfg Config, tracker *rooms.Tracker, backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		rooms:   tracker,
		backend: backend,
		logger:  logger.With("component", "comments"),
		now:     time.Now,
		threads: store.New[string, Thread](),
		adds:    reconcile.NewLedger[model.Comment](reconcile.KindComment),
		deletes: reconcile.NewLedger[model.Comment](reconcile.KindComment),
		posts:   make(map[string]int),
	}
}

// Open joins the post room and loads the thread. The room is shared with the
// likes manager through the tracker's reference count.
func (m *Manager) Open(ctx context.Context, postID string) error {
	if postID == "" {
		return errors.New("open: post id is required")
	}

	m.mu.Lock()
	m.posts[postID]++
	first := m.posts[postID] == 1
	m.mu.Unlock()

	m.rooms.Join(protocol.PostRoom(postID))
	if !first {
		return nil
	}
	if err := m.load(ctx, postID); err != nil {
		m.Close(postID)
		return err
	}
	return nil
}

// Close releases one Open; the thread is dropped with the last one.
func (m *Manager) Close(postID string) {
	m.mu.Lock()
	n, ok := m.posts[postID]
	if !ok {
		m.mu.Unlock()
		return
	}
	last := n == 1
	if last {
		delete(m.posts, postID)
	} else {
		m.posts[postID] = n - 1
	}
	m.mu.Unlock()

	m.rooms.Leave(protocol.PostRoom(postID))
	if last {
		m.threads.Delete(postID)
	}
}

// Posts returns the open post ids, sorted.
func (m *Manager) Posts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.posts))
	for id := range m.posts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Comments returns the thread of an open post.
func (m *Manager) Comments(postID string) Thread {
	t, _ := m.threads.Get(postID)
	return t
}

// Watch registers fn for thread commits.
func (m *Manager) Watch(fn func(postID string, t Thread)) func() {
	return m.threads.Watch(func(id string, t Thread, deleted bool) {
		if deleted {
			t = nil
		}
		fn(id, t)
	})
}

// AddComment appends a provisional comment and creates it over REST. The
// returned comment carries the canonical id. On failure the provisional
// entry is removed and a *reconcile.MutationError is returned.
func (m *Manager) AddComment(ctx context.Context, postID, content string) (model.Comment, error) {
	if !m.isOpen(postID) {
		return model.Comment{}, ErrPostNotOpen
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Comment{}, ErrEmptyComment
	}

	tempID := model.TempIDPrefix + uuid.NewString()
	provisional := model.Comment{
		ID:        tempID,
		PostID:    postID,
		UserID:    m.cfg.Self,
		Content:   content,
		CreatedAt: m.now().UTC(),
	}
	mut, err := m.adds.Begin(tempID, model.Comment{}, provisional)
	if err != nil {
		return model.Comment{}, err
	}
	m.threads.Update(postID, func(t Thread, _ bool) (Thread, bool) {
		return t.insert(provisional), true
	})

	ctx, cancel := m.confirmContext(ctx)
	defer cancel()

	created, err := m.backend.CreateComment(ctx, postID, content)
	if err != nil {
		m.adds.Rollback(mut.LocalID)
		if c, ok := m.delivered(postID, provisional); ok {
			// Only the response was lost; the room broadcast carried the comment.
			return c, nil
		}
		m.threads.Update(postID, func(t Thread, exists bool) (Thread, bool) {
			if !exists {
				return t, false
			}
			return t.Remove(tempID)
		})
		m.logger.Warn("comment rolled back", "post", postID, "temp_id", tempID, "error", err)
		return model.Comment{}, &reconcile.MutationError{Kind: reconcile.KindComment, Key: tempID, Err: err}
	}
	m.adds.Confirm(mut.LocalID)
	if created.PostID == "" {
		created.PostID = postID
	}

	m.threads.Update(postID, func(t Thread, exists bool) (Thread, bool) {
		if !exists {
			return t, false
		}
		next, out := t.Confirm(tempID, created)
		return next, out.Changed()
	})
	return created, nil
}

// DeleteComment removes a comment locally and deletes it over REST. On
// failure the comment is restored unless the room already confirmed the
// deletion.
func (m *Manager) DeleteComment(ctx context.Context, postID, commentID string) error {
	if !m.isOpen(postID) {
		return ErrPostNotOpen
	}
	if model.IsTempID(commentID) {
		return ErrNotConfirmed
	}

	t, _ := m.threads.Get(postID)
	i := t.index(commentID)
	if i < 0 {
		return ErrCommentNotFound
	}
	removed := t[i]

	mut, err := m.deletes.Begin(commentID, removed, model.Comment{})
	if err != nil {
		return err
	}
	m.threads.Update(postID, func(t Thread, exists bool) (Thread, bool) {
		if !exists {
			return t, false
		}
		return t.Remove(commentID)
	})

	ctx, cancel := m.confirmContext(ctx)
	defer cancel()

	if err := m.backend.DeleteComment(ctx, commentID); err != nil {
		if _, ok := m.deletes.Rollback(mut.LocalID); !ok {
			// delete_comment arrived first.
			return nil
		}
		m.threads.Update(postID, func(t Thread, exists bool) (Thread, bool) {
			if !exists {
				return t, false
			}
			return t.Restore(removed)
		})
		m.logger.Warn("comment delete rolled back", "post", postID, "comment", commentID, "error", err)
		return &reconcile.MutationError{Kind: reconcile.KindComment, Key: commentID, Err: err}
	}
	m.deletes.Confirm(mut.LocalID)
	return nil
}

// Refetch reloads every open thread, keeping provisional comments and
// pending deletions.
func (m *Manager) Refetch(ctx context.Context) error {
	var errs []error
	for _, id := range m.Posts() {
		if err := m.load(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset forgets every thread without leaving rooms.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.posts = make(map[string]int)
	m.mu.Unlock()
	m.threads.Clear()
}

// Attach subscribes the manager to comment events on d.
func (m *Manager) Attach(d *dispatch.Dispatcher) dispatch.Unsubscribe {
	onNew := dispatch.Handle(d, protocol.EventNewComment, m.handleNew)
	onDelete := dispatch.Handle(d, protocol.EventDeleteComment, m.handleDelete)
	return func() {
		onNew()
		onDelete()
	}
}

func (m *Manager) handleNew(ev protocol.CommentEvent) error {
	if ev.Comment == nil || ev.ID() == "" {
		return errors.New("new_comment without comment")
	}
	c := *ev.Comment
	c.ID = ev.ID()
	if c.PostID == "" {
		c.PostID = ev.PostID
	}
	if c.UserID == "" {
		c.UserID = ev.UserID
	}
	if !m.isOpen(c.PostID) {
		return nil
	}
	if _, busy := m.deletes.Pending(c.ID); busy {
		return nil
	}

	m.threads.Update(c.PostID, func(t Thread, _ bool) (Thread, bool) {
		next, out := t.Apply(c, m.cfg.DedupeWindow)
		if out.Changed() {
			m.logger.Debug("comment reconciled", "post", c.PostID, "comment", c.ID, "outcome", out)
		}
		return next, out.Changed()
	})
	return nil
}

func (m *Manager) handleDelete(ev protocol.CommentEvent) error {
	id := ev.ID()
	if id == "" {
		return errors.New("delete_comment without commentId")
	}
	m.deletes.ConfirmKey(id)

	postID := ev.PostID
	if postID == "" && ev.Comment != nil {
		postID = ev.Comment.PostID
	}
	if !m.isOpen(postID) {
		return nil
	}
	m.threads.Update(postID, func(t Thread, exists bool) (Thread, bool) {
		if !exists {
			return t, false
		}
		return t.Remove(id)
	})
	return nil
}

func (m *Manager) load(ctx context.Context, postID string) error {
	baseline, err := m.backend.ListComments(ctx, postID)
	if err != nil {
		return fmt.Errorf("load comments %s: %w", postID, err)
	}

	hidden := make(map[string]bool)
	for _, id := range m.deletes.Keys() {
		hidden[id] = true
	}

	m.threads.Update(postID, func(t Thread, _ bool) (Thread, bool) {
		if !m.isOpen(postID) {
			return t, false
		}
		next := t.Merge(baseline, hidden, m.cfg.DedupeWindow)
		return next, !slices.Equal(t, next)
	})
	return nil
}

// delivered returns the canonical copy of provisional when a broadcast
// already replaced it.
func (m *Manager) delivered(postID string, provisional model.Comment) (model.Comment, bool) {
	t, _ := m.threads.Get(postID)
	if t.Contains(provisional.ID) {
		return model.Comment{}, false
	}
	for _, c := range t {
		if matches(provisional, c, m.cfg.DedupeWindow) {
			return c, true
		}
	}
	return model.Comment{}, false
}

func (m *Manager) isOpen(postID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.posts[postID]
	return ok
}

func (m *Manager) confirmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || m.cfg.ConfirmTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.cfg.ConfirmTimeout)
}
