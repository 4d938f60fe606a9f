// Package messaging keeps the timelines of open conversations in sync.
//
// A conversation is opened with a REST baseline and its room joined; new
// messages, read receipts, deletions and typing indicators then arrive as
// room events and are merged into the timeline. Sends and read receipts are
// applied optimistically and reconciled against the server's answer.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/reconcile"
	"github.com/rickgao/socialsync/internal/rooms"
	"github.com/rickgao/socialsync/internal/store"
)

// Errors
var (
	ErrConversationNotOpen = errors.New("conversation is not open")
	ErrEmptyMessage        = errors.New("message has no content")
	ErrInvalidConversation = errors.New("conversation needs an id and a peer")
)

// Backend is the REST surface used for conversation baselines.
type Backend interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// Config configures a Manager.
type Config struct {
	Self           string        // local user id
	PageSize       int           // baseline page size
	DedupeWindow   time.Duration // max skew between a provisional entry and its broadcast
	TypingTTL      time.Duration // typing indicator lifetime without a stop event
	ConfirmTimeout time.Duration // bound on a send when the caller set no deadline
}

// Manager owns the timelines of the open conversations.
type Manager struct {
	cfg     Config
	conn    connection.Emitter
	rooms   *rooms.Tracker
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	timelines *store.Store[string, reconcile.Timeline]
	sends     *reconcile.Ledger[model.Message]
	reads     *reconcile.ReadLedger
	typing    *typingSet

	mu    sync.Mutex
	convs map[string]*openConversation
}

type openConversation struct {
	model.Conversation
	refs int
}

// NewManager creates a messaging manager for cfg.Self.
func NewManager(cfg Config, conn connection.Emitter, tracker *rooms.Tracker, backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		conn:      conn,
		rooms:     tracker,
		backend:   backend,
		logger:    logger.With("component", "messaging"),
		now:       time.Now,
		timelines: store.New[string, reconcile.Timeline](),
		sends:     reconcile.NewLedger[model.Message](reconcile.KindMessage),
		reads:     reconcile.NewReadLedger(),
		typing:    newTypingSet(cfg.TypingTTL),
		convs:     make(map[string]*openConversation),
	}
}

// OpenConversation joins the conversation room and loads its baseline. Opens
// are reference counted; each must be matched by CloseConversation.
func (m *Manager) OpenConversation(ctx context.Context, c model.Conversation) error {
	if c.ID == "" || c.PeerID == "" {
		return ErrInvalidConversation
	}

	m.mu.Lock()
	if open, ok := m.convs[c.ID]; ok {
		open.refs++
		m.mu.Unlock()
		m.rooms.Join(protocol.ConversationRoom(c.ID))
		return nil
	}
	m.convs[c.ID] = &openConversation{Conversation: c, refs: 1}
	m.mu.Unlock()

	m.rooms.Join(protocol.ConversationRoom(c.ID))

	if err := m.load(ctx, c.ID); err != nil {
		m.CloseConversation(c.ID)
		return err
	}
	m.logger.Debug("conversation opened", "conversation", c.ID, "peer", c.PeerID)
	return nil
}

// CloseConversation releases one open. The timeline is dropped with the last one.
func (m *Manager) CloseConversation(conversationID string) {
	m.mu.Lock()
	open, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	open.refs--
	last := open.refs == 0
	if last {
		delete(m.convs, conversationID)
	}
	m.mu.Unlock()

	m.rooms.Leave(protocol.ConversationRoom(conversationID))
	if last {
		m.timelines.Delete(conversationID)
		m.typing.clear(open.PeerID)
	}
}

// Conversations returns the ids of the open conversations, sorted.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Timeline returns the current timeline of an open conversation.
func (m *Manager) Timeline(conversationID string) (reconcile.Timeline, bool) {
	return m.timelines.Get(conversationID)
}

// Watch registers fn for timeline commits. A closed conversation is
// published once with an empty timeline.
func (m *Manager) Watch(fn func(conversationID string, t reconcile.Timeline)) func() {
	return m.timelines.Watch(func(id string, t reconcile.Timeline, deleted bool) {
		if deleted {
			t = reconcile.Timeline{ConversationID: id}
		}
		fn(id, t)
	})
}

// SendMessage appends a provisional message and emits it. On acknowledgment
// the provisional entry takes the canonical id; on failure it is removed and
// a *reconcile.MutationError is returned.
func (m *Manager) SendMessage(ctx context.Context, conversationID, content string, media ...string) (model.Message, error) {
	conv, ok := m.conversation(conversationID)
	if !ok {
		return model.Message{}, ErrConversationNotOpen
	}
	if strings.TrimSpace(content) == "" && len(media) == 0 {
		return model.Message{}, ErrEmptyMessage
	}

	tempID := model.TempIDPrefix + uuid.NewString()
	provisional := model.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       m.cfg.Self,
		ReceiverID:     conv.PeerID,
		Content:        content,
		Media:          media,
		CreatedAt:      m.now().UTC(),
	}

	mut, err := m.sends.Begin(tempID, model.Message{}, provisional)
	if err != nil {
		return model.Message{}, err
	}
	m.timelines.Update(conversationID, func(t reconcile.Timeline, exists bool) (reconcile.Timeline, bool) {
		if !exists {
			t = reconcile.NewTimeline(conversationID, nil)
		}
		return t.AppendProvisional(provisional), true
	})

	ctx, cancel := m.confirmContext(ctx)
	defer cancel()

	data, err := m.conn.EmitWithAck(ctx, protocol.EventSendMessage, protocol.SendMessage{
		ReceiverID: conv.PeerID,
		SenderID:   m.cfg.Self,
		Content:    content,
		Media:      media,
		TempID:     tempID,
	})
	if err != nil {
		if canonical, ok := m.delivered(conversationID, tempID); ok {
			// The room broadcast already reconciled the entry; only the ack was lost.
			m.sends.Confirm(mut.LocalID)
			return canonical, nil
		}
		if _, ok := m.sends.Rollback(mut.LocalID); ok {
			m.timelines.Update(conversationID, func(t reconcile.Timeline, exists bool) (reconcile.Timeline, bool) {
				if !exists {
					return t, false
				}
				return t.RemoveProvisional(tempID)
			})
		}
		m.logger.Warn("send failed", "conversation", conversationID, "temp_id", tempID, "error", err)
		return model.Message{}, &reconcile.MutationError{Kind: reconcile.KindMessage, Key: tempID, Err: err}
	}
	m.sends.Confirm(mut.LocalID)

	canonical, ok := decodeMessage(data)
	if !ok {
		// No canonical copy in the ack: the room broadcast reconciles the entry
		// by sender and content.
		m.logger.Debug("send acknowledged without message", "temp_id", tempID)
		return provisional, nil
	}
	if canonical.ConversationID == "" {
		canonical.ConversationID = conversationID
	}

	m.timelines.Update(conversationID, func(t reconcile.Timeline, exists bool) (reconcile.Timeline, bool) {
		if !exists {
			return t, false
		}
		next, out := t.ConfirmProvisional(tempID, canonical)
		return next, out.Changed()
	})
	return canonical, nil
}

// MarkAsRead marks messageIDs read, or every unread message from the peer when
// messageIDs is empty. Only ids that actually flipped are sent; on failure the
// ones the server has not confirmed by other means are flipped back.
func (m *Manager) MarkAsRead(ctx context.Context, conversationID string, messageIDs []string) error {
	conv, ok := m.conversation(conversationID)
	if !ok {
		return ErrConversationNotOpen
	}

	var flipped []string
	m.timelines.Update(conversationID, func(t reconcile.Timeline, exists bool) (reconcile.Timeline, bool) {
		if !exists {
			return t, false
		}
		ids := messageIDs
		if len(ids) == 0 {
			ids = t.Unread(m.cfg.Self)
		}
		next, f := t.MarkRead(ids)
		flipped = f
		return next, len(f) > 0
	})
	if len(flipped) == 0 {
		return nil
	}

	batch := m.reads.Begin(conversationID, flipped)

	ctx, cancel := m.confirmContext(ctx)
	defer cancel()

	_, err := m.conn.EmitWithAck(ctx, protocol.EventMarkAsRead, protocol.MarkAsRead{
		MessageIDs: flipped,
		SenderID:   conv.PeerID,
		ReceiverID: m.cfg.Self,
	})
	if err != nil {
		if remaining, ok := m.reads.Rollback(batch.LocalID); ok && len(remaining) > 0 {
			m.timelines.Update(conversationID, func(t reconcile.Timeline, exists bool) (reconcile.Timeline, bool) {
				if !exists {
					return t, false
				}
				return t.UnmarkRead(remaining)
			})
		}
		return &reconcile.MutationError{Kind: reconcile.KindRead, Key: conversationID, Err: err}
	}
	m.reads.Confirm(batch.LocalID)
	return nil
}

// StartTyping tells the peer the local user is typing. Typing indicators are
// never queued: offline, it fails with connection.ErrNotConnected.
func (m *Manager) StartTyping(conversationID string) error {
	return m.sendTyping(conversationID, protocol.EventTyping)
}

// StopTyping clears the local user's typing indicator at the peer.
func (m *Manager) StopTyping(conversationID string) error {
	return m.sendTyping(conversationID, protocol.EventStopTyping)
}

func (m *Manager) sendTyping(conversationID string, event protocol.EventName) error {
	conv, ok := m.conversation(conversationID)
	if !ok {
		return ErrConversationNotOpen
	}
	return m.conn.Send(event, protocol.Typing{SenderID: m.cfg.Self, ReceiverID: conv.PeerID})
}

// Typing reports whether the peer of an open conversation is typing.
func (m *Manager) Typing(conversationID string) bool {
	conv, ok := m.conversation(conversationID)
	if !ok {
		return false
	}
	return m.typing.active(conv.PeerID)
}

// WatchTyping registers fn for typing indicator changes keyed by peer id.
func (m *Manager) WatchTyping(fn func(userID string, typing bool)) func() {
	return m.typing.state.Watch(func(id string, v bool, deleted bool) {
		fn(id, v && !deleted)
	})
}

// Refetch reloads the baseline of every open conversation and merges it.
func (m *Manager) Refetch(ctx context.Context) error {
	var errs []error
	for _, id := range m.Conversations() {
		if err := m.load(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset forgets every conversation without leaving rooms. It is used on
// session teardown, when the room tracker is reset as well.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.convs = make(map[string]*openConversation)
	m.mu.Unlock()
	m.timelines.Clear()
	m.typing.reset()
}

// Attach subscribes the manager to conversation events on d.
func (m *Manager) Attach(d *dispatch.Dispatcher) dispatch.Unsubscribe {
	unsubs := []dispatch.Unsubscribe{
		dispatch.Handle(d, protocol.EventNewMessage, m.handleNewMessage),
		dispatch.Handle(d, protocol.EventMessageRead, m.handleMessageRead),
		dispatch.Handle(d, protocol.EventMessageDeleted, m.handleMessageDeleted),
		dispatch.Handle(d, protocol.EventUserTyping, func(t protocol.Typing) error {
			if t.SenderID != "" && t.SenderID != m.cfg.Self {
				m.typing.set(t.SenderID)
			}
			return nil
		}),
		dispatch.Handle(d, protocol.EventUserStopTyping, func(t protocol.Typing) error {
			m.typing.clear(t.SenderID)
			return nil
		}),
		d.On(protocol.EventDisconnect, func(protocol.Event) error {
			m.typing.reset()
			return nil
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (m *Manager) handleNewMessage(msg model.Message) error {
	convID, ok := m.route(msg)
	if !ok {
		m.logger.Debug("message for closed conversation", "id", msg.ID, "conversation", msg.ConversationID)
		return nil
	}
	if msg.ConversationID == "" {
		msg.ConversationID = convID
	}

	m.timelines.Update(convID, func(t reconcile.Timeline, exists bool) (reconcile.Timeline, bool) {
		if !exists {
			t = reconcile.NewTimeline(convID, nil)
		}
		next, out := t.ApplyIncoming(msg, m.cfg.Self, m.cfg.DedupeWindow)
		return next, out.Changed()
	})
	if msg.SenderID != m.cfg.Self {
		m.typing.clear(msg.SenderID)
	}
	return nil
}

func (m *Manager) handleMessageRead(r protocol.MessageRead) error {
	m.reads.Acknowledge(r.MessageIDs)
	for _, id := range m.Conversations() {
		m.timelines.Update(id, func(t reconcile.Timeline, exists bool) (reconcile.Timeline, bool) {
			if !exists {
				return t, false
			}
			next, flipped := t.MarkRead(r.MessageIDs)
			return next, len(flipped) > 0
		})
	}
	return nil
}

func (m *Manager) handleMessageDeleted(d protocol.MessageDeleted) error {
	if d.MessageID == "" {
		return errors.New("message_deleted without messageId")
	}
	for _, id := range m.Conversations() {
		m.timelines.Update(id, func(t reconcile.Timeline, exists bool) (reconcile.Timeline, bool) {
			if !exists {
				return t, false
			}
			return t.Delete(d.MessageID)
		})
	}
	return nil
}

// route finds the open conversation a message belongs to, by id or by peer.
func (m *Manager) route(msg model.Message) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ConversationID != "" {
		_, ok := m.convs[msg.ConversationID]
		return msg.ConversationID, ok
	}

	peer := msg.SenderID
	if peer == m.cfg.Self {
		peer = msg.ReceiverID
	}
	for id, c := range m.convs {
		if c.PeerID == peer {
			return id, true
		}
	}
	return "", false
}

// delivered returns the canonical message a provisional entry was reconciled to.
func (m *Manager) delivered(conversationID, tempID string) (model.Message, bool) {
	t, ok := m.timelines.Get(conversationID)
	if !ok {
		return model.Message{}, false
	}
	id, ok := t.Resolved(tempID)
	if !ok {
		return model.Message{}, false
	}
	return t.Get(id)
}

func (m *Manager) conversation(id string) (model.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return model.Conversation{}, false
	}
	return c.Conversation, true
}

func (m *Manager) load(ctx context.Context, conversationID string) error {
	baseline, err := m.backend.RecentMessages(ctx, conversationID, m.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	m.timelines.Update(conversationID, func(t reconcile.Timeline, exists bool) (reconcile.Timeline, bool) {
		if _, open := m.conversation(conversationID); !open {
			return t, false
		}
		if !exists {
			return reconcile.NewTimeline(conversationID, baseline), true
		}
		return t.Merge(baseline, m.cfg.Self, m.cfg.DedupeWindow)
	})
	return nil
}

func (m *Manager) confirmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || m.cfg.ConfirmTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.cfg.ConfirmTimeout)
}

// decodeMessage extracts a canonical message from an acknowledgment payload.
func decodeMessage(data []byte) (model.Message, bool) {
	if len(data) == 0 {
		return model.Message{}, false
	}
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.Message{}, false
	}
	if msg.ID == "" || msg.Provisional() {
		return model.Message{}, false
	}
	return msg, true
}
