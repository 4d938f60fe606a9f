package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/connection/connectiontest"
	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/reconcile"
	"github.com/rickgao/socialsync/internal/rooms"
)

const (
	alice = "alice"
	bob   = "bob"
)

var (
	t0   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv = model.Conversation{ID: "c1", PeerID: bob}
)

type fakeBackend struct {
	mu    sync.Mutex
	pages map[string][]model.Message
	err   error
	calls int
}

func (f *fakeBackend) RecentMessages(_ context.Context, conversationID string, _ int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Message(nil), f.pages[conversationID]...), nil
}

func (f *fakeBackend) set(conversationID string, msgs ...model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages == nil {
		f.pages = make(map[string][]model.Message)
	}
	f.pages[conversationID] = msgs
}

type harness struct {
	m       *Manager
	conn    *connectiontest.Recorder
	rooms   *rooms.Tracker
	d       *dispatch.Dispatcher
	backend *fakeBackend
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Self == "" {
		cfg.Self = alice
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = time.Minute
	}

	h := &harness{
		conn:    connectiontest.New(),
		rooms:   rooms.NewTracker(nil),
		d:       dispatch.New(nil),
		backend: &fakeBackend{},
	}
	require.NoError(t, h.rooms.Replay(h.conn))
	h.m = NewManager(cfg, h.conn, h.rooms, h.backend, nil)
	h.m.now = func() time.Time { return t0.Add(time.Minute) }
	t.Cleanup(h.m.Attach(h.d))

	h.backend.set("c1",
		model.Message{ID: "msg-1", ConversationID: "c1", SenderID: bob, ReceiverID: alice, Content: "hi", CreatedAt: t0},
		model.Message{ID: "msg-2", ConversationID: "c1", SenderID: bob, ReceiverID: alice, Content: "there", CreatedAt: t0.Add(time.Second)},
	)
	return h
}

func (h *harness) deliver(t *testing.T, name protocol.EventName, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	h.d.Dispatch(protocol.Event{Name: name, Data: data, ReceivedAt: time.Now()})
}

func (h *harness) ids(t *testing.T) []string {
	t.Helper()
	tl, ok := h.m.Timeline("c1")
	require.True(t, ok)
	out := make([]string, 0, len(tl.Messages))
	for _, msg := range tl.Messages {
		out = append(out, msg.ID)
	}
	return out
}

func canonicalAck(id string) connectiontest.Responder {
	return func(event protocol.EventName, data json.RawMessage) ([]byte, error) {
		var req protocol.SendMessage
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return json.Marshal(model.Message{
			ID:             id,
			ConversationID: "c1",
			SenderID:       req.SenderID,
			ReceiverID:     req.ReceiverID,
			Content:        req.Content,
			CreatedAt:      t0.Add(time.Minute + 100*time.Millisecond),
		})
	}
}

func TestOpenConversation_JoinsOnceAndLoadsBaseline(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.m.OpenConversation(ctx, conv))
	require.NoError(t, h.m.OpenConversation(ctx, conv))

	assert.Equal(t, []string{"conversation:c1"}, h.conn.Rooms(protocol.EventJoinRoom))
	assert.Equal(t, 1, h.backend.calls, "baseline loaded on first open only")
	assert.Equal(t, []string{"msg-1", "msg-2"}, h.ids(t))

	h.m.CloseConversation("c1")
	assert.Empty(t, h.conn.Rooms(protocol.EventLeaveRoom))
	_, ok := h.m.Timeline("c1")
	assert.True(t, ok, "still referenced")

	h.m.CloseConversation("c1")
	assert.Equal(t, []string{"conversation:c1"}, h.conn.Rooms(protocol.EventLeaveRoom))
	_, ok = h.m.Timeline("c1")
	assert.False(t, ok)
	assert.Empty(t, h.m.Conversations())
}

func TestOpenConversation_Errors(t *testing.T) {
	h := newHarness(t, Config{})

	assert.ErrorIs(t, h.m.OpenConversation(context.Background(), model.Conversation{ID: "c1"}), ErrInvalidConversation)

	boom := errors.New("backend down")
	h.backend.err = boom
	err := h.m.OpenConversation(context.Background(), conv)
	require.ErrorIs(t, err, boom)

	assert.Empty(t, h.m.Conversations())
	assert.False(t, h.rooms.Has(protocol.ConversationRoom("c1")), "failed open releases the room")
}

func TestSendMessage_AckThenBroadcastLeavesOneEntry(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))
	h.conn.Respond(canonicalAck("msg-99"))

	msg, err := h.m.SendMessage(context.Background(), "c1", "how are you")
	require.NoError(t, err)
	assert.Equal(t, "msg-99", msg.ID)
	assert.Equal(t, []string{"msg-1", "msg-2", "msg-99"}, h.ids(t))

	h.deliver(t, protocol.EventNewMessage, model.Message{
		ID: "msg-99", ConversationID: "c1", SenderID: alice, ReceiverID: bob,
		Content: "how are you", CreatedAt: t0.Add(time.Minute),
	})
	assert.Equal(t, []string{"msg-1", "msg-2", "msg-99"}, h.ids(t))

	tl, _ := h.m.Timeline("c1")
	last := tl.Messages[2]
	assert.Equal(t, model.DeliveryDelivered, last.Status)
	assert.True(t, model.IsTempID(last.TempID))
}

func TestSendMessage_BroadcastBeforeAckLeavesOneEntry(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	ack := canonicalAck("msg-99")
	h.conn.Respond(func(event protocol.EventName, data json.RawMessage) ([]byte, error) {
		h.deliver(t, protocol.EventNewMessage, model.Message{
			ID: "msg-99", ConversationID: "c1", SenderID: alice, ReceiverID: bob,
			Content: "how are you", CreatedAt: t0.Add(time.Minute),
		})
		return ack(event, data)
	})

	_, err := h.m.SendMessage(context.Background(), "c1", "how are you")
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1", "msg-2", "msg-99"}, h.ids(t))
}

func TestSendMessage_PayloadCarriesPeerAndTempID(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))
	h.conn.Respond(canonicalAck("msg-5"))

	_, err := h.m.SendMessage(context.Background(), "c1", "pic", "https://cdn/x.png")
	require.NoError(t, err)

	frames := h.conn.Named(protocol.EventSendMessage)
	require.Len(t, frames, 1)
	var req protocol.SendMessage
	require.NoError(t, frames[0].Decode(&req))
	assert.Equal(t, bob, req.ReceiverID)
	assert.Equal(t, alice, req.SenderID)
	assert.Equal(t, []string{"https://cdn/x.png"}, req.Media)
	assert.True(t, model.IsTempID(req.TempID))
}

func TestSendMessage_FailureRestoresSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))
	before, _ := h.m.Timeline("c1")

	rejected := &protocol.ServerError{Code: "VALIDATION", Message: "blocked"}
	h.conn.Respond(func(protocol.EventName, json.RawMessage) ([]byte, error) {
		return nil, rejected
	})

	_, err := h.m.SendMessage(context.Background(), "c1", "spam")
	require.Error(t, err)

	var mutErr *reconcile.MutationError
	require.ErrorAs(t, err, &mutErr)
	assert.Equal(t, reconcile.KindMessage, mutErr.Kind)
	assert.ErrorIs(t, err, rejected)

	after, _ := h.m.Timeline("c1")
	assert.Equal(t, before, after)
}

func TestSendMessage_DisconnectBeforeAckRollsBack(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))
	h.conn.Respond(func(protocol.EventName, json.RawMessage) ([]byte, error) {
		return nil, connection.ErrDisconnected
	})

	_, err := h.m.SendMessage(context.Background(), "c1", "hello?")
	assert.ErrorIs(t, err, connection.ErrDisconnected)
	assert.Equal(t, []string{"msg-1", "msg-2"}, h.ids(t))
}

func TestSendMessage_AckWithoutMessageReconciledByBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	msg, err := h.m.SendMessage(context.Background(), "c1", "ok")
	require.NoError(t, err)
	assert.True(t, msg.Provisional())
	assert.Equal(t, []string{"msg-1", "msg-2", msg.ID}, h.ids(t))

	h.deliver(t, protocol.EventNewMessage, model.Message{
		ID: "msg-7", ConversationID: "c1", SenderID: alice, ReceiverID: bob,
		Content: "ok", CreatedAt: t0.Add(time.Minute + time.Second),
	})
	assert.Equal(t, []string{"msg-1", "msg-2", "msg-7"}, h.ids(t))
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.m.SendMessage(context.Background(), "c1", "hi")
	assert.ErrorIs(t, err, ErrConversationNotOpen)

	require.NoError(t, h.m.OpenConversation(context.Background(), conv))
	_, err = h.m.SendMessage(context.Background(), "c1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, h.conn.Named(protocol.EventSendMessage))
}

func TestNewMessage_IdempotentAndRoutedByPeer(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	var commits int
	stop := h.m.Watch(func(string, reconcile.Timeline) { commits++ })
	defer stop()

	incoming := model.Message{ID: "msg-3", SenderID: bob, ReceiverID: alice, Content: "yo", CreatedAt: t0.Add(2 * time.Second)}
	h.deliver(t, protocol.EventNewMessage, incoming)
	h.deliver(t, protocol.EventNewMessage, incoming)

	assert.Equal(t, []string{"msg-1", "msg-2", "msg-3"}, h.ids(t))
	assert.Equal(t, 1, commits, "duplicate delivery must not commit")

	tl, _ := h.m.Timeline("c1")
	assert.Equal(t, "c1", tl.Messages[2].ConversationID)
}

func TestNewMessage_ClosedConversationIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.deliver(t, protocol.EventNewMessage, model.Message{ID: "msg-3", ConversationID: "c9", SenderID: "carol"})
	_, ok := h.m.Timeline("c9")
	assert.False(t, ok)
}

func TestMessageDeleted(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	h.deliver(t, protocol.EventMessageDeleted, protocol.MessageDeleted{MessageID: "msg-1"})
	h.deliver(t, protocol.EventMessageDeleted, protocol.MessageDeleted{MessageID: "msg-1"})
	assert.Equal(t, []string{"msg-2"}, h.ids(t))
}

func TestMarkAsRead_SendsOnlyFlippedIDs(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))
	h.deliver(t, protocol.EventMessageRead, protocol.MessageRead{MessageIDs: []string{"msg-1"}, ModifiedCount: 1})

	require.NoError(t, h.m.MarkAsRead(context.Background(), "c1", nil))

	frames := h.conn.Named(protocol.EventMarkAsRead)
	require.Len(t, frames, 1)
	var req protocol.MarkAsRead
	require.NoError(t, frames[0].Decode(&req))
	assert.Equal(t, []string{"msg-2"}, req.MessageIDs)
	assert.Equal(t, bob, req.SenderID)
	assert.Equal(t, alice, req.ReceiverID)

	tl, _ := h.m.Timeline("c1")
	assert.Empty(t, tl.Unread(alice))

	require.NoError(t, h.m.MarkAsRead(context.Background(), "c1", nil))
	assert.Len(t, h.conn.Named(protocol.EventMarkAsRead), 1, "nothing left to mark")
}

func TestMarkAsRead_FailureRestoresSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))
	before, _ := h.m.Timeline("c1")

	h.conn.Respond(func(protocol.EventName, json.RawMessage) ([]byte, error) {
		return nil, connection.ErrAckTimeout
	})

	err := h.m.MarkAsRead(context.Background(), "c1", []string{"msg-1", "msg-2"})
	assert.ErrorIs(t, err, connection.ErrAckTimeout)

	after, _ := h.m.Timeline("c1")
	assert.Equal(t, before, after)
}

func TestMarkAsRead_FailureKeepsServerConfirmedIDs(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	h.conn.Respond(func(protocol.EventName, json.RawMessage) ([]byte, error) {
		h.deliver(t, protocol.EventMessageRead, protocol.MessageRead{MessageIDs: []string{"msg-1"}, ModifiedCount: 1})
		return nil, connection.ErrDisconnected
	})

	require.Error(t, h.m.MarkAsRead(context.Background(), "c1", nil))

	tl, _ := h.m.Timeline("c1")
	assert.Equal(t, []string{"msg-2"}, tl.Unread(alice), "msg-1 was confirmed and stays read")
}

func TestTyping(t *testing.T) {
	h := newHarness(t, Config{TypingTTL: 50 * time.Millisecond})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	h.deliver(t, protocol.EventUserTyping, protocol.Typing{SenderID: bob, ReceiverID: alice})
	assert.True(t, h.m.Typing("c1"))

	h.deliver(t, protocol.EventUserStopTyping, protocol.Typing{SenderID: bob, ReceiverID: alice})
	assert.False(t, h.m.Typing("c1"))

	h.deliver(t, protocol.EventUserTyping, protocol.Typing{SenderID: bob, ReceiverID: alice})
	assert.Eventually(t, func() bool { return !h.m.Typing("c1") }, time.Second, 10*time.Millisecond,
		"indicator expires without a stop event")

	h.deliver(t, protocol.EventUserTyping, protocol.Typing{SenderID: bob, ReceiverID: alice})
	h.deliver(t, protocol.EventNewMessage, model.Message{ID: "msg-9", ConversationID: "c1", SenderID: bob, Content: "done"})
	assert.False(t, h.m.Typing("c1"), "a message from the peer ends typing")
}

func TestStartStopTyping(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	require.NoError(t, h.m.StartTyping("c1"))
	require.NoError(t, h.m.StopTyping("c1"))

	var typing protocol.Typing
	frames := h.conn.Named(protocol.EventTyping)
	require.Len(t, frames, 1)
	require.NoError(t, frames[0].Decode(&typing))
	assert.Equal(t, protocol.Typing{SenderID: alice, ReceiverID: bob}, typing)
	assert.Len(t, h.conn.Named(protocol.EventStopTyping), 1)

	h.conn.SetOffline(true)
	assert.ErrorIs(t, h.m.StartTyping("c1"), connection.ErrNotConnected)
	assert.ErrorIs(t, h.m.StartTyping("c9"), ErrConversationNotOpen)
}

func TestRefetch_MergesWithoutDroppingProvisional(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	pending, err := h.m.SendMessage(context.Background(), "c1", "queued")
	require.NoError(t, err)
	require.True(t, pending.Provisional())

	h.backend.set("c1",
		model.Message{ID: "msg-1", ConversationID: "c1", SenderID: bob, Content: "hi", CreatedAt: t0, Read: true},
		model.Message{ID: "msg-2", ConversationID: "c1", SenderID: bob, Content: "there", CreatedAt: t0.Add(time.Second)},
		model.Message{ID: "msg-4", ConversationID: "c1", SenderID: bob, Content: "missed", CreatedAt: t0.Add(3 * time.Second)},
	)
	require.NoError(t, h.m.Refetch(context.Background()))

	assert.Equal(t, []string{"msg-1", "msg-2", "msg-4", pending.ID}, h.ids(t))
	tl, _ := h.m.Timeline("c1")
	assert.True(t, tl.Messages[0].Read)
}

func TestRefetch_JoinsErrors(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	h.backend.err = errors.New("timeout")
	assert.ErrorContains(t, h.m.Refetch(context.Background()), "load conversation c1")
}

func TestReset(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	h.m.Reset()
	assert.Empty(t, h.m.Conversations())
	_, ok := h.m.Timeline("c1")
	assert.False(t, ok)
}

func TestSendMessage_LostAckAfterBroadcastSucceeds(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.OpenConversation(context.Background(), conv))

	h.conn.Respond(func(protocol.EventName, json.RawMessage) ([]byte, error) {
		h.deliver(t, protocol.EventNewMessage, model.Message{
			ID: "msg-42", ConversationID: "c1", SenderID: alice, ReceiverID: bob,
			Content: "made it", CreatedAt: t0.Add(time.Minute),
		})
		return nil, connection.ErrDisconnected
	})

	msg, err := h.m.SendMessage(context.Background(), "c1", "made it")
	require.NoError(t, err)
	assert.Equal(t, "msg-42", msg.ID)
	assert.Equal(t, []string{"msg-1", "msg-2", "msg-42"}, h.ids(t))
}
