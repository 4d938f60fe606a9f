package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/socialsync/internal/auth"
	"github.com/rickgao/socialsync/internal/config"
	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/protocol"
)

var alice = auth.Identity{UserID: "alice", Token: "tok-alice"}

// backend serves the REST API and the realtime socket from one server.
type backend struct {
	*httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []protocol.Frame
	auth   []string
	likes  int
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{likes: 5}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/posts/42/likes", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.auth = append(b.auth, r.Header.Get("Authorization"))
		count := b.likes
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"count": count, "isLiked": false})
	})
	mux.HandleFunc("/api/posts/42/comments", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"comments": []any{}})
	})
	mux.HandleFunc("/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"notifications": []map[string]any{
				{"_id": "n1", "type": "like", "senderId": "bob", "content": "bob liked your post", "createdAt": "2024-05-01T12:00:00Z"},
			},
			"unreadCount": 1,
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.DecodeFrame(data)
			if err != nil {
				t.Errorf("invalid frame %q: %v", data, err)
				return
			}
			b.mu.Lock()
			b.frames = append(b.frames, f)
			b.mu.Unlock()
			b.answer(t, f)
		}
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *backend) answer(t *testing.T, f protocol.Frame) {
	switch f.Event {
	case protocol.EventGetOnlineUsers:
		b.push(t, protocol.EventGetUsersOnline, []string{"bob"}, 0)
	case protocol.EventPostLike:
		var req protocol.PostLike
		if err := json.Unmarshal(f.Data, &req); err != nil {
			t.Errorf("post:like payload: %v", err)
			return
		}
		b.mu.Lock()
		b.likes++
		count := b.likes
		b.mu.Unlock()
		b.push(t, protocol.EventPostLikeUpdate, protocol.PostLikeUpdate{
			PostID: req.PostID, UserID: req.UserID, Action: req.Action, Count: count,
		}, 0)
		b.push(t, protocol.EventAck, nil, f.Ack)
	}
}

func (b *backend) push(t *testing.T, event protocol.EventName, data any, ack int64) {
	out, err := protocol.EncodeFrame(event, data, ack)
	if err != nil {
		t.Errorf("encode %s: %v", event, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.WriteMessage(websocket.TextMessage, out)
	}
}

func (b *backend) sent(event protocol.EventName) []protocol.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Frame
	for _, f := range b.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (b *backend) joined(room string) bool {
	for _, f := range b.sent(protocol.EventJoinRoom) {
		var r string
		if json.Unmarshal(f.Data, &r) == nil && r == room {
			return true
		}
	}
	return false
}

func testConfig(b *backend) *config.Config {
	return &config.Config{
		API: config.APIConfig{
			RestURL:      b.URL,
			WSURL:        "ws" + strings.TrimPrefix(b.URL, "http") + "/ws",
			Timeout:      2 * time.Second,
			MaxRetries:   0,
			RetryBackoff: 10 * time.Millisecond,
		},
		Connection: config.ConnectionConfig{
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
			MaxAttempts:        3,
			PingTimeout:        5 * time.Second,
			WriteTimeout:       time.Second,
			AckTimeout:         2 * time.Second,
			BufferSize:         64,
			QueueSize:          16,
		},
		Mutations: config.MutationsConfig{
			ConfirmTimeout: 2 * time.Second,
			DedupeWindow:   time.Minute,
			TypingTTL:      time.Second,
		},
		Refresh: config.RefreshConfig{Concurrency: 2, Timeout: time.Second, PageSize: 30},
	}
}

func openSession(t *testing.T) (*Session, *backend) {
	t.Helper()
	b := newBackend(t)
	s := New(testConfig(b), nil)
	require.NoError(t, s.Open(context.Background(), alice))
	t.Cleanup(func() { s.Close(context.Background()) })

	require.Eventually(t, func() bool { return s.State() == connection.StateConnected }, 3*time.Second, 5*time.Millisecond)
	return s, b
}

func TestSession_OpenConnectsAndRequestsPresence(t *testing.T) {
	s, b := openSession(t)

	require.Eventually(t, func() bool { return s.Presence().IsOnline("bob") }, 3*time.Second, 5*time.Millisecond)
	register := b.sent(protocol.EventRegisterUser)
	require.Len(t, register, 1)
	assert.JSONEq(t, `{"userId":"alice"}`, string(register[0].Data))
	assert.Equal(t, alice, s.Identity())
}

func TestSession_LikeRoundTrip(t *testing.T) {
	s, b := openSession(t)
	ctx := context.Background()

	require.NoError(t, s.Likes().Track(ctx, "42"))
	require.NoError(t, s.Comments().Open(ctx, "42"))
	require.Eventually(t, func() bool { return b.joined("post:42") }, 3*time.Second, 5*time.Millisecond)
	assert.Len(t, b.sent(protocol.EventJoinRoom), 1, "likes and comments share the post room")

	_, err := s.Likes().ToggleLike(ctx, "42")
	require.NoError(t, err)

	want := model.LikeState{PostID: "42", Count: 6, Liked: true}
	require.Eventually(t, func() bool {
		st, _ := s.Likes().State("42")
		return st == want
	}, 3*time.Second, 5*time.Millisecond)

	// The echo must not have been counted a second time.
	time.Sleep(50 * time.Millisecond)
	st, _ := s.Likes().State("42")
	assert.Equal(t, want, st)

	b.mu.Lock()
	assert.Contains(t, b.auth, "Bearer tok-alice")
	b.mu.Unlock()
}

func TestSession_Notifications(t *testing.T) {
	s, b := openSession(t)
	ctx := context.Background()

	require.NoError(t, s.Notifications().Start(ctx))
	assert.Equal(t, 1, s.Notifications().Unread())
	require.Eventually(t, func() bool { return b.joined("user:alice") }, 3*time.Second, 5*time.Millisecond)

	b.push(t, protocol.EventNotificationNew, model.Notification{ID: "n2", Type: "comment", ActorID: "bob", CreatedAt: time.Now().UTC()}, 0)
	require.Eventually(t, func() bool { return s.Notifications().Unread() == 2 }, 3*time.Second, 5*time.Millisecond)

	stats := s.Stats()
	assert.Equal(t, "connected", stats.State)
	assert.Equal(t, 2, stats.Unread)
	assert.Contains(t, stats.JoinedRooms, protocol.UserRoom("alice"))
}

func TestSession_CloseClearsState(t *testing.T) {
	s, _ := openSession(t)
	ctx := context.Background()
	require.NoError(t, s.Likes().Track(ctx, "42"))

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, connection.StateDisconnected, s.State())
	_, ok := s.Likes().State("42")
	assert.False(t, ok)
	assert.Empty(t, s.Presence().Online())
	assert.Zero(t, s.Stats().Rooms.Rooms)

	require.NoError(t, s.Close(ctx), "second close is a no-op")
	assert.ErrorIs(t, s.Open(ctx, alice), ErrClosed)
}

func TestSession_Lifecycle(t *testing.T) {
	b := newBackend(t)
	s := New(testConfig(b), nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Close(ctx), ErrNotOpen)
	assert.ErrorIs(t, s.Reconnect(ctx), ErrNotOpen)
	assert.ErrorIs(t, s.Open(ctx, auth.Identity{}), connection.ErrInvalidIdentity)
	assert.Nil(t, s.Likes())

	require.NoError(t, s.Open(ctx, alice))
	assert.ErrorIs(t, s.Open(ctx, alice), ErrAlreadyOpen)
	require.NoError(t, s.Close(ctx))
}
