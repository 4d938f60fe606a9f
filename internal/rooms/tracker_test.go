package rooms

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/socialsync/internal/protocol"
)

type sent struct {
	event protocol.EventName
	room  string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) Send(event protocol.EventName, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{event: event, room: data.(string)})
	return nil
}

func (f *fakeSender) count(event protocol.EventName, room protocol.RoomID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.event == event && s.room == string(room) {
			n++
		}
	}
	return n
}

func TestTracker_JoinsBeforeConnectEmitOnce(t *testing.T) {
	tr := NewTracker(nil)
	post := protocol.PostRoom("42")

	tr.Join(post)
	tr.Join(post)

	s := &fakeSender{}
	require.NoError(t, tr.Replay(s))

	assert.Equal(t, 1, s.count(protocol.EventJoinRoom, post))
	assert.Equal(t, 2, tr.RefCount(post))
}

func TestTracker_JoinWhileLive(t *testing.T) {
	tr := NewTracker(nil)
	s := &fakeSender{}
	require.NoError(t, tr.Replay(s))

	room := protocol.ConversationRoom("c1")
	tr.Join(room)
	tr.Join(room)
	assert.Equal(t, 1, s.count(protocol.EventJoinRoom, room), "second reference must not re-join")

	tr.Leave(room)
	assert.Equal(t, 0, s.count(protocol.EventLeaveRoom, room), "room still referenced")
	assert.True(t, tr.Has(room))

	tr.Leave(room)
	assert.Equal(t, 1, s.count(protocol.EventLeaveRoom, room))
	assert.False(t, tr.Has(room))

	tr.Leave(room)
	assert.Equal(t, 1, s.count(protocol.EventLeaveRoom, room), "leaving an unheld room is a no-op")
}

func TestTracker_RejoinCompleteness(t *testing.T) {
	tr := NewTracker(nil)
	first := &fakeSender{}
	require.NoError(t, tr.Replay(first))

	held := []protocol.RoomID{protocol.PostRoom("1"), protocol.ConversationRoom("c1"), protocol.UserRoom("alice")}
	for _, r := range held {
		tr.Join(r)
	}
	tr.Join(held[0]) // extra reference

	tr.MarkOffline()

	// Changes while offline are recorded but not written.
	tr.Leave(held[1])
	tr.Join(protocol.PostRoom("2"))
	assert.Len(t, first.sent, 3)

	second := &fakeSender{}
	require.NoError(t, tr.Replay(second))

	want := []protocol.RoomID{protocol.PostRoom("1"), protocol.PostRoom("2"), protocol.UserRoom("alice")}
	assert.Equal(t, want, tr.Members())
	assert.Len(t, second.sent, len(want))
	for _, r := range want {
		assert.Equal(t, 1, second.count(protocol.EventJoinRoom, r), "room %s", r)
	}
	assert.Equal(t, 0, second.count(protocol.EventLeaveRoom, held[1]))
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker(nil)
	s := &fakeSender{}
	require.NoError(t, tr.Replay(s))
	tr.Join(protocol.PostRoom("1"))

	tr.Reset()
	assert.Empty(t, tr.Members())
	assert.False(t, tr.Stats().Live)

	tr.Join(protocol.PostRoom("3"))
	assert.Equal(t, 1, len(s.sent), "reset tracker is offline until the next replay")
}

func TestTracker_InvalidRoomIgnored(t *testing.T) {
	tr := NewTracker(nil)
	tr.Join(protocol.RoomID("nonsense"))
	tr.Join(protocol.PostRoom(""))
	assert.Empty(t, tr.Members())
}

func TestTracker_FailedJoinRetriedOnReplay(t *testing.T) {
	tr := NewTracker(nil)
	broken := &fakeSender{err: errors.New("write: broken pipe")}
	require.NoError(t, tr.Replay(broken))

	room := protocol.PostRoom("9")
	tr.Join(room)
	assert.True(t, tr.Has(room))

	tr.MarkOffline()
	s := &fakeSender{}
	require.NoError(t, tr.Replay(s))
	assert.Equal(t, 1, s.count(protocol.EventJoinRoom, room))
}

func TestTracker_HooksAndStats(t *testing.T) {
	tr := NewTracker(nil)
	h := tr.Hooks()
	require.NotNil(t, h.OnConnected)
	require.NotNil(t, h.OnDisconnected)
	require.NotNil(t, h.OnTeardown)

	s := &fakeSender{}
	tr.Join(protocol.PostRoom("1"))
	require.NoError(t, h.OnConnected(s))
	tr.Leave(protocol.PostRoom("1"))

	stats := tr.Stats()
	assert.Equal(t, Stats{Rooms: 0, Joins: 1, Leaves: 1, Live: true}, stats)

	h.OnDisconnected()
	assert.False(t, tr.Stats().Live)
}

func TestTracker_ConcurrentJoinsDuringReplay(t *testing.T) {
	tr := NewTracker(nil)
	s := &fakeSender{}
	room := protocol.PostRoom("42")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Join(room)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tr.Replay(s)
	}()
	wg.Wait()

	assert.Equal(t, 1, s.count(protocol.EventJoinRoom, room))
	assert.Equal(t, 20, tr.RefCount(room))
}
