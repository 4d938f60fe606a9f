package dispatch

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/socialsync/internal/protocol"
)

func event(name protocol.EventName, payload string) protocol.Event {
	return protocol.Event{Name: name, Data: json.RawMessage(payload)}
}

func TestDispatcher_OnDispatch(t *testing.T) {
	d := New(nil)

	var a, b int32
	d.On(protocol.EventNewMessage, func(protocol.Event) error { atomic.AddInt32(&a, 1); return nil })
	d.On(protocol.EventNewMessage, func(protocol.Event) error { atomic.AddInt32(&b, 1); return nil })
	d.On(protocol.EventMessageRead, func(protocol.Event) error { t.Error("wrong event"); return nil })

	d.Dispatch(event(protocol.EventNewMessage, `{}`))

	assert.EqualValues(t, 1, atomic.LoadInt32(&a))
	assert.EqualValues(t, 1, atomic.LoadInt32(&b))
	assert.Equal(t, 2, d.HandlerCount(protocol.EventNewMessage))
}

func TestDispatcher_UnsubscribeAndOffAreEquivalent(t *testing.T) {
	d := New(nil)

	var calls int32
	h := func(protocol.Event) error { atomic.AddInt32(&calls, 1); return nil }

	unsub := d.On(protocol.EventUserTyping, h)
	id := d.Register(protocol.EventUserTyping, h)
	require.Equal(t, 2, d.HandlerCount(protocol.EventUserTyping))

	unsub()
	unsub() // second call is a no-op
	d.Off(protocol.EventUserTyping, id)

	d.Dispatch(event(protocol.EventUserTyping, `{}`))
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
	assert.Equal(t, 0, d.HandlerCount(protocol.EventUserTyping))
	assert.EqualValues(t, 1, d.Stats().Unhandled)
}

func TestDispatcher_IsolatesFailingHandlers(t *testing.T) {
	d := New(nil)

	var ran int32
	d.On(protocol.EventNewComment, func(protocol.Event) error { panic("boom") })
	d.On(protocol.EventNewComment, func(protocol.Event) error { return errors.New("bad payload") })
	d.On(protocol.EventNewComment, func(protocol.Event) error { atomic.AddInt32(&ran, 1); return nil })

	assert.NotPanics(t, func() {
		d.Dispatch(event(protocol.EventNewComment, `{}`))
	})
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
	assert.EqualValues(t, 2, d.Stats().Failures)
}

func TestDispatcher_RejectsOutboundNames(t *testing.T) {
	d := New(nil)
	assert.Panics(t, func() {
		d.On(protocol.EventJoinRoom, func(protocol.Event) error { return nil })
	})
}

func TestDispatcher_UnsubscribeDuringDispatch(t *testing.T) {
	d := New(nil)

	var second int32
	var unsub Unsubscribe
	unsub = d.On(protocol.EventNotificationNew, func(protocol.Event) error {
		unsub()
		return nil
	})
	d.On(protocol.EventNotificationNew, func(protocol.Event) error { atomic.AddInt32(&second, 1); return nil })

	d.Dispatch(event(protocol.EventNotificationNew, `{}`))
	d.Dispatch(event(protocol.EventNotificationNew, `{}`))

	assert.EqualValues(t, 2, atomic.LoadInt32(&second))
	assert.Equal(t, 1, d.HandlerCount(protocol.EventNotificationNew))
}

func TestHandle_DecodesPayload(t *testing.T) {
	d := New(nil)

	var got protocol.PostLikeUpdate
	Handle(d, protocol.EventPostLikeUpdate, func(u protocol.PostLikeUpdate) error {
		got = u
		return nil
	})

	d.Dispatch(event(protocol.EventPostLikeUpdate, `{"postId":"42","userId":"a","action":"like","count":6}`))
	assert.Equal(t, protocol.PostLikeUpdate{PostID: "42", UserID: "a", Action: protocol.ActionLike, Count: 6}, got)

	d.Dispatch(event(protocol.EventPostLikeUpdate, `{"count":"six"}`))
	assert.EqualValues(t, 1, d.Stats().Failures)
}
