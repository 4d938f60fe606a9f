package protocol

import (
	"encoding/json"
	"time"
)

// EventName identifies an event on the persistent connection.
type EventName string

// Outbound events (client -> server).
const (
	EventRegisterUser   EventName = "register_user"
	EventJoinRoom       EventName = "join_room"
	EventLeaveRoom      EventName = "leave_room"
	EventSendMessage    EventName = "send_message"
	EventPostLike       EventName = "post:like"
	EventPostLikeListen EventName = "post:like:listen" // superseded by join_room on post rooms; never emitted
	EventMarkAsRead     EventName = "mark_as_read"
	EventTyping         EventName = "typing"
	EventStopTyping     EventName = "stop_typing"
	EventGetOnlineUsers EventName = "get_online_users"
)

// Inbound events (server -> client).
const (
	EventNewMessage       EventName = "new_message"
	EventMessageRead      EventName = "message_read"
	EventMessageDeleted   EventName = "message_deleted"
	EventPostLikeUpdate   EventName = "post:like:update"
	EventNewComment       EventName = "new_comment"
	EventDeleteComment    EventName = "delete_comment"
	EventNotificationNew  EventName = "notification:new"
	EventUserTyping       EventName = "user_typing"
	EventUserStopTyping   EventName = "user_stop_typing"
	EventGetUsersOnline   EventName = "get_users_online"
	EventUserStatusChange EventName = "user_status_change"
	EventError            EventName = "error"
)

// Lifecycle events, produced locally by the connection manager.
const (
	EventConnect       EventName = "connect"
	EventDisconnect    EventName = "disconnect"
	EventConnectError  EventName = "connect_error"
	EventConnectFailed EventName = "connect_failed"
)

// EventAck is the frame name the server uses to answer an outbound event carrying an ack id.
const EventAck EventName = "ack"

// Direction says which way an event travels.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionOutbound
	DirectionInbound
	DirectionLifecycle
)

// Direction returns the direction of the event, or DirectionUnknown for names outside the vocabulary.
func (e EventName) Direction() Direction {
	switch e {
	case EventRegisterUser, EventJoinRoom, EventLeaveRoom, EventSendMessage, EventPostLike,
		EventPostLikeListen, EventMarkAsRead, EventTyping, EventStopTyping, EventGetOnlineUsers:
		return DirectionOutbound
	case EventNewMessage, EventMessageRead, EventMessageDeleted, EventPostLikeUpdate,
		EventNewComment, EventDeleteComment, EventNotificationNew, EventUserTyping,
		EventUserStopTyping, EventGetUsersOnline, EventUserStatusChange, EventError:
		return DirectionInbound
	case EventConnect, EventDisconnect, EventConnectError, EventConnectFailed:
		return DirectionLifecycle
	default:
		return DirectionUnknown
	}
}

// IsValid reports whether the name belongs to the vocabulary.
func (e EventName) IsValid() bool {
	return e.Direction() != DirectionUnknown
}

// Dispatchable reports whether local handlers may receive this event.
func (e EventName) Dispatchable() bool {
	d := e.Direction()
	return d == DirectionInbound || d == DirectionLifecycle
}

// String returns the wire name.
func (e EventName) String() string {
	return string(e)
}

// InboundEvents returns every event the server may send.
func InboundEvents() []EventName {
	return []EventName{
		EventNewMessage, EventMessageRead, EventMessageDeleted, EventPostLikeUpdate,
		EventNewComment, EventDeleteComment, EventNotificationNew, EventUserTyping,
		EventUserStopTyping, EventGetUsersOnline, EventUserStatusChange, EventError,
	}
}

// OutboundEvents returns every event the client may send.
func OutboundEvents() []EventName {
	return []EventName{
		EventRegisterUser, EventJoinRoom, EventLeaveRoom, EventSendMessage, EventPostLike,
		EventPostLikeListen, EventMarkAsRead, EventTyping, EventStopTyping, EventGetOnlineUsers,
	}
}

// LifecycleEvents returns the locally produced connection events.
func LifecycleEvents() []EventName {
	return []EventName{EventConnect, EventDisconnect, EventConnectError, EventConnectFailed}
}

// Event is what local handlers receive.
type Event struct {
	Name       EventName
	Data       json.RawMessage
	ReceivedAt time.Time
}
