package protocol

import "strings"

// RoomID names a logical broadcast channel on the server.
type RoomID string

// Room kinds.
const (
	RoomConversation = "conversation"
	RoomPost         = "post"
	RoomUser         = "user"
)

// ConversationRoom returns the room for a conversation.
func ConversationRoom(id string) RoomID { return RoomID(RoomConversation + ":" + id) }

// PostRoom returns the room for a post.
func PostRoom(id string) RoomID { return RoomID(RoomPost + ":" + id) }

// UserRoom returns the per-user room.
func UserRoom(id string) RoomID { return RoomID(RoomUser + ":" + id) }

// Kind returns the prefix before the first colon ("post" for "post:42").
func (r RoomID) Kind() string {
	kind, _, _ := strings.Cut(string(r), ":")
	return kind
}

// Target returns the entity id after the first colon ("42" for "post:42").
func (r RoomID) Target() string {
	_, target, _ := strings.Cut(string(r), ":")
	return target
}

// Valid reports whether the room has a known kind and a non-empty target.
func (r RoomID) Valid() bool {
	switch r.Kind() {
	case RoomConversation, RoomPost, RoomUser:
		return r.Target() != ""
	}
	return false
}

func (r RoomID) String() string {
	return string(r)
}
