package model

import (
	"strings"
	"time"
)

// TempIDPrefix marks a client-generated identifier that has not been confirmed by the server.
const TempIDPrefix = "tmp-"

// IsTempID reports whether id is a provisional identifier.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// -----------------------------------------------------------------------------
// Messaging
// -----------------------------------------------------------------------------

// DeliveryStatus is the local lifecycle of a message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"   // provisional, awaiting the server
	DeliveryDelivered DeliveryStatus = "delivered" // canonical id known
)

// Conversation is a one-to-one thread between the local user and a peer.
type Conversation struct {
	ID     string `json:"_id"`
	PeerID string `json:"peerId"`
}

// Message is a direct message inside a conversation.
type Message struct {
	ID             string         `json:"_id"`
	TempID         string         `json:"tempId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	ReceiverID     string         `json:"receiverId"`
	Content        string         `json:"content"`
	Media          []string       `json:"media,omitempty"`
	Read           bool           `json:"isRead"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         DeliveryStatus `json:"-"`
}

// Provisional reports whether the message still carries a temporary id.
func (m Message) Provisional() bool {
	return IsTempID(m.ID)
}

// -----------------------------------------------------------------------------
// Posts
// -----------------------------------------------------------------------------

// LikeState is the like counter of a post as seen by the local user.
type LikeState struct {
	PostID string `json:"postId"`
	Count  int    `json:"count"`
	Liked  bool   `json:"isLiked"`
}

// Comment is a comment on a post.
type Comment struct {
	ID        string    `json:"_id"`
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Provisional reports whether the comment still carries a temporary id.
func (c Comment) Provisional() bool {
	return IsTempID(c.ID)
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Notification is an activity item addressed to the local user.
type Notification struct {
	ID        string    `json:"_id"`
	Type      string    `json:"type"` // "like", "comment", "message", "follow", ...
	ActorID   string    `json:"senderId"`
	PostID    string    `json:"postId,omitempty"`
	Text      string    `json:"content"`
	Read      bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}
