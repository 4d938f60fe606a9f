package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rickgao/socialsync/internal/model"
)

// -----------------------------------------------------------------------------
// Outbound payloads
// -----------------------------------------------------------------------------

// RegisterUser associates the connection with an identity.
type RegisterUser struct {
	UserID string `json:"userId"`
}

// SendMessage submits a new message.
type SendMessage struct {
	ReceiverID string   `json:"receiverId"`
	SenderID   string   `json:"senderId"`
	Content    string   `json:"content"`
	Media      []string `json:"media,omitempty"`
	MessageID  string   `json:"messageId,omitempty"` // canonical id once the REST call returned
	TempID     string   `json:"tempId,omitempty"`    // provisional id, echoed back on the broadcast when supported
}

// LikeAction is the direction of a like toggle.
type LikeAction string

const (
	ActionLike   LikeAction = "like"
	ActionUnlike LikeAction = "unlike"
)

// PostLike submits a like toggle.
type PostLike struct {
	PostID string     `json:"postId"`
	UserID string     `json:"userId"`
	Action LikeAction `json:"action"`
}

// MarkAsRead is a batch read receipt.
type MarkAsRead struct {
	MessageIDs []string `json:"messageIds"`
	SenderID   string   `json:"senderId"`
	ReceiverID string   `json:"receiverId"`
}

// Typing is used by typing/stop_typing and their echoes.
type Typing struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// -----------------------------------------------------------------------------
// Inbound payloads
// -----------------------------------------------------------------------------

// NewMessage is the payload of new_message.
type NewMessage = model.Message

// MessageRead confirms a read receipt batch.
type MessageRead struct {
	MessageIDs    []string `json:"messageIds"`
	ModifiedCount int      `json:"modifiedCount"`
}

// MessageDeleted announces a deletion.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

// PostLikeUpdate carries the canonical like count after an actor toggled.
type PostLikeUpdate struct {
	PostID string     `json:"postId"`
	UserID string     `json:"userId"`
	Action LikeAction `json:"action"`
	Count  int        `json:"count"`
}

// CommentEvent is the payload of new_comment and delete_comment.
type CommentEvent struct {
	PostID    string         `json:"postId"`
	UserID    string         `json:"userId"`
	CommentID string         `json:"commentId,omitempty"`
	Comment   *model.Comment `json:"comment,omitempty"`
}

// ID returns the comment id regardless of which field carried it.
func (c CommentEvent) ID() string {
	if c.CommentID != "" {
		return c.CommentID
	}
	if c.Comment != nil {
		return c.Comment.ID
	}
	return ""
}

// UserStatus values carried by user_status_change.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserStatusChange is a presence delta.
type UserStatusChange struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Online reports whether the delta marks the user online.
func (u UserStatusChange) Online() bool {
	return strings.EqualFold(u.Status, StatusOnline)
}

// OnlineUsers is a presence snapshot. The server sends either an array of ids
// or an object mapping ids to true/false or "online"/"offline".
type OnlineUsers []string

// UnmarshalJSON accepts both snapshot shapes.
func (o *OnlineUsers) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err == nil {
		*o = ids
		return nil
	}

	var byID map[string]json.RawMessage
	if err := json.Unmarshal(data, &byID); err != nil {
		return fmt.Errorf("online users: expected array or object: %w", err)
	}

	out := make([]string, 0, len(byID))
	for id, raw := range byID {
		var flag bool
		if err := json.Unmarshal(raw, &flag); err == nil {
			if flag {
				out = append(out, id)
			}
			continue
		}
		var status string
		if err := json.Unmarshal(raw, &status); err == nil && strings.EqualFold(status, StatusOnline) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	*o = out
	return nil
}

// -----------------------------------------------------------------------------
// Lifecycle payloads
// -----------------------------------------------------------------------------

// ConnectInfo is the payload of the local connect event.
type ConnectInfo struct {
	UserID    string `json:"userId"`
	Attempt   int    `json:"attempt"`   // failed dials before this one succeeded
	Reconnect bool   `json:"reconnect"` // true for every connection after the first: list data may be stale
}

// DisconnectInfo is the payload of the local disconnect event.
type DisconnectInfo struct {
	Reason          string `json:"reason"`
	Manual          bool   `json:"manual"`
	ServerInitiated bool   `json:"serverInitiated"`
}

// ConnectErrorInfo is the payload of connect_error.
type ConnectErrorInfo struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

// ConnectFailedInfo is the payload of connect_failed: the manager gave up.
type ConnectFailedInfo struct {
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}
