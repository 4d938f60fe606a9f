package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rickgao/socialsync/internal/model"
)

// ID resolves the referenced document id. Returns "" for null, empty or
// unrecognized input.
func (r Ref) ID() string {
	raw := strings.TrimSpace(string(r))
	if raw == "" || raw == "null" {
		return ""
	}

	var id string
	if err := json.Unmarshal([]byte(raw), &id); err == nil {
		return id
	}

	var doc struct {
		ID  string `json:"_id"`
		Alt string `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return ""
	}
	if doc.ID != "" {
		return doc.ID
	}
	return doc.Alt
}

// ParseTimestamp parses an ISO 8601 timestamp as UTC.
// Returns the zero time for empty or invalid input.
func ParseTimestamp(iso string) time.Time {
	if iso == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		// Try without timezone
		t, err = time.Parse("2006-01-02T15:04:05", iso)
		if err != nil {
			return time.Time{}
		}
	}

	return t.UTC()
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ToModel converts an APIMessage to model.Message.
func (m *APIMessage) ToModel() model.Message {
	return model.Message{
		ID:             m.ID,
		TempID:         m.TempID,
		ConversationID: m.ConversationID,
		SenderID:       firstNonEmpty(m.SenderID, m.Sender.ID()),
		ReceiverID:     firstNonEmpty(m.ReceiverID, m.Receiver.ID()),
		Content:        m.Content,
		Media:          m.Media,
		Read:           m.IsRead,
		CreatedAt:      ParseTimestamp(m.CreatedAt),
		Status:         model.DeliveryDelivered,
	}
}

// ToModel converts an APIComment to model.Comment.
func (c *APIComment) ToModel() model.Comment {
	return model.Comment{
		ID:        c.ID,
		PostID:    firstNonEmpty(c.PostID, c.Post.ID()),
		UserID:    firstNonEmpty(c.UserID, c.User.ID()),
		Content:   c.Content,
		CreatedAt: ParseTimestamp(c.CreatedAt),
	}
}

// ToModel converts an APINotification to model.Notification.
func (n *APINotification) ToModel() model.Notification {
	return model.Notification{
		ID:        n.ID,
		Type:      n.Type,
		ActorID:   firstNonEmpty(n.SenderID, n.Sender.ID()),
		PostID:    firstNonEmpty(n.PostID, n.Post.ID()),
		Text:      n.Content,
		Read:      n.IsRead,
		CreatedAt: ParseTimestamp(n.CreatedAt),
	}
}

// ToModel converts a LikesResponse for postID to model.LikeState.
func (l *LikesResponse) ToModel(postID string) model.LikeState {
	return model.LikeState{PostID: postID, Count: l.Count, Liked: l.IsLiked}
}
