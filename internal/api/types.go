package api

import "encoding/json"

// Ref is a document reference that the backend returns either as a bare id
// string or as a populated object carrying "_id".
type Ref json.RawMessage

// UnmarshalJSON keeps the raw bytes; resolution happens in ID.
func (r *Ref) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// MarshalJSON emits the stored bytes, or null when empty.
func (r Ref) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// APIMessage is a message as returned by GET /api/messages/{id} and
// POST /api/messages.
type APIMessage struct {
	ID             string   `json:"_id"`
	TempID         string   `json:"tempId,omitempty"`
	ConversationID string   `json:"conversationId"`
	Sender         Ref      `json:"sender"`
	Receiver       Ref      `json:"receiver"`
	SenderID       string   `json:"senderId"`
	ReceiverID     string   `json:"receiverId"`
	Content        string   `json:"content"`
	Media          []string `json:"media"`
	IsRead         bool     `json:"isRead"`
	CreatedAt      string   `json:"createdAt"`
}

// MessagesResponse from GET /api/messages/{conversationId}
type MessagesResponse struct {
	Messages   []APIMessage `json:"messages"`
	Page       int          `json:"page"`
	TotalPages int          `json:"totalPages"`
	HasMore    bool         `json:"hasMore"`
}

// SendMessageRequest is the body of POST /api/messages.
type SendMessageRequest struct {
	ConversationID string   `json:"conversationId,omitempty"`
	ReceiverID     string   `json:"receiverId"`
	Content        string   `json:"content"`
	Media          []string `json:"media,omitempty"`
	TempID         string   `json:"tempId,omitempty"`
}

// LikesResponse from GET /api/posts/{postId}/likes
type LikesResponse struct {
	Count   int  `json:"count"`
	IsLiked bool `json:"isLiked"`
}

// APIComment is a comment as returned by the comments endpoints.
type APIComment struct {
	ID        string `json:"_id"`
	Post      Ref    `json:"post"`
	PostID    string `json:"postId"`
	User      Ref    `json:"user"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// CommentsResponse from GET /api/posts/{postId}/comments
type CommentsResponse struct {
	Comments []APIComment `json:"comments"`
}

// CreateCommentRequest is the body of POST /api/posts/{postId}/comments.
type CreateCommentRequest struct {
	Content string `json:"content"`
}

// APINotification is a notification as returned by GET /api/notifications.
type APINotification struct {
	ID        string `json:"_id"`
	Type      string `json:"type"`
	Sender    Ref    `json:"sender"`
	SenderID  string `json:"senderId"`
	Post      Ref    `json:"post"`
	PostID    string `json:"postId"`
	Content   string `json:"content"`
	IsRead    bool   `json:"isRead"`
	CreatedAt string `json:"createdAt"`
}

// NotificationsResponse from GET /api/notifications
type NotificationsResponse struct {
	Notifications []APINotification `json:"notifications"`
	UnreadCount   int               `json:"unreadCount"`
}

// MarkReadResponse from PUT /api/notifications/read
type MarkReadResponse struct {
	ModifiedCount int `json:"modifiedCount"`
}
