package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rickgao/socialsync/internal/model"
)

// ListMessages fetches one page of a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) (*MessagesResponse, error) {
	if conversationID == "" {
		return nil, errors.New("list messages: conversation id is required")
	}

	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp MessagesResponse
	if err := c.get(ctx, "/api/messages/"+url.PathEscape(conversationID), query, &resp); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	return &resp, nil
}

// RecentMessages fetches the newest page of a conversation as model messages.
func (c *Client) RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	resp, err := c.ListMessages(ctx, conversationID, 1, limit)
	if err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		m := resp.Messages[i].ToModel()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	return out, nil
}

// SendMessage posts a message over REST. The socket path is preferred; this
// is used when a caller needs the persisted document synchronously.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (model.Message, error) {
	if req.ReceiverID == "" {
		return model.Message{}, errors.New("send message: receiver id is required")
	}

	var resp APIMessage
	if err := c.call(ctx, http.MethodPost, "/api/messages", nil, req, &resp); err != nil {
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}

	return resp.ToModel(), nil
}
