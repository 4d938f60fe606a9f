package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rickgao/socialsync/internal/model"
)

// ListNotifications fetches the caller's notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	var resp NotificationsResponse
	if err := c.get(ctx, "/api/notifications", nil, &resp); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	out := make([]model.Notification, 0, len(resp.Notifications))
	for i := range resp.Notifications {
		out = append(out, resp.Notifications[i].ToModel())
	}
	return out, nil
}

// MarkNotificationsRead marks every notification read and returns how many
// documents the server changed.
func (c *Client) MarkNotificationsRead(ctx context.Context) (int, error) {
	var resp MarkReadResponse
	if err := c.call(ctx, http.MethodPut, "/api/notifications/read", nil, struct{}{}, &resp); err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return resp.ModifiedCount, nil
}
