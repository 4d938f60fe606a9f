// Package api provides the REST client for the social network backend.
//
// The sync layer uses REST only for baselines: the initial page of a
// conversation, a post's like counter and comments, and the notification
// list. Real-time changes arrive over the websocket and are merged on top.
//
// Endpoints (relative to api.rest_url):
//   - GET    /api/messages/{conversationId}?page&limit
//   - POST   /api/messages
//   - GET    /api/posts/{postId}/likes
//   - GET    /api/posts/{postId}/comments
//   - POST   /api/posts/{postId}/comments
//   - DELETE /api/comments/{commentId}
//   - GET    /api/notifications
//   - PUT    /api/notifications/read
package api
