package session

import (
	"time"

	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/refresh"
	"github.com/rickgao/socialsync/internal/rooms"
	"github.com/rickgao/socialsync/internal/router"
)

// Stats is a point-in-time view of the session for debugging.
type Stats struct {
	State         string                  `json:"state"`
	UserID        string                  `json:"user_id"`
	Connection    connection.ManagerStats `json:"connection"`
	Router        router.RouterStats      `json:"router"`
	Dispatch      dispatch.Stats          `json:"dispatch"`
	Rooms         rooms.Stats             `json:"rooms"`
	JoinedRooms   []protocol.RoomID       `json:"joined_rooms"`
	Refresh       refresh.Stats           `json:"refresh"`
	OnlineUsers   int                     `json:"online_users"`
	Conversations []string                `json:"conversations,omitempty"`
	LikedPosts    []string                `json:"tracked_posts,omitempty"`
	CommentPosts  []string                `json:"comment_posts,omitempty"`
	Unread        int                     `json:"unread_notifications"`
	TakenAt       time.Time               `json:"taken_at"`
}

// Stats collects statistics from every component.
func (s *Session) Stats() Stats {
	st := Stats{
		State:       s.conn.State().String(),
		UserID:      s.Identity().UserID,
		Connection:  s.conn.Stats(),
		Router:      s.router.Stats(),
		Dispatch:    s.dispatcher.Stats(),
		Rooms:       s.rooms.Stats(),
		JoinedRooms: s.rooms.Members(),
		Refresh:     s.refresher.Stats(),
		OnlineUsers: len(s.presence.Online()),
		TakenAt:     time.Now().UTC(),
	}
	if m := s.Messaging(); m != nil {
		st.Conversations = m.Conversations()
	}
	if l := s.Likes(); l != nil {
		st.LikedPosts = l.Tracked()
	}
	if c := s.Comments(); c != nil {
		st.CommentPosts = c.Posts()
	}
	if n := s.Notifications(); n != nil {
		st.Unread = n.Unread()
	}
	return st
}
