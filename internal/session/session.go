// Package session wires the realtime pieces into one process-wide unit.
//
// A Session owns exactly one connection manager, router, dispatcher, room
// and presence tracker, refresher, and the four domain managers. Everything
// receives its collaborators from here; nothing reaches for globals.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/socialsync/internal/api"
	"github.com/rickgao/socialsync/internal/auth"
	"github.com/rickgao/socialsync/internal/comments"
	"github.com/rickgao/socialsync/internal/config"
	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/likes"
	"github.com/rickgao/socialsync/internal/messaging"
	"github.com/rickgao/socialsync/internal/notifications"
	"github.com/rickgao/socialsync/internal/presence"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/refresh"
	"github.com/rickgao/socialsync/internal/rooms"
	"github.com/rickgao/socialsync/internal/router"
)

// Errors
var (
	ErrAlreadyOpen = errors.New("session already open")
	ErrNotOpen     = errors.New("session not open")
	ErrClosed      = errors.New("session closed")
)

// Session is the client's realtime sync layer for one signed-in user.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	conn       connection.Manager
	dispatcher *dispatch.Dispatcher
	router     router.Router
	rooms      *rooms.Tracker
	presence   *presence.Tracker
	refresher  *refresh.Refresher

	mu            sync.Mutex
	open          bool
	closed        bool
	identity      auth.Identity
	api           *api.Client
	messaging     *messaging.Manager
	likes         *likes.Manager
	comments      *comments.Manager
	notifications *notifications.Manager
	unsubs        []dispatch.Unsubscribe
}

// New builds a session from cfg. Nothing connects until Open.
func New(cfg *config.Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	conn := connection.NewManager(ManagerConfig(cfg), logger.With("component", "connection"))

	d := dispatch.New(logger)
	roomTracker := rooms.NewTracker(logger)
	presenceTracker := presence.NewTracker(logger)

	// Rooms are rejoined before presence is requested, and both before any
	// queued emit is flushed.
	conn.AddHooks(roomTracker.Hooks())
	conn.AddHooks(presenceTracker.Hooks())

	return &Session{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		dispatcher: d,
		router:     router.NewRouter(conn.Events(), d, logger.With("component", "router")),
		rooms:      roomTracker,
		presence:   presenceTracker,
		refresher: refresh.New(refresh.Config{
			Interval:    cfg.Refresh.Interval,
			Concurrency: cfg.Refresh.Concurrency,
			Timeout:     cfg.Refresh.Timeout,
		}, logger),
	}
}

// ManagerConfig maps the configuration onto the connection manager's.
func ManagerConfig(cfg *config.Config) connection.ManagerConfig {
	return connection.ManagerConfig{
		WSURL:              cfg.API.WSURL,
		ReconnectBaseDelay: cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Connection.ReconnectMaxDelay,
		MaxAttempts:        cfg.Connection.MaxAttempts,
		PingTimeout:        cfg.Connection.PingTimeout,
		WriteTimeout:       cfg.Connection.WriteTimeout,
		AckTimeout:         cfg.Connection.AckTimeout,
		BufferSize:         cfg.Connection.BufferSize,
		QueueSize:          cfg.Connection.QueueSize,
	}
}

// ResolveIdentity derives the identity from the configured token and user id.
func ResolveIdentity(cfg *config.Config) (auth.Identity, error) {
	token, err := cfg.ResolveToken()
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Resolve(token, cfg.Identity.UserID, time.Now())
}

// Open builds the domain managers for id, starts the event loop and begins
// connecting. Connection failures are not returned; they arrive as
// connect_error and connect_failed events.
func (s *Session) Open(ctx context.Context, id auth.Identity) error {
	if !id.Valid() {
		return connection.ErrInvalidIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.open:
		return ErrAlreadyOpen
	}

	s.identity = id
	s.api = api.NewClient(s.cfg.API.RestURL, id.Token,
		api.WithTimeout(s.cfg.API.Timeout),
		api.WithRetries(s.cfg.API.MaxRetries, s.cfg.API.RetryBackoff),
		api.WithLogger(s.logger),
	)
	s.buildManagers(id.UserID)

	s.unsubs = append(s.unsubs,
		s.presence.Attach(s.dispatcher),
		s.refresher.Attach(s.dispatcher),
		s.messaging.Attach(s.dispatcher),
		s.likes.Attach(s.dispatcher),
		s.comments.Attach(s.dispatcher),
		s.notifications.Attach(s.dispatcher),
		s.attachLifecycleLogging(),
	)
	s.refresher.Register("messaging", s.messaging)
	s.refresher.Register("likes", s.likes)
	s.refresher.Register("comments", s.comments)
	s.refresher.Register("notifications", s.notifications)

	if err := s.router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := s.refresher.Start(ctx); err != nil {
		return fmt.Errorf("start refresher: %w", err)
	}
	if err := s.conn.Connect(ctx, id); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	s.open = true
	s.logger.Info("session opened", "user_id", id.UserID, "ws_url", s.cfg.API.WSURL)
	return nil
}

func (s *Session) buildManagers(self string) {
	m := s.cfg.Mutations
	log := s.logger

	s.messaging = messaging.NewManager(messaging.Config{
		Self:           self,
		PageSize:       s.cfg.Refresh.PageSize,
		DedupeWindow:   m.DedupeWindow,
		TypingTTL:      m.TypingTTL,
		ConfirmTimeout: m.ConfirmTimeout,
	}, s.conn, s.rooms, s.api, log)

	s.likes = likes.NewManager(likes.Config{
		Self:           self,
		ConfirmTimeout: m.ConfirmTimeout,
	}, s.conn, s.rooms, s.api, log)

	s.comments = comments.NewManager(comments.Config{
		Self:           self,
		DedupeWindow:   m.DedupeWindow,
		ConfirmTimeout: m.ConfirmTimeout,
	}, s.rooms, s.api, log)

	s.notifications = notifications.NewManager(notifications.Config{
		Self:           self,
		ConfirmTimeout: m.ConfirmTimeout,
	}, s.rooms, s.api, log)
}

// attachLifecycleLogging reports connection transitions and server errors.
func (s *Session) attachLifecycleLogging() dispatch.Unsubscribe {
	unsubs := []dispatch.Unsubscribe{
		dispatch.Handle(s.dispatcher, protocol.EventConnect, func(info protocol.ConnectInfo) error {
			s.logger.Info("connected", "user_id", info.UserID, "attempt", info.Attempt, "reconnect", info.Reconnect)
			return nil
		}),
		dispatch.Handle(s.dispatcher, protocol.EventDisconnect, func(info protocol.DisconnectInfo) error {
			s.logger.Warn("disconnected", "reason", info.Reason, "manual", info.Manual, "server", info.ServerInitiated)
			return nil
		}),
		dispatch.Handle(s.dispatcher, protocol.EventConnectError, func(info protocol.ConnectErrorInfo) error {
			s.logger.Warn("connect attempt failed", "attempt", info.Attempt, "error", info.Error)
			return nil
		}),
		dispatch.Handle(s.dispatcher, protocol.EventConnectFailed, func(info protocol.ConnectFailedInfo) error {
			s.logger.Error("gave up connecting", "attempts", info.Attempts, "error", info.Error)
			return nil
		}),
		dispatch.Handle(s.dispatcher, protocol.EventError, func(e protocol.ServerError) error {
			s.logger.Warn("server error", "code", e.Code, "message", e.Message, "event", e.Event)
			return nil
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close disconnects, drains the event loop and clears all derived state. A
// closed session cannot be reopened.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		if s.closed {
			return nil
		}
		return ErrNotOpen
	}
	s.open = false
	s.closed = true

	var errs []error
	if err := s.conn.Disconnect(); err != nil && !errors.Is(err, connection.ErrAlreadyClosed) {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	if err := s.refresher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop refresher: %w", err))
	}
	// The router drains the final disconnect notice before it stops.
	if err := s.router.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop router: %w", err))
	}

	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil

	s.messaging.Reset()
	s.likes.Reset()
	s.comments.Reset()
	s.notifications.Stop()
	s.rooms.Reset()
	s.presence.Reset()

	s.logger.Info("session closed", "user_id", s.identity.UserID)
	return errors.Join(errs...)
}

// Reconnect restarts connecting after the manager gave up.
func (s *Session) Reconnect(ctx context.Context) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	return s.conn.Reconnect(ctx)
}

func (s *Session) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Identity returns the identity the session was opened with.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State returns the connection state.
func (s *Session) State() connection.State { return s.conn.State() }

// Dispatcher returns the event dispatcher, for extra subscriptions.
func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Presence returns the presence tracker.
func (s *Session) Presence() *presence.Tracker { return s.presence }

// Messaging returns the messaging manager. It is nil before Open.
func (s *Session) Messaging() *messaging.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messaging
}

// Likes returns the likes manager. It is nil before Open.
func (s *Session) Likes() *likes.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.likes
}

// Comments returns the comments manager. It is nil before Open.
func (s *Session) Comments() *comments.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comments
}

// Notifications returns the notifications manager. It is nil before Open.
func (s *Session) Notifications() *notifications.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications
}
