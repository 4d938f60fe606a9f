// syncclient runs the realtime sync layer headless and logs every state change.
// Usage: go run ./cmd/syncclient --config configs/syncclient.local.yaml \
//
//	--conversation 6650f0c2:6650a1b9 --post 6651c3d4
//
// Each --conversation is conversationID:peerID. Both flags may repeat.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/socialsync/internal/comments"
	"github.com/rickgao/socialsync/internal/config"
	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/reconcile"
	"github.com/rickgao/socialsync/internal/session"
	"github.com/rickgao/socialsync/internal/version"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var conversations, posts listFlag
	configPath := flag.String("config", "configs/syncclient.local.yaml", "path to config file")
	withNotifications := flag.Bool("notifications", true, "follow the notification feed")
	flag.Var(&conversations, "conversation", "conversationID:peerID to open (repeatable)")
	flag.Var(&posts, "post", "post id to follow (repeatable)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting syncclient",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	identity, err := session.ResolveIdentity(cfg)
	if err != nil {
		logger.Error("failed to resolve identity", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded",
		"user_id", identity.UserID,
		"rest_url", cfg.API.RestURL,
		"ws_url", cfg.API.WSURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	sess := session.New(cfg, logger)
	if err := sess.Open(ctx, identity); err != nil {
		logger.Error("failed to open session", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := sess.Close(shutdownCtx); err != nil {
			logger.Error("session close", "error", err)
		}
	}()

	stopWatching := watchState(sess, logger)
	defer stopWatching()

	var healthServer *http.Server
	if cfg.Debug.Enabled() {
		healthServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Debug.ListenPort()),
			Handler: createDebugHandler(sess),
		}
		go func() {
			logger.Info("starting debug server", "port", cfg.Debug.ListenPort())
			if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("debug server error", "error", err)
			}
		}()
	}

	follow(ctx, sess, conversations, posts, *withNotifications, logger)

	logger.Info("syncclient running", "user_id", identity.UserID)
	<-ctx.Done()

	logger.Info("shutting down...")
	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthServer.Shutdown(shutdownCtx)
	}
	logger.Info("syncclient stopped")
}

// follow opens everything requested on the command line. Failures are logged;
// the rest keeps running.
func follow(ctx context.Context, sess *session.Session, conversations, posts []string, notifications bool, logger *slog.Logger) {
	for _, arg := range conversations {
		convID, peerID, ok := strings.Cut(arg, ":")
		if !ok {
			logger.Error("invalid --conversation, want conversationID:peerID", "value", arg)
			continue
		}
		conv := model.Conversation{ID: convID, PeerID: peerID}
		if err := sess.Messaging().OpenConversation(ctx, conv); err != nil {
			logger.Error("failed to open conversation", "conversation", convID, "error", err)
		}
	}
	for _, postID := range posts {
		if err := sess.Likes().Track(ctx, postID); err != nil {
			logger.Error("failed to track likes", "post", postID, "error", err)
		}
		if err := sess.Comments().Open(ctx, postID); err != nil {
			logger.Error("failed to open comments", "post", postID, "error", err)
		}
	}
	if notifications {
		if err := sess.Notifications().Start(ctx); err != nil {
			logger.Error("failed to start notifications", "error", err)
		}
	}
}

// watchState logs every committed state change.
func watchState(sess *session.Session, logger *slog.Logger) func() {
	stops := []func(){
		sess.Messaging().Watch(func(id string, t reconcile.Timeline) {
			logger.Info("timeline", "conversation", id, "messages", len(t.Messages))
		}),
		sess.Messaging().WatchTyping(func(userID string, typing bool) {
			logger.Info("typing", "user", userID, "typing", typing)
		}),
		sess.Likes().Watch(func(s model.LikeState) {
			logger.Info("likes", "post", s.PostID, "count", s.Count, "liked", s.Liked)
		}),
		sess.Comments().Watch(func(postID string, t comments.Thread) {
			logger.Info("comments", "post", postID, "count", len(t))
		}),
		sess.Notifications().Watch(func(n model.Notification) {
			logger.Info("notification", "id", n.ID, "type", n.Type, "from", n.ActorID, "read", n.Read)
		}),
		sess.Presence().Watch(func(userID string, online bool) {
			logger.Info("presence", "user", userID, "online", online)
		}),
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// createDebugHandler serves /health and /debug/stats.
func createDebugHandler(sess *session.Session) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		state := sess.State()
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status: "healthy",
			Components: map[string]any{
				"connection": state.String(),
				"version":    version.Version,
			},
		}
		switch state {
		case connection.StateConnecting:
			health.Status = "degraded"
		case connection.StateDisconnected:
			health.Status = "unhealthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sess.Stats())
	})

	return mux
}
