// eventtail connects to the realtime server and prints every inbound event.
// Usage: go run ./cmd/eventtail --config configs/syncclient.local.yaml post:6651c3d4 user:6650a1b9
//
// Positional arguments are room ids (conversation:<id>, post:<id>, user:<id>)
// joined once connected.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/socialsync/internal/config"
	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/rooms"
	"github.com/rickgao/socialsync/internal/router"
	"github.com/rickgao/socialsync/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/syncclient.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	connMgr := connection.NewManager(session.ManagerConfig(cfg), logger)
	tracker := rooms.NewTracker(logger)
	connMgr.AddHooks(tracker.Hooks())
	for _, arg := range flag.Args() {
		room := protocol.RoomID(arg)
		if !room.Valid() {
			logger.Error("invalid room, want conversation:<id>, post:<id> or user:<id>", "room", arg)
			os.Exit(1)
		}
		tracker.Join(room)
	}

	d := dispatch.New(logger)
	names := append(protocol.InboundEvents(), protocol.LifecycleEvents()...)
	for _, name := range names {
		d.On(name, func(ev protocol.Event) error {
			printEvent(ev, *verbose)
			return nil
		})
	}

	rtr := router.NewRouter(connMgr.Events(), d, logger)
	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}

	logger.Info("connecting", "user_id", identity.UserID, "ws_url", cfg.API.WSURL, "rooms", flag.Args())
	if err := connMgr.Connect(ctx, identity); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				connStats := connMgr.Stats()
				routerStats := rtr.Stats()
				logger.Info("stats",
					"state", connStats.State,
					"connects", connStats.Connects,
					"drops", connStats.Drops,
					"rooms", tracker.Stats().Rooms,
					"received", routerStats.FramesReceived,
					"dispatched", routerStats.EventsDispatched,
					"parse_errors", routerStats.ParseErrors,
					"unknown", routerStats.UnknownEvents,
				)
			}
		}
	}()

	logger.Info("tailing events - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	connMgr.Disconnect()
	rtr.Stop(shutdownCtx)
	logger.Info("shutdown complete")
}

func printEvent(ev protocol.Event, verbose bool) {
	ts := ev.ReceivedAt.Format(time.TimeOnly)
	if verbose {
		var out bytes.Buffer
		if err := json.Indent(&out, ev.Data, "", "  "); err != nil {
			out.Reset()
			out.Write(ev.Data)
		}
		fmt.Printf("%s [%s] %s\n", ts, ev.Name, out.String())
		return
	}
	fmt.Printf("%s [%s] %s\n", ts, ev.Name, summarize(ev))
}

// summarize renders the fields worth seeing at a glance for each event.
func summarize(ev protocol.Event) string {
	switch ev.Name {
	case protocol.EventNewMessage:
		var m protocol.NewMessage
		if json.Unmarshal(ev.Data, &m) == nil {
			return fmt.Sprintf("id=%s from=%s to=%s content=%q", m.ID, m.SenderID, m.ReceiverID, m.Content)
		}
	case protocol.EventPostLikeUpdate:
		var u protocol.PostLikeUpdate
		if json.Unmarshal(ev.Data, &u) == nil {
			return fmt.Sprintf("post=%s user=%s action=%s count=%d", u.PostID, u.UserID, u.Action, u.Count)
		}
	case protocol.EventNewComment, protocol.EventDeleteComment:
		var c protocol.CommentEvent
		if json.Unmarshal(ev.Data, &c) == nil {
			return fmt.Sprintf("post=%s user=%s comment=%s", c.PostID, c.UserID, c.ID())
		}
	case protocol.EventUserStatusChange:
		var s protocol.UserStatusChange
		if json.Unmarshal(ev.Data, &s) == nil {
			return fmt.Sprintf("user=%s status=%s", s.UserID, s.Status)
		}
	case protocol.EventGetUsersOnline:
		var ids protocol.OnlineUsers
		if json.Unmarshal(ev.Data, &ids) == nil {
			return fmt.Sprintf("online=%d", len(ids))
		}
	}
	return fmt.Sprintf("bytes=%d", len(ev.Data))
}
