// Package router drains inbound frames and hands decoded events to the dispatcher.
//
// The router goroutine is the event loop: every handler runs on it, one event at a
// time, in the order the connection manager queued the frames.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/socialsync/internal/protocol"
)

// Router decodes frames from the connection manager and dispatches them.
type Router interface {
	// Start begins the event loop.
	Start(ctx context.Context) error

	// Stop closes the input, dispatches whatever is still queued and waits for the loop.
	Stop(ctx context.Context) error

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	logger *slog.Logger

	input      *GrowableBuffer[RawFrame]
	dispatcher Dispatcher

	wg sync.WaitGroup

	mu          sync.RWMutex
	received    int64
	dispatched  int64
	parseErrors int64
	unknown     int64
}

// NewRouter creates a router reading from input.
func NewRouter(input *GrowableBuffer[RawFrame], dispatcher Dispatcher, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		logger:     logger,
		input:      input,
		dispatcher: dispatcher,
	}
}

// Start begins routing frames.
func (r *router) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("event router started")
	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	// Close lets the loop drain queued frames (the final disconnect notice included)
	// before Receive reports the end of input.
	r.input.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out", "pending", r.input.Len())
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		FramesReceived:   r.received,
		EventsDispatched: r.dispatched,
		ParseErrors:      r.parseErrors,
		UnknownEvents:    r.unknown,
		Input:            r.input.Stats(),
	}
}

// routeLoop is the event loop goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		raw, ok := r.input.Receive()
		if !ok {
			return
		}
		r.route(raw)
	}
}

// route decodes and dispatches a single frame.
func (r *router) route(raw RawFrame) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	f, err := protocol.DecodeFrame(raw.Data)
	if err != nil {
		r.logger.Warn("failed to decode frame", "error", err)
		r.mu.Lock()
		r.parseErrors++
		r.mu.Unlock()
		return
	}

	// Acks are answered by the connection manager; one reaching here arrived after
	// its caller gave up. Outbound names are never valid inbound.
	if !f.Event.Dispatchable() {
		r.logger.Debug("skipping event", "event", f.Event, "ack", f.Ack)
		r.mu.Lock()
		r.unknown++
		r.mu.Unlock()
		return
	}

	r.dispatcher.Dispatch(protocol.Event{
		Name:       f.Event,
		Data:       f.Data,
		ReceivedAt: raw.ReceivedAt,
	})

	r.mu.Lock()
	r.dispatched++
	r.mu.Unlock()
}
