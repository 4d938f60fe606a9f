package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/socialsync/internal/auth"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/router"
)

// Manager owns the session's single persistent connection.
type Manager interface {
	Emitter

	// Connect starts connecting as id and returns immediately. It is a no-op if the
	// manager is already connected or connecting as the same identity; a different
	// identity replaces the current session. Transport failures are never returned:
	// they surface as lifecycle events.
	Connect(ctx context.Context, id auth.Identity) error

	// Disconnect tears the connection down, fails outstanding emits and clears the
	// identity. Teardown hooks run so derived state (rooms, presence) is cleared.
	Disconnect() error

	// Reconnect restarts the retry cycle after the manager gave up.
	Reconnect(ctx context.Context) error

	// State returns the connection state.
	State() State

	// Identity returns the identity the manager is scoped to.
	Identity() (auth.Identity, bool)

	// AddHooks registers transition hooks. Hooks run in registration order.
	AddHooks(h Hooks)

	// Events returns the ordered buffer of inbound frames and lifecycle notices.
	Events() *router.GrowableBuffer[router.RawFrame]

	// Stats returns current connection statistics.
	Stats() ManagerStats
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	// dial builds the transport for one connection attempt; replaced in tests.
	dial func(cfg ClientConfig, logger *slog.Logger) Client

	events *router.GrowableBuffer[router.RawFrame]

	mu            sync.Mutex
	state         State
	identity      auth.Identity
	hasIdentity   bool
	client        Client
	attempt       int
	everConnected bool
	parked        bool // gave up; waiting for Reconnect
	flushing      bool // connected but queued emits not yet written
	hooks         []Hooks
	queue         []*call
	pending       map[int64]*call

	// supervisor goroutine of the current session
	cancel context.CancelFunc
	done   chan struct{}

	ackID      int64 // atomic
	connects   int64 // atomic
	drops      int64 // atomic
	framesSent int64 // atomic
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	return &manager{
		cfg:     cfg,
		logger:  logger,
		dial:    NewClient,
		events:  router.NewGrowableBuffer[router.RawFrame](cfg.BufferSize),
		pending: make(map[int64]*call),
	}
}

// Connect starts the connection supervisor for id.
func (m *manager) Connect(ctx context.Context, id auth.Identity) error {
	if !id.Valid() {
		return ErrInvalidIdentity
	}

	m.mu.Lock()
	if m.hasIdentity && m.identity.Same(id) {
		if m.parked {
			m.start(ctx)
		}
		m.mu.Unlock()
		return nil
	}
	replacing := m.hasIdentity
	m.mu.Unlock()

	if replacing {
		m.Disconnect()
	}

	m.mu.Lock()
	m.identity = id
	m.hasIdentity = true
	m.everConnected = false
	m.start(ctx)
	m.mu.Unlock()

	m.logger.Info("connection manager started", "user_id", id.UserID, "url", m.cfg.WSURL)
	return nil
}

// Reconnect restarts the retry cycle after the manager gave up.
func (m *manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasIdentity {
		return ErrNotConnected
	}
	if m.done != nil {
		return nil // already connected or retrying
	}

	m.logger.Info("manual reconnect")
	m.start(ctx)
	return nil
}

// start launches the supervisor. Must be called with m.mu held.
func (m *manager) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.parked = false
	m.attempt = 0
	m.state = StateConnecting

	go m.run(runCtx, done)
}

// Disconnect tears the session down.
func (m *manager) Disconnect() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	wasActive := done != nil || m.state == StateConnected || m.parked
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	client := m.client
	m.client = nil
	m.state = StateDisconnected
	m.hasIdentity = false
	m.identity = auth.Identity{}
	m.parked = false
	m.flushing = false
	m.attempt = 0
	failed := m.failAllLocked(ErrDisconnected)
	hooks := append([]Hooks(nil), m.hooks...)
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	for _, h := range hooks {
		if h.OnDisconnected != nil {
			h.OnDisconnected()
		}
		if h.OnTeardown != nil {
			h.OnTeardown()
		}
	}

	if wasActive {
		m.lifecycle(protocol.EventDisconnect, protocol.DisconnectInfo{Reason: "client disconnect", Manual: true})
		m.logger.Info("disconnected", "failed_emits", failed)
	}
	return nil
}

// Send writes an event on the live connection. It never queues.
func (m *manager) Send(event protocol.EventName, data any) error {
	m.mu.Lock()
	client := m.client
	live := m.state == StateConnected
	m.mu.Unlock()

	if !live || client == nil {
		return ErrNotConnected
	}
	return m.write(client, &call{event: event, data: data})
}

// Emit writes an event or queues it until the connection is back.
func (m *manager) Emit(ctx context.Context, event protocol.EventName, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.submit(&call{event: event, data: data})
}

// EmitWithAck emits and waits for the acknowledgment. The ack timeout starts once the
// frame is written, so an emit queued during a reconnect is not charged for the outage.
func (m *manager) EmitWithAck(ctx context.Context, event protocol.EventName, data any) ([]byte, error) {
	c := &call{
		event:   event,
		data:    data,
		ack:     atomic.AddInt64(&m.ackID, 1),
		reply:   make(chan ackResult, 1),
		written: make(chan struct{}),
	}
	if err := m.submit(c); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	written := c.written
	for {
		select {
		case <-ctx.Done():
			m.forget(c)
			return nil, ctx.Err()
		case r := <-c.reply:
			return r.data, r.err
		case <-written:
			written = nil
			timer := time.NewTimer(m.cfg.AckTimeout)
			defer timer.Stop()
			timeout = timer.C
		case <-timeout:
			m.forget(c)
			// The ack may have raced the timer.
			select {
			case r := <-c.reply:
				return r.data, r.err
			default:
			}
			return nil, fmt.Errorf("%s: %w", event, ErrAckTimeout)
		}
	}
}

// submit writes c now, or queues it while a connection is being established.
func (m *manager) submit(c *call) error {
	m.mu.Lock()
	switch {
	case !m.hasIdentity:
		m.mu.Unlock()
		return ErrNotConnected
	case m.parked:
		m.mu.Unlock()
		return ErrUnableToConnect
	}

	if c.ack != 0 {
		m.pending[c.ack] = c
	}

	if m.state != StateConnected || m.flushing {
		if len(m.queue) >= m.cfg.QueueSize {
			delete(m.pending, c.ack)
			m.mu.Unlock()
			return ErrQueueFull
		}
		m.queue = append(m.queue, c)
		m.mu.Unlock()
		m.logger.Debug("emit queued", "event", c.event)
		return nil
	}
	client := m.client
	m.mu.Unlock()

	if err := m.write(client, c); err != nil {
		m.forget(c)
		return err
	}
	return nil
}

// forget drops a call the caller stopped waiting for.
func (m *manager) forget(c *call) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ack != 0 {
		delete(m.pending, c.ack)
	}
	for i, q := range m.queue {
		if q == c {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
}

// write encodes and sends one call.
func (m *manager) write(client Client, c *call) error {
	data, err := protocol.EncodeFrame(c.event, c.data, c.ack)
	if err != nil {
		return err
	}
	if err := client.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", c.event, err)
	}
	atomic.AddInt64(&m.framesSent, 1)
	if c.written != nil {
		close(c.written)
	}
	return nil
}

// State returns the connection state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity the manager is scoped to.
func (m *manager) Identity() (auth.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.hasIdentity
}

// AddHooks registers transition hooks.
func (m *manager) AddHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Events returns the inbound buffer consumed by the router.
func (m *manager) Events() *router.GrowableBuffer[router.RawFrame] {
	return m.events
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{
		State:       m.state,
		UserID:      m.identity.UserID,
		Attempt:     m.attempt,
		Queued:      len(m.queue),
		PendingAcks: len(m.pending),
	}
	m.mu.Unlock()

	stats.Connects = atomic.LoadInt64(&m.connects)
	stats.Drops = atomic.LoadInt64(&m.drops)
	stats.FramesSent = atomic.LoadInt64(&m.framesSent)
	stats.Events = m.events.Stats()
	return stats
}

// run is the connection supervisor: dial, serve, and reconnect with backoff.
func (m *manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var wait time.Duration
	for {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		m.setState(StateConnecting)

		client, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			m.mu.Lock()
			m.attempt++
			attempt := m.attempt
			m.mu.Unlock()

			m.logger.Warn("connection attempt failed",
				"attempt", attempt,
				"max_attempts", m.cfg.MaxAttempts,
				"error", err,
			)
			m.lifecycle(protocol.EventConnectError, protocol.ConnectErrorInfo{Attempt: attempt, Error: err.Error()})

			if attempt >= m.cfg.MaxAttempts {
				m.giveUp(attempt, err)
				return
			}
			wait = m.backoff(attempt)
			continue
		}

		m.established(client)

		err = m.serve(ctx, client)
		if ctx.Err() != nil {
			return
		}

		serverInitiated := isServerClose(err)
		m.dropped(client, err, serverInitiated)

		// A server-initiated close is retried at once; anything else waits the base delay.
		wait = m.cfg.ReconnectBaseDelay
		if serverInitiated {
			wait = 0
		}
	}
}

// connect dials once and announces the identity.
func (m *manager) connect(ctx context.Context) (Client, error) {
	m.mu.Lock()
	id := m.identity
	m.mu.Unlock()

	cfg := ClientConfig{
		URL:          m.cfg.WSURL,
		Header:       id.Header(),
		PingTimeout:  m.cfg.PingTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.BufferSize,
	}
	client := m.dial(cfg, m.logger.With("user_id", id.UserID))
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	// register_user goes out before anything else can reach the wire.
	if err := m.write(client, &call{event: protocol.EventRegisterUser, data: protocol.RegisterUser{UserID: id.UserID}}); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// established runs the connect sequence: hooks, queued emits, connect event.
func (m *manager) established(client Client) {
	m.mu.Lock()
	userID := m.identity.UserID
	attempt := m.attempt
	reconnect := m.everConnected
	m.attempt = 0
	m.everConnected = true
	m.client = client
	m.state = StateConnected
	m.flushing = true
	hooks := append([]Hooks(nil), m.hooks...)
	m.mu.Unlock()

	atomic.AddInt64(&m.connects, 1)
	m.logger.Info("connected", "reconnect", reconnect, "failed_attempts", attempt)

	for _, h := range hooks {
		if h.OnConnected == nil {
			continue
		}
		if err := h.OnConnected(m); err != nil {
			m.logger.Warn("connect hook failed", "error", err)
		}
	}

	m.flush(client)

	m.lifecycle(protocol.EventConnect, protocol.ConnectInfo{
		UserID:    userID,
		Attempt:   attempt,
		Reconnect: reconnect,
	})
}

// flush writes queued emits in order. Emits submitted meanwhile join the queue.
func (m *manager) flush(client Client) {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		if len(batch) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.logger.Debug("flushing queued emits", "count", len(batch))
		for i, c := range batch {
			if err := m.write(client, c); err != nil {
				// Put the unwritten tail back; the drop handler decides its fate.
				m.mu.Lock()
				m.queue = append(batch[i:], m.queue...)
				m.flushing = false
				m.mu.Unlock()
				m.logger.Warn("flush interrupted", "remaining", len(batch)-i, "error", err)
				return
			}
		}
	}
}

// serve pumps frames until the transport fails.
func (m *manager) serve(ctx context.Context, client Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-client.Errors():
			m.drain(client)
			return err
		case msg := <-client.Messages():
			m.handleMessage(msg)
		}
	}
}

// drain handles frames read before the error was reported.
func (m *manager) drain(client Client) {
	for {
		select {
		case msg := <-client.Messages():
			m.handleMessage(msg)
		default:
			return
		}
	}
}

// handleMessage answers acks and forwards everything else to the router.
func (m *manager) handleMessage(msg TimestampedMessage) {
	if bytes.Contains(msg.Data, []byte(`"ack"`)) {
		if f, err := protocol.DecodeFrame(msg.Data); err == nil && f.IsAck() {
			if m.resolve(f) {
				return
			}
		}
	}

	if !m.events.Send(router.RawFrame{Data: msg.Data, ReceivedAt: msg.ReceivedAt}) {
		m.logger.Debug("event buffer closed, dropping frame")
	}
}

// resolve delivers an ack to its caller. Unknown ids (caller timed out) return false.
func (m *manager) resolve(f protocol.Frame) bool {
	m.mu.Lock()
	c, ok := m.pending[f.Ack]
	if ok {
		delete(m.pending, f.Ack)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	r := ackResult{data: f.Data}
	if err := f.Err(c.event); err != nil {
		r.err = err
		r.data = nil
	}
	c.reply <- r
	return true
}

// dropped handles an unexpected transport loss.
func (m *manager) dropped(client Client, err error, serverInitiated bool) {
	client.Close()

	m.mu.Lock()
	m.client = nil
	m.state = StateDisconnected
	m.flushing = false
	failed := m.failWrittenLocked(ErrDisconnected)
	hooks := append([]Hooks(nil), m.hooks...)
	m.mu.Unlock()

	atomic.AddInt64(&m.drops, 1)
	m.logger.Warn("connection lost",
		"error", err,
		"server_initiated", serverInitiated,
		"failed_acks", failed,
	)

	for _, h := range hooks {
		if h.OnDisconnected != nil {
			h.OnDisconnected()
		}
	}

	reason := "transport closed"
	if err != nil {
		reason = err.Error()
	}
	m.lifecycle(protocol.EventDisconnect, protocol.DisconnectInfo{Reason: reason, ServerInitiated: serverInitiated})
}

// giveUp parks the manager after too many failed attempts.
func (m *manager) giveUp(attempts int, err error) {
	m.mu.Lock()
	cancel := m.cancel
	m.state = StateDisconnected
	m.parked = true
	m.cancel, m.done = nil, nil
	failed := m.failAllLocked(ErrUnableToConnect)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.logger.Error("unable to connect, giving up",
		"attempts", attempts,
		"error", err,
		"failed_emits", failed,
	)
	m.lifecycle(protocol.EventConnectFailed, protocol.ConnectFailedInfo{Attempts: attempts, Error: err.Error()})
}

// failWrittenLocked fails every ack-awaiting call already on the wire.
// Queued calls stay queued for the next connection. Must be called with m.mu held.
func (m *manager) failWrittenLocked(err error) int {
	queued := make(map[*call]struct{}, len(m.queue))
	for _, c := range m.queue {
		queued[c] = struct{}{}
	}

	n := 0
	for id, c := range m.pending {
		if _, ok := queued[c]; ok {
			continue
		}
		delete(m.pending, id)
		c.reply <- ackResult{err: err}
		n++
	}
	return n
}

// failAllLocked fails every pending and queued call. Must be called with m.mu held.
func (m *manager) failAllLocked(err error) int {
	n := len(m.pending)
	for id, c := range m.pending {
		delete(m.pending, id)
		c.reply <- ackResult{err: err}
	}
	for _, c := range m.queue {
		if c.ack == 0 {
			n++
		}
	}
	m.queue = nil
	return n
}

func (m *manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// backoff returns the delay before the next attempt: base doubled per failure, capped.
func (m *manager) backoff(attempt int) time.Duration {
	wait := m.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= m.cfg.ReconnectMaxDelay {
			return m.cfg.ReconnectMaxDelay
		}
	}
	if m.cfg.ReconnectMaxDelay > 0 && wait > m.cfg.ReconnectMaxDelay {
		wait = m.cfg.ReconnectMaxDelay
	}
	return wait
}

// lifecycle queues a locally produced event behind every frame already received.
func (m *manager) lifecycle(event protocol.EventName, info any) {
	data, err := protocol.EncodeFrame(event, info, 0)
	if err != nil {
		m.logger.Error("encode lifecycle event", "event", event, "error", err)
		return
	}
	m.events.Send(router.RawFrame{Data: data, ReceivedAt: time.Now()})
}

// isServerClose reports whether the server ended the connection with a close frame.
func isServerClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
