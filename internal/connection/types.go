package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/router"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrUnableToConnect = errors.New("unable to connect")
	ErrDisconnected    = errors.New("connection lost before acknowledgment")
	ErrAckTimeout      = errors.New("acknowledgment timeout")
	ErrQueueFull       = errors.New("offline queue full")
	ErrInvalidIdentity = errors.New("identity has no user id")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// State is the connection state machine:
// disconnected -> connecting -> connected -> (disconnected | connecting).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Sender writes an event on the live connection without queueing.
type Sender interface {
	Send(event protocol.EventName, data any) error
}

// Emitter is the part of the manager that domain code writes through.
type Emitter interface {
	Sender

	// Emit writes an event, queueing it while a reconnect is in progress.
	Emit(ctx context.Context, event protocol.EventName, data any) error

	// EmitWithAck emits and waits for the server's acknowledgment.
	EmitWithAck(ctx context.Context, event protocol.EventName, data any) ([]byte, error)
}

// Hooks are called by the manager on connection transitions.
// Hooks run on the manager's goroutine and must not call Connect, Disconnect or Reconnect.
type Hooks struct {
	// OnConnected runs after register_user and before queued emits are flushed.
	OnConnected func(s Sender) error

	// OnDisconnected runs when the transport drops or Disconnect is called.
	OnDisconnected func()

	// OnTeardown runs only on Disconnect: derived state must be cleared.
	OnTeardown func()
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://social.example.com/socket)
	Header           http.Header   // Handshake headers (Authorization)
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	WSURL              string        // WebSocket URL
	ReconnectBaseDelay time.Duration // First retry delay; doubled per failed attempt
	ReconnectMaxDelay  time.Duration // Cap on the retry delay
	MaxAttempts        int           // Failed dials before giving up
	PingTimeout        time.Duration // Passed to the client
	WriteTimeout       time.Duration // Passed to the client
	AckTimeout         time.Duration // How long EmitWithAck waits once the frame is written
	BufferSize         int           // Initial capacity of the inbound event buffer
	QueueSize          int           // Max emits queued while not connected
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  5 * time.Second,
		MaxAttempts:        5,
		PingTimeout:        60 * time.Second,
		WriteTimeout:       5 * time.Second,
		AckTimeout:         10 * time.Second,
		BufferSize:         1024,
		QueueSize:          256,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State       State
	UserID      string
	Attempt     int   // failed dials in the current cycle
	Connects    int64 // successful connections
	Drops       int64 // transport drops (not counting Disconnect)
	FramesSent  int64
	Queued      int // emits waiting for a connection
	PendingAcks int
	Events      router.BufferStats
}

// call is one outbound emit, possibly awaiting an acknowledgment.
type call struct {
	event protocol.EventName
	data  any
	ack   int64 // 0: fire-and-forget

	reply   chan ackResult // buffered(1); nil when ack == 0
	written chan struct{}  // closed once the frame is on the wire
}

type ackResult struct {
	data json.RawMessage
	err  error
}
