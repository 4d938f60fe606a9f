package router

import (
	"time"

	"github.com/rickgao/socialsync/internal/protocol"
)

// RawFrame is one inbound text frame, or a lifecycle notice encoded the same way.
type RawFrame struct {
	Data       []byte    // JSON frame bytes
	ReceivedAt time.Time // local time the read loop returned
}

// Dispatcher receives every decoded event. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ev protocol.Event)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ev protocol.Event)

// Dispatch calls f(ev).
func (f DispatcherFunc) Dispatch(ev protocol.Event) {
	f(ev)
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	FramesReceived   int64
	EventsDispatched int64
	ParseErrors      int64
	UnknownEvents    int64
	Input            BufferStats
}
