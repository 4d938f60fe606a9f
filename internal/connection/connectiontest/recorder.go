// Package connectiontest provides an in-memory connection.Emitter for tests of
// code that writes through the connection manager.
package connectiontest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rickgao/socialsync/internal/connection"
	"github.com/rickgao/socialsync/internal/protocol"
)

// Frame is one recorded write.
type Frame struct {
	Event protocol.EventName
	Data  json.RawMessage
	Ack   bool
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

// Responder answers an EmitWithAck. Returning an error rejects the caller.
type Responder func(event protocol.EventName, data json.RawMessage) ([]byte, error)

// Recorder records every write and answers acks through a Responder.
type Recorder struct {
	mu      sync.Mutex
	frames  []Frame
	offline bool
	respond Responder
}

var _ connection.Emitter = (*Recorder)(nil)

// New returns an online recorder that acks every emit with an empty payload.
func New() *Recorder {
	return &Recorder{}
}

// SetOffline makes Send fail with connection.ErrNotConnected. Emit and
// EmitWithAck still record, as the manager would queue them.
func (r *Recorder) SetOffline(offline bool) {
	r.mu.Lock()
	r.offline = offline
	r.mu.Unlock()
}

// Respond installs the ack responder.
func (r *Recorder) Respond(fn Responder) {
	r.mu.Lock()
	r.respond = fn
	r.mu.Unlock()
}

// Send records a non-queued write.
func (r *Recorder) Send(event protocol.EventName, data any) error {
	r.mu.Lock()
	offline := r.offline
	r.mu.Unlock()
	if offline {
		return connection.ErrNotConnected
	}
	_, err := r.record(event, data, false)
	return err
}

// Emit records a write.
func (r *Recorder) Emit(ctx context.Context, event protocol.EventName, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.record(event, data, false)
	return err
}

// EmitWithAck records a write and returns the responder's answer.
func (r *Recorder) EmitWithAck(ctx context.Context, event protocol.EventName, data any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := r.record(event, data, true)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	respond := r.respond
	r.mu.Unlock()
	if respond == nil {
		return nil, nil
	}
	return respond(event, raw)
}

// Frames returns a copy of every recorded write.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Named returns the recorded writes of one event.
func (r *Recorder) Named(event protocol.EventName) []Frame {
	var out []Frame
	for _, f := range r.Frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Rooms returns the room ids carried by join_room or leave_room writes, in order.
func (r *Recorder) Rooms(event protocol.EventName) []string {
	var out []string
	for _, f := range r.Named(event) {
		var room string
		if err := f.Decode(&room); err == nil {
			out = append(out, room)
		}
	}
	return out
}

// Reset forgets the recorded writes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

func (r *Recorder) record(event protocol.EventName, data any, ack bool) (json.RawMessage, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	r.mu.Lock()
	r.frames = append(r.frames, Frame{Event: event, Data: raw, Ack: ack})
	r.mu.Unlock()
	return raw, nil
}
