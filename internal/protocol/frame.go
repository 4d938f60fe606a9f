package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is a single JSON message on the wire.
type Frame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   int64           `json:"ack,omitempty"`
	Error *AckError       `json:"error,omitempty"`
}

// AckError is the rejection carried by an ack frame.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerError is a protocol error reported by the server for a specific event.
type ServerError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Event   EventName `json:"event,omitempty"`
}

func (e *ServerError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("server rejected %s: %s: %s", e.Event, e.Code, e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// EncodeFrame marshals an outbound event. data may be nil.
func EncodeFrame(event EventName, data any, ack int64) ([]byte, error) {
	f := Frame{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// DecodeFrame parses an inbound frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event name")
	}
	return f, nil
}

// IsAck reports whether the frame answers an outbound event.
// Server "error" frames carrying an ack id answer the caller too.
func (f Frame) IsAck() bool {
	return f.Ack != 0 && (f.Event == EventAck || f.Event == EventError)
}

// Err returns the rejection carried by an ack frame, or nil.
func (f Frame) Err(event EventName) error {
	if f.Error != nil {
		return &ServerError{Code: f.Error.Code, Message: f.Error.Message, Event: event}
	}
	if f.Event == EventError {
		se := &ServerError{Code: "error", Event: event}
		if len(f.Data) > 0 {
			_ = json.Unmarshal(f.Data, se)
			if se.Event == "" {
				se.Event = event
			}
		}
		return se
	}
	return nil
}
