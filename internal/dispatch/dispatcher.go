// Package dispatch implements the event dispatcher: a registry mapping event names
// to the local handlers interested in them.
//
// The dispatcher is the seam between the transport and its consumers. Handlers
// subscribe and unsubscribe across component lifecycles without the connection
// knowing about them. Handlers for the same event run in no particular order, and a
// failing handler never prevents the others from running.
package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/socialsync/internal/protocol"
)

// Handler receives a dispatched event. A returned error is logged, not propagated.
type Handler func(protocol.Event) error

// Unsubscribe removes the handler it was returned for. Calling it more than once is safe.
type Unsubscribe func()

// HandlerID identifies a registration.
type HandlerID uint64

// Stats counts dispatcher activity.
type Stats struct {
	Dispatched int64
	Unhandled  int64
	Failures   int64
}

// Dispatcher is a typed publish/subscribe registry keyed by event name.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[protocol.EventName]map[HandlerID]Handler
	nextID   HandlerID

	statsMu sync.Mutex
	stats   Stats
}

// New creates an empty dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[protocol.EventName]map[HandlerID]Handler),
	}
}

// On registers h for name and returns the function that removes it.
// Only dispatchable events (inbound or lifecycle) can be subscribed to.
func (d *Dispatcher) On(name protocol.EventName, h Handler) Unsubscribe {
	id := d.Register(name, h)

	var once sync.Once
	return func() {
		once.Do(func() { d.Off(name, id) })
	}
}

// Register is On for callers that keep the registration id and later call Off.
func (d *Dispatcher) Register(name protocol.EventName, h Handler) HandlerID {
	if !name.Dispatchable() {
		panic(fmt.Sprintf("dispatch: cannot subscribe to %q", name))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	set, ok := d.handlers[name]
	if !ok {
		set = make(map[HandlerID]Handler)
		d.handlers[name] = set
	}
	set[d.nextID] = h
	return d.nextID
}

// Off removes a registration. It is equivalent to calling the Unsubscribe returned by On.
func (d *Dispatcher) Off(name protocol.EventName, id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.handlers[name]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(d.handlers, name)
	}
}

// HandlerCount returns the number of handlers registered for name.
func (d *Dispatcher) HandlerCount(name protocol.EventName) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}

// Dispatch invokes every current handler for ev.Name synchronously.
// Handlers registered or removed while dispatching take effect on the next event.
func (d *Dispatcher) Dispatch(ev protocol.Event) {
	d.mu.RLock()
	set := d.handlers[ev.Name]
	hs := make([]Handler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	d.mu.RUnlock()

	d.statsMu.Lock()
	d.stats.Dispatched++
	if len(hs) == 0 {
		d.stats.Unhandled++
	}
	d.statsMu.Unlock()

	if len(hs) == 0 {
		d.logger.Debug("no handlers for event", "event", ev.Name)
		return
	}

	for _, h := range hs {
		if err := d.invoke(h, ev); err != nil {
			d.statsMu.Lock()
			d.stats.Failures++
			d.statsMu.Unlock()
			d.logger.Warn("event handler failed", "event", ev.Name, "error", err)
		}
	}
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// invoke runs one handler, turning a panic into an error.
func (d *Dispatcher) invoke(h Handler, ev protocol.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}

// Handle registers a handler that receives the decoded payload of name.
func Handle[T any](d *Dispatcher, name protocol.EventName, fn func(T) error) Unsubscribe {
	return d.On(name, func(ev protocol.Event) error {
		var v T
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &v); err != nil {
				return fmt.Errorf("decode %s payload: %w", name, err)
			}
		}
		return fn(v)
	})
}
