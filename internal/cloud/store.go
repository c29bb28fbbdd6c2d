// Package cloud provides the remote store transports the feeder syncs with.
// Firebase Realtime Database is reached over REST with a server-sent event
// stream; a WebSocket relay and an MQTT broker carry the same event model.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by writes after the store has been closed
var ErrClosed = errors.New("store closed")

// ErrQueueFull is returned when the outbound write queue cannot take more
var ErrQueueFull = errors.New("write queue full")

// EventKind classifies a stream event
type EventKind int

const (
	EventError EventKind = iota
	EventAuthReady
	EventPut
	EventPatch
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventAuthReady:
		return "auth_ready"
	case EventPut:
		return "put"
	case EventPatch:
		return "patch"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one notification from the remote store. A put at the root path
// carries the full tree.
type Event struct {
	Kind EventKind
	Path string
	Data json.RawMessage
	Err  error
}

// Value decodes the event payload
func (e Event) Value() Value {
	return DecodeValue(e.Data)
}

// Store is a streaming connection to a hierarchical key-value store.
// Set and Remove enqueue the write and return immediately; delivery failures
// are reported through the error handler, never to the caller.
type Store interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
	Set(path string, value any) error
	Remove(path string) error
	Close() error
}

// ConnectionReporter is implemented by stores that can report link state
type ConnectionReporter interface {
	IsConnected() bool
}

// WriteErrorHandler observes asynchronous write failures
type WriteErrorHandler func(path string, err error)

// write is a queued outbound operation
type write struct {
	path   string
	data   json.RawMessage
	remove bool
}

func newWrite(path string, value any) (write, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return write{}, fmt.Errorf("marshal value for %s: %w", path, err)
	}
	return write{path: path, data: data}, nil
}

// emit delivers an event unless ctx is done
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
