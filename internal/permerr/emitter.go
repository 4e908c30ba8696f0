// Package permerr is the structured channel for denied profile-store writes.
// Stores report here instead of formatting errors for the UI; a developer
// overlay (or anything else) observes the channel.
package permerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

// ErrPermissionDenied marks a write rejected by the store's access rules.
var ErrPermissionDenied = errors.New("permission denied")

// Operation is the kind of write that was attempted.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
)

// Event describes one denied write with enough detail to reproduce it.
type Event struct {
	ID        string          `json:"id"`
	Path      string          `json:"path"`
	Operation Operation       `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// Error is returned to the caller alongside the reported event so call sites
// can tell a permission denial apart from a generic failure.
type Error struct {
	Event Event
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Event.Operation, e.Event.Path, ErrPermissionDenied)
}

func (e *Error) Unwrap() error { return ErrPermissionDenied }

// Observer receives every reported event.
type Observer interface {
	OnPermissionError(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnPermissionError(e Event) { f(e) }

// Reporter is what stores depend on.
type Reporter interface {
	Report(path string, op Operation, payload any) *Error
}

// Emitter fans reports out to registered observers and remembers the most
// recent ones for the diagnostic overlay.
type Emitter struct {
	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
	recent    []Event
	limit     int
	now       func() time.Time
}

func NewEmitter(limit int) *Emitter {
	if limit <= 0 {
		limit = 50
	}
	return &Emitter{observers: make(map[int]Observer), limit: limit, now: time.Now}
}

// Subscribe registers an observer and returns a function that removes it.
func (e *Emitter) Subscribe(o Observer) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.observers[id] = o
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// Report records the event, notifies observers synchronously and returns the
// error the store should hand back to its caller.
func (e *Emitter) Report(path string, op Operation, payload any) *Error {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	ev := Event{
		ID:        utilities.NewSnowflakeID(),
		Path:      path,
		Operation: op,
		Payload:   raw,
		At:        e.now().UTC(),
	}

	e.mu.Lock()
	e.recent = append(e.recent, ev)
	if over := len(e.recent) - e.limit; over > 0 {
		e.recent = append([]Event(nil), e.recent[over:]...)
	}
	observers := make([]Observer, 0, len(e.observers))
	for _, o := range e.observers {
		observers = append(observers, o)
	}
	e.mu.Unlock()

	for _, o := range observers {
		o.OnPermissionError(ev)
	}
	return &Error{Event: ev}
}

// Recent returns a copy of the retained events, oldest first.
func (e *Emitter) Recent() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Event(nil), e.recent...)
}
