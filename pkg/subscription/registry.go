// Package subscription keeps the in-memory table of which handler types are
// interested in which event types.
package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/zoff-tech/go-eventbus/schema"
)

var (
	ErrInvalidSubscription   = errors.New("event type and handler type are required")
	ErrDuplicateSubscription = errors.New("subscription already exists")
	ErrUnknownEventType      = errors.New("unknown event type")
)

// DecodeFunc turns a received envelope into the value handed to handlers.
type DecodeFunc func(env schema.Envelope) (any, error)

// Subscription pairs an event type with a handler type.
type Subscription struct {
	EventType   string
	HandlerType string
}

// EventType is a routable event type and the decoder registered for it.
type EventType struct {
	Name   string
	Decode DecodeFunc
}

// Option configures AddSubscription.
type Option func(*EventType)

// WithDecoder sets the payload decoder for the event type. Only the first
// subscription of a type installs its decoder.
func WithDecoder(fn DecodeFunc) Option {
	return func(t *EventType) {
		if fn != nil {
			t.Decode = fn
		}
	}
}

// Decode returns a DecodeFunc that unmarshals the payload into a T.
func Decode[T any]() DecodeFunc {
	return func(env schema.Envelope) (any, error) {
		var v T
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
		}
		return v, nil
	}
}

// Envelope is the default decoder; it hands the envelope itself to handlers.
func Envelope(env schema.Envelope) (any, error) {
	return env, nil
}

// Registry maps event types to handler types. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]string
	types    map[string]EventType

	listenersMu sync.RWMutex
	listeners   []func(eventType string)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]string),
		types:    make(map[string]EventType),
	}
}

// OnEventRemoved registers fn to be called after the last handler of an event type is removed.
func (r *Registry) OnEventRemoved(fn func(eventType string)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// AddSubscription registers handlerType for eventType.
func (r *Registry) AddSubscription(eventType, handlerType string, opts ...Option) error {
	if eventType == "" || handlerType == "" {
		return ErrInvalidSubscription
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.handlers[eventType], handlerType) {
		return fmt.Errorf("%w: %s -> %s", ErrDuplicateSubscription, eventType, handlerType)
	}

	if _, ok := r.types[eventType]; !ok {
		t := EventType{Name: eventType, Decode: Envelope}
		for _, opt := range opts {
			opt(&t)
		}
		r.types[eventType] = t
	}
	r.handlers[eventType] = append(r.handlers[eventType], handlerType)
	return nil
}

// RemoveSubscription drops handlerType from eventType. Removing the last
// handler forgets the type and notifies the OnEventRemoved listeners.
func (r *Registry) RemoveSubscription(eventType, handlerType string) {
	r.mu.Lock()
	handlers := r.handlers[eventType]
	idx := slices.Index(handlers, handlerType)
	if idx < 0 {
		r.mu.Unlock()
		return
	}

	handlers = slices.Delete(slices.Clone(handlers), idx, idx+1)
	removed := len(handlers) == 0
	if removed {
		delete(r.handlers, eventType)
		delete(r.types, eventType)
	} else {
		r.handlers[eventType] = handlers
	}
	r.mu.Unlock()

	if removed {
		r.raiseEventRemoved(eventType)
	}
}

func (r *Registry) raiseEventRemoved(eventType string) {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(eventType)
	}
}

func (r *Registry) HasSubscriptionsForEvent(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType]) > 0
}

// GetHandlersForEvent returns a copy of the handler types in subscription order.
func (r *Registry) GetHandlersForEvent(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handlers[eventType])
}

func (r *Registry) GetEventTypeByName(name string) (EventType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// EventTypes returns the routable event type names, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscriptions returns a snapshot of every registered pair.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var subs []Subscription
	for eventType, handlers := range r.handlers {
		for _, h := range handlers {
			subs = append(subs, Subscription{EventType: eventType, HandlerType: h})
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].EventType != subs[j].EventType {
			return subs[i].EventType < subs[j].EventType
		}
		return subs[i].HandlerType < subs[j].HandlerType
	})
	return subs
}

func (r *Registry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers) == 0
}

// Clear drops every subscription without notifying listeners.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]string)
	r.types = make(map[string]EventType)
}
