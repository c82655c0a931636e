package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zoff-tech/go-eventbus/schema"
)

var (
	ErrUnknownHandler  = errors.New("no handler registered for handler type")
	ErrHandlerPanicked = errors.New("handler panicked")
)

// Message is a decoded delivery handed to handlers.
type Message struct {
	Envelope schema.Envelope
	// Event is the value returned by the decoder registered for the event type.
	Event any
	// Redelivered is set when the broker has delivered this message before.
	Redelivered bool
}

// Handler processes one event. A returned error requeues the delivery.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// HandlerResolver opens a resolution scope per delivery.
type HandlerResolver interface {
	BeginScope(ctx context.Context) (HandlerScope, error)
}

// HandlerScope resolves handler types to instances for the lifetime of one delivery.
type HandlerScope interface {
	Resolve(handlerType string) (Handler, error)
	Close() error
}

// HandlerFactory builds a handler instance for one scope.
type HandlerFactory func(ctx context.Context) (Handler, error)

type registration struct {
	factory HandlerFactory
	shared  bool
}

// FactoryResolver resolves handler types through registered factories. Each
// scope calls a factory at most once per handler type.
type FactoryResolver struct {
	mu            sync.RWMutex
	registrations map[string]registration
}

func NewFactoryResolver() *FactoryResolver {
	return &FactoryResolver{registrations: make(map[string]registration)}
}

// Register binds handlerType to factory, replacing any previous binding.
// Instances built by factory are closed with their scope if they implement io.Closer.
func (r *FactoryResolver) Register(handlerType string, factory HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[handlerType] = registration{factory: factory}
}

// RegisterHandler binds handlerType to a shared instance that outlives every scope.
func (r *FactoryResolver) RegisterHandler(handlerType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[handlerType] = registration{
		factory: func(context.Context) (Handler, error) { return h, nil },
		shared:  true,
	}
}

func (r *FactoryResolver) BeginScope(ctx context.Context) (HandlerScope, error) {
	r.mu.RLock()
	registrations := make(map[string]registration, len(r.registrations))
	for k, v := range r.registrations {
		registrations[k] = v
	}
	r.mu.RUnlock()
	return &factoryScope{ctx: ctx, registrations: registrations, resolved: make(map[string]Handler)}, nil
}

type factoryScope struct {
	ctx           context.Context
	registrations map[string]registration
	resolved      map[string]Handler
	owned         []Handler
}

func (s *factoryScope) Resolve(handlerType string) (Handler, error) {
	if h, ok := s.resolved[handlerType]; ok {
		return h, nil
	}
	reg, ok := s.registrations[handlerType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, handlerType)
	}
	h, err := reg.factory(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build handler %s: %w", handlerType, err)
	}
	s.resolved[handlerType] = h
	if !reg.shared {
		s.owned = append(s.owned, h)
	}
	return h, nil
}

// Close releases the scope's own handlers that implement io.Closer.
func (s *factoryScope) Close() error {
	var errs []error
	for _, h := range s.owned {
		if c, ok := h.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	s.owned, s.resolved = nil, nil
	return errors.Join(errs...)
}
