package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-eventbus/pkg/eventbus"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
)

// Transactor runs fn in a transaction that store calls made with its ctx join.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

var errRecordedElsewhere = errors.New("message recorded by another consumer")

// Guard runs a side effect at most once per message id.
type Guard struct {
	store   Store
	tx      Transactor
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

type Option func(*Guard)

func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) { g.logger = telemetry.Component(l, "inbox") }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithTransactor commits the side effect and the inbox row together. When
// another consumer records the id first, the side effect is rolled back.
func WithTransactor(t Transactor) Option {
	return func(g *Guard) { g.tx = t }
}

func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		logger: telemetry.Component(nil, "inbox"),
		locks:  make(map[uuid.UUID]*keyLock),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Process runs fn unless id was already processed. The id is recorded only
// after fn succeeds; a failing fn records nothing so a redelivery retries it.
// It reports whether fn ran to completion in this call.
func (g *Guard) Process(ctx context.Context, id uuid.UUID, messageType string, fn func(ctx context.Context) error) (bool, error) {
	unlock, err := g.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	logger := g.logger.With(zap.Stringer("message_id", id), zap.String("message_type", messageType))

	seen, err := g.store.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if seen {
		g.metrics.InboxDuplicate()
		logger.Info("skipping already processed message")
		return false, nil
	}

	if g.tx == nil {
		return g.run(ctx, id, messageType, fn, logger)
	}

	var processed bool
	err = g.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		processed, err = g.run(ctx, id, messageType, fn, logger)
		if err == nil && !processed {
			return errRecordedElsewhere
		}
		return err
	})
	if errors.Is(err, errRecordedElsewhere) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return processed, nil
}

func (g *Guard) run(ctx context.Context, id uuid.UUID, messageType string, fn func(ctx context.Context) error, logger *zap.Logger) (bool, error) {
	if err := fn(ctx); err != nil {
		return false, err
	}
	added, err := g.store.TryAdd(ctx, id, messageType)
	if err != nil {
		return true, fmt.Errorf("failed to record processed message %s: %w", id, err)
	}
	if !added {
		g.metrics.InboxDuplicate()
		logger.Warn("message was recorded concurrently by another consumer")
		return false, nil
	}
	return true, nil
}

// Wrap guards h with the envelope's id and type.
func (g *Guard) Wrap(h eventbus.Handler) eventbus.Handler {
	return eventbus.HandlerFunc(func(ctx context.Context, msg eventbus.Message) error {
		_, err := g.Process(ctx, msg.Envelope.ID, msg.Envelope.Type, func(ctx context.Context) error {
			return h.Handle(ctx, msg)
		})
		return err
	})
}

// lock serializes calls for the same id within this process.
func (g *Guard) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	g.mu.Lock()
	l, ok := g.locks[id]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		g.locks[id] = l
	}
	l.refs++
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, id)
		}
		g.mu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
	return func() {
		<-l.sem
		release()
	}, nil
}
