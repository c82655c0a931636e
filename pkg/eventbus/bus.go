// Package eventbus publishes envelopes to a topic exchange and dispatches
// consumed deliveries to registered handlers.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-eventbus/pkg/broker"
	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/subscription"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
	"github.com/zoff-tech/go-eventbus/schema"
)

var (
	ErrClosed     = errors.New("event bus is closed")
	ErrNoResolver = errors.New("event bus has no handler resolver")
)

// Publisher sends envelopes to the broker.
type Publisher interface {
	Publish(ctx context.Context, env schema.Envelope) error
	Close() error
}

// Bus is the RabbitMQ event bus. Every event type is a routing key on one
// durable topic exchange; the service consumes from one durable queue bound
// to the keys it subscribes to.
type Bus struct {
	settings config.BrokerSettings
	conn     *broker.ConnectionManager
	ownsConn bool
	pool     *broker.ChannelPool
	registry *subscription.Registry
	resolver HandlerResolver
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	// ctx scopes handler invocations; recoverCtx scopes reconnection.
	ctx           context.Context
	cancel        context.CancelFunc
	recoverCtx    context.Context
	cancelRecover context.CancelFunc

	mu       sync.Mutex // guards consumer, closed and topology changes
	consumer *consumer
	closed   bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bus) { b.tracer = tp.Tracer(telemetry.TracerName) }
}

// WithRegistry shares an existing registry with the bus.
func WithRegistry(r *subscription.Registry) Option {
	return func(b *Bus) { b.registry = r }
}

// WithResolver sets the handler resolver used by the consumer. A bus
// without one can only publish.
func WithResolver(r HandlerResolver) Option {
	return func(b *Bus) { b.resolver = r }
}

// NewBus creates a bus on conn. The caller keeps ownership of conn.
func NewBus(settings config.BrokerSettings, conn *broker.ConnectionManager, opts ...Option) *Bus {
	settings.ApplyDefaults()
	b := &Bus{
		settings: settings,
		conn:     conn,
		tracer:   otel.Tracer(telemetry.TracerName),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = subscription.NewRegistry()
	}
	b.logger = telemetry.Component(b.logger, "eventbus")
	b.pool = broker.NewChannelPool(conn, settings.PoolSize, b.logger)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.recoverCtx, b.cancelRecover = context.WithCancel(context.Background())
	b.registry.OnEventRemoved(b.onEventRemoved)
	return b
}

func (b *Bus) Registry() *subscription.Registry {
	return b.registry
}

// Publish sends env to the exchange with env.Type as routing key. Failures
// are returned to the caller; nothing is buffered.
func (b *Bus) Publish(ctx context.Context, env schema.Envelope) error {
	ctx, span := b.tracer.Start(ctx, env.Type+" send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(b.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(env.Type),
			semconv.MessagingMessageIDKey.String(env.ID.String()),
		),
	)
	defer span.End()

	size, err := b.publish(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.metrics.PublishFailed(env.Type)
		return err
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", size))
	b.metrics.Published(env.Type)
	return nil
}

func (b *Bus) publish(ctx context.Context, env schema.Envelope) (int, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}
	if err := env.Validate(); err != nil {
		return 0, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.ensureConnected(ctx); err != nil {
		return 0, err
	}

	pc, err := b.pool.Get()
	if err != nil {
		return 0, fmt.Errorf("failed to get channel: %w", err)
	}

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	if err := b.declareExchange(pc); err != nil {
		b.pool.Discard(pc)
		return 0, err
	}

	headers := amqp.Table{}
	injectTraceHeaders(ctx, headers)

	if err := ctx.Err(); err != nil {
		b.pool.Put(pc)
		return 0, err
	}

	err = pc.Publish(b.settings.Exchange, env.Type, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID.String(),
		Timestamp:    env.OccurredAt,
		Type:         env.Type,
		Body:         body,
	})
	if err != nil {
		b.pool.Discard(pc)
		return 0, fmt.Errorf("failed to publish %s: %w", env.Type, err)
	}
	b.pool.Put(pc)
	return len(body), nil
}

// Subscribe registers handlerType for eventType, binds the queue to the
// event type and starts the consumer if it is not running yet.
func (b *Bus) Subscribe(ctx context.Context, eventType, handlerType string, opts ...subscription.Option) error {
	if b.isClosed() {
		return ErrClosed
	}
	if b.resolver == nil {
		return ErrNoResolver
	}
	if err := b.registry.AddSubscription(eventType, handlerType, opts...); err != nil {
		return err
	}

	if err := b.ensureRouting(ctx, eventType); err != nil {
		b.registry.RemoveSubscription(eventType, handlerType)
		return fmt.Errorf("failed to subscribe %s to %s: %w", handlerType, eventType, err)
	}

	b.logger.Info("subscribed",
		zap.String("event_type", eventType),
		zap.String("handler_type", handlerType),
	)
	return nil
}

func (b *Bus) ensureRouting(ctx context.Context, eventType string) error {
	if err := b.ensureConnected(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	err := b.withChannel(func(ch broker.Channel) error {
		if err := b.declareQueue(ch); err != nil {
			return err
		}
		return b.bind(ch, eventType)
	})
	if err != nil {
		return err
	}
	return b.startConsumerLocked()
}

// Unsubscribe removes handlerType from eventType. The last handler of a type
// unbinds its routing key; an empty registry stops the consumer.
func (b *Bus) Unsubscribe(eventType, handlerType string) {
	b.registry.RemoveSubscription(eventType, handlerType)
}

// onEventRemoved runs under b.mu so it cannot interleave with the binding
// done by ensureRouting. A type that was subscribed again in the meantime
// keeps its binding.
func (b *Bus) onEventRemoved(eventType string) {
	b.mu.Lock()
	if b.registry.HasSubscriptionsForEvent(eventType) {
		b.mu.Unlock()
		return
	}

	if b.conn.IsConnected() {
		err := b.withChannel(func(ch broker.Channel) error {
			return ch.QueueUnbind(b.settings.Queue, eventType, b.settings.Exchange, nil)
		})
		if err != nil {
			b.logger.Warn("failed to unbind queue", zap.String("event_type", eventType), zap.Error(err))
		} else {
			b.logger.Info("unbound queue", zap.String("event_type", eventType))
		}
	}

	var c *consumer
	if b.registry.IsEmpty() {
		c, b.consumer = b.consumer, nil
	}
	b.mu.Unlock()
	if c != nil {
		b.logger.Info("no subscriptions left, stopping consumer")
		c.stop()
	}
}

// Close stops the consumer, waits for in-flight deliveries and clears the
// registry. The connection is closed only if the bus created it.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		c := b.consumer
		b.consumer = nil
		b.mu.Unlock()

		b.cancelRecover()
		if c != nil {
			c.stop()
		}
		b.wg.Wait()
		b.cancel()

		b.pool.Close()
		b.registry.Clear()
		if b.ownsConn {
			err = b.conn.Close()
		}
		b.logger.Info("event bus closed")
	})
	return err
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) ensureConnected(ctx context.Context) error {
	if b.conn.IsConnected() || b.conn.TryConnect(ctx) {
		return nil
	}
	return broker.ErrNotConnected
}

// withChannel runs fn on a pooled channel. A failed channel is discarded
// since the broker closes channels on most errors.
func (b *Bus) withChannel(fn func(ch broker.Channel) error) error {
	pc, err := b.pool.Get()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}
	if err := fn(pc); err != nil {
		b.pool.Discard(pc)
		return err
	}
	b.pool.Put(pc)
	return nil
}

func (b *Bus) declareExchange(ch broker.Channel) error {
	err := ch.ExchangeDeclare(
		b.settings.Exchange, // name of the exchange
		amqp.ExchangeTopic,  // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

func (b *Bus) declareQueue(ch broker.Channel) error {
	if err := b.declareExchange(ch); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(b.settings.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

func (b *Bus) bind(ch broker.Channel, eventType string) error {
	if err := ch.QueueBind(b.settings.Queue, eventType, b.settings.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s: %w", eventType, err)
	}
	return nil
}
