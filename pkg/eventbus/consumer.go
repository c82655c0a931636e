package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-eventbus/pkg/broker"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
	"github.com/zoff-tech/go-eventbus/schema"
)

type consumer struct {
	ch         broker.Channel
	tag        string
	deliveries <-chan amqp.Delivery
}

// stop cancels the broker consumer; the delivery stream then ends and run
// closes the channel once in-flight deliveries are settled.
func (c *consumer) stop() {
	_ = c.ch.Cancel(c.tag, false)
}

// startConsumerLocked starts the shared consumer unless it is running. b.mu must be held.
func (b *Bus) startConsumerLocked() error {
	if b.consumer != nil {
		return nil
	}

	ch, err := b.conn.CreateChannel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(b.settings.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	tag := "eventbus-" + uuid.NewString()
	deliveries, err := ch.Consume(
		b.settings.Queue, // queue
		tag,              // consumer
		false,            // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,              // args
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c := &consumer{ch: ch, tag: tag, deliveries: deliveries}
	b.consumer = c
	b.wg.Add(1)
	go b.run(c)

	b.logger.Info("consumer started",
		zap.String("queue", b.settings.Queue),
		zap.Int("concurrency", b.settings.Concurrency),
		zap.Int("prefetch", b.settings.Prefetch),
	)
	return nil
}

// run drains c with the configured number of workers. If the stream ends
// without anyone stopping the consumer, the connection was lost and run
// switches to recovery.
func (b *Bus) run(c *consumer) {
	defer b.wg.Done()

	var workers sync.WaitGroup
	for i := 0; i < b.settings.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for d := range c.deliveries {
				b.handleDelivery(d)
			}
		}()
	}
	workers.Wait()
	_ = c.ch.Close()

	b.mu.Lock()
	lost := b.consumer == c && !b.closed
	if lost {
		b.consumer = nil
	}
	b.mu.Unlock()

	if !lost {
		b.logger.Info("consumer stopped", zap.String("consumer", c.tag))
		return
	}
	b.logger.Warn("delivery stream closed, waiting for the broker",
		zap.String("consumer", c.tag),
		zap.Duration("retry_in", b.settings.ReconnectDelay),
	)
	b.recover()
}

// recover reconnects every ReconnectDelay until the topology is declared
// again and a consumer runs, or the bus closes.
func (b *Bus) recover() {
	timer := time.NewTimer(b.settings.ReconnectDelay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-b.recoverCtx.Done():
			return
		case <-timer.C:
		}

		err := b.resume()
		if err == nil {
			return
		}
		b.logger.Warn("consumer recovery failed", zap.Int("attempt", attempt), zap.Error(err))
		timer.Reset(b.settings.ReconnectDelay)
	}
}

func (b *Bus) resume() error {
	if !b.conn.TryConnect(b.recoverCtx) {
		return broker.ErrNotConnected
	}
	b.pool.Drain()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.consumer != nil || b.registry.IsEmpty() {
		return nil
	}

	eventTypes := b.registry.EventTypes()
	err := b.withChannel(func(ch broker.Channel) error {
		if err := b.declareQueue(ch); err != nil {
			return err
		}
		for _, eventType := range eventTypes {
			if err := b.bind(ch, eventType); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := b.startConsumerLocked(); err != nil {
		return err
	}
	b.logger.Info("consumer resumed", zap.Strings("event_types", eventTypes))
	return nil
}

func (b *Bus) handleDelivery(d amqp.Delivery) {
	ctx := extractTraceContext(b.ctx, d.Headers)
	ctx, span := b.tracer.Start(ctx, d.RoutingKey+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(d.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(d.RoutingKey),
			semconv.MessagingMessageIDKey.String(d.MessageId),
			semconv.MessagingOperationProcess,
		),
	)
	defer span.End()

	logger := b.logger.With(
		zap.String("event_type", d.RoutingKey),
		zap.String("message_id", d.MessageId),
	)

	outcome, err := b.dispatch(ctx, d, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch outcome {
	case telemetry.OutcomeRequeue:
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Warn("failed to nack delivery", zap.Error(nackErr))
		}
	default:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Warn("failed to ack delivery", zap.Error(ackErr))
		}
	}
	b.metrics.Consumed(d.RoutingKey, outcome)
}

// dispatch decodes d and runs every handler of its type in order. Poison
// messages are dropped; handler failures requeue.
func (b *Bus) dispatch(ctx context.Context, d amqp.Delivery, logger *zap.Logger) (string, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.OutcomeRequeue, err
	}

	eventType, ok := b.registry.GetEventTypeByName(d.RoutingKey)
	if !ok {
		logger.Warn("dropping message for unknown event type")
		return telemetry.OutcomeDropped, nil
	}

	var env schema.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		logger.Warn("dropping undecodable message", zap.Error(err))
		return telemetry.OutcomeDropped, nil
	}
	if err := env.Validate(); err != nil {
		logger.Warn("dropping invalid envelope", zap.Error(err))
		return telemetry.OutcomeDropped, nil
	}
	event, err := eventType.Decode(env)
	if err != nil {
		logger.Warn("dropping message with undecodable payload", zap.Error(err))
		return telemetry.OutcomeDropped, nil
	}

	scope, err := b.resolver.BeginScope(ctx)
	if err != nil {
		logger.Error("failed to open handler scope", zap.Error(err))
		return telemetry.OutcomeRequeue, err
	}
	defer func() {
		if err := scope.Close(); err != nil {
			logger.Warn("failed to close handler scope", zap.Error(err))
		}
	}()

	msg := Message{Envelope: env, Event: event, Redelivered: d.Redelivered}
	for _, handlerType := range b.registry.GetHandlersForEvent(d.RoutingKey) {
		h, err := scope.Resolve(handlerType)
		if err != nil {
			logger.Error("failed to resolve handler", zap.String("handler_type", handlerType), zap.Error(err))
			return telemetry.OutcomeRequeue, err
		}
		if err := invoke(ctx, h, msg); err != nil {
			logger.Warn("handler failed, requeueing",
				zap.String("handler_type", handlerType),
				zap.Bool("redelivered", d.Redelivered),
				zap.Error(err),
			)
			return telemetry.OutcomeRequeue, err
		}
	}
	return telemetry.OutcomeAcked, nil
}

// invoke runs h and turns a panic into an error so the delivery is requeued
// instead of taking the process down.
func invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
	}()
	return h.Handle(ctx, msg)
}
