package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
	"github.com/zoff-tech/go-eventbus/schema"
)

// Pub/Sub message attributes.
const (
	AttrMessageID = "message_id"
	AttrEventType = "event_type"
)

// PubSubPublisherCreator defines a function type for creating Pub/Sub publishers.
type PubSubPublisherCreator func(ctx context.Context, settings config.BrokerSettings, opts ...option.ClientOption) (*PubSubPublisher, error)

// NewPubSubPublisher is the default implementation of PubSubPublisherCreator.
var NewPubSubPublisher PubSubPublisherCreator = func(ctx context.Context, settings config.BrokerSettings, opts ...option.ClientOption) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &PubSubPublisher{
		client: client,
		topic:  client.Topic(settings.Topic),
		tracer: otel.Tracer(telemetry.TracerName),
	}, nil
}

// PubSubPublisher publishes envelopes to a single Pub/Sub topic. The event
// type travels as an attribute so subscriptions can filter on it.
type PubSubPublisher struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// Publish waits for the server ack before returning.
func (p *PubSubPublisher) Publish(ctx context.Context, env schema.Envelope) error {
	ctx, span := p.tracer.Start(ctx, env.Type+" send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(p.topic.ID()),
			semconv.MessagingMessageIDKey.String(env.ID.String()),
		),
	)
	defer span.End()

	if err := p.publish(ctx, env, span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.PublishFailed(env.Type)
		return err
	}
	p.metrics.Published(env.Type)
	return nil
}

func (p *PubSubPublisher) publish(ctx context.Context, env schema.Envelope, span trace.Span) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	// Inject the trace context into the message attributes
	attributes := map[string]string{
		AttrMessageID: env.ID.String(),
		AttrEventType: env.Type,
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))

	if err := ctx.Err(); err != nil {
		return err
	}

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attributes,
	})
	serverID, err := res.Get(ctx) // wait for server ack
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", env.Type, err)
	}

	span.SetAttributes(
		attribute.String("messaging.pubsub.server_id", serverID),
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
	)
	return nil
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
