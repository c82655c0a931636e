package eventbus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-eventbus/pkg/broker"
	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
)

var ErrUnsupportedBroker = errors.New("unsupported broker type")

// NewPublisher builds the publisher selected by settings.Type. For RabbitMQ
// the returned bus owns its connection and closes it on Close.
func NewPublisher(ctx context.Context, settings config.BrokerSettings, logger *zap.Logger, metrics *telemetry.Metrics, opts ...option.ClientOption) (Publisher, error) {
	switch settings.Type {
	case config.BrokerRabbitMQ:
		conn := broker.NewConnectionManager(settings, broker.WithLogger(logger))
		bus := NewBus(settings, conn, WithLogger(logger), WithMetrics(metrics))
		bus.ownsConn = true
		return bus, nil
	case config.BrokerPubSub:
		p, err := NewPubSubPublisher(ctx, settings, opts...)
		if err != nil {
			return nil, err
		}
		p.metrics = metrics
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBroker, settings.Type)
	}
}
