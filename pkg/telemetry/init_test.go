package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/go-eventbus/pkg/config"
)

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "test-service",
		TracingURL:  "localhost:4318", // Mock OTLP endpoint
	}

	shutdown, err := Init(cfg, nil)
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)

	// Ensure the global tracer provider is set
	assert.NotNil(t, otel.GetTracerProvider())

	shutdown()
}

func TestInit_NoTracingURL(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "test-service",
	}

	shutdown, err := Init(cfg, nil)
	assert.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
	shutdown()
}

func TestInit_EmptyServiceName(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "",
		TracingURL:  "localhost:4318",
	}

	shutdown, err := Init(cfg, nil)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("billing", "debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("billing", "loud")
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Published("OrderCreated")
	m.Published("OrderCreated")
	m.Consumed("OrderCreated", OutcomeRequeue)
	m.Outbox(OutboxPoisoned, 2)
	m.Outbox(OutboxProcessed, 0)
	m.InboxDuplicate()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("OrderCreated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.consumed.WithLabelValues("OrderCreated", OutcomeRequeue)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outbox.WithLabelValues(OutboxPoisoned)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.outbox.WithLabelValues(OutboxProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inboxDuplicates))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "collectors cannot be registered twice")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Published("x")
		m.PublishFailed("x")
		m.Consumed("x", OutcomeAcked)
		m.Outbox(OutboxFailed, 1)
		m.InboxDuplicate()
	})
}
