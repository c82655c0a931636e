package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
	"github.com/zoff-tech/go-eventbus/schema"
)

var ErrAlreadyRunning = errors.New("dispatcher already running")

// Publisher is the part of the event bus the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, env schema.Envelope) error
}

// Result counts what one dispatch cycle did.
type Result struct {
	Processed int
	Failed    int
	Poisoned  int
}

func (r Result) Total() int { return r.Processed + r.Failed + r.Poisoned }

// Dispatcher drains the outbox into the bus on a fixed interval.
type Dispatcher struct {
	store     Store
	publisher Publisher
	settings  config.OutboxSettings
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = telemetry.Component(l, "outbox") }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(telemetry.TracerName) }
}

func NewDispatcher(store Store, publisher Publisher, settings config.OutboxSettings, opts ...Option) *Dispatcher {
	settings.ApplyDefaults()
	d := &Dispatcher{
		store:     store,
		publisher: publisher,
		settings:  settings,
		logger:    telemetry.Component(nil, "outbox"),
		tracer:    otel.Tracer(telemetry.TracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs a cycle immediately and then every PollInterval until Stop
// is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done

	go func() {
		defer close(done)
		d.loop(ctx)
	}()

	d.logger.Info("outbox dispatcher started",
		zap.Duration("poll_interval", d.settings.PollInterval),
		zap.Int("batch_size", d.settings.BatchSize),
		zap.Int("max_retries", d.settings.MaxRetries),
	)
	return nil
}

// Stop ends the loop and waits for the running cycle.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Info("outbox dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.settings.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox dispatch cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and publishes it. Each entry is marked
// processed or failed on its own; a publish failure never blocks the rest
// of the batch.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "OutboxDispatch")
	defer span.End()

	var res Result
	err := d.store.InTx(ctx, func(ctx context.Context) error {
		res = Result{}
		entries, err := d.store.GetUnprocessed(ctx, d.settings.BatchSize)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			d.deliver(ctx, e, &res)
		}
		return nil
	})

	span.SetAttributes(
		attribute.Int("outbox.processed", res.Processed),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.poisoned", res.Poisoned),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	d.metrics.Outbox(telemetry.OutboxProcessed, res.Processed)
	d.metrics.Outbox(telemetry.OutboxFailed, res.Failed)
	d.metrics.Outbox(telemetry.OutboxPoisoned, res.Poisoned)

	log := d.logger.Debug
	if res.Total() > 0 {
		log = d.logger.Info
	}
	log("outbox dispatch cycle",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("poisoned", res.Poisoned),
	)
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, e Entry, res *Result) {
	ctx, span := d.tracer.Start(ctx, "ProcessOutboxEntry", trace.WithAttributes(
		attribute.String("event.id", e.ID.String()),
		attribute.String("event.type", e.EventType),
		attribute.Int("event.retry_count", e.RetryCount),
		attribute.String("event.created_at", e.CreatedAt.String()),
	))
	defer span.End()

	logger := d.logger.With(zap.Stringer("entry_id", e.ID), zap.String("event_type", e.EventType))

	env, err := e.Envelope()
	if err == nil {
		err = d.publisher.Publish(ctx, env)
	}
	if err == nil {
		if markErr := d.store.MarkProcessed(ctx, e.ID, d.now()); markErr != nil {
			// The entry stays unprocessed and is published again next cycle.
			logger.Error("failed to mark outbox entry processed", zap.Error(markErr))
			span.RecordError(markErr)
			return
		}
		res.Processed++
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() != nil {
		// Shutting down; the cycle rolls back and the attempt is not counted.
		return
	}

	retries, markErr := d.store.MarkFailed(ctx, e.ID, err)
	if markErr != nil {
		logger.Error("failed to record outbox failure", zap.NamedError("publish_error", err), zap.Error(markErr))
		res.Failed++
		return
	}
	if retries >= d.settings.MaxRetries {
		res.Poisoned++
		logger.Error("outbox entry poisoned",
			zap.Int("retry_count", retries),
			zap.Error(err),
		)
		return
	}
	res.Failed++
	logger.Warn("failed to publish outbox entry",
		zap.Int("retry_count", retries),
		zap.Error(err),
	)
}
