package outbox

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	grpccodes "google.golang.org/grpc/codes"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/store"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
	"github.com/zoff-tech/go-eventbus/schema"
)

var spannerColumns = []string{"id", "event_type", "payload", "created_at", "processed_at", "error", "retry_count"}

type spannerTxKey struct{}

// SpannerStore keeps the outbox in a Cloud Spanner table. Spanner
// read-write transactions may be retried on abort, so a batch can be
// published more than once; consumers dedupe by message id.
type SpannerStore struct {
	client     *spanner.Client
	table      string
	maxRetries int
	tracer     trace.Tracer
}

func NewSpannerStore(client *spanner.Client, settings config.OutboxSettings) *SpannerStore {
	settings.ApplyDefaults()
	return &SpannerStore{
		client:     client,
		table:      settings.Table,
		maxRetries: settings.MaxRetries,
		tracer:     otel.Tracer(telemetry.TracerName),
	}
}

func spannerTxFrom(ctx context.Context) (*spanner.ReadWriteTransaction, bool) {
	txn, ok := ctx.Value(spannerTxKey{}).(*spanner.ReadWriteTransaction)
	return txn, ok && txn != nil
}

// InTx runs fn in a read-write transaction, joining one already in ctx.
func (s *SpannerStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := spannerTxFrom(ctx); ok {
		return fn(ctx)
	}
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		return fn(context.WithValue(ctx, spannerTxKey{}, txn))
	})
	if spanner.ErrCode(err) == grpccodes.AlreadyExists {
		return fmt.Errorf("%w: %v", ErrDuplicateEntry, err)
	}
	return err
}

func (s *SpannerStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.InTx(ctx, fn)
}

// AddMutation builds the insert for callers composing their own transaction.
func (s *SpannerStore) AddMutation(e Entry) *spanner.Mutation {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return spanner.Insert(s.table,
		[]string{"id", "event_type", "payload", "created_at", "retry_count"},
		[]any{e.ID.String(), e.EventType, e.Payload, e.CreatedAt.UTC(), int64(0)},
	)
}

// Add buffers e in the transaction carried by ctx. A duplicate id surfaces
// as ErrDuplicateEntry when InTx commits.
func (s *SpannerStore) Add(ctx context.Context, e Entry) error {
	txn, ok := spannerTxFrom(ctx)
	if !ok {
		return store.ErrNoTransaction
	}
	return txn.BufferWrite([]*spanner.Mutation{s.AddMutation(e)})
}

func (s *SpannerStore) Enqueue(ctx context.Context, envs ...schema.Envelope) error {
	return enqueue(ctx, s.Add, envs)
}

func (s *SpannerStore) GetUnprocessed(ctx context.Context, batchSize int) ([]Entry, error) {
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}
	return s.query(ctx, "OutboxGetUnprocessed", spanner.Statement{
		SQL: fmt.Sprintf(`SELECT %s FROM %s
			WHERE processed_at IS NULL AND retry_count < @maxRetries
			ORDER BY created_at LIMIT @batchSize`, columns, s.table),
		Params: map[string]any{
			"maxRetries": int64(s.maxRetries),
			"batchSize":  int64(batchSize),
		},
	})
}

func (s *SpannerStore) GetFailed(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = config.DefaultBatchSize
	}
	return s.query(ctx, "OutboxGetFailed", spanner.Statement{
		SQL: fmt.Sprintf(`SELECT %s FROM %s
			WHERE processed_at IS NULL AND retry_count >= @maxRetries
			ORDER BY created_at LIMIT @limit`, columns, s.table),
		Params: map[string]any{
			"maxRetries": int64(s.maxRetries),
			"limit":      int64(limit),
		},
	})
}

func (s *SpannerStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	var e Entry
	err := s.observe(ctx, "OutboxGet", func(ctx context.Context) (int, error) {
		row, err := s.readRow(ctx, id, spannerColumns)
		if err != nil {
			return 0, err
		}
		e, err = scanSpannerEntry(row)
		return 1, err
	})
	return e, err
}

func (s *SpannerStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.write(ctx, "OutboxMarkProcessed", func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		if _, err := txn.ReadRow(ctx, s.table, spanner.Key{id.String()}, []string{"id"}); err != nil {
			return s.notFound(id, err)
		}
		return txn.BufferWrite([]*spanner.Mutation{spanner.Update(s.table,
			[]string{"id", "processed_at", "error"},
			[]any{id.String(), at.UTC(), spanner.NullString{}},
		)})
	})
}

func (s *SpannerStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) (int, error) {
	var retries int64
	err := s.write(ctx, "OutboxMarkFailed", func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, s.table, spanner.Key{id.String()}, []string{"retry_count", "processed_at"})
		if err != nil {
			return s.notFound(id, err)
		}
		var processedAt spanner.NullTime
		if err := row.Columns(&retries, &processedAt); err != nil {
			return err
		}
		if processedAt.Valid {
			return fmt.Errorf("%w: %s already processed", ErrNotFound, id)
		}
		retries++
		return txn.BufferWrite([]*spanner.Mutation{spanner.Update(s.table,
			[]string{"id", "retry_count", "error"},
			[]any{id.String(), retries, errorText(cause)},
		)})
	})
	return int(retries), err
}

func (s *SpannerStore) Reset(ctx context.Context, id uuid.UUID) error {
	return s.write(ctx, "OutboxReset", func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		if _, err := txn.ReadRow(ctx, s.table, spanner.Key{id.String()}, []string{"id"}); err != nil {
			return s.notFound(id, err)
		}
		return txn.BufferWrite([]*spanner.Mutation{spanner.Update(s.table,
			[]string{"id", "retry_count", "error"},
			[]any{id.String(), int64(0), spanner.NullString{}},
		)})
	})
}

func (s *SpannerStore) notFound(id uuid.UUID, err error) error {
	if spanner.ErrCode(err) == grpccodes.NotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

func (s *SpannerStore) readRow(ctx context.Context, id uuid.UUID, cols []string) (*spanner.Row, error) {
	var (
		row *spanner.Row
		err error
	)
	if txn, ok := spannerTxFrom(ctx); ok {
		row, err = txn.ReadRow(ctx, s.table, spanner.Key{id.String()}, cols)
	} else {
		row, err = s.client.Single().ReadRow(ctx, s.table, spanner.Key{id.String()}, cols)
	}
	if err != nil {
		return nil, s.notFound(id, err)
	}
	return row, nil
}

// write runs fn in the ctx transaction, or in its own.
func (s *SpannerStore) write(ctx context.Context, op string, fn func(ctx context.Context, txn *spanner.ReadWriteTransaction) error) error {
	return s.observe(ctx, op, func(ctx context.Context) (int, error) {
		if txn, ok := spannerTxFrom(ctx); ok {
			return 1, fn(ctx, txn)
		}
		_, err := s.client.ReadWriteTransaction(ctx, fn)
		return 1, err
	})
}

func (s *SpannerStore) query(ctx context.Context, op string, stmt spanner.Statement) ([]Entry, error) {
	var entries []Entry
	err := s.observe(ctx, op, func(ctx context.Context) (int, error) {
		var iter *spanner.RowIterator
		if txn, ok := spannerTxFrom(ctx); ok {
			iter = txn.Query(ctx, stmt)
		} else {
			iter = s.client.Single().Query(ctx, stmt)
		}
		defer iter.Stop()

		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return 0, fmt.Errorf("failed to query outbox: %w", err)
			}
			e, err := scanSpannerEntry(row)
			if err != nil {
				return 0, err
			}
			entries = append(entries, e)
		}
		return len(entries), nil
	})
	return entries, err
}

func (s *SpannerStore) observe(ctx context.Context, op string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := s.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	n, err := fn(ctx)
	store.AddDBStatsToSpan(span, "spanner", op, n, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func scanSpannerEntry(row *spanner.Row) (Entry, error) {
	var (
		e           Entry
		id          string
		processedAt spanner.NullTime
		cause       spanner.NullString
		retries     int64
	)
	if err := row.Columns(&id, &e.EventType, &e.Payload, &e.CreatedAt, &processedAt, &cause, &retries); err != nil {
		return Entry{}, fmt.Errorf("failed to scan outbox entry: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: bad id %q", ErrCorruptEntry, id)
	}
	e.ID = parsed
	if processedAt.Valid {
		at := processedAt.Time
		e.ProcessedAt = &at
	}
	if cause.Valid {
		e.Error = cause.StringVal
	}
	e.RetryCount = int(retries)
	return e, nil
}
