package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/store"
	"github.com/zoff-tech/go-eventbus/schema"
)

const (
	columns       = "id, event_type, payload, created_at, processed_at, error, retry_count"
	markSavepoint = "outbox_mark"
)

// SQLStore keeps the outbox in a Postgres or SQLite table.
type SQLStore struct {
	db         *store.DB
	table      string
	maxRetries int

	insertSQL      string
	unprocessedSQL string
	processedSQL   string
	failSQL        string
	failedSQL      string
	resetSQL       string
	getSQL         string
}

func NewSQLStore(db *store.DB, settings config.OutboxSettings) *SQLStore {
	settings.ApplyDefaults()
	d := db.Dialect
	t := settings.Table
	return &SQLStore{
		db:         db,
		table:      t,
		maxRetries: settings.MaxRetries,

		insertSQL: d.Rebind(fmt.Sprintf(
			`INSERT INTO %s (id, event_type, payload, created_at, retry_count) VALUES (?, ?, ?, ?, 0)`, t)),
		unprocessedSQL: d.Rebind(fmt.Sprintf(
			`SELECT %s FROM %s WHERE processed_at IS NULL AND retry_count < ? ORDER BY created_at LIMIT ?`, columns, t)) + d.LockClause,
		processedSQL: d.Rebind(fmt.Sprintf(
			`UPDATE %s SET processed_at = ?, error = NULL WHERE id = ?`, t)),
		failSQL: d.Rebind(fmt.Sprintf(
			`UPDATE %s SET retry_count = retry_count + 1, error = ? WHERE id = ? AND processed_at IS NULL RETURNING retry_count`, t)),
		failedSQL: d.Rebind(fmt.Sprintf(
			`SELECT %s FROM %s WHERE processed_at IS NULL AND retry_count >= ? ORDER BY created_at LIMIT ?`, columns, t)),
		resetSQL: d.Rebind(fmt.Sprintf(
			`UPDATE %s SET retry_count = 0, error = NULL WHERE id = ? AND processed_at IS NULL`, t)),
		getSQL: d.Rebind(fmt.Sprintf(
			`SELECT %s FROM %s WHERE id = ?`, columns, t)),
	}
}

// EnsureSchema creates the outbox table and its pending index if missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	d := s.db.Dialect
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload %s NOT NULL,
			created_at %s NOT NULL,
			processed_at %s NULL,
			error TEXT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`, s.table, d.UUIDType, d.BlobType, d.TimeType, d.TimeType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_unprocessed_idx ON %s (created_at) WHERE processed_at IS NULL`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create outbox schema: %w", err)
		}
	}
	return nil
}

// RunInTx runs fn in a transaction shared with the domain writes made through ctx.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.RunInTx(ctx, fn)
}

func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.RunInTx(ctx, fn)
}

// Add records e in the transaction carried by ctx. Without one the write
// would not be atomic with the state change, so it is refused.
func (s *SQLStore) Add(ctx context.Context, e Entry) error {
	tx, ok := store.TxFrom(ctx)
	if !ok {
		return store.ErrNoTransaction
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.db.Observe(ctx, "OutboxAdd", s.insertSQL, func(ctx context.Context) (int, error) {
		_, err := tx.ExecContext(ctx, s.insertSQL, e.ID.String(), e.EventType, e.Payload, e.CreatedAt.UTC())
		if store.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to add outbox entry: %w", err)
		}
		return 1, nil
	})
}

// Enqueue adds one entry per envelope inside the ctx transaction.
func (s *SQLStore) Enqueue(ctx context.Context, envs ...schema.Envelope) error {
	return enqueue(ctx, s.Add, envs)
}

func (s *SQLStore) GetUnprocessed(ctx context.Context, batchSize int) ([]Entry, error) {
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}
	return s.query(ctx, "OutboxGetUnprocessed", s.unprocessedSQL, s.maxRetries, batchSize)
}

func (s *SQLStore) GetFailed(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = config.DefaultBatchSize
	}
	return s.query(ctx, "OutboxGetFailed", s.failedSQL, s.maxRetries, limit)
}

// Get loads a single entry.
func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	entries, err := s.query(ctx, "OutboxGet", s.getSQL, id.String())
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entries[0], nil
}

// MarkProcessed and MarkFailed run under a savepoint so one entry's failed
// update leaves the rest of the dispatch batch committable.
func (s *SQLStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.db.Savepoint(ctx, markSavepoint, func(ctx context.Context) error {
		return s.exec(ctx, "OutboxMarkProcessed", s.processedSQL, at.UTC(), id.String())
	})
}

func (s *SQLStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) (int, error) {
	var retries int
	err := s.db.Savepoint(ctx, markSavepoint, func(ctx context.Context) error {
		return s.db.Observe(ctx, "OutboxMarkFailed", s.failSQL, func(ctx context.Context) (int, error) {
			err := s.db.Querier(ctx).QueryRowContext(ctx, s.failSQL, errorText(cause), id.String()).Scan(&retries)
			if errors.Is(err, sql.ErrNoRows) {
				return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			if err != nil {
				return 0, fmt.Errorf("failed to record outbox failure: %w", err)
			}
			return 1, nil
		})
	})
	return retries, err
}

func (s *SQLStore) Reset(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "OutboxReset", s.resetSQL, id.String())
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) error {
	return s.db.Observe(ctx, op, query, func(ctx context.Context) (int, error) {
		res, err := s.db.Querier(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to update outbox: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: %v", ErrNotFound, args[len(args)-1])
		}
		return int(n), nil
	})
}

func (s *SQLStore) query(ctx context.Context, op, query string, args ...any) ([]Entry, error) {
	var entries []Entry
	err := s.db.Observe(ctx, op, query, func(ctx context.Context) (int, error) {
		rows, err := s.db.Querier(ctx).QueryContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to query outbox: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e           Entry
				processedAt sql.NullTime
				cause       sql.NullString
			)
			if err := rows.Scan(&e.ID, &e.EventType, &e.Payload, &e.CreatedAt, &processedAt, &cause, &e.RetryCount); err != nil {
				return 0, fmt.Errorf("failed to scan outbox entry: %w", err)
			}
			if processedAt.Valid {
				at := processedAt.Time
				e.ProcessedAt = &at
			}
			e.Error = cause.String
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return len(entries), nil
	})
	return entries, err
}

func enqueue(ctx context.Context, add func(context.Context, Entry) error, envs []schema.Envelope) error {
	for _, env := range envs {
		e, err := NewEntry(env)
		if err != nil {
			return err
		}
		if err := add(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
