package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/store"
)

var ErrNotFound = errors.New("inbox entry not found")

// Entry records that a message was handled. It is written once and never updated.
type Entry struct {
	MessageID   uuid.UUID
	MessageType string
	ProcessedAt time.Time
}

// Store records processed message ids. Uniqueness of the id is enforced
// by the backing database, not by the caller.
type Store interface {
	Exists(ctx context.Context, messageID uuid.UUID) (bool, error)
	// TryAdd inserts the id if absent and reports whether it did.
	TryAdd(ctx context.Context, messageID uuid.UUID, messageType string) (bool, error)
}

// SQLStore keeps the inbox in a Postgres or SQLite table. Calls made with a
// ctx carrying a store transaction join it.
type SQLStore struct {
	db    *store.DB
	table string

	existsSQL string
	insertSQL string
	getSQL    string
}

func NewSQLStore(db *store.DB, settings config.InboxSettings) *SQLStore {
	settings.ApplyDefaults()
	t := settings.Table
	return &SQLStore{
		db:        db,
		table:     t,
		existsSQL: db.Dialect.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE message_id = ?`, t)),
		insertSQL: db.Dialect.Rebind(fmt.Sprintf(
			`INSERT INTO %s (message_id, message_type, processed_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`, t)),
		getSQL: db.Dialect.Rebind(fmt.Sprintf(
			`SELECT message_id, message_type, processed_at FROM %s WHERE message_id = ?`, t)),
	}
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	d := s.db.Dialect
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		message_id %s PRIMARY KEY,
		message_type TEXT NOT NULL,
		processed_at %s NOT NULL
	)`, s.table, d.UUIDType, d.TimeType)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create inbox schema: %w", err)
	}
	return nil
}

// RunInTx lets a guard commit the side effect and the inbox row together.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.RunInTx(ctx, fn)
}

func (s *SQLStore) Exists(ctx context.Context, messageID uuid.UUID) (bool, error) {
	var n int
	err := s.db.Observe(ctx, "InboxExists", s.existsSQL, func(ctx context.Context) (int, error) {
		if err := s.db.Querier(ctx).QueryRowContext(ctx, s.existsSQL, messageID.String()).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to query inbox: %w", err)
		}
		return n, nil
	})
	return n > 0, err
}

func (s *SQLStore) TryAdd(ctx context.Context, messageID uuid.UUID, messageType string) (bool, error) {
	var added bool
	err := s.db.Observe(ctx, "InboxTryAdd", s.insertSQL, func(ctx context.Context) (int, error) {
		res, err := s.db.Querier(ctx).ExecContext(ctx, s.insertSQL, messageID.String(), messageType, time.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to record inbox entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		added = n == 1
		return int(n), nil
	})
	return added, err
}

func (s *SQLStore) Get(ctx context.Context, messageID uuid.UUID) (Entry, error) {
	var e Entry
	err := s.db.Querier(ctx).QueryRowContext(ctx, s.getSQL, messageID.String()).Scan(&e.MessageID, &e.MessageType, &e.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load inbox entry: %w", err)
	}
	return e, nil
}
