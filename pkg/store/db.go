package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
)

// Dialect captures what differs between the supported SQL engines.
type Dialect struct {
	Driver     string // database/sql driver name
	System     string // db.system span attribute
	Positional bool   // $1, $2 placeholders instead of ?
	Savepoints bool   // a failed statement aborts the whole transaction
	LockClause string // appended to claiming selects

	UUIDType string
	TimeType string
	BlobType string
}

var (
	Postgres = Dialect{
		Driver:     "postgres",
		System:     "postgresql",
		Positional: true,
		Savepoints: true,
		LockClause: " FOR UPDATE SKIP LOCKED",
		UUIDType:   "UUID",
		TimeType:   "TIMESTAMPTZ",
		BlobType:   "BYTEA",
	}
	// SQLite serializes writers, so claiming needs no row lock.
	SQLite = Dialect{
		Driver:   "sqlite",
		System:   "sqlite",
		UUIDType: "TEXT",
		TimeType: "TIMESTAMP",
		BlobType: "BLOB",
	}
)

var ErrUnsupportedDialect = errors.New("unsupported database type")

// DialectFor maps a configured database type to its dialect.
func DialectFor(dbType string) (Dialect, error) {
	switch dbType {
	case "postgres":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("%w: %s", ErrUnsupportedDialect, dbType)
	}
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.Positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a database/sql handle with its dialect and tracer.
type DB struct {
	*sql.DB
	Dialect Dialect
	tracer  trace.Tracer
}

func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect, tracer: otel.Tracer(telemetry.TracerName)}
}

// SQLOpen is swapped in tests.
var SQLOpen = sql.Open

// Open connects to the configured SQL database and checks it is reachable.
func Open(ctx context.Context, cfg config.DbSettings) (*DB, error) {
	dialect, err := DialectFor(cfg.Type)
	if err != nil {
		return nil, err
	}
	db, err := SQLOpen(dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", cfg.Type, err)
	}
	return New(db, dialect), nil
}

// Querier returns the transaction stored in ctx, or the pool.
func (db *DB) Querier(ctx context.Context) Querier {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return db.DB
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint failure from any supported driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
