package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zoff-tech/go-eventbus/schema"
)

var (
	ErrNotFound       = errors.New("outbox entry not found")
	ErrDuplicateEntry = errors.New("outbox entry already exists")
	ErrCorruptEntry   = errors.New("outbox entry does not hold a valid envelope")
)

// Entry is a publish intent recorded next to the state change it announces.
// Payload holds the serialized envelope, so the published message keeps
// the id and occurrence time it was created with.
type Entry struct {
	ID          uuid.UUID
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
	Error       string
	RetryCount  int
}

// NewEntry serializes env into an unprocessed entry.
func NewEntry(env schema.Envelope) (Entry, error) {
	if err := env.Validate(); err != nil {
		return Entry{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return Entry{
		ID:        env.ID,
		EventType: env.Type,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Envelope decodes the stored payload.
func (e Entry) Envelope() (schema.Envelope, error) {
	var env schema.Envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return schema.Envelope{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if err := env.Validate(); err != nil {
		return schema.Envelope{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if env.ID != e.ID {
		return schema.Envelope{}, fmt.Errorf("%w: payload id %s", ErrCorruptEntry, env.ID)
	}
	return env, nil
}

func (e Entry) Processed() bool { return e.ProcessedAt != nil }

// Store is the persistence contract the dispatcher and operators rely on.
type Store interface {
	// InTx runs fn in a transaction; calls made with the ctx passed to fn
	// join it. Claimed entries stay locked until fn returns.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// GetUnprocessed returns at most batchSize unpublished entries below
	// the retry cap, oldest first.
	GetUnprocessed(ctx context.Context, batchSize int) ([]Entry, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkFailed records cause and returns the incremented retry count.
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) (int, error)
	// GetFailed lists poisoned entries, oldest first.
	GetFailed(ctx context.Context, limit int) ([]Entry, error)
	// Reset re-arms a poisoned entry.
	Reset(ctx context.Context, id uuid.UUID) error
}

const maxErrorLen = 2048

func errorText(cause error) string {
	if cause == nil {
		return ""
	}
	// TEXT columns reject invalid UTF-8, so never cut inside a rune.
	msg := strings.ToValidUTF8(cause.Error(), "\uFFFD")
	if len(msg) > maxErrorLen {
		n := maxErrorLen
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	return msg
}
