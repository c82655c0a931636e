package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/spannertest"
	"cloud.google.com/go/spanner/spansql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/store"
)

const spannerDDL = `CREATE TABLE outbox (
	id STRING(36) NOT NULL,
	event_type STRING(MAX) NOT NULL,
	payload BYTES(MAX) NOT NULL,
	created_at TIMESTAMP NOT NULL,
	processed_at TIMESTAMP,
	error STRING(MAX),
	retry_count INT64 NOT NULL
) PRIMARY KEY (id)`

func newSpannerStore(t *testing.T) *SpannerStore {
	t.Helper()
	srv, err := spannertest.NewServer("localhost:0")
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ddl, err := spansql.ParseDDL("outbox.sql", spannerDDL)
	require.NoError(t, err)
	require.NoError(t, srv.UpdateDDL(ddl))

	t.Setenv("SPANNER_EMULATOR_HOST", srv.Addr)
	client, err := spanner.NewClient(context.Background(), "projects/shop/instances/test/databases/events")
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return NewSpannerStore(client, config.OutboxSettings{MaxRetries: 2})
}

func TestSpannerStore_AddRequiresTransaction(t *testing.T) {
	s := newSpannerStore(t)
	e, err := NewEntry(orderCreated(t, "o-1"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Add(context.Background(), e), store.ErrNoTransaction)
}

func TestSpannerStore_Lifecycle(t *testing.T) {
	s := newSpannerStore(t)
	ctx := context.Background()

	first, err := NewEntry(orderCreated(t, "o-1"))
	require.NoError(t, err)
	second, err := NewEntry(orderCreated(t, "o-2"))
	require.NoError(t, err)
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.Add(ctx, second); err != nil {
			return err
		}
		return s.Add(ctx, first)
	}))

	var pending []Entry
	require.NoError(t, s.InTx(ctx, func(ctx context.Context) error {
		pending, err = s.GetUnprocessed(ctx, 10)
		return err
	}))
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.Equal(t, first.Payload, pending[0].Payload)

	require.NoError(t, s.MarkProcessed(ctx, first.ID, time.Now()))
	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed())

	for want := 1; want <= 2; want++ {
		n, err := s.MarkFailed(ctx, second.ID, errors.New("topic missing"))
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	pending, err = s.GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := s.GetFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, second.ID, failed[0].ID)
	assert.Equal(t, "topic missing", failed[0].Error)

	require.NoError(t, s.Reset(ctx, second.ID))
	pending, err = s.GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSpannerStore_NotFound(t *testing.T) {
	s := newSpannerStore(t)
	ctx := context.Background()
	missing := uuid.New()

	_, err := s.MarkFailed(ctx, missing, errors.New("boom"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Reset(ctx, missing), ErrNotFound)
	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSpannerStore_AddMutation(t *testing.T) {
	s := newSpannerStore(t)
	ctx := context.Background()
	e, err := NewEntry(orderCreated(t, "o-1"))
	require.NoError(t, err)

	_, err = s.client.Apply(ctx, []*spanner.Mutation{s.AddMutation(e)})
	require.NoError(t, err)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "OrderCreated", got.EventType)
	assert.Zero(t, got.RetryCount)
}
