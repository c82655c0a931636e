package inbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/store"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := Open(ctx, config.DbSettings{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "inbox.db")}, config.InboxSettings{})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	assert.NoError(t, closeFn())

	s, closeFn, err = Open(ctx, config.DbSettings{}, config.InboxSettings{
		Type:     "mongo",
		URI:      "mongodb://localhost:27017",
		Database: "billing",
	})
	require.NoError(t, err)
	require.IsType(t, &MongoStore{}, s)
	assert.Equal(t, config.DefaultInboxTable, s.(*MongoStore).collection)
	assert.NoError(t, closeFn())

	_, _, err = Open(ctx, config.DbSettings{Type: "spanner", URI: "projects/p/instances/i/databases/d"}, config.InboxSettings{})
	assert.ErrorIs(t, err, store.ErrUnsupportedDialect)

	_, _, err = Open(ctx, config.DbSettings{}, config.InboxSettings{Type: "redis"})
	assert.ErrorContains(t, err, "unsupported inbox type")
}
