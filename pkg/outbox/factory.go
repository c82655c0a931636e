package outbox

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/store"
)

// NewSpannerClient is the default Spanner client constructor.
var NewSpannerClient = func(ctx context.Context, uri string) (*spanner.Client, error) {
	return spanner.NewClient(ctx, uri)
}

// Open builds the outbox store for the configured database. The returned
// func releases the underlying connection.
func Open(ctx context.Context, db config.DbSettings, settings config.OutboxSettings) (Store, func() error, error) {
	switch db.Type {
	case "spanner":
		client, err := NewSpannerClient(ctx, db.URI)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create spanner client: %w", err)
		}
		return NewSpannerStore(client, settings), func() error { client.Close(); return nil }, nil
	default:
		sqlDB, err := store.Open(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLStore(sqlDB, settings), sqlDB.Close, nil
	}
}
