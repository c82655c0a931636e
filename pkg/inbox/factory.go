package inbox

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/store"
)

// NewMongoClient is the default Mongo client constructor. The driver
// connects lazily, so no server is contacted here.
var NewMongoClient = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// Open builds the inbox store selected by settings. SQL inboxes live in
// the service database described by db. The returned func releases the
// connection.
func Open(ctx context.Context, db config.DbSettings, settings config.InboxSettings) (Store, func() error, error) {
	settings.ApplyDefaults()
	switch settings.Type {
	case "mongo":
		client, err := NewMongoClient(ctx, settings.URI)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create mongo client: %w", err)
		}
		return NewMongoStore(client, settings.Database, settings.Collection),
			func() error { return client.Disconnect(context.Background()) }, nil
	case "sql":
		sqlDB, err := store.Open(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLStore(sqlDB, settings), sqlDB.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported inbox type: %s", settings.Type)
	}
}
