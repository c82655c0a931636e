package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-eventbus/pkg/store"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
)

type mongoEntry struct {
	MessageID   string    `bson:"message_id"`
	MessageType string    `bson:"message_type"`
	ProcessedAt time.Time `bson:"processed_at"`
}

// MongoStore keeps the inbox in a collection with a unique index on message_id.
type MongoStore struct {
	client     *mongo.Client
	database   string
	collection string
	tracer     trace.Tracer
}

func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{
		client:     client,
		database:   database,
		collection: collection,
		tracer:     otel.Tracer(telemetry.TracerName),
	}
}

func (m *MongoStore) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

// EnsureIndexes creates the unique message_id index TryAdd relies on.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("message_id_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to create inbox index: %w", err)
	}
	return nil
}

func (m *MongoStore) Exists(ctx context.Context, messageID uuid.UUID) (bool, error) {
	var found bool
	err := m.observe(ctx, "InboxExists", func(ctx context.Context) (int, error) {
		opts := options.FindOne().SetProjection(bson.M{"_id": 1})
		err := m.coll().FindOne(ctx, bson.M{"message_id": messageID.String()}, opts).Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to query inbox: %w", err)
		}
		found = true
		return 1, nil
	})
	return found, err
}

func (m *MongoStore) TryAdd(ctx context.Context, messageID uuid.UUID, messageType string) (bool, error) {
	var added bool
	err := m.observe(ctx, "InboxTryAdd", func(ctx context.Context) (int, error) {
		_, err := m.coll().InsertOne(ctx, mongoEntry{
			MessageID:   messageID.String(),
			MessageType: messageType,
			ProcessedAt: time.Now().UTC(),
		})
		if mongo.IsDuplicateKeyError(err) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to record inbox entry: %w", err)
		}
		added = true
		return 1, nil
	})
	return added, err
}

func (m *MongoStore) Get(ctx context.Context, messageID uuid.UUID) (Entry, error) {
	var doc mongoEntry
	err := m.coll().FindOne(ctx, bson.M{"message_id": messageID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load inbox entry: %w", err)
	}
	id, err := uuid.Parse(doc.MessageID)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid inbox message id %q: %w", doc.MessageID, err)
	}
	return Entry{MessageID: id, MessageType: doc.MessageType, ProcessedAt: doc.ProcessedAt}, nil
}

func (m *MongoStore) observe(ctx context.Context, op string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := m.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	n, err := fn(ctx)
	store.AddDBStatsToSpan(span, "mongodb", op, n, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
