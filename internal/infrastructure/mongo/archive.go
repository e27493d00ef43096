// Package mongo archives the audit trail in MongoDB
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/audit"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/circuitbreaker"
)

const duplicateKey = 11000

// Config holds archive configuration
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URI:            "mongodb://localhost:27017",
		Database:       "rx_audit",
		Collection:     "audit_records",
		ConnectTimeout: 10 * time.Second,
	}
}

// Connect opens a client and pings the primary
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

// collection is the part of *mongo.Collection the archive uses
type collection interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// document is the stored form of an audit.Record
type document struct {
	ID         string    `bson:"_id"`
	ActorID    string    `bson:"actor_id"`
	EventType  string    `bson:"event_type"`
	Payload    bson.M    `bson:"payload,omitempty"`
	OccurredAt time.Time `bson:"occurred_at"`
	ArchivedAt time.Time `bson:"archived_at"`
}

// Archive stores audit records. Records are keyed by their id, so redelivered
// messages are absorbed instead of duplicated.
type Archive struct {
	coll    collection
	indexes mongo.IndexView
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewArchive creates an archive on the configured collection
func NewArchive(client *mongo.Client, cfg Config, logger *zap.Logger) *Archive {
	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	a := newArchive(coll, logger)
	a.indexes = coll.Indexes()
	return a
}

func newArchive(coll collection, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{
		coll:   coll,
		logger: logger,
		tracer: otel.Tracer("mongo-archive"),
		now:    time.Now,
	}
}

// EnsureIndexes creates the lookup indexes
func (a *Archive) EnsureIndexes(ctx context.Context) error {
	_, err := a.indexes.CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "actor_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "occurred_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit indexes: %w", err)
	}
	return nil
}

func (a *Archive) Name() string { return "mongo" }

// Write stores one record
func (a *Archive) Write(ctx context.Context, r *audit.Record) error {
	_, err := a.WriteMany(ctx, []*audit.Record{r})
	return err
}

// WriteMany stores records in one unordered insert and returns how many were
// new. Records already archived are skipped. A payload that cannot be stored
// is returned as a circuitbreaker.Permanent error.
func (a *Archive) WriteMany(ctx context.Context, records []*audit.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ctx, span := a.tracer.Start(ctx, "mongo.archive_write",
		trace.WithAttributes(attribute.Int("record_count", len(records))))
	defer span.End()

	now := a.now().UTC()
	docs := make([]interface{}, 0, len(records))
	for _, r := range records {
		d, err := toDocument(r, now)
		if err != nil {
			span.RecordError(err)
			return 0, circuitbreaker.Permanent(err)
		}
		docs = append(docs, d)
	}

	_, err := a.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	dups, err := duplicates(err)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to archive audit records: %w", err)
	}
	if dups > 0 {
		a.logger.Debug("skipped already archived audit records", zap.Int("count", dups))
	}
	return len(records) - dups, nil
}

// ListByActor returns the actor's most recent records, newest first
func (a *Archive) ListByActor(ctx context.Context, actorID string, limit int64) ([]*audit.Record, error) {
	cur, err := a.coll.Find(ctx, bson.M{"actor_id": actorID},
		options.Find().
			SetSort(bson.D{{Key: "occurred_at", Value: -1}, {Key: "_id", Value: 1}}).
			SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer cur.Close(ctx)

	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode audit records: %w", err)
	}
	out := make([]*audit.Record, 0, len(docs))
	for i := range docs {
		r, err := fromDocument(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func toDocument(r *audit.Record, archivedAt time.Time) (*document, error) {
	d := &document{
		ID:         r.ID,
		ActorID:    r.ActorID,
		EventType:  r.EventType,
		OccurredAt: r.OccurredAt.UTC(),
		ArchivedAt: archivedAt,
	}
	if len(r.Payload) > 0 && string(r.Payload) != "null" {
		if err := bson.UnmarshalExtJSON(r.Payload, false, &d.Payload); err != nil {
			return nil, fmt.Errorf("audit record %s: payload is not a JSON object: %w", r.ID, err)
		}
	}
	return d, nil
}

func fromDocument(d *document) (*audit.Record, error) {
	r := &audit.Record{
		ID:         d.ID,
		ActorID:    d.ActorID,
		EventType:  d.EventType,
		OccurredAt: d.OccurredAt.UTC(),
		Payload:    []byte("null"),
	}
	if d.Payload != nil {
		data, err := bson.MarshalExtJSON(d.Payload, false, false)
		if err != nil {
			return nil, fmt.Errorf("audit record %s: %w", d.ID, err)
		}
		r.Payload = data
	}
	return r, nil
}

// duplicates counts duplicate-key write errors. It returns err unchanged when
// anything other than duplicates failed.
func duplicates(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return 0, err
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKey {
			return 0, err
		}
	}
	return len(bwe.WriteErrors), nil
}
