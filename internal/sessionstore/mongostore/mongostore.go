// Package mongostore implements the session store backend on MongoDB. Each
// write stamps the document with a fresh ObjectID revision, and conditional
// writes match on it, so a recreated document never carries a revision an
// earlier reader saw.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/schema"
)

// Config configures the MongoDB connection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

type document struct {
	Key      string        `bson:"_id"`
	Value    []byte        `bson:"value"`
	Revision bson.ObjectID `bson:"rev"`
}

// Backend is a sessionstore.Backend on MongoDB.
type Backend struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// New connects to MongoDB.
func New(cfg Config) (*Backend, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	database := strings.TrimSpace(cfg.Database)
	if database == "" {
		database = "moorage"
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = "sessions"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: mongo: %v", schema.ErrStoreUnavailable, err)
	}
	return &Backend{client: client, coll: client.Database(database).Collection(collection)}, nil
}

// Update implements sessionstore.Backend.
func (b *Backend) Update(ctx context.Context, key string, fn sessionstore.MutateFunc) error {
	var doc document
	exists := true
	err := b.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		exists = false
	} else if err != nil {
		return classify(err)
	}
	var current []byte
	if exists {
		current = doc.Value
	}
	next, action, err := fn(current, exists)
	if err != nil {
		return err
	}

	guard := bson.D{{Key: "_id", Value: key}, {Key: "rev", Value: doc.Revision}}
	switch {
	case action == sessionstore.Keep:
		return nil
	case action == sessionstore.Put && !exists:
		_, err = b.coll.InsertOne(ctx, document{Key: key, Value: next, Revision: bson.NewObjectID()})
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", schema.ErrStoreConflict, key)
		}
		if err != nil {
			return classify(err)
		}
		return nil
	case action == sessionstore.Put:
		res, err := b.coll.ReplaceOne(ctx, guard, document{Key: key, Value: next, Revision: bson.NewObjectID()})
		if err != nil {
			return classify(err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%w: %s", schema.ErrStoreConflict, key)
		}
		return nil
	case action == sessionstore.Delete && !exists:
		return nil
	case action == sessionstore.Delete:
		res, err := b.coll.DeleteOne(ctx, guard)
		if err != nil {
			return classify(err)
		}
		if res.DeletedCount == 0 {
			return fmt.Errorf("%w: %s", schema.ErrStoreConflict, key)
		}
		return nil
	default:
		return errors.New("unknown update action")
	}
}

// Get implements sessionstore.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var doc document
	err := b.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return doc.Value, true, nil
}

// Scan implements sessionstore.Backend.
func (b *Backend) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	filter := bson.D{{Key: "_id", Value: bson.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}}
	cursor, err := b.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return classify(err)
	}
	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return classify(err)
	}
	for _, doc := range docs {
		if err := fn(doc.Key, doc.Value); err != nil {
			return err
		}
	}
	return nil
}

// Ping implements sessionstore.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx, nil); err != nil {
		return classify(err)
	}
	return nil
}

// Close implements sessionstore.Backend.
func (b *Backend) Close() error {
	return b.client.Disconnect(context.Background())
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: mongo: %v", schema.ErrStoreUnavailable, err)
}
