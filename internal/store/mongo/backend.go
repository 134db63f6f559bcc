// Package mongo stores records as documents in a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/congreso-crawler/internal/store"
)

// Config selects the database and collection holding records.
type Config struct {
	URI        string
	Database   string
	Collection string
}

type document struct {
	Key  string `bson:"_id"`
	Data []byte `bson:"data"`
}

// Backend keeps one document per key, with the JSON payload in "data".
type Backend struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect dials MongoDB and returns a Backend on the configured collection.
func Connect(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	backend, err := New(client.Database(cfg.Database).Collection(cfg.Collection))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	backend.client = client
	return backend, nil
}

// New wraps an existing collection.
func New(collection *mongo.Collection) (*Backend, error) {
	if collection == nil {
		return nil, fmt.Errorf("collection is required")
	}
	return &Backend{collection: collection}, nil
}

// Has implements store.Backend.
func (b *Backend) Has(ctx context.Context, key string) (bool, error) {
	opts := options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})
	err := b.collection.FindOne(ctx, bson.D{{Key: "_id", Value: key}}, opts).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return false, nil
	default:
		return false, fmt.Errorf("find record: %w", err)
	}
}

// Get implements store.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := b.collection.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("mongo get %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return doc.Data, nil
}

// Put implements store.Backend.
func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.collection.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: key}},
		document{Key: key, Data: data},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Close disconnects the client when the Backend owns it.
func (b *Backend) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	if err := b.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}
