// Package store is the document store used for breeds, users and free-form
// records, backed by MongoDB.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Brownie44l1/breed-api/internal/catalog"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrEmptyDoc  = errors.New("document is empty")
	ErrInvalidID = errors.New("document id is empty")
)

// Mongo wraps one database and the collections the service uses.
type Mongo struct {
	client  *mongo.Client
	records *mongo.Collection
	breeds  *mongo.Collection
	users   *mongo.Collection
	logger  *slog.Logger
}

// Connect dials the server and verifies it with a ping.
func Connect(ctx context.Context, cfg *Config, logger *slog.Logger) (*Mongo, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeoutDuration())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeoutDuration())
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	m := &Mongo{
		client:  client,
		records: db.Collection(cfg.Collection),
		breeds:  db.Collection(cfg.BreedCollection),
		users:   db.Collection(cfg.UserCollection),
		logger:  logger.With("system", "store"),
	}
	m.logger.Info("document store connected", "database", cfg.Database)
	return m, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// ListBreeds reads every breed record. Records without a name are skipped.
func (m *Mongo) ListBreeds(ctx context.Context) ([]catalog.Breed, error) {
	cursor, err := m.breeds.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 1, "name": 1}))
	if err != nil {
		return nil, fmt.Errorf("find breeds: %w", err)
	}
	defer cursor.Close(ctx)

	var breeds []catalog.Breed
	for cursor.Next(ctx) {
		var doc struct {
			ID   any    `bson:"_id"`
			Name string `bson:"name"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode breed: %w", err)
		}
		if doc.Name == "" {
			continue
		}
		breeds = append(breeds, catalog.Breed{ID: IDString(doc.ID), Name: doc.Name})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate breeds: %w", err)
	}
	return breeds, nil
}

// InsertRecord stores doc in the records collection and returns its id.
func (m *Mongo) InsertRecord(ctx context.Context, doc bson.M) (string, error) {
	if len(doc) == 0 {
		return "", ErrEmptyDoc
	}
	return insertOne(ctx, m.records, doc)
}

// ListRecords returns every record without its _id.
func (m *Mongo) ListRecords(ctx context.Context) ([]bson.M, error) {
	cursor, err := m.records.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 0}))
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	docs := []bson.M{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return docs, nil
}

// FindUser returns the user document or ErrNotFound.
func (m *Mongo) FindUser(ctx context.Context, userID string) (bson.M, error) {
	filter, err := idFilter(userID)
	if err != nil {
		return nil, err
	}
	return findOne(ctx, m.users, filter)
}

// AppendCattle pushes record onto the user's cattle list.
func (m *Mongo) AppendCattle(ctx context.Context, userID string, record any) error {
	filter, err := idFilter(userID)
	if err != nil {
		return err
	}
	return updateOne(ctx, m.users, filter, bson.M{"$push": bson.M{"cattle": record}})
}

func findOne(ctx context.Context, coll *mongo.Collection, filter bson.M) (bson.M, error) {
	var doc bson.M
	err := coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find one in %s: %w", coll.Name(), err)
	}
	return doc, nil
}

func insertOne(ctx context.Context, coll *mongo.Collection, doc any) (string, error) {
	res, err := coll.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", coll.Name(), err)
	}
	return IDString(res.InsertedID), nil
}

func updateOne(ctx context.Context, coll *mongo.Collection, filter bson.M, update bson.M) error {
	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update %s: %w", coll.Name(), err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// IDString renders an _id as the external identifier string.
func IDString(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// idFilter matches ObjectID hex strings as ObjectIDs and anything else verbatim.
func idFilter(id string) (bson.M, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": oid}, nil
	}
	return bson.M{"_id": id}, nil
}
