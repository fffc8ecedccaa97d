package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
)

const counterID = "notifications"

// MongoStore keeps one document per notification. Integer ids come from a
// counters document incremented with $inc, so they stay monotonic across
// instances sharing the database.
type MongoStore struct {
	client   *mongo.Client
	col      *mongo.Collection
	counters *mongo.Collection
}

func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

func NewMongoStore(ctx context.Context, client *mongo.Client, database, collection string) (*MongoStore, error) {
	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		col:      db.Collection(collection),
		counters: db.Collection("counters"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	idx := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "recipient_type", Value: 1}, {Key: "recipient_id", Value: 1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("recipient_idx"),
		},
		{
			Keys: bson.D{{Key: "recipient_type", Value: 1}, {Key: "recipient_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetName("idempotency_idx").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$exists": true}}),
		},
	}
	if _, err := s.col.Indexes().CreateMany(ctx, idx); err != nil {
		return fmt.Errorf("creating notification indexes: %w", mongoErr(err))
	}
	return nil
}

func recipientFilter(r model.Recipient) bson.M {
	return bson.M{"recipient_type": string(r.Type), "recipient_id": r.ID}
}

func (s *MongoStore) nextID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": counterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocating id: %w", mongoErr(err))
	}
	return doc.Seq, nil
}

func (s *MongoStore) Append(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	if n.IdempotencyKey != "" {
		if prev, err := s.findByKey(ctx, n.Recipient(), n.IdempotencyKey); err == nil {
			return prev, fmt.Errorf("append %s key %q: %w", n.Recipient(), n.IdempotencyKey, errs.ErrDuplicate)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}

	id, err := s.nextID(ctx)
	if err != nil {
		return nil, err
	}
	rec := n.Clone()
	rec.ID = id
	// mongo stores milliseconds
	rec.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	rec.Read = false

	if _, err := s.col.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) && n.IdempotencyKey != "" {
			// lost a race with a concurrent append of the same key
			prev, ferr := s.findByKey(ctx, n.Recipient(), n.IdempotencyKey)
			if ferr != nil {
				return nil, ferr
			}
			return prev, fmt.Errorf("append %s key %q: %w", n.Recipient(), n.IdempotencyKey, errs.ErrDuplicate)
		}
		return nil, fmt.Errorf("inserting notification: %w", mongoErr(err))
	}
	return rec, nil
}

func (s *MongoStore) findByKey(ctx context.Context, r model.Recipient, key string) (*model.Notification, error) {
	f := recipientFilter(r)
	f["idempotency_key"] = key
	var out model.Notification
	if err := s.col.FindOne(ctx, f).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("finding idempotency key: %w", mongoErr(err))
	}
	return &out, nil
}

func (s *MongoStore) List(ctx context.Context, r model.Recipient) ([]*model.Notification, error) {
	cur, err := s.col.Find(ctx, recipientFilter(r), options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("listing notifications for %s: %w", r, mongoErr(err))
	}
	defer cur.Close(ctx)

	out := make([]*model.Notification, 0)
	for cur.Next(ctx) {
		var n model.Notification
		if err := cur.Decode(&n); err != nil {
			return nil, fmt.Errorf("decoding notification: %w", err)
		}
		out = append(out, &n)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("listing notifications for %s: %w", r, mongoErr(err))
	}
	return out, nil
}

func (s *MongoStore) UnreadCount(ctx context.Context, r model.Recipient) (int64, error) {
	f := recipientFilter(r)
	f["read"] = false
	n, err := s.col.CountDocuments(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("counting unread for %s: %w", r, mongoErr(err))
	}
	return n, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, r model.Recipient, id int64) error {
	f := recipientFilter(r)
	f["_id"] = id
	res, err := s.col.UpdateOne(ctx, f, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return fmt.Errorf("marking %d read: %w", id, mongoErr(err))
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mark read %d for %s: %w", id, r, errs.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) MarkAllRead(ctx context.Context, r model.Recipient) (int64, error) {
	f := recipientFilter(r)
	f["read"] = false
	res, err := s.col.UpdateMany(ctx, f, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return 0, fmt.Errorf("marking all read for %s: %w", r, mongoErr(err))
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) Delete(ctx context.Context, r model.Recipient, id int64) error {
	f := recipientFilter(r)
	f["_id"] = id
	res, err := s.col.DeleteOne(ctx, f)
	if err != nil {
		return fmt.Errorf("deleting %d: %w", id, mongoErr(err))
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete %d for %s: %w", id, r, errs.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) DeleteAll(ctx context.Context, r model.Recipient) (int64, error) {
	res, err := s.col.DeleteMany(ctx, recipientFilter(r))
	if err != nil {
		return 0, fmt.Errorf("deleting all for %s: %w", r, mongoErr(err))
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return mongoErr(err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// mongoErr marks transport and timeout failures as store unavailability.
func mongoErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return err
}
