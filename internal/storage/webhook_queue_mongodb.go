package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoWebhookQueue persists webhook jobs in a MongoDB collection.
type MongoWebhookQueue struct {
	coll *mongo.Collection
	now  func() time.Time
}

type mongoWebhook struct {
	ID            string            `bson:"_id"`
	MerchantID    string            `bson:"merchant_id"`
	URL           string            `bson:"url"`
	Payload       []byte            `bson:"payload"`
	Headers       map[string]string `bson:"headers"`
	EventType     string            `bson:"event_type"`
	Status        string            `bson:"status"`
	Attempts      int               `bson:"attempts"`
	MaxAttempts   int               `bson:"max_attempts"`
	LastError     string            `bson:"last_error,omitempty"`
	LastAttemptAt *time.Time        `bson:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time         `bson:"next_attempt_at"`
	CreatedAt     time.Time         `bson:"created_at"`
	CompletedAt   *time.Time        `bson:"completed_at,omitempty"`
}

func toMongoWebhook(w PendingWebhook) mongoWebhook {
	doc := mongoWebhook{
		ID:            w.ID,
		MerchantID:    w.MerchantID,
		URL:           w.URL,
		Payload:       []byte(w.Payload),
		Headers:       w.Headers,
		EventType:     w.EventType,
		Status:        string(w.Status),
		Attempts:      w.Attempts,
		MaxAttempts:   w.MaxAttempts,
		LastError:     w.LastError,
		NextAttemptAt: w.NextAttemptAt,
		CreatedAt:     w.CreatedAt,
		CompletedAt:   w.CompletedAt,
	}
	if !w.LastAttemptAt.IsZero() {
		t := w.LastAttemptAt
		doc.LastAttemptAt = &t
	}
	return doc
}

func (d mongoWebhook) toPending() PendingWebhook {
	w := PendingWebhook{
		ID:            d.ID,
		MerchantID:    d.MerchantID,
		URL:           d.URL,
		Payload:       d.Payload,
		Headers:       d.Headers,
		EventType:     d.EventType,
		Status:        WebhookStatus(d.Status),
		Attempts:      d.Attempts,
		MaxAttempts:   d.MaxAttempts,
		LastError:     d.LastError,
		NextAttemptAt: d.NextAttemptAt.UTC(),
		CreatedAt:     d.CreatedAt.UTC(),
	}
	if d.LastAttemptAt != nil {
		w.LastAttemptAt = d.LastAttemptAt.UTC()
	}
	if d.CompletedAt != nil {
		t := d.CompletedAt.UTC()
		w.CompletedAt = &t
	}
	return w
}

// NewMongoWebhookQueue uses the <prefix>webhook_queue collection in db.
func NewMongoWebhookQueue(ctx context.Context, db *mongo.Database, tablePrefix string) (*MongoWebhookQueue, error) {
	prefix, err := validateTablePrefix(tablePrefix)
	if err != nil {
		return nil, err
	}
	q := &MongoWebhookQueue{
		coll: db.Collection(prefix + "webhook_queue"),
		now:  func() time.Time { return time.Now().UTC() },
	}

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "completed_at", Value: 1}}},
	}
	if _, err := q.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("storage: create webhook queue indexes: %w", err)
	}
	return q, nil
}

func (q *MongoWebhookQueue) EnqueueWebhook(ctx context.Context, webhook PendingWebhook) (string, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	prepareWebhook(&webhook, q.now())
	if _, err := q.coll.InsertOne(ctx, toMongoWebhook(webhook)); err != nil {
		return "", fmt.Errorf("insert webhook: %w", err)
	}
	return webhook.ID, nil
}

// DequeueWebhooks claims jobs one at a time with FindOneAndUpdate so two
// workers never receive the same job.
func (q *MongoWebhookQueue) DequeueWebhooks(ctx context.Context, limit int) ([]PendingWebhook, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := q.now()
	filter := bson.M{
		"status":          string(WebhookStatusPending),
		"next_attempt_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{"status": string(WebhookStatusProcessing), "last_attempt_at": now},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}}).
		SetReturnDocument(options.After)

	var out []PendingWebhook
	for limit <= 0 || len(out) < limit {
		var doc mongoWebhook
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("claim webhook: %w", err)
		}
		out = append(out, doc.toPending())
	}
	return out, nil
}

func (q *MongoWebhookQueue) MarkWebhookSuccess(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set":   bson.M{"status": string(WebhookStatusSuccess), "completed_at": q.now()},
		"$unset": bson.M{"last_error": ""},
	}
	return q.updateOne(ctx, id, update)
}

func (q *MongoWebhookQueue) MarkWebhookFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	w, err := q.GetWebhook(ctx, id)
	if err != nil {
		return err
	}
	set := bson.M{"last_error": errMsg}
	if w.Exhausted() {
		set["status"] = string(WebhookStatusFailed)
		set["completed_at"] = q.now()
	} else {
		set["status"] = string(WebhookStatusPending)
		set["next_attempt_at"] = nextAttemptAt.UTC()
	}
	return q.updateOne(ctx, id, bson.M{"$set": set})
}

func (q *MongoWebhookQueue) GetWebhook(ctx context.Context, id string) (PendingWebhook, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoWebhook
	err := q.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PendingWebhook{}, ErrNotFound
	}
	if err != nil {
		return PendingWebhook{}, fmt.Errorf("query webhook: %w", err)
	}
	return doc.toPending(), nil
}

func (q *MongoWebhookQueue) ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := q.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoWebhook
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode webhooks: %w", err)
	}
	out := make([]PendingWebhook, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toPending())
	}
	return out, nil
}

func (q *MongoWebhookQueue) RetryWebhook(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set":   bson.M{"status": string(WebhookStatusPending), "attempts": 0, "next_attempt_at": q.now()},
		"$unset": bson.M{"completed_at": ""},
	}
	return q.updateOne(ctx, id, update)
}

func (q *MongoWebhookQueue) PurgeWebhooks(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"status": string(WebhookStatusSuccess), "completed_at": bson.M{"$lt": completedBefore}},
		bson.M{"status": string(WebhookStatusFailed), "completed_at": bson.M{"$lt": failedBefore}},
	}}
	res, err := q.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("purge webhooks: %w", err)
	}
	return res.DeletedCount, nil
}

func (q *MongoWebhookQueue) RequeueStaleWebhooks(ctx context.Context, claimedBefore time.Time) (int64, error) {
	now := q.now()
	stale := bson.M{
		"status":          string(WebhookStatusProcessing),
		"last_attempt_at": bson.M{"$lt": claimedBefore},
	}
	exhausted := bson.M{"max_attempts": bson.M{"$gt": 0}, "$expr": bson.M{"$gte": bson.A{"$attempts", "$max_attempts"}}}
	remaining := bson.M{"$or": bson.A{
		bson.M{"max_attempts": bson.M{"$lte": 0}},
		bson.M{"$expr": bson.M{"$lt": bson.A{"$attempts", "$max_attempts"}}},
	}}

	failed, err := q.coll.UpdateMany(ctx, bson.M{"$and": bson.A{stale, exhausted}}, bson.M{"$set": bson.M{
		"status":       string(WebhookStatusFailed),
		"completed_at": now,
		"last_error":   staleClaimError,
	}})
	if err != nil {
		return 0, fmt.Errorf("fail exhausted webhooks: %w", err)
	}
	requeued, err := q.coll.UpdateMany(ctx, bson.M{"$and": bson.A{stale, remaining}}, bson.M{"$set": bson.M{
		"status":          string(WebhookStatusPending),
		"next_attempt_at": now,
	}})
	if err != nil {
		return 0, fmt.Errorf("requeue webhooks: %w", err)
	}
	return failed.ModifiedCount + requeued.ModifiedCount, nil
}

func (q *MongoWebhookQueue) updateOne(ctx context.Context, id string, update bson.M) error {
	res, err := q.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (q *MongoWebhookQueue) Close() error { return nil }
