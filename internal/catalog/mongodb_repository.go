package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoDBRepository reads merchants and contents from MongoDB collections.
type MongoDBRepository struct {
	merchants *mongo.Collection
	contents  *mongo.Collection
}

type mongoMerchant struct {
	ID            string   `bson:"_id"`
	Status        string   `bson:"status"`
	PayoutAddress string   `bson:"payoutAddress"`
	WebhookURL    string   `bson:"webhookUrl"`
	WebhookSecret string   `bson:"webhookSecret"`
	WebhookEvents []string `bson:"webhookEvents"`
}

type mongoContent struct {
	ID           string `bson:"_id"`
	MerchantID   string `bson:"merchantId"`
	Slug         string `bson:"slug"`
	Price        int64  `bson:"price"`
	Currency     string `bson:"currency"`
	DurationSecs int64  `bson:"durationSecs"`
}

// NewMongoDBRepository uses <prefix>merchants and <prefix>contents in db.
func NewMongoDBRepository(db *mongo.Database, collectionPrefix string) *MongoDBRepository {
	return &MongoDBRepository{
		merchants: db.Collection(collectionPrefix + "merchants"),
		contents:  db.Collection(collectionPrefix + "contents"),
	}
}

func (r *MongoDBRepository) GetMerchant(ctx context.Context, id string) (Merchant, error) {
	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	var doc mongoMerchant
	err := r.merchants.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Merchant{}, ErrMerchantNotFound
	}
	if err != nil {
		return Merchant{}, fmt.Errorf("find merchant: %w", err)
	}
	status := doc.Status
	if status == "" {
		status = MerchantStatusActive
	}
	return Merchant{
		ID:            doc.ID,
		Status:        status,
		PayoutAddress: doc.PayoutAddress,
		WebhookURL:    doc.WebhookURL,
		WebhookSecret: doc.WebhookSecret,
		WebhookEvents: doc.WebhookEvents,
	}, nil
}

func (r *MongoDBRepository) GetContent(ctx context.Context, id string) (Content, error) {
	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	var doc mongoContent
	err := r.contents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Content{}, ErrContentNotFound
	}
	if err != nil {
		return Content{}, fmt.Errorf("find content: %w", err)
	}
	if doc.Price < 0 {
		return Content{}, fmt.Errorf("content %s has negative price", doc.ID)
	}
	return Content{
		ID:           doc.ID,
		MerchantID:   doc.MerchantID,
		Slug:         doc.Slug,
		Price:        uint64(doc.Price),
		Currency:     doc.Currency,
		DurationSecs: doc.DurationSecs,
	}, nil
}

// Close is a no-op; the shared client is owned by the caller.
func (r *MongoDBRepository) Close() error {
	return nil
}
