package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aluiziolira/go-price-fetch/models"
)

// MongoStorage upserts products into a MongoDB collection keyed by ASIN.
type MongoStorage struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	count      int
	logger     *slog.Logger
}

// NewMongoStorage connects to uri and verifies the server is reachable.
func NewMongoStorage(uri, database, collection string, logger *slog.Logger) (*MongoStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storageErr(KindMongo, "connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, storageErr(KindMongo, "ping", err)
	}

	return &MongoStorage{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "mongo_storage"),
	}, nil
}

// Save upserts products.
func (s *MongoStorage) Save(products []models.Product) error {
	return s.SaveBatch(products)
}

// SaveBatch upserts products with one bulk write.
func (s *MongoStorage) SaveBatch(products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	writes := make([]mongo.WriteModel, 0, len(products))
	for _, p := range products {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"asin_code": p.ASIN}).
			SetReplacement(productDocument(p)).
			SetUpsert(true))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false)); err != nil {
		return storageErr(KindMongo, "upsert", fmt.Errorf("bulk write: %w", err))
	}

	s.count += len(products)
	s.logger.Debug("products stored in mongodb", "count", len(products), "total", s.count)
	return nil
}

// Close disconnects the client.
func (s *MongoStorage) Close() error {
	s.logger.Info("mongodb storage closing", "total_products", s.count)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return storageErr(KindMongo, "close", s.client.Disconnect(ctx))
}

func productDocument(p models.Product) bson.M {
	doc := bson.M{
		"asin_code": p.ASIN,
		"title":     p.Title,
		"url":       p.URL,
		"image_url": p.ImageURL,
		"currency":  p.Currency,
		"sponsored": p.Sponsored,
		"timestamp": p.CapturedAt,
	}
	if p.Price != "" {
		doc["price"] = p.Price
	}
	if p.Rating != nil {
		doc["rating"] = *p.Rating
	}
	if p.ReviewCount != nil {
		doc["review_count"] = *p.ReviewCount
	}
	if p.Availability != "" {
		doc["availability"] = p.Availability
	}
	if p.Seller != "" {
		doc["seller"] = p.Seller
	}
	return doc
}
