package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/crawlkit/crawlkit/internal/types"
)

// MongoDataset pushes items one at a time to a MongoDB collection.
type MongoDataset struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	count      int
	logger     *slog.Logger
}

// NewMongoDataset connects to uri and targets database.collection.
func NewMongoDataset(uri, database, collection string, logger *slog.Logger) (*MongoDataset, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &MongoDataset{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "mongo_dataset"),
	}, nil
}

func (d *MongoDataset) PushData(ctx context.Context, item *types.Item) error {
	doc := make(map[string]any, len(item.Fields)+3)
	doc["_url"] = item.URL
	doc["_timestamp"] = item.Timestamp
	if item.SpiderName != "" {
		doc["_spider"] = item.SpiderName
	}

	for k, v := range item.Fields {
		doc[k] = v
	}

	insertCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := d.collection.InsertOne(insertCtx, doc); err != nil {
		return fmt.Errorf("mongodb insert: %w", err)
	}

	d.mu.Lock()
	d.count++
	d.mu.Unlock()
	return nil
}

func (d *MongoDataset) Close() error {
	d.logger.Info("mongodb dataset closing", "total_items", d.count)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
