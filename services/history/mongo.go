package history

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"stock_tracker_backend/models"
)

// MongoDB defaults
const (
	MongoDBName            = "stock_tracker"
	MongoHistoryCollection = "price_history"
)

// priceDocument is one price point in MongoDB
type priceDocument struct {
	AssetType     string               `bson:"asset_type"`
	AssetID       string               `bson:"asset_id"`
	Price         primitive.Decimal128 `bson:"price"`
	Open          primitive.Decimal128 `bson:"open"`
	High          primitive.Decimal128 `bson:"high"`
	Low           primitive.Decimal128 `bson:"low"`
	Volume        primitive.Decimal128 `bson:"volume"`
	ChangePercent primitive.Decimal128 `bson:"change_percent"`
	QuotedAt      time.Time            `bson:"quoted_at"`
	CreatedAt     time.Time            `bson:"created_at"`
}

func toDecimal128(d decimal.Decimal) primitive.Decimal128 {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.NewDecimal128(0, 0)
	}
	return v
}

func fromDecimal128(v primitive.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toDocument(rec models.PriceRecord, now time.Time) priceDocument {
	return priceDocument{
		AssetType:     string(rec.AssetType),
		AssetID:       rec.AssetID,
		Price:         toDecimal128(rec.Price),
		Open:          toDecimal128(rec.Open),
		High:          toDecimal128(rec.High),
		Low:           toDecimal128(rec.Low),
		Volume:        toDecimal128(rec.Volume),
		ChangePercent: toDecimal128(rec.ChangePercent),
		QuotedAt:      rec.QuotedAt,
		CreatedAt:     now,
	}
}

func (d priceDocument) record() models.PriceRecord {
	return models.PriceRecord{
		AssetType:     models.AssetType(d.AssetType),
		AssetID:       d.AssetID,
		Price:         fromDecimal128(d.Price),
		Open:          fromDecimal128(d.Open),
		High:          fromDecimal128(d.High),
		Low:           fromDecimal128(d.Low),
		Volume:        fromDecimal128(d.Volume),
		ChangePercent: fromDecimal128(d.ChangePercent),
		QuotedAt:      d.QuotedAt,
		CreatedAt:     d.CreatedAt,
	}
}

// MongoStore keeps price history in a MongoDB collection
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStore connects to uri, verifies the connection and ensures indexes
func NewMongoStore(ctx context.Context, uri, dbName string, logger *zap.Logger) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb uri not set")
	}
	if dbName == "" {
		dbName = MongoDBName
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	coll := client.Database(dbName).Collection(MongoHistoryCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "asset_type", Value: 1},
			{Key: "asset_id", Value: 1},
			{Key: "quoted_at", Value: -1},
		},
	})
	if err != nil {
		logger.Warn("create mongodb history index", zap.Error(err))
	}

	logger.Info("mongodb history store connected", zap.String("database", dbName))
	return &MongoStore{client: client, collection: coll, logger: logger}, nil
}

// Append inserts one price point
func (s *MongoStore) Append(ctx context.Context, snap models.PriceSnapshot) error {
	doc := toDocument(recordFromSnapshot(snap), time.Now().UTC())
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert price document %s %s: %w", snap.AssetType, snap.AssetID, err)
	}
	return nil
}

// Recent returns the latest points of an asset, newest first
func (s *MongoStore) Recent(ctx context.Context, t models.AssetType, assetID string, limit int) ([]models.PriceRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "quoted_at", Value: -1}}).
		SetLimit(int64(clampLimit(limit)))
	cur, err := s.collection.Find(ctx, bson.M{"asset_type": string(t), "asset_id": assetID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find price documents: %w", err)
	}
	defer cur.Close(ctx)

	var docs []priceDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode price documents: %w", err)
	}
	out := make([]models.PriceRecord, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

// Cleanup deletes points quoted before the cutoff
func (s *MongoStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"quoted_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("delete price documents: %w", err)
	}
	return res.DeletedCount, nil
}

// Close disconnects from MongoDB
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
