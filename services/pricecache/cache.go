// Package pricecache keeps the latest snapshot of every tracked asset for HTTP reads.
package pricecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stock_tracker_backend/models"
)

// ErrMiss is returned by Get when no snapshot is cached
var ErrMiss = errors.New("price not cached")

// Cache stores the latest snapshot per asset
type Cache interface {
	Set(ctx context.Context, snap models.PriceSnapshot) error
	Get(ctx context.Context, t models.AssetType, assetID string) (models.PriceSnapshot, error)
}

func cacheKey(t models.AssetType, assetID string) string {
	return fmt.Sprintf("price:latest:%s:%s", t, assetID)
}

// Config holds Redis configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TTL          time.Duration // lifetime of a cached snapshot
}

// DefaultConfig returns the default Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		TTL:          24 * time.Hour,
	}
}

// RedisCache stores snapshots as JSON strings with a TTL
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(ctx context.Context, cfg Config, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	logger.Info("redis price cache connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &RedisCache{client: client, ttl: cfg.TTL, logger: logger}, nil
}

func (c *RedisCache) Set(ctx context.Context, snap models.PriceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(snap.AssetType, snap.AssetID), data, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, t models.AssetType, assetID string) (models.PriceSnapshot, error) {
	data, err := c.client.Get(ctx, cacheKey(t, assetID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.PriceSnapshot{}, ErrMiss
	}
	if err != nil {
		return models.PriceSnapshot{}, err
	}
	var snap models.PriceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return models.PriceSnapshot{}, fmt.Errorf("decode cached price: %w", err)
	}
	return snap, nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// MemoryCache is the in-process cache used when Redis is not configured
type MemoryCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]memoryItem
}

type memoryItem struct {
	snap    models.PriceSnapshot
	expires time.Time
}

// NewMemoryCache creates an in-memory cache. ttl <= 0 keeps entries forever.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, items: make(map[string]memoryItem)}
}

func (c *MemoryCache) Set(_ context.Context, snap models.PriceSnapshot) error {
	item := memoryItem{snap: snap}
	if c.ttl > 0 {
		item.expires = time.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.items[cacheKey(snap.AssetType, snap.AssetID)] = item
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Get(_ context.Context, t models.AssetType, assetID string) (models.PriceSnapshot, error) {
	c.mu.RLock()
	item, ok := c.items[cacheKey(t, assetID)]
	c.mu.RUnlock()
	if !ok || (!item.expires.IsZero() && time.Now().After(item.expires)) {
		return models.PriceSnapshot{}, ErrMiss
	}
	return item.snap, nil
}
