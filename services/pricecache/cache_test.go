package pricecache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_tracker_backend/models"
)

func sampleSnapshot() models.PriceSnapshot {
	return models.PriceSnapshot{
		AssetType: models.AssetTypeStock,
		AssetID:   "2330",
		Price:     decimal.RequireFromString("590.5"),
		FetchedAt: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)

	_, err := c.Get(ctx, models.AssetTypeStock, "2330")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, sampleSnapshot()))
	got, err := c.Get(ctx, models.AssetTypeStock, "2330")
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("590.5")))

	_, err = c.Get(ctx, models.AssetTypeCrypto, "2330")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(20 * time.Millisecond)
	require.NoError(t, c.Set(ctx, sampleSnapshot()))
	time.Sleep(40 * time.Millisecond)
	_, err := c.Get(ctx, models.AssetTypeStock, "2330")
	assert.ErrorIs(t, err, ErrMiss)
}

// Runs against a real server when REDIS_TEST_ADDR is set.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	cfg := DefaultConfig()
	cfg.Addr = addr
	cfg.TTL = time.Minute

	ctx := context.Background()
	c, err := NewRedisCache(ctx, cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	snap := sampleSnapshot()
	snap.AssetID = "redis-test-" + time.Now().Format("150405.000")
	require.NoError(t, c.Set(ctx, snap))

	got, err := c.Get(ctx, snap.AssetType, snap.AssetID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(snap.Price))

	_, err = c.Get(ctx, snap.AssetType, "missing-"+snap.AssetID)
	assert.ErrorIs(t, err, ErrMiss)
}
