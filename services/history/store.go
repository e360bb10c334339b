// Package history persists historical price points appended after every successful fetch.
package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"stock_tracker_backend/models"
)

// Store is implemented by every history backend
type Store interface {
	Append(ctx context.Context, snap models.PriceSnapshot) error
	Recent(ctx context.Context, t models.AssetType, assetID string, limit int) ([]models.PriceRecord, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

const (
	DefaultRecentLimit = 100
	MaxRecentLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLimit
	case limit > MaxRecentLimit:
		return MaxRecentLimit
	}
	return limit
}

// recordFromSnapshot converts a snapshot; QuotedAt falls back to FetchedAt
func recordFromSnapshot(snap models.PriceSnapshot) models.PriceRecord {
	quoted := snap.QuotedAt
	if quoted.IsZero() {
		quoted = snap.FetchedAt
	}
	if quoted.IsZero() {
		quoted = time.Now()
	}
	return models.PriceRecord{
		AssetType:     snap.AssetType,
		AssetID:       snap.AssetID,
		Price:         snap.Price,
		Open:          snap.Open,
		High:          snap.High,
		Low:           snap.Low,
		Volume:        snap.Volume,
		ChangePercent: snap.ChangePercent,
		QuotedAt:      quoted.UTC(),
	}
}

// GormStore keeps price history in the SQL database
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store on db. The price_records table must be migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Append inserts one price point
func (s *GormStore) Append(ctx context.Context, snap models.PriceSnapshot) error {
	rec := recordFromSnapshot(snap)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append price record %s %s: %w", snap.AssetType, snap.AssetID, err)
	}
	return nil
}

// Recent returns the latest points of an asset, newest first
func (s *GormStore) Recent(ctx context.Context, t models.AssetType, assetID string, limit int) ([]models.PriceRecord, error) {
	var records []models.PriceRecord
	err := s.db.WithContext(ctx).
		Where("asset_type = ? AND asset_id = ?", t, assetID).
		Order("quoted_at DESC").
		Limit(clampLimit(limit)).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query price records: %w", err)
	}
	return records, nil
}

// Cleanup deletes points quoted before the cutoff and returns how many were removed
func (s *GormStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("quoted_at < ?", before.UTC()).Delete(&models.PriceRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup price records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
