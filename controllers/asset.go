package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/pricecache"
	"stock_tracker_backend/services/registry"
)

// AssetReader is the registry surface used by the HTTP layer
type AssetReader interface {
	List(t models.AssetType) []registry.Asset
	Get(assetID string, t models.AssetType) (registry.Asset, error)
}

// PriceReader returns the latest cached snapshot
type PriceReader interface {
	Get(ctx context.Context, t models.AssetType, assetID string) (models.PriceSnapshot, error)
}

// HistoryReader returns recent price points
type HistoryReader interface {
	Recent(ctx context.Context, t models.AssetType, assetID string, limit int) ([]models.PriceRecord, error)
}

// AssetController serves the catalog and price reads
type AssetController struct {
	assets  AssetReader
	prices  PriceReader
	history HistoryReader
}

// NewAssetController creates a new asset controller. history may be nil when disabled.
func NewAssetController(assets AssetReader, prices PriceReader, history HistoryReader) *AssetController {
	return &AssetController{assets: assets, prices: prices, history: history}
}

// List returns every catalog asset of a type
// GET /api/v1/assets/:type
func (ac *AssetController) List(c *gin.Context) {
	t, ok := assetTypeParam(c)
	if !ok {
		return
	}
	assets := ac.assets.List(t)
	c.JSON(http.StatusOK, gin.H{"data": assets, "count": len(assets)})
}

// GetPrice returns the latest fetched snapshot of an asset
// GET /api/v1/prices/:type/:id
func (ac *AssetController) GetPrice(c *gin.Context) {
	t, ok := assetTypeParam(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if _, err := ac.assets.Get(id, t); err != nil {
		respondError(c, err)
		return
	}

	snap, err := ac.prices.Get(c.Request.Context(), t, id)
	if errors.Is(err, pricecache.ErrMiss) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no price fetched yet; subscribe to start tracking"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}

// GetHistory returns recent price points, newest first
// GET /api/v1/prices/:type/:id/history?limit=100
func (ac *AssetController) GetHistory(c *gin.Context) {
	t, ok := assetTypeParam(c)
	if !ok {
		return
	}
	if ac.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "price history is disabled"})
		return
	}
	id := c.Param("id")
	if _, err := ac.assets.Get(id, t); err != nil {
		respondError(c, err)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}

	records, err := ac.history.Recent(c.Request.Context(), t, id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records, "count": len(records)})
}
