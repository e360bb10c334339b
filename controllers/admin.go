package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/catalog"
	"stock_tracker_backend/services/realtime"
	"stock_tracker_backend/services/registry"
	"stock_tracker_backend/services/tracking"
)

// TrackingControl is the manager surface used by admin endpoints
type TrackingControl interface {
	TriggerImmediateCycle(t models.AssetType) error
	Metrics() []tracking.CycleMetrics
}

// AssetAdder persists and registers new catalog assets
type AssetAdder interface {
	AddAsset(ctx context.Context, req catalog.NewAssetRequest) (registry.Asset, error)
}

// UserSubscriptions administers subscriptions across users
type UserSubscriptions interface {
	RemoveUser(userID string) int
	Stats() (users, subscriptions int)
}

// HubStatser reports websocket statistics
type HubStatser interface {
	Stats() realtime.HubStats
}

// AdminController handles tracking administration
type AdminController struct {
	tracking TrackingControl
	catalog  AssetAdder
	subs     UserSubscriptions
	hub      HubStatser
}

// NewAdminController creates a new admin controller. hub may be nil.
func NewAdminController(tc TrackingControl, cat AssetAdder, subs UserSubscriptions, hub HubStatser) *AdminController {
	return &AdminController{tracking: tc, catalog: cat, subs: subs, hub: hub}
}

// RefreshTracking requests an immediate cycle for one asset type
// POST /api/v1/admin/tracking/:type/refresh
func (ac *AdminController) RefreshTracking(c *gin.Context) {
	t, ok := assetTypeParam(c)
	if !ok {
		return
	}
	if err := ac.tracking.TriggerImmediateCycle(t); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cycle requested", "asset_type": t})
}

// TrackingMetrics returns per-type cycle metrics and subscription totals
// GET /api/v1/admin/tracking/metrics
func (ac *AdminController) TrackingMetrics(c *gin.Context) {
	users, subs := ac.subs.Stats()
	resp := gin.H{
		"schedulers":    ac.tracking.Metrics(),
		"users":         users,
		"subscriptions": subs,
	}
	if ac.hub != nil {
		resp["websocket"] = ac.hub.Stats()
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// AddAsset adds an asset to the catalog and registers it for tracking
// POST /api/v1/admin/assets
func (ac *AdminController) AddAsset(c *gin.Context) {
	var req catalog.NewAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := models.ParseAssetType(string(req.AssetType))
	if err != nil {
		respondError(c, err)
		return
	}
	req.AssetType = t

	asset, err := ac.catalog.AddAsset(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": asset})
}

// RemoveUserSubscriptions drops every subscription of a user, pinned ones included
// DELETE /api/v1/admin/users/:id/subscriptions
func (ac *AdminController) RemoveUserSubscriptions(c *gin.Context) {
	removed := ac.subs.RemoveUser(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("id"), "removed": removed})
}
