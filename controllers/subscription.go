package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stock_tracker_backend/middleware"
	"stock_tracker_backend/models"
)

// SubscriptionLedger is the subscription surface used by the HTTP layer
type SubscriptionLedger interface {
	Subscribe(userID, assetID string, t models.AssetType) (models.Subscription, error)
	UnsubscribeRemovable(userID, assetID string, t models.AssetType) error
	ListUserSubscriptions(userID string) []models.Subscription
}

// SubscriptionController handles the authenticated user's subscriptions
type SubscriptionController struct {
	ledger SubscriptionLedger
}

// NewSubscriptionController creates a new subscription controller
func NewSubscriptionController(ledger SubscriptionLedger) *SubscriptionController {
	return &SubscriptionController{ledger: ledger}
}

// List returns the user's subscriptions
// GET /api/v1/subscriptions
func (sc *SubscriptionController) List(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sc.ledger.ListUserSubscriptions(userID)})
}

// Create subscribes the user to an asset
// POST /api/v1/subscriptions
func (sc *SubscriptionController) Create(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var request struct {
		AssetType string `json:"asset_type" binding:"required"`
		AssetID   string `json:"asset_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := models.ParseAssetType(request.AssetType)
	if err != nil {
		respondError(c, err)
		return
	}

	sub, err := sc.ledger.Subscribe(userID, request.AssetID, t)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

// Delete removes one of the user's subscriptions. Pinned subscriptions are refused.
// DELETE /api/v1/subscriptions/:type/:id
func (sc *SubscriptionController) Delete(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	t, ok := assetTypeParam(c)
	if !ok {
		return
	}

	if err := sc.ledger.UnsubscribeRemovable(userID, c.Param("id"), t); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "unsubscribed",
		"asset_type": t,
		"asset_id":   c.Param("id"),
	})
}
