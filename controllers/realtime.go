package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stock_tracker_backend/middleware"
)

// WebSocketServer upgrades an authenticated request
type WebSocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

// RealtimeController upgrades websocket connections
type RealtimeController struct {
	hub WebSocketServer
}

// NewRealtimeController creates a new realtime controller
func NewRealtimeController(hub WebSocketServer) *RealtimeController {
	return &RealtimeController{hub: hub}
}

// Connect upgrades to a websocket bound to the authenticated user
// GET /ws?token=<jwt>
func (rc *RealtimeController) Connect(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	rc.hub.ServeWS(c.Writer, c.Request, userID)
}
