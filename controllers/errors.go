package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"stock_tracker_backend/models"
	"stock_tracker_backend/services/tracking"
)

// statusFor maps the shared error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidAssetType):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrAssetNotFound), errors.Is(err, models.ErrNotSubscribed),
		errors.Is(err, tracking.ErrNotTracked):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateSubscription):
		return http.StatusConflict
	case errors.Is(err, models.ErrSubscriptionPinned):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

// assetTypeParam parses the :type path parameter
func assetTypeParam(c *gin.Context) (models.AssetType, bool) {
	t, err := models.ParseAssetType(c.Param("type"))
	if err != nil {
		respondError(c, err)
		return "", false
	}
	return t, true
}
