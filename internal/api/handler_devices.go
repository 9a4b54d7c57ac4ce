package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"guardian-backend/internal/liveness"
	"guardian-backend/internal/store"
)

// GetCircleDevices handles GET /api/circles/:circle_id/devices with presence
// derived at read time.
func (h *Handler) GetCircleDevices(c *gin.Context) {
	circleID, ok := parseID(c, "circle_id")
	if !ok {
		return
	}
	claims := claimsFrom(c)
	ctx := c.Request.Context()

	allowed, err := h.canSee(ctx, claims, circleID)
	if err != nil {
		h.logger.Errorw("Failed to check membership", "subject", claims.SubjectID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to check membership"})
		return
	}
	if !allowed {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a member of this circle"})
		return
	}

	views, err := h.liveness.DeviceStatuses(ctx, circleID)
	if err != nil {
		h.logger.Errorw("Failed to load devices", "circle", circleID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve devices"})
		return
	}
	if views == nil {
		views = []liveness.DeviceView{}
	}
	c.JSON(http.StatusOK, views)
}

type bindDeviceRequest struct {
	CircleID int64 `json:"circle_id" binding:"required,gt=0"`
}

// BindDevice handles POST /api/devices/:serial/bind. Administrators only.
func (h *Handler) BindDevice(c *gin.Context) {
	var req bindDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	serial := c.Param("serial")
	if err := h.devices.Bind(c.Request.Context(), serial, req.CircleID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
		case errors.Is(err, store.ErrAlreadyBound):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "device is bound to another circle"})
		default:
			h.logger.Errorw("Failed to bind device", "serial", serial, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to bind device"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// UnbindDevice handles POST /api/devices/:serial/unbind. Administrators only.
func (h *Handler) UnbindDevice(c *gin.Context) {
	serial := c.Param("serial")
	if err := h.devices.Unbind(c.Request.Context(), serial); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		h.logger.Errorw("Failed to unbind device", "serial", serial, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to unbind device"})
		return
	}
	c.Status(http.StatusNoContent)
}
