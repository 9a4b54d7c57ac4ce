package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"guardian-backend/internal/alerting"
	"guardian-backend/internal/model"
	"guardian-backend/internal/session"
	"guardian-backend/internal/store"
)

type alertListResponse struct {
	Alerts []model.Alert `json:"alerts"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// requestScope narrows the caller's scope to the circle_id query parameter
// when one is given.
func (h *Handler) requestScope(c *gin.Context, claims *session.Claims) (alerting.Scope, bool) {
	scope, err := h.scopeFor(c.Request.Context(), claims)
	if err != nil {
		h.logger.Errorw("Failed to load circles", "subject", claims.SubjectID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load circles"})
		return alerting.Scope{}, false
	}

	raw := c.Query("circle_id")
	if raw == "" {
		return scope, true
	}
	circleID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || circleID <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid circle_id"})
		return alerting.Scope{}, false
	}
	if !scope.Covers(circleID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a member of this circle"})
		return alerting.Scope{}, false
	}
	return alerting.TenantScope(circleID), true
}

// ListAlerts handles GET /api/alerts.
func (h *Handler) ListAlerts(c *gin.Context) {
	claims := claimsFrom(c)
	scope, ok := h.requestScope(c, claims)
	if !ok {
		return
	}

	bucket, err := alerting.ParseBucket(c.Query("status"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	page := alerting.Page{Limit: limit, Offset: offset}.Normalize()

	alerts, total, err := h.alerts.List(c.Request.Context(), scope, bucket, page)
	if err != nil {
		h.logger.Errorw("Failed to list alerts", "subject", claims.SubjectID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve alerts"})
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	c.JSON(http.StatusOK, alertListResponse{Alerts: alerts, Total: total, Limit: page.Limit, Offset: page.Offset})
}

// AlertStats handles GET /api/alerts/stats.
func (h *Handler) AlertStats(c *gin.Context) {
	claims := claimsFrom(c)
	scope, ok := h.requestScope(c, claims)
	if !ok {
		return
	}

	stats, err := h.alerts.Stats(c.Request.Context(), scope)
	if err != nil {
		h.logger.Errorw("Failed to compute alert stats", "subject", claims.SubjectID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute alert stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// AcknowledgeAlert handles POST /api/alerts/:id/acknowledge.
func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	h.resolveAlert(c, model.AlertAcknowledged)
}

// IgnoreAlert handles POST /api/alerts/:id/ignore.
func (h *Handler) IgnoreAlert(c *gin.Context) {
	h.resolveAlert(c, model.AlertIgnored)
}

func (h *Handler) resolveAlert(c *gin.Context, status model.AlertStatus) {
	alertID, ok := parseID(c, "id")
	if !ok {
		return
	}
	claims := claimsFrom(c)
	ctx := c.Request.Context()

	alert, err := h.alerts.Get(ctx, alertID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		h.logger.Errorw("Failed to load alert", "id", alertID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load alert"})
		return
	}

	allowed, err := h.canSee(ctx, claims, alert.TenantID)
	if err != nil {
		h.logger.Errorw("Failed to check membership", "subject", claims.SubjectID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to check membership"})
		return
	}
	if !allowed {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a member of this circle"})
		return
	}

	outcome, err := h.alerts.Transition(ctx, alertID, claims.SubjectID, status)
	if err != nil {
		h.logger.Errorw("Failed to resolve alert", "id", alertID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve alert"})
		return
	}

	switch outcome {
	case alerting.Applied:
		c.JSON(http.StatusOK, gin.H{"id": alertID, "status": status, "outcome": outcome.String()})
	case alerting.AlreadyResolved:
		c.JSON(http.StatusConflict, gin.H{"error": "alert already resolved", "outcome": outcome.String()})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found", "outcome": outcome.String()})
	}
}

// DeleteAlert handles DELETE /api/alerts/:id. Administrators only.
func (h *Handler) DeleteAlert(c *gin.Context) {
	alertID, ok := parseID(c, "id")
	if !ok {
		return
	}

	deleted, err := h.alerts.Delete(c.Request.Context(), alertID)
	if err != nil {
		h.logger.Errorw("Failed to delete alert", "id", alertID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete alert"})
		return
	}
	if !deleted {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
