package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Logout handles POST /api/sessions/logout by revoking the caller's session
// on its client kind.
func (h *Handler) Logout(c *gin.Context) {
	claims := claimsFrom(c)
	if err := h.sessions.Revoke(c.Request.Context(), claims.SubjectID, claims.ClientKind); err != nil {
		h.logger.Errorw("Failed to revoke session", "subject", claims.SubjectID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke session"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Me handles GET /api/sessions/me.
func (h *Handler) Me(c *gin.Context) {
	claims := claimsFrom(c)
	circles, err := h.members.Tenants(c.Request.Context(), claims.SubjectID)
	if err != nil {
		h.logger.Errorw("Failed to load circles", "subject", claims.SubjectID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load circles"})
		return
	}
	if circles == nil {
		circles = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      claims.SubjectID,
		"role":    claims.Role,
		"name":    claims.Name,
		"device":  claims.ClientKind,
		"circles": circles,
	})
}
