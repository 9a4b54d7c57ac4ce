package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"guardian-backend/internal/alerting"
	"guardian-backend/internal/session"
)

// ClientKindHeader names the client kind a request's session belongs to.
const ClientKindHeader = "X-Client-Kind"

const claimsKey = "guardian.claims"

// RequireSession rejects requests without a live session (401) and sessions
// lacking one of roles (403).
func (h *Handler) RequireSession(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session token"})
			return
		}

		clientKind := c.GetHeader(ClientKindHeader)
		if clientKind == "" {
			clientKind = c.Query("client")
		}
		claims, err := h.sessions.Validate(c.Request.Context(), token, clientKind)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
			return
		}
		if err := h.sessions.Authorize(claims, roles...); err != nil {
			if errors.Is(err, session.ErrForbidden) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for websocket upgrades.
func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return c.Query("token")
}

func claimsFrom(c *gin.Context) *session.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*session.Claims)
	return claims
}

// subjectCacheKey keys cached responses by caller and URI.
func subjectCacheKey(c *gin.Context) string {
	claims := claimsFrom(c)
	if claims == nil {
		return ""
	}
	return strconv.FormatInt(claims.SubjectID, 10) + ":" + c.Request.URL.RequestURI()
}

// scopeFor returns the circles the caller may see.
func (h *Handler) scopeFor(ctx context.Context, claims *session.Claims) (alerting.Scope, error) {
	if claims.Role == RoleAdmin {
		return alerting.AllTenants(), nil
	}
	tenants, err := h.members.Tenants(ctx, claims.SubjectID)
	if err != nil {
		return alerting.Scope{}, err
	}
	return alerting.TenantsScope(tenants), nil
}

// canSee reports whether the caller may read circle tenantID.
func (h *Handler) canSee(ctx context.Context, claims *session.Claims, tenantID int64) (bool, error) {
	if claims.Role == RoleAdmin {
		return true, nil
	}
	return h.members.IsMember(ctx, tenantID, claims.SubjectID)
}

func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}
