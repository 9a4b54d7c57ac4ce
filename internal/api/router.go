package api

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"guardian-backend/config"
	"guardian-backend/internal/mw"
)

// Buckets of clients quiet for this long are dropped.
const limiterIdle = 10 * time.Minute

// NewRouter creates and configures a new Gin router.
func NewRouter(d Deps, cfg config.ServerConfig) *gin.Engine {
	r := gin.New()
	logger := d.Logger.Desugar()
	r.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(logger, true))

	handler := NewHandler(d)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, limiterIdle)

	// Device lists change with every heartbeat, so keep the window short.
	cacheTTL := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(cacheTTL, 2*cacheTTL)
	caching := mw.Cache(cacheStore, cacheTTL, subjectCacheKey)

	r.GET("/healthz", handler.Healthz)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)

		// Websocket clients pass the token as a query parameter.
		api.GET("/ws", handler.RequireSession(), handler.ServeWS)

		authed := api.Group("", handler.RequireSession())
		authed.GET("/sessions/me", handler.Me)
		authed.POST("/sessions/logout", handler.Logout)

		authed.GET("/alerts", handler.ListAlerts)
		authed.GET("/alerts/stats", handler.AlertStats)
		authed.POST("/alerts/:id/acknowledge", handler.AcknowledgeAlert)
		authed.POST("/alerts/:id/ignore", handler.IgnoreAlert)

		authed.GET("/circles/:circle_id/devices", caching, handler.GetCircleDevices)

		authed.GET("/subscriptions", handler.GetSubscription)
		authed.PUT("/subscriptions", handler.PutSubscription)
		authed.DELETE("/subscriptions", handler.DeleteSubscription)

		admin := api.Group("", handler.RequireSession(RoleAdmin))
		admin.DELETE("/alerts/:id", handler.DeleteAlert)
		admin.POST("/devices/:serial/bind", handler.BindDevice)
		admin.POST("/devices/:serial/unbind", handler.UnbindDevice)
	}

	return r
}
