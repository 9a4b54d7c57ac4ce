package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Healthz handles GET /healthz by pinging the database and the session store.
// When a broker is wired, its connection state is reported too.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"database": "ok", "redis": "ok"}

	sqlDB, err := h.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		h.logger.Warnw("Database health check failed", "error", err)
		body["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	if err := h.sessions.Ping(ctx); err != nil {
		h.logger.Warnw("Redis health check failed", "error", err)
		body["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	if h.broker != nil {
		if h.broker.IsConnected() {
			body["mqtt"] = "connected"
		} else {
			body["mqtt"] = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, body)
}
