package api

import (
	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
)

// ServeWS handles GET /api/ws, upgrading an authenticated request into a
// realtime hub connection.
func (h *Handler) ServeWS(c *gin.Context) {
	claims := claimsFrom(c)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.allowedOrigins,
	})
	if err != nil {
		h.logger.Warnw("Websocket upgrade failed", "subject", claims.SubjectID, "error", err)
		return
	}
	defer conn.CloseNow()

	if err := h.hub.ServeConn(c.Request.Context(), conn, claims.SubjectID); err != nil {
		h.logger.Infow("Websocket closed with error", "subject", claims.SubjectID, "error", err)
		conn.Close(websocket.StatusInternalError, "connection error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
