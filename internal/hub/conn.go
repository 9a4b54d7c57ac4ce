package hub

import (
	"context"
	"errors"
	"time"

	"nhooyr.io/websocket"
)

const writeTimeout = 10 * time.Second

// ServeConn runs one accepted websocket for subjectID until either side
// closes it. The caller owns closing conn.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn, subjectID int64) error {
	c, err := h.Register(ctx, subjectID)
	if err != nil {
		return err
	}
	defer h.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.writeLoop(ctx, cancel, conn, c)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if isClosure(err) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			h.reply(c, EventError, ErrorReply{Message: "binary frames are not supported"})
			continue
		}
		h.HandleMessage(ctx, c, data)
	}
}

func (h *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *Client) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			writeCancel()
			if err != nil {
				h.logger.Debugw("Write to client failed", "client", c.ID, "error", err)
				return
			}
		}
	}
}

func isClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
