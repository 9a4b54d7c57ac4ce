package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Server to client events.
const (
	EventNewEvent          = "new_event"
	EventNewAlert          = "new_alert"
	EventDeviceStateUpdate = "device_state_update"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventNewMessage        = "new_message"
	EventJoinedCircle      = "joined_circle"
	EventLeftCircle        = "left_circle"
	EventOnlineUsers       = "online_users"
	EventPong              = "pong"
	EventError             = "error"
)

// Client to server events.
const (
	EventJoinCircle     = "join_circle"
	EventLeaveCircle    = "leave_circle"
	EventGetOnlineUsers = "get_online_users"
	EventSendMessage    = "send_message"
	EventPing           = "ping"
)

// Frame is the envelope of every message on the socket.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type circleRequest struct {
	CircleID int64 `json:"circle_id"`
}

type messageRequest struct {
	CircleID    int64  `json:"circle_id"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
}

// Presence announces a subject joining or leaving a group.
type Presence struct {
	UserID    int64     `json:"user_id"`
	CircleID  int64     `json:"circle_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CircleReply acknowledges join_circle and leave_circle.
type CircleReply struct {
	CircleID int64 `json:"circle_id"`
}

// OnlineUsers answers get_online_users.
type OnlineUsers struct {
	CircleID int64   `json:"circle_id"`
	Users    []int64 `json:"users"`
}

// ChatMessage is a relayed send_message.
type ChatMessage struct {
	ID          string    `json:"id"`
	CircleID    int64     `json:"circle_id"`
	SenderID    int64     `json:"sender_id"`
	Message     string    `json:"message"`
	MessageType string    `json:"message_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// Pong answers ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorReply reports a rejected client request.
type ErrorReply struct {
	Message string `json:"message"`
}

// HandleMessage dispatches one client frame. Failures are reported back to
// the client as error events and never tear down the connection.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, raw []byte) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		h.reply(c, EventError, ErrorReply{Message: "malformed message"})
		return
	}

	switch in.Event {
	case EventPing:
		h.reply(c, EventPong, Pong{Timestamp: h.now()})

	case EventJoinCircle:
		var req circleRequest
		if !h.decode(c, in.Data, &req) || !h.checkMember(ctx, c, req.CircleID) {
			return
		}
		if h.join(c, req.CircleID) {
			h.reply(c, EventJoinedCircle, CircleReply{CircleID: req.CircleID})
		}

	case EventLeaveCircle:
		var req circleRequest
		if !h.decode(c, in.Data, &req) {
			return
		}
		h.leave(c, req.CircleID)
		h.reply(c, EventLeftCircle, CircleReply{CircleID: req.CircleID})

	case EventGetOnlineUsers:
		var req circleRequest
		if !h.decode(c, in.Data, &req) || !h.checkMember(ctx, c, req.CircleID) {
			return
		}
		h.reply(c, EventOnlineUsers, OnlineUsers{CircleID: req.CircleID, Users: h.OnlineSubjects(req.CircleID)})

	case EventSendMessage:
		var req messageRequest
		if !h.decode(c, in.Data, &req) || !h.checkMember(ctx, c, req.CircleID) {
			return
		}
		if req.MessageType == "" {
			req.MessageType = "text"
		}
		h.BroadcastToTenant(req.CircleID, EventNewMessage, ChatMessage{
			ID:          uuid.NewString(),
			CircleID:    req.CircleID,
			SenderID:    c.SubjectID,
			Message:     req.Message,
			MessageType: req.MessageType,
			Timestamp:   h.now(),
		})

	default:
		h.reply(c, EventError, ErrorReply{Message: "unknown event " + in.Event})
	}
}

func (h *Hub) decode(c *Client, data json.RawMessage, v any) bool {
	if len(data) == 0 {
		h.reply(c, EventError, ErrorReply{Message: "missing data"})
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		h.reply(c, EventError, ErrorReply{Message: "malformed data"})
		return false
	}
	return true
}

func (h *Hub) checkMember(ctx context.Context, c *Client, tenantID int64) bool {
	ok, err := h.dir.IsMember(ctx, tenantID, c.SubjectID)
	if err != nil {
		h.logger.Errorw("Membership check failed", "subject", c.SubjectID, "tenant", tenantID, "error", err)
		h.reply(c, EventError, ErrorReply{Message: "membership check failed"})
		return false
	}
	if !ok {
		h.reply(c, EventError, ErrorReply{Message: "not a member of this circle"})
		return false
	}
	return true
}

func (h *Hub) reply(c *Client, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		h.logger.Errorw("Failed to encode reply", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !c.closed {
		h.deliver(c, event, frame)
	}
}
