package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directory answers membership questions for the hub. Answers are never
// cached; every join is checked against the current membership.
type Directory interface {
	Tenants(ctx context.Context, subjectID int64) ([]int64, error)
	IsMember(ctx context.Context, tenantID, subjectID int64) (bool, error)
}

// Client is one live connection of a subject.
type Client struct {
	ID        string
	SubjectID int64

	send chan []byte
	// guarded by Hub.mu
	tenants map[int64]struct{}
	closed  bool
}

// Send exposes the outbound frame queue. It is closed on Unregister.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Hub fans events out to the connections grouped by tenant. Delivery is
// best effort: a connection whose buffer is full misses the event.
type Hub struct {
	dir        Directory
	sendBuffer int
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu       sync.RWMutex
	groups   map[int64]map[*Client]struct{}
	subjects map[int64]map[*Client]struct{}
}

// New creates a new Hub.
func New(dir Directory, sendBuffer int, logger *zap.SugaredLogger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	return &Hub{
		dir:        dir,
		sendBuffer: sendBuffer,
		logger:     logger,
		now:        time.Now,
		groups:     make(map[int64]map[*Client]struct{}),
		subjects:   make(map[int64]map[*Client]struct{}),
	}
}

// Register adds a connection for subjectID, joins it to every tenant the
// subject currently belongs to and announces it to those groups.
func (h *Hub) Register(ctx context.Context, subjectID int64) (*Client, error) {
	tenantIDs, err := h.dir.Tenants(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenants of subject %d: %w", subjectID, err)
	}

	c := &Client{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		send:      make(chan []byte, h.sendBuffer),
		tenants:   make(map[int64]struct{}, len(tenantIDs)),
	}

	h.mu.Lock()
	conns, ok := h.subjects[subjectID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.subjects[subjectID] = conns
	}
	conns[c] = struct{}{}
	for _, tenantID := range tenantIDs {
		h.joinLocked(c, tenantID)
	}
	h.mu.Unlock()

	for _, tenantID := range tenantIDs {
		h.broadcast(tenantID, subjectID, EventUserOnline, Presence{
			UserID:    subjectID,
			CircleID:  tenantID,
			Timestamp: h.now(),
		})
	}
	h.logger.Debugw("Client registered", "client", c.ID, "subject", subjectID, "tenants", tenantIDs)
	return c, nil
}

// Unregister removes the connection from every group and closes its queue.
// Calling it more than once is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true
	tenantIDs := make([]int64, 0, len(c.tenants))
	for tenantID := range c.tenants {
		tenantIDs = append(tenantIDs, tenantID)
		h.leaveLocked(c, tenantID)
	}
	if conns, ok := h.subjects[c.SubjectID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.subjects, c.SubjectID)
		}
	}
	close(c.send)
	h.mu.Unlock()

	for _, tenantID := range tenantIDs {
		h.broadcast(tenantID, c.SubjectID, EventUserOffline, Presence{
			UserID:    c.SubjectID,
			CircleID:  tenantID,
			Timestamp: h.now(),
		})
	}
	h.logger.Debugw("Client unregistered", "client", c.ID, "subject", c.SubjectID)
}

// BroadcastToTenant pushes an event to every connection in the tenant group
// and returns how many connections accepted it.
func (h *Hub) BroadcastToTenant(tenantID int64, event string, data any) int {
	return h.broadcast(tenantID, 0, event, data)
}

// SendToSubject pushes an event to every connection of one subject. It
// reports whether the subject had any connection.
func (h *Hub) SendToSubject(subjectID int64, event string, data any) bool {
	frame, err := encode(event, data)
	if err != nil {
		h.logger.Errorw("Failed to encode event", "event", event, "error", err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.subjects[subjectID]
	for c := range conns {
		h.deliver(c, event, frame)
	}
	return len(conns) > 0
}

// OnlineSubjects lists the subjects with at least one connection in the group.
func (h *Hub) OnlineSubjects(tenantID int64) []int64 {
	h.mu.RLock()
	seen := make(map[int64]struct{})
	for c := range h.groups[tenantID] {
		seen[c.SubjectID] = struct{}{}
	}
	h.mu.RUnlock()

	subjects := make([]int64, 0, len(seen))
	for id := range seen {
		subjects = append(subjects, id)
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i] < subjects[j] })
	return subjects
}

// broadcast delivers to the group, skipping connections of exceptSubject (0 skips none).
func (h *Hub) broadcast(tenantID, exceptSubject int64, event string, data any) int {
	frame, err := encode(event, data)
	if err != nil {
		h.logger.Errorw("Failed to encode event", "event", event, "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.groups[tenantID] {
		if exceptSubject != 0 && c.SubjectID == exceptSubject {
			continue
		}
		if h.deliver(c, event, frame) {
			delivered++
		}
	}
	return delivered
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(c *Client, event string, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		h.logger.Warnw("Dropping event for slow client", "client", c.ID, "subject", c.SubjectID, "event", event)
		return false
	}
}

func (h *Hub) join(c *Client, tenantID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return false
	}
	h.joinLocked(c, tenantID)
	return true
}

func (h *Hub) leave(c *Client, tenantID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, tenantID)
}

func (h *Hub) joinLocked(c *Client, tenantID int64) {
	group, ok := h.groups[tenantID]
	if !ok {
		group = make(map[*Client]struct{})
		h.groups[tenantID] = group
	}
	group[c] = struct{}{}
	c.tenants[tenantID] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, tenantID int64) {
	delete(c.tenants, tenantID)
	if group, ok := h.groups[tenantID]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, tenantID)
		}
	}
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}
