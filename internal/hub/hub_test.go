package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeDirectory struct {
	mu      sync.Mutex
	members map[int64][]int64 // subject -> tenants
}

func newFakeDirectory(members map[int64][]int64) *fakeDirectory {
	return &fakeDirectory{members: members}
}

func (d *fakeDirectory) Tenants(_ context.Context, subjectID int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.members[subjectID]...), nil
}

func (d *fakeDirectory) IsMember(_ context.Context, tenantID, subjectID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.members[subjectID] {
		if id == tenantID {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) add(subjectID, tenantID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[subjectID] = append(d.members[subjectID], tenantID)
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func next(t *testing.T, c *Client) received {
	t.Helper()
	select {
	case frame, ok := <-c.Send():
		require.True(t, ok, "client queue closed")
		var r received
		require.NoError(t, json.Unmarshal(frame, &r))
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return received{}
}

func assertQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame, ok := <-c.Send():
		if ok {
			t.Fatalf("unexpected frame %s", frame)
		}
	default:
	}
}

func newTestHub(dir Directory, buffer int) *Hub {
	return New(dir, buffer, zap.NewNop().Sugar())
}

func TestHub_PresenceExcludesSelf(t *testing.T) {
	dir := newFakeDirectory(map[int64][]int64{1: {7}, 2: {7, 8}})
	h := newTestHub(dir, 8)
	ctx := context.Background()

	alice, err := h.Register(ctx, 1)
	require.NoError(t, err)
	assertQuiet(t, alice)

	bob, err := h.Register(ctx, 2)
	require.NoError(t, err)

	r := next(t, alice)
	assert.Equal(t, EventUserOnline, r.Event)
	var p Presence
	require.NoError(t, json.Unmarshal(r.Data, &p))
	assert.Equal(t, int64(2), p.UserID)
	assert.Equal(t, int64(7), p.CircleID)
	assertQuiet(t, bob)

	h.Unregister(bob)
	r = next(t, alice)
	assert.Equal(t, EventUserOffline, r.Event)

	_, ok := <-bob.Send()
	assert.False(t, ok, "queue must be closed after unregister")

	// A second unregister is harmless.
	h.Unregister(bob)
}

func TestHub_BroadcastToTenantIsScoped(t *testing.T) {
	dir := newFakeDirectory(map[int64][]int64{1: {7}, 2: {8}})
	h := newTestHub(dir, 8)
	ctx := context.Background()

	inSeven, err := h.Register(ctx, 1)
	require.NoError(t, err)
	inEight, err := h.Register(ctx, 2)
	require.NoError(t, err)

	delivered := h.BroadcastToTenant(7, EventNewAlert, map[string]any{"id": 5})
	assert.Equal(t, 1, delivered)

	r := next(t, inSeven)
	assert.Equal(t, EventNewAlert, r.Event)
	assert.JSONEq(t, `{"id":5}`, string(r.Data))
	assertQuiet(t, inEight)

	assert.Zero(t, h.BroadcastToTenant(99, EventNewAlert, nil))
}

func TestHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	dir := newFakeDirectory(map[int64][]int64{1: {7}, 2: {7}})
	h := newTestHub(dir, 1)
	ctx := context.Background()

	slow, err := h.Register(ctx, 1)
	require.NoError(t, err)
	fast, err := h.Register(ctx, 2)
	require.NoError(t, err)
	// The slow client's single slot is taken by the user_online of subject 2.

	done := make(chan int)
	go func() { done <- h.BroadcastToTenant(7, EventNewEvent, map[string]any{"id": 1}) }()

	select {
	case delivered := <-done:
		assert.Equal(t, 1, delivered)
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client")
	}

	assert.Equal(t, EventNewEvent, next(t, fast).Event)
	assert.Equal(t, EventUserOnline, next(t, slow).Event)
	assertQuiet(t, slow)
}

func TestHub_SendToSubject(t *testing.T) {
	dir := newFakeDirectory(map[int64][]int64{1: {7}})
	h := newTestHub(dir, 8)

	c, err := h.Register(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, h.SendToSubject(1, "custom", map[string]string{"k": "v"}))
	assert.Equal(t, "custom", next(t, c).Event)
	assert.False(t, h.SendToSubject(42, "custom", nil))
}

func TestHub_HandleMessage(t *testing.T) {
	testCases := []struct {
		name          string
		frame         string
		expectedEvent string
		check         func(t *testing.T, h *Hub, data json.RawMessage)
	}{
		{
			name:          "Ping answers pong",
			frame:         `{"event":"ping"}`,
			expectedEvent: EventPong,
		},
		{
			name:          "Join as member",
			frame:         `{"event":"join_circle","data":{"circle_id":8}}`,
			expectedEvent: EventJoinedCircle,
			check: func(t *testing.T, h *Hub, data json.RawMessage) {
				assert.JSONEq(t, `{"circle_id":8}`, string(data))
				assert.Equal(t, []int64{1}, h.OnlineSubjects(8))
			},
		},
		{
			name:          "Join as non-member is refused",
			frame:         `{"event":"join_circle","data":{"circle_id":9}}`,
			expectedEvent: EventError,
			check: func(t *testing.T, h *Hub, _ json.RawMessage) {
				assert.Empty(t, h.OnlineSubjects(9))
			},
		},
		{
			name:          "Leave circle",
			frame:         `{"event":"leave_circle","data":{"circle_id":7}}`,
			expectedEvent: EventLeftCircle,
			check: func(t *testing.T, h *Hub, _ json.RawMessage) {
				assert.Empty(t, h.OnlineSubjects(7))
			},
		},
		{
			name:          "Online users",
			frame:         `{"event":"get_online_users","data":{"circle_id":7}}`,
			expectedEvent: EventOnlineUsers,
			check: func(t *testing.T, _ *Hub, data json.RawMessage) {
				assert.JSONEq(t, `{"circle_id":7,"users":[1]}`, string(data))
			},
		},
		{
			name:          "Send message is relayed to the sender too",
			frame:         `{"event":"send_message","data":{"circle_id":7,"message":"hi"}}`,
			expectedEvent: EventNewMessage,
			check: func(t *testing.T, _ *Hub, data json.RawMessage) {
				var msg ChatMessage
				require.NoError(t, json.Unmarshal(data, &msg))
				assert.Equal(t, "hi", msg.Message)
				assert.Equal(t, "text", msg.MessageType)
				assert.Equal(t, int64(1), msg.SenderID)
			},
		},
		{
			name:          "Send message to foreign circle is refused",
			frame:         `{"event":"send_message","data":{"circle_id":9,"message":"hi"}}`,
			expectedEvent: EventError,
		},
		{
			name:          "Malformed frame",
			frame:         `not json`,
			expectedEvent: EventError,
		},
		{
			name:          "Unknown event",
			frame:         `{"event":"dance"}`,
			expectedEvent: EventError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := newFakeDirectory(map[int64][]int64{1: {7}})
			h := newTestHub(dir, 8)
			c, err := h.Register(context.Background(), 1)
			require.NoError(t, err)

			// Membership granted after connect is honored on join.
			dir.add(1, 8)

			h.HandleMessage(context.Background(), c, []byte(tc.frame))
			r := next(t, c)
			assert.Equal(t, tc.expectedEvent, r.Event)
			if tc.check != nil {
				tc.check(t, h, r.Data)
			}
		})
	}
}

func TestHub_ServeConn(t *testing.T) {
	dir := newFakeDirectory(map[int64][]int64{1: {7}})
	h := newTestHub(dir, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")
		if err := h.ServeConn(r.Context(), conn, 1); err == nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, Frame{Event: EventPing}))
	var r received
	require.NoError(t, wsjson.Read(ctx, conn, &r))
	assert.Equal(t, EventPong, r.Event)

	require.Eventually(t, func() bool { return len(h.OnlineSubjects(7)) == 1 }, time.Second, 10*time.Millisecond)
	h.BroadcastToTenant(7, EventDeviceStateUpdate, map[string]any{"status": "online"})
	require.NoError(t, wsjson.Read(ctx, conn, &r))
	assert.Equal(t, EventDeviceStateUpdate, r.Event)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return len(h.OnlineSubjects(7)) == 0 }, time.Second, 10*time.Millisecond)
}
