package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"guardian-backend/config"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:                      "tcp://127.0.0.1:1",
		ClientID:                    "guardian_test",
		TopicPrefix:                 "emqx/harmony/guardian",
		QoS:                         1,
		KeepAliveSeconds:            30,
		MaxReconnectIntervalSeconds: 5,
	}
}

func TestNew_Options(t *testing.T) {
	c := New(testConfig(), func(context.Context, string, []byte) error { return nil }, zap.NewNop().Sugar())

	assert.Equal(t, "guardian_test", c.opts.ClientID)
	assert.True(t, c.opts.AutoReconnect)
	assert.True(t, c.opts.CleanSession)
	assert.True(t, c.opts.Order)
	assert.Equal(t, 5*time.Second, c.opts.MaxReconnectInterval)
	assert.Equal(t, int64(30), c.opts.KeepAlive)
	assert.False(t, c.IsConnected())
}

func TestClient_OnMessage(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	c := New(testConfig(), func(_ context.Context, topic string, payload []byte) error {
		gotTopic, gotPayload = topic, payload
		return nil
	}, zap.NewNop().Sugar())

	c.onMessage(nil, &fakeMessage{topic: "emqx/harmony/guardian/7/CAM001/heartbeat", payload: []byte(`{}`)})

	assert.Equal(t, "emqx/harmony/guardian/7/CAM001/heartbeat", gotTopic)
	assert.Equal(t, []byte(`{}`), gotPayload)
}

func TestClient_ConnectGivesUpWithContext(t *testing.T) {
	c := New(testConfig(), func(context.Context, string, []byte) error { return nil }, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Connect(ctx) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Connect did not stop after the context expired")
	}
}
