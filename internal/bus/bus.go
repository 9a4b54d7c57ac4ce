package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"guardian-backend/config"
	"guardian-backend/internal/parse"
)

const connectTimeout = 10 * time.Second

// Handler processes one message. Errors are already logged by the handler.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Client subscribes to the telemetry topics and feeds messages to a Handler
// one at a time in arrival order.
type Client struct {
	cfg     config.MQTTConfig
	opts    *mqtt.ClientOptions
	client  mqtt.Client
	handler Handler
	logger  *zap.SugaredLogger
}

// New creates a new Client. Nothing is dialed until Connect.
func New(cfg config.MQTTConfig, handler Handler, logger *zap.SugaredLogger) *Client {
	c := &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(time.Duration(cfg.KeepAliveSeconds) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Duration(cfg.MaxReconnectIntervalSeconds) * time.Second)

	// Subscriptions are renewed on every (re)connect since the session is clean.
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warnw("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Infow("MQTT reconnecting", "broker", cfg.Broker)
	})

	c.opts = opts
	c.client = mqtt.NewClient(opts)
	return c
}

// Connect dials the broker, retrying with exponential backoff until it
// succeeds or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Duration(c.cfg.MaxReconnectIntervalSeconds) * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("timed out connecting to %s", c.cfg.Broker)
		}
		return token.Error()
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warnw("MQTT connect failed, retrying", "broker", c.cfg.Broker, "retry_in", next, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.cfg.Broker, err)
	}
	return nil
}

// Disconnect closes the connection, waiting briefly for in-flight work.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.logger.Info("MQTT client disconnected")
}

// IsConnected reports whether the client currently holds a broker connection.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *Client) onConnect(client mqtt.Client) {
	filter := parse.SubscriptionFilter(c.cfg.TopicPrefix)
	token := client.Subscribe(filter, c.cfg.QoS, c.onMessage)
	if !token.WaitTimeout(connectTimeout) {
		c.logger.Errorw("Timed out subscribing", "filter", filter)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Errorw("Failed to subscribe", "filter", filter, "error", err)
		return
	}
	c.logger.Infow("MQTT connected and subscribed", "broker", c.cfg.Broker, "filter", filter)
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	_ = c.handler(context.Background(), msg.Topic(), msg.Payload())
}
