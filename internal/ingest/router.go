package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"guardian-backend/internal/deviceauth"
	"guardian-backend/internal/model"
	"guardian-backend/internal/parse"
)

// Kind is the message kind named by the last topic segment.
type Kind string

const (
	KindEvent     Kind = "event"
	KindHeartbeat Kind = "heartbeat"
	KindState     Kind = "state"
)

// Drop reasons. Every dropped message is logged; none is retried.
var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnauthorized = errors.New("unauthorized device")
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrPanic        = errors.New("handler panic")
)

const (
	// Timestamps at or above this are taken as milliseconds.
	millisThreshold = 1e12
	// 9999-12-31T23:59:59.999Z in milliseconds. Anything later is ignored.
	maxMillis = 253402300799999
)

type Authorizer interface {
	Authorize(ctx context.Context, serial string, tenantID int64) (*model.Device, error)
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, device *model.Device, eventType string, payload json.RawMessage, occurredAt *time.Time) (int64, error)
}

type AlertRaiser interface {
	MaybeRaiseAlert(ctx context.Context, eventID int64, eventType string, payload json.RawMessage, device *model.Device) (*model.Alert, error)
}

type Liveness interface {
	TouchHeartbeat(ctx context.Context, device *model.Device, firmware *string) error
	ApplyState(ctx context.Context, device *model.Device, state json.RawMessage) error
}

type eventMessage struct {
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	Timestamp *float64        `json:"timestamp"`
}

type heartbeatMessage struct {
	FirmwareVersion *string `json:"firmware_version"`
}

type stateMessage struct {
	State json.RawMessage `json:"state"`
}

// Router turns bus messages into recorder, alert and liveness calls.
type Router struct {
	prefix   string
	timeout  time.Duration
	auth     Authorizer
	recorder EventRecorder
	alerts   AlertRaiser
	liveness Liveness
	logger   *zap.SugaredLogger
}

// NewRouter creates a new Router for topics under prefix.
func NewRouter(prefix string, timeout time.Duration, auth Authorizer, recorder EventRecorder, alerts AlertRaiser, liveness Liveness, logger *zap.SugaredLogger) *Router {
	return &Router{
		prefix:   prefix,
		timeout:  timeout,
		auth:     auth,
		recorder: recorder,
		alerts:   alerts,
		liveness: liveness,
		logger:   logger,
	}
}

// Handle processes a single message. The returned error only describes why
// the message was dropped; it has already been logged.
func (r *Router) Handle(ctx context.Context, topic string, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("Recovered from panic while handling message", "topic", topic, "panic", rec)
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
		}
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	parsed, err := parse.ParseTopic(topic, r.prefix)
	if err != nil {
		r.logger.Warnw("Dropping message with invalid topic", "topic", topic, "error", err)
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !json.Valid(payload) {
		r.logger.Warnw("Dropping message with invalid JSON payload", "topic", topic)
		return fmt.Errorf("%w: payload is not JSON", ErrMalformed)
	}

	kind := Kind(parsed.Kind)
	switch kind {
	case KindEvent, KindHeartbeat, KindState:
	default:
		r.logger.Warnw("Dropping message of unknown kind", "topic", topic, "kind", parsed.Kind)
		return fmt.Errorf("%w: %q", ErrUnknownKind, parsed.Kind)
	}

	device, err := r.auth.Authorize(ctx, parsed.Serial, parsed.TenantID)
	if err != nil {
		if errors.Is(err, deviceauth.ErrUnknownDevice) || errors.Is(err, deviceauth.ErrTenantMismatch) {
			r.logger.Warnw("SECURITY: rejected message from unauthorized device",
				"serial", parsed.Serial, "claimed_circle", parsed.TenantID, "topic", topic, "error", err)
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		r.logger.Errorw("Device authorization failed", "serial", parsed.Serial, "error", err)
		return err
	}

	switch kind {
	case KindEvent:
		return r.handleEvent(ctx, device, payload)
	case KindHeartbeat:
		return r.handleHeartbeat(ctx, device, payload)
	default:
		return r.handleState(ctx, device, payload)
	}
}

func (r *Router) handleEvent(ctx context.Context, device *model.Device, payload []byte) error {
	var msg eventMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.EventType == "" {
		r.logger.Warnw("Dropping event without event_type", "serial", device.Serial)
		return fmt.Errorf("%w: event_type is required", ErrMalformed)
	}

	data := msg.EventData
	if len(data) == 0 || string(data) == "null" {
		data = nil
	}

	eventID, err := r.recorder.RecordEvent(ctx, device, msg.EventType, data, eventTime(msg.Timestamp))
	if err != nil {
		r.logger.Errorw("Failed to record event", "serial", device.Serial, "type", msg.EventType, "error", err)
		return err
	}

	if _, err := r.alerts.MaybeRaiseAlert(ctx, eventID, msg.EventType, data, device); err != nil {
		r.logger.Errorw("Failed to raise alert", "serial", device.Serial, "event", eventID, "error", err)
		return err
	}
	return nil
}

func (r *Router) handleHeartbeat(ctx context.Context, device *model.Device, payload []byte) error {
	var msg heartbeatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Warnw("Dropping malformed heartbeat", "serial", device.Serial, "error", err)
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := r.liveness.TouchHeartbeat(ctx, device, msg.FirmwareVersion); err != nil {
		r.logger.Errorw("Failed to record heartbeat", "serial", device.Serial, "error", err)
		return err
	}
	return nil
}

func (r *Router) handleState(ctx context.Context, device *model.Device, payload []byte) error {
	state := json.RawMessage(payload)
	var msg stateMessage
	if err := json.Unmarshal(payload, &msg); err == nil && len(msg.State) > 0 && string(msg.State) != "null" {
		state = msg.State
	}
	if err := r.liveness.ApplyState(ctx, device, state); err != nil {
		r.logger.Warnw("Failed to apply device state", "serial", device.Serial, "error", err)
		return err
	}
	return nil
}

// eventTime converts a unix timestamp in seconds or milliseconds. Missing or
// out of range values yield nil and the event is stamped on receipt.
func eventTime(ts *float64) *time.Time {
	if ts == nil || !(*ts > 0) || *ts > maxMillis {
		return nil
	}
	var t time.Time
	if *ts >= millisThreshold {
		t = time.UnixMilli(int64(*ts)).UTC()
	} else {
		sec, frac := math.Modf(*ts)
		t = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return &t
}
