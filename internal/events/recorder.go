package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"guardian-backend/internal/hub"
	"guardian-backend/internal/model"
)

// ErrUnboundDevice is returned when an event arrives for a device with no tenant.
var ErrUnboundDevice = errors.New("device is not bound to a tenant")

// Store persists event records.
type Store interface {
	CreateEvent(ctx context.Context, ev *model.EventRecord) error
}

// Publisher pushes realtime notifications to a tenant group.
type Publisher interface {
	BroadcastToTenant(tenantID int64, event string, data any) int
}

// Notice is the realtime payload announcing a recorded event.
type Notice struct {
	ID         int64           `json:"id"`
	CircleID   int64           `json:"circle_id"`
	DeviceID   int64           `json:"device_id"`
	DeviceName string          `json:"device_name"`
	EventType  string          `json:"event_type"`
	EventData  json.RawMessage `json:"event_data"`
	EventTime  time.Time       `json:"event_time"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Recorder appends device events and announces them.
type Recorder struct {
	store  Store
	pub    Publisher
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRecorder creates a new Recorder.
func NewRecorder(store Store, pub Publisher, logger *zap.SugaredLogger) *Recorder {
	return &Recorder{store: store, pub: pub, logger: logger, now: time.Now}
}

// RecordEvent stores one event for device and pushes new_event to its tenant.
// The tenant is snapshotted from the device at this moment. A nil occurredAt
// means the event happened now.
func (r *Recorder) RecordEvent(ctx context.Context, device *model.Device, eventType string, payload json.RawMessage, occurredAt *time.Time) (int64, error) {
	if device.TenantID == nil {
		return 0, ErrUnboundDevice
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	recordedAt := r.now()
	when := recordedAt
	if occurredAt != nil && !occurredAt.IsZero() {
		when = *occurredAt
	}

	ev := &model.EventRecord{
		DeviceID:   device.ID,
		TenantID:   *device.TenantID,
		Type:       eventType,
		Payload:    datatypes.JSON(payload),
		OccurredAt: when,
		RecordedAt: recordedAt,
	}
	if err := r.store.CreateEvent(ctx, ev); err != nil {
		return 0, fmt.Errorf("failed to record %s event: %w", eventType, err)
	}

	r.logger.Infow("Event recorded", "id", ev.ID, "type", eventType, "device", device.Serial, "tenant", ev.TenantID)
	r.pub.BroadcastToTenant(ev.TenantID, hub.EventNewEvent, Notice{
		ID:         ev.ID,
		CircleID:   ev.TenantID,
		DeviceID:   device.ID,
		DeviceName: device.DisplayName(),
		EventType:  eventType,
		EventData:  payload,
		EventTime:  ev.OccurredAt,
		RecordedAt: ev.RecordedAt,
	})
	return ev.ID, nil
}
