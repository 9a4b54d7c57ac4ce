package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guardian-backend/internal/hub"
	"guardian-backend/internal/model"
)

// AlertWriter persists new alerts.
type AlertWriter interface {
	CreateAlert(ctx context.Context, a *model.Alert) error
}

// Publisher pushes realtime notifications to a tenant group.
type Publisher interface {
	BroadcastToTenant(tenantID int64, event string, data any) int
}

// Dispatcher hands an alert to the out-of-band notification workers.
type Dispatcher interface {
	Dispatch(alertID int64)
}

// AlertNotice is the realtime payload announcing a new alert.
type AlertNotice struct {
	ID         int64             `json:"id"`
	CircleID   int64             `json:"circle_id"`
	EventID    int64             `json:"event_id"`
	EventType  string            `json:"event_type"`
	AlertLevel model.Severity    `json:"alert_level"`
	Content    string            `json:"alert_content"`
	Status     model.AlertStatus `json:"status"`
	DeviceID   int64             `json:"device_id"`
	DeviceName string            `json:"device_name"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Generator turns qualifying events into pending alerts.
type Generator struct {
	store      AlertWriter
	pub        Publisher
	dispatcher Dispatcher
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// NewGenerator creates a new Generator. dispatcher may be nil when web push is disabled.
func NewGenerator(store AlertWriter, pub Publisher, dispatcher Dispatcher, logger *zap.SugaredLogger) *Generator {
	return &Generator{
		store:      store,
		pub:        pub,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// MaybeRaiseAlert classifies the recorded event and, when it qualifies,
// stores a pending alert, pushes new_alert to the tenant and queues it for
// notification. It returns nil without error when the event does not alert.
func (g *Generator) MaybeRaiseAlert(ctx context.Context, eventID int64, eventType string, payload json.RawMessage, device *model.Device) (*model.Alert, error) {
	if device.TenantID == nil {
		return nil, fmt.Errorf("device %q has no tenant", device.Serial)
	}

	c := Classify(eventType, payload, device.DisplayName())
	if !c.Raise {
		return nil, nil
	}

	alert := &model.Alert{
		EventID:   eventID,
		TenantID:  *device.TenantID,
		Severity:  c.Severity,
		Message:   c.Message,
		Status:    model.AlertPending,
		CreatedAt: g.now(),
	}
	if err := g.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to raise alert for event %d: %w", eventID, err)
	}

	g.logger.Infow("Alert raised", "id", alert.ID, "event", eventID, "type", eventType, "severity", alert.Severity, "tenant", alert.TenantID)
	g.pub.BroadcastToTenant(alert.TenantID, hub.EventNewAlert, AlertNotice{
		ID:         alert.ID,
		CircleID:   alert.TenantID,
		EventID:    eventID,
		EventType:  eventType,
		AlertLevel: alert.Severity,
		Content:    alert.Message,
		Status:     alert.Status,
		DeviceID:   device.ID,
		DeviceName: device.DisplayName(),
		CreatedAt:  alert.CreatedAt,
	})
	if g.dispatcher != nil {
		g.dispatcher.Dispatch(alert.ID)
	}
	return alert, nil
}
