package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"guardian-backend/config"
	"guardian-backend/internal/hub"
	"guardian-backend/internal/model"
)

// Store is the device-presence slice of the store.
type Store interface {
	TouchHeartbeat(ctx context.Context, deviceID int64, at time.Time, firmware string) (*model.Device, error)
	UpdateDeviceState(ctx context.Context, deviceID int64, state datatypes.JSON, fault *bool) (*model.Device, error)
	StaleOnlineDevices(ctx context.Context, cutoff time.Time) ([]model.Device, error)
	MarkDeviceStale(ctx context.Context, deviceID int64, cutoff time.Time, status model.DeviceStatus) (bool, error)
	DevicesByTenant(ctx context.Context, tenantID int64) ([]model.Device, error)
}

// Publisher pushes realtime notifications to a tenant group.
type Publisher interface {
	BroadcastToTenant(tenantID int64, event string, data any) int
}

// StateUpdate is the realtime payload describing a device's presence.
type StateUpdate struct {
	DeviceID        int64              `json:"device_id"`
	Serial          string             `json:"serial"`
	DeviceName      string             `json:"device_name"`
	CircleID        int64              `json:"circle_id"`
	Status          model.DeviceStatus `json:"status"`
	FaultReported   bool               `json:"fault_reported"`
	LastHeartbeatAt *time.Time         `json:"last_heartbeat_at,omitempty"`
	FirmwareVersion string             `json:"firmware_version,omitempty"`
	State           json.RawMessage    `json:"state,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// DeviceView is a device with its presence derived at read time.
type DeviceView struct {
	model.Device
	DerivedStatus model.DeviceStatus `json:"derived_status"`
}

// Tracker records heartbeats and device state, derives presence and
// periodically demotes devices that went quiet.
type Tracker struct {
	store     Store
	pub       Publisher
	freshness time.Duration
	staleness time.Duration
	interval  time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewTracker creates a new Tracker.
func NewTracker(store Store, pub Publisher, cfg config.LivenessConfig, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		store:     store,
		pub:       pub,
		freshness: cfg.Freshness,
		staleness: cfg.Staleness,
		interval:  cfg.SweepInterval,
		logger:    logger,
		now:       time.Now,
	}
}

// TouchHeartbeat marks the device online as of now. A nil or empty firmware
// leaves the stored version untouched.
func (t *Tracker) TouchHeartbeat(ctx context.Context, device *model.Device, firmware *string) error {
	now := t.now()
	fw := ""
	if firmware != nil {
		fw = *firmware
	}
	updated, err := t.store.TouchHeartbeat(ctx, device.ID, now, fw)
	if err != nil {
		return err
	}
	t.publish(updated, nil)
	return nil
}

// ApplyState stores a reported state object as the device configuration.
// A boolean "fault" key sets or clears the fault flag.
func (t *Tracker) ApplyState(ctx context.Context, device *model.Device, state json.RawMessage) error {
	var fields map[string]any
	if err := json.Unmarshal(state, &fields); err != nil || fields == nil {
		return fmt.Errorf("device %q: state must be a JSON object", device.Serial)
	}

	var fault *bool
	if v, ok := fields["fault"].(bool); ok {
		fault = &v
	}
	updated, err := t.store.UpdateDeviceState(ctx, device.ID, datatypes.JSON(state), fault)
	if err != nil {
		return err
	}
	t.publish(updated, state)
	return nil
}

// DeriveStatus computes presence at now: a fault flag wins, then binding,
// then heartbeat freshness.
func (t *Tracker) DeriveStatus(device *model.Device, now time.Time) model.DeviceStatus {
	switch {
	case device.FaultReported:
		return model.DeviceFault
	case device.TenantID == nil:
		return model.DeviceUnbound
	case device.LastHeartbeatAt != nil && now.Sub(*device.LastHeartbeatAt) < t.freshness:
		return model.DeviceOnline
	}
	return model.DeviceOffline
}

// DeviceStatuses lists a tenant's devices with presence derived at read time.
func (t *Tracker) DeviceStatuses(ctx context.Context, tenantID int64) ([]DeviceView, error) {
	devices, err := t.store.DevicesByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := t.now()
	views := make([]DeviceView, 0, len(devices))
	for i := range devices {
		views = append(views, DeviceView{Device: devices[i], DerivedStatus: t.DeriveStatus(&devices[i], now)})
	}
	return views, nil
}

// Sweep demotes every online device whose last heartbeat is older than the
// staleness window, to fault when flagged and offline otherwise. It returns
// the number of devices demoted.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-t.staleness)
	devices, err := t.store.StaleOnlineDevices(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	demoted := 0
	for i := range devices {
		device := &devices[i]
		status := model.DeviceOffline
		if device.FaultReported {
			status = model.DeviceFault
		}
		flipped, err := t.store.MarkDeviceStale(ctx, device.ID, cutoff, status)
		if err != nil {
			t.logger.Errorw("Failed to demote stale device", "device", device.Serial, "error", err)
			continue
		}
		if !flipped {
			continue
		}
		demoted++
		device.Status = status
		t.logger.Infow("Device went quiet", "device", device.Serial, "status", status, "last_heartbeat", device.LastHeartbeatAt)
		t.publishStatus(device, status, nil)
	}
	return demoted, nil
}

// Run sweeps on every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	t.logger.Infow("Starting liveness sweeper", "interval", t.interval, "staleness", t.staleness)

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Liveness sweeper shutting down.")
			return
		case <-timer.C:
			if n, err := t.Sweep(ctx, t.now()); err != nil {
				t.logger.Errorw("Liveness sweep failed", "error", err)
			} else if n > 0 {
				t.logger.Infow("Liveness sweep demoted devices", "count", n)
			}
			timer.Reset(t.interval)
		}
	}
}

func (t *Tracker) publish(device *model.Device, state json.RawMessage) {
	t.publishStatus(device, t.DeriveStatus(device, t.now()), state)
}

func (t *Tracker) publishStatus(device *model.Device, status model.DeviceStatus, state json.RawMessage) {
	if device.TenantID == nil {
		return
	}
	t.pub.BroadcastToTenant(*device.TenantID, hub.EventDeviceStateUpdate, StateUpdate{
		DeviceID:        device.ID,
		Serial:          device.Serial,
		DeviceName:      device.DisplayName(),
		CircleID:        *device.TenantID,
		Status:          status,
		FaultReported:   device.FaultReported,
		LastHeartbeatAt: device.LastHeartbeatAt,
		FirmwareVersion: device.FirmwareVersion,
		State:           state,
		Timestamp:       t.now(),
	})
}
