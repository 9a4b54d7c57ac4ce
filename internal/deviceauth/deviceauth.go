package deviceauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"guardian-backend/internal/model"
	"guardian-backend/internal/store"
)

var (
	// ErrUnknownDevice is returned when no device has the claimed serial.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrTenantMismatch is returned when the device is not bound to the claimed tenant.
	ErrTenantMismatch = errors.New("device not bound to claimed tenant")
)

// DeviceStore is the slice of the store the authorizer needs.
type DeviceStore interface {
	DeviceBySerial(ctx context.Context, serial string) (*model.Device, error)
	BindDevice(ctx context.Context, serial string, tenantID int64) error
	UnbindDevice(ctx context.Context, serial string) error
}

// Authorizer checks that a message's claimed tenant owns the sending device.
// Positive results are memoized per serial until the TTL lapses or the
// binding changes through Bind or Unbind.
type Authorizer struct {
	store  DeviceStore
	cache  *cache.Cache
	logger *zap.SugaredLogger

	// generations is bumped per serial on every Invalidate so a lookup that
	// raced with a rebind does not repopulate the cache.
	mu          sync.Mutex
	generations map[string]uint64
}

// NewAuthorizer creates an Authorizer whose cached entries live for ttl.
func NewAuthorizer(store DeviceStore, ttl time.Duration, logger *zap.SugaredLogger) *Authorizer {
	return &Authorizer{
		store:       store,
		cache:       cache.New(ttl, 2*ttl),
		logger:      logger,
		generations: make(map[string]uint64),
	}
}

// Authorize returns a snapshot of the device when it is bound to tenantID.
// The snapshot carries identity and binding only; callers must not rely on
// its presence fields being current.
func (a *Authorizer) Authorize(ctx context.Context, serial string, tenantID int64) (*model.Device, error) {
	if cached, found := a.cache.Get(serial); found {
		device := cached.(model.Device)
		if device.BoundTo(tenantID) {
			return &device, nil
		}
	}

	gen := a.generation(serial)
	device, err := a.store.DeviceBySerial(ctx, serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, fmt.Errorf("failed to authorize device %q: %w", serial, err)
	}
	if !device.BoundTo(tenantID) {
		return nil, ErrTenantMismatch
	}

	a.mu.Lock()
	if a.generations[serial] == gen {
		a.cache.SetDefault(serial, *device)
	}
	a.mu.Unlock()

	snapshot := *device
	return &snapshot, nil
}

func (a *Authorizer) generation(serial string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generations[serial]
}

// Invalidate drops any memoized authorization for serial.
func (a *Authorizer) Invalidate(serial string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generations[serial]++
	a.cache.Delete(serial)
}

// Bind attaches the device to tenantID and invalidates its cached authorization.
func (a *Authorizer) Bind(ctx context.Context, serial string, tenantID int64) error {
	defer a.Invalidate(serial)
	if err := a.store.BindDevice(ctx, serial, tenantID); err != nil {
		return err
	}
	a.logger.Infow("Device bound", "serial", serial, "tenant", tenantID)
	return nil
}

// Unbind detaches the device from its tenant and invalidates its cached authorization.
func (a *Authorizer) Unbind(ctx context.Context, serial string) error {
	defer a.Invalidate(serial)
	if err := a.store.UnbindDevice(ctx, serial); err != nil {
		return err
	}
	a.logger.Infow("Device unbound", "serial", serial)
	return nil
}
