package deviceauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardian-backend/internal/model"
	"guardian-backend/internal/store"
)

type fakeDeviceStore struct {
	mu      sync.Mutex
	devices map[string]model.Device
	lookups int
	err     error
}

func newFakeDeviceStore(devices ...model.Device) *fakeDeviceStore {
	s := &fakeDeviceStore{devices: make(map[string]model.Device)}
	for _, d := range devices {
		s.devices[d.Serial] = d
	}
	return s
}

func (s *fakeDeviceStore) DeviceBySerial(_ context.Context, serial string) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	d, ok := s.devices[serial]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (s *fakeDeviceStore) BindDevice(_ context.Context, serial string, tenantID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[serial]
	if !ok {
		return store.ErrNotFound
	}
	d.TenantID = &tenantID
	s.devices[serial] = d
	return nil
}

func (s *fakeDeviceStore) UnbindDevice(_ context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[serial]
	if !ok {
		return store.ErrNotFound
	}
	d.TenantID = nil
	s.devices[serial] = d
	return nil
}

func (s *fakeDeviceStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func tenant(id int64) *int64 { return &id }

func TestAuthorizer_Authorize(t *testing.T) {
	testCases := []struct {
		name        string
		devices     []model.Device
		serial      string
		tenantID    int64
		storeErr    error
		expectedErr error
	}{
		{
			name:     "Bound device is authorized",
			devices:  []model.Device{{ID: 1, Serial: "CAM001", TenantID: tenant(7)}},
			serial:   "CAM001",
			tenantID: 7,
		},
		{
			name:        "Device bound elsewhere is rejected",
			devices:     []model.Device{{ID: 1, Serial: "CAM001", TenantID: tenant(7)}},
			serial:      "CAM001",
			tenantID:    8,
			expectedErr: ErrTenantMismatch,
		},
		{
			name:        "Unbound device is rejected",
			devices:     []model.Device{{ID: 2, Serial: "CAM002"}},
			serial:      "CAM002",
			tenantID:    7,
			expectedErr: ErrTenantMismatch,
		},
		{
			name:        "Unknown serial is rejected",
			serial:      "NOPE",
			tenantID:    7,
			expectedErr: ErrUnknownDevice,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAuthorizer(newFakeDeviceStore(tc.devices...), time.Minute, zap.NewNop().Sugar())

			device, err := a.Authorize(context.Background(), tc.serial, tc.tenantID)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				assert.Nil(t, device)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.serial, device.Serial)
		})
	}
}

func TestAuthorizer_MemoizesPositiveResults(t *testing.T) {
	fake := newFakeDeviceStore(model.Device{ID: 1, Serial: "CAM001", TenantID: tenant(7)})
	a := NewAuthorizer(fake, time.Minute, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		_, err := a.Authorize(context.Background(), "CAM001", 7)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.lookupCount())

	// Failures are never cached.
	for i := 0; i < 2; i++ {
		_, err := a.Authorize(context.Background(), "CAM001", 8)
		assert.ErrorIs(t, err, ErrTenantMismatch)
	}
	assert.Equal(t, 3, fake.lookupCount())
}

func TestAuthorizer_SnapshotIsCopied(t *testing.T) {
	fake := newFakeDeviceStore(model.Device{ID: 1, Serial: "CAM001", Name: "Hall", TenantID: tenant(7)})
	a := NewAuthorizer(fake, time.Minute, zap.NewNop().Sugar())

	first, err := a.Authorize(context.Background(), "CAM001", 7)
	require.NoError(t, err)
	first.Name = "mutated"

	second, err := a.Authorize(context.Background(), "CAM001", 7)
	require.NoError(t, err)
	assert.Equal(t, "Hall", second.Name)
}

func TestAuthorizer_UnbindInvalidates(t *testing.T) {
	fake := newFakeDeviceStore(model.Device{ID: 1, Serial: "CAM001", TenantID: tenant(7)})
	a := NewAuthorizer(fake, time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	_, err := a.Authorize(ctx, "CAM001", 7)
	require.NoError(t, err)

	require.NoError(t, a.Unbind(ctx, "CAM001"))
	_, err = a.Authorize(ctx, "CAM001", 7)
	assert.ErrorIs(t, err, ErrTenantMismatch)

	require.NoError(t, a.Bind(ctx, "CAM001", 9))
	device, err := a.Authorize(ctx, "CAM001", 9)
	require.NoError(t, err)
	assert.True(t, device.BoundTo(9))
}

func TestAuthorizer_EntriesExpire(t *testing.T) {
	fake := newFakeDeviceStore(model.Device{ID: 1, Serial: "CAM001", TenantID: tenant(7)})
	a := NewAuthorizer(fake, 20*time.Millisecond, zap.NewNop().Sugar())
	ctx := context.Background()

	_, err := a.Authorize(ctx, "CAM001", 7)
	require.NoError(t, err)

	// Rebinding behind the authorizer's back is only noticed after expiry.
	require.NoError(t, fake.UnbindDevice(ctx, "CAM001"))
	_, err = a.Authorize(ctx, "CAM001", 7)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = a.Authorize(ctx, "CAM001", 7)
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestAuthorizer_StoreErrorIsWrapped(t *testing.T) {
	fake := newFakeDeviceStore()
	fake.err = errors.New("db down")
	a := NewAuthorizer(fake, time.Minute, zap.NewNop().Sugar())

	_, err := a.Authorize(context.Background(), "CAM001", 7)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownDevice)
	assert.ErrorIs(t, err, fake.err)
}

// stallingStore pauses the first lookup after it has read the row, letting a
// rebind land between the read and the cache fill.
type stallingStore struct {
	*fakeDeviceStore
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *stallingStore) DeviceBySerial(ctx context.Context, serial string) (*model.Device, error) {
	d, err := s.fakeDeviceStore.DeviceBySerial(ctx, serial)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return d, err
}

func TestAuthorizer_UnbindDuringLookupIsNotCached(t *testing.T) {
	fake := &stallingStore{
		fakeDeviceStore: newFakeDeviceStore(model.Device{ID: 1, Serial: "CAM001", TenantID: tenant(7)}),
		read:            make(chan struct{}),
		release:         make(chan struct{}),
	}
	a := NewAuthorizer(fake, time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := a.Authorize(ctx, "CAM001", 7)
		done <- err
	}()

	<-fake.read
	require.NoError(t, a.Unbind(ctx, "CAM001"))
	close(fake.release)

	// The in-flight lookup saw the old binding.
	require.NoError(t, <-done)

	device, err := a.Authorize(ctx, "CAM001", 7)
	assert.ErrorIs(t, err, ErrTenantMismatch)
	assert.Nil(t, device)
}
