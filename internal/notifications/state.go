package notifications

import (
	"context"
	"sync"
	"time"
)

// DeviceKey scopes notification state to one device of one user.
type DeviceKey struct {
	UserID   string
	DeviceID string
}

// State is the persisted device-local notification state.
type State struct {
	LastSeenAt time.Time
	Dismissed  *DismissedIDSet
}

// StateStore persists watermarks and dismissed ids. Watermarks only move forward; dismissals union-merge.
type StateStore interface {
	Load(ctx context.Context, key DeviceKey) (State, error)
	AdvanceWatermark(ctx context.Context, key DeviceKey, seenAt time.Time) (time.Time, error)
	Dismiss(ctx context.Context, key DeviceKey, ids []string) error
	Forget(ctx context.Context, userID string) error
}

// MemoryStateStore keeps notification state in process.
type MemoryStateStore struct {
	mu       sync.Mutex
	capacity int
	devices  map[DeviceKey]*memoryDeviceState
}

type memoryDeviceState struct {
	lastSeenAt time.Time
	dismissed  *DismissedIDSet
}

func NewMemoryStateStore(capacity int) *MemoryStateStore {
	if capacity <= 0 {
		capacity = DismissedCapacity
	}
	return &MemoryStateStore{
		capacity: capacity,
		devices:  make(map[DeviceKey]*memoryDeviceState),
	}
}

func (s *MemoryStateStore) Load(_ context.Context, key DeviceKey) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[key]
	if !ok {
		return State{Dismissed: NewDismissedIDSet(s.capacity)}, nil
	}
	return State{
		LastSeenAt: device.lastSeenAt,
		Dismissed:  NewDismissedIDSet(s.capacity, device.dismissed.IDs()...),
	}, nil
}

func (s *MemoryStateStore) AdvanceWatermark(_ context.Context, key DeviceKey, seenAt time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device := s.deviceLocked(key)
	if seenAt.After(device.lastSeenAt) {
		device.lastSeenAt = seenAt
	}
	return device.lastSeenAt, nil
}

func (s *MemoryStateStore) Dismiss(_ context.Context, key DeviceKey, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceLocked(key).dismissed.Add(ids...)
	return nil
}

func (s *MemoryStateStore) Forget(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.devices {
		if key.UserID == userID {
			delete(s.devices, key)
		}
	}
	return nil
}

func (s *MemoryStateStore) deviceLocked(key DeviceKey) *memoryDeviceState {
	device, ok := s.devices[key]
	if !ok {
		device = &memoryDeviceState{dismissed: NewDismissedIDSet(s.capacity)}
		s.devices[key] = device
	}
	return device
}
