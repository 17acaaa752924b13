package location

import (
	"context"
	"sync"
	"time"
)

const defaultPositionMaxAge = 60 * time.Second

// DeviceSource serves positions reported by the viewer's own device.
// A cached position is reused while younger than the maximum age; otherwise Locate waits for a report.
type DeviceSource struct {
	mu       sync.Mutex
	maxAge   time.Duration
	clock    func() time.Time
	entries  map[string]*deviceEntry
	prunedAt time.Time
}

type deviceEntry struct {
	position   *Coordinates
	reportedAt time.Time
	denied     bool
	waiters    int
	changed    chan struct{}
}

func NewDeviceSource(maxAge time.Duration, clock func() time.Time) *DeviceSource {
	if maxAge <= 0 {
		maxAge = defaultPositionMaxAge
	}
	if clock == nil {
		clock = time.Now
	}
	return &DeviceSource{
		maxAge:  maxAge,
		clock:   clock,
		entries: make(map[string]*deviceEntry),
	}
}

func (s *DeviceSource) Name() string { return "device" }

// Report stores a fresh position for viewerID and wakes any pending Locate.
func (s *DeviceSource) Report(viewerID string, position Coordinates) {
	if viewerID == "" || !position.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(viewerID)
	entry.position = &position
	entry.reportedAt = s.clock()
	entry.denied = false
	entry.signalLocked()
}

// Deny records that the viewer refused location permission.
func (s *DeviceSource) Deny(viewerID string) {
	if viewerID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(viewerID)
	entry.position = nil
	entry.reportedAt = s.clock()
	entry.denied = true
	entry.signalLocked()
}

// Forget drops any cached state for viewerID.
func (s *DeviceSource) Forget(viewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[viewerID]; ok {
		entry.signalLocked()
		delete(s.entries, viewerID)
	}
}

func (s *DeviceSource) Locate(ctx context.Context, request Request) (Coordinates, error) {
	if request.ViewerID == "" {
		return Coordinates{}, ErrNoPosition
	}
	for {
		s.mu.Lock()
		entry := s.entryLocked(request.ViewerID)
		fresh := s.clock().Sub(entry.reportedAt) <= s.maxAge
		switch {
		case fresh && entry.denied:
			s.mu.Unlock()
			return Coordinates{}, ErrPermissionDenied
		case fresh && entry.position != nil:
			position := *entry.position
			s.mu.Unlock()
			return position, nil
		}
		changed := entry.changed
		entry.waiters++
		s.mu.Unlock()

		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-changed:
		}

		s.mu.Lock()
		entry.waiters--
		s.mu.Unlock()
		if err != nil {
			return Coordinates{}, err
		}
	}
}

func (s *DeviceSource) entryLocked(viewerID string) *deviceEntry {
	s.pruneLocked()
	entry, ok := s.entries[viewerID]
	if !ok {
		entry = &deviceEntry{changed: make(chan struct{})}
		s.entries[viewerID] = entry
	}
	return entry
}

// pruneLocked drops entries nobody waits on once their report is past the maximum age.
// It sweeps at most once per maximum age.
func (s *DeviceSource) pruneLocked() {
	now := s.clock()
	if now.Sub(s.prunedAt) < s.maxAge {
		return
	}
	s.prunedAt = now
	for viewerID, entry := range s.entries {
		if entry.waiters == 0 && now.Sub(entry.reportedAt) > s.maxAge {
			delete(s.entries, viewerID)
		}
	}
}

func (e *deviceEntry) signalLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}
