package location

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newIPServer(t *testing.T, handler http.HandlerFunc) *IPSource {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	source, err := NewIPSource(IPSourceConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct ip source: %v", err)
	}
	return source
}

func TestIPSourceParsesCoordinates(t *testing.T) {
	var requestedPath atomic.Value
	source := newIPServer(t, func(w http.ResponseWriter, r *http.Request) {
		requestedPath.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ip":"81.2.69.160","latitude":52.1,"longitude":21.0}`))
	})

	coordinates, err := source.Locate(context.Background(), Request{ViewerID: "client-1", ClientIP: "81.2.69.160"})
	if err != nil {
		t.Fatalf("locate failed: %v", err)
	}
	if coordinates.Lat != 52.1 || coordinates.Lng != 21.0 {
		t.Fatalf("unexpected coordinates %+v", coordinates)
	}
	if requestedPath.Load() != "/81.2.69.160/json/" {
		t.Fatalf("unexpected lookup path %v", requestedPath.Load())
	}
}

func TestIPSourceFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{name: "server-error", status: http.StatusInternalServerError, payload: `{}`},
		{name: "provider-error", status: http.StatusOK, payload: `{"error":true,"reason":"RateLimited"}`},
		{name: "missing-fields", status: http.StatusOK, payload: `{"ip":"127.0.0.1"}`},
		{name: "malformed", status: http.StatusOK, payload: `not-json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newIPServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			})
			if _, err := source.Locate(context.Background(), Request{ClientIP: "127.0.0.1"}); err == nil {
				t.Fatalf("expected lookup failure")
			}
		})
	}
}

func TestDeviceSourceUsesFreshCacheAndExpires(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	source := NewDeviceSource(time.Minute, func() time.Time { return now })
	source.Report("viewer-1", Coordinates{Lat: 50.06, Lng: 19.94})

	coordinates, err := source.Locate(context.Background(), Request{ViewerID: "viewer-1"})
	if err != nil {
		t.Fatalf("locate failed: %v", err)
	}
	if coordinates.Lat != 50.06 {
		t.Fatalf("unexpected coordinates %+v", coordinates)
	}

	now = now.Add(61 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := source.Locate(ctx, Request{ViewerID: "viewer-1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected stale position to be ignored, got %v", err)
	}
}

func TestDeviceSourceReportsDenial(t *testing.T) {
	source := NewDeviceSource(time.Minute, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		source.Deny("viewer-1")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := source.Locate(ctx, Request{ViewerID: "viewer-1"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

// IP lookup fails, the device grants permission within the timeout, and its position wins.
func TestResolverFallsBackToDevicePosition(t *testing.T) {
	ipSource := newIPServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	deviceSource := NewDeviceSource(time.Minute, nil)
	resolver := NewResolver(zap.NewNop(),
		Stage{Source: ipSource, Timeout: time.Second},
		Stage{Source: deviceSource, Timeout: 2 * time.Second},
	)

	go func() {
		time.Sleep(50 * time.Millisecond)
		deviceSource.Report("client-1", Coordinates{Lat: 50.06, Lng: 19.94})
	}()

	coordinates, err := resolver.Resolve(context.Background(), Request{ViewerID: "client-1", ClientIP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if coordinates != (Coordinates{Lat: 50.06, Lng: 19.94}) {
		t.Fatalf("unexpected coordinates %+v", coordinates)
	}
}

func TestResolverPrefersIPStage(t *testing.T) {
	ipSource := newIPServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"latitude":52.1,"longitude":21.0}`))
	})
	deviceSource := NewDeviceSource(time.Minute, nil)
	deviceSource.Report("client-1", Coordinates{Lat: 1, Lng: 1})
	resolver := NewResolver(nil,
		Stage{Source: ipSource, Timeout: time.Second},
		Stage{Source: deviceSource, Timeout: time.Second},
	)

	coordinates, err := resolver.Resolve(context.Background(), Request{ViewerID: "client-1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if coordinates != (Coordinates{Lat: 52.1, Lng: 21.0}) {
		t.Fatalf("expected ip coordinates, got %+v", coordinates)
	}
}

func TestResolverReportsUnavailableWhenAllStagesFail(t *testing.T) {
	ipSource := newIPServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	core, logs := observer.New(zapcore.InfoLevel)
	resolver := NewResolver(zap.New(core),
		Stage{Source: ipSource, Timeout: time.Second},
		Stage{Source: NewDeviceSource(time.Minute, nil), Timeout: 50 * time.Millisecond},
	)

	_, err := resolver.Resolve(context.Background(), Request{ViewerID: "client-1"})
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}
	if logs.FilterMessage("location stage failed").Len() != 2 {
		t.Fatalf("expected both stage failures to be logged, got %d", logs.Len())
	}
}

type slowSource struct{ calls atomic.Int32 }

func (s *slowSource) Name() string { return "slow" }

func (s *slowSource) Locate(ctx context.Context, _ Request) (Coordinates, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return Coordinates{}, ctx.Err()
}

func TestResolverRunsStagesSequentially(t *testing.T) {
	first := &slowSource{}
	second := &slowSource{}
	resolver := NewResolver(nil,
		Stage{Source: first, Timeout: 30 * time.Millisecond},
		Stage{Source: second, Timeout: 30 * time.Millisecond},
	)

	started := time.Now()
	if _, err := resolver.Resolve(context.Background(), Request{ViewerID: "viewer-1"}); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if elapsed := time.Since(started); elapsed < 60*time.Millisecond {
		t.Fatalf("expected stages to run one after another, took %s", elapsed)
	}
	if first.calls.Load() != 1 || second.calls.Load() != 1 {
		t.Fatalf("expected each stage once, got %d and %d", first.calls.Load(), second.calls.Load())
	}
}

func TestDeviceSourcePrunesIdleEntries(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
	source := NewDeviceSource(time.Minute, clock)

	source.Report("reported", Coordinates{Lat: 50.06, Lng: 19.94})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := source.Locate(ctx, Request{ViewerID: "asked"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled lookup, got %v", err)
	}

	waiting, stopWaiting := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := source.Locate(waiting, Request{ViewerID: "waiting"})
		waiterDone <- err
	}()
	deadline := time.After(2 * time.Second)
	for {
		source.mu.Lock()
		entry, ok := source.entries["waiting"]
		registered := ok && entry.waiters == 1
		source.mu.Unlock()
		if registered {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected the waiter to register")
		case <-time.After(5 * time.Millisecond):
		}
	}

	advance(2 * time.Minute)
	source.Report("fresh", Coordinates{Lat: 52.2, Lng: 21.0})

	source.mu.Lock()
	_, hasReported := source.entries["reported"]
	_, hasAsked := source.entries["asked"]
	_, hasWaiting := source.entries["waiting"]
	_, hasFresh := source.entries["fresh"]
	source.mu.Unlock()
	if hasReported || hasAsked {
		t.Fatalf("expected idle stale entries to be pruned")
	}
	if !hasWaiting || !hasFresh {
		t.Fatalf("expected waited-on and fresh entries to survive")
	}

	stopWaiting()
	if err := <-waiterDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected waiter to end on cancel, got %v", err)
	}
}
