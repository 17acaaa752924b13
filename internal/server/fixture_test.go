package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/accounts"
	"github.com/MarcoPoloResearchLab/localhands/internal/auth"
	"github.com/MarcoPoloResearchLab/localhands/internal/billing"
	"github.com/MarcoPoloResearchLab/localhands/internal/database"
	"github.com/MarcoPoloResearchLab/localhands/internal/ids"
	"github.com/MarcoPoloResearchLab/localhands/internal/location"
	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/MarcoPoloResearchLab/localhands/internal/notifications"
	"github.com/MarcoPoloResearchLab/localhands/internal/orders"
	"github.com/MarcoPoloResearchLab/localhands/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "localhands-auth"
	testWebhookSecret = "whsec_server_test"
)

type fixtureOptions struct {
	ipHandler       http.HandlerFunc
	billingQueue    BillingEnqueuer
	identityDeleter accounts.IdentityDeleter
	logger          *zap.Logger
}

type serverFixture struct {
	server  *httptest.Server
	db      *gorm.DB
	issuer  *auth.TokenIssuer
	bridge  *realtime.Bridge[Snapshot]
	billing *billing.Reconciler
}

func warsawIPHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"latitude":52.1,"longitude":21.0}`))
}

func failingIPHandler(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "upstream unavailable", http.StatusBadGateway)
}

func newServerFixture(t *testing.T, options fixtureOptions) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "server.db"),
	}, logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	ipHandler := options.ipHandler
	if ipHandler == nil {
		ipHandler = warsawIPHandler
	}
	ipServer := httptest.NewServer(ipHandler)
	t.Cleanup(ipServer.Close)
	ipSource, err := location.NewIPSource(location.IPSourceConfig{BaseURL: ipServer.URL, HTTPClient: ipServer.Client()})
	if err != nil {
		t.Fatalf("failed to construct ip source: %v", err)
	}
	devices := location.NewDeviceSource(time.Minute, nil)
	resolver := location.NewResolver(logger,
		location.Stage{Source: ipSource, Timeout: 2 * time.Second},
		location.Stage{Source: devices, Timeout: 200 * time.Millisecond},
	)

	feed := realtime.NewFeed()
	idProvider := ids.NewUUIDProvider()
	orderService, err := orders.NewService(orders.ServiceConfig{Database: db, IDProvider: idProvider, Publisher: feed, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct orders service: %v", err)
	}
	marketplaceService, err := marketplace.NewService(marketplace.ServiceConfig{Database: db, IDProvider: idProvider, Publisher: feed, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct marketplace service: %v", err)
	}
	aggregator, err := notifications.NewAggregator(notifications.AggregatorConfig{
		Database: db,
		Store:    notifications.NewMemoryStateStore(notifications.DismissedCapacity),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct aggregator: %v", err)
	}
	catalog, err := billing.NewCatalog(map[string]string{"basic": "prod_basic", "pro": "prod_pro", "boost": "prod_boost"})
	if err != nil {
		t.Fatalf("failed to construct catalog: %v", err)
	}
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{Database: db, Catalog: catalog, IDProvider: idProvider, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	accountService, err := accounts.NewService(accounts.ServiceConfig{Database: db, IdentityDeleter: options.identityDeleter, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct accounts service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	bridge := realtime.NewBridge[Snapshot](realtime.BridgeConfig{Feed: feed, Debounce: 20 * time.Millisecond, Logger: logger})

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Accounts:         accountService,
		Orders:           orderService,
		Resolver:         resolver,
		DeviceSource:     devices,
		Bridge:           bridge,
		Notifications:    aggregator,
		Marketplace:      marketplaceService,
		Billing:          reconciler,
		BillingQueue:     options.billingQueue,
		WebhookSecret:    testWebhookSecret,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(bridge.Close)

	return &serverFixture{server: server, db: db, issuer: issuer, bridge: bridge, billing: reconciler}
}

func (f *serverFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.issuer.IssueSessionToken(context.Background(), auth.Session{UserID: userID, DisplayName: "User " + userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// call sends a JSON request and decodes a JSON response into target when it is non-nil.
func (f *serverFixture) call(t *testing.T, method, path, token string, body any, target any) int {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
		payload = bytes.NewReader(encoded)
	} else {
		payload = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, f.server.URL+path, payload)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(deviceIDHeader, "device-1")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := f.server.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			t.Fatalf("failed to decode %s %s response (status %d): %v", method, path, response.StatusCode, err)
		}
	}
	return response.StatusCode
}

func decodeJSON(response *http.Response, target any) error {
	return json.NewDecoder(response.Body).Decode(target)
}

type streamClient struct {
	snapshots <-chan streamEvent
	closed    <-chan struct{}
	cancel    context.CancelFunc
}

// openStream connects to the realtime endpoint with the EventSource-style query token.
func (f *serverFixture) openStream(t *testing.T, token string) *streamClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/realtime/stream?access_token="+token+"&device_id=device-1", http.NoBody)
	if err != nil {
		cancel()
		t.Fatalf("failed to build stream request: %v", err)
	}
	response, err := f.server.Client().Do(request)
	if err != nil {
		cancel()
		t.Fatalf("failed to open stream: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("unexpected stream status %d", response.StatusCode)
	}

	snapshots := make(chan streamEvent, 16)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		defer response.Body.Close()
		reader := bufio.NewReader(response.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data:")
			if !ok {
				continue
			}
			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			select {
			case snapshots <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	client := &streamClient{snapshots: snapshots, closed: closed, cancel: cancel}
	t.Cleanup(client.close)
	return client
}

func (s *streamClient) close() {
	s.cancel()
	<-s.closed
}

// next waits for the first snapshot that satisfies match.
func (s *streamClient) next(t *testing.T, match func(streamEvent) bool) streamEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-s.snapshots:
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for realtime snapshot")
			return streamEvent{}
		}
	}
}
