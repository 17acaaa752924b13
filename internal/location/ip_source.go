package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIPLookupTimeout = 5 * time.Second
	ipLookupBodyLimit      = 64 << 10
)

var errIPLookupRejected = errors.New("ip lookup rejected")

// IPSourceConfig configures the IP geolocation stage.
type IPSourceConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	// LookupsPerSecond bounds outbound lookups; zero disables throttling.
	LookupsPerSecond float64
}

// IPSource geolocates the requester's IP against an ipapi-style JSON endpoint.
type IPSource struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type ipLookupResponse struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Error     bool     `json:"error"`
	Reason    string   `json:"reason"`
}

func NewIPSource(cfg IPSourceConfig) (*IPSource, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("location: ip lookup url required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("location: invalid ip lookup url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultIPLookupTimeout}
	}
	var limiter *rate.Limiter
	if cfg.LookupsPerSecond > 0 {
		burst := int(cfg.LookupsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.LookupsPerSecond), burst)
	}
	return &IPSource{baseURL: baseURL, httpClient: client, limiter: limiter}, nil
}

func (s *IPSource) Name() string { return "ip" }

func (s *IPSource) Locate(ctx context.Context, request Request) (Coordinates, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Coordinates{}, err
		}
	}

	endpoint := s.baseURL + "/json/"
	if ip := net.ParseIP(strings.TrimSpace(request.ClientIP)); ip != nil && !ip.IsLoopback() && !ip.IsPrivate() {
		endpoint = s.baseURL + "/" + url.PathEscape(ip.String()) + "/json/"
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return Coordinates{}, err
	}
	httpRequest.Header.Set("Accept", "application/json")

	response, err := s.httpClient.Do(httpRequest)
	if err != nil {
		return Coordinates{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Coordinates{}, fmt.Errorf("%w: status %d", errIPLookupRejected, response.StatusCode)
	}

	var payload ipLookupResponse
	if err := json.NewDecoder(http.MaxBytesReader(nil, response.Body, ipLookupBodyLimit)).Decode(&payload); err != nil {
		return Coordinates{}, fmt.Errorf("decode ip lookup: %w", err)
	}
	if payload.Error {
		return Coordinates{}, fmt.Errorf("%w: %s", errIPLookupRejected, payload.Reason)
	}
	if payload.Latitude == nil || payload.Longitude == nil {
		return Coordinates{}, ErrNoPosition
	}
	return Coordinates{Lat: *payload.Latitude, Lng: *payload.Longitude}, nil
}
