package orders

import (
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/realtime"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusEnRoute   Status = "en_route"
	StatusArrived   Status = "arrived"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// Coordinates is a WGS84 position.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates fall inside the WGS84 ranges.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Order is a single client to provider service request. Rows are never deleted.
type Order struct {
	ID          string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	ClientID    string    `gorm:"column:client_id;size:190;not null;index" json:"client_id"`
	ProviderID  string    `gorm:"column:provider_id;size:190;not null;index" json:"provider_id"`
	Status      Status    `gorm:"column:status;size:16;not null;index" json:"status"`
	ClientLat   float64   `gorm:"column:client_lat;not null" json:"client_lat"`
	ClientLng   float64   `gorm:"column:client_lng;not null" json:"client_lng"`
	ProviderLat *float64  `gorm:"column:provider_lat" json:"provider_lat,omitempty"`
	ProviderLng *float64  `gorm:"column:provider_lng" json:"provider_lng,omitempty"`
	EtaSeconds  *int      `gorm:"column:eta_seconds" json:"eta_seconds,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// Row converts the order to its change-feed image.
func (o Order) Row() realtime.OrderRow {
	return realtime.OrderRow{
		ID:         o.ID,
		ClientID:   o.ClientID,
		ProviderID: o.ProviderID,
		Status:     string(o.Status),
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusEnRoute, StatusArrived, StatusDone, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(value string) (Status, bool) {
	status := Status(value)
	return status, status.Valid()
}
