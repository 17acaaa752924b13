package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/ids"
	"github.com/MarcoPoloResearchLab/localhands/internal/realtime"
	"github.com/MarcoPoloResearchLab/localhands/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrValidation        = errors.New("orders: validation failed")
	ErrInvalidTransition = errors.New("orders: invalid transition")
	ErrForbidden         = errors.New("orders: forbidden")
	ErrNotFound          = errors.New("orders: not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew     = "orders.service.new"
	opCreate         = "orders.create"
	opAccept         = "orders.accept"
	opCancel         = "orders.cancel"
	opAdvance        = "orders.advance"
	opSharePosition  = "orders.share_position"
	opGet            = "orders.get"
	opListForViewer  = "orders.list_for_viewer"
	listForViewerCap = 100
)

var positionSharingStatuses = []Status{StatusAccepted, StatusEnRoute, StatusArrived}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Publisher  realtime.Publisher
	Logger     *zap.Logger
}

// Service drives orders through their lifecycle. Every status change is a conditional
// update on the expected prior status, so concurrent writers resolve to first-writer-wins.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	publisher  realtime.Publisher
	reporter   serviceerr.Reporter
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		reporter:   serviceerr.NewReporter(cfg.Logger, "orders"),
	}, nil
}

// Create opens a requested order at the client's coordinates.
func (s *Service) Create(ctx context.Context, clientID, providerID string, position *Coordinates) (Order, error) {
	clientID = strings.TrimSpace(clientID)
	providerID = strings.TrimSpace(providerID)
	if clientID == "" || providerID == "" {
		return Order{}, serviceerr.New(opCreate, "missing_party", ErrValidation)
	}
	if clientID == providerID {
		return Order{}, serviceerr.New(opCreate, "self_order", ErrValidation)
	}
	if position == nil {
		return Order{}, serviceerr.New(opCreate, "missing_coordinates", ErrValidation)
	}
	if !position.Valid() {
		return Order{}, serviceerr.New(opCreate, "invalid_coordinates", ErrValidation)
	}

	orderID, err := s.idProvider.NewID()
	if err != nil {
		return Order{}, s.reporter.Fail(opCreate, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	order := Order{
		ID:         orderID,
		ClientID:   clientID,
		ProviderID: providerID,
		Status:     StatusRequested,
		ClientLat:  position.Lat,
		ClientLng:  position.Lng,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&order).Error; err != nil {
		return Order{}, s.reporter.Fail(opCreate, "insert_failed", err,
			zap.String("client_id", clientID),
			zap.String("provider_id", providerID))
	}
	s.publish(realtime.Insert(order.Row(), now))
	return order, nil
}

// Accept moves a requested order to accepted. Only the provider may accept.
func (s *Service) Accept(ctx context.Context, orderID, actorID string) (Order, error) {
	return s.transition(ctx, opAccept, orderID, actorID, ActionAccept, "")
}

// Cancel ends a non-terminal order. The provider may cancel at any active stage; the client only while requested.
func (s *Service) Cancel(ctx context.Context, orderID, actorID string) (Order, error) {
	return s.transition(ctx, opCancel, orderID, actorID, ActionCancel, "")
}

// Reject is the provider-facing name for Cancel.
func (s *Service) Reject(ctx context.Context, orderID, actorID string) (Order, error) {
	return s.Cancel(ctx, orderID, actorID)
}

// Advance moves the order one step along accepted, en_route, arrived, done.
func (s *Service) Advance(ctx context.Context, orderID string, next Status, actorID string) (Order, error) {
	return s.transition(ctx, opAdvance, orderID, actorID, ActionAdvance, next)
}

// Get returns an order visible to viewerID.
func (s *Service) Get(ctx context.Context, orderID, viewerID string) (Order, error) {
	order, err := s.load(ctx, opGet, orderID)
	if err != nil {
		return Order{}, err
	}
	if roleOf(order, viewerID) == RoleNone {
		return Order{}, serviceerr.New(opGet, "forbidden", ErrForbidden)
	}
	return order, nil
}

// ListForViewer returns the orders where viewerID is client or provider, newest first.
func (s *Service) ListForViewer(ctx context.Context, viewerID string) ([]Order, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, serviceerr.New(opListForViewer, "missing_viewer", ErrValidation)
	}
	var orders []Order
	if err := s.db.WithContext(ctx).
		Where("client_id = ? OR provider_id = ?", viewerID, viewerID).
		Order("created_at DESC, id DESC").
		Limit(listForViewerCap).
		Find(&orders).Error; err != nil {
		return nil, s.reporter.Fail(opListForViewer, "query_failed", err, zap.String("viewer_id", viewerID))
	}
	return orders, nil
}

// SharePosition records the provider's live position and optional ETA while the order is in progress.
func (s *Service) SharePosition(ctx context.Context, orderID, actorID string, position Coordinates, etaSeconds *int) (Order, error) {
	if !position.Valid() {
		return Order{}, serviceerr.New(opSharePosition, "invalid_coordinates", ErrValidation)
	}
	if etaSeconds != nil && *etaSeconds < 0 {
		return Order{}, serviceerr.New(opSharePosition, "invalid_eta", ErrValidation)
	}
	order, err := s.load(ctx, opSharePosition, orderID)
	if err != nil {
		return Order{}, err
	}
	switch roleOf(order, actorID) {
	case RoleProvider:
	case RoleClient:
		return Order{}, serviceerr.New(opSharePosition, "not_provider", ErrForbidden)
	default:
		return Order{}, serviceerr.New(opSharePosition, "forbidden", ErrForbidden)
	}

	now := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status IN ?", order.ID, positionSharingStatuses).
		Updates(map[string]any{
			"provider_lat": position.Lat,
			"provider_lng": position.Lng,
			"eta_seconds":  etaSeconds,
			"updated_at":   now,
		})
	if result.Error != nil {
		return Order{}, s.reporter.Fail(opSharePosition, "update_failed", result.Error, zap.String("order_id", order.ID))
	}
	if result.RowsAffected == 0 {
		return Order{}, serviceerr.New(opSharePosition, "invalid_transition", ErrInvalidTransition)
	}

	updated, err := s.load(ctx, opSharePosition, order.ID)
	if err != nil {
		return Order{}, err
	}
	s.publish(realtime.UpdateEvent(order.Row(), updated.Row(), now))
	return updated, nil
}

func (s *Service) transition(ctx context.Context, operation, orderID, actorID string, action Action, next Status) (Order, error) {
	order, err := s.load(ctx, operation, orderID)
	if err != nil {
		return Order{}, err
	}

	target, err := nextStatus(order.Status, action, roleOf(order, actorID), next)
	if err != nil {
		reason := "invalid_transition"
		if errors.Is(err, ErrForbidden) {
			reason = "forbidden"
		}
		return Order{}, serviceerr.New(operation, reason, err)
	}

	now := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", order.ID, order.Status).
		Updates(map[string]any{"status": target, "updated_at": now})
	if result.Error != nil {
		return Order{}, s.reporter.Fail(operation, "update_failed", result.Error,
			zap.String("order_id", order.ID),
			zap.String("from", string(order.Status)),
			zap.String("to", string(target)))
	}
	if result.RowsAffected == 0 {
		// Another writer moved the order first.
		return Order{}, serviceerr.New(operation, "invalid_transition", ErrInvalidTransition)
	}

	updated := order
	updated.Status = target
	updated.UpdatedAt = now
	s.publish(realtime.UpdateEvent(order.Row(), updated.Row(), now))
	return updated, nil
}

func (s *Service) load(ctx context.Context, operation, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, serviceerr.New(operation, "not_found", ErrNotFound)
	}
	var order Order
	err := s.db.WithContext(ctx).Where("id = ?", orderID).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, serviceerr.New(operation, "not_found", ErrNotFound)
	}
	if err != nil {
		return Order{}, s.reporter.Fail(operation, "select_failed", err, zap.String("order_id", orderID))
	}
	return order, nil
}

func (s *Service) publish(event realtime.ChangeEvent) {
	if s.publisher != nil {
		s.publisher.Publish(event)
	}
}
