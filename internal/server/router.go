package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/auth"
	"github.com/MarcoPoloResearchLab/localhands/internal/billing"
	"github.com/MarcoPoloResearchLab/localhands/internal/location"
	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/MarcoPoloResearchLab/localhands/internal/notifications"
	"github.com/MarcoPoloResearchLab/localhands/internal/orders"
	"github.com/MarcoPoloResearchLab/localhands/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "localhands_user_id"
	deviceIDHeader    = "X-Device-ID"
	deviceIDQuery     = "device_id"
	defaultDeviceID   = "default"
	maxWebhookBodyLen = 1 << 20
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAccounts         = errors.New("accounts service dependency required")
	errMissingOrders           = errors.New("orders service dependency required")
	errMissingResolver         = errors.New("location resolver dependency required")
	errMissingDeviceSource     = errors.New("device location source dependency required")
	errMissingBridge           = errors.New("realtime bridge dependency required")
	errMissingNotifications    = errors.New("notifications aggregator dependency required")
	errMissingMarketplace      = errors.New("marketplace service dependency required")
	errMissingBilling          = errors.New("billing reconciler dependency required")
)

// SessionValidator authenticates a request into a session.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Session, error)
}

// AccountService maps sessions onto canonical user ids and removes accounts.
type AccountService interface {
	ResolveUserID(ctx context.Context, session auth.Session) (string, error)
	Delete(ctx context.Context, userID string) error
}

// BillingEnqueuer hands verified webhook bodies to the background worker.
type BillingEnqueuer interface {
	EnqueueBillingEvent(ctx context.Context, eventID string, body []byte) error
}

type Dependencies struct {
	SessionValidator SessionValidator
	Accounts         AccountService
	Orders           *orders.Service
	Resolver         *location.Resolver
	DeviceSource     *location.DeviceSource
	Bridge           *realtime.Bridge[Snapshot]
	Notifications    *notifications.Aggregator
	Marketplace      *marketplace.Service
	Billing          *billing.Reconciler
	// BillingQueue is optional; without it webhook events are applied inline.
	BillingQueue  BillingEnqueuer
	WebhookSecret string
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Orders == nil {
		return nil, errMissingOrders
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.DeviceSource == nil {
		return nil, errMissingDeviceSource
	}
	if deps.Bridge == nil {
		return nil, errMissingBridge
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Marketplace == nil {
		return nil, errMissingMarketplace
	}
	if deps.Billing == nil {
		return nil, errMissingBilling
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:      deps.SessionValidator,
		accounts:      deps.Accounts,
		orders:        deps.Orders,
		resolver:      deps.Resolver,
		devices:       deps.DeviceSource,
		bridge:        deps.Bridge,
		notifications: deps.Notifications,
		marketplace:   deps.Marketplace,
		billing:       deps.Billing,
		billingQueue:  deps.BillingQueue,
		webhookSecret: deps.WebhookSecret,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger,
	}

	router.POST("/billing/webhook", handler.handleBillingWebhook)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/orders", handler.handleCreateOrder)
	protected.GET("/orders", handler.handleListOrders)
	protected.GET("/orders/:id", handler.handleGetOrder)
	protected.POST("/orders/:id/accept", handler.handleAcceptOrder)
	protected.POST("/orders/:id/reject", handler.handleRejectOrder)
	protected.POST("/orders/:id/cancel", handler.handleCancelOrder)
	protected.POST("/orders/:id/advance", handler.handleAdvanceOrder)
	protected.POST("/orders/:id/position", handler.handleSharePosition)
	protected.POST("/location/device", handler.handleDevicePosition)
	protected.GET("/realtime/stream", handler.handleRealtimeStream)
	protected.POST("/auth/signout", handler.handleSignOut)
	protected.GET("/notifications", handler.handleNotificationFeed)
	protected.POST("/notifications/open", handler.handleNotificationsOpen)
	protected.POST("/notifications/dismiss", handler.handleNotificationsDismiss)
	protected.PUT("/profile", handler.handleUpdateProfile)
	protected.POST("/messages", handler.handleSendMessage)
	protected.POST("/jobs", handler.handleCreateJob)
	protected.POST("/jobs/:id/offers", handler.handleSubmitOffer)
	protected.POST("/offers/:id/decision", handler.handleDecideOffer)
	protected.GET("/billing/status", handler.handleBillingStatus)
	protected.POST("/billing/checkout", handler.handleBillingCheckout)
	protected.DELETE("/account", handler.handleDeleteAccount)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", deviceIDHeader},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	sessions      SessionValidator
	accounts      AccountService
	orders        *orders.Service
	resolver      *location.Resolver
	devices       *location.DeviceSource
	bridge        *realtime.Bridge[Snapshot]
	notifications *notifications.Aggregator
	marketplace   *marketplace.Service
	billing       *billing.Reconciler
	billingQueue  BillingEnqueuer
	webhookSecret string
	validate      *validator.Validate
	logger        *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	session, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.accounts.ResolveUserID(c.Request.Context(), session)
	if err != nil {
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// bindJSON decodes and validates the request body, writing a 400 on failure.
func (h *httpHandler) bindJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	return true
}

func viewerID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

func deviceID(c *gin.Context) string {
	if value := c.GetHeader(deviceIDHeader); value != "" {
		return value
	}
	if value := c.Query(deviceIDQuery); value != "" {
		return value
	}
	return defaultDeviceID
}
