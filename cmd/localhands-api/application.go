package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/accounts"
	"github.com/MarcoPoloResearchLab/localhands/internal/auth"
	"github.com/MarcoPoloResearchLab/localhands/internal/billing"
	"github.com/MarcoPoloResearchLab/localhands/internal/config"
	"github.com/MarcoPoloResearchLab/localhands/internal/database"
	"github.com/MarcoPoloResearchLab/localhands/internal/ids"
	"github.com/MarcoPoloResearchLab/localhands/internal/location"
	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/MarcoPoloResearchLab/localhands/internal/notifications"
	"github.com/MarcoPoloResearchLab/localhands/internal/orders"
	"github.com/MarcoPoloResearchLab/localhands/internal/realtime"
	"github.com/MarcoPoloResearchLab/localhands/internal/scheduler"
	"github.com/MarcoPoloResearchLab/localhands/internal/server"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const redisPingTimeout = 5 * time.Second

// application owns the long-lived services behind the HTTP handler.
type application struct {
	config        config.AppConfig
	logger        *zap.Logger
	db            *gorm.DB
	redis         *redis.Client
	queue         *scheduler.Client
	sessions      *auth.SessionValidator
	accounts      *accounts.Service
	orders        *orders.Service
	resolver      *location.Resolver
	devices       *location.DeviceSource
	bridge        *realtime.Bridge[server.Snapshot]
	notifications *notifications.Aggregator
	marketplace   *marketplace.Service
	billing       *billing.Reconciler
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (_ *application, err error) {
	app := &application{config: appConfig, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.db, err = openDatabase(appConfig, logger)
	if err != nil {
		return nil, err
	}

	stateStore, err := app.notificationStore()
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(appConfig.RedisURL) != "" {
		app.queue, err = scheduler.NewClient(appConfig.RedisURL, appConfig.SchedulerQueue)
		if err != nil {
			return nil, err
		}
	}

	feed := realtime.NewFeed()
	idProvider := ids.NewUUIDProvider()

	app.orders, err = orders.NewService(orders.ServiceConfig{
		Database:   app.db,
		IDProvider: idProvider,
		Publisher:  feed,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	app.marketplace, err = marketplace.NewService(marketplace.ServiceConfig{
		Database:   app.db,
		IDProvider: idProvider,
		Publisher:  feed,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	app.notifications, err = notifications.NewAggregator(notifications.AggregatorConfig{
		Database:     app.db,
		Store:        stateStore,
		DisplayLimit: appConfig.Notifications.DisplayLimit,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	ipSource, err := location.NewIPSource(location.IPSourceConfig{
		BaseURL:          appConfig.Location.IPLookupURL,
		HTTPClient:       &http.Client{Timeout: appConfig.Location.IPTimeout},
		LookupsPerSecond: appConfig.Location.LookupsPerSecond,
	})
	if err != nil {
		return nil, err
	}
	app.devices = location.NewDeviceSource(appConfig.Location.PositionMaxAge, time.Now)
	app.resolver = location.NewResolver(logger,
		location.Stage{Source: ipSource, Timeout: appConfig.Location.IPTimeout},
		location.Stage{Source: app.devices, Timeout: appConfig.Location.DeviceTimeout},
	)

	app.billing, err = newReconciler(appConfig, app.db, logger)
	if err != nil {
		return nil, err
	}

	app.accounts, err = accounts.NewService(accounts.ServiceConfig{
		Database: app.db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	app.sessions, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return nil, err
	}

	app.bridge = realtime.NewBridge[server.Snapshot](realtime.BridgeConfig{
		Feed:     feed,
		Debounce: appConfig.Realtime.Debounce,
		MaxWait:  appConfig.Realtime.MaxWait,
		Logger:   logger,
	})

	return app, nil
}

// notificationStore shares dismissal state through Redis when it is configured.
func (a *application) notificationStore() (notifications.StateStore, error) {
	if strings.TrimSpace(a.config.RedisURL) == "" {
		a.logger.Warn("redis not configured; notification state is kept in process memory")
		return notifications.NewMemoryStateStore(notifications.DismissedCapacity), nil
	}
	options, err := redis.ParseURL(a.config.RedisURL)
	if err != nil {
		return nil, err
	}
	a.redis = redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return notifications.NewRedisStateStore(a.redis, notifications.DismissedCapacity)
}

func (a *application) dependencies() server.Dependencies {
	deps := server.Dependencies{
		SessionValidator: a.sessions,
		Accounts:         a.accounts,
		Orders:           a.orders,
		Resolver:         a.resolver,
		DeviceSource:     a.devices,
		Bridge:           a.bridge,
		Notifications:    a.notifications,
		Marketplace:      a.marketplace,
		Billing:          a.billing,
		WebhookSecret:    a.config.Billing.WebhookSecret,
		Logger:           a.logger,
	}
	if a.queue != nil {
		deps.BillingQueue = a.queue
	}
	if strings.TrimSpace(deps.WebhookSecret) == "" {
		a.logger.Warn("billing webhook secret not configured; every webhook will fail verification")
	}
	return deps
}

func (a *application) Close() {
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("failed to close scheduler client", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
}

// newReconciler builds the billing reconciler; without a secret key it runs ledger-only
// and checkout requests report billing as unavailable.
func newReconciler(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (*billing.Reconciler, error) {
	catalog, err := billing.NewCatalog(appConfig.Billing.Products)
	if err != nil {
		return nil, err
	}
	reconcilerConfig := billing.ReconcilerConfig{
		Database:     db,
		Catalog:      catalog,
		Prices:       appConfig.Billing.Prices,
		PollInterval: appConfig.Billing.PollInterval,
		IDProvider:   ids.NewUUIDProvider(),
		Logger:       logger,
	}
	if strings.TrimSpace(appConfig.Billing.SecretKey) != "" {
		processor, err := billing.NewStripeProcessor(billing.StripeProcessorConfig{
			SecretKey:  appConfig.Billing.SecretKey,
			SuccessURL: appConfig.Billing.SuccessURL,
			CancelURL:  appConfig.Billing.CancelURL,
		})
		if err != nil {
			return nil, err
		}
		reconcilerConfig.Processor = processor
	} else {
		logger.Warn("billing secret key not configured; checkout is disabled")
	}
	return billing.NewReconciler(reconcilerConfig)
}
