package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "LOCALHANDS"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabaseDriver       = "sqlite"
	defaultDatabasePath         = "localhands.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultTokenTTL             = 60 * time.Minute
	defaultSchedulerConcurrency = 4
	defaultAuthIssuer           = "localhands-auth"
	defaultSchedulerQueue       = "billing"
	defaultIPLookupURL          = "https://ipapi.co"
	defaultIPTimeout            = 5 * time.Second
	defaultDeviceTimeout        = 10 * time.Second
	defaultPositionMaxAge       = 60 * time.Second
	defaultLookupsPerSecond     = 5.0
	defaultNotificationsLimit   = 5
	defaultBillingPollInterval  = 60 * time.Second
	defaultBillingSuccessURL    = "https://localhands.example/billing/success"
	defaultBillingCancelURL     = "https://localhands.example/billing/cancel"
	databaseDriverSQLite        = "sqlite"
	databaseDriverPostgres      = "postgres"
	billingProductKeyPrefix     = "billing.products."
	billingPriceKeyPrefix       = "billing.prices."
	defaultRealtimeDebounce     = 150 * time.Millisecond
	defaultHTTPShutdownDeadline = 10 * time.Second
)

// PlanKeys lists the plan names that must be present in the billing product catalog.
var PlanKeys = []string{"basic", "pro", "boost"}

// PriceKeys lists the purchasable items that may carry a processor price identifier.
var PriceKeys = []string{"basic", "pro", "boost", "single_listing", "highlight", "urgent", "trusted"}

// AppConfig captures runtime configuration for the API server and worker.
type AppConfig struct {
	HTTPAddress      string
	ShutdownDeadline time.Duration
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	LogLevel         string
	LogFormat        string
	SigningSecret    string
	AuthIssuer       string
	TokenTTL         time.Duration
	RedisURL         string
	SchedulerQueue   string
	// SchedulerConcurrency bounds the billing worker's parallel handlers.
	SchedulerConcurrency int
	Location             LocationConfig
	Notifications        NotificationsConfig
	Realtime             RealtimeConfig
	Billing              BillingConfig
}

// LocationConfig configures the two-stage location pipeline.
type LocationConfig struct {
	IPLookupURL      string
	IPTimeout        time.Duration
	DeviceTimeout    time.Duration
	PositionMaxAge   time.Duration
	LookupsPerSecond float64
}

// NotificationsConfig configures the aggregated notification feed.
type NotificationsConfig struct {
	DisplayLimit int
}

// RealtimeConfig configures the realtime refetch bridge.
type RealtimeConfig struct {
	Debounce time.Duration
	// MaxWait caps how long a busy viewer waits for a refetch; zero derives it from Debounce.
	MaxWait time.Duration
}

// BillingConfig configures the payment processor integration.
type BillingConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	PollInterval  time.Duration
	Products      map[string]string
	Prices        map[string]string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.shutdown_deadline", defaultHTTPShutdownDeadline)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("scheduler.queue", defaultSchedulerQueue)
	configViper.SetDefault("scheduler.concurrency", defaultSchedulerConcurrency)
	configViper.SetDefault("location.ip_lookup_url", defaultIPLookupURL)
	configViper.SetDefault("location.ip_timeout", defaultIPTimeout)
	configViper.SetDefault("location.device_timeout", defaultDeviceTimeout)
	configViper.SetDefault("location.position_max_age", defaultPositionMaxAge)
	configViper.SetDefault("location.lookups_per_second", defaultLookupsPerSecond)
	configViper.SetDefault("notifications.display_limit", defaultNotificationsLimit)
	configViper.SetDefault("realtime.debounce", defaultRealtimeDebounce)
	configViper.SetDefault("billing.poll_interval", defaultBillingPollInterval)
	configViper.SetDefault("billing.success_url", defaultBillingSuccessURL)
	configViper.SetDefault("billing.cancel_url", defaultBillingCancelURL)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"auth.signing_secret", "database.dsn", "redis.url", "billing.secret_key", "billing.webhook_secret", "realtime.max_wait"} {
		_ = configViper.BindEnv(key)
	}
	for _, plan := range PlanKeys {
		_ = configViper.BindEnv(billingProductKeyPrefix + plan)
	}
	for _, item := range PriceKeys {
		_ = configViper.BindEnv(billingPriceKeyPrefix + item)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		ShutdownDeadline:     configViper.GetDuration("http.shutdown_deadline"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		TokenTTL:             configViper.GetDuration("auth.token_ttl"),
		RedisURL:             configViper.GetString("redis.url"),
		SchedulerQueue:       configViper.GetString("scheduler.queue"),
		SchedulerConcurrency: configViper.GetInt("scheduler.concurrency"),
		Location: LocationConfig{
			IPLookupURL:      configViper.GetString("location.ip_lookup_url"),
			IPTimeout:        configViper.GetDuration("location.ip_timeout"),
			DeviceTimeout:    configViper.GetDuration("location.device_timeout"),
			PositionMaxAge:   configViper.GetDuration("location.position_max_age"),
			LookupsPerSecond: configViper.GetFloat64("location.lookups_per_second"),
		},
		Notifications: NotificationsConfig{
			DisplayLimit: configViper.GetInt("notifications.display_limit"),
		},
		Realtime: RealtimeConfig{
			Debounce: configViper.GetDuration("realtime.debounce"),
			MaxWait:  configViper.GetDuration("realtime.max_wait"),
		},
		Billing: BillingConfig{
			SecretKey:     configViper.GetString("billing.secret_key"),
			WebhookSecret: configViper.GetString("billing.webhook_secret"),
			SuccessURL:    configViper.GetString("billing.success_url"),
			CancelURL:     configViper.GetString("billing.cancel_url"),
			PollInterval:  configViper.GetDuration("billing.poll_interval"),
			Products:      make(map[string]string, len(PlanKeys)),
			Prices:        make(map[string]string, len(PriceKeys)),
		},
	}

	for _, plan := range PlanKeys {
		if product := strings.TrimSpace(configViper.GetString(billingProductKeyPrefix + plan)); product != "" {
			cfg.Billing.Products[plan] = product
		}
	}
	for _, item := range PriceKeys {
		if price := strings.TrimSpace(configViper.GetString(billingPriceKeyPrefix + item)); price != "" {
			cfg.Billing.Prices[item] = price
		}
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case databaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case databaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not supported", c.LogFormat)
	}
	if c.Notifications.DisplayLimit <= 0 {
		return fmt.Errorf("notifications.display_limit must be positive")
	}
	if len(c.Billing.Products) > 0 && len(c.Billing.Products) != len(PlanKeys) {
		return fmt.Errorf("billing.products must map every plan (%s)", strings.Join(PlanKeys, ", "))
	}
	seen := make(map[string]string, len(c.Billing.Products))
	for plan, product := range c.Billing.Products {
		if other, ok := seen[product]; ok {
			return fmt.Errorf("billing product %q is mapped to both %s and %s", product, other, plan)
		}
		seen[product] = plan
	}
	return nil
}
