package billing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

var errMissingSecretKey = errors.New("billing: processor secret key is required")

// SubscriptionSnapshot is the processor's view of one subscription.
type SubscriptionSnapshot struct {
	Ref         string
	CustomerRef string
	Status      string
	ProductID   string
	PeriodEnd   time.Time
}

// Entitled reports whether the subscription status grants its plan.
func (s SubscriptionSnapshot) Entitled() bool {
	switch stripe.SubscriptionStatus(s.Status) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// LineItem is one priced entry of a checkout session.
type LineItem struct {
	PriceID  string
	Quantity int64
}

// CheckoutSession describes a hosted checkout to open with the processor.
type CheckoutSession struct {
	Mode        string
	UserID      string
	CustomerRef string
	Items       []LineItem
	Metadata    map[string]string
}

// Processor is the payment processor surface the reconciler depends on.
type Processor interface {
	// ActiveSubscription returns the customer's entitled subscription, or nil when none exists.
	ActiveSubscription(ctx context.Context, customerRef string) (*SubscriptionSnapshot, error)
	Subscription(ctx context.Context, subscriptionRef string) (SubscriptionSnapshot, error)
	CreateCheckout(ctx context.Context, session CheckoutSession) (string, error)
}

type StripeProcessorConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	// BackendURL overrides the API endpoint; empty uses the processor's default.
	BackendURL string
	HTTPClient *http.Client
}

// StripeProcessor implements Processor against the Stripe API.
type StripeProcessor struct {
	api        *client.API
	successURL string
	cancelURL  string
}

func NewStripeProcessor(cfg StripeProcessorConfig) (*StripeProcessor, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errMissingSecretKey
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(2),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BackendURL != "" {
		backendConfig.URL = stripe.String(cfg.BackendURL)
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	})
	return &StripeProcessor{api: api, successURL: cfg.SuccessURL, cancelURL: cfg.CancelURL}, nil
}

func (p *StripeProcessor) ActiveSubscription(ctx context.Context, customerRef string) (*SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerRef),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(10)
	params.Single = true

	var best *SubscriptionSnapshot
	iter := p.api.Subscriptions.List(params)
	for iter.Next() {
		snapshot := snapshotFromSubscription(iter.Subscription())
		if !snapshot.Entitled() {
			continue
		}
		if best == nil || snapshot.PeriodEnd.After(best.PeriodEnd) {
			candidate := snapshot
			best = &candidate
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return best, nil
}

func (p *StripeProcessor) Subscription(ctx context.Context, subscriptionRef string) (SubscriptionSnapshot, error) {
	subscription, err := p.api.Subscriptions.Get(subscriptionRef, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return SubscriptionSnapshot{}, err
	}
	return snapshotFromSubscription(subscription), nil
}

func (p *StripeProcessor) CreateCheckout(ctx context.Context, session CheckoutSession) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(session.Mode),
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		ClientReferenceID: stripe.String(session.UserID),
	}
	params.Context = ctx
	if session.CustomerRef != "" {
		params.Customer = stripe.String(session.CustomerRef)
	}
	for _, item := range session.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(item.PriceID),
			Quantity: stripe.Int64(item.Quantity),
		})
	}
	for key, value := range session.Metadata {
		params.AddMetadata(key, value)
	}
	if session.Mode == string(stripe.CheckoutSessionModeSubscription) {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: session.Metadata}
	}
	created, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", err
	}
	return created.URL, nil
}
