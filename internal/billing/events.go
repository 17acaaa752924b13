package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	// ErrInvalidSignature is returned for webhook payloads whose signature does not verify.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrIgnoredEvent is returned for processor event types the reconciler does not consume.
	ErrIgnoredEvent = errors.New("billing: ignored event type")
	// ErrMalformedEvent is returned when a verified event carries an unusable payload.
	ErrMalformedEvent = errors.New("billing: malformed event")
)

const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventInvoicePaid         = "invoice.paid"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"

	metadataUserID   = "user_id"
	metadataPurchase = "purchase"
	metadataJobID    = "job_id"
	metadataAddons   = "addons"
)

// Event is one of the processor events the reconciler applies.
type Event interface {
	EventID() string
	EventType() string
	OccurredAt() time.Time
	isEvent()
}

type envelope struct {
	ID string
	At time.Time
}

func (e envelope) EventID() string       { return e.ID }
func (e envelope) OccurredAt() time.Time { return e.At }

// CheckoutCompleted is a finished checkout session in subscription or payment mode.
type CheckoutCompleted struct {
	envelope
	SessionRef      string
	Mode            string
	CustomerRef     string
	SubscriptionRef string
	UserID          string
	Purchase        Purchase
	JobID           string
	Addons          []Addon
	AmountCents     int64
	Currency        string
}

// InvoicePaid marks a successful activation or renewal charge.
type InvoicePaid struct {
	envelope
	CustomerRef     string
	SubscriptionRef string
	UserID          string
	ProductID       string
	PeriodEnd       time.Time
}

// SubscriptionUpdated carries the subscription's current status and product.
type SubscriptionUpdated struct {
	envelope
	CustomerRef     string
	SubscriptionRef string
	UserID          string
	Status          string
	ProductID       string
	PeriodEnd       time.Time
}

// SubscriptionDeleted ends a subscription.
type SubscriptionDeleted struct {
	envelope
	CustomerRef     string
	SubscriptionRef string
	UserID          string
}

func (CheckoutCompleted) EventType() string   { return eventCheckoutCompleted }
func (InvoicePaid) EventType() string         { return eventInvoicePaid }
func (SubscriptionUpdated) EventType() string { return eventSubscriptionUpdated }
func (SubscriptionDeleted) EventType() string { return eventSubscriptionDeleted }

func (CheckoutCompleted) isEvent()   {}
func (InvoicePaid) isEvent()         {}
func (SubscriptionUpdated) isEvent() {}
func (SubscriptionDeleted) isEvent() {}

// VerifyEvent checks the signature header and decodes the processor event.
func VerifyEvent(payload []byte, signatureHeader, secret string) (stripe.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// DecodeEvent parses a previously verified event body, as queued for background application.
func DecodeEvent(body []byte) (Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ParseEvent(event)
}

// ParseEvent converts a processor event into one of the typed variants.
func ParseEvent(event stripe.Event) (Event, error) {
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, fmt.Errorf("%w: missing id or data", ErrMalformedEvent)
	}
	env := envelope{ID: event.ID, At: time.Unix(event.Created, 0).UTC()}
	switch string(event.Type) {
	case eventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return checkoutFromSession(env, session)
	case eventInvoicePaid:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return invoiceFromStripe(env, invoice)
	case eventSubscriptionUpdated:
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		snapshot := snapshotFromSubscription(&subscription)
		return SubscriptionUpdated{
			envelope:        env,
			CustomerRef:     snapshot.CustomerRef,
			SubscriptionRef: snapshot.Ref,
			UserID:          strings.TrimSpace(subscription.Metadata[metadataUserID]),
			Status:          snapshot.Status,
			ProductID:       snapshot.ProductID,
			PeriodEnd:       snapshot.PeriodEnd,
		}, nil
	case eventSubscriptionDeleted:
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		snapshot := snapshotFromSubscription(&subscription)
		return SubscriptionDeleted{
			envelope:        env,
			CustomerRef:     snapshot.CustomerRef,
			SubscriptionRef: snapshot.Ref,
			UserID:          strings.TrimSpace(subscription.Metadata[metadataUserID]),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}
}

func checkoutFromSession(env envelope, session stripe.CheckoutSession) (CheckoutCompleted, error) {
	checkout := CheckoutCompleted{
		envelope:    env,
		SessionRef:  session.ID,
		Mode:        string(session.Mode),
		UserID:      strings.TrimSpace(session.Metadata[metadataUserID]),
		JobID:       strings.TrimSpace(session.Metadata[metadataJobID]),
		AmountCents: session.AmountTotal,
		Currency:    string(session.Currency),
	}
	if checkout.UserID == "" {
		checkout.UserID = strings.TrimSpace(session.ClientReferenceID)
	}
	if session.Customer != nil {
		checkout.CustomerRef = session.Customer.ID
	}
	if session.Subscription != nil {
		checkout.SubscriptionRef = session.Subscription.ID
	}
	if checkout.SessionRef == "" {
		return CheckoutCompleted{}, fmt.Errorf("%w: checkout session without id", ErrMalformedEvent)
	}
	if checkout.Mode == string(stripe.CheckoutSessionModePayment) {
		purchase, err := ParsePurchase(session.Metadata[metadataPurchase])
		if err != nil {
			return CheckoutCompleted{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		addons, err := ParseAddons(session.Metadata[metadataAddons])
		if err != nil {
			return CheckoutCompleted{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		checkout.Purchase = purchase
		checkout.Addons = addons
	}
	return checkout, nil
}

func invoiceFromStripe(env envelope, invoice stripe.Invoice) (InvoicePaid, error) {
	paid := InvoicePaid{envelope: env}
	if invoice.Customer != nil {
		paid.CustomerRef = invoice.Customer.ID
	}
	if invoice.Subscription != nil {
		paid.SubscriptionRef = invoice.Subscription.ID
	}
	if invoice.SubscriptionDetails != nil {
		paid.UserID = strings.TrimSpace(invoice.SubscriptionDetails.Metadata[metadataUserID])
	}
	if invoice.Lines != nil {
		for _, line := range invoice.Lines.Data {
			if line == nil || line.Price == nil || line.Price.Product == nil {
				continue
			}
			paid.ProductID = line.Price.Product.ID
			if line.Period != nil && line.Period.End > 0 {
				paid.PeriodEnd = time.Unix(line.Period.End, 0).UTC()
			}
			break
		}
	}
	if paid.PeriodEnd.IsZero() && invoice.PeriodEnd > 0 {
		paid.PeriodEnd = time.Unix(invoice.PeriodEnd, 0).UTC()
	}
	if paid.ProductID == "" {
		return InvoicePaid{}, fmt.Errorf("%w: invoice without a priced line", ErrMalformedEvent)
	}
	return paid, nil
}

func snapshotFromSubscription(subscription *stripe.Subscription) SubscriptionSnapshot {
	snapshot := SubscriptionSnapshot{
		Ref:    subscription.ID,
		Status: string(subscription.Status),
	}
	if subscription.Customer != nil {
		snapshot.CustomerRef = subscription.Customer.ID
	}
	if subscription.CurrentPeriodEnd > 0 {
		snapshot.PeriodEnd = time.Unix(subscription.CurrentPeriodEnd, 0).UTC()
	}
	if subscription.Items != nil {
		for _, item := range subscription.Items.Data {
			if item == nil || item.Price == nil || item.Price.Product == nil {
				continue
			}
			snapshot.ProductID = item.Price.Product.ID
			break
		}
	}
	return snapshot
}
