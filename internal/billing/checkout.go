package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/MarcoPoloResearchLab/localhands/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Purchase is the kind of checkout a client requests.
type Purchase string

const (
	PurchaseSubscription  Purchase = "subscription"
	PurchaseSingleListing Purchase = "single_listing"
	PurchaseAddonsOnly    Purchase = "addons_only"
)

// Addon is a one-time extra bought with a payment checkout.
type Addon string

const (
	AddonHighlight Addon = "highlight"
	AddonUrgent    Addon = "urgent"
	AddonTrusted   Addon = "trusted"
)

// ParsePurchase accepts the one-time purchase kinds carried on payment sessions.
func ParsePurchase(value string) (Purchase, error) {
	switch purchase := Purchase(strings.TrimSpace(value)); purchase {
	case PurchaseSingleListing, PurchaseAddonsOnly:
		return purchase, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedPayment, value)
	}
}

// ParseAddons reads a comma separated add-on list, dropping duplicates.
func ParseAddons(value string) ([]Addon, error) {
	seen := make(map[Addon]struct{})
	var addons []Addon
	for _, part := range strings.Split(value, ",") {
		addon := Addon(strings.TrimSpace(part))
		if addon == "" {
			continue
		}
		switch addon {
		case AddonHighlight, AddonUrgent, AddonTrusted:
		default:
			return nil, fmt.Errorf("unknown addon %q", addon)
		}
		if _, ok := seen[addon]; ok {
			continue
		}
		seen[addon] = struct{}{}
		addons = append(addons, addon)
	}
	sort.Slice(addons, func(i, j int) bool { return addons[i] < addons[j] })
	return addons, nil
}

func joinAddons(addons []Addon) string {
	parts := make([]string, 0, len(addons))
	for _, addon := range addons {
		parts = append(parts, string(addon))
	}
	return strings.Join(parts, ",")
}

// CheckoutRequest is a client's request to open a hosted checkout.
type CheckoutRequest struct {
	Type   Purchase
	Plan   string
	JobID  string
	Addons []Addon
}

// Checkout opens a processor checkout session for the viewer and returns its URL.
func (r *Reconciler) Checkout(ctx context.Context, userID string, request CheckoutRequest) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", serviceerr.New(opCheckout, "missing_user", ErrValidation)
	}
	if r.processor == nil {
		return "", serviceerr.New(opCheckout, "processor_missing", ErrProcessorMissing)
	}

	session := CheckoutSession{
		UserID:   userID,
		Metadata: map[string]string{metadataUserID: userID},
	}
	switch request.Type {
	case PurchaseSubscription:
		plan, ok := ParsePlan(request.Plan)
		if !ok {
			return "", serviceerr.New(opCheckout, "invalid_plan", ErrValidation)
		}
		price, ok := r.prices[string(plan)]
		if !ok {
			return "", serviceerr.New(opCheckout, "missing_price", ErrValidation)
		}
		session.Mode = "subscription"
		session.Items = []LineItem{{PriceID: price, Quantity: 1}}
	case PurchaseSingleListing, PurchaseAddonsOnly:
		session.Mode = "payment"
		session.Metadata[metadataPurchase] = string(request.Type)
		if request.Type == PurchaseSingleListing {
			price, ok := r.prices[string(PurchaseSingleListing)]
			if !ok {
				return "", serviceerr.New(opCheckout, "missing_price", ErrValidation)
			}
			session.Items = append(session.Items, LineItem{PriceID: price, Quantity: 1})
		}
		addons, err := ParseAddons(joinAddons(request.Addons))
		if err != nil {
			return "", serviceerr.New(opCheckout, "invalid_addon", ErrValidation)
		}
		if request.Type == PurchaseAddonsOnly && len(addons) == 0 {
			return "", serviceerr.New(opCheckout, "missing_addons", ErrValidation)
		}
		if err := r.checkAddonTarget(ctx, userID, request.JobID, addons); err != nil {
			return "", err
		}
		for _, addon := range addons {
			price, ok := r.prices[string(addon)]
			if !ok {
				return "", serviceerr.New(opCheckout, "missing_price", ErrValidation)
			}
			session.Items = append(session.Items, LineItem{PriceID: price, Quantity: 1})
		}
		if len(addons) > 0 {
			session.Metadata[metadataAddons] = joinAddons(addons)
		}
		if request.JobID != "" {
			session.Metadata[metadataJobID] = strings.TrimSpace(request.JobID)
		}
	default:
		return "", serviceerr.New(opCheckout, "invalid_type", ErrValidation)
	}

	ledger, err := r.ensureLedger(ctx, r.db, userID)
	if err != nil {
		return "", r.reporter.Fail(opCheckout, "ledger_load_failed", err, zap.String("user_id", userID))
	}
	session.CustomerRef = ledger.BillingCustomerRef

	url, err := r.processor.CreateCheckout(ctx, session)
	if err != nil {
		return "", r.reporter.Fail(opCheckout, "processor_failed", err, zap.String("user_id", userID))
	}
	return url, nil
}

func (r *Reconciler) checkAddonTarget(ctx context.Context, userID, jobID string, addons []Addon) error {
	needsJob := false
	for _, addon := range addons {
		if addon == AddonHighlight || addon == AddonUrgent {
			needsJob = true
		}
	}
	if !needsJob {
		return nil
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return serviceerr.New(opCheckout, "missing_job", ErrValidation)
	}
	var job marketplace.Job
	err := r.db.WithContext(ctx).Where("id = ?", jobID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return serviceerr.New(opCheckout, "job_not_found", ErrValidation)
	}
	if err != nil {
		return r.reporter.Fail(opCheckout, "job_lookup_failed", err)
	}
	if job.OwnerID != userID {
		return serviceerr.New(opCheckout, "job_not_owned", ErrCheckoutForbidden)
	}
	return nil
}
