package billing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/ids"
	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	"github.com/MarcoPoloResearchLab/localhands/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrValidation         = errors.New("billing: validation failed")
	ErrUnresolvedAccount  = errors.New("billing: event does not resolve to an account")
	ErrLedgerConflict     = errors.New("billing: ledger changed concurrently")
	ErrQuotaExhausted     = errors.New("billing: quota exhausted")
	ErrProcessorMissing   = errors.New("billing: payment processor not configured")
	ErrCheckoutForbidden  = errors.New("billing: checkout target not owned by caller")
	errMissingDatabase    = errors.New("database handle is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errUnsupportedPayment = errors.New("unsupported payment purchase")
)

const (
	opReconcilerNew = "billing.reconciler.new"
	opStatus        = "billing.status"
	opApply         = "billing.apply"
	opCheckout      = "billing.checkout"
	opConsume       = "billing.consume"

	casAttempts         = 3
	defaultPollInterval = 60 * time.Second
)

// Result describes what Apply did with an event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultUnchanged Result = "unchanged"
	ResultDuplicate Result = "duplicate"
)

// Quota names a ledger counter consumed by marketplace actions.
type Quota string

const (
	QuotaListings   Quota = "remaining_listings"
	QuotaHighlights Quota = "remaining_highlights"
)

// Status is the client-facing billing check.
type Status struct {
	Subscribed          bool       `json:"subscribed"`
	Plan                *string    `json:"plan"`
	SubscriptionEnd     *time.Time `json:"subscription_end"`
	RemainingListings   int        `json:"remaining_listings"`
	RemainingHighlights int        `json:"remaining_highlights"`
	IsTrusted           bool       `json:"is_trusted"`
}

type ReconcilerConfig struct {
	Database     *gorm.DB
	Catalog      *Catalog
	Processor    Processor
	Prices       map[string]string
	PollInterval time.Duration
	Clock        func() time.Time
	IDProvider   ids.Provider
	Logger       *zap.Logger
}

// Reconciler keeps plan ledgers aligned with the processor. Ledger writes from the
// status poll and the webhook stream are compare-and-set on plan and period end.
type Reconciler struct {
	db           *gorm.DB
	catalog      *Catalog
	processor    Processor
	prices       map[string]string
	pollInterval time.Duration
	clock        func() time.Time
	idProvider   ids.Provider
	reporter     serviceerr.Reporter

	pollMu   sync.Mutex
	lastPoll map[string]time.Time
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opReconcilerNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opReconcilerNew, "missing_id_provider", errMissingIDProvider)
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = &Catalog{byProduct: map[string]Plan{}}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	prices := make(map[string]string, len(cfg.Prices))
	for key, value := range cfg.Prices {
		prices[key] = value
	}
	return &Reconciler{
		db:           cfg.Database,
		catalog:      catalog,
		processor:    cfg.Processor,
		prices:       prices,
		pollInterval: pollInterval,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		reporter:     serviceerr.NewReporter(cfg.Logger, "billing"),
		lastPoll:     make(map[string]time.Time),
	}, nil
}

// Status returns the viewer's billing state, reconciling against the processor at most
// once per poll interval. Processor failures are logged and the stored ledger is returned.
func (r *Reconciler) Status(ctx context.Context, userID string) (Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Status{}, serviceerr.New(opStatus, "missing_user", ErrValidation)
	}
	ledger, err := r.ensureLedger(ctx, r.db, userID)
	if err != nil {
		return Status{}, r.reporter.Fail(opStatus, "ledger_load_failed", err, zap.String("user_id", userID))
	}
	if ledger.BillingCustomerRef == "" || r.processor == nil || !r.claimPoll(userID) {
		return r.statusOf(ledger), nil
	}

	snapshot, err := r.processor.ActiveSubscription(ctx, ledger.BillingCustomerRef)
	if err != nil {
		r.reporter.Log(opStatus, "processor_unavailable", err, zap.String("user_id", userID))
		return r.statusOf(ledger), nil
	}
	derived := PlanNone
	var periodEnd *time.Time
	subscriptionRef := ""
	if snapshot != nil {
		plan, err := r.catalog.PlanFor(snapshot.ProductID)
		if err != nil {
			r.logUnknownProduct(opStatus, snapshot.ProductID, userID)
			return r.statusOf(ledger), nil
		}
		derived = plan
		periodEnd = timePtr(snapshot.PeriodEnd)
		subscriptionRef = snapshot.Ref
	}

	updated, _, err := r.compareAndSet(ctx, r.db, userID, func(current PlanLedger) (map[string]any, bool) {
		if current.Plan == derived {
			return nil, false
		}
		if derived == PlanNone {
			return deactivation(current), true
		}
		updates := activation(current, derived, periodEnd)
		updates["billing_subscription_ref"] = subscriptionRef
		return updates, true
	})
	if err != nil {
		r.reporter.Log(opStatus, "ledger_write_failed", err, zap.String("user_id", userID))
		return r.statusOf(ledger), nil
	}
	return r.statusOf(updated), nil
}

// Apply reconciles one verified processor event. Event ids are recorded so redelivery is a no-op.
func (r *Reconciler) Apply(ctx context.Context, event Event) (Result, error) {
	if event == nil {
		return ResultUnchanged, serviceerr.New(opApply, "missing_event", ErrMalformedEvent)
	}
	fields := []zap.Field{zap.String("event_id", event.EventID()), zap.String("event_type", event.EventType())}

	// Processor lookups happen before the transaction opens.
	var linked *SubscriptionSnapshot
	switch typed := event.(type) {
	case CheckoutCompleted:
		if typed.Mode == "subscription" && typed.SubscriptionRef != "" {
			if r.processor == nil {
				return ResultUnchanged, r.reporter.Fail(opApply, "processor_missing", ErrProcessorMissing, fields...)
			}
			snapshot, err := r.processor.Subscription(ctx, typed.SubscriptionRef)
			if err != nil {
				return ResultUnchanged, r.reporter.Fail(opApply, "subscription_lookup_failed", err, fields...)
			}
			linked = &snapshot
		}
	}
	if err := r.checkProducts(event, linked); err != nil {
		return ResultUnchanged, serviceerr.New(opApply, "unknown_plan_product", err)
	}

	result := ResultUnchanged
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		userID, err := r.resolveUser(ctx, tx, event)
		if err != nil {
			return err
		}
		record := ProcessedEvent{
			EventID:     event.EventID(),
			EventType:   event.EventType(),
			UserID:      userID,
			ProcessedAt: r.now(),
		}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			result = ResultDuplicate
			return nil
		}
		changed, err := r.applyEvent(ctx, tx, userID, event, linked)
		if err != nil {
			return err
		}
		if changed {
			result = ResultApplied
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnresolvedAccount) {
			r.reporter.Log(opApply, "unresolved_account", err, fields...)
			return ResultUnchanged, serviceerr.New(opApply, "unresolved_account", err)
		}
		return ResultUnchanged, r.reporter.Fail(opApply, "apply_failed", err, fields...)
	}
	r.reporter.Logger().Info("billing event reconciled", append(fields, zap.String("result", string(result)))...)
	return result, nil
}

// Consume takes one unit of quota from the viewer's ledger.
func (r *Reconciler) Consume(ctx context.Context, userID string, quota Quota) error {
	if quota != QuotaListings && quota != QuotaHighlights {
		return serviceerr.New(opConsume, "unknown_quota", ErrValidation)
	}
	if _, err := r.ensureLedger(ctx, r.db, userID); err != nil {
		return r.reporter.Fail(opConsume, "ledger_load_failed", err)
	}
	column := string(quota)
	result := r.db.WithContext(ctx).Model(&PlanLedger{}).
		Where("user_id = ? AND "+column+" > 0", userID).
		Updates(map[string]any{column: gorm.Expr(column + " - 1"), "updated_at": r.now()})
	if result.Error != nil {
		return r.reporter.Fail(opConsume, "ledger_write_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return serviceerr.New(opConsume, "quota_exhausted", ErrQuotaExhausted)
	}
	return nil
}

// Release returns one unit of quota taken by Consume.
func (r *Reconciler) Release(ctx context.Context, userID string, quota Quota) error {
	if quota != QuotaListings && quota != QuotaHighlights {
		return serviceerr.New(opConsume, "unknown_quota", ErrValidation)
	}
	column := string(quota)
	err := r.db.WithContext(ctx).Model(&PlanLedger{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{column: gorm.Expr(column + " + 1"), "updated_at": r.now()}).Error
	if err != nil {
		return r.reporter.Fail(opConsume, "ledger_release_failed", err)
	}
	return nil
}

// Forget drops the per-user poll throttle state.
func (r *Reconciler) Forget(userID string) {
	r.pollMu.Lock()
	delete(r.lastPoll, userID)
	r.pollMu.Unlock()
}

func (r *Reconciler) checkProducts(event Event, linked *SubscriptionSnapshot) error {
	var productID string
	switch typed := event.(type) {
	case InvoicePaid:
		productID = typed.ProductID
	case SubscriptionUpdated:
		if !(SubscriptionSnapshot{Status: typed.Status}).Entitled() {
			return nil
		}
		productID = typed.ProductID
	case CheckoutCompleted:
		if linked == nil || !linked.Entitled() {
			return nil
		}
		productID = linked.ProductID
	default:
		return nil
	}
	if _, err := r.catalog.PlanFor(productID); err != nil {
		r.logUnknownProduct(opApply, productID, "")
		return err
	}
	return nil
}

func (r *Reconciler) resolveUser(ctx context.Context, tx *gorm.DB, event Event) (string, error) {
	var userID, customerRef string
	switch typed := event.(type) {
	case CheckoutCompleted:
		userID, customerRef = typed.UserID, typed.CustomerRef
	case InvoicePaid:
		userID, customerRef = typed.UserID, typed.CustomerRef
	case SubscriptionUpdated:
		userID, customerRef = typed.UserID, typed.CustomerRef
	case SubscriptionDeleted:
		userID, customerRef = typed.UserID, typed.CustomerRef
	}
	if userID != "" {
		return userID, nil
	}
	if customerRef == "" {
		return "", ErrUnresolvedAccount
	}
	var ledger PlanLedger
	err := tx.WithContext(ctx).Where("billing_customer_ref = ?", customerRef).Take(&ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnresolvedAccount
	}
	if err != nil {
		return "", err
	}
	return ledger.UserID, nil
}

func (r *Reconciler) applyEvent(ctx context.Context, tx *gorm.DB, userID string, event Event, linked *SubscriptionSnapshot) (bool, error) {
	switch typed := event.(type) {
	case InvoicePaid:
		plan, err := r.catalog.PlanFor(typed.ProductID)
		if err != nil {
			return false, err
		}
		_, changed, err := r.compareAndSet(ctx, tx, userID, func(current PlanLedger) (map[string]any, bool) {
			if staleInvoice(current, typed) {
				return nil, false
			}
			updates := activation(current, plan, timePtr(typed.PeriodEnd))
			if typed.CustomerRef != "" {
				updates["billing_customer_ref"] = typed.CustomerRef
			}
			if typed.SubscriptionRef != "" {
				updates["billing_subscription_ref"] = typed.SubscriptionRef
			}
			return updates, true
		})
		return changed, err

	case SubscriptionUpdated:
		derived := PlanNone
		if (SubscriptionSnapshot{Status: typed.Status}).Entitled() {
			plan, err := r.catalog.PlanFor(typed.ProductID)
			if err != nil {
				return false, err
			}
			derived = plan
		}
		_, changed, err := r.compareAndSet(ctx, tx, userID, func(current PlanLedger) (map[string]any, bool) {
			if current.LastEventAt != nil && typed.OccurredAt().Before(*current.LastEventAt) {
				return nil, false
			}
			updates := map[string]any{"last_event_at": typed.OccurredAt()}
			if current.Plan != derived {
				if derived == PlanNone {
					updates = mergeUpdates(updates, deactivation(current))
				} else {
					updates = mergeUpdates(updates, activation(current, derived, timePtr(typed.PeriodEnd)))
					updates["billing_subscription_ref"] = typed.SubscriptionRef
				}
			}
			return updates, true
		})
		return changed, err

	case SubscriptionDeleted:
		_, changed, err := r.compareAndSet(ctx, tx, userID, func(current PlanLedger) (map[string]any, bool) {
			if current.LastEventAt != nil && typed.OccurredAt().Before(*current.LastEventAt) {
				return nil, false
			}
			if current.BillingSubscriptionRef != "" && typed.SubscriptionRef != "" && current.BillingSubscriptionRef != typed.SubscriptionRef {
				return nil, false
			}
			updates := map[string]any{"last_event_at": typed.OccurredAt()}
			if current.Plan != PlanNone {
				updates = mergeUpdates(updates, deactivation(current))
			}
			return updates, true
		})
		return changed, err

	case CheckoutCompleted:
		if typed.Mode == "payment" {
			return r.applyPayment(ctx, tx, userID, typed)
		}
		return r.applySubscriptionCheckout(ctx, tx, userID, typed, linked)
	}
	return false, nil
}

func (r *Reconciler) applySubscriptionCheckout(ctx context.Context, tx *gorm.DB, userID string, checkout CheckoutCompleted, linked *SubscriptionSnapshot) (bool, error) {
	derived := PlanNone
	var periodEnd *time.Time
	if linked != nil && linked.Entitled() {
		plan, err := r.catalog.PlanFor(linked.ProductID)
		if err != nil {
			return false, err
		}
		derived = plan
		periodEnd = timePtr(linked.PeriodEnd)
	}
	_, changed, err := r.compareAndSet(ctx, tx, userID, func(current PlanLedger) (map[string]any, bool) {
		updates := map[string]any{}
		if checkout.CustomerRef != "" && current.BillingCustomerRef != checkout.CustomerRef {
			updates["billing_customer_ref"] = checkout.CustomerRef
		}
		if derived != PlanNone && current.Plan != derived {
			updates = mergeUpdates(updates, activation(current, derived, periodEnd))
			updates["billing_subscription_ref"] = checkout.SubscriptionRef
		}
		return updates, len(updates) > 0
	})
	return changed, err
}

func (r *Reconciler) applyPayment(ctx context.Context, tx *gorm.DB, userID string, checkout CheckoutCompleted) (bool, error) {
	paymentID, err := r.idProvider.NewID()
	if err != nil {
		return false, err
	}
	payment := Payment{
		ID:          paymentID,
		UserID:      userID,
		SessionRef:  checkout.SessionRef,
		Purchase:    string(checkout.Purchase),
		JobID:       checkout.JobID,
		Addons:      joinAddons(checkout.Addons),
		AmountCents: checkout.AmountCents,
		Currency:    checkout.Currency,
		CreatedAt:   r.now(),
	}
	created := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&payment)
	if created.Error != nil {
		return false, created.Error
	}
	if created.RowsAffected == 0 {
		return false, nil
	}

	var badge bool
	for _, addon := range checkout.Addons {
		switch addon {
		case AddonHighlight, AddonUrgent:
			column := "highlighted"
			if addon == AddonUrgent {
				column = "urgent"
			}
			result := tx.WithContext(ctx).Model(&marketplace.Job{}).
				Where("id = ? AND owner_id = ?", checkout.JobID, userID).
				Update(column, true)
			if result.Error != nil {
				return false, result.Error
			}
			if result.RowsAffected == 0 {
				r.reporter.Log(opApply, "addon_job_missing", ErrCheckoutForbidden,
					zap.String("job_id", checkout.JobID), zap.String("user_id", userID))
			}
		case AddonTrusted:
			badge = true
		}
	}

	_, _, err = r.compareAndSet(ctx, tx, userID, func(current PlanLedger) (map[string]any, bool) {
		updates := map[string]any{}
		if checkout.CustomerRef != "" && current.BillingCustomerRef == "" {
			updates["billing_customer_ref"] = checkout.CustomerRef
		}
		if checkout.Purchase == PurchaseSingleListing {
			updates["remaining_listings"] = gorm.Expr("remaining_listings + 1")
		}
		if badge {
			updates["trusted_badge"] = true
			updates["is_trusted"] = true
		}
		return updates, len(updates) > 0
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

type ledgerMutation func(current PlanLedger) (map[string]any, bool)

// compareAndSet applies mutate to the ledger row guarded by the observed plan and period end,
// reloading and retrying when another writer got there first.
func (r *Reconciler) compareAndSet(ctx context.Context, db *gorm.DB, userID string, mutate ledgerMutation) (PlanLedger, bool, error) {
	var current PlanLedger
	for attempt := 0; attempt < casAttempts; attempt++ {
		loaded, err := r.ensureLedger(ctx, db, userID)
		if err != nil {
			return PlanLedger{}, false, err
		}
		current = loaded
		updates, ok := mutate(current)
		if !ok {
			return current, false, nil
		}
		updates["updated_at"] = r.now()

		query := db.WithContext(ctx).Model(&PlanLedger{}).Where("user_id = ? AND plan = ?", userID, current.Plan)
		if current.PeriodEnd == nil {
			query = query.Where("period_end IS NULL")
		} else {
			query = query.Where("period_end = ?", *current.PeriodEnd)
		}
		result := query.Updates(updates)
		if result.Error != nil {
			return current, false, result.Error
		}
		if result.RowsAffected == 1 {
			updated, err := r.loadLedger(ctx, db, userID)
			if err != nil {
				return current, true, err
			}
			return updated, true, nil
		}
	}
	return current, false, ErrLedgerConflict
}

func (r *Reconciler) ensureLedger(ctx context.Context, db *gorm.DB, userID string) (PlanLedger, error) {
	seed := PlanLedger{UserID: userID, UpdatedAt: r.now()}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return PlanLedger{}, err
	}
	return r.loadLedger(ctx, db, userID)
}

func (r *Reconciler) loadLedger(ctx context.Context, db *gorm.DB, userID string) (PlanLedger, error) {
	var ledger PlanLedger
	if err := db.WithContext(ctx).Where("user_id = ?", userID).Take(&ledger).Error; err != nil {
		return PlanLedger{}, err
	}
	return ledger, nil
}

func (r *Reconciler) claimPoll(userID string) bool {
	now := r.now()
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	if last, ok := r.lastPoll[userID]; ok && now.Sub(last) < r.pollInterval {
		return false
	}
	r.lastPoll[userID] = now
	return true
}

func (r *Reconciler) statusOf(ledger PlanLedger) Status {
	status := Status{
		Subscribed:          ledger.Subscribed(r.now()),
		SubscriptionEnd:     ledger.PeriodEnd,
		RemainingListings:   ledger.RemainingListings,
		RemainingHighlights: ledger.RemainingHighlights,
		IsTrusted:           ledger.IsTrusted,
	}
	if ledger.Plan.Paid() {
		plan := string(ledger.Plan)
		status.Plan = &plan
	}
	return status
}

func (r *Reconciler) logUnknownProduct(operation, productID, userID string) {
	r.reporter.Logger().Warn("UnknownPlanProduct",
		zap.String("operation", operation),
		zap.String("product_id", productID),
		zap.String("user_id", userID),
	)
}

func (r *Reconciler) now() time.Time {
	return r.clock().UTC()
}

// staleInvoice reports whether an invoice predates the last subscription event and does not
// belong to the subscription that is live now. Renewals of the live subscription always apply.
func staleInvoice(current PlanLedger, invoice InvoicePaid) bool {
	if current.LastEventAt == nil || !invoice.OccurredAt().Before(*current.LastEventAt) {
		return false
	}
	if current.Plan == PlanNone || current.BillingSubscriptionRef == "" {
		return true
	}
	return invoice.SubscriptionRef != "" && invoice.SubscriptionRef != current.BillingSubscriptionRef
}

func activation(current PlanLedger, plan Plan, periodEnd *time.Time) map[string]any {
	allotment := plan.Allotment()
	return map[string]any{
		"plan":                 plan,
		"period_end":           periodEnd,
		"remaining_listings":   allotment.Listings,
		"remaining_highlights": allotment.Highlights,
		"is_trusted":           allotment.Trusted || current.TrustedBadge,
	}
}

func deactivation(current PlanLedger) map[string]any {
	return map[string]any{
		"plan":                     PlanNone,
		"period_end":               nil,
		"remaining_listings":       0,
		"remaining_highlights":     0,
		"is_trusted":               current.TrustedBadge,
		"billing_subscription_ref": "",
	}
}

func mergeUpdates(into, from map[string]any) map[string]any {
	for key, value := range from {
		into[key] = value
	}
	return into
}

func timePtr(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
