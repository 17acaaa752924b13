package billing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/localhands/internal/marketplace"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	productBasic = "prod_basic"
	productPro   = "prod_pro"
	productBoost = "prod_boost"
)

type stubProcessor struct {
	mu            sync.Mutex
	active        *SubscriptionSnapshot
	activeErr     error
	subscriptions map[string]SubscriptionSnapshot
	checkouts     []CheckoutSession
	activeCalls   int
}

func (p *stubProcessor) ActiveSubscription(_ context.Context, _ string) (*SubscriptionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeCalls++
	if p.activeErr != nil {
		return nil, p.activeErr
	}
	if p.active == nil {
		return nil, nil
	}
	snapshot := *p.active
	return &snapshot, nil
}

func (p *stubProcessor) Subscription(_ context.Context, ref string) (SubscriptionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot, ok := p.subscriptions[ref]
	if !ok {
		return SubscriptionSnapshot{}, errors.New("no such subscription")
	}
	return snapshot, nil
}

func (p *stubProcessor) CreateCheckout(_ context.Context, session CheckoutSession) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkouts = append(p.checkouts, session)
	return "https://checkout.example/session", nil
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%d", s.next), nil
}

type reconcilerFixture struct {
	db         *gorm.DB
	processor  *stubProcessor
	reconciler *Reconciler
	logs       *observer.ObservedLogs
	now        time.Time
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "billing.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(Models(), marketplace.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	catalog, err := NewCatalog(map[string]string{"basic": productBasic, "pro": productPro, "boost": productBoost})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	core, logs := observer.New(zap.DebugLevel)
	fixture := &reconcilerFixture{
		db:        db,
		processor: &stubProcessor{subscriptions: map[string]SubscriptionSnapshot{}},
		logs:      logs,
		now:       time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	reconciler, err := NewReconciler(ReconcilerConfig{
		Database:  db,
		Catalog:   catalog,
		Processor: fixture.processor,
		Prices: map[string]string{
			"basic": "price_basic", "pro": "price_pro", "boost": "price_boost",
			"single_listing": "price_listing", "highlight": "price_highlight", "urgent": "price_urgent", "trusted": "price_trusted",
		},
		PollInterval: time.Minute,
		Clock:        func() time.Time { return fixture.now },
		IDProvider:   &sequentialIDs{},
		Logger:       zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	fixture.reconciler = reconciler
	return fixture
}

func (f *reconcilerFixture) seedLedger(t *testing.T, ledger PlanLedger) {
	t.Helper()
	ledger.UpdatedAt = f.now
	if err := f.db.Create(&ledger).Error; err != nil {
		t.Fatalf("failed to seed ledger: %v", err)
	}
}

func (f *reconcilerFixture) ledger(t *testing.T, userID string) PlanLedger {
	t.Helper()
	var ledger PlanLedger
	if err := f.db.Where("user_id = ?", userID).Take(&ledger).Error; err != nil {
		t.Fatalf("failed to load ledger: %v", err)
	}
	return ledger
}

func at(seconds int) envelope {
	return envelope{ID: fmt.Sprintf("evt_%d", seconds), At: time.Date(2026, 10, 1, 11, 0, seconds, 0, time.UTC)}
}

func TestSubscriptionUpgradeThenPollKeepsCounters(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	periodEnd := fixture.now.Add(30 * 24 * time.Hour)
	basicEnd := fixture.now.Add(10 * 24 * time.Hour)
	fixture.seedLedger(t, PlanLedger{
		UserID: "user-1", Plan: PlanBasic, PeriodEnd: &basicEnd,
		RemainingListings: 3, RemainingHighlights: 1, BillingCustomerRef: "cus_1", BillingSubscriptionRef: "sub_1",
	})

	result, err := fixture.reconciler.Apply(ctx, SubscriptionUpdated{
		envelope: at(1), CustomerRef: "cus_1", SubscriptionRef: "sub_1",
		Status: "active", ProductID: productPro, PeriodEnd: periodEnd,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result != ResultApplied {
		t.Fatalf("expected applied, got %s", result)
	}
	ledger := fixture.ledger(t, "user-1")
	if ledger.Plan != PlanPro || !ledger.IsTrusted {
		t.Fatalf("expected pro and trusted, got %+v", ledger)
	}
	if ledger.RemainingListings != 20 || ledger.RemainingHighlights != 8 {
		t.Fatalf("expected pro allotment, got %d/%d", ledger.RemainingListings, ledger.RemainingHighlights)
	}

	if err := fixture.reconciler.Consume(ctx, "user-1", QuotaListings); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	fixture.processor.active = &SubscriptionSnapshot{Ref: "sub_1", CustomerRef: "cus_1", Status: "active", ProductID: productPro, PeriodEnd: periodEnd}
	fixture.now = fixture.now.Add(5 * time.Minute)

	status, err := fixture.reconciler.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if fixture.processor.activeCalls != 1 {
		t.Fatalf("expected the poll to consult the processor once, got %d", fixture.processor.activeCalls)
	}
	if status.RemainingListings != 19 || status.Plan == nil || *status.Plan != "pro" || !status.Subscribed {
		t.Fatalf("expected poll to leave counters alone, got %+v", status)
	}
}

func TestInvoicePaidTwiceResetsToAllotment(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	fixture.seedLedger(t, PlanLedger{UserID: "user-1", BillingCustomerRef: "cus_1"})
	periodEnd := fixture.now.Add(30 * 24 * time.Hour)

	first := InvoicePaid{envelope: at(1), CustomerRef: "cus_1", SubscriptionRef: "sub_1", ProductID: productBasic, PeriodEnd: periodEnd}
	if _, err := fixture.reconciler.Apply(ctx, first); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := fixture.reconciler.Consume(ctx, "user-1", QuotaHighlights); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	result, err := fixture.reconciler.Apply(ctx, first)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if result != ResultDuplicate {
		t.Fatalf("expected duplicate, got %s", result)
	}
	if ledger := fixture.ledger(t, "user-1"); ledger.RemainingHighlights != 1 {
		t.Fatalf("expected redelivery to be a no-op, got %d highlights", ledger.RemainingHighlights)
	}

	renewal := first
	renewal.envelope = at(2)
	if _, err := fixture.reconciler.Apply(ctx, renewal); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := fixture.reconciler.Apply(ctx, InvoicePaid{envelope: at(3), CustomerRef: "cus_1", ProductID: productBasic, PeriodEnd: periodEnd}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	ledger := fixture.ledger(t, "user-1")
	if ledger.Plan != PlanBasic || ledger.RemainingListings != 5 || ledger.RemainingHighlights != 2 {
		t.Fatalf("expected basic allotment after repeated invoices, got %+v", ledger)
	}
	if ledger.PeriodEnd == nil || !ledger.PeriodEnd.Equal(periodEnd) {
		t.Fatalf("expected period end %s, got %v", periodEnd, ledger.PeriodEnd)
	}
}

func TestPollImmediatelyAfterActivationIsIdempotent(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	periodEnd := fixture.now.Add(30 * 24 * time.Hour)
	fixture.processor.subscriptions["sub_9"] = SubscriptionSnapshot{Ref: "sub_9", CustomerRef: "cus_9", Status: "active", ProductID: productBoost, PeriodEnd: periodEnd}

	_, err := fixture.reconciler.Apply(ctx, CheckoutCompleted{
		envelope: at(1), SessionRef: "cs_1", Mode: "subscription",
		CustomerRef: "cus_9", SubscriptionRef: "sub_9", UserID: "user-9",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	before := fixture.ledger(t, "user-9")
	if before.Plan != PlanBoost || before.RemainingListings != 50 || before.BillingCustomerRef != "cus_9" {
		t.Fatalf("expected boost activation, got %+v", before)
	}

	fixture.processor.active = &SubscriptionSnapshot{Ref: "sub_9", CustomerRef: "cus_9", Status: "active", ProductID: productBoost, PeriodEnd: periodEnd}
	fixture.now = fixture.now.Add(time.Second)
	if _, err := fixture.reconciler.Status(ctx, "user-9"); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	after := fixture.ledger(t, "user-9")
	if after.RemainingListings != before.RemainingListings || after.RemainingHighlights != before.RemainingHighlights {
		t.Fatalf("expected counters unchanged, got %+v", after)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("expected no ledger write, updated_at moved from %s to %s", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestUnknownProductLeavesLedgerUnchanged(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	fixture.seedLedger(t, PlanLedger{UserID: "user-1", Plan: PlanBasic, RemainingListings: 4, BillingCustomerRef: "cus_1"})

	_, err := fixture.reconciler.Apply(ctx, SubscriptionUpdated{
		envelope: at(1), CustomerRef: "cus_1", Status: "active", ProductID: "prod_mystery",
	})
	if !errors.Is(err, ErrUnknownPlanProduct) {
		t.Fatalf("expected unknown product error, got %v", err)
	}
	if ledger := fixture.ledger(t, "user-1"); ledger.Plan != PlanBasic || ledger.RemainingListings != 4 {
		t.Fatalf("expected ledger untouched, got %+v", ledger)
	}
	if fixture.logs.FilterMessage("UnknownPlanProduct").Len() == 0 {
		t.Fatalf("expected UnknownPlanProduct to be logged")
	}

	fixture.processor.active = &SubscriptionSnapshot{Status: "active", ProductID: "prod_mystery"}
	status, err := fixture.reconciler.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Plan == nil || *status.Plan != "basic" {
		t.Fatalf("expected poll to keep basic, got %+v", status)
	}
}

func TestOutOfOrderSubscriptionEventIsSkipped(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	fixture.seedLedger(t, PlanLedger{UserID: "user-1", BillingCustomerRef: "cus_1"})
	periodEnd := fixture.now.Add(30 * 24 * time.Hour)

	newer := SubscriptionUpdated{envelope: at(30), CustomerRef: "cus_1", SubscriptionRef: "sub_1", Status: "active", ProductID: productPro, PeriodEnd: periodEnd}
	older := SubscriptionUpdated{envelope: at(10), CustomerRef: "cus_1", SubscriptionRef: "sub_1", Status: "active", ProductID: productBasic, PeriodEnd: periodEnd}
	if _, err := fixture.reconciler.Apply(ctx, newer); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	result, err := fixture.reconciler.Apply(ctx, older)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result != ResultUnchanged {
		t.Fatalf("expected stale event to be skipped, got %s", result)
	}
	if ledger := fixture.ledger(t, "user-1"); ledger.Plan != PlanPro {
		t.Fatalf("expected pro to survive stale basic update, got %s", ledger.Plan)
	}
}

func TestLateInvoiceDoesNotRevivePlan(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	fixture.seedLedger(t, PlanLedger{UserID: "user-1", BillingCustomerRef: "cus_1"})
	periodEnd := fixture.now.Add(30 * 24 * time.Hour)

	if _, err := fixture.reconciler.Apply(ctx, InvoicePaid{envelope: at(10), CustomerRef: "cus_1", SubscriptionRef: "sub_1", ProductID: productBasic, PeriodEnd: periodEnd}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := fixture.reconciler.Apply(ctx, SubscriptionDeleted{envelope: at(30), CustomerRef: "cus_1", SubscriptionRef: "sub_1"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	late := InvoicePaid{envelope: envelope{ID: "evt_late", At: at(20).At}, CustomerRef: "cus_1", SubscriptionRef: "sub_1", ProductID: productBasic, PeriodEnd: periodEnd}
	result, err := fixture.reconciler.Apply(ctx, late)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result != ResultUnchanged {
		t.Fatalf("expected late invoice to be skipped, got %s", result)
	}
	ledger := fixture.ledger(t, "user-1")
	if ledger.Plan != PlanNone || ledger.PeriodEnd != nil || ledger.RemainingListings != 0 {
		t.Fatalf("expected cancelled ledger to stay cleared, got %+v", ledger)
	}
}

func TestLateRenewalOfLiveSubscriptionApplies(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	fixture.seedLedger(t, PlanLedger{UserID: "user-1", BillingCustomerRef: "cus_1"})
	periodEnd := fixture.now.Add(30 * 24 * time.Hour)

	if _, err := fixture.reconciler.Apply(ctx, SubscriptionUpdated{envelope: at(30), CustomerRef: "cus_1", SubscriptionRef: "sub_1", Status: "active", ProductID: productPro, PeriodEnd: periodEnd}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := fixture.reconciler.Consume(ctx, "user-1", QuotaListings); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	result, err := fixture.reconciler.Apply(ctx, InvoicePaid{envelope: at(20), CustomerRef: "cus_1", SubscriptionRef: "sub_1", ProductID: productPro, PeriodEnd: periodEnd})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result != ResultApplied {
		t.Fatalf("expected renewal of the live subscription to apply, got %s", result)
	}
	if ledger := fixture.ledger(t, "user-1"); ledger.Plan != PlanPro || ledger.RemainingListings != 20 {
		t.Fatalf("expected pro allotment after renewal, got %+v", ledger)
	}
}

func TestSubscriptionDeletedClearsPlanAndKeepsBadge(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	end := fixture.now.Add(time.Hour)
	fixture.seedLedger(t, PlanLedger{
		UserID: "user-1", Plan: PlanPro, PeriodEnd: &end, RemainingListings: 7, RemainingHighlights: 3,
		IsTrusted: true, TrustedBadge: true, BillingCustomerRef: "cus_1", BillingSubscriptionRef: "sub_1",
	})

	if _, err := fixture.reconciler.Apply(ctx, SubscriptionDeleted{envelope: at(1), CustomerRef: "cus_1", SubscriptionRef: "sub_other"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if ledger := fixture.ledger(t, "user-1"); ledger.Plan != PlanPro {
		t.Fatalf("expected deletion of another subscription to be ignored")
	}

	if _, err := fixture.reconciler.Apply(ctx, SubscriptionDeleted{envelope: at(2), CustomerRef: "cus_1", SubscriptionRef: "sub_1"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	ledger := fixture.ledger(t, "user-1")
	if ledger.Plan != PlanNone || ledger.PeriodEnd != nil || ledger.RemainingListings != 0 || ledger.RemainingHighlights != 0 {
		t.Fatalf("expected cleared ledger, got %+v", ledger)
	}
	if !ledger.IsTrusted {
		t.Fatalf("expected trust to fall back to the purchased badge")
	}
}

func TestPaymentCheckoutAppliesPurchases(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	if err := fixture.db.Create(&marketplace.Job{ID: "job-1", OwnerID: "user-1", Title: "Paint fence"}).Error; err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}

	listing := CheckoutCompleted{envelope: at(1), SessionRef: "cs_listing", Mode: "payment", UserID: "user-1", CustomerRef: "cus_1", Purchase: PurchaseSingleListing, AmountCents: 499, Currency: "eur"}
	addons := CheckoutCompleted{envelope: at(2), SessionRef: "cs_addons", Mode: "payment", UserID: "user-1", Purchase: PurchaseAddonsOnly, JobID: "job-1", Addons: []Addon{AddonHighlight, AddonTrusted}}
	for _, event := range []CheckoutCompleted{listing, addons} {
		if _, err := fixture.reconciler.Apply(ctx, event); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	replayed := listing
	replayed.envelope = at(3)
	if _, err := fixture.reconciler.Apply(ctx, replayed); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	ledger := fixture.ledger(t, "user-1")
	if ledger.RemainingListings != 1 {
		t.Fatalf("expected one purchased listing, got %d", ledger.RemainingListings)
	}
	if !ledger.TrustedBadge || !ledger.IsTrusted || ledger.BillingCustomerRef != "cus_1" {
		t.Fatalf("expected badge and customer link, got %+v", ledger)
	}
	var job marketplace.Job
	if err := fixture.db.Where("id = ?", "job-1").Take(&job).Error; err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if !job.Highlighted || job.Urgent {
		t.Fatalf("expected only the highlight add-on, got %+v", job)
	}
	var payments int64
	fixture.db.Model(&Payment{}).Count(&payments)
	if payments != 2 {
		t.Fatalf("expected two payments, got %d", payments)
	}
}

func TestApplyRejectsUnresolvedAccount(t *testing.T) {
	fixture := newReconcilerFixture(t)
	_, err := fixture.reconciler.Apply(context.Background(), InvoicePaid{envelope: at(1), CustomerRef: "cus_unknown", ProductID: productBasic})
	if !errors.Is(err, ErrUnresolvedAccount) {
		t.Fatalf("expected unresolved account, got %v", err)
	}
	var events int64
	fixture.db.Model(&ProcessedEvent{}).Count(&events)
	if events != 0 {
		t.Fatalf("expected the event not to be recorded, got %d", events)
	}
}

func TestStatusThrottlesAndSurvivesProcessorFailure(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	fixture.seedLedger(t, PlanLedger{UserID: "user-1", Plan: PlanBasic, RemainingListings: 2, BillingCustomerRef: "cus_1"})
	fixture.processor.activeErr = errors.New("processor down")

	status, err := fixture.reconciler.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("expected stale ledger instead of error, got %v", err)
	}
	if status.RemainingListings != 2 {
		t.Fatalf("expected stale ledger, got %+v", status)
	}
	if fixture.logs.FilterField(zap.String("reason", "processor_unavailable")).Len() != 1 {
		t.Fatalf("expected processor failure to be logged")
	}

	if _, err := fixture.reconciler.Status(ctx, "user-1"); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if fixture.processor.activeCalls != 1 {
		t.Fatalf("expected the second poll to be throttled, got %d calls", fixture.processor.activeCalls)
	}

	status, err = fixture.reconciler.Status(ctx, "user-2")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Subscribed || status.Plan != nil {
		t.Fatalf("expected an empty ledger for a new user, got %+v", status)
	}
}

func TestConsumeStopsAtZero(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	fixture.seedLedger(t, PlanLedger{UserID: "user-1", RemainingListings: 1})

	if err := fixture.reconciler.Consume(ctx, "user-1", QuotaListings); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if err := fixture.reconciler.Consume(ctx, "user-1", QuotaListings); !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected exhausted quota, got %v", err)
	}
	if err := fixture.reconciler.Release(ctx, "user-1", QuotaListings); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if ledger := fixture.ledger(t, "user-1"); ledger.RemainingListings != 1 {
		t.Fatalf("expected released listing, got %d", ledger.RemainingListings)
	}
}

func TestCheckoutBuildsSessions(t *testing.T) {
	fixture := newReconcilerFixture(t)
	ctx := context.Background()
	if err := fixture.db.Create(&marketplace.Job{ID: "job-1", OwnerID: "someone-else", Title: "Mow lawn"}).Error; err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}

	url, err := fixture.reconciler.Checkout(ctx, "user-1", CheckoutRequest{Type: PurchaseSubscription, Plan: "pro"})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if url == "" {
		t.Fatalf("expected a checkout url")
	}
	session := fixture.processor.checkouts[0]
	if session.Mode != "subscription" || session.Items[0].PriceID != "price_pro" || session.Metadata["user_id"] != "user-1" {
		t.Fatalf("unexpected subscription session %+v", session)
	}

	if _, err := fixture.reconciler.Checkout(ctx, "user-1", CheckoutRequest{Type: PurchaseAddonsOnly, JobID: "job-1", Addons: []Addon{AddonUrgent}}); !errors.Is(err, ErrCheckoutForbidden) {
		t.Fatalf("expected forbidden add-on target, got %v", err)
	}
	if _, err := fixture.reconciler.Checkout(ctx, "user-1", CheckoutRequest{Type: PurchaseAddonsOnly}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without add-ons, got %v", err)
	}
	if _, err := fixture.reconciler.Checkout(ctx, "user-1", CheckoutRequest{Type: PurchaseSubscription, Plan: "gold"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown plan, got %v", err)
	}

	if _, err := fixture.reconciler.Checkout(ctx, "user-1", CheckoutRequest{Type: PurchaseSingleListing, Addons: []Addon{AddonTrusted}}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	payment := fixture.processor.checkouts[1]
	if payment.Mode != "payment" || len(payment.Items) != 2 || payment.Metadata["purchase"] != "single_listing" || payment.Metadata["addons"] != "trusted" {
		t.Fatalf("unexpected payment session %+v", payment)
	}
}

func TestCatalogRejectsUnknownProducts(t *testing.T) {
	catalog, err := NewCatalog(map[string]string{"basic": productBasic})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	if plan, err := catalog.PlanFor(productBasic); err != nil || plan != PlanBasic {
		t.Fatalf("expected basic, got %s/%v", plan, err)
	}
	if _, err := catalog.PlanFor("prod_free_upgrade"); !errors.Is(err, ErrUnknownPlanProduct) {
		t.Fatalf("expected unknown product, got %v", err)
	}
	if _, err := NewCatalog(map[string]string{"gold": "prod_gold"}); err == nil {
		t.Fatalf("expected unknown plan name to be rejected")
	}
	if _, err := NewCatalog(map[string]string{"basic": "prod_x", "pro": "prod_x"}); err == nil {
		t.Fatalf("expected duplicate product to be rejected")
	}
}
