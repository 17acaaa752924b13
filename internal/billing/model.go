package billing

import "time"

// PlanLedger is the per-account quota ledger. Counters are reset only on activation or renewal.
type PlanLedger struct {
	UserID                 string     `gorm:"column:user_id;primaryKey;size:190"`
	Plan                   Plan       `gorm:"column:plan;size:16;not null;default:''"`
	PeriodEnd              *time.Time `gorm:"column:period_end"`
	RemainingListings      int        `gorm:"column:remaining_listings;not null;default:0"`
	RemainingHighlights    int        `gorm:"column:remaining_highlights;not null;default:0"`
	IsTrusted              bool       `gorm:"column:is_trusted;not null;default:false"`
	TrustedBadge           bool       `gorm:"column:trusted_badge;not null;default:false"`
	BillingCustomerRef     string     `gorm:"column:billing_customer_ref;size:190;index"`
	BillingSubscriptionRef string     `gorm:"column:billing_subscription_ref;size:190"`
	LastEventAt            *time.Time `gorm:"column:last_event_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at;not null"`
}

func (PlanLedger) TableName() string { return "plan_ledgers" }

// Subscribed reports whether the ledger holds a paid plan whose period has not ended.
func (l PlanLedger) Subscribed(now time.Time) bool {
	if !l.Plan.Paid() {
		return false
	}
	return l.PeriodEnd == nil || l.PeriodEnd.After(now)
}

// ProcessedEvent records a webhook event id that has been applied.
type ProcessedEvent struct {
	EventID     string    `gorm:"column:event_id;primaryKey;size:190"`
	EventType   string    `gorm:"column:event_type;size:64;not null"`
	UserID      string    `gorm:"column:user_id;size:190;index"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

func (ProcessedEvent) TableName() string { return "billing_events" }

// Payment records a completed one-time purchase.
type Payment struct {
	ID          string    `gorm:"column:id;primaryKey;size:64"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	SessionRef  string    `gorm:"column:session_ref;size:190;not null;uniqueIndex"`
	Purchase    string    `gorm:"column:purchase;size:32;not null"`
	JobID       string    `gorm:"column:job_id;size:64"`
	Addons      string    `gorm:"column:addons;size:128"`
	AmountCents int64     `gorm:"column:amount_cents;not null;default:0"`
	Currency    string    `gorm:"column:currency;size:8"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

func (Payment) TableName() string { return "payments" }

// Models lists every billing table for schema migration.
func Models() []any {
	return []any{&PlanLedger{}, &ProcessedEvent{}, &Payment{}}
}
