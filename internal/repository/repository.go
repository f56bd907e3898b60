package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helioslabs/subscription-service/internal/domain"
)

// CheckoutUpdate carries the fields written when a checkout completes.
// ApplyCheckout upserts by user key so a replayed checkout event converges
// on the same row instead of failing. The upsert zeroes
// credits_reset_count: the counter tracks renewals of the purchased
// subscription, which starts its life here.
type CheckoutUpdate struct {
	ExternalRef     string
	PlanID          string
	BillingInterval domain.BillingInterval
	Amount          float64
	Currency        string
	Email           string
	StartDate       time.Time
	EndDate         time.Time
	CreditsLimit    int
}

// CreditMutation inspects a subscription under lock and returns the new
// credits_remaining value. Returning an error aborts the update with no
// state change. The mutation may rewrite fields of the pending ledger
// entry, such as the recorded amount of a balance reset.
type CreditMutation func(sub *domain.Subscription) (int, error)

// SubscriptionStore is the persistence boundary for subscription records.
// UpdateCredits is the only way credit fields change; it runs the mutation
// atomically with the ledger append. A renewal update also increments
// credits_reset_count in the same transaction.
type SubscriptionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	GetByUserKey(ctx context.Context, userKey uuid.UUID) (*domain.Subscription, error)
	GetByExternalRef(ctx context.Context, ref string) (*domain.Subscription, error)
	Create(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	ApplyCheckout(ctx context.Context, userKey uuid.UUID, upd CheckoutUpdate) (*domain.Subscription, error)
	ChangePlan(ctx context.Context, id uuid.UUID, planID string, creditsLimit int) error
	MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) error
	AdvancePeriod(ctx context.Context, id uuid.UUID, newEnd time.Time) error
	UpdateCredits(ctx context.Context, id uuid.UUID, mutate CreditMutation, entry *domain.CreditLedgerEntry, renewal bool) (*domain.Subscription, error)
}

// LedgerStore reads the append-only credit history.
type LedgerStore interface {
	Entries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]domain.CreditLedgerEntry, error)
}

// AuditStore records lifecycle events for later inspection. Appends are
// best effort; callers log failures and continue.
type AuditStore interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
}

// WebhookEventStore deduplicates provider events by an idempotency key.
type WebhookEventStore interface {
	Processed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}
