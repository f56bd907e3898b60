package domain

import (
	"time"

	"github.com/google/uuid"
)

// BillingInterval is the cadence a subscription renews on.
type BillingInterval string

const (
	BillingIntervalMonthly BillingInterval = "MONTHLY"
	BillingIntervalYearly  BillingInterval = "YEARLY"
)

// Subscription is the durable record of a user's plan and credit balance.
// There is exactly one row per user key; cancellation is a soft state and
// rows are never hard-deleted.
type Subscription struct {
	ID                      uuid.UUID       `json:"id"`
	UserKey                 uuid.UUID       `json:"user_key"`
	PlanID                  string          `json:"plan_id"`
	ExternalSubscriptionRef *string         `json:"external_subscription_ref"`
	StartDate               time.Time       `json:"start_date"`
	EndDate                 time.Time       `json:"end_date"`
	BillingInterval         BillingInterval `json:"billing_interval"`
	Amount                  float64         `json:"amount"`
	Currency                string          `json:"currency"`
	Email                   string          `json:"email"`
	Cancelled               bool            `json:"cancelled"`
	CancelledAt             *time.Time      `json:"cancelled_at"`
	CreditsRemaining        int             `json:"credits_remaining"`
	CreditsLimit            int             `json:"credits_limit"`
	CreditsResetCount       int             `json:"credits_reset_count"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// IsFree reports whether the subscription is on the free tier.
func (s *Subscription) IsFree() bool {
	return s.PlanID == PlanFree.ID
}

// NewDefaultSubscription builds the free-tier row created lazily on a
// user's first authenticated access. The free tier runs for one year.
func NewDefaultSubscription(userKey uuid.UUID, email string, now time.Time) *Subscription {
	return &Subscription{
		ID:               uuid.New(),
		UserKey:          userKey,
		PlanID:           PlanFree.ID,
		StartDate:        now,
		EndDate:          now.AddDate(1, 0, 0),
		BillingInterval:  PlanFree.BillingInterval,
		Amount:           PlanFree.Price,
		Currency:         PlanFree.Currency,
		Email:            email,
		CreditsRemaining: PlanFree.Credits.Monthly,
		CreditsLimit:     PlanFree.Credits.Maximum,
	}
}

// CreditOperationType enumerates the closed set of credit operations.
type CreditOperationType string

const (
	// CreditOpUse debits the balance; rejected when it would go negative.
	CreditOpUse CreditOperationType = "USE"
	// CreditOpReset hard-sets the balance to the plan's monthly allowance.
	CreditOpReset CreditOperationType = "RESET"
	// CreditOpBonus adds to the balance, capped at the plan ceiling.
	CreditOpBonus CreditOperationType = "BONUS"
)

// Valid reports whether t is one of the known operation types.
func (t CreditOperationType) Valid() bool {
	switch t {
	case CreditOpUse, CreditOpReset, CreditOpBonus:
		return true
	}
	return false
}

// CreditOperation is a single credit-affecting request against one
// subscription, applied atomically by the reconciliation engine.
type CreditOperation struct {
	SubscriptionID uuid.UUID
	Amount         int
	Operation      CreditOperationType
	Description    string
	// Renewal marks billing-cycle refreshes; they increment the
	// subscription's credits_reset_count. Initial allocations and plan
	// changes leave the counter alone.
	Renewal bool
}

// CreditBalance is the engine's result: the post-operation view of the
// subscription's credit fields.
type CreditBalance struct {
	CreditsRemaining int    `json:"credits_remaining"`
	CreditsLimit     int    `json:"credits_limit"`
	PlanID           string `json:"plan_id"`
}
