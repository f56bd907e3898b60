package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"

	"github.com/helioslabs/subscription-service/internal/credits"
	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/internal/kafka"
	"github.com/helioslabs/subscription-service/internal/metrics"
	"github.com/helioslabs/subscription-service/internal/repository"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

type fakeProvider struct {
	subs map[string]*stripe.Subscription
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %q", id)
	}
	return sub, nil
}

func (f *fakeProvider) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	return &stripe.Customer{ID: id, Email: "fallback@example.com"}, nil
}

type recordingMailer struct {
	welcomes int
	receipts int
	cancels  int
}

func (m *recordingMailer) SendSubscriptionWelcome(context.Context, string, string) error {
	m.welcomes++
	return nil
}

func (m *recordingMailer) SendPaymentReceipt(context.Context, string, string, float64, string) error {
	m.receipts++
	return nil
}

func (m *recordingMailer) SendCancellation(context.Context, string, time.Time) error {
	m.cancels++
	return nil
}

func providerSubscription(ref, priceID string) *stripe.Subscription {
	now := time.Now()
	return &stripe.Subscription{
		ID:                 ref,
		CurrentPeriodStart: now.Unix(),
		CurrentPeriodEnd:   now.AddDate(0, 1, 0).Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Price: &stripe.Price{
						ID:         priceID,
						UnitAmount: 1500,
						Currency:   stripe.CurrencyUSD,
						Recurring:  &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
					},
				},
			},
		},
	}
}

func rawEvent(t *testing.T, eventType string, payload any) stripe.Event {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal event payload: %v", err)
	}
	return stripe.Event{
		ID:   "evt_" + uuid.NewString()[:8],
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func newProcessor(store *repository.InMemorySubscriptionStore, provider ProviderClient, m *recordingMailer) *Processor {
	log := logger.NewNop()
	engine := credits.NewEngine(store, store, kafka.NopProducer{}, metrics.NopMetrics{}, log)
	return NewProcessor(store, store, store, engine, provider, kafka.NopProducer{}, m, metrics.NopMetrics{}, log)
}

func checkoutEvent(t *testing.T, userKey uuid.UUID, ref string) stripe.Event {
	return rawEvent(t, "checkout.session.completed", map[string]any{
		"id":                  "cs_test",
		"client_reference_id": userKey.String(),
		"subscription":        map[string]any{"id": ref},
		"customer_details":    map[string]any{"email": "buyer@example.com"},
	})
}

func TestCheckoutCompletedProvisionsSubscription(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	provider := &fakeProvider{subs: map[string]*stripe.Subscription{
		"sub_abc": providerSubscription("sub_abc", domain.PlanStandard.StripePriceID),
	}}
	mail := &recordingMailer{}
	proc := newProcessor(store, provider, mail)

	userKey := uuid.New()
	if err := proc.Process(context.Background(), checkoutEvent(t, userKey, "sub_abc")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	sub, err := store.GetByUserKey(context.Background(), userKey)
	if err != nil {
		t.Fatalf("GetByUserKey: %v", err)
	}
	if sub.PlanID != domain.PlanStandard.ID {
		t.Errorf("PlanID = %q, want %q", sub.PlanID, domain.PlanStandard.ID)
	}
	if sub.CreditsRemaining != domain.PlanStandard.Credits.Monthly {
		t.Errorf("CreditsRemaining = %d, want %d", sub.CreditsRemaining, domain.PlanStandard.Credits.Monthly)
	}
	if sub.CreditsLimit != domain.PlanStandard.Credits.Maximum {
		t.Errorf("CreditsLimit = %d, want %d", sub.CreditsLimit, domain.PlanStandard.Credits.Maximum)
	}
	if sub.Email != "buyer@example.com" {
		t.Errorf("Email = %q, want buyer@example.com", sub.Email)
	}
	if sub.CreditsResetCount != 0 {
		t.Errorf("CreditsResetCount = %d, want 0 for a fresh checkout", sub.CreditsResetCount)
	}
	if mail.welcomes != 1 {
		t.Errorf("welcome emails = %d, want 1", mail.welcomes)
	}

	// A redelivered checkout must not start counting renewals either.
	if err := proc.Process(context.Background(), checkoutEvent(t, userKey, "sub_abc")); err != nil {
		t.Fatalf("Process redelivery: %v", err)
	}
	sub, _ = store.GetByUserKey(context.Background(), userKey)
	if sub.CreditsResetCount != 0 {
		t.Errorf("CreditsResetCount after redelivery = %d, want 0", sub.CreditsResetCount)
	}
}

func TestCheckoutCompletedUpgradesExistingFreeRow(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	provider := &fakeProvider{subs: map[string]*stripe.Subscription{
		"sub_abc": providerSubscription("sub_abc", domain.PlanStandard.StripePriceID),
	}}
	proc := newProcessor(store, provider, &recordingMailer{})

	free := domain.NewDefaultSubscription(uuid.New(), "buyer@example.com", time.Now())
	created, err := store.Create(context.Background(), free)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := proc.Process(context.Background(), checkoutEvent(t, created.UserKey, "sub_abc")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	sub, err := store.GetByUserKey(context.Background(), created.UserKey)
	if err != nil {
		t.Fatalf("GetByUserKey: %v", err)
	}
	if sub.ID != created.ID {
		t.Errorf("checkout created a second row for the user: %s vs %s", sub.ID, created.ID)
	}
	if sub.PlanID != domain.PlanStandard.ID {
		t.Errorf("PlanID = %q, want %q", sub.PlanID, domain.PlanStandard.ID)
	}
}

func TestCheckoutCompletedUnknownPriceSkipped(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	provider := &fakeProvider{subs: map[string]*stripe.Subscription{
		"sub_abc": providerSubscription("sub_abc", "price_unknown"),
	}}
	proc := newProcessor(store, provider, &recordingMailer{})

	userKey := uuid.New()
	if err := proc.Process(context.Background(), checkoutEvent(t, userKey, "sub_abc")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := store.GetByUserKey(context.Background(), userKey); err == nil {
		t.Error("unknown price provisioned a subscription")
	}
}

func TestSubscriptionUpdatedSamePlanIsNoop(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	proc := newProcessor(store, &fakeProvider{}, &recordingMailer{})
	ctx := context.Background()

	ref := "sub_abc"
	sub := domain.NewDefaultSubscription(uuid.New(), "user@example.com", time.Now())
	sub.PlanID = domain.PlanStandard.ID
	sub.ExternalSubscriptionRef = &ref
	sub.CreditsRemaining = 777
	sub.CreditsLimit = domain.PlanStandard.Credits.Maximum
	if _, err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	event := rawEvent(t, "customer.subscription.updated",
		providerSubscription(ref, domain.PlanStandard.StripePriceID))

	// Deliver the same event twice; neither delivery may touch credits.
	for i := 0; i < 2; i++ {
		if err := proc.Process(ctx, event); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}

	after, err := store.GetByExternalRef(ctx, ref)
	if err != nil {
		t.Fatalf("GetByExternalRef: %v", err)
	}
	if after.CreditsRemaining != 777 {
		t.Errorf("CreditsRemaining = %d, want 777 untouched", after.CreditsRemaining)
	}
	entries, _ := store.Entries(ctx, after.ID, 10)
	if len(entries) != 0 {
		t.Errorf("same-plan update wrote %d ledger entries, want 0", len(entries))
	}
}

func TestSubscriptionUpdatedPlanChangeRollsOver(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	proc := newProcessor(store, &fakeProvider{}, &recordingMailer{})
	ctx := context.Background()

	ref := "sub_abc"
	sub := domain.NewDefaultSubscription(uuid.New(), "user@example.com", time.Now())
	sub.PlanID = domain.PlanStandard.ID
	sub.ExternalSubscriptionRef = &ref
	sub.CreditsRemaining = 400
	sub.CreditsLimit = domain.PlanStandard.Credits.Maximum
	if _, err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	event := rawEvent(t, "customer.subscription.updated",
		providerSubscription(ref, domain.PlanEnterprise.StripePriceID))
	if err := proc.Process(ctx, event); err != nil {
		t.Fatalf("Process: %v", err)
	}

	after, err := store.GetByExternalRef(ctx, ref)
	if err != nil {
		t.Fatalf("GetByExternalRef: %v", err)
	}
	if after.PlanID != domain.PlanEnterprise.ID {
		t.Errorf("PlanID = %q, want %q", after.PlanID, domain.PlanEnterprise.ID)
	}
	// Enterprise rolls over: 400 kept plus the new monthly allowance.
	want := 400 + domain.PlanEnterprise.Credits.Monthly
	if after.CreditsRemaining != want {
		t.Errorf("CreditsRemaining = %d, want %d", after.CreditsRemaining, want)
	}
	if after.CreditsLimit != domain.PlanEnterprise.Credits.Maximum {
		t.Errorf("CreditsLimit = %d, want %d", after.CreditsLimit, domain.PlanEnterprise.Credits.Maximum)
	}
	if after.CreditsResetCount != 0 {
		t.Errorf("plan change incremented CreditsResetCount to %d, want 0", after.CreditsResetCount)
	}
}

func TestSubscriptionDeletedMarksCancelled(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	proc := newProcessor(store, &fakeProvider{}, &recordingMailer{})
	ctx := context.Background()

	ref := "sub_abc"
	sub := domain.NewDefaultSubscription(uuid.New(), "user@example.com", time.Now())
	sub.PlanID = domain.PlanStandard.ID
	sub.ExternalSubscriptionRef = &ref
	sub.CreditsRemaining = 900
	if _, err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	event := rawEvent(t, "customer.subscription.deleted", map[string]any{
		"id":          ref,
		"canceled_at": time.Now().Unix(),
	})
	if err := proc.Process(ctx, event); err != nil {
		t.Fatalf("Process: %v", err)
	}

	after, err := store.GetByExternalRef(ctx, ref)
	if err != nil {
		t.Fatalf("GetByExternalRef: %v", err)
	}
	if !after.Cancelled || after.CancelledAt == nil {
		t.Error("subscription not marked cancelled")
	}
	if after.CreditsRemaining != 900 {
		t.Errorf("cancellation changed credits to %d, want 900", after.CreditsRemaining)
	}

	// Redelivery is harmless.
	if err := proc.Process(ctx, event); err != nil {
		t.Fatalf("Process redelivery: %v", err)
	}
}

func TestSubscriptionDeletedUntrackedIsIgnored(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	proc := newProcessor(store, &fakeProvider{}, &recordingMailer{})

	event := rawEvent(t, "customer.subscription.deleted", map[string]any{"id": "sub_ghost"})
	if err := proc.Process(context.Background(), event); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestInvoicePaidRefreshesOnce(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	ref := "sub_abc"
	provider := &fakeProvider{subs: map[string]*stripe.Subscription{
		ref: providerSubscription(ref, domain.PlanStandard.StripePriceID),
	}}
	mail := &recordingMailer{}
	proc := newProcessor(store, provider, mail)
	ctx := context.Background()

	sub := domain.NewDefaultSubscription(uuid.New(), "user@example.com", time.Now())
	sub.PlanID = domain.PlanStandard.ID
	sub.ExternalSubscriptionRef = &ref
	sub.CreditsRemaining = 200
	sub.CreditsLimit = domain.PlanStandard.Credits.Maximum
	if _, err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	event := rawEvent(t, "invoice.paid", map[string]any{
		"id":             "in_123",
		"subscription":   map[string]any{"id": ref},
		"billing_reason": "subscription_cycle",
		"amount_paid":    1500,
		"currency":       "usd",
	})

	if err := proc.Process(ctx, event); err != nil {
		t.Fatalf("Process: %v", err)
	}

	after, _ := store.GetByExternalRef(ctx, ref)
	// Standard rolls over: 200 kept plus 1000 monthly.
	if after.CreditsRemaining != 1200 {
		t.Fatalf("CreditsRemaining = %d, want 1200", after.CreditsRemaining)
	}
	if after.CreditsResetCount != 1 {
		t.Errorf("CreditsResetCount = %d, want 1", after.CreditsResetCount)
	}
	if mail.receipts != 1 {
		t.Errorf("receipts = %d, want 1", mail.receipts)
	}

	// The provider redelivers; the idempotency key must stop a second grant.
	if err := proc.Process(ctx, event); err != nil {
		t.Fatalf("Process redelivery: %v", err)
	}
	after, _ = store.GetByExternalRef(ctx, ref)
	if after.CreditsRemaining != 1200 {
		t.Errorf("redelivered invoice changed credits to %d, want 1200", after.CreditsRemaining)
	}
	if after.CreditsResetCount != 1 {
		t.Errorf("redelivered invoice changed CreditsResetCount to %d, want 1", after.CreditsResetCount)
	}
	entries, _ := store.Entries(ctx, after.ID, 10)
	if len(entries) != 1 {
		t.Errorf("ledger has %d entries, want 1", len(entries))
	}
}

func TestInvoicePaidPeriodAdvanceFailureIsRetried(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	ref := "sub_abc"
	// The provider does not know the subscription yet, so the period
	// lookup after the refresh fails.
	provider := &fakeProvider{subs: map[string]*stripe.Subscription{}}
	proc := newProcessor(store, provider, &recordingMailer{})
	ctx := context.Background()

	sub := domain.NewDefaultSubscription(uuid.New(), "user@example.com", time.Now())
	sub.PlanID = domain.PlanStandard.ID
	sub.ExternalSubscriptionRef = &ref
	sub.CreditsRemaining = 200
	sub.CreditsLimit = domain.PlanStandard.Credits.Maximum
	created, err := store.Create(ctx, sub)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	originalEnd := created.EndDate

	event := rawEvent(t, "invoice.paid", map[string]any{
		"id":             "in_123",
		"subscription":   map[string]any{"id": ref},
		"billing_reason": "subscription_cycle",
		"amount_paid":    1500,
		"currency":       "usd",
	})

	if err := proc.Process(ctx, event); err == nil {
		t.Fatal("Process succeeded despite failed period lookup, want error so the provider retries")
	}
	done, _ := store.Processed(ctx, "invoice:in_123")
	if done {
		t.Fatal("invoice marked processed despite failed period lookup")
	}

	// The provider retries after the transient failure clears. The
	// repeated refresh is held in check by the rollover cap.
	providerSub := providerSubscription(ref, domain.PlanStandard.StripePriceID)
	provider.subs[ref] = providerSub
	if err := proc.Process(ctx, event); err != nil {
		t.Fatalf("Process retry: %v", err)
	}

	after, _ := store.GetByExternalRef(ctx, ref)
	wantEnd := time.Unix(providerSub.CurrentPeriodEnd, 0).UTC()
	if !after.EndDate.Equal(wantEnd) {
		t.Errorf("EndDate = %v, want %v (was %v)", after.EndDate, wantEnd, originalEnd)
	}
	if after.CreditsRemaining > after.CreditsLimit {
		t.Errorf("CreditsRemaining = %d exceeds limit %d", after.CreditsRemaining, after.CreditsLimit)
	}
	done, _ = store.Processed(ctx, "invoice:in_123")
	if !done {
		t.Error("invoice not marked processed after successful retry")
	}
}

func TestInvoicePaidInitialInvoiceSkipped(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	proc := newProcessor(store, &fakeProvider{}, &recordingMailer{})
	ctx := context.Background()

	ref := "sub_abc"
	sub := domain.NewDefaultSubscription(uuid.New(), "user@example.com", time.Now())
	sub.PlanID = domain.PlanStandard.ID
	sub.ExternalSubscriptionRef = &ref
	sub.CreditsRemaining = 1000
	sub.CreditsLimit = domain.PlanStandard.Credits.Maximum
	if _, err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	event := rawEvent(t, "invoice.paid", map[string]any{
		"id":             "in_first",
		"subscription":   map[string]any{"id": ref},
		"billing_reason": "subscription_create",
	})
	if err := proc.Process(ctx, event); err != nil {
		t.Fatalf("Process: %v", err)
	}

	after, _ := store.GetByExternalRef(ctx, ref)
	if after.CreditsRemaining != 1000 {
		t.Errorf("initial invoice changed credits to %d, want 1000", after.CreditsRemaining)
	}
}

func TestUnhandledEventIsAcknowledged(t *testing.T) {
	store := repository.NewInMemorySubscriptionStore()
	proc := newProcessor(store, &fakeProvider{}, &recordingMailer{})

	event := rawEvent(t, "charge.refunded", map[string]any{"id": "ch_1"})
	if err := proc.Process(context.Background(), event); err != nil {
		t.Fatalf("Process: %v", err)
	}
}
