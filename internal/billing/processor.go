// Package billing turns verified payment provider events into local
// subscription and credit state. Every handler is safe to replay: a
// redelivered event converges on the same state instead of granting
// credits twice.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"

	"github.com/helioslabs/subscription-service/internal/credits"
	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/internal/kafka"
	"github.com/helioslabs/subscription-service/internal/mailer"
	"github.com/helioslabs/subscription-service/internal/metrics"
	"github.com/helioslabs/subscription-service/internal/repository"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

// ProviderClient is the slice of the payment provider API the processor
// needs to enrich events.
type ProviderClient interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)
}

// Processor dispatches verified provider events to their handlers.
type Processor struct {
	subs     repository.SubscriptionStore
	events   repository.WebhookEventStore
	audit    repository.AuditStore
	engine   *credits.Engine
	provider ProviderClient
	producer kafka.Producer
	mailer   mailer.Mailer
	metrics  metrics.CreditMetrics
	log      *logger.Logger
}

func NewProcessor(
	subs repository.SubscriptionStore,
	events repository.WebhookEventStore,
	audit repository.AuditStore,
	engine *credits.Engine,
	provider ProviderClient,
	producer kafka.Producer,
	m mailer.Mailer,
	cm metrics.CreditMetrics,
	log *logger.Logger,
) *Processor {
	return &Processor{
		subs:     subs,
		events:   events,
		audit:    audit,
		engine:   engine,
		provider: provider,
		producer: producer,
		mailer:   m,
		metrics:  cm,
		log:      log,
	}
}

// Process routes one event. Unhandled event types are acknowledged
// without action so the provider stops redelivering them.
func (p *Processor) Process(ctx context.Context, event stripe.Event) error {
	var err error
	switch event.Type {
	case "checkout.session.completed":
		err = p.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		err = p.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = p.handleSubscriptionDeleted(ctx, event)
	case "invoice.paid":
		err = p.handleInvoicePaid(ctx, event)
	default:
		p.log.Debugw("Ignoring unhandled webhook event", "type", event.Type, "eventId", event.ID)
		p.metrics.IncWebhookEvent(string(event.Type), "ignored")
		return nil
	}

	if err != nil {
		p.metrics.IncWebhookEvent(string(event.Type), "failed")
		return err
	}
	p.metrics.IncWebhookEvent(string(event.Type), "processed")
	return nil
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("billing: failed to parse checkout session: %w", err)
	}

	if session.Subscription == nil || session.Subscription.ID == "" {
		p.log.Warnw("Checkout session without subscription, skipping", "sessionId", session.ID)
		return nil
	}

	// The session carries only the subscription id; fetch the full
	// object for price and period details.
	providerSub, err := p.provider.GetSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return err
	}

	plan, priceID := planFromProviderSub(providerSub)
	if plan == nil {
		p.log.Warnw("Checkout for unknown price, skipping", "priceId", priceID, "sessionId", session.ID)
		return nil
	}

	userKey, err := uuid.Parse(session.ClientReferenceID)
	if err != nil {
		return fmt.Errorf("billing: checkout session %s has malformed client reference %q: %w",
			session.ID, session.ClientReferenceID, err)
	}

	email := checkoutEmail(session)
	if email == "" && session.Customer != nil {
		customer, err := p.provider.GetCustomer(ctx, session.Customer.ID)
		if err != nil {
			p.log.Warnw("Failed to resolve customer email", "error", err, "customerId", session.Customer.ID)
		} else {
			email = customer.Email
		}
	}

	upd := repository.CheckoutUpdate{
		ExternalRef:     providerSub.ID,
		PlanID:          plan.ID,
		BillingInterval: intervalFromProviderSub(providerSub),
		Amount:          amountFromProviderSub(providerSub),
		Currency:        currencyFromProviderSub(providerSub),
		Email:           email,
		StartDate:       time.Unix(providerSub.CurrentPeriodStart, 0).UTC(),
		EndDate:         time.Unix(providerSub.CurrentPeriodEnd, 0).UTC(),
		CreditsLimit:    plan.Credits.Maximum,
	}

	sub, err := p.subs.ApplyCheckout(ctx, userKey, upd)
	if err != nil {
		return err
	}

	if _, err := p.engine.Apply(ctx, domain.CreditOperation{
		SubscriptionID: sub.ID,
		Operation:      domain.CreditOpReset,
		Description:    "initial credit allocation",
	}); err != nil {
		return err
	}

	p.appendAudit(ctx, sub.ID, domain.AuditInitialCreditAllocation, map[string]any{
		"plan_id":   plan.ID,
		"credits":   plan.Credits.Monthly,
		"price_id":  priceID,
		"reference": providerSub.ID,
	})

	if err := p.producer.PublishSubscriptionEvent(ctx, kafka.TopicSubscriptionCreated, sub); err != nil {
		p.log.Warnw("Failed to publish subscription created event", "error", err, "subscriptionId", sub.ID)
	}
	if email != "" {
		if err := p.mailer.SendSubscriptionWelcome(ctx, email, plan.Name); err != nil {
			p.log.Warnw("Failed to send welcome email", "error", err, "subscriptionId", sub.ID)
		}
	}

	p.log.Infow("Checkout completed",
		"subscriptionId", sub.ID, "userKey", userKey, "planId", plan.ID)
	return nil
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var providerSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &providerSub); err != nil {
		return fmt.Errorf("billing: failed to parse subscription: %w", err)
	}

	record, err := p.subs.GetByExternalRef(ctx, providerSub.ID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			p.log.Debugw("Update for untracked subscription, skipping", "reference", providerSub.ID)
			return nil
		}
		return err
	}

	plan, priceID := planFromProviderSub(&providerSub)
	if plan == nil {
		p.log.Warnw("Update to unknown price, skipping", "priceId", priceID, "reference", providerSub.ID)
		return nil
	}

	// Same plan means a provider-side change with no billing impact
	// here, such as metadata or payment method updates. Touching
	// credits would make redelivered events non-idempotent.
	if plan.ID == record.PlanID {
		return nil
	}

	oldPlanID := record.PlanID
	if err := p.subs.ChangePlan(ctx, record.ID, plan.ID, plan.Credits.Maximum); err != nil {
		return err
	}

	if err := p.refreshCredits(ctx, record.ID, plan, "plan change credit adjustment", false); err != nil {
		return err
	}

	p.appendAudit(ctx, record.ID, domain.AuditPlanChange, map[string]any{
		"old_plan_id": oldPlanID,
		"new_plan_id": plan.ID,
	})

	p.log.Infow("Subscription plan changed",
		"subscriptionId", record.ID, "oldPlanId", oldPlanID, "newPlanId", plan.ID)
	return nil
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var providerSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &providerSub); err != nil {
		return fmt.Errorf("billing: failed to parse subscription: %w", err)
	}

	record, err := p.subs.GetByExternalRef(ctx, providerSub.ID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			p.log.Debugw("Deletion of untracked subscription, skipping", "reference", providerSub.ID)
			return nil
		}
		return err
	}

	cancelledAt := time.Now().UTC()
	if providerSub.CanceledAt > 0 {
		cancelledAt = time.Unix(providerSub.CanceledAt, 0).UTC()
	}
	if err := p.subs.MarkCancelled(ctx, record.ID, cancelledAt); err != nil {
		return err
	}

	p.appendAudit(ctx, record.ID, domain.AuditSubscriptionCancelled, map[string]any{
		"reference":    providerSub.ID,
		"cancelled_at": cancelledAt,
	})

	record.Cancelled = true
	record.CancelledAt = &cancelledAt
	if err := p.producer.PublishSubscriptionEvent(ctx, kafka.TopicSubscriptionCancelled, record); err != nil {
		p.log.Warnw("Failed to publish subscription cancelled event", "error", err, "subscriptionId", record.ID)
	}

	p.log.Infow("Subscription cancelled by provider", "subscriptionId", record.ID, "reference", providerSub.ID)
	return nil
}

func (p *Processor) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("billing: failed to parse invoice: %w", err)
	}

	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		p.log.Debugw("Invoice without subscription, skipping", "invoiceId", invoice.ID)
		return nil
	}
	// The first invoice is covered by the checkout handler's initial
	// allocation.
	if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		return nil
	}

	key := "invoice:" + invoice.ID
	done, err := p.events.Processed(ctx, key)
	if err != nil {
		return err
	}
	if done {
		p.log.Debugw("Invoice already processed, skipping", "invoiceId", invoice.ID)
		return nil
	}

	record, err := p.subs.GetByExternalRef(ctx, invoice.Subscription.ID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			p.log.Debugw("Invoice for untracked subscription, skipping", "reference", invoice.Subscription.ID)
			return nil
		}
		return err
	}

	plan := domain.PlanByID(record.PlanID)
	if plan == nil {
		return fmt.Errorf("%w: %q", domain.ErrInvalidPlan, record.PlanID)
	}

	if err := p.refreshCredits(ctx, record.ID, plan, "monthly credit refresh", true); err != nil {
		return err
	}

	// Advance the local period to the provider's current one. A failure
	// here must surface before the event is marked processed, otherwise
	// the stale end_date could never be repaired by a retry. Re-running
	// the refresh on retry is safe: rollover grants are capped and
	// non-rollover grants are hard resets.
	providerSub, err := p.provider.GetSubscription(ctx, invoice.Subscription.ID)
	if err != nil {
		return fmt.Errorf("billing: failed to fetch subscription for period advance: %w", err)
	}
	if err := p.subs.AdvancePeriod(ctx, record.ID, time.Unix(providerSub.CurrentPeriodEnd, 0).UTC()); err != nil {
		return err
	}

	if err := p.events.MarkProcessed(ctx, key); err != nil {
		return err
	}

	p.appendAudit(ctx, record.ID, domain.AuditMonthlyCreditRefresh, map[string]any{
		"invoice_id": invoice.ID,
		"plan_id":    plan.ID,
	})

	if record.Email != "" {
		amount := float64(invoice.AmountPaid) / 100
		currency := strings.ToUpper(string(invoice.Currency))
		if err := p.mailer.SendPaymentReceipt(ctx, record.Email, plan.Name, amount, currency); err != nil {
			p.log.Warnw("Failed to send payment receipt", "error", err, "subscriptionId", record.ID)
		}
	}

	p.log.Infow("Invoice processed", "subscriptionId", record.ID, "invoiceId", invoice.ID)
	return nil
}

// refreshCredits applies the plan's renewal policy. Rollover plans keep
// unused credits up to the limit; others start the period from the
// monthly allowance. Only billing-cycle renewals count toward
// credits_reset_count; plan changes pass renewal=false.
func (p *Processor) refreshCredits(ctx context.Context, subscriptionID uuid.UUID, plan *domain.Plan, description string, renewal bool) error {
	op := domain.CreditOperation{
		SubscriptionID: subscriptionID,
		Operation:      domain.CreditOpReset,
		Description:    description,
		Renewal:        renewal,
	}
	if plan.Credits.Rollover {
		op.Operation = domain.CreditOpBonus
		op.Amount = plan.Credits.Monthly
	}

	_, err := p.engine.Apply(ctx, op)
	return err
}

func (p *Processor) appendAudit(ctx context.Context, subscriptionID uuid.UUID, action string, details map[string]any) {
	entry := domain.AuditLogEntry{
		SubscriptionID: subscriptionID,
		Action:         action,
		Details:        details,
	}
	if err := p.audit.Append(ctx, entry); err != nil {
		p.log.Warnw("Failed to append audit entry", "error", err, "subscriptionId", subscriptionID, "action", action)
	}
}

func planFromProviderSub(sub *stripe.Subscription) (*domain.Plan, string) {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return nil, ""
	}
	priceID := sub.Items.Data[0].Price.ID
	return domain.PlanByPriceID(priceID), priceID
}

func intervalFromProviderSub(sub *stripe.Subscription) domain.BillingInterval {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil &&
		sub.Items.Data[0].Price.Recurring != nil &&
		sub.Items.Data[0].Price.Recurring.Interval == stripe.PriceRecurringIntervalYear {
		return domain.BillingIntervalYearly
	}
	return domain.BillingIntervalMonthly
}

func amountFromProviderSub(sub *stripe.Subscription) float64 {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return 0
	}
	return float64(sub.Items.Data[0].Price.UnitAmount) / 100
}

func currencyFromProviderSub(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return strings.ToUpper(string(sub.Items.Data[0].Price.Currency))
}

func checkoutEmail(session stripe.CheckoutSession) string {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return session.CustomerDetails.Email
	}
	if session.CustomerEmail != "" {
		return session.CustomerEmail
	}
	return ""
}
