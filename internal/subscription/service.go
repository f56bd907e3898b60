// Package subscription implements the user-facing subscription
// operations: resolving the current subscription, cancelling it and
// starting a paid checkout.
package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/internal/kafka"
	"github.com/helioslabs/subscription-service/internal/mailer"
	"github.com/helioslabs/subscription-service/internal/repository"
	"github.com/helioslabs/subscription-service/internal/stripe"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

// CheckoutClient is the payment provider surface the service needs to
// start a hosted checkout.
type CheckoutClient interface {
	GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (string, error)
}

// Service coordinates subscription reads and lifecycle changes.
type Service struct {
	subs     repository.SubscriptionStore
	audit    repository.AuditStore
	checkout CheckoutClient
	producer kafka.Producer
	mailer   mailer.Mailer
	log      *logger.Logger
}

func NewService(
	subs repository.SubscriptionStore,
	audit repository.AuditStore,
	checkout CheckoutClient,
	producer kafka.Producer,
	m mailer.Mailer,
	log *logger.Logger,
) *Service {
	return &Service{
		subs:     subs,
		audit:    audit,
		checkout: checkout,
		producer: producer,
		mailer:   m,
		log:      log,
	}
}

// Current returns the user's subscription, creating the free-tier row on
// first contact. Two concurrent first contacts race on the insert; the
// loser refetches the winner's row.
func (s *Service) Current(ctx context.Context, userKey uuid.UUID, email string) (*domain.Subscription, error) {
	sub, err := s.subs.GetByUserKey(ctx, userKey)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return nil, err
	}

	created, err := s.subs.Create(ctx, domain.NewDefaultSubscription(userKey, email, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return s.subs.GetByUserKey(ctx, userKey)
		}
		return nil, err
	}

	s.log.Infow("Created default free subscription", "subscriptionId", created.ID, "userKey", userKey)
	return created, nil
}

// Cancel marks the subscription cancelled locally. The provider keeps
// billing state authoritative; access and remaining credits survive until
// the paid period ends, which is why nothing here touches credits.
func (s *Service) Cancel(ctx context.Context, userKey uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.subs.GetByUserKey(ctx, userKey)
	if err != nil {
		return nil, err
	}
	if sub.IsFree() {
		return nil, domain.ErrCannotCancelFree
	}

	now := time.Now().UTC()
	if err := s.subs.MarkCancelled(ctx, sub.ID, now); err != nil {
		return nil, err
	}
	sub.Cancelled = true
	sub.CancelledAt = &now

	auditEntry := domain.AuditLogEntry{
		SubscriptionID: sub.ID,
		Action:         domain.AuditSubscriptionCancelled,
		Details: map[string]any{
			"cancelled_at": now,
			"access_until": sub.EndDate,
		},
	}
	if err := s.audit.Append(ctx, auditEntry); err != nil {
		s.log.Warnw("Failed to append audit entry", "error", err, "subscriptionId", sub.ID)
	}

	if err := s.producer.PublishSubscriptionEvent(ctx, kafka.TopicSubscriptionCancelled, sub); err != nil {
		s.log.Warnw("Failed to publish subscription cancelled event", "error", err, "subscriptionId", sub.ID)
	}
	if sub.Email != "" {
		if err := s.mailer.SendCancellation(ctx, sub.Email, sub.EndDate); err != nil {
			s.log.Warnw("Failed to send cancellation email", "error", err, "subscriptionId", sub.ID)
		}
	}

	s.log.Infow("Subscription cancelled", "subscriptionId", sub.ID, "accessUntil", sub.EndDate)
	return sub, nil
}

// CreateCheckout opens a hosted payment page for a paid plan and returns
// its URL. The user key rides along as the client reference so the
// completed event can find its way back.
func (s *Service) CreateCheckout(ctx context.Context, userKey uuid.UUID, userID, email, planID, successURL, cancelURL string) (string, error) {
	plan := domain.PlanByID(planID)
	if plan == nil || plan.StripePriceID == "" {
		return "", domain.ErrInvalidPlan
	}

	customerID, err := s.checkout.GetOrCreateCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}

	url, err := s.checkout.CreateCheckoutSession(ctx, stripe.CheckoutParams{
		CustomerID:        customerID,
		PriceID:           plan.StripePriceID,
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
		ClientReferenceID: userKey.String(),
	})
	if err != nil {
		return "", err
	}

	s.log.Infow("Checkout session created", "userKey", userKey, "planId", plan.ID)
	return url, nil
}
