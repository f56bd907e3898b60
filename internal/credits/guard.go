package credits

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/internal/metrics"
	"github.com/helioslabs/subscription-service/internal/repository"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

// CheckResult is the verdict of a credit access check.
type CheckResult struct {
	HasCredits       bool      `json:"hasCredits"`
	SubscriptionID   uuid.UUID `json:"subscriptionId,omitempty"`
	CreditsRemaining int       `json:"creditsRemaining"`
	RequiresUpgrade  bool      `json:"requiresUpgrade,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Guard answers "may this user spend N credits right now". It only
// reads; the actual debit goes through the Engine and can still fail if
// a concurrent operation drains the balance first.
type Guard struct {
	subs    repository.SubscriptionStore
	metrics metrics.CreditMetrics
	log     *logger.Logger
}

func NewGuard(subs repository.SubscriptionStore, m metrics.CreditMetrics, log *logger.Logger) *Guard {
	return &Guard{subs: subs, metrics: m, log: log}
}

// CheckCredits reports whether the user's subscription covers the
// required amount for the named operation. Lookup failures deny access
// rather than letting an unknown balance through.
func (g *Guard) CheckCredits(ctx context.Context, userKey uuid.UUID, operation string, required int) CheckResult {
	sub, err := g.subs.GetByUserKey(ctx, userKey)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			g.metrics.IncAccessCheck(operation, false)
			return CheckResult{
				HasCredits:      false,
				RequiresUpgrade: true,
				Error:           "no subscription found",
			}
		}
		g.log.Errorw("Credit check failed to load subscription", "error", err, "userKey", userKey, "operation", operation)
		g.metrics.IncAccessCheck(operation, false)
		return CheckResult{HasCredits: false, Error: "subscription lookup failed"}
	}

	plan := domain.PlanByID(sub.PlanID)
	if plan == nil {
		g.log.Errorw("Credit check found unknown plan", "planId", sub.PlanID, "subscriptionId", sub.ID)
		g.metrics.IncAccessCheck(operation, false)
		return CheckResult{HasCredits: false, SubscriptionID: sub.ID, Error: "unknown plan"}
	}

	// A tier with no monthly allowance can never cover a paid operation.
	if plan.Credits.Monthly == 0 {
		g.metrics.IncAccessCheck(operation, false)
		return CheckResult{
			HasCredits:       false,
			SubscriptionID:   sub.ID,
			CreditsRemaining: sub.CreditsRemaining,
			RequiresUpgrade:  true,
		}
	}

	has := sub.CreditsRemaining >= required
	g.metrics.IncAccessCheck(operation, has)

	return CheckResult{
		HasCredits:       has,
		SubscriptionID:   sub.ID,
		CreditsRemaining: sub.CreditsRemaining,
	}
}
