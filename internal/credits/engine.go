// Package credits owns every mutation of a subscription's credit balance.
// Nothing else in the service writes credit fields or the ledger.
package credits

import (
	"context"
	"fmt"

	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/internal/kafka"
	"github.com/helioslabs/subscription-service/internal/metrics"
	"github.com/helioslabs/subscription-service/internal/repository"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

// Engine applies credit operations atomically. Each committed operation
// writes the new balance and exactly one ledger entry in the same
// transaction, so the ledger always explains the balance.
type Engine struct {
	subs     repository.SubscriptionStore
	audit    repository.AuditStore
	producer kafka.Producer
	metrics  metrics.CreditMetrics
	log      *logger.Logger
}

func NewEngine(subs repository.SubscriptionStore, audit repository.AuditStore, producer kafka.Producer, m metrics.CreditMetrics, log *logger.Logger) *Engine {
	return &Engine{subs: subs, audit: audit, producer: producer, metrics: m, log: log}
}

// Apply runs one credit operation and returns the resulting balance.
//
// USE subtracts and fails with ErrInsufficientCredits when the balance
// cannot cover the amount. RESET hard-sets the balance to the plan's
// monthly allowance regardless of the current value. BONUS adds, capped
// at the subscription's credit limit. Operations flagged as renewals
// also increment credits_reset_count in the same transaction.
func (e *Engine) Apply(ctx context.Context, op domain.CreditOperation) (*domain.CreditBalance, error) {
	if !op.Operation.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidOperation, op.Operation)
	}
	if op.Operation != domain.CreditOpReset && op.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}

	entry := domain.CreditLedgerEntry{
		SubscriptionID: op.SubscriptionID,
		Amount:         op.Amount,
		Operation:      op.Operation,
		Description:    op.Description,
	}

	sub, err := e.subs.UpdateCredits(ctx, op.SubscriptionID, func(sub *domain.Subscription) (int, error) {
		plan := domain.PlanByID(sub.PlanID)
		if plan == nil {
			return 0, fmt.Errorf("%w: %q", domain.ErrInvalidPlan, sub.PlanID)
		}

		switch op.Operation {
		case domain.CreditOpUse:
			if sub.CreditsRemaining < op.Amount {
				return 0, domain.ErrInsufficientCredits
			}
			return sub.CreditsRemaining - op.Amount, nil

		case domain.CreditOpReset:
			// RESET records the allowance it sets, not a delta.
			entry.Amount = plan.Credits.Monthly
			return plan.Credits.Monthly, nil

		case domain.CreditOpBonus:
			next := sub.CreditsRemaining + op.Amount
			if next > sub.CreditsLimit {
				next = sub.CreditsLimit
			}
			return next, nil

		default:
			return 0, fmt.Errorf("%w: %q", domain.ErrInvalidOperation, op.Operation)
		}
	}, &entry, op.Renewal)
	if err != nil {
		e.metrics.IncCreditOperation(string(op.Operation), "failed")
		return nil, err
	}

	e.metrics.IncCreditOperation(string(op.Operation), "applied")
	e.metrics.ObserveCreditAmount(string(op.Operation), entry.Amount)

	e.recordSideEffects(ctx, sub, entry)

	return &domain.CreditBalance{
		CreditsRemaining: sub.CreditsRemaining,
		CreditsLimit:     sub.CreditsLimit,
		PlanID:           sub.PlanID,
	}, nil
}

// recordSideEffects writes the audit entry and publishes the credit
// event. Both are best effort: the balance is already committed.
func (e *Engine) recordSideEffects(ctx context.Context, sub *domain.Subscription, entry domain.CreditLedgerEntry) {
	auditEntry := domain.AuditLogEntry{
		SubscriptionID: sub.ID,
		Action:         domain.AuditCreditOperation,
		Details: map[string]any{
			"operation":         string(entry.Operation),
			"amount":            entry.Amount,
			"description":       entry.Description,
			"credits_remaining": sub.CreditsRemaining,
		},
	}
	if err := e.audit.Append(ctx, auditEntry); err != nil {
		e.log.Warnw("Failed to append audit entry", "error", err, "subscriptionId", sub.ID)
	}

	entry.SubscriptionID = sub.ID
	if err := e.producer.PublishCreditEvent(ctx, entry); err != nil {
		e.log.Warnw("Failed to publish credit event", "error", err, "subscriptionId", sub.ID)
	}
}
