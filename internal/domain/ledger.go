package domain

import (
	"time"

	"github.com/google/uuid"
)

// CreditLedgerEntry is one row of the append-only credit audit trail.
// Entries are never updated or deleted; exactly one is written per
// committed reconciliation operation.
type CreditLedgerEntry struct {
	ID             int64               `json:"id"`
	SubscriptionID uuid.UUID           `json:"subscription_id"`
	Amount         int                 `json:"amount"`
	Operation      CreditOperationType `json:"operation"`
	Description    string              `json:"description"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Audit actions recorded in the subscription audit log.
const (
	AuditInitialCreditAllocation = "initial_credit_allocation"
	AuditPlanChange              = "plan_change"
	AuditMonthlyCreditRefresh    = "monthly_credit_refresh"
	AuditSubscriptionCancelled   = "subscription_cancelled"
	AuditCreditOperation         = "credit_operation"
)

// AuditLogEntry is one row of the broader subscription audit log. Writes
// are best-effort: a failure must never roll back the primary operation.
type AuditLogEntry struct {
	ID             int64          `json:"id"`
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	Action         string         `json:"action"`
	Details        map[string]any `json:"details"`
	CreatedAt      time.Time      `json:"created_at"`
}
