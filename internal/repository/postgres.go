package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

const subscriptionColumns = `
	id, user_key, plan_id, external_subscription_ref,
	start_date, end_date, billing_interval,
	amount, currency, email,
	cancelled, cancelled_at,
	credits_remaining, credits_limit, credits_reset_count,
	created_at, updated_at
`

// PostgresSubscriptionStore persists subscriptions in PostgreSQL.
type PostgresSubscriptionStore struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

func NewPostgresSubscriptionStore(db *pgxpool.Pool, log *logger.Logger) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db, log: log}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserKey,
		&sub.PlanID,
		&sub.ExternalSubscriptionRef,
		&sub.StartDate,
		&sub.EndDate,
		&sub.BillingInterval,
		&sub.Amount,
		&sub.Currency,
		&sub.Email,
		&sub.Cancelled,
		&sub.CancelledAt,
		&sub.CreditsRemaining,
		&sub.CreditsLimit,
		&sub.CreditsResetCount,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *PostgresSubscriptionStore) getBy(ctx context.Context, where string, arg any) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscription WHERE ` + where

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *PostgresSubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return r.getBy(ctx, "id = $1", id)
}

func (r *PostgresSubscriptionStore) GetByUserKey(ctx context.Context, userKey uuid.UUID) (*domain.Subscription, error) {
	return r.getBy(ctx, "user_key = $1", userKey)
}

func (r *PostgresSubscriptionStore) GetByExternalRef(ctx context.Context, ref string) (*domain.Subscription, error) {
	return r.getBy(ctx, "external_subscription_ref = $1", ref)
}

// Create inserts a new subscription row. A concurrent insert for the same
// user key surfaces as ErrDuplicate so the caller can refetch.
func (r *PostgresSubscriptionStore) Create(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	query := `
		INSERT INTO subscription (
			id, user_key, plan_id, external_subscription_ref,
			start_date, end_date, billing_interval,
			amount, currency, email,
			cancelled, cancelled_at,
			credits_remaining, credits_limit, credits_reset_count,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		RETURNING created_at, updated_at
	`

	now := time.Now()
	created := *sub
	err := r.db.QueryRow(
		ctx,
		query,
		created.ID,
		created.UserKey,
		created.PlanID,
		created.ExternalSubscriptionRef,
		created.StartDate,
		created.EndDate,
		created.BillingInterval,
		created.Amount,
		created.Currency,
		created.Email,
		created.Cancelled,
		created.CancelledAt,
		created.CreditsRemaining,
		created.CreditsLimit,
		created.CreditsResetCount,
		now,
		now,
	).Scan(&created.CreatedAt, &created.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return nil, domain.ErrDuplicate
			case "23503":
				return nil, domain.ErrNotFound
			}
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	return &created, nil
}

// ApplyCheckout upserts the subscription for a user key with the paid plan
// details. Replaying the same checkout converges on the same row.
func (r *PostgresSubscriptionStore) ApplyCheckout(ctx context.Context, userKey uuid.UUID, upd CheckoutUpdate) (*domain.Subscription, error) {
	query := `
		INSERT INTO subscription (
			id, user_key, plan_id, external_subscription_ref,
			start_date, end_date, billing_interval,
			amount, currency, email,
			cancelled, cancelled_at,
			credits_remaining, credits_limit, credits_reset_count,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, NULL, 0, $11, 0, $12, $12
		)
		ON CONFLICT (user_key) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			external_subscription_ref = EXCLUDED.external_subscription_ref,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			billing_interval = EXCLUDED.billing_interval,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			email = EXCLUDED.email,
			cancelled = false,
			cancelled_at = NULL,
			credits_limit = EXCLUDED.credits_limit,
			credits_reset_count = 0,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(
		ctx,
		query,
		uuid.New(),
		userKey,
		upd.PlanID,
		upd.ExternalRef,
		upd.StartDate,
		upd.EndDate,
		upd.BillingInterval,
		upd.Amount,
		upd.Currency,
		upd.Email,
		upd.CreditsLimit,
		time.Now(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to apply checkout: %w", err)
	}

	return sub, nil
}

func (r *PostgresSubscriptionStore) ChangePlan(ctx context.Context, id uuid.UUID, planID string, creditsLimit int) error {
	query := `
		UPDATE subscription
		SET plan_id = $1, credits_limit = $2, updated_at = $3
		WHERE id = $4
	`

	result, err := r.db.Exec(ctx, query, planID, creditsLimit, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to change plan: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}

	return nil
}

func (r *PostgresSubscriptionStore) MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE subscription
		SET cancelled = true, cancelled_at = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.Exec(ctx, query, at, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark subscription cancelled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}

	return nil
}

func (r *PostgresSubscriptionStore) AdvancePeriod(ctx context.Context, id uuid.UUID, newEnd time.Time) error {
	query := `
		UPDATE subscription
		SET end_date = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.Exec(ctx, query, newEnd, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to advance billing period: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}

	return nil
}

// UpdateCredits runs the mutation against the row locked FOR UPDATE, writes
// the new balance and a ledger entry in one transaction. A mutation error
// rolls everything back, so concurrent USE operations never oversell.
func (r *PostgresSubscriptionStore) UpdateCredits(ctx context.Context, id uuid.UUID, mutate CreditMutation, entry *domain.CreditLedgerEntry, renewal bool) (*domain.Subscription, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lockQuery := `SELECT ` + subscriptionColumns + ` FROM subscription WHERE id = $1 FOR UPDATE`
	sub, err := scanSubscription(tx.QueryRow(ctx, lockQuery, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	newRemaining, err := mutate(sub)
	if err != nil {
		return nil, err
	}

	var resetIncrement int
	if renewal {
		resetIncrement = 1
	}

	now := time.Now()
	updateQuery := `
		UPDATE subscription
		SET credits_remaining = $1,
			credits_reset_count = credits_reset_count + $2,
			updated_at = $3
		WHERE id = $4
	`
	if _, err := tx.Exec(ctx, updateQuery, newRemaining, resetIncrement, now, id); err != nil {
		return nil, fmt.Errorf("failed to update credits: %w", err)
	}

	ledgerQuery := `
		INSERT INTO credit_ledger (subscription_id, amount, operation, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, ledgerQuery, id, entry.Amount, entry.Operation, entry.Description, now); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit credit update: %w", err)
	}

	sub.CreditsRemaining = newRemaining
	sub.CreditsResetCount += resetIncrement
	sub.UpdatedAt = now
	return sub, nil
}

// PostgresLedgerStore reads the credit ledger.
type PostgresLedgerStore struct {
	db *pgxpool.Pool
}

func NewPostgresLedgerStore(db *pgxpool.Pool) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

func (r *PostgresLedgerStore) Entries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]domain.CreditLedgerEntry, error) {
	query := `
		SELECT id, subscription_id, amount, operation, description, created_at
		FROM credit_ledger
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit ledger: %w", err)
	}
	defer rows.Close()

	var entries []domain.CreditLedgerEntry
	for rows.Next() {
		var entry domain.CreditLedgerEntry
		err := rows.Scan(
			&entry.ID,
			&entry.SubscriptionID,
			&entry.Amount,
			&entry.Operation,
			&entry.Description,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// PostgresAuditStore appends lifecycle audit records.
type PostgresAuditStore struct {
	db *pgxpool.Pool
}

func NewPostgresAuditStore(db *pgxpool.Pool) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (r *PostgresAuditStore) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := `
		INSERT INTO subscription_audit_log (subscription_id, action, details, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.Exec(ctx, query, entry.SubscriptionID, entry.Action, details, time.Now()); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// PostgresWebhookEventStore deduplicates provider events.
type PostgresWebhookEventStore struct {
	db *pgxpool.Pool
}

func NewPostgresWebhookEventStore(db *pgxpool.Pool) *PostgresWebhookEventStore {
	return &PostgresWebhookEventStore{db: db}
}

func (r *PostgresWebhookEventStore) Processed(ctx context.Context, key string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_key = $1)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

func (r *PostgresWebhookEventStore) MarkProcessed(ctx context.Context, key string) error {
	query := `
		INSERT INTO webhook_events (event_key, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (event_key) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, key, time.Now()); err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}
