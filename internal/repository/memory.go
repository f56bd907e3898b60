package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioslabs/subscription-service/internal/domain"
)

// InMemorySubscriptionStore keeps subscriptions in a map guarded by a
// mutex. It mirrors the transactional guarantees of the Postgres store,
// so tests exercise the same semantics without a database.
type InMemorySubscriptionStore struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*domain.Subscription
	byUser  map[uuid.UUID]uuid.UUID
	byRef   map[string]uuid.UUID
	entries []domain.CreditLedgerEntry
	audit   []domain.AuditLogEntry
	events  map[string]time.Time
	nextSeq int64
}

func NewInMemorySubscriptionStore() *InMemorySubscriptionStore {
	return &InMemorySubscriptionStore{
		byID:   make(map[uuid.UUID]*domain.Subscription),
		byUser: make(map[uuid.UUID]uuid.UUID),
		byRef:  make(map[string]uuid.UUID),
		events: make(map[string]time.Time),
	}
}

func (s *InMemorySubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.byID[id]
	if !exists {
		return nil, domain.ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (s *InMemorySubscriptionStore) GetByUserKey(ctx context.Context, userKey uuid.UUID) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.byUser[userKey]
	if !exists {
		return nil, domain.ErrSubscriptionNotFound
	}
	copied := *s.byID[id]
	return &copied, nil
}

func (s *InMemorySubscriptionStore) GetByExternalRef(ctx context.Context, ref string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.byRef[ref]
	if !exists {
		return nil, domain.ErrSubscriptionNotFound
	}
	copied := *s.byID[id]
	return &copied, nil
}

func (s *InMemorySubscriptionStore) Create(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUser[sub.UserKey]; exists {
		return nil, domain.ErrDuplicate
	}

	now := time.Now()
	created := *sub
	created.CreatedAt = now
	created.UpdatedAt = now

	s.store(&created)

	result := created
	return &result, nil
}

func (s *InMemorySubscriptionStore) ApplyCheckout(ctx context.Context, userKey uuid.UUID, upd CheckoutUpdate) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sub := &domain.Subscription{}
	if id, exists := s.byUser[userKey]; exists {
		existing := *s.byID[id]
		sub = &existing
	} else {
		sub.ID = uuid.New()
		sub.UserKey = userKey
		sub.CreatedAt = now
	}

	ref := upd.ExternalRef
	sub.PlanID = upd.PlanID
	sub.ExternalSubscriptionRef = &ref
	sub.StartDate = upd.StartDate
	sub.EndDate = upd.EndDate
	sub.BillingInterval = upd.BillingInterval
	sub.Amount = upd.Amount
	sub.Currency = upd.Currency
	sub.Email = upd.Email
	sub.Cancelled = false
	sub.CancelledAt = nil
	sub.CreditsLimit = upd.CreditsLimit
	sub.CreditsResetCount = 0
	sub.UpdatedAt = now

	s.store(sub)

	result := *sub
	return &result, nil
}

func (s *InMemorySubscriptionStore) ChangePlan(ctx context.Context, id uuid.UUID, planID string, creditsLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.byID[id]
	if !exists {
		return domain.ErrSubscriptionNotFound
	}

	sub.PlanID = planID
	sub.CreditsLimit = creditsLimit
	sub.UpdatedAt = time.Now()
	return nil
}

func (s *InMemorySubscriptionStore) MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.byID[id]
	if !exists {
		return domain.ErrSubscriptionNotFound
	}

	sub.Cancelled = true
	cancelledAt := at
	sub.CancelledAt = &cancelledAt
	sub.UpdatedAt = time.Now()
	return nil
}

func (s *InMemorySubscriptionStore) AdvancePeriod(ctx context.Context, id uuid.UUID, newEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.byID[id]
	if !exists {
		return domain.ErrSubscriptionNotFound
	}

	sub.EndDate = newEnd
	sub.UpdatedAt = time.Now()
	return nil
}

func (s *InMemorySubscriptionStore) UpdateCredits(ctx context.Context, id uuid.UUID, mutate CreditMutation, entry *domain.CreditLedgerEntry, renewal bool) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.byID[id]
	if !exists {
		return nil, domain.ErrSubscriptionNotFound
	}

	// Mutate a copy so a failed mutation leaves the record untouched.
	candidate := *sub
	newRemaining, err := mutate(&candidate)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sub.CreditsRemaining = newRemaining
	if renewal {
		sub.CreditsResetCount++
	}
	sub.UpdatedAt = now

	s.nextSeq++
	ledger := *entry
	ledger.ID = s.nextSeq
	ledger.SubscriptionID = id
	ledger.CreatedAt = now
	s.entries = append(s.entries, ledger)

	result := *sub
	return &result, nil
}

func (s *InMemorySubscriptionStore) store(sub *domain.Subscription) {
	s.byID[sub.ID] = sub
	s.byUser[sub.UserKey] = sub.ID
	if sub.ExternalSubscriptionRef != nil && *sub.ExternalSubscriptionRef != "" {
		s.byRef[*sub.ExternalSubscriptionRef] = sub.ID
	}
}

// Entries returns the newest ledger entries for a subscription.
func (s *InMemorySubscriptionStore) Entries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]domain.CreditLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []domain.CreditLedgerEntry
	for _, entry := range s.entries {
		if entry.SubscriptionID == subscriptionID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *InMemorySubscriptionStore) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.CreatedAt = time.Now()
	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries exposes recorded audit entries for assertions in tests.
func (s *InMemorySubscriptionStore) AuditEntries() []domain.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AuditLogEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *InMemorySubscriptionStore) Processed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.events[key]
	return exists, nil
}

func (s *InMemorySubscriptionStore) MarkProcessed(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[key] = time.Now()
	return nil
}
