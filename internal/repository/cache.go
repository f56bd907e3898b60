package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

const (
	subscriptionKeyPrefix = "subscription:"
	userKeyPrefix         = "subscription:user:"

	defaultCacheTTL = 15 * time.Minute
)

// SubscriptionCache is the small Redis surface the cached store needs.
type SubscriptionCache struct {
	client *redis.Client
	log    *logger.Logger
}

// NewSubscriptionCache connects to Redis and verifies the connection.
func NewSubscriptionCache(addr, password string, db int, log *logger.Logger) (*SubscriptionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis", "addr", addr)
	return &SubscriptionCache{client: client, log: log}, nil
}

func (c *SubscriptionCache) Close() error {
	return c.client.Close()
}

// Get returns the cached subscription or (nil, nil) on a miss.
func (c *SubscriptionCache) Get(ctx context.Context, key string) (*domain.Subscription, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read subscription from cache: %w", err)
	}

	var sub domain.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached subscription: %w", err)
	}
	return &sub, nil
}

func (c *SubscriptionCache) Set(ctx context.Context, key string, sub *domain.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if err := c.client.Set(ctx, key, data, defaultCacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache subscription: %w", err)
	}
	return nil
}

func (c *SubscriptionCache) Delete(ctx context.Context, keys ...string) error {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// CachedSubscriptionStore wraps a SubscriptionStore with a Redis
// read-through cache. Cache failures are logged and the call falls
// through to the underlying store; writes invalidate both keys.
type CachedSubscriptionStore struct {
	inner SubscriptionStore
	cache *SubscriptionCache
	log   *logger.Logger
}

func NewCachedSubscriptionStore(inner SubscriptionStore, cache *SubscriptionCache, log *logger.Logger) *CachedSubscriptionStore {
	return &CachedSubscriptionStore{inner: inner, cache: cache, log: log}
}

func idKey(id uuid.UUID) string { return subscriptionKeyPrefix + id.String() }

func userKey(user uuid.UUID) string { return userKeyPrefix + user.String() }

func (s *CachedSubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	if sub, err := s.cache.Get(ctx, idKey(id)); err != nil {
		s.log.Warnw("Cache read failed, falling back to database", "error", err, "subscriptionId", id)
	} else if sub != nil {
		return sub, nil
	}

	sub, err := s.inner.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, idKey(id), sub); err != nil {
		s.log.Warnw("Failed to cache subscription", "error", err, "subscriptionId", id)
	}
	return sub, nil
}

func (s *CachedSubscriptionStore) GetByUserKey(ctx context.Context, user uuid.UUID) (*domain.Subscription, error) {
	if sub, err := s.cache.Get(ctx, userKey(user)); err != nil {
		s.log.Warnw("Cache read failed, falling back to database", "error", err, "userKey", user)
	} else if sub != nil {
		return sub, nil
	}

	sub, err := s.inner.GetByUserKey(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, userKey(user), sub); err != nil {
		s.log.Warnw("Failed to cache subscription", "error", err, "userKey", user)
	}
	return sub, nil
}

// GetByExternalRef is only called on webhook paths, which always need
// fresh state, so it skips the cache.
func (s *CachedSubscriptionStore) GetByExternalRef(ctx context.Context, ref string) (*domain.Subscription, error) {
	return s.inner.GetByExternalRef(ctx, ref)
}

func (s *CachedSubscriptionStore) invalidate(ctx context.Context, id, user uuid.UUID) {
	if err := s.cache.Delete(ctx, idKey(id), userKey(user)); err != nil {
		s.log.Warnw("Failed to invalidate subscription cache", "error", err, "subscriptionId", id)
	}
}

func (s *CachedSubscriptionStore) Create(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	created, err := s.inner.Create(ctx, sub)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, created.ID, created.UserKey)
	return created, nil
}

func (s *CachedSubscriptionStore) ApplyCheckout(ctx context.Context, user uuid.UUID, upd CheckoutUpdate) (*domain.Subscription, error) {
	sub, err := s.inner.ApplyCheckout(ctx, user, upd)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, sub.ID, sub.UserKey)
	return sub, nil
}

func (s *CachedSubscriptionStore) ChangePlan(ctx context.Context, id uuid.UUID, planID string, creditsLimit int) error {
	if err := s.inner.ChangePlan(ctx, id, planID, creditsLimit); err != nil {
		return err
	}
	s.invalidateByID(ctx, id)
	return nil
}

func (s *CachedSubscriptionStore) MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.inner.MarkCancelled(ctx, id, at); err != nil {
		return err
	}
	s.invalidateByID(ctx, id)
	return nil
}

func (s *CachedSubscriptionStore) AdvancePeriod(ctx context.Context, id uuid.UUID, newEnd time.Time) error {
	if err := s.inner.AdvancePeriod(ctx, id, newEnd); err != nil {
		return err
	}
	s.invalidateByID(ctx, id)
	return nil
}

func (s *CachedSubscriptionStore) UpdateCredits(ctx context.Context, id uuid.UUID, mutate CreditMutation, entry *domain.CreditLedgerEntry, renewal bool) (*domain.Subscription, error) {
	sub, err := s.inner.UpdateCredits(ctx, id, mutate, entry, renewal)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, sub.ID, sub.UserKey)
	return sub, nil
}

func (s *CachedSubscriptionStore) invalidateByID(ctx context.Context, id uuid.UUID) {
	sub, err := s.inner.GetByID(ctx, id)
	if err != nil {
		s.log.Warnw("Failed to load subscription for cache invalidation", "error", err, "subscriptionId", id)
		if err := s.cache.Delete(ctx, idKey(id)); err != nil {
			s.log.Warnw("Failed to invalidate subscription cache", "error", err, "subscriptionId", id)
		}
		return
	}
	s.invalidate(ctx, sub.ID, sub.UserKey)
}
