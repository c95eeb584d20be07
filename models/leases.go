package models

import (
	"context"
	"fmt"
	"time"

	"github.com/bookwell/billing-engine/config/redis"
)

// RenewalLeaseStore hands out per-(subscription, period end) idempotency
// leases backed by Redis SETNX. Holding the lease is a precondition for
// attempting a renewal charge, so a concurrently running or re-triggered
// batch cannot charge the same period twice.
type RenewalLeaseStore struct {
	prefix  string
	context context.Context
	db      *redis.RedisDB
	ttl     time.Duration
}

type Leaser interface {
	Acquire(subscriptionID string, periodEnd time.Time) (bool, error)
	Release(subscriptionID string, periodEnd time.Time) error
}

func NewRenewalLeaseStore(ctx context.Context, redis *redis.RedisDB, prefix string, ttl time.Duration) *RenewalLeaseStore {
	return &RenewalLeaseStore{
		prefix:  prefix,
		context: ctx,
		db:      redis,
		ttl:     ttl,
	}
}

func (store *RenewalLeaseStore) key(subscriptionID string, periodEnd time.Time) string {
	return fmt.Sprintf("%s:%s:%d", store.prefix, subscriptionID, periodEnd.Unix())
}

// Acquire returns true when the lease was obtained. A false return means the
// period is already being (or has been) processed elsewhere.
func (store *RenewalLeaseStore) Acquire(subscriptionID string, periodEnd time.Time) (bool, error) {
	result := store.db.Client.SetNX(store.context, store.key(subscriptionID, periodEnd), time.Now().Unix(), store.ttl)
	if err := result.Err(); err != nil {
		return false, err
	}

	return result.Val(), nil
}

// Release drops the lease early so the next scheduled pass can retry a
// failed charge before the TTL expires.
func (store *RenewalLeaseStore) Release(subscriptionID string, periodEnd time.Time) error {
	result := store.db.Client.Del(store.context, store.key(subscriptionID, periodEnd))
	return result.Err()
}

func (store *RenewalLeaseStore) Close() error {
	return store.db.Client.Close()
}
