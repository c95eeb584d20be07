package tests

import (
	"sync"
	"time"
)

type MockLeaser struct {
	Denied       bool
	AcquireError error
	ReleaseError error

	mu                 sync.Mutex
	AcquireCount       int
	ReleaseCount       int
	LastSubscriptionID string
	LastPeriodEnd      time.Time
}

func (ml *MockLeaser) Acquire(subscriptionID string, periodEnd time.Time) (bool, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.AcquireCount++
	ml.LastSubscriptionID = subscriptionID
	ml.LastPeriodEnd = periodEnd

	if ml.AcquireError != nil {
		return false, ml.AcquireError
	}

	return !ml.Denied, nil
}

func (ml *MockLeaser) Release(subscriptionID string, periodEnd time.Time) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.ReleaseCount++
	ml.LastSubscriptionID = subscriptionID
	ml.LastPeriodEnd = periodEnd

	return ml.ReleaseError
}
