package models

import (
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/bookwell/billing-engine/utils"
)

// ErrStaleSubscription is returned when an optimistic version check fails:
// another writer committed between our read and write.
var ErrStaleSubscription = errors.New("subscription was modified concurrently")

type SubscriptionStatus string

const (
	StatusTrial    SubscriptionStatus = "trial"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// Live reports whether the subscription still occupies the business's single
// live slot. Canceled is the only non-live status.
func (s SubscriptionStatus) Live() bool {
	return s == StatusTrial || s == StatusActive || s == StatusPastDue
}

var liveStatuses = []SubscriptionStatus{StatusTrial, StatusActive, StatusPastDue}

type BusinessSubscription struct {
	ID                 string             `gorm:"primaryKey" json:"id"`
	BusinessID         string             `json:"business_id"`
	PlanID             string             `json:"plan_id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	TrialEndsAt        sql.NullTime       `json:"trial_ends_at"`
	AutoRenewal        bool               `json:"auto_renewal"`
	PaymentMethodID    sql.NullString     `json:"payment_method_id"`
	NextBillingDate    sql.NullTime       `json:"next_billing_date"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	Metadata           ChangeLog          `gorm:"type:jsonb" json:"metadata"`
	LockVersion        int                `json:"lock_version"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (BusinessSubscription) TableName() string {
	return "business_subscriptions"
}

// FetchLiveSubscription returns the single trial/active/past_due subscription
// for a business, if any.
func (store *ApiStore) FetchLiveSubscription(businessID string) utils.Result[*BusinessSubscription] {
	var sub BusinessSubscription

	result := store.db.Connection.
		Table("business_subscriptions").
		Where("business_subscriptions.business_id = ? AND business_subscriptions.status IN ?", businessID, liveStatuses).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&sub)

	if result.Error != nil {
		return failedSubscriptionResult(result.Error)
	}
	if sub.ID == "" {
		return failedSubscriptionResult(gorm.ErrRecordNotFound)
	}

	return utils.SuccessResult(&sub)
}

func (store *ApiStore) FetchSubscription(id string) utils.Result[*BusinessSubscription] {
	var sub BusinessSubscription

	result := store.db.Connection.
		Table("business_subscriptions").
		Where("business_subscriptions.id = ?", id).
		Limit(1).
		Find(&sub)

	if result.Error != nil {
		return failedSubscriptionResult(result.Error)
	}
	if sub.ID == "" {
		return failedSubscriptionResult(gorm.ErrRecordNotFound)
	}

	return utils.SuccessResult(&sub)
}

// FetchLatestSubscription returns the most recent subscription row for a
// business regardless of status. Recency is creation order, ties broken by id.
func (store *ApiStore) FetchLatestSubscription(businessID string) utils.Result[*BusinessSubscription] {
	var sub BusinessSubscription

	result := store.db.Connection.
		Table("business_subscriptions").
		Where("business_subscriptions.business_id = ?", businessID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&sub)

	if result.Error != nil {
		return failedSubscriptionResult(result.Error)
	}
	if sub.ID == "" {
		return failedSubscriptionResult(gorm.ErrRecordNotFound)
	}

	return utils.SuccessResult(&sub)
}

// FetchSubscriptionHistory returns every subscription row ever created for a
// business, newest first. Rows are never physically deleted.
func (store *ApiStore) FetchSubscriptionHistory(businessID string) utils.Result[[]BusinessSubscription] {
	var subs []BusinessSubscription

	result := store.db.Connection.
		Table("business_subscriptions").
		Where("business_subscriptions.business_id = ?", businessID).
		Order("created_at DESC, id DESC").
		Find(&subs)

	if result.Error != nil {
		return utils.FailedResult[[]BusinessSubscription](result.Error)
	}

	return utils.SuccessResult(subs)
}

func (store *ApiStore) CreateSubscription(sub *BusinessSubscription) utils.Result[*BusinessSubscription] {
	result := store.db.Connection.Create(sub)
	if result.Error != nil {
		return utils.FailedResult[*BusinessSubscription](result.Error)
	}

	return utils.SuccessResult(sub)
}

// UpdateSubscription persists the subscription through an optimistic
// version check. The row is only written when lock_version still matches the
// value read; a concurrent writer surfaces as ErrStaleSubscription and
// nothing is mutated.
func (store *ApiStore) UpdateSubscription(sub *BusinessSubscription) utils.Result[*BusinessSubscription] {
	version := sub.LockVersion

	result := store.db.Connection.
		Model(&BusinessSubscription{}).
		Where("id = ? AND lock_version = ?", sub.ID, version).
		Updates(map[string]interface{}{
			"plan_id":              sub.PlanID,
			"status":               sub.Status,
			"current_period_start": sub.CurrentPeriodStart,
			"current_period_end":   sub.CurrentPeriodEnd,
			"trial_ends_at":        sub.TrialEndsAt,
			"auto_renewal":         sub.AutoRenewal,
			"payment_method_id":    sub.PaymentMethodID,
			"next_billing_date":    sub.NextBillingDate,
			"cancel_at_period_end": sub.CancelAtPeriodEnd,
			"metadata":             sub.Metadata,
			"lock_version":         version + 1,
		})

	if result.Error != nil {
		return utils.FailedResult[*BusinessSubscription](result.Error)
	}
	if result.RowsAffected == 0 {
		return utils.FailedResult[*BusinessSubscription](ErrStaleSubscription).
			NonCapturable()
	}

	sub.LockVersion = version + 1
	return utils.SuccessResult(sub)
}

// FetchExpiredSubscriptions returns live subscriptions whose period has
// elapsed and that will not be charged: flagged for cancellation, auto
// renewal off, or no stored payment method.
func (store *ApiStore) FetchExpiredSubscriptions(now time.Time, limit int) utils.Result[[]BusinessSubscription] {
	var subs []BusinessSubscription

	var conditions = `
		business_subscriptions.status IN ?
		AND business_subscriptions.current_period_end <= ?
		AND (
			business_subscriptions.cancel_at_period_end
			OR NOT business_subscriptions.auto_renewal
			OR business_subscriptions.payment_method_id IS NULL
		)
	`
	result := store.db.Connection.
		Table("business_subscriptions").
		Where(conditions, liveStatuses, now).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs)

	if result.Error != nil {
		return utils.FailedResult[[]BusinessSubscription](result.Error)
	}

	return utils.SuccessResult(subs)
}

// FetchSubscriptionsForRenewal returns live subscriptions whose period has
// elapsed and that are candidates for a renewal charge.
func (store *ApiStore) FetchSubscriptionsForRenewal(now time.Time, limit int) utils.Result[[]BusinessSubscription] {
	var subs []BusinessSubscription

	var conditions = `
		business_subscriptions.status IN ?
		AND business_subscriptions.current_period_end <= ?
		AND business_subscriptions.auto_renewal
		AND NOT business_subscriptions.cancel_at_period_end
		AND business_subscriptions.payment_method_id IS NOT NULL
	`
	result := store.db.Connection.
		Table("business_subscriptions").
		Where(conditions, liveStatuses, now).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs)

	if result.Error != nil {
		return utils.FailedResult[[]BusinessSubscription](result.Error)
	}

	return utils.SuccessResult(subs)
}

// FetchTrialsEndingSoon returns trial subscriptions whose trial window ends
// within the given horizon.
func (store *ApiStore) FetchTrialsEndingSoon(now time.Time, within time.Duration, limit int) utils.Result[[]BusinessSubscription] {
	var subs []BusinessSubscription

	var conditions = `
		business_subscriptions.status = ?
		AND business_subscriptions.trial_ends_at IS NOT NULL
		AND business_subscriptions.trial_ends_at > ?
		AND business_subscriptions.trial_ends_at <= ?
	`
	result := store.db.Connection.
		Table("business_subscriptions").
		Where(conditions, StatusTrial, now, now.Add(within)).
		Order("trial_ends_at ASC").
		Limit(limit).
		Find(&subs)

	if result.Error != nil {
		return utils.FailedResult[[]BusinessSubscription](result.Error)
	}

	return utils.SuccessResult(subs)
}

func failedSubscriptionResult(err error) utils.Result[*BusinessSubscription] {
	result := utils.FailedResult[*BusinessSubscription](err)

	if err.Error() == gorm.ErrRecordNotFound.Error() {
		result = result.NonCapturable().NonRetryable()
	}

	return result
}
