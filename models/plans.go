package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/bookwell/billing-engine/utils"
)

// UnlimitedQuota marks a plan quota without a ceiling.
const UnlimitedQuota = -1

type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

func (i BillingInterval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// NextPeriodEnd returns the nominal end of a billing period starting at from.
func (i BillingInterval) NextPeriodEnd(from time.Time) time.Time {
	if i == IntervalYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// NominalDays is the day count used for proration. Calendar month and leap
// year lengths are deliberately not tracked; this is billing policy, not a
// rounding bug.
func (i BillingInterval) NominalDays() int64 {
	if i == IntervalYearly {
		return 365
	}
	return 30
}

type SubscriptionPlan struct {
	ID                    string            `gorm:"primaryKey" json:"id"`
	Name                  string            `json:"name"`
	Price                 decimal.Decimal   `gorm:"type:numeric" json:"price"`
	Currency              string            `json:"currency"`
	BillingInterval       BillingInterval   `json:"billing_interval"`
	MaxBusinesses         int               `json:"max_businesses"`
	MaxStaffPerBusiness   int               `json:"max_staff_per_business"`
	MaxAppointmentsPerDay int               `json:"max_appointments_per_day"`
	Features              utils.StringArray `gorm:"type:jsonb" json:"features"`
	TrialEligible         bool              `json:"trial_eligible"`
	IsActive              bool              `json:"is_active"`
	SortOrder             int               `json:"sort_order"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

func (SubscriptionPlan) TableName() string {
	return "subscription_plans"
}

func (p *SubscriptionPlan) HasFeature(name string) bool {
	for _, f := range p.Features {
		if f == name {
			return true
		}
	}
	return false
}

func (store *ApiStore) FetchPlan(id string) utils.Result[*SubscriptionPlan] {
	var plan SubscriptionPlan

	result := store.db.Connection.
		Table("subscription_plans").
		Where("subscription_plans.id = ?", id).
		Limit(1).
		Find(&plan)

	if result.Error != nil {
		return utils.FailedResult[*SubscriptionPlan](result.Error)
	}
	if plan.ID == "" {
		return utils.FailedResult[*SubscriptionPlan](gorm.ErrRecordNotFound).
			NonCapturable().
			NonRetryable()
	}

	return utils.SuccessResult(&plan)
}

func (store *ApiStore) FetchActivePlans() utils.Result[[]SubscriptionPlan] {
	var plans []SubscriptionPlan

	result := store.db.Connection.
		Table("subscription_plans").
		Where("subscription_plans.is_active = ?", true).
		Order("sort_order ASC").
		Find(&plans)

	if result.Error != nil {
		return utils.FailedResult[[]SubscriptionPlan](result.Error)
	}

	return utils.SuccessResult(plans)
}

// FetchAllPlans returns every plan, including deactivated ones still
// referenced by grandfathered subscriptions.
func (store *ApiStore) FetchAllPlans() utils.Result[[]SubscriptionPlan] {
	var plans []SubscriptionPlan

	result := store.db.Connection.
		Table("subscription_plans").
		Order("sort_order ASC").
		Find(&plans)

	if result.Error != nil {
		return utils.FailedResult[[]SubscriptionPlan](result.Error)
	}

	return utils.SuccessResult(plans)
}
