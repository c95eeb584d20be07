package subscription

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookwell/billing-engine/models"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func defaultPlans() mapPlans {
	starter := basicPlan("starter", 750, models.IntervalMonthly)
	starter.TrialEligible = true
	starter.MaxStaffPerBusiness = 5

	pro := basicPlan("pro", 1250, models.IntervalMonthly)
	pro.MaxStaffPerBusiness = 20

	enterprise := basicPlan("enterprise-yearly", 14600, models.IntervalYearly)

	retired := basicPlan("retired", 500, models.IntervalMonthly)
	retired.IsActive = false

	return mapPlans{
		"starter":           starter,
		"pro":               pro,
		"enterprise-yearly": enterprise,
		"retired":           retired,
	}
}

func activeSubscription(id, businessID, planID string) *models.BusinessSubscription {
	return &models.BusinessSubscription{
		ID:                 id,
		BusinessID:         businessID,
		PlanID:             planID,
		Status:             models.StatusActive,
		CurrentPeriodStart: testNow.AddDate(0, 0, -15),
		CurrentPeriodEnd:   testNow.AddDate(0, 0, 15),
		AutoRenewal:        true,
		PaymentMethodID:    sql.NullString{String: "pm_1", Valid: true},
		NextBillingDate:    sql.NullTime{Time: testNow.AddDate(0, 0, 15), Valid: true},
		Metadata:           models.ChangeLog{},
		CreatedAt:          testNow.AddDate(0, 0, -15),
	}
}

func TestSubscribeBusinessStartsTrial(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.SubscribeBusiness(context.Background(), "user_1", "biz_1", "starter", "")
	require.True(t, result.Success(), result.ErrorMsg())

	sub := result.Value()
	assert.Equal(t, models.StatusTrial, sub.Status)
	assert.Equal(t, testNow, sub.CurrentPeriodStart)
	assert.Equal(t, testNow.Add(14*24*time.Hour), sub.CurrentPeriodEnd)
	assert.True(t, sub.TrialEndsAt.Valid)
	assert.Equal(t, sub.CurrentPeriodEnd, sub.TrialEndsAt.Time)
	assert.False(t, sub.AutoRenewal)
	assert.NotEmpty(t, sub.ID)
	assert.NotNil(t, store.get(sub.ID))
}

func TestSubscribeBusinessPaidPlanStartsActive(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.SubscribeBusiness(context.Background(), "user_1", "biz_1", "pro", "pm_9")
	require.True(t, result.Success(), result.ErrorMsg())

	sub := result.Value()
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, testNow.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	assert.True(t, sub.AutoRenewal)
	assert.Equal(t, "pm_9", sub.PaymentMethodID.String)
	assert.True(t, sub.NextBillingDate.Valid)
	assert.Equal(t, sub.CurrentPeriodEnd, sub.NextBillingDate.Time)
	assert.False(t, sub.TrialEndsAt.Valid)
}

func TestSubscribeBusinessRejectsSecondLiveSubscription(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSubscription("sub_1", "biz_1", "pro"))
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.SubscribeBusiness(context.Background(), "user_1", "biz_1", "starter", "")

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), ErrValidation))
	assert.Contains(t, result.ErrorMsg(), "Business already has an active subscription.")
}

func TestSubscribeBusinessPastDueStillBlocksNewSubscription(t *testing.T) {
	store := newMemoryStore()
	existing := activeSubscription("sub_1", "biz_1", "pro")
	existing.Status = models.StatusPastDue
	store.add(existing)
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.SubscribeBusiness(context.Background(), "user_1", "biz_1", "starter", "")

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), ErrValidation))
}

func TestSubscribeBusinessAfterCancellationSucceeds(t *testing.T) {
	store := newMemoryStore()
	existing := activeSubscription("sub_1", "biz_1", "pro")
	existing.Status = models.StatusCanceled
	store.add(existing)
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.SubscribeBusiness(context.Background(), "user_1", "biz_1", "starter", "")
	assert.True(t, result.Success(), result.ErrorMsg())
}

func TestSubscribeBusinessRejectsInactivePlan(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.SubscribeBusiness(context.Background(), "user_1", "biz_1", "retired", "")

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), ErrValidation))
}

func TestSubscribeBusinessUnknownPlan(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.SubscribeBusiness(context.Background(), "user_1", "biz_1", "nope", "")

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), ErrNotFound))
}

func TestSubscribeBusinessPermissionDenied(t *testing.T) {
	store := newMemoryStore()
	auth := &mockAuthorizer{err: ErrPermissionDenied}
	service := newTestService(store, defaultPlans(), &mockPayments{}, auth, &fakeClock{now: testNow}, nil)

	result := service.SubscribeBusiness(context.Background(), "user_1", "biz_1", "starter", "")

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), ErrPermissionDenied))
	assert.Empty(t, store.subs)
}

func TestConvertTrialToActive(t *testing.T) {
	store := newMemoryStore()
	trial := activeSubscription("sub_1", "biz_1", "starter")
	trial.Status = models.StatusTrial
	trial.AutoRenewal = false
	trial.PaymentMethodID = sql.NullString{}
	trial.TrialEndsAt = sql.NullTime{Time: trial.CurrentPeriodEnd, Valid: true}
	store.add(trial)

	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.ConvertTrialToActive(context.Background(), "user_1", "sub_1", "pm_5")
	require.True(t, result.Success(), result.ErrorMsg())

	sub := result.Value()
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, testNow, sub.CurrentPeriodStart)
	assert.Equal(t, testNow.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	assert.True(t, sub.AutoRenewal)
	assert.Equal(t, "pm_5", sub.PaymentMethodID.String)

	entry := sub.Metadata.Last(models.ChangeTypeTrialConversion)
	require.NotNil(t, entry)
	record, ok := entry.Record.(models.TrialConversionRecord)
	require.True(t, ok)
	assert.Equal(t, "starter", record.PlanID)
}

func TestConvertTrialToActiveRejectsNonTrial(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSubscription("sub_1", "biz_1", "pro"))
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.ConvertTrialToActive(context.Background(), "user_1", "sub_1", "")

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), ErrInvalidTransition))
}

func TestCancelSubscriptionAtPeriodEnd(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSubscription("sub_1", "biz_1", "pro"))
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.CancelSubscription(context.Background(), "user_1", "sub_1", true)
	require.True(t, result.Success(), result.ErrorMsg())

	sub := result.Value()
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.True(t, sub.AutoRenewal)
}

func TestCancelSubscriptionImmediately(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSubscription("sub_1", "biz_1", "pro"))
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.CancelSubscription(context.Background(), "user_1", "sub_1", false)
	require.True(t, result.Success(), result.ErrorMsg())

	sub := result.Value()
	assert.Equal(t, models.StatusCanceled, sub.Status)
	assert.False(t, sub.AutoRenewal)
	assert.False(t, sub.NextBillingDate.Valid)

	entry := sub.Metadata.Last(models.ChangeTypeCancellation)
	require.NotNil(t, entry)
	record, ok := entry.Record.(models.CancellationRecord)
	require.True(t, ok)
	assert.True(t, record.Finalized)
	assert.Equal(t, models.StatusActive, record.PriorStatus)
}

func TestCancelSubscriptionRejectsCanceled(t *testing.T) {
	store := newMemoryStore()
	existing := activeSubscription("sub_1", "biz_1", "pro")
	existing.Status = models.StatusCanceled
	store.add(existing)
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.CancelSubscription(context.Background(), "user_1", "sub_1", false)

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), ErrInvalidTransition))
}

func TestReactivateScheduledCancellation(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	flagged := activeSubscription("sub_1", "biz_1", "pro")
	flagged.CancelAtPeriodEnd = true
	store.add(flagged)

	result := service.ReactivateSubscription(context.Background(), "user_1", "biz_1")
	require.True(t, result.Success(), result.ErrorMsg())

	sub := result.Value()
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)

	entry := sub.Metadata.Last(models.ChangeTypeReactivation)
	require.NotNil(t, entry)
}

func TestReactivateFinalizedCancellationRestoresPriorStatus(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	canceled := activeSubscription("sub_1", "biz_1", "pro")
	canceled.Status = models.StatusCanceled
	canceled.CancelAtPeriodEnd = true
	canceled.Metadata = canceled.Metadata.Append(testNow.AddDate(0, 0, -1), models.CancellationRecord{
		AtPeriodEnd: true,
		Finalized:   true,
		PriorStatus: models.StatusPastDue,
		CanceledAt:  testNow.AddDate(0, 0, -1),
	})
	store.add(canceled)

	result := service.ReactivateSubscription(context.Background(), "user_1", "biz_1")
	require.True(t, result.Success(), result.ErrorMsg())

	sub := result.Value()
	assert.Equal(t, models.StatusPastDue, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestReactivateRejectsUnflaggedSubscription(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSubscription("sub_1", "biz_1", "pro"))
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.ReactivateSubscription(context.Background(), "user_1", "biz_1")

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), ErrInvalidTransition))
}

func TestReactivateUnknownBusiness(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.ReactivateSubscription(context.Background(), "user_1", "biz_404")

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), ErrNotFound))
}

func TestGetBusinessSubscription(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSubscription("sub_1", "biz_1", "pro"))
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.GetBusinessSubscription(context.Background(), "user_1", "biz_1")
	require.True(t, result.Success())
	assert.Equal(t, "sub_1", result.Value().ID)

	missing := service.GetBusinessSubscription(context.Background(), "user_1", "biz_404")
	require.True(t, missing.Failure())
	assert.True(t, errors.Is(missing.Error(), ErrNotFound))
}

func TestGetSubscriptionHistoryNewestFirst(t *testing.T) {
	store := newMemoryStore()
	older := activeSubscription("sub_1", "biz_1", "starter")
	older.Status = models.StatusCanceled
	older.CreatedAt = testNow.AddDate(0, -2, 0)
	store.add(older)
	store.add(activeSubscription("sub_2", "biz_1", "pro"))

	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.GetSubscriptionHistory(context.Background(), "user_1", "biz_1")
	require.True(t, result.Success())
	require.Len(t, result.Value(), 2)
	assert.Equal(t, "sub_2", result.Value()[0].ID)
	assert.Equal(t, "sub_1", result.Value()[1].ID)
}

func TestUpdateAutoRenewal(t *testing.T) {
	store := newMemoryStore()
	sub := activeSubscription("sub_1", "biz_1", "pro")
	sub.AutoRenewal = false
	sub.NextBillingDate = sql.NullTime{}
	sub.PaymentMethodID = sql.NullString{}
	store.add(sub)

	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	// Enabling without a payment method is allowed; the renewal pass handles
	// the missing method by parking the subscription in past_due.
	result := service.UpdateAutoRenewal(context.Background(), "user_1", "sub_1", true, "")
	require.True(t, result.Success(), result.ErrorMsg())
	assert.True(t, result.Value().AutoRenewal)
	assert.True(t, result.Value().NextBillingDate.Valid)

	result = service.UpdateAutoRenewal(context.Background(), "user_1", "sub_1", false, "")
	require.True(t, result.Success())
	assert.False(t, result.Value().AutoRenewal)
	assert.False(t, result.Value().NextBillingDate.Valid)
}

func TestGetAutoRenewalStatus(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSubscription("sub_1", "biz_1", "pro"))
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.GetAutoRenewalStatus(context.Background(), "user_1", "sub_1")
	require.True(t, result.Success())

	status := result.Value()
	assert.True(t, status.Enabled)
	assert.Equal(t, "pm_1", status.PaymentMethodID)
	require.NotNil(t, status.NextBillingDate)
	assert.Equal(t, testNow.AddDate(0, 0, 15), *status.NextBillingDate)
}

func TestCheckSubscriptionLimits(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSubscription("sub_1", "biz_1", "starter"))
	store.setUsage("biz_1", models.BusinessUsage{StaffMembers: 7})

	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.CheckSubscriptionLimits(context.Background(), "user_1", "biz_1")
	require.True(t, result.Success(), result.ErrorMsg())
	assert.False(t, result.Value().IsValid)
	assert.Equal(t, "Too many staff members (7/5)", result.Value().Violations[0].Message)
}

func TestValidatePlanLimits(t *testing.T) {
	store := newMemoryStore()
	store.setUsage("biz_1", models.BusinessUsage{StaffMembers: 7})

	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.ValidatePlanLimits(context.Background(), "user_1", "biz_1", "pro")
	require.True(t, result.Success(), result.ErrorMsg())
	assert.True(t, result.Value().IsValid)
}

func TestCancelSurfacesConcurrentModification(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSubscription("sub_1", "biz_1", "pro"))
	store.updateErr = models.ErrStaleSubscription
	service := newTestService(store, defaultPlans(), &mockPayments{}, &mockAuthorizer{}, &fakeClock{now: testNow}, nil)

	result := service.CancelSubscription(context.Background(), "user_1", "sub_1", false)

	require.True(t, result.Failure())
	assert.True(t, errors.Is(result.Error(), models.ErrStaleSubscription))
}
