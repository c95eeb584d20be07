package subscription

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/utils"
)

// trialPeriod is the fixed length of a trial window. The plan's billing
// interval only starts counting at conversion.
const trialPeriod = 14 * 24 * time.Hour

// Service owns every subscription state transition. All mutating operations
// authorize first, validate second, and write last; a rejected operation
// never leaves a partial mutation behind.
type Service struct {
	logger   *slog.Logger
	store    Store
	plans    PlanSource
	limits   *LimitService
	payments PaymentCoordinator
	auth     Authorizer
	clock    Clock
	events   LifecycleProducer
	leases   models.Leaser
}

type ServiceConfig struct {
	Logger   *slog.Logger
	Store    Store
	Plans    PlanSource
	Payments PaymentCoordinator
	Auth     Authorizer
	Clock    Clock
	Events   LifecycleProducer
	Leases   models.Leaser
}

func NewService(config ServiceConfig) *Service {
	clock := config.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	return &Service{
		logger:   config.Logger.With("component", "subscription-service"),
		store:    config.Store,
		plans:    config.Plans,
		limits:   NewLimitService(config.Store, clock),
		payments: config.Payments,
		auth:     config.Auth,
		clock:    clock,
		events:   config.Events,
		leases:   config.Leases,
	}
}

// SubscribeBusiness creates the business's subscription on the given plan.
// Trial-eligible plans start a 14-day trial; everything else starts an
// active period of one billing interval.
func (s *Service) SubscribeBusiness(ctx context.Context, userID, businessID, planID, paymentMethodID string) utils.Result[*models.BusinessSubscription] {
	if err := s.auth.Require(ctx, userID, PermissionManageSubscription, &PermissionScope{BusinessID: businessID}); err != nil {
		return requestFailure[*models.BusinessSubscription](err)
	}

	planResult := s.fetchPlan(planID)
	if planResult.Failure() {
		return utils.FailedResult[*models.BusinessSubscription](planResult.Error()).
			NonCapturable().NonRetryable()
	}
	plan := planResult.Value()

	if !plan.IsActive {
		return requestFailure[*models.BusinessSubscription](
			validationError("plan %s is not available for new subscriptions", planID))
	}

	liveResult := s.store.FetchLiveSubscription(businessID)
	if liveResult.Success() {
		return requestFailure[*models.BusinessSubscription](
			validationError("Business already has an active subscription."))
	}
	if liveResult.ErrorMsg() != models.ERROR_NOT_FOUND {
		return utils.FailedResult[*models.BusinessSubscription](liveResult.Error())
	}

	now := s.clock.Now()
	sub := &models.BusinessSubscription{
		ID:                 uuid.NewString(),
		BusinessID:         businessID,
		PlanID:             plan.ID,
		CurrentPeriodStart: now,
		Metadata:           models.ChangeLog{},
	}

	if paymentMethodID != "" {
		sub.PaymentMethodID = sql.NullString{String: paymentMethodID, Valid: true}
		sub.AutoRenewal = true
	}

	if plan.TrialEligible {
		sub.Status = models.StatusTrial
		sub.CurrentPeriodEnd = now.Add(trialPeriod)
		sub.TrialEndsAt = sql.NullTime{Time: sub.CurrentPeriodEnd, Valid: true}
	} else {
		sub.Status = models.StatusActive
		sub.CurrentPeriodEnd = plan.BillingInterval.NextPeriodEnd(now)
		if sub.AutoRenewal {
			sub.NextBillingDate = sql.NullTime{Time: sub.CurrentPeriodEnd, Valid: true}
		}
	}

	created := s.store.CreateSubscription(sub)
	if created.Failure() {
		return created
	}

	s.publish(&LifecycleEvent{
		Type:             EventSubscriptionCreated,
		SubscriptionID:   sub.ID,
		BusinessID:       sub.BusinessID,
		PlanID:           sub.PlanID,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		OccurredAt:       now,
	})

	return created
}

// GetBusinessSubscription returns the business's live subscription.
func (s *Service) GetBusinessSubscription(ctx context.Context, userID, businessID string) utils.Result[*models.BusinessSubscription] {
	if err := s.auth.Require(ctx, userID, PermissionViewSubscription, &PermissionScope{BusinessID: businessID}); err != nil {
		return requestFailure[*models.BusinessSubscription](err)
	}

	result := s.store.FetchLiveSubscription(businessID)
	if result.Failure() && result.ErrorMsg() == models.ERROR_NOT_FOUND {
		return requestFailure[*models.BusinessSubscription](notFoundError("subscription for business", businessID))
	}
	return result
}

// GetSubscriptionHistory returns the business's full append-only trail of
// subscription rows, newest first.
func (s *Service) GetSubscriptionHistory(ctx context.Context, userID, businessID string) utils.Result[[]models.BusinessSubscription] {
	if err := s.auth.Require(ctx, userID, PermissionViewSubscription, &PermissionScope{BusinessID: businessID}); err != nil {
		return requestFailure[[]models.BusinessSubscription](err)
	}

	return s.store.FetchSubscriptionHistory(businessID)
}

// ConvertTrialToActive moves a trial subscription onto its paid period. The
// billing period restarts from now using the plan's interval.
func (s *Service) ConvertTrialToActive(ctx context.Context, userID, subscriptionID, paymentMethodID string) utils.Result[*models.BusinessSubscription] {
	subResult := s.authorizedSubscription(ctx, userID, subscriptionID)
	if subResult.Failure() {
		return subResult
	}
	sub := subResult.Value()

	if sub.Status != models.StatusTrial {
		return requestFailure[*models.BusinessSubscription](transitionError(sub.Status, "convert to active"))
	}

	planResult := s.fetchPlan(sub.PlanID)
	if planResult.Failure() {
		return utils.FailedResult[*models.BusinessSubscription](planResult.Error())
	}
	plan := planResult.Value()

	now := s.clock.Now()
	sub.Status = models.StatusActive
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = plan.BillingInterval.NextPeriodEnd(now)
	if paymentMethodID != "" {
		sub.PaymentMethodID = sql.NullString{String: paymentMethodID, Valid: true}
		sub.AutoRenewal = true
	}
	if sub.AutoRenewal {
		sub.NextBillingDate = sql.NullTime{Time: sub.CurrentPeriodEnd, Valid: true}
	}
	sub.Metadata = sub.Metadata.Append(now, models.TrialConversionRecord{
		PlanID:          sub.PlanID,
		PaymentMethodID: paymentMethodID,
		ConvertedAt:     now,
	})

	updated := s.store.UpdateSubscription(sub)
	if updated.Failure() {
		return updated
	}

	s.publish(&LifecycleEvent{
		Type:             EventTrialConverted,
		SubscriptionID:   sub.ID,
		BusinessID:       sub.BusinessID,
		PlanID:           sub.PlanID,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		OccurredAt:       now,
	})

	return updated
}

// CancelSubscription either schedules cancellation for the period end or
// cancels immediately.
func (s *Service) CancelSubscription(ctx context.Context, userID, subscriptionID string, cancelAtPeriodEnd bool) utils.Result[*models.BusinessSubscription] {
	subResult := s.authorizedSubscription(ctx, userID, subscriptionID)
	if subResult.Failure() {
		return subResult
	}
	sub := subResult.Value()

	if !sub.Status.Live() {
		return requestFailure[*models.BusinessSubscription](transitionError(sub.Status, "cancel"))
	}

	now := s.clock.Now()
	eventType := EventCancellationScheduled

	if cancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = true
		sub.Metadata = sub.Metadata.Append(now, models.CancellationRecord{
			AtPeriodEnd: true,
			CanceledAt:  now,
		})
	} else {
		prior := sub.Status
		sub.Status = models.StatusCanceled
		sub.CancelAtPeriodEnd = false
		sub.AutoRenewal = false
		sub.NextBillingDate = sql.NullTime{}
		sub.Metadata = sub.Metadata.Append(now, models.CancellationRecord{
			AtPeriodEnd: false,
			Finalized:   true,
			PriorStatus: prior,
			CanceledAt:  now,
		})
		eventType = EventSubscriptionCanceled
	}

	updated := s.store.UpdateSubscription(sub)
	if updated.Failure() {
		return updated
	}

	s.publish(&LifecycleEvent{
		Type:             eventType,
		SubscriptionID:   sub.ID,
		BusinessID:       sub.BusinessID,
		PlanID:           sub.PlanID,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		OccurredAt:       now,
	})

	return updated
}

// ReactivateSubscription undoes a period-end cancellation on the business's
// most recent subscription row. Only cancellations caused by the
// cancel-at-period-end flag qualify.
func (s *Service) ReactivateSubscription(ctx context.Context, userID, businessID string) utils.Result[*models.BusinessSubscription] {
	if err := s.auth.Require(ctx, userID, PermissionManageSubscription, &PermissionScope{BusinessID: businessID}); err != nil {
		return requestFailure[*models.BusinessSubscription](err)
	}

	latestResult := s.store.FetchLatestSubscription(businessID)
	if latestResult.Failure() {
		if latestResult.ErrorMsg() == models.ERROR_NOT_FOUND {
			return requestFailure[*models.BusinessSubscription](notFoundError("subscription for business", businessID))
		}
		return latestResult
	}
	sub := latestResult.Value()

	if !sub.CancelAtPeriodEnd {
		return requestFailure[*models.BusinessSubscription](transitionError(sub.Status, "reactivate"))
	}

	now := s.clock.Now()
	restored := sub.Status

	if sub.Status == models.StatusCanceled {
		// Finalized at period end; the prior live status was recorded when
		// the cancellation executed.
		restored = models.StatusActive
		if entry := sub.Metadata.Last(models.ChangeTypeCancellation); entry != nil {
			if record, ok := entry.Record.(models.CancellationRecord); ok && record.PriorStatus != "" {
				restored = record.PriorStatus
			}
		}
		sub.Status = restored
	}

	sub.CancelAtPeriodEnd = false
	sub.Metadata = sub.Metadata.Append(now, models.ReactivationRecord{
		RestoredStatus: restored,
		ReactivatedAt:  now,
	})

	updated := s.store.UpdateSubscription(sub)
	if updated.Failure() {
		return updated
	}

	s.publish(&LifecycleEvent{
		Type:             EventSubscriptionReactivated,
		SubscriptionID:   sub.ID,
		BusinessID:       sub.BusinessID,
		PlanID:           sub.PlanID,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		OccurredAt:       now,
	})

	return updated
}

// AutoRenewalStatus is the renewal configuration surfaced to callers.
type AutoRenewalStatus struct {
	Enabled         bool       `json:"enabled"`
	PaymentMethodID string     `json:"payment_method_id,omitempty"`
	NextBillingDate *time.Time `json:"next_billing_date,omitempty"`
}

func (s *Service) GetAutoRenewalStatus(ctx context.Context, userID, subscriptionID string) utils.Result[*AutoRenewalStatus] {
	subResult := s.authorizedSubscription(ctx, userID, subscriptionID)
	if subResult.Failure() {
		return utils.FailedResult[*AutoRenewalStatus](subResult.Error()).
			NonCapturable().NonRetryable()
	}
	sub := subResult.Value()

	status := &AutoRenewalStatus{Enabled: sub.AutoRenewal}
	if sub.PaymentMethodID.Valid {
		status.PaymentMethodID = sub.PaymentMethodID.String
	}
	if sub.NextBillingDate.Valid {
		next := sub.NextBillingDate.Time
		status.NextBillingDate = &next
	}

	return utils.SuccessResult(status)
}

// UpdateAutoRenewal toggles automatic renewal. Enabling without a stored
// payment method is allowed; the renewal pass will park the subscription in
// past_due rather than fail here.
func (s *Service) UpdateAutoRenewal(ctx context.Context, userID, subscriptionID string, enabled bool, paymentMethodID string) utils.Result[*models.BusinessSubscription] {
	subResult := s.authorizedSubscription(ctx, userID, subscriptionID)
	if subResult.Failure() {
		return subResult
	}
	sub := subResult.Value()

	if !sub.Status.Live() {
		return requestFailure[*models.BusinessSubscription](transitionError(sub.Status, "update auto renewal"))
	}

	sub.AutoRenewal = enabled
	if paymentMethodID != "" {
		sub.PaymentMethodID = sql.NullString{String: paymentMethodID, Valid: true}
	}
	if enabled {
		sub.NextBillingDate = sql.NullTime{Time: sub.CurrentPeriodEnd, Valid: true}
	} else {
		sub.NextBillingDate = sql.NullTime{}
	}

	return s.store.UpdateSubscription(sub)
}

// CheckSubscriptionLimits validates the business's usage against its current
// plan's quotas.
func (s *Service) CheckSubscriptionLimits(ctx context.Context, userID, businessID string) utils.Result[*LimitCheck] {
	if err := s.auth.Require(ctx, userID, PermissionViewSubscription, &PermissionScope{BusinessID: businessID}); err != nil {
		return requestFailure[*LimitCheck](err)
	}

	liveResult := s.store.FetchLiveSubscription(businessID)
	if liveResult.Failure() {
		if liveResult.ErrorMsg() == models.ERROR_NOT_FOUND {
			return requestFailure[*LimitCheck](notFoundError("subscription for business", businessID))
		}
		return utils.FailedResult[*LimitCheck](liveResult.Error())
	}

	planResult := s.fetchPlan(liveResult.Value().PlanID)
	if planResult.Failure() {
		return utils.FailedResult[*LimitCheck](planResult.Error())
	}

	return s.limits.CheckLimits(ctx, businessID, planResult.Value())
}

// ValidatePlanLimits validates the business's usage against an arbitrary
// candidate plan, e.g. to preview a downgrade.
func (s *Service) ValidatePlanLimits(ctx context.Context, userID, businessID, planID string) utils.Result[*LimitCheck] {
	if err := s.auth.Require(ctx, userID, PermissionViewSubscription, &PermissionScope{BusinessID: businessID}); err != nil {
		return requestFailure[*LimitCheck](err)
	}

	planResult := s.fetchPlan(planID)
	if planResult.Failure() {
		return utils.FailedResult[*LimitCheck](planResult.Error()).
			NonCapturable().NonRetryable()
	}

	return s.limits.CheckLimits(ctx, businessID, planResult.Value())
}

// authorizedSubscription loads a subscription and checks the caller may
// manage it.
func (s *Service) authorizedSubscription(ctx context.Context, userID, subscriptionID string) utils.Result[*models.BusinessSubscription] {
	subResult := s.store.FetchSubscription(subscriptionID)
	if subResult.Failure() {
		if subResult.ErrorMsg() == models.ERROR_NOT_FOUND {
			return requestFailure[*models.BusinessSubscription](notFoundError("subscription", subscriptionID))
		}
		return subResult
	}
	sub := subResult.Value()

	if err := s.auth.Require(ctx, userID, PermissionManageSubscription, &PermissionScope{BusinessID: sub.BusinessID}); err != nil {
		return requestFailure[*models.BusinessSubscription](err)
	}

	return subResult
}

func (s *Service) fetchPlan(planID string) utils.Result[*models.SubscriptionPlan] {
	planResult := s.plans.GetPlan(planID)
	if planResult.Failure() && planResult.ErrorMsg() == models.ERROR_NOT_FOUND {
		return utils.FailedResult[*models.SubscriptionPlan](notFoundError("plan", planID)).
			NonCapturable().NonRetryable()
	}
	return planResult
}

// publish emits a lifecycle event after a committed transition. The publish
// is detached from the request context: the commit already happened.
func (s *Service) publish(event *LifecycleEvent) {
	if s.events == nil {
		return
	}
	go s.events.Publish(context.Background(), event)
}

// requestFailure wraps a request-path rejection: not retryable, not worth
// capturing, surfaced unchanged to the caller.
func requestFailure[T any](err error) utils.Result[T] {
	return utils.FailedResult[T](err).NonCapturable().NonRetryable()
}
