package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/utils"
)

// EffectiveDate selects when a plan change alters billing and entitlements.
type EffectiveDate string

const (
	EffectiveImmediate EffectiveDate = "immediate"
	EffectiveNextCycle EffectiveDate = "next_billing_cycle"
)

func (e EffectiveDate) Valid() bool {
	return e == EffectiveImmediate || e == EffectiveNextCycle
}

type ChangePlanRequest struct {
	NewPlanID       string        `json:"new_plan_id"`
	EffectiveDate   EffectiveDate `json:"effective_date"`
	PaymentMethodID string        `json:"payment_method_id,omitempty"`
}

type PlanChangeResult struct {
	Subscription *models.BusinessSubscription `json:"subscription"`
	ChangeType   models.ChangeType            `json:"change_type"`
	EffectiveAt  time.Time                    `json:"effective_at"`
	Proration    *Proration                   `json:"proration,omitempty"`
	PaymentID    string                       `json:"payment_id,omitempty"`
}

// UpgradePlan moves the subscription to a strictly more expensive plan,
// effective immediately.
func (s *Service) UpgradePlan(ctx context.Context, userID, subscriptionID, newPlanID string) utils.Result[*PlanChangeResult] {
	plansResult := s.currentAndTargetPlans(ctx, userID, subscriptionID, newPlanID)
	if plansResult.Failure() {
		return utils.FailedResult[*PlanChangeResult](plansResult.Error()).
			NonCapturable().NonRetryable()
	}
	current, target := plansResult.Value().current, plansResult.Value().target

	if !target.Price.GreaterThan(current.Price) {
		return requestFailure[*PlanChangeResult](
			fmt.Errorf("%w: plan %s does not cost more than plan %s, use a downgrade",
				ErrInvalidTransition, target.ID, current.ID))
	}

	return s.ChangePlan(ctx, userID, subscriptionID, &ChangePlanRequest{
		NewPlanID:     newPlanID,
		EffectiveDate: EffectiveImmediate,
	})
}

// DowngradePlan moves the subscription to a strictly cheaper plan. The
// change always takes effect at the current period end.
func (s *Service) DowngradePlan(ctx context.Context, userID, subscriptionID, newPlanID string) utils.Result[*PlanChangeResult] {
	plansResult := s.currentAndTargetPlans(ctx, userID, subscriptionID, newPlanID)
	if plansResult.Failure() {
		return utils.FailedResult[*PlanChangeResult](plansResult.Error()).
			NonCapturable().NonRetryable()
	}
	current, target := plansResult.Value().current, plansResult.Value().target

	if !target.Price.LessThan(current.Price) {
		return requestFailure[*PlanChangeResult](
			fmt.Errorf("%w: plan %s does not cost less than plan %s, use an upgrade",
				ErrInvalidTransition, target.ID, current.ID))
	}

	return s.ChangePlan(ctx, userID, subscriptionID, &ChangePlanRequest{
		NewPlanID:     newPlanID,
		EffectiveDate: EffectiveNextCycle,
	})
}

// ChangePlan is the unified plan-change operation.
//
// Any change that is not a price increase (downgrades and equal-price moves)
// is forced to take effect at the next billing cycle regardless of the
// requested effective date, and must pass the limit check. Immediate
// upgrades are prorated; a positive charge must be confirmed by the payment
// coordinator before anything is written; payment failure aborts the whole
// change and leaves the subscription on its prior plan.
func (s *Service) ChangePlan(ctx context.Context, userID, subscriptionID string, req *ChangePlanRequest) utils.Result[*PlanChangeResult] {
	if !req.EffectiveDate.Valid() {
		return requestFailure[*PlanChangeResult](
			validationError("effective date must be %q or %q", EffectiveImmediate, EffectiveNextCycle))
	}

	subResult := s.authorizedSubscription(ctx, userID, subscriptionID)
	if subResult.Failure() {
		return utils.FailedResult[*PlanChangeResult](subResult.Error()).
			NonCapturable().NonRetryable()
	}
	sub := subResult.Value()

	if !sub.Status.Live() {
		return requestFailure[*PlanChangeResult](transitionError(sub.Status, "change plan of"))
	}
	if req.NewPlanID == sub.PlanID {
		return requestFailure[*PlanChangeResult](
			validationError("subscription is already on plan %s", req.NewPlanID))
	}

	newPlanResult := s.fetchPlan(req.NewPlanID)
	if newPlanResult.Failure() {
		return utils.FailedResult[*PlanChangeResult](newPlanResult.Error()).
			NonCapturable().NonRetryable()
	}
	newPlan := newPlanResult.Value()

	if !newPlan.IsActive {
		return requestFailure[*PlanChangeResult](
			validationError("plan %s is not available for plan changes", newPlan.ID))
	}

	// The current plan may be inactive; grandfathered plans stay readable.
	currentPlanResult := s.fetchPlan(sub.PlanID)
	if currentPlanResult.Failure() {
		return utils.FailedResult[*PlanChangeResult](currentPlanResult.Error())
	}
	currentPlan := currentPlanResult.Value()

	isUpgrade := newPlan.Price.GreaterThan(currentPlan.Price)

	effectiveDate := req.EffectiveDate
	if !isUpgrade {
		// Customer-protective policy: a downgrade never shortens the period
		// the customer already paid for, whatever the caller asked.
		// Equal-price changes follow the same path: deferred and
		// limit-checked, never prorated.
		effectiveDate = EffectiveNextCycle

		checkResult := s.limits.CheckLimits(ctx, sub.BusinessID, newPlan)
		if checkResult.Failure() {
			return utils.FailedResult[*PlanChangeResult](checkResult.Error())
		}
		if check := checkResult.Value(); !check.IsValid {
			messages := make([]string, 0, len(check.Violations))
			for _, v := range check.Violations {
				messages = append(messages, v.Message)
			}
			return requestFailure[*PlanChangeResult](
				fmt.Errorf("%w: %s", ErrLimitExceeded, strings.Join(messages, "; ")))
		}
	}

	now := s.clock.Now()
	updated := *sub

	var effectiveAt time.Time
	if effectiveDate == EffectiveNextCycle {
		effectiveAt = sub.CurrentPeriodEnd
		updated.CurrentPeriodStart = sub.CurrentPeriodEnd
		updated.CurrentPeriodEnd = newPlan.BillingInterval.NextPeriodEnd(sub.CurrentPeriodEnd)
	} else {
		effectiveAt = now
		if newPlan.BillingInterval != currentPlan.BillingInterval {
			updated.CurrentPeriodStart = now
			updated.CurrentPeriodEnd = newPlan.BillingInterval.NextPeriodEnd(now)
		}
	}
	updated.PlanID = newPlan.ID
	if updated.AutoRenewal {
		updated.NextBillingDate = sql.NullTime{Time: updated.CurrentPeriodEnd, Valid: true}
	}

	var proration *Proration
	paymentID := ""
	paymentOutcome := "not_required"

	if isUpgrade && effectiveDate == EffectiveImmediate {
		p := CalculateProration(currentPlan, newPlan, sub.CurrentPeriodEnd, now)
		proration = &p

		if p.ChargeAmount.IsPositive() {
			paymentMethodID := req.PaymentMethodID
			if paymentMethodID == "" && sub.PaymentMethodID.Valid {
				paymentMethodID = sub.PaymentMethodID.String
			}
			if paymentMethodID == "" {
				return requestFailure[*PlanChangeResult](
					fmt.Errorf("%w: an immediate upgrade with an outstanding charge needs a payment method", ErrPaymentRequired))
			}

			payResult, err := s.payments.CreateProrationPayment(ctx, &ProrationPaymentRequest{
				BusinessID:      sub.BusinessID,
				SubscriptionID:  sub.ID,
				Amount:          p.ChargeAmount,
				Currency:        newPlan.Currency,
				PaymentMethodID: paymentMethodID,
				Metadata: map[string]string{
					"change_type":      string(models.ChangeTypeUpgrade),
					"previous_plan_id": currentPlan.ID,
					"new_plan_id":      newPlan.ID,
				},
			})
			if err != nil {
				// Includes context cancellation: nothing was written, the
				// subscription stays on its prior plan.
				return requestFailure[*PlanChangeResult](fmt.Errorf("%w: %v", ErrPaymentFailed, err))
			}
			if !payResult.Success {
				return requestFailure[*PlanChangeResult](fmt.Errorf("%w: %s", ErrPaymentFailed, payResult.Error))
			}

			paymentID = payResult.PaymentID
			paymentOutcome = "succeeded"
			if req.PaymentMethodID != "" {
				updated.PaymentMethodID = sql.NullString{String: req.PaymentMethodID, Valid: true}
			}
		}
	}

	changeType := models.ChangeTypeDowngrade
	if isUpgrade {
		changeType = models.ChangeTypeUpgrade
		record := models.UpgradeRecord{
			PreviousPlanID: currentPlan.ID,
			NewPlanID:      newPlan.ID,
			EffectiveAt:    effectiveAt,
			PaymentID:      paymentID,
			PaymentOutcome: paymentOutcome,
		}
		if proration != nil {
			record.ProrationCharge = proration.ChargeAmount
			record.ProrationCredit = proration.CreditAmount
		}
		updated.Metadata = updated.Metadata.Append(now, record)
	} else {
		updated.Metadata = updated.Metadata.Append(now, models.DowngradeRecord{
			PreviousPlanID: currentPlan.ID,
			NewPlanID:      newPlan.ID,
			EffectiveAt:    effectiveAt,
		})
	}

	committed := s.store.UpdateSubscription(&updated)
	if committed.Failure() {
		if paymentID != "" {
			// The charge went through but the commit did not; surface loudly
			// so the payment can be reconciled.
			s.logger.Error(
				"Plan change payment succeeded but commit failed",
				slog.String("subscription_id", sub.ID),
				slog.String("payment_id", paymentID),
				slog.String("error", committed.ErrorMsg()),
			)
			utils.CaptureError(committed.Error())
		}
		return utils.FailedResult[*PlanChangeResult](committed.Error())
	}

	event := &LifecycleEvent{
		Type:             EventSubscriptionPlanChanged,
		SubscriptionID:   sub.ID,
		BusinessID:       sub.BusinessID,
		PlanID:           newPlan.ID,
		PreviousPlanID:   currentPlan.ID,
		Status:           updated.Status,
		CurrentPeriodEnd: updated.CurrentPeriodEnd,
		OccurredAt:       now,
	}
	if proration != nil {
		amount := proration.ChargeAmount
		event.Amount = &amount
	}
	s.publish(event)

	return utils.SuccessResult(&PlanChangeResult{
		Subscription: committed.Value(),
		ChangeType:   changeType,
		EffectiveAt:  effectiveAt,
		Proration:    proration,
		PaymentID:    paymentID,
	})
}

// CalculateUpgradeProration previews the credit/charge for moving to a plan
// right now, without changing anything. Identical inputs yield identical
// outputs.
func (s *Service) CalculateUpgradeProration(ctx context.Context, userID, subscriptionID, newPlanID string) utils.Result[*Proration] {
	subResult := s.authorizedSubscription(ctx, userID, subscriptionID)
	if subResult.Failure() {
		return utils.FailedResult[*Proration](subResult.Error()).
			NonCapturable().NonRetryable()
	}
	sub := subResult.Value()

	currentPlanResult := s.fetchPlan(sub.PlanID)
	if currentPlanResult.Failure() {
		return utils.FailedResult[*Proration](currentPlanResult.Error())
	}
	newPlanResult := s.fetchPlan(newPlanID)
	if newPlanResult.Failure() {
		return utils.FailedResult[*Proration](newPlanResult.Error()).
			NonCapturable().NonRetryable()
	}

	proration := CalculateProration(currentPlanResult.Value(), newPlanResult.Value(), sub.CurrentPeriodEnd, s.clock.Now())
	return utils.SuccessResult(&proration)
}

type planPair struct {
	current *models.SubscriptionPlan
	target  *models.SubscriptionPlan
}

// currentAndTargetPlans authorizes the caller against the subscription's
// business before loading either plan, so an unauthorized caller learns
// nothing about how the current plan prices against a target.
func (s *Service) currentAndTargetPlans(ctx context.Context, userID, subscriptionID, newPlanID string) utils.Result[planPair] {
	subResult := s.authorizedSubscription(ctx, userID, subscriptionID)
	if subResult.Failure() {
		return utils.FailedResult[planPair](subResult.Error())
	}

	currentResult := s.fetchPlan(subResult.Value().PlanID)
	if currentResult.Failure() {
		return utils.FailedResult[planPair](currentResult.Error())
	}
	targetResult := s.fetchPlan(newPlanID)
	if targetResult.Failure() {
		return utils.FailedResult[planPair](targetResult.Error())
	}

	return utils.SuccessResult(planPair{
		current: currentResult.Value(),
		target:  targetResult.Value(),
	})
}
