package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	tracer "github.com/bookwell/billing-engine/config"
	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/utils"
)

// AdvanceOutcome is what happened to one elapsed subscription.
type AdvanceOutcome string

const (
	OutcomeRenewed  AdvanceOutcome = "renewed"
	OutcomeCanceled AdvanceOutcome = "canceled"
	OutcomePastDue  AdvanceOutcome = "past_due"
	OutcomeSkipped  AdvanceOutcome = "skipped"
)

// ExpireAndAdvance processes one subscription whose period has elapsed. It
// is system-only: no authorization applies, the renewal batch is the caller.
//
// Flagged-for-cancellation subscriptions are finalized to canceled. Auto
// renewing subscriptions with a payment method get exactly one charge
// attempt per pass, guarded by a per-(subscription, period end) lease; a
// failed charge parks the subscription in past_due and the next scheduled
// pass retries naturally. Everything else goes past_due without a payment
// attempt.
func (s *Service) ExpireAndAdvance(ctx context.Context, subscriptionID string) utils.Result[AdvanceOutcome] {
	subResult := s.store.FetchSubscription(subscriptionID)
	if subResult.Failure() {
		return utils.FailedResult[AdvanceOutcome](subResult.Error())
	}
	sub := subResult.Value()

	now := s.clock.Now()
	if !sub.Status.Live() || sub.CurrentPeriodEnd.After(now) {
		// Re-reads are harmless: advancing is keyed on the period end date.
		return utils.SuccessResult(OutcomeSkipped)
	}

	if sub.CancelAtPeriodEnd {
		return s.finalizeCancellation(sub, now)
	}

	if sub.AutoRenewal && sub.PaymentMethodID.Valid {
		return s.renew(ctx, sub, now)
	}

	// No way to charge: past_due, payment coordinator untouched.
	if sub.Status == models.StatusPastDue {
		return utils.SuccessResult(OutcomePastDue)
	}

	sub.Status = models.StatusPastDue
	sub.Metadata = sub.Metadata.Append(now, models.RenewalRecord{
		PlanID:      sub.PlanID,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		Failure:     "auto renewal disabled or no payment method on file",
	})

	updated := s.store.UpdateSubscription(sub)
	if updated.Failure() {
		return utils.FailedResult[AdvanceOutcome](updated.Error())
	}

	s.publishRenewalEvent(EventSubscriptionPastDue, sub, now)
	return utils.SuccessResult(OutcomePastDue)
}

func (s *Service) finalizeCancellation(sub *models.BusinessSubscription, now time.Time) utils.Result[AdvanceOutcome] {
	prior := sub.Status
	sub.Status = models.StatusCanceled
	sub.AutoRenewal = false
	sub.Metadata = sub.Metadata.Append(now, models.CancellationRecord{
		AtPeriodEnd: true,
		Finalized:   true,
		PriorStatus: prior,
		CanceledAt:  now,
	})

	updated := s.store.UpdateSubscription(sub)
	if updated.Failure() {
		return utils.FailedResult[AdvanceOutcome](updated.Error())
	}

	s.publishRenewalEvent(EventSubscriptionCanceled, sub, now)
	return utils.SuccessResult(OutcomeCanceled)
}

func (s *Service) renew(ctx context.Context, sub *models.BusinessSubscription, now time.Time) utils.Result[AdvanceOutcome] {
	planResult := s.fetchPlan(sub.PlanID)
	if planResult.Failure() {
		return utils.FailedResult[AdvanceOutcome](planResult.Error())
	}
	plan := planResult.Value()

	if s.leases != nil {
		acquired, err := s.leases.Acquire(sub.ID, sub.CurrentPeriodEnd)
		if err != nil {
			return utils.FailedResult[AdvanceOutcome](err)
		}
		if !acquired {
			// Another pass holds this period.
			return utils.SuccessResult(OutcomeSkipped)
		}
	}

	periodStart := sub.CurrentPeriodEnd
	periodEnd := plan.BillingInterval.NextPeriodEnd(periodStart)

	payResult, err := s.payments.CreateRenewalPayment(ctx, &RenewalPaymentRequest{
		BusinessID:      sub.BusinessID,
		SubscriptionID:  sub.ID,
		Amount:          plan.Price,
		Currency:        plan.Currency,
		PaymentMethodID: sub.PaymentMethodID.String,
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
	})
	if err != nil || !payResult.Success {
		reason := ""
		if err != nil {
			reason = err.Error()
		} else {
			reason = payResult.Error
		}
		return s.renewalFailed(sub, now, reason)
	}

	previousEnd := sub.CurrentPeriodEnd
	sub.Status = models.StatusActive
	sub.CurrentPeriodStart = periodStart
	sub.CurrentPeriodEnd = periodEnd
	sub.NextBillingDate.Time = periodEnd
	sub.NextBillingDate.Valid = true
	sub.Metadata = sub.Metadata.Append(now, models.RenewalRecord{
		PlanID:      sub.PlanID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		PaymentID:   payResult.PaymentID,
	})

	updated := s.store.UpdateSubscription(sub)
	if updated.Failure() {
		s.logger.Error(
			"Renewal payment succeeded but commit failed",
			slog.String("subscription_id", sub.ID),
			slog.String("payment_id", payResult.PaymentID),
			slog.String("error", updated.ErrorMsg()),
		)
		utils.CaptureError(updated.Error())
		return utils.FailedResult[AdvanceOutcome](updated.Error())
	}

	s.logger.Info(
		"Subscription renewed",
		slog.String("subscription_id", sub.ID),
		slog.String("plan_id", sub.PlanID),
		slog.Time("previous_period_end", previousEnd),
		slog.Time("new_period_end", periodEnd),
	)
	s.publishRenewalEvent(EventSubscriptionRenewed, sub, now)
	return utils.SuccessResult(OutcomeRenewed)
}

func (s *Service) renewalFailed(sub *models.BusinessSubscription, now time.Time, reason string) utils.Result[AdvanceOutcome] {
	// The charge resolved as a failure; release the lease so the next
	// scheduled pass can retry before the TTL runs out.
	if s.leases != nil {
		if err := s.leases.Release(sub.ID, sub.CurrentPeriodEnd); err != nil {
			s.logger.Error(
				"Failed to release renewal lease",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	sub.Status = models.StatusPastDue
	sub.Metadata = sub.Metadata.Append(now, models.RenewalRecord{
		PlanID:      sub.PlanID,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		Failure:     reason,
	})

	updated := s.store.UpdateSubscription(sub)
	if updated.Failure() {
		return utils.FailedResult[AdvanceOutcome](updated.Error())
	}

	s.publishRenewalEvent(EventSubscriptionPastDue, sub, now)
	return utils.SuccessResult(OutcomePastDue)
}

func (s *Service) publishRenewalEvent(eventType string, sub *models.BusinessSubscription, now time.Time) {
	s.publish(&LifecycleEvent{
		Type:             eventType,
		SubscriptionID:   sub.ID,
		BusinessID:       sub.BusinessID,
		PlanID:           sub.PlanID,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		OccurredAt:       now,
	})
}

// RunSummary aggregates one batch pass. The processor never throws: per-item
// failures are counted and logged, the batch keeps going.
type RunSummary struct {
	Processed int `json:"processed"`
	Renewed   int `json:"renewed"`
	Canceled  int `json:"canceled"`
	PastDue   int `json:"past_due"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// RenewalProcessor advances, renews, or expires subscriptions whose period
// has elapsed. Items are processed independently; each transition is its
// own transaction boundary, no lock spans the batch.
type RenewalProcessor struct {
	logger      *slog.Logger
	store       Store
	service     *Service
	clock       Clock
	batchSize   int
	concurrency int
}

type RenewalProcessorConfig struct {
	Logger      *slog.Logger
	Store       Store
	Service     *Service
	Clock       Clock
	BatchSize   int
	Concurrency int
}

func NewRenewalProcessor(config RenewalProcessorConfig) *RenewalProcessor {
	clock := config.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	return &RenewalProcessor{
		logger:      config.Logger.With("component", "renewal-processor"),
		store:       config.Store,
		service:     config.Service,
		clock:       clock,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// ProcessExpired sweeps elapsed subscriptions that will not be charged:
// flagged cancellations are finalized, the rest go past_due.
func (p *RenewalProcessor) ProcessExpired(ctx context.Context) utils.Result[*RunSummary] {
	span := tracer.GetTracerSpan(ctx, "renewal", "RenewalProcessor.ProcessExpired")
	defer span.End()

	subsResult := p.store.FetchExpiredSubscriptions(p.clock.Now(), p.batchSize)
	if subsResult.Failure() {
		return utils.FailedResult[*RunSummary](subsResult.Error())
	}

	summary := p.run(ctx, subsResult.Value())
	span.SetAttributes(attribute.Int("subscriptions.processed", summary.Processed))

	p.logger.Info(
		"Expiry pass completed",
		slog.Int("processed", summary.Processed),
		slog.Int("canceled", summary.Canceled),
		slog.Int("past_due", summary.PastDue),
		slog.Int("failed", summary.Failed),
	)

	return utils.SuccessResult(summary)
}

// ProcessRenewals sweeps elapsed subscriptions that are candidates for a
// renewal charge.
func (p *RenewalProcessor) ProcessRenewals(ctx context.Context) utils.Result[*RunSummary] {
	span := tracer.GetTracerSpan(ctx, "renewal", "RenewalProcessor.ProcessRenewals")
	defer span.End()

	subsResult := p.store.FetchSubscriptionsForRenewal(p.clock.Now(), p.batchSize)
	if subsResult.Failure() {
		return utils.FailedResult[*RunSummary](subsResult.Error())
	}

	summary := p.run(ctx, subsResult.Value())
	span.SetAttributes(attribute.Int("subscriptions.processed", summary.Processed))

	p.logger.Info(
		"Renewal pass completed",
		slog.Int("processed", summary.Processed),
		slog.Int("renewed", summary.Renewed),
		slog.Int("past_due", summary.PastDue),
		slog.Int("failed", summary.Failed),
	)

	return utils.SuccessResult(summary)
}

// ProcessTrialsEndingSoon publishes a heads-up event for every trial ending
// within the horizon. Nothing is mutated.
func (p *RenewalProcessor) ProcessTrialsEndingSoon(ctx context.Context, within time.Duration) utils.Result[*RunSummary] {
	span := tracer.GetTracerSpan(ctx, "renewal", "RenewalProcessor.ProcessTrialsEndingSoon")
	defer span.End()

	now := p.clock.Now()
	subsResult := p.store.FetchTrialsEndingSoon(now, within, p.batchSize)
	if subsResult.Failure() {
		return utils.FailedResult[*RunSummary](subsResult.Error())
	}

	summary := &RunSummary{}
	for i := range subsResult.Value() {
		sub := &subsResult.Value()[i]
		summary.Processed++
		p.service.publishRenewalEvent(EventTrialEndingSoon, sub, now)
	}

	return utils.SuccessResult(summary)
}

func (p *RenewalProcessor) run(ctx context.Context, subs []models.BusinessSubscription) *RunSummary {
	summary := &RunSummary{}
	var mu sync.Mutex

	g := errgroup.Group{}
	g.SetLimit(p.concurrency)

	for i := range subs {
		sub := subs[i]

		if ctx.Err() != nil {
			// Shutting down: in-flight items finish their own transaction,
			// the rest wait for the next pass.
			break
		}

		g.Go(func() error {
			result := p.service.ExpireAndAdvance(ctx, sub.ID)

			mu.Lock()
			defer mu.Unlock()
			summary.Processed++

			if result.Failure() {
				summary.Failed++
				p.logger.Error(
					"Failed to process subscription",
					slog.String("subscription_id", sub.ID),
					slog.String("error", result.ErrorMsg()),
				)
				if result.IsCapturable() {
					utils.CaptureErrorResultWithExtra(result, "subscription_id", sub.ID)
				}
				return nil
			}

			switch result.Value() {
			case OutcomeRenewed:
				summary.Renewed++
			case OutcomeCanceled:
				summary.Canceled++
			case OutcomePastDue:
				summary.PastDue++
			case OutcomeSkipped:
				summary.Skipped++
			}
			return nil
		})
	}

	_ = g.Wait()
	return summary
}
