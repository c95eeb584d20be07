package subscription

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookwell/billing-engine/config/kafka"
	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/utils"
)

// Lifecycle event types published after committed transitions.
const (
	EventSubscriptionCreated     = "subscription.created"
	EventSubscriptionPlanChanged = "subscription.plan_changed"
	EventSubscriptionCanceled    = "subscription.canceled"
	EventCancellationScheduled   = "subscription.cancellation_scheduled"
	EventSubscriptionReactivated = "subscription.reactivated"
	EventTrialConverted          = "subscription.trial_converted"
	EventSubscriptionRenewed     = "subscription.renewed"
	EventSubscriptionPastDue     = "subscription.past_due"
	EventTrialEndingSoon         = "subscription.trial_ending"
)

type LifecycleEvent struct {
	Type             string                    `json:"type"`
	SubscriptionID   string                    `json:"subscription_id"`
	BusinessID       string                    `json:"business_id"`
	PlanID           string                    `json:"plan_id"`
	PreviousPlanID   string                    `json:"previous_plan_id,omitempty"`
	Status           models.SubscriptionStatus `json:"status"`
	CurrentPeriodEnd time.Time                 `json:"current_period_end"`
	Amount           *decimal.Decimal          `json:"amount,omitempty"`
	OccurredAt       time.Time                 `json:"occurred_at"`
}

// EventProducerService publishes lifecycle events to Kafka for downstream
// notification and analytics consumers. Publication never fails the caller:
// a produce error is logged, nothing else.
type EventProducerService struct {
	producer kafka.MessageProducer
	logger   *slog.Logger
}

func NewEventProducerService(producer kafka.MessageProducer, logger *slog.Logger) *EventProducerService {
	return &EventProducerService{
		producer: producer,
		logger:   logger,
	}
}

func (s *EventProducerService) Publish(ctx context.Context, event *LifecycleEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error(
			"Error marshalling lifecycle event",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		utils.CaptureError(err)
		return
	}

	msg := &kafka.ProducerMessage{
		Key:   []byte(event.BusinessID),
		Value: payload,
	}

	if !s.producer.Produce(ctx, msg) {
		s.logger.Error(
			"Error producing lifecycle event",
			slog.String("event_type", event.Type),
			slog.String("subscription_id", event.SubscriptionID),
			slog.String("topic", s.producer.GetTopic()),
		)
	}
}
