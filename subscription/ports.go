package subscription

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/utils"
)

// Clock is the single time source for the engine. Every transition reads
// "now" through it so tests can pin time and simulate period boundaries.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Permissions checked before any mutating operation.
const (
	PermissionManageSubscription = "subscriptions:manage"
	PermissionViewSubscription   = "subscriptions:view"
)

// PermissionScope narrows a permission check to one business.
type PermissionScope struct {
	BusinessID string
}

// Authorizer is the consolidated authorization port. The engine carries no
// RBAC branching of its own: one Require call gates each operation.
type Authorizer interface {
	Require(ctx context.Context, userID string, permission string, scope *PermissionScope) error
	Has(ctx context.Context, userID string, resource string, action string) bool
}

// Store is the repository surface the engine mutates subscriptions through.
// Implementations are transactional per call; UpdateSubscription performs
// the optimistic version check.
type Store interface {
	FetchLiveSubscription(businessID string) utils.Result[*models.BusinessSubscription]
	FetchSubscription(id string) utils.Result[*models.BusinessSubscription]
	FetchLatestSubscription(businessID string) utils.Result[*models.BusinessSubscription]
	FetchSubscriptionHistory(businessID string) utils.Result[[]models.BusinessSubscription]
	CreateSubscription(sub *models.BusinessSubscription) utils.Result[*models.BusinessSubscription]
	UpdateSubscription(sub *models.BusinessSubscription) utils.Result[*models.BusinessSubscription]
	FetchExpiredSubscriptions(now time.Time, limit int) utils.Result[[]models.BusinessSubscription]
	FetchSubscriptionsForRenewal(now time.Time, limit int) utils.Result[[]models.BusinessSubscription]
	FetchTrialsEndingSoon(now time.Time, within time.Duration, limit int) utils.Result[[]models.BusinessSubscription]
	FetchBusinessUsage(businessID string, now time.Time) utils.Result[*models.BusinessUsage]
}

// PlanSource is the slice of the plan catalog the engine reads.
type PlanSource interface {
	GetPlan(id string) utils.Result[*models.SubscriptionPlan]
}

type ProrationPaymentRequest struct {
	BusinessID      string            `json:"business_id"`
	SubscriptionID  string            `json:"subscription_id"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	PaymentMethodID string            `json:"payment_method_id"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type RenewalPaymentRequest struct {
	BusinessID      string          `json:"business_id"`
	SubscriptionID  string          `json:"subscription_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentMethodID string          `json:"payment_method_id"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
}

type PaymentResult struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"payment_id"`
	Error     string `json:"error,omitempty"`
}

type PaymentMethod struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	Default  bool   `json:"default"`
}

type CardData struct {
	Number     string `json:"number"`
	CVC        string `json:"cvc"`
	ExpMonth   int    `json:"exp_month"`
	ExpYear    int    `json:"exp_year"`
	HolderName string `json:"holder_name"`
}

// PaymentCoordinator is the external payment gateway contract. A payment
// call is an atomic commit gate: the engine awaits the result and never
// speculatively commits a plan change before confirmation.
type PaymentCoordinator interface {
	CreateProrationPayment(ctx context.Context, req *ProrationPaymentRequest) (*PaymentResult, error)
	CreateRenewalPayment(ctx context.Context, req *RenewalPaymentRequest) (*PaymentResult, error)
	GetStoredPaymentMethods(ctx context.Context, businessID string) ([]PaymentMethod, error)
	StorePaymentMethod(ctx context.Context, businessID string, card *CardData, makeDefault bool) (*PaymentMethod, error)
}

// LifecycleProducer publishes committed transitions for downstream
// consumers (notifications, analytics). Publication is post-commit and must
// not block or fail the originating operation.
type LifecycleProducer interface {
	Publish(ctx context.Context, event *LifecycleEvent)
}
